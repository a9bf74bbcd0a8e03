package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate limits repeated log lines per key (job name, pool, ...).
// Zero value is unusable; use NewThrottle.
type Throttle struct {
	mu    sync.Mutex
	every time.Duration
	burst int
	lims  map[string]*rate.Limiter
}

// NewThrottle allows burst lines per key, refilled once per every.
func NewThrottle(every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: every, burst: burst, lims: make(map[string]*rate.Limiter)}
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim, ok := t.lims[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.lims[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// Forget drops the limiter for key.
func (t *Throttle) Forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.lims, key)
	t.mu.Unlock()
}
