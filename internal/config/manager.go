package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	logx "clusterjobs/pkg/logx"
)

const (
	settleDelay     = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	rewatchMin      = 250 * time.Millisecond
	rewatchMax      = 5 * time.Second
)

// ConfigManager owns the current config and, while Watch runs, replaces it
// whenever the file changes to something valid. Subscribers always see the
// newest accepted config; intermediate ones may be skipped.
type ConfigManager struct {
	path      string
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator adds a check that runs after Validate on every reload.
// Initial Load does not call it.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Load reads, validates and installs the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, h, err := m.read()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.install(cfg, h)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives each accepted reload. When the
// reader falls behind, the oldest pending config is replaced.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) read() (*Config, uint64, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "read config")
	}
	cfg, err := Decode(m.path, b)
	if err != nil {
		return nil, 0, err
	}
	return cfg, fingerprint(cfg), nil
}

// fingerprint hashes the decoded form, so formatting-only edits compare equal.
func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

func (m *ConfigManager) install(cfg *Config, h uint64) {
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *ConfigManager) broadcast(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// reload checks the file and publishes it if it changed and passes both
// validation steps.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, h, err := m.read()
	if err != nil {
		log.Warn("config unreadable; keeping current", logx.Err(err))
		return
	}
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		return
	}
	if err = Validate(cfg); err == nil && m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = m.validator(vctx, cfg)
		cancel()
	}
	if err != nil {
		log.Warn("config rejected; keeping current", logx.Err(err))
		return
	}
	m.install(cfg, h)
	m.broadcast(cfg)
	log.Debug("config accepted", logx.String("hash", strconv.FormatUint(h, 16)))
}

// Watch follows the file's directory (editors replace files rather than
// write them) and reloads once events settle. It returns when ctx ends; a
// failing watcher is recreated with growing delays.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	wait := rewatchMin
	for {
		err := m.watchOnce(ctx, dir, name, func() { wait = rewatchMin })
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn("config watcher failed; retrying", logx.String("dir", dir), logx.Duration("in", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, rewatchMax)
	}
}

func (m *ConfigManager) watchOnce(ctx context.Context, dir, name string, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	healthy()

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-settle.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) {
				settle.Reset(settleDelay)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("error stream closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// events were lost; assume the file changed
				settle.Reset(settleDelay)
			case err != nil:
				return err
			}
		}
	}
}
