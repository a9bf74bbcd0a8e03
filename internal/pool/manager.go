package pool

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"clusterjobs/internal/eventbus"
	logx "clusterjobs/pkg/logx"
)

// Manager hands out named pools. A pool is started on first Get and stopped
// when the last holder releases it.
type Manager struct {
	mu    sync.Mutex
	ctx   context.Context
	log   logx.Logger
	bus   eventbus.Bus
	cfgs  map[string]Config
	pools map[string]*entry
}

type entry struct {
	pool *Pool
	refs int
}

// NewManager registers the configured pools. Pools not listed are created
// with default sizing on demand.
func NewManager(ctx context.Context, cfgs []Config, log logx.Logger, bus eventbus.Bus) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	m := &Manager{
		ctx:   ctx,
		log:   log,
		bus:   bus,
		cfgs:  make(map[string]Config, len(cfgs)),
		pools: make(map[string]*entry),
	}
	for _, c := range cfgs {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		c.Name = name
		m.cfgs[name] = c
	}
	return m
}

// Get returns the pool for name, starting it when needed.
func (m *Manager) Get(name string) (*Pool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.Wrap(ErrUnknownPool, "empty pool name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pools == nil {
		return nil, ErrStopped
	}
	if e, ok := m.pools[name]; ok {
		e.refs++
		return e.pool, nil
	}
	cfg, ok := m.cfgs[name]
	if !ok {
		cfg = Config{Name: name}
	}
	p := New(cfg, m.log, m.bus)
	p.Start(m.ctx)
	m.pools[name] = &entry{pool: p, refs: 1}
	return p, nil
}

// Release drops one reference. The pool stops when no references remain.
func (m *Manager) Release(ctx context.Context, p *Pool) {
	if p == nil {
		return
	}
	m.mu.Lock()
	e, ok := m.pools[p.Name()]
	if !ok || e.pool != p {
		m.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.pools, p.Name())
	m.mu.Unlock()
	p.Stop(ctx)
}

// Snapshots lists every live pool sorted by name.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	ps := make([]*Pool, 0, len(m.pools))
	for _, e := range m.pools {
		ps = append(ps, e.pool)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops every pool regardless of references. Get fails afterwards.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	pools := m.pools
	m.pools = nil
	m.mu.Unlock()
	for _, e := range pools {
		e.pool.Stop(ctx)
	}
}
