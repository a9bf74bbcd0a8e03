// Package etcdview derives cluster topology from etcd: membership from
// lease-bound keys and leadership from a concurrency.Election.
package etcdview

import (
	"context"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"clusterjobs/internal/cluster"
	logx "clusterjobs/pkg/logx"
)

type Config struct {
	Endpoints   []string
	Prefix      string
	TTL         time.Duration
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = "/clusterjobs"
	}
	c.Prefix = strings.TrimRight(c.Prefix, "/")
	if c.TTL < time.Second {
		c.TTL = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

func (c Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("etcd: at least one endpoint required")
	}
	return nil
}

// Provider implements cluster.Provider. Each Run opens its own session, so a
// supervisor can restart it after the session expires.
type Provider struct {
	cfg        Config
	instanceID string
	log        logx.Logger

	// client is injected by tests; nil means dial cfg.Endpoints.
	client *clientv3.Client

	mu      sync.Mutex
	members map[string]struct{}
	leader  string
	version int
}

func New(cfg Config, instanceID string, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{
		cfg:        cfg.withDefaults(),
		instanceID: instanceID,
		log:        log.With(logx.Component("etcdview")),
	}
}

// WithClient reuses an existing client; Run will not close it.
func (p *Provider) WithClient(c *clientv3.Client) *Provider {
	p.client = c
	return p
}

func (p *Provider) Name() string { return "etcd" }

func (p *Provider) membersPrefix() string  { return p.cfg.Prefix + "/members/" }
func (p *Provider) electionPrefix() string { return p.cfg.Prefix + "/election" }

func (p *Provider) Run(ctx context.Context, emit func(cluster.Event)) error {
	cli := p.client
	if cli == nil {
		if err := p.cfg.Validate(); err != nil {
			return err
		}
		var err error
		cli, err = clientv3.New(clientv3.Config{
			Endpoints:   p.cfg.Endpoints,
			DialTimeout: p.cfg.DialTimeout,
			Logger:      zap.NewNop(),
		})
		if err != nil {
			return errors.Wrap(err, "etcd: dial")
		}
		defer cli.Close()
	}

	session, err := concurrency.NewSession(cli, concurrency.WithTTL(int(p.cfg.TTL/time.Second)), concurrency.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "etcd: open session")
	}
	defer session.Close()

	memberKey := path.Join(p.membersPrefix(), p.instanceID)
	if _, err := cli.Put(ctx, memberKey, p.instanceID, clientv3.WithLease(session.Lease())); err != nil {
		return errors.Wrap(err, "etcd: register member")
	}

	// Watch from the revision after the initial read so no change is missed.
	resp, err := cli.Get(ctx, p.membersPrefix(), clientv3.WithPrefix())
	if err != nil {
		return errors.Wrap(err, "etcd: list members")
	}
	p.mu.Lock()
	p.members = map[string]struct{}{}
	for _, kv := range resp.Kvs {
		p.members[strings.TrimPrefix(string(kv.Key), p.membersPrefix())] = struct{}{}
	}
	p.mu.Unlock()

	election := concurrency.NewElection(session, p.electionPrefix())
	if lr, err := election.Leader(ctx); err == nil && len(lr.Kvs) > 0 {
		p.setLeader(string(lr.Kvs[0].Value))
	}

	view := p.view()
	emit(cluster.Event{Type: cluster.EventInit, NewView: view})

	campaignCtx, stopCampaign := context.WithCancel(ctx)
	defer stopCampaign()
	campaignErr := make(chan error, 1)
	go func() {
		// Blocks until elected or ctx is canceled.
		campaignErr <- election.Campaign(campaignCtx, p.instanceID)
	}()

	watch := cli.Watch(ctx, p.membersPrefix(), clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	observe := election.Observe(ctx)

	defer func() {
		// Give up leadership promptly so a peer can take over.
		rctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
		defer cancel()
		if p.isLeader() {
			_ = election.Resign(rctx)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-session.Done():
			emit(cluster.Event{Type: cluster.EventChanging, OldView: view})
			return errors.New("etcd: session expired")
		case err := <-campaignErr:
			campaignErr = nil
			if err != nil && ctx.Err() == nil {
				return errors.Wrap(err, "etcd: campaign")
			}
		case lr, ok := <-observe:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("etcd: observe closed")
			}
			if len(lr.Kvs) == 0 {
				continue
			}
			if !p.setLeader(string(lr.Kvs[0].Value)) {
				continue
			}
			old := view
			view = p.view()
			p.log.Info("leader changed", logx.String("leader", string(lr.Kvs[0].Value)), logx.Bool("local", view.LocalIsLeader()))
			emit(cluster.Event{Type: cluster.EventPropertiesChanged, OldView: old, NewView: view})
		case wr, ok := <-watch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("etcd: member watch closed")
			}
			if err := wr.Err(); err != nil {
				return errors.Wrap(err, "etcd: member watch")
			}
			if !p.applyMemberEvents(wr.Events) {
				continue
			}
			old := view
			emit(cluster.Event{Type: cluster.EventChanging, OldView: old})
			view = p.view()
			p.log.Info("membership changed", logx.Int("members", len(view.Members)))
			emit(cluster.Event{Type: cluster.EventChanged, OldView: old, NewView: view})
		}
	}
}

func (p *Provider) applyMemberEvents(evs []*clientv3.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := false
	for _, ev := range evs {
		id := strings.TrimPrefix(string(ev.Kv.Key), p.membersPrefix())
		_, had := p.members[id]
		switch ev.Type {
		case clientv3.EventTypePut:
			if !had {
				p.members[id] = struct{}{}
				changed = true
			}
		case clientv3.EventTypeDelete:
			if had {
				delete(p.members, id)
				changed = true
			}
		}
	}
	return changed
}

func (p *Provider) setLeader(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leader == id {
		return false
	}
	p.leader = id
	return true
}

func (p *Provider) isLeader() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leader == p.instanceID
}

func (p *Provider) view() *cluster.View {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version++
	return buildView(p.version, p.instanceID, p.leader, p.members)
}

func buildView(version int, local, leader string, members map[string]struct{}) *cluster.View {
	ins := make([]cluster.Instance, 0, len(members)+1)
	seenLocal := false
	for id := range members {
		if id == "" {
			continue
		}
		seenLocal = seenLocal || id == local
		ins = append(ins, cluster.Instance{ID: id, Local: id == local, Leader: id == leader})
	}
	if !seenLocal {
		ins = append(ins, cluster.Instance{ID: local, Local: true, Leader: local == leader})
	}
	return cluster.NewView("etcd-"+strconv.Itoa(version), ins...)
}
