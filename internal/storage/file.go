package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "clusterjobs/pkg/logx"
)

// fileStore appends runs to <prefix>.runs.jsonl and serves queries from an
// in-memory tail of the last retain runs.
//
// The journal is compacted down to the tail once it holds twice as many lines.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path    string
	f       *os.File
	retain  int
	tail    []Run // oldest first
	written int   // lines in the journal
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	runsPath := filepath.Join(dir, base+".runs.jsonl")

	s := &fileStore{log: log, path: runsPath, retain: cfg.Retain}
	n, err := s.replay()
	if err != nil && !os.IsNotExist(err) {
		log.Warn("run journal replay incomplete", logx.Err(err))
	}
	s.written = n

	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open run journal")
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay() (int, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		var r Run
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Job == "" {
			continue
		}
		s.pushLocked(r)
	}
	return n, sc.Err()
}

func (s *fileStore) pushLocked(r Run) {
	s.tail = append(s.tail, r)
	if over := len(s.tail) - s.retain; over > 0 {
		s.tail = append(s.tail[:0:0], s.tail[over:]...)
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) RecordRun(ctx context.Context, r Run) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run journal closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.pushLocked(r)
	s.written++
	if s.written >= 2*s.retain {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, q Query) ([]Run, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := q.limit()
	out := make([]Run, 0, min(limit, len(s.tail)))
	for i := len(s.tail) - 1; i >= 0 && len(out) < limit; i-- {
		if q.Job != "" && s.tail[i].Job != q.Job {
			continue
		}
		out = append(out, s.tail[i])
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.tail {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	s.written = len(s.tail)
	return nil
}
