package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines run log
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      int           // runs kept per store; 0 means DefaultRetain
}

const DefaultRetain = 5000

// Run is one fire outcome. Keep it compact and schema-stable.
type Run struct {
	At       time.Time `json:"at"`
	Job      string    `json:"job"`
	Unit     string    `json:"unit,omitempty"`
	Instance string    `json:"instance,omitempty"`
	Pool     string    `json:"pool,omitempty"`
	Outcome  string    `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
	TookMS   int64     `json:"took_ms"`
	Error    string    `json:"error,omitempty"`
}

// Query narrows RecentRuns. Zero values match everything.
type Query struct {
	Job   string
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 1000 {
		return 100
	}
	return q.Limit
}
