//go:build !sqlite

package storage

import (
	"github.com/cockroachdb/errors"

	logx "clusterjobs/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite storage not built: build with -tags sqlite")
}
