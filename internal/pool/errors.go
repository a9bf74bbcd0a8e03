package pool

import "github.com/cockroachdb/errors"

var (
	ErrStopped     = errors.New("pool stopped")
	ErrStopping    = errors.New("pool stopping")
	ErrQueueFull   = errors.New("pool queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrUnknownPool = errors.New("unknown pool")
)
