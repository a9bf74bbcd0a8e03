package scheduler

import "github.com/cockroachdb/errors"

// ErrUnavailable is returned by mutating calls while the service is inactive.
var ErrUnavailable = errors.New("Scheduler is not available anymore.")

const (
	msgTimes      = "Times argument must be higher than 1 or -1"
	msgPeriod     = "Period argument must be higher than 0"
	msgDate       = "Date can't be null"
	msgExpression = "Expression can't be null"
	msgExprPrefix = "Expressionis invalid : "
	msgTarget     = "Job object is neither an instance of Runnable nor Job"
	msgOptions    = "Options can't be null"
)

// ArgumentError reports a malformed scheduling request. Options carry it as a
// deferred value; AddJob and AddPeriodicJob return it directly.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return e.Msg }

func argErr(msg string) error { return &ArgumentError{Msg: msg} }

// IsArgumentError reports whether err is (or wraps) an *ArgumentError.
func IsArgumentError(err error) bool {
	var ae *ArgumentError
	return errors.As(err, &ae)
}
