package app

import "clusterjobs/internal/unit"

// StopReason explains why the app is stopping; it is logged and passed on
// to units.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

func (r StopReason) unitReason() unit.StopReason {
	if r == StopFatalError {
		return unit.StopReason(r)
	}
	return unit.StopShutdown
}
