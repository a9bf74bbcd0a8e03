// Package logx wraps zerolog for clusterjobs.
//
// A Service owns the sinks (stdout and an optional JSON file) and can be
// re-applied on config reload; every Logger derived from it follows along.
// Throttle rate limits repeated warnings per key.
package logx
