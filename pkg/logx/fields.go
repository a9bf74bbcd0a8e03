package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields apply in order; a repeated key keeps
// both entries in JSON output, so avoid it.
type Field func(e *zerolog.Event)

const maxStack = 4000

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field        { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Strings(k string, v []string) Field       { return func(e *zerolog.Event) { e.Strs(k, v) } }

// Component, Job and Unit are the keys every scheduler log line is filtered by.
func Component(name string) Field { return String("comp", name) }
func Job(name string) Field       { return String("job", name) }
func Unit(name string) Field      { return String("unit", name) }

// Err adds err under "err"; nil adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Stack adds a goroutine stack, cut to a bounded size.
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		stack = strings.TrimSpace(stack)
		if stack == "" {
			return
		}
		if len(stack) > maxStack {
			stack = stack[:maxStack-3] + "..."
		}
		e.Str("stack", stack)
	}
}
