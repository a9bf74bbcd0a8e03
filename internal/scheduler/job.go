package scheduler

import (
	"context"
	"time"
)

// Runnable is a job that needs no context.
type Runnable interface {
	Run()
}

// Job receives its name and configuration on every fire. A returned error is
// logged and counted; it never unschedules the job.
type Job interface {
	Execute(jc JobContext) error
}

// JobContext is what a Job sees when it fires.
type JobContext interface {
	Name() string
	Configuration() map[string]any
	// Context is canceled when the pool stops or the pool timeout elapses.
	Context() context.Context
	FireTime() time.Time
}

// RunnableFunc adapts a plain function to Runnable.
type RunnableFunc func()

func (f RunnableFunc) Run() { f() }

// JobFunc adapts a function to Job.
type JobFunc func(jc JobContext) error

func (f JobFunc) Execute(jc JobContext) error { return f(jc) }

type jobContext struct {
	ctx    context.Context
	name   string
	config map[string]any
	fired  time.Time
}

func (c *jobContext) Name() string                  { return c.name }
func (c *jobContext) Configuration() map[string]any { return c.config }
func (c *jobContext) Context() context.Context      { return c.ctx }
func (c *jobContext) FireTime() time.Time           { return c.fired }

func checkTarget(target any) error {
	switch target.(type) {
	case Job, Runnable:
		return nil
	}
	return argErr(msgTarget)
}
