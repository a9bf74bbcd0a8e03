package unit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterjobs/internal/scheduler"
)

func TestBaseNamespacesJobs(t *testing.T) {
	deps, svc := newDeps(t)
	var b Base
	b.InitBase(deps, "reports")

	ok, err := b.Schedule(scheduler.RunnableFunc(func() {}), scheduler.Expr("0 0 * * * ?").Name("daily"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, svc.Exists("reports.daily"))

	require.NoError(t, b.Every("", 60, false, func(scheduler.JobContext) error { return nil }))
	assert.True(t, svc.Exists("reports"))

	assert.True(t, b.Unschedule("daily"))
	assert.False(t, svc.Exists("reports.daily"))
}

func TestBaseWithoutSchedulerFails(t *testing.T) {
	var b Base
	b.InitBase(Deps{}, "lonely")
	assert.ErrorIs(t, b.Cron("x", "0 0 * * * ?", false, nil), errNoScheduler)
	_, err := b.RegisterService(nil, scheduler.ServiceProperties{})
	assert.Error(t, err)
	assert.False(t, b.Unschedule("x"))
}

func TestBaseHealth(t *testing.T) {
	var b Base
	st, err := b.Health(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "not_started", st)

	ctx, cancel := context.WithCancel(context.Background())
	b.StartBase(ctx)
	st, _ = b.Health(context.Background())
	assert.Equal(t, "ok", st)
	cancel()
	st, err = b.Health(context.Background())
	assert.Equal(t, "stopped", st)
	assert.Error(t, err)
}

func TestDecodeConfigRejectsUnknownFields(t *testing.T) {
	_, err := DecodeConfig[tickerConfig]([]byte(`{"expr":"x","nope":1}`))
	assert.Error(t, err)
	c, err := DecodeConfig[tickerConfig](nil)
	assert.NoError(t, err)
	assert.Empty(t, c.Expr)
}
