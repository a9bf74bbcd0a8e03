package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronValidation(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{"0 * * * *", "*/10 * * * * *", "@daily", "@every 5s"} {
		assert.True(t, ValidCron(expr), expr)
	}
	for _, expr := range []string{"", "   ", "61 * * * *", "not cron"} {
		assert.False(t, ValidCron(expr), expr)
	}
}

func TestTriggerString(t *testing.T) {
	t.Parallel()

	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	cr, err := Cron("0 * * * *")
	require.NoError(t, err)

	cases := []struct {
		want string
		tr   Trigger
	}{
		{"none", Trigger{}},
		{"cron(0 * * * *)", cr},
		{"now", Now()},
		{"at(2030-01-02T03:04:05Z)", At(at)},
		{"every(5s)", Periodic(5*time.Second, true)},
		{"every(1m0s x3)", Repeat(time.Time{}, 3, time.Minute)},
		{"every(2s x4 from 2030-01-02T03:04:05Z)", Repeat(at, 4, 2*time.Second)},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.tr.String())
	}
}

func TestSimpleScheduleSequence(t *testing.T) {
	t.Parallel()

	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Repeat(time.Time{}, 3, 10*time.Second).schedule(base)

	first := s.Next(base)
	assert.Equal(t, base, first)
	second := s.Next(first)
	assert.Equal(t, base.Add(10*time.Second), second)
	third := s.Next(second)
	assert.Equal(t, base.Add(20*time.Second), third)
	assert.True(t, s.Next(third).IsZero(), "bounded schedule must stop after times fires")
}

func TestSimpleScheduleSkipsMissedSlots(t *testing.T) {
	t.Parallel()

	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Periodic(10*time.Second, true).schedule(base)
	require.Equal(t, base, s.Next(base))

	// Woken up late: the next slot is the first one after now, on the grid.
	late := base.Add(35 * time.Second)
	assert.Equal(t, base.Add(40*time.Second), s.Next(late))
}

func TestPeriodicDelaysFirstFire(t *testing.T) {
	t.Parallel()

	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Periodic(time.Minute, false).schedule(base)
	assert.Equal(t, base.Add(time.Minute), s.Next(base))
}

func TestAtUsesAbsoluteDate(t *testing.T) {
	t.Parallel()

	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	at := base.Add(time.Hour)
	s := At(at).schedule(base)
	assert.Equal(t, at, s.Next(base))
	assert.True(t, s.Next(at).IsZero())
}
