package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    string
		kind   Kind
		period time.Duration
	}{
		{raw: "*/5 * * * *", kind: KindCron},
		{raw: "0 0 12 * * ?", kind: KindCron},
		{raw: "cron: 0 0 * * *", kind: KindCron},
		{raw: "@hourly", kind: KindCron},
		{raw: "10m", kind: KindSimple, period: 10 * time.Minute},
		{raw: "every: 45s", kind: KindSimple, period: 45 * time.Second},
		{raw: "EVERY:02:00", kind: KindSimple, period: 2 * time.Hour},
		{raw: "01:30", kind: KindSimple, period: 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			tr, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, tr.Kind())
			if tt.kind == KindSimple {
				assert.Equal(t, tt.period, tr.Period())
				assert.Equal(t, Unbounded, tr.Times())
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "every:", "00:00", "1:5", "-5m", "cron:", "cron:not a cron"} {
		_, err := Parse(raw)
		assert.Error(t, err, raw)
	}
}
