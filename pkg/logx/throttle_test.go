package logx

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottleAllowsBurstPerKey(t *testing.T) {
	t.Parallel()

	th := NewThrottle(time.Hour, 2)
	assert.True(t, th.Allow("a"))
	assert.True(t, th.Allow("a"))
	assert.False(t, th.Allow("a"))

	// Keys are independent.
	assert.True(t, th.Allow("b"))

	th.Forget("a")
	assert.True(t, th.Allow("a"))
}

func TestNilThrottleAlwaysAllows(t *testing.T) {
	t.Parallel()

	var th *Throttle
	assert.True(t, th.Allow("x"))
	th.Forget("x")
}

func TestNewJSONWritesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["message"])
	assert.Equal(t, "test", rec["comp"])
	assert.EqualValues(t, 3, rec["n"])
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	assert.True(t, l.IsZero())
	l.Info("dropped")
	assert.False(t, Nop().IsZero())
}
