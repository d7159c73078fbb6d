package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencivic/realtime/cfg"
)

func TestReconnectorDoublesUntilCap(t *testing.T) {
	r := newReconnector(cfg.ReconnectConfiguration{
		BaseDelayMS: 100,
		MaxDelayMS:  1000,
		JitterMS:    0,
		MaxAttempts: 6,
	})

	assert.Equal(t, 100*time.Millisecond, r.nextDelay())
	assert.Equal(t, 200*time.Millisecond, r.nextDelay())
	assert.Equal(t, 400*time.Millisecond, r.nextDelay())
	assert.Equal(t, 800*time.Millisecond, r.nextDelay())
	assert.Equal(t, time.Second, r.nextDelay())
	assert.Equal(t, time.Second, r.nextDelay())
}

func TestReconnectorJitterStaysInBounds(t *testing.T) {
	r := newReconnector(cfg.ReconnectConfiguration{
		BaseDelayMS: 100,
		MaxDelayMS:  30000,
		JitterMS:    50,
		MaxAttempts: 1000,
	})

	for i := 0; i < 100; i++ {
		r.reset()
		d := r.nextDelay()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestReconnectorNeverExceedsMax(t *testing.T) {
	r := newReconnector(cfg.ReconnectConfiguration{
		BaseDelayMS: 1000,
		MaxDelayMS:  5000,
		JitterMS:    4000,
		MaxAttempts: 100,
	})

	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, r.nextDelay(), 5*time.Second)
	}
}

func TestReconnectorBudget(t *testing.T) {
	r := newReconnector(cfg.ReconnectConfiguration{
		BaseDelayMS: 1,
		MaxDelayMS:  10,
		JitterMS:    0,
		MaxAttempts: 3,
	})

	require.False(t, r.exhausted())
	r.nextDelay()
	r.nextDelay()
	require.False(t, r.exhausted())
	r.nextDelay()
	assert.True(t, r.exhausted())

	r.reset()
	assert.False(t, r.exhausted())
	assert.Equal(t, time.Millisecond, r.nextDelay())
}

func TestReconnectorShiftOverflowFallsToMax(t *testing.T) {
	r := newReconnector(cfg.ReconnectConfiguration{
		BaseDelayMS: 1000,
		MaxDelayMS:  30000,
		JitterMS:    0,
		MaxAttempts: 100,
	})
	r.attempt = 70 // shift past 63 bits would overflow

	assert.Equal(t, 30*time.Second, r.nextDelay())
}
