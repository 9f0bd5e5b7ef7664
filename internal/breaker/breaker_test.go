package breaker

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTripsAtThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(clock, 3, 30*time.Second)

	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())

	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestSuccessClearsRun(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(clock, 3, 30*time.Second)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenSingleProbe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(clock, 1, 30*time.Second)

	b.Failure()
	require.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// One probe slot only.
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	b.Success()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestFailedProbeDoublesCooldown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(clock, 1, 10*time.Second)

	b.Failure()
	clock.Advance(10 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure() // probe failed: cooldown now 20s

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestCooldownGrowthCapped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	base := time.Second
	b := New(clock, 1, base)

	b.Failure()
	for i := 0; i < 10; i++ {
		clock.Advance(base * cooldownCapFactor)
		require.NoError(t, b.Allow())
		b.Failure()
	}

	// Even after many failed probes the circuit reopens within the cap.
	clock.Advance(base * cooldownCapFactor)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestAbandonFreesProbeSlot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(clock, 1, time.Second)

	b.Failure()
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	b.Abandon()
	require.NoError(t, b.Allow())
}

func TestReset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New(clock, 1, time.Second)

	b.Failure()
	require.Equal(t, StateOpen, b.State())
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}
