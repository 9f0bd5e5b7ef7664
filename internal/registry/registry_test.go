package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detektr/orchestrator/internal/events"
)

func newTestRegistry(clock clockwork.Clock) *Registry {
	return New(clock, events.NewBus(), 5, 30*time.Second)
}

func TestRegisterAssignsQueue(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())

	queue, err := reg.Register("p1", []string{"faces"}, 4, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "frames:queue:p1", queue)

	info, ok := reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "healthy", info.State)
	assert.Equal(t, 0, info.Inflight)
	assert.Equal(t, 4, info.Capacity)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())

	_, err := reg.Register("", []string{"faces"}, 4, "tok")
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = reg.Register("p1", nil, 0, "tok")
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = reg.Register("p1", nil, 4, "")
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestReRegisterSameSessionPreservesInflight(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces"}, 4, "tok-1")

	require.True(t, reg.TryReserve("p1"))
	require.True(t, reg.TryReserve("p1"))

	_, err := reg.Register("p1", []string{"faces", "objects"}, 8, "tok-1")
	require.NoError(t, err)

	info, _ := reg.Get("p1")
	assert.Equal(t, 2, info.Inflight)
	assert.Equal(t, 8, info.Capacity)
	assert.ElementsMatch(t, []string{"faces", "objects"}, info.Capabilities)
}

func TestReRegisterNewSessionResetsInflight(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces"}, 4, "tok-1")
	require.True(t, reg.TryReserve("p1"))

	_, err := reg.Register("p1", []string{"faces"}, 4, "tok-2")
	require.NoError(t, err)

	info, _ := reg.Get("p1")
	assert.Equal(t, 0, info.Inflight)
}

func TestHeartbeatSessionChecks(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces"}, 4, "tok-1")

	assert.ErrorIs(t, reg.Heartbeat("p2", "tok-1", 1, 0), ErrUnknownProcessor)
	assert.ErrorIs(t, reg.Heartbeat("p1", "tok-9", 1, 0), ErrStaleSession)
	assert.NoError(t, reg.Heartbeat("p1", "tok-1", 1, 0))
}

func TestHeartbeatDiscardsReordered(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := newTestRegistry(clock)
	reg.Register("p1", []string{"faces"}, 4, "tok-1")

	require.NoError(t, reg.Heartbeat("p1", "tok-1", 5, 0))
	first, _ := reg.Get("p1")

	clock.Advance(10 * time.Second)
	require.NoError(t, reg.Heartbeat("p1", "tok-1", 3, 0)) // stale delivery

	info, _ := reg.Get("p1")
	assert.Equal(t, first.LastHeartbeatAt, info.LastHeartbeatAt)
}

func TestHeartbeatReconcilesInflight(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces"}, 4, "tok-1")

	for i := 0; i < 3; i++ {
		require.True(t, reg.TryReserve("p1"))
	}

	// Worker finished everything; its count wins.
	require.NoError(t, reg.Heartbeat("p1", "tok-1", 1, 0))
	info, _ := reg.Get("p1")
	assert.Equal(t, 0, info.Inflight)
	// Drift of 3 exceeds tolerance and charges one failure.
	assert.Equal(t, 1, info.ConsecutiveFailures)
}

func TestHeartbeatSmallDriftNoFailure(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces"}, 4, "tok-1")
	require.True(t, reg.TryReserve("p1"))

	require.NoError(t, reg.Heartbeat("p1", "tok-1", 1, 0))
	info, _ := reg.Get("p1")
	assert.Equal(t, 0, info.Inflight)
	assert.Equal(t, 0, info.ConsecutiveFailures)
}

func TestTryReserveRespectsCapacity(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces"}, 2, "tok-1")

	assert.True(t, reg.TryReserve("p1"))
	assert.True(t, reg.TryReserve("p1"))
	assert.False(t, reg.TryReserve("p1"))

	reg.Release("p1", OutcomeSuccess)
	assert.True(t, reg.TryReserve("p1"))
}

func TestTryReserveConcurrent(t *testing.T) {
	reg := newTestRegistry(clockwork.NewRealClock())
	reg.Register("p1", []string{"faces"}, 16, "tok-1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.TryReserve("p1") {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, won)
	info, _ := reg.Get("p1")
	assert.Equal(t, 16, info.Inflight)
}

func TestUnhealthyReceivesNoReservations(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces"}, 4, "tok-1")

	reg.MarkUnhealthy("p1", ReasonHeartbeatTimeout)
	assert.False(t, reg.TryReserve("p1"))
	assert.Empty(t, reg.SelectCandidates([]string{"faces"}))
}

func TestDeregisterDrainsThenRemoves(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces"}, 4, "tok-1")
	require.True(t, reg.TryReserve("p1"))

	require.NoError(t, reg.Deregister("p1", "tok-1"))
	info, ok := reg.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "draining", info.State)
	assert.False(t, reg.TryReserve("p1"))

	reg.Release("p1", OutcomeSuccess)
	_, ok = reg.Get("p1")
	assert.False(t, ok)
}

func TestDeregisterEmptyRemovesImmediately(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces"}, 4, "tok-1")

	require.NoError(t, reg.Deregister("p1", "tok-1"))
	_, ok := reg.Get("p1")
	assert.False(t, ok)

	// Register → deregister → register returns to a clean state.
	_, err := reg.Register("p1", []string{"faces"}, 4, "tok-2")
	require.NoError(t, err)
	info, _ := reg.Get("p1")
	assert.Equal(t, 0, info.Inflight)
	assert.Equal(t, "healthy", info.State)
}

func TestSelectCandidatesOrdering(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := newTestRegistry(clock)

	reg.Register("p1", []string{"faces"}, 2, "t1")
	clock.Advance(time.Second)
	reg.Register("p2", []string{"faces"}, 8, "t2")

	require.True(t, reg.TryReserve("p1")) // p1: 1/2 = 0.5
	require.True(t, reg.TryReserve("p2"))
	require.True(t, reg.TryReserve("p2")) // p2: 2/8 = 0.25

	candidates := reg.SelectCandidates([]string{"faces"})
	require.Len(t, candidates, 2)
	assert.Equal(t, "p2", candidates[0].ID)
	assert.Equal(t, "p1", candidates[1].ID)
}

func TestSelectCandidatesTieBreaks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := newTestRegistry(clock)

	reg.Register("pb", []string{"faces"}, 4, "t1")
	clock.Advance(time.Second)
	reg.Register("pa", []string{"faces"}, 4, "t2")
	reg.Register("pc", []string{"faces"}, 4, "t3")

	// Equal ratios: oldest registration first, then lexicographic.
	candidates := reg.SelectCandidates([]string{"faces"})
	require.Len(t, candidates, 3)
	assert.Equal(t, "pb", candidates[0].ID)
	assert.Equal(t, "pa", candidates[1].ID)
	assert.Equal(t, "pc", candidates[2].ID)
}

func TestSelectCandidatesCapabilityFilter(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces", "objects"}, 4, "t1")
	reg.Register("p2", []string{"objects"}, 4, "t2")

	candidates := reg.SelectCandidates([]string{"faces"})
	require.Len(t, candidates, 1)
	assert.Equal(t, "p1", candidates[0].ID)

	assert.Len(t, reg.SelectCandidates(nil), 2)
}

func TestInspect(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces"}, 4, "t1")
	reg.Register("p2", []string{"objects"}, 4, "t2")
	reg.MarkUnhealthy("p1", ReasonHeartbeatTimeout)

	total, capMatch, healthyCapMatch := reg.Inspect([]string{"faces"})
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, capMatch)
	assert.Equal(t, 0, healthyCapMatch)
}

func TestEvictIfIdle(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces"}, 4, "t1")
	require.True(t, reg.TryReserve("p1"))
	reg.MarkUnhealthy("p1", ReasonHeartbeatTimeout)

	assert.False(t, reg.EvictIfIdle("p1")) // inflight > 0

	reg.Release("p1", OutcomeAbandoned)
	assert.True(t, reg.EvictIfIdle("p1"))
	_, ok := reg.Get("p1")
	assert.False(t, ok)
}

func TestMarkProbationOnlyForCircuitReasons(t *testing.T) {
	reg := newTestRegistry(clockwork.NewFakeClock())
	reg.Register("p1", []string{"faces"}, 4, "t1")
	reg.Register("p2", []string{"faces"}, 4, "t2")

	reg.MarkUnhealthy("p1", ReasonHeartbeatTimeout)
	reg.MarkProbation("p1")
	info, _ := reg.Get("p1")
	assert.Equal(t, "unhealthy", info.State)

	reg.MarkUnhealthy("p2", ReasonCircuitOpen)
	reg.MarkProbation("p2")
	info, _ = reg.Get("p2")
	assert.Equal(t, "healthy", info.State)
}

func TestLifecycleEventsPublished(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe()
	reg := New(clockwork.NewFakeClock(), bus, 5, 30*time.Second)

	reg.Register("p1", []string{"faces"}, 4, "t1")
	ev := <-sub
	assert.Equal(t, events.ProcessorRegistered, ev.Type)
	assert.Equal(t, "p1", ev.ProcessorID)

	reg.MarkUnhealthy("p1", ReasonHeartbeatTimeout)
	ev = <-sub
	assert.Equal(t, events.ProcessorStateChanged, ev.Type)

	reg.Evict("p1")
	ev = <-sub
	assert.Equal(t, events.ProcessorEvicted, ev.Type)
}
