package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/detektr/orchestrator/internal/config"
	"github.com/detektr/orchestrator/internal/dispatch"
	"github.com/detektr/orchestrator/internal/envelope"
	"github.com/detektr/orchestrator/internal/metrics"
	"github.com/detektr/orchestrator/internal/registry"
	"github.com/detektr/orchestrator/internal/router"
	"github.com/detektr/orchestrator/internal/stream"
)

type fixture struct {
	cfg  *config.Config
	rdb  *redis.Client
	log  *stream.RedisClient
	reg  *registry.Registry
	loop *Loop
}

func newFixture(t *testing.T, parkCap int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{}
	cfg.Consume.Stream = "frames:metadata"
	cfg.Consume.Group = "orchestrator"
	cfg.Consume.Consumer = "test-consumer"
	cfg.Consume.BatchSize = 16
	cfg.Consume.BlockMs = 20
	cfg.Consume.ClaimIdleMs = 30_000
	cfg.Consume.RetryParkCap = parkCap
	cfg.Consume.ShutdownGraceSec = 1
	cfg.Routing.MaxRoutingAttempts = 4
	cfg.Routing.MaxDispatchRetries = 3
	cfg.Routing.DispatchWorkers = 4
	cfg.Routing.QueueCapMultiplier = 2
	cfg.CameraPolicies = map[string][]string{"cam1": {"faces"}}

	clock := clockwork.NewRealClock()
	log := stream.NewRedisClientFromRDB(rdb)
	reg := registry.New(clock, nil, 5, 30*time.Second)
	met := metrics.New(prometheus.NewRegistry())
	rt := router.New(reg, cfg.CameraPolicies, cfg.Routing.MaxRoutingAttempts, clock)
	disp := dispatch.New(log, reg, met, cfg.Routing.QueueCapMultiplier, 0)

	return &fixture{
		cfg:  cfg,
		rdb:  rdb,
		log:  log,
		reg:  reg,
		loop: NewLoop(cfg, log, rt, disp, reg, met, clock),
	}
}

func (f *fixture) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("loop did not stop")
		}
	})
	return cancel
}

func (f *fixture) produce(t *testing.T, frame *envelope.Frame) {
	t.Helper()
	_, err := f.log.Append(context.Background(), f.cfg.Consume.Stream, envelope.Encode(frame))
	require.NoError(t, err)
}

func (f *fixture) upstreamPending(t *testing.T) int64 {
	t.Helper()
	p, err := f.rdb.XPending(context.Background(), f.cfg.Consume.Stream, f.cfg.Consume.Group).Result()
	if err != nil {
		return -1
	}
	return p.Count
}

func (f *fixture) queueLen(t *testing.T, processorID string) int64 {
	n, _ := f.log.Len(context.Background(), stream.Queue(processorID))
	return n
}

func (f *fixture) dlqEntries(t *testing.T) []stream.Entry {
	entries, err := f.log.Range(context.Background(), stream.DLQ, "-", "+", 100)
	require.NoError(t, err)
	return entries
}

func frameFor(id, camera string) *envelope.Frame {
	return &envelope.Frame{
		FrameID:    id,
		CameraID:   camera,
		CapturedAt: time.Now().UTC(),
		Width:      640,
		Height:     480,
		Format:     "jpeg",
		ImageData:  "x",
	}
}

func TestLoopRoutesFrameToProcessorQueue(t *testing.T) {
	f := newFixture(t, 100)
	f.reg.Register("p1", []string{"faces"}, 4, "t1")
	f.start(t)

	f.produce(t, frameFor("t0_cam1_1", "cam1"))

	require.Eventually(t, func() bool {
		return f.queueLen(t, "p1") == 1 && f.upstreamPending(t) == 0
	}, 3*time.Second, 20*time.Millisecond)

	entries, err := f.log.Range(context.Background(), stream.Queue("p1"), "-", "+", 10)
	require.NoError(t, err)
	decoded, err := envelope.Decode(entries[0].Values)
	require.NoError(t, err)
	assert.Equal(t, "t0_cam1_1", decoded.FrameID)
	assert.NotZero(t, decoded.OrchestratorSeq)

	info, _ := f.reg.Get("p1")
	assert.Equal(t, 1, info.Inflight)
	assert.Empty(t, f.dlqEntries(t))
}

func TestLoopDeadLettersNoCapabilityMatch(t *testing.T) {
	f := newFixture(t, 100)
	f.reg.Register("p1", []string{"objects"}, 4, "t1")
	f.start(t)

	f.produce(t, frameFor("t0_cam1_2", "cam1"))

	require.Eventually(t, func() bool {
		return len(f.dlqEntries(t)) == 1 && f.upstreamPending(t) == 0
	}, 3*time.Second, 20*time.Millisecond)

	dlq := f.dlqEntries(t)[0]
	assert.Equal(t, "no_capability_match", dlq.Values["dlq_reason"])
	assert.Equal(t, "t0_cam1_2", dlq.Values["frame_id"])
	assert.Zero(t, f.queueLen(t, "p1"))
}

func TestLoopDeadLettersMalformed(t *testing.T) {
	f := newFixture(t, 100)
	f.start(t)

	_, err := f.log.Append(context.Background(), f.cfg.Consume.Stream,
		map[string]interface{}{"frame_id": "broken"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.dlqEntries(t)) == 1 && f.upstreamPending(t) == 0
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, "malformed", f.dlqEntries(t)[0].Values["dlq_reason"])
}

func TestLoopParksUntilProcessorArrives(t *testing.T) {
	f := newFixture(t, 100)
	f.start(t)

	f.produce(t, frameFor("t0_cam1_3", "cam1"))

	// No processors: the frame parks and the upstream entry stays pending.
	require.Eventually(t, func() bool {
		return f.upstreamPending(t) == 1
	}, 3*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, f.dlqEntries(t))

	// A capable processor arrives; the parked frame drains to it.
	f.reg.Register("p1", []string{"faces"}, 4, "t1")
	require.Eventually(t, func() bool {
		return f.queueLen(t, "p1") == 1 && f.upstreamPending(t) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, f.dlqEntries(t))
}

func TestLoopParksWhenAllBusy(t *testing.T) {
	f := newFixture(t, 100)
	f.reg.Register("p1", []string{"faces"}, 1, "t1")
	f.start(t)

	f.produce(t, frameFor("busy_1", "cam1"))
	require.Eventually(t, func() bool {
		return f.queueLen(t, "p1") == 1
	}, 3*time.Second, 20*time.Millisecond)

	// Capacity 1 is exhausted; the second frame parks unacked.
	f.produce(t, frameFor("busy_2", "cam1"))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int64(1), f.queueLen(t, "p1"))
	assert.Equal(t, int64(1), f.upstreamPending(t))

	// The worker reports completion via heartbeat; the parked frame flows.
	require.NoError(t, f.reg.Heartbeat("p1", "t1", 1, 0))
	require.Eventually(t, func() bool {
		return f.queueLen(t, "p1") == 2 && f.upstreamPending(t) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, f.dlqEntries(t))
}

func TestLoopParkCapEvictsOldestToDLQ(t *testing.T) {
	f := newFixture(t, 3)
	f.start(t)

	for i := 0; i < 4; i++ {
		f.produce(t, frameFor(fmt.Sprintf("overflow_%d", i), "cam1"))
	}

	require.Eventually(t, func() bool {
		entries := f.dlqEntries(t)
		return len(entries) == 1 && entries[0].Values["dlq_reason"] == "park_cap_exceeded"
	}, 5*time.Second, 20*time.Millisecond)

	// The newest three stay parked (pending, not dead-lettered).
	assert.Equal(t, int64(3), f.upstreamPending(t))
}

func TestLoopBatchSizeOne(t *testing.T) {
	f := newFixture(t, 100)
	f.cfg.Consume.BatchSize = 1
	f.reg.Register("p1", []string{"faces"}, 4, "t1")
	f.start(t)

	f.produce(t, frameFor("b1", "cam1"))
	f.produce(t, frameFor("b2", "cam1"))

	require.Eventually(t, func() bool {
		return f.queueLen(t, "p1") == 2 && f.upstreamPending(t) == 0
	}, 3*time.Second, 20*time.Millisecond)
}
