// Package orchestrator runs the consumption loop: it pulls frames from the
// upstream stream, routes and dispatches them, acknowledges what was placed,
// parks what could not be, and dead-letters what never can be.
//
// One loop goroutine reads; each batch fans out over a bounded pool of
// dispatch workers. An entry is acknowledged upstream iff it was
// durably enqueued to exactly one processor queue or written to the
// dead-letter stream — every other path leaves it pending for reclaim.
package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/detektr/orchestrator/internal/config"
	"github.com/detektr/orchestrator/internal/dispatch"
	"github.com/detektr/orchestrator/internal/envelope"
	"github.com/detektr/orchestrator/internal/metrics"
	"github.com/detektr/orchestrator/internal/registry"
	"github.com/detektr/orchestrator/internal/router"
	"github.com/detektr/orchestrator/internal/stream"
)

// DLQ reason strings, stable on the wire.
const (
	DLQMalformed       = "malformed"
	DLQNoCapability    = "no_capability_match"
	DLQDispatchFailure = "dispatch_failure"
	DLQParkCapExceeded = "park_cap_exceeded"
)

const housekeepingInterval = 30 * time.Second

// Loop is the consumption loop.
type Loop struct {
	cfg   *config.Config
	log   stream.Client
	rt    *router.Router
	disp  *dispatch.Dispatcher
	reg   *registry.Registry
	met   *metrics.Metrics
	clock clockwork.Clock

	// mu guards park and pending: frames from one batch are handled by up
	// to dispatch_workers concurrent goroutines.
	mu      sync.Mutex
	park    *park
	pending map[string]struct{} // upstream entry IDs held unacked by this consumer

	nextHousekeeping time.Time
}

// NewLoop wires a consumption loop. Run starts it.
func NewLoop(cfg *config.Config, log stream.Client, rt *router.Router, disp *dispatch.Dispatcher,
	reg *registry.Registry, met *metrics.Metrics, clock clockwork.Clock) *Loop {
	return &Loop{
		cfg:     cfg,
		log:     log,
		rt:      rt,
		disp:    disp,
		reg:     reg,
		met:     met,
		clock:   clock,
		park:    newPark(cfg.Consume.RetryParkCap),
		pending: make(map[string]struct{}),
	}
}

// Run executes the startup sequence and then the steady-state loop until ctx
// is cancelled, finishing with a graceful drain bounded by shutdown_grace.
func (l *Loop) Run(ctx context.Context) error {
	upstream := l.cfg.Consume.Stream
	group := l.cfg.Consume.Group

	if err := stream.Retry(ctx, func() error {
		return l.log.EnsureGroup(ctx, upstream, group, "0")
	}); err != nil {
		return err
	}

	// Reclaim entries a previous instance left pending before reading fresh.
	l.reclaim(ctx)
	l.nextHousekeeping = l.clock.Now().Add(housekeepingInterval)

	slog.Info("orchestrator: consuming", "stream", upstream, "group", group,
		"consumer", l.cfg.Consume.Consumer, "batch", l.cfg.Consume.BatchSize)

	for ctx.Err() == nil {
		l.drainDuePark(ctx)

		entries, err := l.log.ReadGroup(ctx, upstream, group, l.cfg.Consume.Consumer,
			l.cfg.Consume.BatchSize, l.cfg.BlockWindow())
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Warn("orchestrator: upstream read failed", "error", err)
			l.clock.Sleep(l.cfg.BlockWindow())
			continue
		}

		g := new(errgroup.Group)
		g.SetLimit(l.cfg.Routing.DispatchWorkers)
		for _, e := range entries {
			e := e
			g.Go(func() error {
				l.process(ctx, e)
				return nil
			})
		}
		g.Wait()

		l.housekeep(ctx)
	}

	l.drainOnShutdown()
	return ctx.Err()
}

// process decodes one upstream entry and moves it through routing.
func (l *Loop) process(ctx context.Context, e stream.Entry) {
	l.mu.Lock()
	if _, held := l.pending[e.ID]; held {
		l.mu.Unlock()
		return // reclaimed copy of an entry we already hold parked
	}
	l.pending[e.ID] = struct{}{}
	l.mu.Unlock()

	l.met.FramesConsumed.Inc()

	frame, err := envelope.Decode(e.Values)
	if err != nil {
		slog.Warn("orchestrator: malformed entry", "entry_id", e.ID, "error", err)
		l.deadLetterRaw(ctx, e.Values, DLQMalformed)
		l.ack(ctx, e.ID)
		return
	}

	l.handle(ctx, e.ID, frame, 0)
}

// handle routes and dispatches one frame, retrying across processors within
// this call and parking or dead-lettering when it cannot place the frame.
// parkAttempts counts previous park cycles and drives the retry delay.
func (l *Loop) handle(ctx context.Context, entryID string, f *envelope.Frame, parkAttempts int) {
	exclude := make(map[string]bool)
	dispatchFailures := 0

	for {
		d := l.rt.Route(f, exclude)
		l.met.RoutingDecisions.WithLabelValues(string(d.Reason)).Inc()

		switch d.Reason {
		case router.Routed:
			res := l.disp.Dispatch(ctx, f, d.ProcessorID)
			switch res.Outcome {
			case dispatch.Dispatched:
				l.ack(ctx, entryID)
				return
			case dispatch.QueueFull:
				// Local backpressure: steer elsewhere for this frame.
				exclude[d.ProcessorID] = true
				continue
			case dispatch.Failed:
				dispatchFailures++
				exclude[d.ProcessorID] = true
				if dispatchFailures >= l.cfg.Routing.MaxDispatchRetries {
					l.deadLetterFrame(ctx, f, DLQDispatchFailure, dispatchFailures)
					l.ack(ctx, entryID)
					return
				}
				continue
			}

		case router.NoCapabilityMatch:
			// Operator misconfiguration; retrying cannot fix it.
			l.deadLetterFrame(ctx, f, DLQNoCapability, parkAttempts)
			l.ack(ctx, entryID)
			return

		case router.AllBusy, router.AllUnhealthy:
			l.parkFrame(ctx, entryID, f, parkAttempts+1)
			return
		}
	}
}

// parkFrame holds a frame for retry without acknowledging it; at the cap the
// oldest parked frame is dead-lettered to bound memory.
func (l *Loop) parkFrame(ctx context.Context, entryID string, f *envelope.Frame, attempts int) {
	l.mu.Lock()
	evicted := l.park.add(entryID, f, attempts, l.clock.Now())
	size := l.park.len()
	l.mu.Unlock()

	if evicted != nil {
		l.met.ParkEvictions.Inc()
		l.deadLetterFrame(ctx, evicted.frame, DLQParkCapExceeded, evicted.attempts)
		l.ack(ctx, evicted.entryID)
	}
	l.met.ParkedFrames.Set(float64(size))
}

// drainDuePark re-routes every parked frame whose retry delay has elapsed.
func (l *Loop) drainDuePark(ctx context.Context) {
	for {
		l.mu.Lock()
		item := l.park.popDue(l.clock.Now())
		size := l.park.len()
		l.mu.Unlock()
		if item == nil {
			l.met.ParkedFrames.Set(float64(size))
			return
		}
		l.handle(ctx, item.entryID, item.frame, item.attempts)
	}
}

// reclaim takes over pending entries whose consumer went silent and processes
// them ahead of fresh work.
func (l *Loop) reclaim(ctx context.Context) {
	upstream := l.cfg.Consume.Stream
	var entries []stream.Entry
	err := stream.Retry(ctx, func() error {
		var err error
		entries, err = l.log.ClaimStale(ctx, upstream, l.cfg.Consume.Group,
			l.cfg.Consume.Consumer, l.cfg.ClaimIdle())
		return err
	})
	if err != nil {
		slog.Warn("orchestrator: stale claim failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	slog.Info("orchestrator: reclaimed pending entries", "count", len(entries))
	l.met.StaleClaimed.Add(float64(len(entries)))
	for _, e := range entries {
		l.process(ctx, e)
	}
}

// housekeep runs the periodic maintenance pass: reclaim stalled entries and
// refresh the registry-backed gauges.
func (l *Loop) housekeep(ctx context.Context) {
	if l.clock.Now().Before(l.nextHousekeeping) {
		return
	}
	l.nextHousekeeping = l.clock.Now().Add(housekeepingInterval)

	l.reclaim(ctx)
	l.flushGauges()
}

func (l *Loop) flushGauges() {
	l.met.ProcessorInflight.Reset()
	l.met.ProcessorState.Reset()
	for _, info := range l.reg.Snapshot() {
		l.met.ProcessorInflight.WithLabelValues(info.ID).Set(float64(info.Inflight))
		l.met.ProcessorState.WithLabelValues(info.ID, info.State).Set(1)
	}
	l.mu.Lock()
	size := l.park.len()
	l.mu.Unlock()
	l.met.ParkedFrames.Set(float64(size))
}

// drainOnShutdown gives every parked frame one final routing attempt within
// the grace window. Frames that still have nowhere to go stay unacknowledged
// so the next instance reclaims them.
func (l *Loop) drainOnShutdown() {
	graceCtx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownGrace())
	defer cancel()

	drained, left := 0, 0
	for {
		l.mu.Lock()
		if graceCtx.Err() != nil {
			left += l.park.len()
			l.mu.Unlock()
			break
		}
		item := l.park.popAny()
		l.mu.Unlock()
		if item == nil {
			break
		}

		d := l.rt.Route(item.frame, nil)
		if d.Reason != router.Routed {
			left++
			continue
		}
		res := l.disp.Dispatch(graceCtx, item.frame, d.ProcessorID)
		if res.Outcome == dispatch.Dispatched {
			l.ack(graceCtx, item.entryID)
			drained++
		} else {
			left++
		}
	}

	slog.Info("orchestrator: shutdown drain complete", "dispatched", drained, "left_pending", left)
}

func (l *Loop) ack(ctx context.Context, entryID string) {
	err := stream.Retry(ctx, func() error {
		return l.log.Ack(ctx, l.cfg.Consume.Stream, l.cfg.Consume.Group, entryID)
	})
	if err != nil {
		// The entry will be redelivered and its frame dispatched again:
		// at-least-once, by contract.
		slog.Warn("orchestrator: ack failed", "entry_id", entryID, "error", err)
		return
	}
	l.mu.Lock()
	delete(l.pending, entryID)
	l.mu.Unlock()
	l.met.FramesAcked.Inc()
}

func (l *Loop) deadLetterFrame(ctx context.Context, f *envelope.Frame, reason string, attempts int) {
	values := envelope.Encode(f)
	l.writeDLQ(ctx, values, reason, attempts)
}

func (l *Loop) deadLetterRaw(ctx context.Context, original map[string]interface{}, reason string) {
	values := make(map[string]interface{}, len(original)+2)
	for k, v := range original {
		values[k] = v
	}
	l.writeDLQ(ctx, values, reason, 0)
}

func (l *Loop) writeDLQ(ctx context.Context, values map[string]interface{}, reason string, attempts int) {
	values["dlq_reason"] = reason
	values["dlq_attempts"] = strconv.Itoa(attempts)

	err := stream.Retry(ctx, func() error {
		_, err := l.log.Append(ctx, stream.DLQ, values)
		return err
	})
	if err != nil {
		slog.Error("orchestrator: dead-letter write failed", "reason", reason, "error", err)
		return
	}
	l.met.DeadLettered.WithLabelValues(reason).Inc()
}
