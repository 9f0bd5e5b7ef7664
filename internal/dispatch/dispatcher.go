// Package dispatch writes routed frames to per-processor queues.
//
// The dispatcher owns the reservation the router made: on every path that does
// not leave the frame durably enqueued, the reservation is released before the
// result returns.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/detektr/orchestrator/internal/envelope"
	"github.com/detektr/orchestrator/internal/metrics"
	"github.com/detektr/orchestrator/internal/registry"
	"github.com/detektr/orchestrator/internal/stream"
)

// Outcome of a dispatch attempt.
type Outcome int

const (
	// Dispatched: the frame is durably on the processor queue; the
	// reservation is held until the worker acknowledges processing.
	Dispatched Outcome = iota
	// QueueFull: local backpressure — the reservation was released and the
	// frame should re-enter routing with this processor excluded.
	QueueFull
	// Failed: the queue write failed after all retries; the reservation was
	// released, the processor marked unhealthy, and the frame should be
	// rerouted elsewhere.
	Failed
)

// Result reports a dispatch attempt.
type Result struct {
	Outcome Outcome
	EntryID string
	Err     error
}

const (
	retryBase    = 100 * time.Millisecond
	retryFactor  = 2
	retryJitter  = 0.2
	maxAttempts  = 5
	appendWindow = 10 * time.Second
)

// Dispatcher appends frames to dedicated queues with retry and backpressure.
type Dispatcher struct {
	log stream.Client
	reg *registry.Registry
	met *metrics.Metrics

	queueCapMultiplier    int
	queueMaxLenMultiplier int

	// Per-queue assignment sequences, so each worker can detect gaps in its
	// own stream.
	seqMu sync.Mutex
	seqs  map[string]uint64
}

// New creates a dispatcher. queueCapMultiplier bounds each queue at
// multiplier×capacity (the queue_full threshold); queueMaxLenMultiplier sets
// the approximate trim on appends, 0 for none.
func New(log stream.Client, reg *registry.Registry, met *metrics.Metrics, queueCapMultiplier, queueMaxLenMultiplier int) *Dispatcher {
	return &Dispatcher{
		log:                   log,
		reg:                   reg,
		met:                   met,
		queueCapMultiplier:    queueCapMultiplier,
		queueMaxLenMultiplier: queueMaxLenMultiplier,
		seqs:                  make(map[string]uint64),
	}
}

func (d *Dispatcher) nextSeq(processorID string) uint64 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	d.seqs[processorID]++
	return d.seqs[processorID]
}

// Dispatch writes the frame to processorID's queue. The caller must hold a
// reservation on processorID; ownership of it transfers here.
func (d *Dispatcher) Dispatch(ctx context.Context, f *envelope.Frame, processorID string) Result {
	queue := stream.Queue(processorID)
	capacity := d.reg.QueueCapacity(processorID)

	if queueCap := int64(d.queueCapMultiplier * capacity); queueCap > 0 {
		n, err := d.log.Len(ctx, queue)
		if err == nil && n >= queueCap {
			d.reg.Release(processorID, registry.OutcomeAbandoned)
			slog.Warn("dispatch: queue full", "processor_id", processorID, "len", n, "cap", queueCap)
			if d.met != nil {
				d.met.QueueFull.WithLabelValues(processorID).Inc()
			}
			return Result{Outcome: QueueFull}
		}
		// A Len error is transport trouble the append retry loop will
		// surface anyway; don't fail the frame on the probe.
	}

	stamped := *f
	stamped.OrchestratorSeq = d.nextSeq(processorID)
	values := envelope.Encode(&stamped)

	var maxLen int64
	if d.queueMaxLenMultiplier > 0 {
		maxLen = int64(d.queueMaxLenMultiplier * capacity)
	}

	start := time.Now()
	entryID, err := d.appendWithRetry(ctx, queue, values, maxLen)
	if d.met != nil {
		d.met.DispatchDuration.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		d.reg.Release(processorID, registry.OutcomeFailure)
		d.reg.MarkUnhealthy(processorID, registry.ReasonDispatchFailure)
		slog.Error("dispatch: queue write failed",
			"processor_id", processorID, "frame_id", f.FrameID, "error", err)
		return Result{Outcome: Failed, Err: err}
	}

	d.reg.ReportDispatchOK(processorID)
	if d.met != nil {
		d.met.FramesDispatched.WithLabelValues(processorID).Inc()
	}
	return Result{Outcome: Dispatched, EntryID: entryID}
}

func (d *Dispatcher) appendWithRetry(ctx context.Context, queue string, values map[string]interface{}, maxLen int64) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBase
	policy.Multiplier = retryFactor
	policy.RandomizationFactor = retryJitter
	policy.MaxElapsedTime = appendWindow

	var entryID string
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		id, err := d.log.AppendCapped(ctx, queue, values, maxLen)
		if err != nil {
			if attempts >= maxAttempts {
				return backoff.Permanent(err)
			}
			if d.met != nil {
				d.met.DispatchRetries.Inc()
			}
			return err
		}
		entryID = id
		return nil
	}, backoff.WithContext(policy, ctx))

	return entryID, err
}
