package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/detektr/orchestrator/internal/envelope"
	"github.com/detektr/orchestrator/internal/stream"
)

// workerGroup is the consumer group every worker uses on its own queue.
const workerGroup = "workers"

// Worker runs the processor-side loop.
type Worker struct {
	cfg     Config
	control *controlClient
	log     stream.Client
	process ProcessFunc

	sessionToken string
	consumerID   string
	queueName    string

	inflight atomic.Int64
	hbSeq    atomic.Uint64

	// lastSeq is the last orchestrator assignment sequence seen on this
	// queue, for gap detection.
	lastSeq uint64
}

// New validates the configuration and connects the data plane. The returned
// worker is inert until Run.
func New(cfg Config, process ProcessFunc) (*Worker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	log, err := stream.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	return newWithClient(cfg, log, process), nil
}

// newWithClient is the injection point tests use to supply a miniredis-backed
// stream client.
func newWithClient(cfg Config, log stream.Client, process ProcessFunc) *Worker {
	cfg.applyDefaults()
	token := uuid.New().String()
	return &Worker{
		cfg:     cfg,
		process: process,
		log:     log,
		control: &controlClient{
			baseURL: cfg.OrchestratorURL,
			http:    &http.Client{Timeout: cfg.HTTPTimeout},
		},
		sessionToken: token,
		consumerID:   cfg.ProcessorID + "-" + token[:8],
	}
}

// Run registers, then reads the dedicated queue and heartbeats until ctx is
// cancelled. On shutdown it deregisters and lets inflight work finish.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.heartbeatLoop(gctx) })
	g.Go(func() error { return w.readLoop(gctx) })
	err := g.Wait()

	// Deregister with a fresh context: ctx is already cancelled here.
	dctx, cancel := context.WithTimeout(context.Background(), w.cfg.HTTPTimeout)
	defer cancel()
	if derr := w.control.deregister(dctx, w.cfg.ProcessorID, w.sessionToken); derr != nil {
		slog.Warn("worker: deregister failed", "processor_id", w.cfg.ProcessorID, "error", derr)
	}

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (w *Worker) register(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		queue, err := w.control.register(ctx, registerPayload{
			ProcessorID:  w.cfg.ProcessorID,
			Capabilities: w.cfg.Capabilities,
			Capacity:     w.cfg.Capacity,
			SessionToken: w.sessionToken,
		})
		if err != nil {
			slog.Warn("worker: registration failed, retrying", "error", err)
			return err
		}
		w.queueName = queue
		slog.Info("worker: registered",
			"processor_id", w.cfg.ProcessorID, "queue", queue, "capacity", w.cfg.Capacity)
		return nil
	}, backoff.WithContext(policy, ctx))
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := w.control.heartbeat(ctx, w.cfg.ProcessorID, heartbeatPayload{
				SessionToken: w.sessionToken,
				Seq:          w.hbSeq.Add(1),
				Inflight:     int(w.inflight.Load()),
			})
			switch {
			case err == errSessionLost:
				// Evicted or replaced — re-register to resume.
				slog.Warn("worker: session lost, re-registering", "processor_id", w.cfg.ProcessorID)
				if rerr := w.register(ctx); rerr != nil {
					return rerr
				}
			case err != nil:
				slog.Warn("worker: heartbeat failed", "error", err)
			}
		}
	}
}

// readLoop pulls at most capacity−inflight entries per iteration from the
// dedicated queue and processes them. Capacity parallelism is the inflight
// count, not goroutines: a ProcessFunc that wants concurrency manages it
// internally.
func (w *Worker) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		budget := int64(w.cfg.Capacity) - w.inflight.Load()
		if budget <= 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		entries, err := w.log.ReadGroup(ctx, w.queueName, workerGroup, w.consumerID, budget, 500*time.Millisecond)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("worker: queue read failed", "error", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		// Entries already delivered are drained to completion even if ctx
		// is cancelled mid-batch; only new reads observe the shutdown.
		drainCtx := context.WithoutCancel(ctx)
		w.inflight.Add(int64(len(entries)))
		for _, e := range entries {
			w.handleEntry(drainCtx, e)
			w.inflight.Add(-1)
		}
	}
}

func (w *Worker) handleEntry(ctx context.Context, e stream.Entry) {
	frame, err := envelope.Decode(e.Values)
	if err != nil {
		// The dispatcher wrote this entry; a decode failure is a bug, not
		// retryable work.
		slog.Error("worker: undecodable queue entry", "entry_id", e.ID, "error", err)
		w.ackEntry(ctx, e.ID)
		return
	}

	if frame.OrchestratorSeq != 0 {
		if w.lastSeq != 0 && frame.OrchestratorSeq > w.lastSeq+1 {
			slog.Warn("worker: assignment sequence gap",
				"expected", w.lastSeq+1, "got", frame.OrchestratorSeq)
		}
		if frame.OrchestratorSeq > w.lastSeq {
			w.lastSeq = frame.OrchestratorSeq
		}
	}

	result, err := w.process(ctx, frame)
	if err != nil {
		slog.Warn("worker: frame processing failed",
			"frame_id", frame.FrameID, "error", err)
		if w.cfg.OnProcessError != nil {
			w.cfg.OnProcessError(frame, err)
		}
		// Ack anyway: retrying a deterministic failure would wedge the
		// queue. The orchestrator sees the failure through heartbeat
		// reconciliation and the result stream gap.
		w.ackEntry(ctx, e.ID)
		return
	}

	w.publishResult(ctx, frame, result)
	w.ackEntry(ctx, e.ID)
}

func (w *Worker) publishResult(ctx context.Context, frame *envelope.Frame, result map[string]interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		slog.Error("worker: result marshal failed", "frame_id", frame.FrameID, "error", err)
		return
	}

	values := map[string]interface{}{
		"frame_id":     frame.FrameID,
		"processor_id": w.cfg.ProcessorID,
		"processed_at": time.Now().UTC().Format(time.RFC3339Nano),
		"result":       string(raw),
	}
	err = stream.Retry(ctx, func() error {
		_, err := w.log.Append(ctx, stream.Results(w.cfg.ResultCapability), values)
		return err
	})
	if err != nil {
		slog.Error("worker: result publish failed", "frame_id", frame.FrameID, "error", err)
	}
}

func (w *Worker) ackEntry(ctx context.Context, entryID string) {
	err := stream.Retry(ctx, func() error {
		return w.log.Ack(ctx, w.queueName, workerGroup, entryID)
	})
	if err != nil {
		slog.Warn("worker: ack failed", "entry_id", entryID, "error", err)
	}
}
