// Package stream wraps the append-only event log the pipeline runs on.
//
// The orchestrator and workers only see the Client interface; the concrete
// implementation speaks Redis Streams through go-redis v9. Keeping the
// interface minimal lets tests run against miniredis and keeps consumer-group
// bookkeeping (pending entries, acks, stale claims) in one place.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTransient classifies transport-level failures. Callers retry these with
// exponential backoff; anything not wrapped in ErrTransient is a programming
// or configuration error and must not be retried blindly.
var ErrTransient = errors.New("transient stream error")

// Entry is a single stream entry: the log-assigned ID plus the flat value map.
type Entry struct {
	ID     string
	Values map[string]interface{}
}

// Client is the minimal surface over an append-only log with consumer-group
// semantics.
type Client interface {
	// Append publishes values to a stream and returns the assigned entry ID.
	// The entry is durable in the log before Append returns.
	Append(ctx context.Context, stream string, values map[string]interface{}) (string, error)

	// AppendCapped is Append with approximate length-capped trimming.
	// maxLen <= 0 behaves exactly like Append.
	AppendCapped(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error)

	// ReadGroup blocks up to block for at most count entries never delivered
	// to any consumer in the group. An empty slice means the block window
	// elapsed without new entries.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack marks entries processed for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// ClaimStale reassigns to consumer all pending entries idle for at least
	// minIdle and returns them with their values. Used at startup and
	// periodically for crash recovery.
	ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]Entry, error)

	// EnsureGroup idempotently creates the consumer group, creating the
	// stream if needed. start is the log position new groups begin at
	// ("0" for the whole stream, "$" for new entries only).
	EnsureGroup(ctx context.Context, stream, group, start string) error

	// Len returns the current stream length.
	Len(ctx context.Context, stream string) (int64, error)

	// Range returns up to count entries between start and end ("-", "+" for
	// the full stream).
	Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error)

	// Del removes entries from a stream. Used by DLQ replay.
	Del(ctx context.Context, stream string, ids ...string) error

	// Close releases the underlying connection pool.
	Close() error
}

// Retry runs op, retrying transient failures with exponential backoff capped
// at 30s intervals, until op succeeds, returns a non-transient error, or ctx
// is done.
func Retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // retry until ctx cancellation

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}
