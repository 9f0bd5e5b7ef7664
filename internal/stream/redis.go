package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient implements Client over Redis Streams via go-redis v9.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient connects to Redis and verifies connectivity with a ping.
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  -1, // blocking XREADGROUP manages its own deadline
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("stream: redis connected", "addr", addr, "db", db)
	return &RedisClient{rdb: rdb}, nil
}

// NewRedisClientFromRDB wraps an existing go-redis client. Tests use this with
// a miniredis-backed client.
func NewRedisClientFromRDB(rdb *redis.Client) *RedisClient {
	return &RedisClient{rdb: rdb}
}

func (c *RedisClient) Close() error { return c.rdb.Close() }

func (c *RedisClient) Append(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	return c.AppendCapped(ctx, stream, values, 0)
}

func (c *RedisClient) AppendCapped(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", transient("xadd", stream, err)
	}
	return id, nil
}

func (c *RedisClient) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil // block window elapsed, nothing new
	}
	if err != nil {
		return nil, transient("xreadgroup", stream, err)
	}

	var entries []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			entries = append(entries, Entry{ID: m.ID, Values: m.Values})
		}
	}
	return entries, nil
}

func (c *RedisClient) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return transient("xack", stream, err)
	}
	return nil
}

// ClaimStale lists pending entries for the group, filters those idle past
// minIdle, and claims them for consumer. XPENDING+XCLAIM rather than
// XAUTOCLAIM so the path works against every Redis the pipeline targets.
func (c *RedisClient) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]Entry, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		if isNoGroupErr(err) {
			return nil, nil
		}
		return nil, transient("xpending", stream, err)
	}

	var stale []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}

	msgs, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: stale,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, transient("xclaim", stream, err)
	}

	var entries []Entry
	for _, m := range msgs {
		if len(m.Values) == 0 {
			continue // entry was trimmed out of the stream; nothing to redeliver
		}
		entries = append(entries, Entry{ID: m.ID, Values: m.Values})
	}
	return entries, nil
}

func (c *RedisClient) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return transient("xgroup create", stream, err)
	}
	return nil
}

func (c *RedisClient) Len(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, transient("xlen", stream, err)
	}
	return n, nil
}

func (c *RedisClient) Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error) {
	msgs, err := c.rdb.XRangeN(ctx, stream, start, end, count).Result()
	if err != nil {
		return nil, transient("xrange", stream, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Values: m.Values})
	}
	return entries, nil
}

func (c *RedisClient) Del(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XDel(ctx, stream, ids...).Err(); err != nil {
		return transient("xdel", stream, err)
	}
	return nil
}

func transient(op, stream string, err error) error {
	return fmt.Errorf("%s %s: %w: %v", op, stream, ErrTransient, err)
}

func isNoGroupErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
