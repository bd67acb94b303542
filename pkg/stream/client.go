package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// tailBlock bounds a single blocking XREAD arm. The outbound duty cycle
// re-arms after each expiry, which keeps the logically-indefinite wait
// cancellable through its context between arms.
const tailBlock = 5 * time.Second

// Client provides tenant-scoped access to the chat log and presence store.
// The chat log for a tenant is a bounded Redis stream; presence is a sorted
// set whose scores are lease expiry timestamps. The client is thread-safe
// and shared by all connections in the process.
type Client struct {
	rdb    *redis.Client
	maxLen int64
}

// NewClient creates a stream client from Redis connection options.
// maxLen caps each tenant stream's length; the oldest entries are trimmed
// first once the cap is exceeded.
//
// The underlying connection is established lazily, so construction succeeds
// even while Redis is unreachable; use Ping to probe health.
func NewClient(redisOpts *redis.Options, maxLen int64) (*Client, error) {
	if maxLen <= 0 {
		return nil, fmt.Errorf("stream max length must be positive, got %d", maxLen)
	}
	return &Client{
		rdb:    redis.NewClient(redisOpts),
		maxLen: maxLen,
	}, nil
}

// Close releases the Redis connection pool. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Used by the health endpoint and the
// preflight check command.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Append validates the event and appends it to the tenant's stream, trimming
// the stream to the configured maximum length (oldest entries evicted first).
// Returns the entry ID assigned by Redis.
func (c *Client) Append(ctx context.Context, tenantKey string, ev *ChatEvent) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", fmt.Errorf("invalid chat event: %w", err)
	}

	entryID, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(tenantKey),
		MaxLen: c.maxLen,
		Values: ev.ToValues(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream: %w", err)
	}

	return entryID, nil
}

// History returns up to count of the most recent entries on the tenant's
// stream, in chronological order. Used once per connection to replay recent
// chat before tailing begins.
func (c *Client) History(ctx context.Context, tenantKey string, count int64) ([]ChatEvent, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, StreamKey(tenantKey), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream history: %w", err)
	}

	// XREVRANGE yields newest-first; flip back to append order.
	events := make([]ChatEvent, len(msgs))
	for i, msg := range msgs {
		events[len(msgs)-1-i] = eventFromMessage(msg)
	}
	return events, nil
}

// Tail blocks for new entries appended after afterID and returns them in
// append order. A nil slice with nil error means the block expired with no
// new data; callers loop and re-arm with the same cursor. The cursor must be
// a concrete entry ID (or "0-0" for the start of the stream) - re-arming at
// "$" would drop entries appended between arms.
func (c *Client) Tail(ctx context.Context, tenantKey string, afterID string, count int64) ([]ChatEvent, error) {
	res, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(tenantKey), afterID},
		Count:   count,
		Block:   tailBlock,
	}).Result()
	if errors.Is(err, redis.Nil) {
		// Block expired without new entries.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to tail stream: %w", err)
	}

	var events []ChatEvent
	for _, xs := range res {
		for _, msg := range xs.Messages {
			events = append(events, eventFromMessage(msg))
		}
	}
	return events, nil
}

// AddMember adds username to the tenant's presence set with the given lease
// expiry, and reports whether the add was novel. An existing member (even one
// holding an expired lease - callers prune first) is not re-added, which is
// the atomic duplicate-login gate.
func (c *Client) AddMember(ctx context.Context, tenantKey, username string, expiresAt time.Time) (bool, error) {
	added, err := c.rdb.ZAddNX(ctx, PresenceKey(tenantKey), redis.Z{
		Score:  float64(expiresAt.UnixMilli()),
		Member: username,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("failed to add presence member: %w", err)
	}
	return added > 0, nil
}

// RefreshMember extends an existing member's lease. A member that has already
// been removed is not resurrected.
func (c *Client) RefreshMember(ctx context.Context, tenantKey, username string, expiresAt time.Time) error {
	err := c.rdb.ZAddXX(ctx, PresenceKey(tenantKey), redis.Z{
		Score:  float64(expiresAt.UnixMilli()),
		Member: username,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to refresh presence lease: %w", err)
	}
	return nil
}

// RemoveMember deletes username from the tenant's presence set and reports
// whether a removal occurred.
func (c *Client) RemoveMember(ctx context.Context, tenantKey, username string) (bool, error) {
	removed, err := c.rdb.ZRem(ctx, PresenceKey(tenantKey), username).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove presence member: %w", err)
	}
	return removed > 0, nil
}

// Members returns the usernames whose lease has not expired as of now.
func (c *Client) Members(ctx context.Context, tenantKey string, now time.Time) ([]string, error) {
	members, err := c.rdb.ZRangeByScore(ctx, PresenceKey(tenantKey), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", now.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence members: %w", err)
	}
	return members, nil
}

// PruneExpired removes members whose lease expired before now. Returns the
// number of entries pruned.
func (c *Client) PruneExpired(ctx context.Context, tenantKey string, now time.Time) (int64, error) {
	pruned, err := c.rdb.ZRemRangeByScore(ctx, PresenceKey(tenantKey), "-inf",
		fmt.Sprintf("(%d", now.UnixMilli())).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired presence members: %w", err)
	}
	return pruned, nil
}

// IsShutdown reports whether err indicates the Redis connection or client is
// gone. Duty cycles treat this as fatal for the session: they return without
// retrying, and the relay ends the connection.
func IsShutdown(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
