// Package presence maintains the set of usernames currently active in a
// tenant's inbox. It is the sole gate against duplicate concurrent logins,
// and it emits join/leave announcements onto the chat log.
//
// Membership is lease-based: a join grants a time-bounded lease that the
// connection's heartbeat refreshes. A connection that dies without a clean
// close stops holding its username once the lease expires, so presence
// eventually reflects reality despite ungraceful disconnects.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"chatrelay/pkg/stream"
)

// Tracker manages presence leases and announcements for all tenants through
// a shared stream client. Safe for concurrent use.
type Tracker struct {
	store *stream.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewTracker creates a presence tracker. ttl is the lease duration granted on
// join and renewed on each heartbeat.
func NewTracker(store *stream.Client, ttl time.Duration) *Tracker {
	return &Tracker{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// TTL returns the lease duration. Connections heartbeat at a fraction of it.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Join registers username in the tenant's presence set and reports whether
// the registration was novel. A false return means the username is already
// active in this inbox and the caller must refuse the connection.
//
// Expired leases are pruned first, so a username orphaned by a crashed
// connection becomes claimable again once its lease runs out. The add itself
// is atomic: of two racing joins for the same username, exactly one wins.
func (t *Tracker) Join(ctx context.Context, tenantKey, username string) (bool, error) {
	now := t.now()
	if _, err := t.store.PruneExpired(ctx, tenantKey, now); err != nil {
		return false, fmt.Errorf("failed to prune presence set: %w", err)
	}

	novel, err := t.store.AddMember(ctx, tenantKey, username, now.Add(t.ttl))
	if err != nil {
		return false, fmt.Errorf("failed to join presence set: %w", err)
	}
	return novel, nil
}

// Heartbeat renews username's lease. Called periodically by the connection
// relay while the connection is active.
func (t *Tracker) Heartbeat(ctx context.Context, tenantKey, username string) error {
	return t.store.RefreshMember(ctx, tenantKey, username, t.now().Add(t.ttl))
}

// Leave removes username from the tenant's presence set and reports whether
// a removal occurred.
func (t *Tracker) Leave(ctx context.Context, tenantKey, username string) (bool, error) {
	removed, err := t.store.RemoveMember(ctx, tenantKey, username)
	if err != nil {
		return false, fmt.Errorf("failed to leave presence set: %w", err)
	}
	return removed, nil
}

// Members returns a sorted snapshot of the usernames holding a live lease.
func (t *Tracker) Members(ctx context.Context, tenantKey string) ([]string, error) {
	members, err := t.store.Members(ctx, tenantKey, t.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list presence members: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

// Announce appends a join/leave announcement to the tenant's chat log,
// embedding a fresh membership snapshot. Every tailing reader observes it.
func (t *Tracker) Announce(ctx context.Context, tenantKey, inboxID, username, action string) error {
	members, err := t.Members(ctx, tenantKey)
	if err != nil {
		return err
	}

	ev := &stream.ChatEvent{
		Type:     stream.TypeAnnouncement,
		Username: username,
		Message:  fmt.Sprintf("%s %s", username, action),
		Action:   action,
		Users:    strings.Join(members, ", "),
		Inbox:    inboxID,
	}
	if _, err := t.store.Append(ctx, tenantKey, ev); err != nil {
		return fmt.Errorf("failed to append announcement: %w", err)
	}
	return nil
}
