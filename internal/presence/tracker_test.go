package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/pkg/stream"
)

const testTenant = "chat_example_com:1-2"

func setupTracker(t *testing.T) *Tracker {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := stream.NewClient(&redis.Options{Addr: mr.Addr()}, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewTracker(store, time.Minute)
}

func TestJoin(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	t.Run("first join is novel", func(t *testing.T) {
		novel, err := tracker.Join(ctx, testTenant, "alice")
		require.NoError(t, err)
		assert.True(t, novel)
	})

	t.Run("second join under the same name is refused", func(t *testing.T) {
		novel, err := tracker.Join(ctx, testTenant, "alice")
		require.NoError(t, err)
		assert.False(t, novel)
	})

	t.Run("different username joins freely", func(t *testing.T) {
		novel, err := tracker.Join(ctx, testTenant, "bob")
		require.NoError(t, err)
		assert.True(t, novel)
	})

	t.Run("same username in another tenant is independent", func(t *testing.T) {
		novel, err := tracker.Join(ctx, "other_host:lab", "alice")
		require.NoError(t, err)
		assert.True(t, novel)
	})
}

func TestJoinRace(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	// Two near-simultaneous admission attempts: exactly one wins.
	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			novel, err := tracker.Join(ctx, testTenant, "carol")
			require.NoError(t, err)
			results <- novel
		}()
	}

	first, second := <-results, <-results
	assert.True(t, first != second, "expected exactly one novel join, got %v and %v", first, second)
}

func TestLeave(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	novel, err := tracker.Join(ctx, testTenant, "alice")
	require.NoError(t, err)
	require.True(t, novel)

	removed, err := tracker.Leave(ctx, testTenant, "alice")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = tracker.Leave(ctx, testTenant, "alice")
	require.NoError(t, err)
	assert.False(t, removed)

	// Name is claimable again after leave.
	novel, err = tracker.Join(ctx, testTenant, "alice")
	require.NoError(t, err)
	assert.True(t, novel)
}

func TestLeaseExpiryUnblocksUsername(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	clock := time.Now()
	tracker.now = func() time.Time { return clock }

	novel, err := tracker.Join(ctx, testTenant, "ghost")
	require.NoError(t, err)
	require.True(t, novel)

	// Within the lease the name stays blocked.
	clock = clock.Add(30 * time.Second)
	novel, err = tracker.Join(ctx, testTenant, "ghost")
	require.NoError(t, err)
	assert.False(t, novel)

	// A crashed connection never calls Leave; once the lease expires the
	// username frees up on the next join attempt.
	clock = clock.Add(2 * time.Minute)
	novel, err = tracker.Join(ctx, testTenant, "ghost")
	require.NoError(t, err)
	assert.True(t, novel)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	clock := time.Now()
	tracker.now = func() time.Time { return clock }

	_, err := tracker.Join(ctx, testTenant, "alice")
	require.NoError(t, err)

	// Refresh just before expiry.
	clock = clock.Add(50 * time.Second)
	require.NoError(t, tracker.Heartbeat(ctx, testTenant, "alice"))

	// Past the original lease but within the refreshed one.
	clock = clock.Add(30 * time.Second)
	members, err := tracker.Members(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)

	novel, err := tracker.Join(ctx, testTenant, "alice")
	require.NoError(t, err)
	assert.False(t, novel)
}

func TestMembers(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	for _, name := range []string{"carol", "alice", "bob"} {
		_, err := tracker.Join(ctx, testTenant, name)
		require.NoError(t, err)
	}

	members, err := tracker.Members(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, members)
}

func TestAnnounce(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	store, err := stream.NewClient(&redis.Options{Addr: mr.Addr()}, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tracker := NewTracker(store, time.Minute)
	ctx := context.Background()

	_, err = tracker.Join(ctx, testTenant, "alice")
	require.NoError(t, err)
	_, err = tracker.Join(ctx, testTenant, "bob")
	require.NoError(t, err)

	require.NoError(t, tracker.Announce(ctx, testTenant, "1-2", "bob", stream.ActionConnected))

	events, err := store.History(ctx, testTenant, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, stream.TypeAnnouncement, ev.Type)
	assert.Equal(t, "bob", ev.Username)
	assert.Equal(t, "bob connected", ev.Message)
	assert.Equal(t, stream.ActionConnected, ev.Action)
	assert.Equal(t, "alice, bob", ev.Users)
	assert.Equal(t, "1-2", ev.Inbox)
	assert.NotEmpty(t, ev.EntryID)
}
