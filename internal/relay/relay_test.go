package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/authz"
	"chatrelay/internal/presence"
	"chatrelay/internal/tenant"
	"chatrelay/pkg/stream"
)

// fakeConn is an in-memory relay.Conn. The client side injects payloads with
// send and simulates a client-initiated disconnect with disconnect.
type fakeConn struct {
	in     chan []byte
	out    chan stream.ChatEvent
	closed chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan stream.ChatEvent, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection closed")
	case data, ok := <-c.in:
		if !ok {
			return nil, errors.New("client went away")
		}
		return data, nil
	}
}

func (c *fakeConn) WriteEvent(ev *stream.ChatEvent) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.out <- *ev:
		return nil
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) send(payload string) {
	c.in <- []byte(payload)
}

func (c *fakeConn) disconnect() {
	close(c.in)
}

func (c *fakeConn) closedWith() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// nextEvent waits for the next event forwarded to the client.
func (c *fakeConn) nextEvent(t *testing.T) stream.ChatEvent {
	t.Helper()
	select {
	case ev := <-c.out:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for outbound event")
		return stream.ChatEvent{}
	}
}

type fixture struct {
	relay   *Relay
	store   *stream.Client
	tracker *presence.Tracker
}

func setup(t *testing.T, authzClient *authz.Client) *fixture {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	store, err := stream.NewClient(&redis.Options{Addr: mr.Addr()}, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tracker := presence.NewTracker(store, time.Minute)
	resolver := tenant.NewResolver([]string{"chat1", "1-2", "lab"})

	return &fixture{
		relay:   New(store, tracker, authzClient, resolver, 30, zerolog.Nop()),
		store:   store,
		tracker: tracker,
	}
}

func serveAsync(t *testing.T, r *Relay, conn Conn, sess Session) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- r.Serve(context.Background(), conn, sess)
	}()
	return done
}

func waitServe(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("relay did not shut down")
		return nil
	}
}

func TestAdmit(t *testing.T) {
	f := setup(t, nil)

	t.Run("allowed inbox yields tenant key", func(t *testing.T) {
		key, ok := f.relay.Admit("chat.example.com", "1-2")
		assert.True(t, ok)
		assert.Equal(t, "chat_example_com:1-2", key)
	})

	t.Run("unknown inbox is rejected", func(t *testing.T) {
		_, ok := f.relay.Admit("chat.example.com", "1-9")
		assert.False(t, ok)
	})

	t.Run("malformed inbox is rejected", func(t *testing.T) {
		_, ok := f.relay.Admit("chat.example.com", "a b")
		assert.False(t, ok)
	})
}

func TestServeRoundTrip(t *testing.T) {
	f := setup(t, nil)
	conn := newFakeConn()
	sess := Session{
		TenantKey: "chat_example_com:1-2",
		Username:  "bob",
		InboxID:   "1-2",
	}

	done := serveAsync(t, f.relay, conn, sess)

	// The join announcement is the first thing a fresh reader sees.
	joined := conn.nextEvent(t)
	assert.Equal(t, stream.TypeAnnouncement, joined.Type)
	assert.Equal(t, stream.ActionConnected, joined.Action)
	assert.Equal(t, "bob", joined.Username)
	assert.Contains(t, joined.Users, "bob")
	assert.NotEmpty(t, joined.EntryID)

	// A submitted message comes back through the outbound cycle with the
	// same fields plus a log-assigned entry ID.
	conn.send(`{"message": "hi"}`)
	echoed := conn.nextEvent(t)
	assert.Equal(t, stream.TypeText, echoed.Type)
	assert.Equal(t, "bob", echoed.Username)
	assert.Equal(t, "hi", echoed.Message)
	assert.Equal(t, "1-2", echoed.Inbox)
	assert.Greater(t, echoed.EntryID, joined.EntryID)

	// Array-wrapped payloads are tolerated.
	conn.send(`[{"message": "wrapped"}]`)
	assert.Equal(t, "wrapped", conn.nextEvent(t).Message)

	// Malformed payloads are ignored, the session continues.
	conn.send(`not json`)
	conn.send(`{"message": "still here"}`)
	assert.Equal(t, "still here", conn.nextEvent(t).Message)

	conn.disconnect()
	require.NoError(t, waitServe(t, done))

	// The user is deregistered and the departure is on the log.
	members, err := f.tracker.Members(context.Background(), sess.TenantKey)
	require.NoError(t, err)
	assert.Empty(t, members)

	events, err := f.store.History(context.Background(), sess.TenantKey, 100)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, stream.TypeAnnouncement, last.Type)
	assert.Equal(t, stream.ActionDisconnected, last.Action)
	assert.Equal(t, "bob", last.Username)
}

func TestServeReplaysHistory(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	sess := Session{TenantKey: "chat_example_com:chat1", Username: "carol", InboxID: "chat1"}

	for i := 0; i < 3; i++ {
		_, err := f.store.Append(ctx, sess.TenantKey, &stream.ChatEvent{
			Type: stream.TypeText, Username: "alice", Message: fmt.Sprintf("old-%d", i), Inbox: "chat1",
		})
		require.NoError(t, err)
	}

	conn := newFakeConn()
	done := serveAsync(t, f.relay, conn, sess)

	// History replays in chronological order before anything new.
	for i := 0; i < 3; i++ {
		ev := conn.nextEvent(t)
		assert.Equal(t, fmt.Sprintf("old-%d", i), ev.Message)
	}

	// Then the tail picks up from the cursor: next is carol's own join.
	joined := conn.nextEvent(t)
	assert.Equal(t, stream.TypeAnnouncement, joined.Type)
	assert.Equal(t, "carol", joined.Username)

	conn.disconnect()
	require.NoError(t, waitServe(t, done))
}

func TestServeRefusesDuplicateLogin(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	sess := Session{TenantKey: "chat_example_com:lab", Username: "alice", InboxID: "lab"}

	novel, err := f.tracker.Join(ctx, sess.TenantKey, "alice")
	require.NoError(t, err)
	require.True(t, novel)

	conn := newFakeConn()
	require.NoError(t, f.relay.Serve(ctx, conn, sess))
	assert.Equal(t, CloseDuplicateLogin, conn.closedWith())

	// The original session's registration is untouched.
	members, err := f.tracker.Members(ctx, sess.TenantKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)

	// No announcement was appended for the refused connection.
	events, err := f.store.History(ctx, sess.TenantKey, 100)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestServeRefusesFailedAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := setup(t, authz.NewClient(srv.URL, 0, zerolog.Nop()))
	sess := Session{TenantKey: "chat_example_com:1-2", Username: "mallory", InboxID: "1-2", AuthToken: "bad"}

	conn := newFakeConn()
	require.NoError(t, f.relay.Serve(context.Background(), conn, sess))
	assert.Equal(t, CloseUnauthorized, conn.closedWith())

	// Refused before joining: no presence entry, no announcements.
	members, err := f.tracker.Members(context.Background(), sess.TenantKey)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestServeAuthorizedTokenMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer good" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := setup(t, authz.NewClient(srv.URL, 0, zerolog.Nop()))
	sess := Session{TenantKey: "chat_example_com:1-2", Username: "alice", InboxID: "1-2", AuthToken: "good"}

	conn := newFakeConn()
	done := serveAsync(t, f.relay, conn, sess)

	joined := conn.nextEvent(t)
	assert.Equal(t, stream.ActionConnected, joined.Action)

	conn.disconnect()
	require.NoError(t, waitServe(t, done))
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{"plain object", `{"message": "hi"}`, "hi", false},
		{"single-element array", `[{"message": "hi"}]`, "hi", false},
		{"empty array", `[]`, "", true},
		{"missing message", `{"other": "x"}`, "", true},
		{"garbage", `}{`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePayload([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
