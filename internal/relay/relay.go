// Package relay runs the per-connection chat protocol: verify admission,
// replay recent history, then pump messages between the client transport and
// the tenant's chat log until either side goes away.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatrelay/internal/authz"
	"chatrelay/internal/metrics"
	"chatrelay/internal/presence"
	"chatrelay/internal/tenant"
	"chatrelay/pkg/stream"
)

// Close codes sent on admission refusal. Both arrive after a completed
// handshake, so a refused client sees a clean close rather than a transport
// error and can tell "rejected" from "server crashed".
const (
	CloseUnauthorized   = 4001
	CloseDuplicateLogin = 4002
	// CloseUpstreamGone is sent when the log store is unreachable at admission.
	CloseUpstreamGone = 1011
)

// teardownTimeout bounds the leave/announce cleanup that runs after the
// connection's own context is already cancelled.
const teardownTimeout = 5 * time.Second

// Conn is the transport as seen by the relay: a bidirectional socket that
// has already completed its handshake. Implementations must unblock a
// pending ReadMessage when Close is called.
type Conn interface {
	// ReadMessage returns the next client payload. Any error means the
	// transport is gone (normal or abnormal close alike).
	ReadMessage(ctx context.Context) ([]byte, error)
	// WriteEvent forwards one chat event to the client as JSON.
	WriteEvent(ev *stream.ChatEvent) error
	// Close sends a close frame with the given code and tears the socket down.
	Close(code int, reason string) error
}

// Session is the per-connection context established at accept time. It is
// owned by exactly one relay invocation and threaded explicitly through
// every call that needs it.
type Session struct {
	TenantKey string
	Username  string
	InboxID   string
	AuthToken string
}

// Relay serves chat connections. All dependencies are injected at
// construction; the relay holds no per-connection state of its own.
type Relay struct {
	store    *stream.Client
	presence *presence.Tracker
	authz    *authz.Client // nil in baseline allow-list mode
	resolver *tenant.Resolver
	history  int64
	log      zerolog.Logger
}

// New creates a relay. authzClient may be nil, which disables the external
// token check (baseline allow-list deployment).
func New(store *stream.Client, tracker *presence.Tracker, authzClient *authz.Client,
	resolver *tenant.Resolver, historyCount int64, log zerolog.Logger) *Relay {
	return &Relay{
		store:    store,
		presence: tracker,
		authz:    authzClient,
		resolver: resolver,
		history:  historyCount,
		log:      log,
	}
}

// Admit decides whether a connection for (origin, inboxID) may proceed to
// the handshake, and returns the tenant key it will run under. A false
// return must be handled before the transport's data phase opens; no log or
// presence I/O has happened yet.
func (r *Relay) Admit(origin, inboxID string) (string, bool) {
	if !r.resolver.Allowed(inboxID) {
		metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeDeniedInbox).Inc()
		return "", false
	}
	return tenant.Resolve(origin, inboxID), true
}

// Serve runs the connection through VERIFYING, ACTIVE and CLOSING. It owns
// conn from this point on and closes it on every exit path. The error return
// covers internal faults only; admission refusals and ordinary disconnects
// are not errors.
func (r *Relay) Serve(ctx context.Context, conn Conn, sess Session) error {
	log := r.log.With().
		Str("tenant", sess.TenantKey).
		Str("username", sess.Username).
		Logger()

	// VERIFYING: external authorization first, then the duplicate-login gate.
	if r.authz != nil && !r.authz.Authorize(ctx, sess.InboxID, sess.AuthToken) {
		metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeDeniedAuth).Inc()
		log.Info().Msg("connection refused: authorization failed")
		return conn.Close(CloseUnauthorized, "unauthorized")
	}

	novel, err := r.presence.Join(ctx, sess.TenantKey, sess.Username)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeUpstreamUnavailable).Inc()
		log.Error().Err(err).Msg("connection refused: presence store unavailable")
		conn.Close(CloseUpstreamGone, "service unavailable")
		return fmt.Errorf("presence join failed: %w", err)
	}
	if !novel {
		metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeDeniedDuplicate).Inc()
		log.Info().Msg("connection refused: username already active in inbox")
		return conn.Close(CloseDuplicateLogin, "duplicate login")
	}

	// Joined: from here on, leave and announce the departure exactly once,
	// whichever path exits.
	defer r.teardown(log, sess)

	metrics.ConnectionsTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	// ACTIVE.
	if err := r.presence.Announce(ctx, sess.TenantKey, sess.InboxID, sess.Username, stream.ActionConnected); err != nil {
		log.Error().Err(err).Msg("failed to announce join")
		conn.Close(CloseUpstreamGone, "service unavailable")
		return fmt.Errorf("join announcement failed: %w", err)
	}
	log.Info().Msg("connection active")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(connCtx)

	// Either duty cycle's exit cancels the sibling; the watchdog then closes
	// the transport so a read blocked inside conn.ReadMessage unblocks too.
	go func() {
		<-gctx.Done()
		conn.Close(CloseUpstreamGone, "session ended")
	}()

	g.Go(func() error {
		defer cancel()
		return r.inbound(gctx, conn, sess, log)
	})
	g.Go(func() error {
		defer cancel()
		return r.outbound(gctx, conn, sess, log)
	})
	g.Go(func() error {
		return r.heartbeat(gctx, sess, log)
	})

	err = g.Wait()
	log.Info().Msg("connection closed")
	return err
}

// teardown deregisters the user and announces the departure. It runs on a
// fresh context because the connection's context is already cancelled by the
// time the duty cycles have unwound.
func (r *Relay) teardown(log zerolog.Logger, sess Session) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	removed, err := r.presence.Leave(ctx, sess.TenantKey, sess.Username)
	if err != nil {
		log.Warn().Err(err).Msg("failed to deregister presence on close")
		return
	}
	if !removed {
		// Lease already expired and pruned; nothing to announce.
		return
	}
	if err := r.presence.Announce(ctx, sess.TenantKey, sess.InboxID, sess.Username, stream.ActionDisconnected); err != nil {
		log.Warn().Err(err).Msg("failed to announce departure")
	}
}

// inbound is the client-to-log duty cycle: read a payload, build a text
// event, append it to the tenant stream. Returns nil when the transport
// disconnects; the deferred cancel in Serve stops the sibling cycles.
func (r *Relay) inbound(ctx context.Context, conn Conn, sess Session, log zerolog.Logger) error {
	for {
		data, err := conn.ReadMessage(ctx)
		if err != nil {
			// Transport closed, normal or abnormal; not an error here.
			log.Debug().Err(err).Msg("inbound cycle: transport closed")
			return nil
		}

		message, err := parsePayload(data)
		if err != nil {
			// Policy for malformed payloads: ignore and continue.
			metrics.ProtocolViolations.Inc()
			log.Warn().Err(err).Msg("ignoring malformed client payload")
			continue
		}

		ev := &stream.ChatEvent{
			Type:     stream.TypeText,
			Username: sess.Username,
			Message:  message,
			Inbox:    sess.InboxID,
		}
		if _, err := r.store.Append(ctx, sess.TenantKey, ev); err != nil {
			if ctx.Err() != nil || stream.IsShutdown(err) {
				log.Debug().Err(err).Msg("inbound cycle: log store gone")
				return nil
			}
			// Fatal for the session, no retry.
			log.Error().Err(err).Msg("inbound cycle: log store append failed")
			return nil
		}
		metrics.MessagesRelayed.WithLabelValues("inbound").Inc()
	}
}

// outbound is the log-to-client duty cycle: replay recent history once, then
// tail the stream and forward every new entry, advancing the cursor past
// each one. Returns nil on transport close or upstream loss.
func (r *Relay) outbound(ctx context.Context, conn Conn, sess Session, log zerolog.Logger) error {
	events, err := r.store.History(ctx, sess.TenantKey, r.history)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Error().Err(err).Msg("outbound cycle: history read failed")
		return nil
	}

	// "0-0" tails from the stream's origin; correct when there is no history,
	// since everything that arrives is then new to this reader.
	cursor := "0-0"
	for i := range events {
		if err := conn.WriteEvent(&events[i]); err != nil {
			log.Debug().Err(err).Msg("outbound cycle: transport closed during replay")
			return nil
		}
		metrics.MessagesRelayed.WithLabelValues("outbound").Inc()
		cursor = events[i].EntryID
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := r.store.Tail(ctx, sess.TenantKey, cursor, 100)
		if err != nil {
			if ctx.Err() != nil || stream.IsShutdown(err) {
				log.Debug().Err(err).Msg("outbound cycle: log store gone")
				return nil
			}
			log.Error().Err(err).Msg("outbound cycle: log store tail failed")
			return nil
		}

		for i := range events {
			if err := conn.WriteEvent(&events[i]); err != nil {
				log.Debug().Err(err).Msg("outbound cycle: transport closed")
				return nil
			}
			metrics.MessagesRelayed.WithLabelValues("outbound").Inc()
			cursor = events[i].EntryID
		}
	}
}

// heartbeat renews the presence lease while the connection is active so a
// live session never expires out of the presence set.
func (r *Relay) heartbeat(ctx context.Context, sess Session, log zerolog.Logger) error {
	interval := r.presence.TTL() / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.presence.Heartbeat(ctx, sess.TenantKey, sess.Username); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("presence heartbeat failed")
			}
		}
	}
}

// inboundPayload is the client message shape: a JSON object with the message
// body, optionally wrapped in a single-element array.
type inboundPayload struct {
	Message string `json:"message"`
}

// parsePayload extracts the message body from a client payload.
func parsePayload(data []byte) (string, error) {
	var payload inboundPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		// Tolerate a one-element array wrapping the object.
		var wrapped []inboundPayload
		if err := json.Unmarshal(data, &wrapped); err != nil || len(wrapped) == 0 {
			return "", fmt.Errorf("unparseable client payload")
		}
		payload = wrapped[0]
	}
	if payload.Message == "" {
		return "", fmt.Errorf("client payload carries no message")
	}
	return payload.Message, nil
}
