// Package transport accepts WebSocket upgrade requests, extracts the
// connection's admission parameters and hands the upgraded socket to the
// relay. It also serves the process's health and metrics endpoints.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatrelay/internal/config"
	"chatrelay/internal/identity"
	"chatrelay/internal/relay"
	"chatrelay/pkg/stream"
)

// Server routes HTTP traffic for the relay process.
type Server struct {
	relay    *relay.Relay
	store    *stream.Client
	cfg      *config.Config
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer wires the HTTP surface: /ws for chat connections, /healthz for
// liveness, /metrics for prometheus.
func NewServer(r *relay.Relay, store *stream.Client, cfg *config.Config, log zerolog.Logger) *Server {
	return &Server{
		relay: r,
		store: store,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Inbox pages are served from the same origins the tenant keys
			// are derived from; cross-origin browsers are still subject to
			// the allow-list and authorization gates.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Handler returns the routed mux for the HTTP server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// handleWS runs admission, upgrades the socket and serves the connection.
// Admission failures before the upgrade surface as plain HTTP errors; after
// the upgrade the relay refuses with a clean close frame instead.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	inboxID := r.URL.Query().Get("inbox")

	tenantKey, ok := s.relay.Admit(r.Host, inboxID)
	if !ok {
		s.log.Info().Str("inbox", inboxID).Msg("rejected connection for disallowed inbox")
		http.Error(w, "unknown inbox", http.StatusForbidden)
		return
	}

	sess := relay.Session{TenantKey: tenantKey, InboxID: inboxID}

	if s.cfg.TokenMode() {
		sess.AuthToken = r.URL.Query().Get("token")
		id, err := identity.FromToken([]byte(s.cfg.JWTSecret), sess.AuthToken)
		if err != nil {
			s.log.Info().Err(err).Msg("rejected connection with invalid token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		sess.Username = id.Username
	} else {
		sess.Username = r.URL.Query().Get("username")
		if sess.Username == "" {
			sess.Username = identity.Anonymous().Username
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newWSConn(ws)
	if err := s.relay.Serve(r.Context(), conn, sess); err != nil {
		s.log.Error().Err(err).Str("tenant", tenantKey).Msg("connection ended with error")
	}
}

// handleHealthz reports process liveness and log-store reachability. The
// process keeps serving HTTP while Redis is down; chat admissions fail until
// it returns.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		status = "degraded: log store unreachable"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
