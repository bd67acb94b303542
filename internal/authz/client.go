// Package authz calls the external authorization service that decides whether
// a (user, inbox, token) triple may join a chat. The check fails closed: any
// non-success status, transport error or timeout denies the connection, and
// no error is ever surfaced to the caller.
package authz

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
)

// DefaultTimeout bounds a single authorization round-trip.
const DefaultTimeout = 5 * time.Second

// Client checks inbox access tokens against an external HTTP endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates an authorization client for the given base URL.
// A zero timeout falls back to DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Authorize reports whether the token currently grants access to inboxID.
// Only an explicit 200 from the service counts as permission. Denials and
// infrastructure failures both yield false; they are distinguished in logs
// and metrics for observability, but deliberately not to the caller.
func (c *Client) Authorize(ctx context.Context, inboxID, token string) bool {
	url := fmt.Sprintf("%s/api/v1/chat/%s", c.baseURL, inboxID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.log.Error().Err(err).Str("inbox", inboxID).Msg("failed to build authorization request")
		metrics.AuthzFailures.WithLabelValues("unreachable").Inc()
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("inbox", inboxID).Msg("authorization service unreachable, failing closed")
		metrics.AuthzFailures.WithLabelValues("unreachable").Inc()
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Info().Int("status", resp.StatusCode).Str("inbox", inboxID).Msg("authorization denied")
		metrics.AuthzFailures.WithLabelValues("denied").Inc()
		return false
	}

	return true
}
