// Package tenant derives collision-free tenant keys from a connection's
// serving origin and requested inbox, and gates admission on the configured
// inbox allow-list. Resolution is pure: no I/O happens here, so an unknown
// inbox is rejected before any log-store or authorization call is made.
package tenant

import (
	"net"
	"strings"
)

// Resolver validates inbox identifiers against a fixed allow-list known at
// startup and derives tenant keys. A Resolver is immutable after construction
// and safe for concurrent use.
type Resolver struct {
	allowed map[string]struct{}
}

// NewResolver creates a resolver for the given inbox allow-list.
func NewResolver(allowedInboxes []string) *Resolver {
	allowed := make(map[string]struct{}, len(allowedInboxes))
	for _, inbox := range allowedInboxes {
		allowed[inbox] = struct{}{}
	}
	return &Resolver{allowed: allowed}
}

// Allowed reports whether inboxID is on the allow-list. Malformed identifiers
// are never allowed, regardless of the list contents.
func (r *Resolver) Allowed(inboxID string) bool {
	if !ValidInboxID(inboxID) {
		return false
	}
	_, ok := r.allowed[inboxID]
	return ok
}

// Resolve derives the tenant key for an origin host and inbox identifier.
// The key is a deterministic function of its inputs and is used verbatim as
// the log stream and presence set namespace.
//
// Example: ("chat.example.com", "1-2") -> "chat_example_com:1-2".
func Resolve(origin, inboxID string) string {
	return normalizeOrigin(origin) + ":" + inboxID
}

// normalizeOrigin strips any port and replaces separator characters that
// would collide with the tenant key delimiter or Redis key conventions.
func normalizeOrigin(origin string) string {
	if host, _, err := net.SplitHostPort(origin); err == nil {
		origin = host
	}
	return strings.ReplaceAll(origin, ".", "_")
}

// ValidInboxID reports whether an inbox identifier is well-formed: non-empty,
// and built only from letters, digits, '-' and '_'.
func ValidInboxID(inboxID string) bool {
	if inboxID == "" {
		return false
	}
	for _, r := range inboxID {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
