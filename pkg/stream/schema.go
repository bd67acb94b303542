package stream

import "fmt"

// Redis key pattern helpers
//
// All keys are scoped by tenant key so that every (origin, inbox) pair is
// isolated from every other one on a shared Redis server.
//
// Stream pattern: {tenant_key}:stream
// Presence pattern: {tenant_key}:users

// StreamKey returns the Redis key for a tenant's chat stream.
// Pattern: {tenant_key}:stream
func StreamKey(tenantKey string) string {
	return fmt.Sprintf("%s:stream", tenantKey)
}

// PresenceKey returns the Redis key for a tenant's presence set.
// Pattern: {tenant_key}:users
func PresenceKey(tenantKey string) string {
	return fmt.Sprintf("%s:users", tenantKey)
}
