// Package stream provides tenant-scoped access to the chat log and presence
// store backing the relay.
//
// # Overview
//
// Each tenant (one serving origin plus one inbox) owns two Redis keys: a
// bounded stream holding the append-only chat log, and a sorted set holding
// the presence leases of currently-joined usernames. The stream assigns
// monotonically increasing entry IDs, so every reader observes entries in
// the exact order they were appended.
//
// # Redis Schema
//
// Chat log: {tenant_key}:stream - Redis stream, capped at a configured
// maximum length with FIFO truncation.
//
// Presence: {tenant_key}:users - sorted set, member = username,
// score = lease expiry in unix milliseconds. Expired leases are pruned by
// callers before membership checks, so a crashed connection's entry stops
// blocking its username once the lease runs out.
//
// # Concurrency
//
// The client is safe for concurrent use. Duplicate-login prevention relies on
// the atomicity of ZADD NX: of two racing adds for the same member, exactly
// one observes a novel add.
package stream
