// Package session provides the Redis-backed session store.
//
// Each session is a Redis hash keyed by session id. A per-user sorted set
// scored by last activity tracks the active sessions so the least recently
// active one can be evicted when the per-user cap is exceeded. Refresh tokens
// are indexed by their SHA-256 hash; a rotated hash moves into a retired index
// so that presenting it again is recognised as reuse.
//
// Every state transition (create with eviction, rotate, revoke, revoke-all,
// touch, expiry) is a single Lua script, so concurrent callers racing on the
// same session observe exactly one winner.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session] model. It
// does NOT interpret JWT tokens, evaluate permissions, or enforce
// authentication policy. Those belong to the Engine.
//
// # What this package must NOT do
//
//   - Import authcore, jwt, or permission (no upward imports).
//   - Store plaintext refresh tokens. Only hashes reach Redis.
//   - Delete revoked sessions before their retention window ends.
package session
