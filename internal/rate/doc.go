// Package rate implements the Redis sliding-window limiter the named policies
// in internal/limiters are built on.
//
// # Window semantics
//
// Each key is a sorted set of hit timestamps (milliseconds). One Lua script
// trims entries older than the window, counts what is left, and records the
// new hit only when the count is under the limit, so check and increment are
// a single atomic step for every caller sharing the key. The set expires one
// window after its last accepted hit. Key prefix: <prefix>:rl:
//
// # What this package must NOT do
//
//   - Implement domain-specific policies (those live in internal/limiters).
//   - Be imported outside the authcore module.
package rate
