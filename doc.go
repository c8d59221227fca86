// Package authcore is the authentication and identity core of a multi-tenant
// backend: password sign-in with TOTP or backup-code second factor, rotating
// opaque refresh tokens, Redis-backed sessions with a per-user cap, signed
// access tokens, organization-scoped permissions and sliding-window rate
// limits.
//
// Build an [Engine] once with [New] and share it. Every Engine method is safe
// for concurrent use.
//
// # Request flow
//
// Sign-in goes through [Engine.Authenticate]; when MFA is enabled it returns
// a challenge id for [Engine.VerifyMFAChallenge] instead of tokens. Each
// request then calls [Engine.ValidateAccess] once and passes the resulting
// [AuthContext] explicitly to [Engine.Authorize] and the rest of the handler.
// Request correlation ids and client metadata travel in the context via
// [WithRequestID], [WithClientIP], [WithUserAgent] and [WithDeviceLabel].
//
// # Events
//
// Every state change is published as a typed [Event] to the subscribers
// configured on the Builder, synchronously and in order. The audit recorder
// and the webhook dispatcher are subscribers like any other.
//
// # Architecture boundaries
//
// Per-entity atomicity lives in Redis Lua scripts (sessions, challenges, rate
// windows) and in compare-and-swap updates of [store.Users]. The package
// never inspects driver errors; stores report [store.Error] kinds.
package authcore
