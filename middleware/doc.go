// Package middleware adapts the Engine to net/http.
//
//   - [Authenticate] validates the bearer token once per request and stores
//     the [authcore.AuthContext] for handlers ([AuthContextFrom]).
//   - [RequirePermissions] runs Engine.Authorize against the caller's
//     current organization.
//   - [RateLimit] and [APIRateLimit] apply named limits and emit
//     X-RateLimit-* and Retry-After headers.
//
// Errors are written as JSON {code, message, details} with a status from
// [StatusCode]. The package never parses tokens or touches Redis itself.
package middleware
