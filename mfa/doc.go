// Package mfa provides the TOTP primitive and the Redis-backed sign-in
// challenge store used by the Engine's multi-factor flows.
//
// [TOTP] wraps github.com/pquerna/otp with fixed parameters (30 second period,
// 6 digits, SHA1) and a one-step skew window.
//
// [ChallengeStore] tracks a password-verified sign-in that still needs a
// second factor. Attempts are counted by a Lua script before any code is
// checked, so concurrent guesses cannot exceed the attempt cap. Once the cap
// is reached the challenge stays failed until it expires. A successful
// verification deletes the challenge; only one caller can win that delete.
//
// # What this package must NOT do
//
//   - Decrypt secrets or touch the user store. Callers hand in plaintext
//     secrets and decide what a verified code means.
//   - Import authcore or session.
package mfa
