// Package cryptoutil holds the small cryptographic building blocks shared by
// the token, session and MFA layers: authenticated sealing of secrets at
// rest, opaque bearer tokens, and human-typeable backup codes.
//
// # What this package must NOT do
//
//   - Hold keys in package-level state. Keys are passed in by the caller.
//   - Log or return plaintext secrets inside errors.
package cryptoutil
