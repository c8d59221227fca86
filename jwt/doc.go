// Package jwt issues and verifies short-lived access tokens.
//
// The signing algorithm is fixed when the [Manager] is built (Ed25519 or
// RS256) and the parser accepts only that algorithm, so a token cannot talk
// the verifier into a weaker one. Verification checks signature, expiry,
// issuer and audience only; whether the session behind the token is still
// active is the caller's concern.
package jwt
