// Package password hashes and verifies account passwords with Argon2id.
//
// Hashes use the PHC string encoding
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// so the parameters travel with every stored hash. When the configured
// parameters are raised, [Hasher.NeedsRehash] reports older hashes and the
// Engine re-hashes them after the next successful sign-in.
//
// Verification runs in constant time over the derived key. Length limits,
// breach checks and lockout belong to the Engine; this package never sees
// an account and never logs plaintext.
package password
