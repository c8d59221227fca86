// Package limiters provides the named rate-limit policies built on top of the
// internal/rate sliding window.
//
// # Policies
//
//   - sign_in: per IP and email, 5 per 15 minutes.
//   - sign_up: per IP, 5 per hour.
//   - magic_link: per email, 3 per 15 minutes.
//   - password_reset: per email, 3 per hour.
//   - api: per user id, 1000 per minute.
//   - api_anonymous: per IP, 100 per minute.
//
// A nil *Limiters allows everything.
//
// # Architecture boundaries
//
// Each action owns its own key namespace. Thresholds come from the Policy
// table supplied at construction time.
//
// # What this package must NOT do
//
//   - Import authcore or any sibling internal package except internal/rate.
//   - Make policy decisions beyond counting. The Engine decides consequences.
package limiters
