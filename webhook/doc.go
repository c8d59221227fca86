// Package webhook notifies subscribed HTTP endpoints about domain events.
//
// [Dispatcher.Publish] never blocks: events go onto a buffered queue and a
// small worker pool fans each one out into one [Delivery] per enabled,
// subscribed [Endpoint], attempting it immediately. Failed attempts are
// rescheduled with exponential backoff (60s, 120s, 240s by default) until
// MaxAttempts is reached, after which the delivery is terminally failed.
// [Dispatcher.Run] drives a ticker sweep that leases due deliveries from the
// [Store] so several worker processes can share one queue.
//
// Each request carries an HMAC-SHA256 signature over the timestamp and body
// (see [Sign]). Bodies are capped at 256 KiB and requests time out after 30s.
// Outbound traffic per endpoint is smoothed with golang.org/x/time/rate.
//
// # What this package must NOT do
//
//   - Surface delivery failures to the publisher.
//   - Import authcore. Events arrive already rendered as [Event].
package webhook
