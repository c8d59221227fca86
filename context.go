package authcore

import "context"

type requestIDContextKey struct{}
type clientIPContextKey struct{}
type userAgentContextKey struct{}
type deviceLabelContextKey struct{}

// WithRequestID attaches a correlation id to ctx. It is copied onto audit
// records and log lines produced while serving the request.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// WithClientIP attaches the caller's IP address to ctx. The Engine uses it
// for per-IP rate limiting, audit records and session device metadata.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithDeviceLabel attaches a human-readable device name ("Ada's laptop")
// recorded on sessions created under ctx.
func WithDeviceLabel(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, deviceLabelContextKey{}, label)
}

// RequestIDFromContext returns the correlation id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDContextKey{})
}

func clientIPFromContext(ctx context.Context) string {
	return stringValue(ctx, clientIPContextKey{})
}

func userAgentFromContext(ctx context.Context) string {
	return stringValue(ctx, userAgentContextKey{})
}

func deviceLabelFromContext(ctx context.Context) string {
	return stringValue(ctx, deviceLabelContextKey{})
}

func stringValue(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}
