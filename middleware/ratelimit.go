package middleware

import (
	"net/http"
	"strconv"

	"github.com/MrEthical07/authcore"
)

// KeyFunc extracts the identity parts a rate limit is keyed on.
type KeyFunc func(r *http.Request) []string

// ByClientIP keys on the remote address.
func ByClientIP(r *http.Request) []string { return []string{clientIP(r)} }

// RateLimit applies action to every request and reports the window in
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset (unix
// seconds). Rejected requests get 429 with Retry-After.
func RateLimit(engine *authcore.Engine, action authcore.RateLimitAction, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ByClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := RequestContext(r)
			info, err := engine.CheckRateLimit(ctx, action, key(r)...)
			writeRateLimitHeaders(w, info)
			if err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIRateLimit applies the authenticated API budget per user when the
// request carries an AuthContext, and the anonymous budget per IP otherwise.
func APIRateLimit(engine *authcore.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			action, parts := authcore.RateLimitAPIAnonymous, ByClientIP(r)
			if ac, ok := AuthContextFrom(r.Context()); ok {
				action, parts = authcore.RateLimitAPI, []string{ac.UserID}
			}
			info, err := engine.CheckRateLimit(r.Context(), action, parts...)
			writeRateLimitHeaders(w, info)
			if err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, info authcore.RateLimitInfo) {
	if info.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	if !info.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))
	}
}
