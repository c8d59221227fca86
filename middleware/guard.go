package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/authcore"
)

type authContextKey struct{}

// AuthContextFrom returns the AuthContext stored by [Authenticate].
func AuthContextFrom(ctx context.Context) (authcore.AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(authcore.AuthContext)
	return ac, ok
}

// RequestContext copies the correlation id and client metadata of r into
// its context so Engine events and audit records carry them.
func RequestContext(r *http.Request) context.Context {
	ctx := r.Context()
	if id := r.Header.Get("X-Request-ID"); id != "" {
		ctx = authcore.WithRequestID(ctx, id)
	}
	ctx = authcore.WithClientIP(ctx, clientIP(r))
	ctx = authcore.WithUserAgent(ctx, r.UserAgent())
	return ctx
}

// Authenticate validates the bearer access token and stores the resulting
// AuthContext on the request. Requests without a valid token are rejected
// with 401; backend failures with 503.
func Authenticate(engine *authcore.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				WriteError(w, authcore.ErrEngineNotReady)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				WriteError(w, authcore.ErrInvalidToken)
				return
			}

			ctx := RequestContext(r)
			ac, err := engine.ValidateAccess(ctx, token)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx = context.WithValue(ctx, authContextKey{}, ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermissions rejects callers whose membership in their current
// organization grants none of perms. It must run after [Authenticate].
func RequirePermissions(engine *authcore.Engine, perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := AuthContextFrom(r.Context())
			if !ok {
				WriteError(w, authcore.ErrInvalidToken)
				return
			}
			if err := engine.Authorize(r.Context(), ac, perms...); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StatusCode maps an Engine error to an HTTP status.
func StatusCode(err error) int {
	switch authcore.CodeOf(err) {
	case authcore.CodeInvalidCredentials,
		authcore.CodeInvalidToken,
		authcore.CodeTokenExpired,
		authcore.CodeSessionNotFound,
		authcore.CodeSessionRevoked,
		authcore.CodeMFAInvalidCode,
		authcore.CodeChallengeExpired,
		authcore.CodeInvalidPassword:
		return http.StatusUnauthorized
	case authcore.CodeMFARequired:
		return http.StatusAccepted
	case authcore.CodeInsufficientPermissions:
		return http.StatusForbidden
	case authcore.CodeUserLocked:
		return http.StatusLocked
	case authcore.CodeRateLimitExceeded, authcore.CodeTooManyFailedAttempts:
		return http.StatusTooManyRequests
	case authcore.CodeAccountExists, authcore.CodeMFAAlreadyEnabled:
		return http.StatusConflict
	case authcore.CodePasswordPolicy, authcore.CodeMFANotEnabled:
		return http.StatusUnprocessableEntity
	case authcore.CodeUnavailable, authcore.CodeEngineNotReady:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteError writes err as a JSON body with the mapped status. Retry-After
// is set for rate limits and lockouts. Causes wrapped in the error are
// never written.
func WriteError(w http.ResponseWriter, err error) {
	body := errorBody{Code: "INTERNAL", Message: "internal error"}
	var ae *authcore.Error
	if errors.As(err, &ae) {
		body = errorBody{Code: string(ae.Code), Message: ae.Message, Details: ae.Details}
		if ae.RetryAfter > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(ae.RetryAfter.Seconds()))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(err))
	_ = json.NewEncoder(w).Encode(body)
}

func retryAfterSeconds(s float64) string {
	n := int64(s)
	if float64(n) < s {
		n++
	}
	if n < 1 {
		n = 1
	}
	return strconv.FormatInt(n, 10)
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
