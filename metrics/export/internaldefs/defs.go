package internaldefs

import (
	"strconv"

	"github.com/MrEthical07/authcore"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram for exporters.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter. Names carry no _total suffix;
// exporters append it where their format expects one.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricSignInSuccess, Name: "authcore_sign_in_success", Help: "Sign-ins that produced a session."},
	{ID: authcore.MetricSignInFailure, Name: "authcore_sign_in_failure", Help: "Sign-ins rejected for bad credentials."},
	{ID: authcore.MetricSignInRateLimited, Name: "authcore_sign_in_rate_limited", Help: "Sign-ins rejected by the rate limiter."},
	{ID: authcore.MetricSignInLocked, Name: "authcore_sign_in_locked", Help: "Sign-ins rejected because the account is locked."},
	{ID: authcore.MetricMFARequired, Name: "authcore_mfa_required", Help: "Sign-ins that issued an MFA challenge."},
	{ID: authcore.MetricMFASuccess, Name: "authcore_mfa_success", Help: "MFA challenges completed."},
	{ID: authcore.MetricMFAFailure, Name: "authcore_mfa_failure", Help: "Wrong MFA codes."},
	{ID: authcore.MetricMFAChallengeExhausted, Name: "authcore_mfa_challenge_exhausted", Help: "MFA challenges failed permanently."},
	{ID: authcore.MetricMFAEnabled, Name: "authcore_mfa_enabled", Help: "MFA enrollments confirmed."},
	{ID: authcore.MetricMFADisabled, Name: "authcore_mfa_disabled", Help: "MFA disable operations."},
	{ID: authcore.MetricBackupCodeUsed, Name: "authcore_backup_code_used", Help: "Backup codes consumed."},
	{ID: authcore.MetricBackupCodeFailed, Name: "authcore_backup_code_failed", Help: "Rejected backup codes."},
	{ID: authcore.MetricBackupCodesRegenerated, Name: "authcore_backup_codes_regenerated", Help: "Backup code regenerations."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success", Help: "Refresh token rotations."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure", Help: "Rejected refresh attempts."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected", Help: "Rotated refresh tokens presented again."},
	{ID: authcore.MetricSessionCreated, Name: "authcore_session_created", Help: "Sessions created."},
	{ID: authcore.MetricSessionEvicted, Name: "authcore_session_evicted", Help: "Sessions revoked by the per-user cap."},
	{ID: authcore.MetricSessionRevoked, Name: "authcore_session_revoked", Help: "Sessions revoked."},
	{ID: authcore.MetricSessionRevokeAll, Name: "authcore_session_revoke_all", Help: "Sign-out-everywhere operations."},
	{ID: authcore.MetricAccountCreated, Name: "authcore_account_created", Help: "Accounts created."},
	{ID: authcore.MetricAccountDuplicate, Name: "authcore_account_duplicate", Help: "Sign-ups rejected for an existing email."},
	{ID: authcore.MetricSignUpRateLimited, Name: "authcore_sign_up_rate_limited", Help: "Sign-ups rejected by the rate limiter."},
	{ID: authcore.MetricPasswordChanged, Name: "authcore_password_changed", Help: "Password changes."},
	{ID: authcore.MetricPasswordChangeInvalid, Name: "authcore_password_change_invalid", Help: "Password changes with a wrong current password."},
	{ID: authcore.MetricBreachedPasswordRejected, Name: "authcore_breached_password_rejected", Help: "Passwords rejected as breached."},
	{ID: authcore.MetricBreachCheckFailed, Name: "authcore_breach_check_failed", Help: "Breach lookups that failed open."},
	{ID: authcore.MetricRateLimitHit, Name: "authcore_rate_limit_hit", Help: "Rate limit checks that denied the request."},
	{ID: authcore.MetricPermissionDenied, Name: "authcore_permission_denied", Help: "Authorization checks that failed."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricValidateLatency, Name: "authcore_validate_latency_seconds", Help: "ValidateAccess latency."},
}

// AuditDroppedName is the counter of audit records lost to backpressure.
const AuditDroppedName = "authcore_audit_dropped"

// BucketCount is the number of histogram buckets including +Inf.
const BucketCount = 8

// UpperBounds returns the finite bucket bounds in seconds.
func UpperBounds() []float64 {
	out := make([]float64, 0, len(authcore.LatencyBucketBounds))
	for _, d := range authcore.LatencyBucketBounds {
		out = append(out, d.Seconds())
	}
	return out
}

// BoundLabels returns the "le" label of every bucket, "+Inf" last.
func BoundLabels() []string {
	bounds := UpperBounds()
	out := make([]string, 0, BucketCount)
	for _, b := range bounds {
		out = append(out, strconv.FormatFloat(b, 'g', -1, 64))
	}
	return append(out, "+Inf")
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling.
func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
