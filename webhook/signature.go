package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Request headers set on every delivery.
const (
	HeaderSignature = "X-Authcore-Signature"
	HeaderEvent     = "X-Authcore-Event"
	HeaderDelivery  = "X-Authcore-Delivery"
)

var (
	ErrSignatureMalformed = errors.New("webhook signature malformed")
	ErrSignatureMismatch  = errors.New("webhook signature mismatch")
	ErrSignatureStale     = errors.New("webhook signature outside tolerance")
)

// Sign returns the signature header value "t=<unix>,v1=<hex>" where v1 is
// HMAC-SHA256(secret, "<unix>." + body).
func Sign(secret string, at time.Time, body []byte) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac(secret, ts, body))
}

// Verify checks a signature header produced by Sign. A zero tolerance skips
// the timestamp check.
func Verify(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrSignatureMalformed
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return ErrSignatureMalformed
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrSignatureMalformed
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrSignatureMalformed
	}
	if !hmac.Equal(got, mac(secret, ts, body)) {
		return ErrSignatureMismatch
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(unix, 0))
		if skew < -tolerance || skew > tolerance {
			return ErrSignatureStale
		}
	}
	return nil
}

func mac(secret, ts string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte{'.'})
	h.Write(body)
	return h.Sum(nil)
}
