// Package signature implements the signing scheme used on outbound webhook
// deliveries. Receivers can depend on it to verify that a request really
// originated here and is not a replay.
//
// The signature header carries "sha256=" followed by the hex HMAC-SHA256 of
// "<timestamp>.<body>" under the endpoint's shared secret; the timestamp
// header carries the unix seconds the signature was computed at.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header names set on every delivery request.
const (
	SignatureHeader = "X-SubHerald-Signature"
	TimestampHeader = "X-SubHerald-Timestamp"
)

// DefaultTolerance is how far a delivery timestamp may drift from the
// receiver's clock before the request is considered stale.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature means the signature does not match the body.
	ErrInvalidSignature = errors.New("webhook signature mismatch")

	// ErrStaleTimestamp means the timestamp is outside the tolerance window.
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
)

// Sign computes the signature header value for a body at the given unix
// timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature and timestamp header against the raw
// body. Pass tolerance <= 0 for DefaultTolerance.
func Verify(secret, signatureHeader, timestampHeader string, body []byte, tolerance time.Duration) error {
	return verifyAt(secret, signatureHeader, timestampHeader, body, tolerance, time.Now())
}

func verifyAt(secret, signatureHeader, timestampHeader string, body []byte, tolerance time.Duration, now time.Time) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp header: %w", err)
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift > tolerance || drift < -tolerance {
		return ErrStaleTimestamp
	}

	expected := Sign(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signatureHeader))) {
		return ErrInvalidSignature
	}
	return nil
}
