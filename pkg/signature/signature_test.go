package signature

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"type":"trial.expiring"}`)
	now := time.Unix(1700000000, 0)
	sig := Sign("whsec_test", now.Unix(), body)

	if err := verifyAt("whsec_test", sig, fmt.Sprint(now.Unix()), body, 0, now.Add(30*time.Second)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	now := time.Unix(1700000000, 0)
	sig := Sign("whsec_test", now.Unix(), []byte("original"))

	err := verifyAt("whsec_test", sig, fmt.Sprint(now.Unix()), []byte("tampered"), 0, now)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte("payload")
	sig := Sign("secret-a", now.Unix(), body)

	err := verifyAt("secret-b", sig, fmt.Sprint(now.Unix()), body, 0, now)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	signedAt := time.Unix(1700000000, 0)
	body := []byte("payload")
	sig := Sign("whsec_test", signedAt.Unix(), body)

	err := verifyAt("whsec_test", sig, fmt.Sprint(signedAt.Unix()), body, time.Minute, signedAt.Add(10*time.Minute))
	if !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}

	// Future timestamps outside tolerance are equally stale.
	err = verifyAt("whsec_test", sig, fmt.Sprint(signedAt.Unix()), body, time.Minute, signedAt.Add(-10*time.Minute))
	if !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp for future timestamp, got %v", err)
	}
}

func TestVerifyRejectsGarbageTimestamp(t *testing.T) {
	if err := Verify("whsec_test", "sha256=abc", "not-a-number", []byte("x"), 0); err == nil {
		t.Fatal("expected error for unparsable timestamp")
	}
}
