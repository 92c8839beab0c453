package billing

import "errors"

// Reconciliation error taxonomy. Delivery-side errors live in the webhooks
// package; these cover the mirror and the processor boundary.
var (
	// ErrNotConfigured means processor credentials are absent. It surfaces
	// at daemon startup, never per call.
	ErrNotConfigured = errors.New("processor credentials not configured")

	// ErrNotFound means no canonical billing record exists for a subscriber
	// expected to have one.
	ErrNotFound = errors.New("canonical billing record not found")

	// ErrConflict means a concurrent mutation won the conditional mirror
	// update; the caller may retry with fresh state.
	ErrConflict = errors.New("concurrent mirror modification")
)
