package webhooks

import "errors"

// Delivery error taxonomy. Transient failures stay internal to the retry
// engine; the other two mark terminal attempts and are surfaced to the
// endpoint owner respectively the operator.
var (
	// ErrTransientDelivery marks a send that may succeed on a later try:
	// network failure, timeout, 5xx or 429.
	ErrTransientDelivery = errors.New("transient webhook delivery failure")

	// ErrPermanentDelivery marks a send the endpoint rejected for good
	// (4xx other than 429). No retry follows.
	ErrPermanentDelivery = errors.New("permanent webhook delivery rejection")

	// ErrRetriesExhausted marks an attempt that used up its retry budget.
	ErrRetriesExhausted = errors.New("webhook delivery retries exhausted")
)
