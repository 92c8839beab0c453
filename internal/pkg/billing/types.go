package billing

import (
	"context"
	"time"

	"github.com/subherald/subherald/app/models"
)

// CanonicalSubscription is the normalized snapshot of the processor's
// authoritative subscription record. The mirror is derived from it and never
// written back.
type CanonicalSubscription struct {
	SubscriptionRef   string
	CustomerRef       string
	PlanID            string
	Status            string
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
	TrialStart        *time.Time
	TrialEnd          *time.Time
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	Created           time.Time
}

// ProcessorClient is the boundary to the external payment processor. All
// calls honor ctx cancellation so an aborted sync never half-updates the
// mirror.
type ProcessorClient interface {
	// GetSubscription fetches one canonical record by its processor
	// reference. A missing record returns ErrNotFound.
	GetSubscription(ctx context.Context, subscriptionRef string) (*CanonicalSubscription, error)

	// ListSubscriptions returns all canonical records for a customer.
	ListSubscriptions(ctx context.Context, customerRef string) ([]CanonicalSubscription, error)

	// CancelAtPeriodEnd records cancellation intent on the canonical record;
	// the subscription keeps running until the current period ends.
	CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) (*CanonicalSubscription, error)

	// CancelNow terminates the canonical record immediately.
	CancelNow(ctx context.Context, subscriptionRef string) (*CanonicalSubscription, error)
}

// EventSink receives built lifecycle events for fan-out. The webhook
// dispatcher implements it; tests substitute a recorder.
type EventSink interface {
	Trigger(event *models.WebhookEvent) error
}
