package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/subherald/subherald/app/models"
)

// Type identifies one lifecycle event kind. The set is closed; receivers
// subscribe per type.
type Type string

const (
	TypeTrialStarted          Type = "trial.started"
	TypeTrialExpiring         Type = "trial.expiring"
	TypeTrialExpired          Type = "trial.expired"
	TypeSubscriptionActivated Type = "subscription.activated"
	TypeSubscriptionRenewed   Type = "subscription.renewed"
	TypeSubscriptionExpiring  Type = "subscription.expiring"
	TypeSubscriptionExpired   Type = "subscription.expired"
	TypeSubscriptionCancelled Type = "subscription.cancelled"
	TypeGracePeriodStarted    Type = "grace_period.started"
	TypeGracePeriodEnding     Type = "grace_period.ending"
	TypeGracePeriodEnded      Type = "grace_period.ended"
	TypePaymentSucceeded      Type = "payment.succeeded"
	TypePaymentFailed         Type = "payment.failed"
)

// SchemaVersion is stamped into every payload so receivers can handle
// format evolution.
const SchemaVersion = "1"

// correlationNamespace scopes the UUIDv5 derivation of correlation ids.
var correlationNamespace = uuid.MustParse("9ff4a985-62f3-4f86-bd8c-9884cf1f3c20")

// AllTypes returns the closed event type set.
func AllTypes() []Type {
	return []Type{
		TypeTrialStarted,
		TypeTrialExpiring,
		TypeTrialExpired,
		TypeSubscriptionActivated,
		TypeSubscriptionRenewed,
		TypeSubscriptionExpiring,
		TypeSubscriptionExpired,
		TypeSubscriptionCancelled,
		TypeGracePeriodStarted,
		TypeGracePeriodEnding,
		TypeGracePeriodEnded,
		TypePaymentSucceeded,
		TypePaymentFailed,
	}
}

// ValidType reports whether t is part of the closed set.
func ValidType(t Type) bool {
	for _, known := range AllTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Payload is the wire format delivered to endpoints. Field order is the wire
// order; the payload is immutable once built.
type Payload struct {
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlationId"`
	SubscriberID  string    `json:"subscriberId"`
	OccurredAt    time.Time `json:"occurredAt"`
	SchemaVersion string    `json:"schemaVersion"`
	Data          Data      `json:"data"`
}

// Data carries the type-specific state fields. Unset fields stay off the
// wire.
type Data struct {
	Plan              string     `json:"plan,omitempty"`
	Status            string     `json:"status,omitempty"`
	TrialStart        *time.Time `json:"trialStart,omitempty"`
	TrialEnd          *time.Time `json:"trialEnd,omitempty"`
	PeriodStart       *time.Time `json:"periodStart,omitempty"`
	PeriodEnd         *time.Time `json:"periodEnd,omitempty"`
	CancelEffectiveAt *time.Time `json:"cancelEffectiveAt,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	AmountCents       int64      `json:"amountCents,omitempty"`
	Currency          string     `json:"currency,omitempty"`
	InvoiceRef        string     `json:"invoiceRef,omitempty"`
}

// CorrelationID derives the idempotency key for one transition instance.
// The inputs pin it to (subscriber, transition type, transition timestamp),
// so rebuilding the same transition always yields the same id.
func CorrelationID(subscriberID string, t Type, at time.Time) string {
	name := fmt.Sprintf("%s|%s|%d", subscriberID, t, at.UTC().Unix())
	return uuid.NewSHA1(correlationNamespace, []byte(name)).String()
}

// Build produces the persistable event for a lifecycle transition from the
// mirror snapshot. at is the transition timestamp, not the build time.
func Build(t Type, mirror *models.SubscriberMirror, at time.Time, reason string) (*models.WebhookEvent, error) {
	at = at.UTC().Truncate(time.Second)
	payload := Payload{
		Type:          string(t),
		CorrelationID: CorrelationID(mirror.SubscriberID, t, at),
		SubscriberID:  mirror.SubscriberID,
		OccurredAt:    at,
		SchemaVersion: SchemaVersion,
		Data: Data{
			Plan:              mirror.PlanID,
			Status:            string(mirror.Status),
			TrialStart:        mirror.TrialStart,
			TrialEnd:          mirror.TrialEnd,
			PeriodStart:       mirror.PeriodStart,
			PeriodEnd:         mirror.PeriodEnd,
			CancelEffectiveAt: mirror.CancelEffectiveAt,
			Reason:            reason,
		},
	}
	return marshalEvent(t, payload)
}

// PaymentInfo carries the invoice fields for payment events.
type PaymentInfo struct {
	AmountCents int64
	Currency    string
	InvoiceRef  string
}

// BuildPayment produces the persistable event for a payment notification.
// The correlation timestamp comes from the processor's own event time so
// redeliveries rebuild the same id.
func BuildPayment(t Type, subscriberID string, info PaymentInfo, at time.Time) (*models.WebhookEvent, error) {
	at = at.UTC().Truncate(time.Second)
	payload := Payload{
		Type:          string(t),
		CorrelationID: CorrelationID(subscriberID, t, at),
		SubscriberID:  subscriberID,
		OccurredAt:    at,
		SchemaVersion: SchemaVersion,
		Data: Data{
			AmountCents: info.AmountCents,
			Currency:    info.Currency,
			InvoiceRef:  info.InvoiceRef,
		},
	}
	return marshalEvent(t, payload)
}

func marshalEvent(t Type, payload Payload) (*models.WebhookEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &models.WebhookEvent{
		CorrelationID: payload.CorrelationID,
		EventType:     payload.Type,
		SubscriberID:  payload.SubscriberID,
		PayloadJSON:   string(raw),
		OccurredAt:    payload.OccurredAt,
	}, nil
}
