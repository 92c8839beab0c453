package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/subherald/subherald/app/models"
)

func TestCorrelationIDDeterministic(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := CorrelationID("sub-1", TypeSubscriptionActivated, at)
	b := CorrelationID("sub-1", TypeSubscriptionActivated, at)
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}

	// Sub-second precision must not split one transition into two ids.
	c := CorrelationID("sub-1", TypeSubscriptionActivated, at.Add(500*time.Millisecond))
	if a != c {
		t.Fatalf("sub-second timestamps changed the id: %s vs %s", a, c)
	}

	if d := CorrelationID("sub-2", TypeSubscriptionActivated, at); d == a {
		t.Fatal("different subscribers produced the same id")
	}
	if d := CorrelationID("sub-1", TypeSubscriptionCancelled, at); d == a {
		t.Fatal("different event types produced the same id")
	}
	if d := CorrelationID("sub-1", TypeSubscriptionActivated, at.Add(time.Second)); d == a {
		t.Fatal("different timestamps produced the same id")
	}
}

func TestBuildPayloadShape(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trialEnd := at.AddDate(0, 0, 14)
	mirror := &models.SubscriberMirror{
		SubscriberID: "sub-1",
		Status:       models.StatusTrial,
		PlanID:       "pro",
		TrialStart:   &at,
		TrialEnd:     &trialEnd,
	}

	event, err := Build(TypeTrialStarted, mirror, at, "trial window opened")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if event.EventType != "trial.started" {
		t.Fatalf("EventType = %s", event.EventType)
	}
	if event.SubscriberID != "sub-1" {
		t.Fatalf("SubscriberID = %s", event.SubscriberID)
	}
	if !event.OccurredAt.Equal(at) {
		t.Fatalf("OccurredAt = %s, want %s", event.OccurredAt, at)
	}

	var payload Payload
	if err := json.Unmarshal([]byte(event.PayloadJSON), &payload); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if payload.Type != "trial.started" || payload.SchemaVersion != SchemaVersion {
		t.Fatalf("payload header wrong: %+v", payload)
	}
	if payload.CorrelationID != event.CorrelationID {
		t.Fatal("payload correlation id differs from record")
	}
	if payload.Data.Plan != "pro" || payload.Data.Status != "trial" {
		t.Fatalf("payload data wrong: %+v", payload.Data)
	}
	if payload.Data.TrialEnd == nil || !payload.Data.TrialEnd.Equal(trialEnd) {
		t.Fatalf("trial end missing from payload: %+v", payload.Data)
	}
	if payload.Data.Reason != "trial window opened" {
		t.Fatalf("reason = %q", payload.Data.Reason)
	}
}

func TestBuildSameTransitionSamePayload(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mirror := &models.SubscriberMirror{
		SubscriberID: "sub-1",
		Status:       models.StatusActive,
		PlanID:       "pro",
	}

	a, err := Build(TypeSubscriptionActivated, mirror, at, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := Build(TypeSubscriptionActivated, mirror, at, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if a.CorrelationID != b.CorrelationID {
		t.Fatal("rebuilding the same transition changed the correlation id")
	}
	if a.PayloadJSON != b.PayloadJSON {
		t.Fatal("rebuilding the same transition changed the payload")
	}
}

func TestBuildPaymentOmitsLifecycleFields(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event, err := BuildPayment(TypePaymentSucceeded, "sub-1", PaymentInfo{
		AmountCents: 1999,
		Currency:    "eur",
		InvoiceRef:  "in_123",
	}, at)
	if err != nil {
		t.Fatalf("BuildPayment: %v", err)
	}

	var payload Payload
	if err := json.Unmarshal([]byte(event.PayloadJSON), &payload); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if payload.Data.AmountCents != 1999 || payload.Data.Currency != "eur" || payload.Data.InvoiceRef != "in_123" {
		t.Fatalf("payment fields wrong: %+v", payload.Data)
	}
	if payload.Data.Plan != "" || payload.Data.TrialEnd != nil {
		t.Fatalf("lifecycle fields leaked into payment payload: %+v", payload.Data)
	}
}

func TestValidType(t *testing.T) {
	for _, known := range AllTypes() {
		if !ValidType(known) {
			t.Fatalf("%s should be valid", known)
		}
	}
	if ValidType(Type("subscription.imaginary")) {
		t.Fatal("unknown type accepted")
	}
}
