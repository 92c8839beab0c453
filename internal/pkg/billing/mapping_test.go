package billing

import (
	"testing"

	"github.com/subherald/subherald/app/models"
	"github.com/subherald/subherald/internal/pkg/events"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		name              string
		status            string
		cancelAtPeriodEnd bool
		intentRecorded    bool
		want              models.LifecycleStatus
	}{
		{"trialing", "trialing", false, false, models.StatusActive},
		{"active", "active", false, false, models.StatusActive},
		{"active pending cancellation", "active", true, false, models.StatusActive},
		{"past due", "past_due", false, false, models.StatusGracePeriod},
		{"unpaid", "unpaid", false, false, models.StatusGracePeriod},
		{"incomplete", "incomplete", false, false, models.StatusGracePeriod},
		{"paused", "paused", false, false, models.StatusGracePeriod},
		{"canceled without intent", "canceled", false, false, models.StatusExpired},
		{"canceled with recorded intent", "canceled", false, true, models.StatusCancelled},
		{"canceled with pending flag", "canceled", true, false, models.StatusCancelled},
		{"incomplete expired", "incomplete_expired", false, false, models.StatusExpired},
		{"unknown status", "some_future_status", false, false, models.StatusGracePeriod},
		{"mixed case with spaces", "  Active ", false, false, models.StatusActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapStatus(tt.status, tt.cancelAtPeriodEnd, tt.intentRecorded)
			if got != tt.want {
				t.Fatalf("MapStatus(%q, %v, %v) = %s, want %s",
					tt.status, tt.cancelAtPeriodEnd, tt.intentRecorded, got, tt.want)
			}
		})
	}
}

func TestTransitionEventType(t *testing.T) {
	tests := []struct {
		from, to models.LifecycleStatus
		want     events.Type
	}{
		{models.StatusTrial, models.StatusActive, events.TypeSubscriptionActivated},
		{models.StatusCancelled, models.StatusActive, events.TypeSubscriptionActivated},
		{models.StatusGracePeriod, models.StatusActive, events.TypeSubscriptionRenewed},
		{models.StatusActive, models.StatusGracePeriod, events.TypeGracePeriodStarted},
		{models.StatusActive, models.StatusCancelled, events.TypeSubscriptionCancelled},
		{models.StatusGracePeriod, models.StatusCancelled, events.TypeSubscriptionCancelled},
		{models.StatusTrial, models.StatusExpired, events.TypeTrialExpired},
		{models.StatusGracePeriod, models.StatusExpired, events.TypeGracePeriodEnded},
		{models.StatusActive, models.StatusExpired, events.TypeSubscriptionExpired},
		{models.StatusCancelled, models.StatusExpired, events.TypeSubscriptionExpired},
	}

	for _, tt := range tests {
		got := transitionEventType(tt.from, tt.to)
		if got != tt.want {
			t.Fatalf("transitionEventType(%s, %s) = %s, want %s", tt.from, tt.to, got, tt.want)
		}
	}
}
