package billing

import (
	"strings"

	"github.com/subherald/subherald/app/models"
	"github.com/subherald/subherald/internal/pkg/events"
)

// MapStatus derives the local lifecycle status from a canonical processor
// status. intentRecorded is the cancellation intent known before this sync;
// it decides whether an ended subscription counts as cancelled or expired.
func MapStatus(status string, cancelAtPeriodEnd, intentRecorded bool) models.LifecycleStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case ProcessorStatusTrialing, ProcessorStatusActive:
		// Pending cancellation does not change the status until period end.
		return models.StatusActive
	case ProcessorStatusPastDue, ProcessorStatusUnpaid, ProcessorStatusIncomplete, ProcessorStatusPaused:
		return models.StatusGracePeriod
	case ProcessorStatusCanceled, ProcessorStatusIncompleteExpired:
		if intentRecorded || cancelAtPeriodEnd {
			return models.StatusCancelled
		}
		return models.StatusExpired
	default:
		// Unknown processor statuses are treated as payment trouble rather
		// than a termination; a later sync corrects the mirror either way.
		return models.StatusGracePeriod
	}
}

// transitionEventType names the outbound event for one status change.
func transitionEventType(from, to models.LifecycleStatus) events.Type {
	switch to {
	case models.StatusActive:
		if from == models.StatusGracePeriod {
			return events.TypeSubscriptionRenewed
		}
		return events.TypeSubscriptionActivated
	case models.StatusGracePeriod:
		return events.TypeGracePeriodStarted
	case models.StatusCancelled:
		return events.TypeSubscriptionCancelled
	case models.StatusExpired:
		switch from {
		case models.StatusTrial:
			return events.TypeTrialExpired
		case models.StatusGracePeriod:
			return events.TypeGracePeriodEnded
		default:
			return events.TypeSubscriptionExpired
		}
	}
	return events.TypeSubscriptionActivated
}
