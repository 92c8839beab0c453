package lifecycle

import (
	"errors"
	"slices"

	"github.com/subherald/subherald/app/models"
)

// ErrInvalidTransition is returned when a computed status change is not in
// the transition table.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Transition represents a lifecycle state transition.
type Transition struct {
	From models.LifecycleStatus
	To   models.LifecycleStatus
}

// validTransitions defines all allowed state transitions. Expired is
// terminal; grace period is reachable from active only.
var validTransitions = map[Transition]bool{
	{models.StatusTrial, models.StatusActive}:          true, // Trial converted to paid
	{models.StatusTrial, models.StatusExpired}:         true, // Trial ran out without conversion
	{models.StatusActive, models.StatusGracePeriod}:    true, // Payment failed
	{models.StatusActive, models.StatusCancelled}:      true, // Cancellation intent took effect at period end
	{models.StatusActive, models.StatusExpired}:        true, // Processor-side end without recorded intent
	{models.StatusGracePeriod, models.StatusActive}:    true, // Payment recovered
	{models.StatusGracePeriod, models.StatusCancelled}: true, // Intent recorded, processor ended during grace
	{models.StatusGracePeriod, models.StatusExpired}:   true, // Grace deadline passed
	{models.StatusCancelled, models.StatusActive}:      true, // Re-subscription
	{models.StatusCancelled, models.StatusExpired}:     true, // Cancelled period ran out
}

// CanTransition checks if a transition from one status to another is valid.
func CanTransition(from, to models.LifecycleStatus) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target statuses from the given one.
func ValidTransitionsFrom(from models.LifecycleStatus) []models.LifecycleStatus {
	targets := make([]models.LifecycleStatus, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}

	// Stabilize ordering for deterministic callers/tests.
	slices.Sort(targets)
	return targets
}
