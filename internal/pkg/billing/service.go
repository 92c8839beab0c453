package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/subherald/subherald/app/models"
	"github.com/subherald/subherald/app/repository"
	"github.com/subherald/subherald/internal/pkg/events"
	"github.com/subherald/subherald/internal/pkg/lifecycle"
)

// Service is the single reconciliation entry point between the processor's
// canonical records and the local subscriber mirrors. All mirror writes flow
// through it (or the lifecycle scheduler); nothing else mutates mirrors.
type Service struct {
	processor ProcessorClient
	mirrors   repository.MirrorRepository
	sink      EventSink
	locks     *subscriberLocks
	now       func() time.Time
}

// NewService wires the reconciler from its collaborators.
func NewService(processor ProcessorClient, mirrors repository.MirrorRepository, sink EventSink) *Service {
	return &Service{
		processor: processor,
		mirrors:   mirrors,
		sink:      sink,
		locks:     newSubscriberLocks(),
		now:       time.Now,
	}
}

// Sync pulls the canonical record for one subscriber, rewrites the mirror
// from it and emits a lifecycle event when the status actually changed.
// Re-running with unchanged canonical state is a no-op.
func (s *Service) Sync(ctx context.Context, subscriberID string) (*models.SubscriberMirror, error) {
	unlock := s.locks.Lock(subscriberID)
	defer unlock()
	return s.syncLocked(ctx, subscriberID)
}

// Cancel requests cancellation on the canonical record. With immediate ==
// false only the intent is recorded and the mirror stays active until the
// period ends; with immediate == true the record is terminated now and the
// mirror reflects the end state before Cancel returns.
func (s *Service) Cancel(ctx context.Context, subscriberID string, immediate bool) (*models.SubscriberMirror, error) {
	unlock := s.locks.Lock(subscriberID)
	defer unlock()

	mirror, err := s.getMirror(subscriberID)
	if err != nil {
		return nil, err
	}
	if mirror.SubscriptionRef == "" {
		return nil, fmt.Errorf("subscriber %s has no canonical subscription: %w", subscriberID, ErrNotFound)
	}

	var canon *CanonicalSubscription
	if immediate {
		canon, err = s.processor.CancelNow(ctx, mirror.SubscriptionRef)
	} else {
		canon, err = s.processor.CancelAtPeriodEnd(ctx, mirror.SubscriptionRef)
	}
	if err != nil {
		return nil, err
	}
	return s.applyCanonical(mirror, canon)
}

// GetStatus returns the mirror as last reconciled, without touching the
// processor.
func (s *Service) GetStatus(ctx context.Context, subscriberID string) (*models.SubscriberMirror, error) {
	_ = ctx
	return s.getMirror(subscriberID)
}

// Provision creates the mirror for a freshly provisioned account. The mirror
// starts in trial with the given window and a trial.started event goes out.
// Provisioning an already known subscriber returns the existing mirror
// unchanged.
func (s *Service) Provision(ctx context.Context, subscriberID, customerRef, planID string, trialDays int) (*models.SubscriberMirror, error) {
	_ = ctx
	unlock := s.locks.Lock(subscriberID)
	defer unlock()

	existing, err := s.mirrors.GetBySubscriberID(subscriberID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Second)
	trialEnd := now.Add(time.Duration(trialDays) * 24 * time.Hour)
	mirror := &models.SubscriberMirror{
		SubscriberID: subscriberID,
		CustomerRef:  customerRef,
		Status:       models.StatusTrial,
		PlanID:       planID,
		TrialStart:   &now,
		TrialEnd:     &trialEnd,
	}
	if err := s.mirrors.Create(mirror); err != nil {
		return nil, err
	}
	if err := s.emit(events.TypeTrialStarted, mirror, now, "trial window opened"); err != nil {
		// Remove the fresh row so a retried provision re-creates it and the
		// trial.started event is not silently dropped.
		if delErr := s.mirrors.Delete(mirror.ID); delErr != nil {
			log.Errorf("[Reconciler] could not remove mirror %s after failed event emission: %v", subscriberID, delErr)
		}
		return nil, err
	}
	return mirror, nil
}

func (s *Service) syncLocked(ctx context.Context, subscriberID string) (*models.SubscriberMirror, error) {
	mirror, err := s.getMirror(subscriberID)
	if err != nil {
		return nil, err
	}
	canon, err := s.fetchCanonical(ctx, mirror)
	if err != nil {
		return nil, err
	}
	if canon == nil {
		// Trial-only subscriber, nothing canonical to reconcile against.
		return mirror, nil
	}
	return s.applyCanonical(mirror, canon)
}

// fetchCanonical retrieves the record the mirror should be derived from.
// When the stored subscription reference cannot be retrieved it falls back to
// listing the customer's records and picking the most relevant one.
func (s *Service) fetchCanonical(ctx context.Context, mirror *models.SubscriberMirror) (*CanonicalSubscription, error) {
	if mirror.SubscriptionRef != "" {
		canon, err := s.processor.GetSubscription(ctx, mirror.SubscriptionRef)
		if err == nil {
			return canon, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		log.Warnf("[Reconciler] stored subscription %s for %s missing, falling back to customer listing",
			mirror.SubscriptionRef, mirror.SubscriberID)
	}

	if mirror.CustomerRef == "" {
		if mirror.SubscriptionRef == "" && mirror.Status == models.StatusTrial {
			return nil, nil
		}
		return nil, fmt.Errorf("subscriber %s: %w", mirror.SubscriberID, ErrNotFound)
	}

	subs, err := s.processor.ListSubscriptions(ctx, mirror.CustomerRef)
	if err != nil {
		return nil, err
	}
	canon := SelectRelevant(subs)
	if canon == nil {
		if mirror.SubscriptionRef == "" && mirror.Status == models.StatusTrial {
			return nil, nil
		}
		return nil, fmt.Errorf("subscriber %s: %w", mirror.SubscriberID, ErrNotFound)
	}
	return canon, nil
}

// applyCanonical rewrites the mirror from canonical data in one conditional
// update and emits the event for the computed transition, if any. Period
// boundaries and plan are overwritten whether or not the status changed.
func (s *Service) applyCanonical(mirror *models.SubscriberMirror, canon *CanonicalSubscription) (*models.SubscriberMirror, error) {
	snapshot := *mirror
	prev := mirror.Status
	prevPeriodStart := mirror.PeriodStart
	intentRecorded := mirror.CancelAtPeriodEnd

	next := MapStatus(canon.Status, canon.CancelAtPeriodEnd, intentRecorded)
	if prev != next && !lifecycle.CanTransition(prev, next) {
		return nil, fmt.Errorf("mirror %s: %s -> %s: %w",
			mirror.SubscriberID, prev, next, lifecycle.ErrInvalidTransition)
	}

	if canon.CustomerRef != "" {
		mirror.CustomerRef = canon.CustomerRef
	}
	mirror.SubscriptionRef = canon.SubscriptionRef
	mirror.PlanID = canon.PlanID
	if canon.TrialStart != nil {
		mirror.TrialStart = canon.TrialStart
	}
	if canon.TrialEnd != nil {
		mirror.TrialEnd = canon.TrialEnd
	}
	mirror.PeriodStart = canon.PeriodStart
	mirror.PeriodEnd = canon.PeriodEnd
	mirror.Status = next

	switch next {
	case models.StatusActive, models.StatusGracePeriod:
		mirror.CancelAtPeriodEnd = canon.CancelAtPeriodEnd
		if canon.CancelAtPeriodEnd {
			mirror.CancelEffectiveAt = canon.PeriodEnd
		} else {
			mirror.CancelEffectiveAt = nil
		}
	case models.StatusCancelled:
		mirror.CancelAtPeriodEnd = false
		mirror.CancellationOccurred = true
		mirror.CancelEffectiveAt = firstNonNil(canon.CanceledAt, canon.PeriodEnd)
	case models.StatusExpired:
		mirror.CancelAtPeriodEnd = false
		mirror.CancelEffectiveAt = firstNonNil(canon.CanceledAt, mirror.CancelEffectiveAt)
	}

	ok, err := s.mirrors.UpdateChecked(mirror)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("subscriber %s: %w", mirror.SubscriberID, ErrConflict)
	}

	now := s.now().UTC()
	var emitErr error
	if prev != next {
		at := transitionTimestamp(next, canon, now)
		emitErr = s.emit(transitionEventType(prev, next), mirror, at, reasonFor(canon.Status))
	} else if prev == models.StatusActive && periodAdvanced(prevPeriodStart, canon.PeriodStart) {
		emitErr = s.emit(events.TypeSubscriptionRenewed, mirror, *canon.PeriodStart, "billing period renewed")
	}
	if emitErr != nil {
		// The mirror already advanced, so no later sync would recompute this
		// diff. Restore the row and let the retry re-apply and re-emit; the
		// deterministic correlation id dedupes anything that partially landed.
		s.restore(mirror, snapshot)
		return nil, emitErr
	}
	return mirror, nil
}

// restore writes the pre-reconciliation snapshot back after a failed event
// emission. Conditional on the lock version the update wrote, so a concurrent
// writer that slipped in keeps its state.
func (s *Service) restore(current *models.SubscriberMirror, snapshot models.SubscriberMirror) {
	snapshot.LockVersion = current.LockVersion
	if ok, err := s.mirrors.UpdateChecked(&snapshot); err != nil || !ok {
		log.Errorf("[Reconciler] could not restore mirror %s after failed event emission: %v", snapshot.SubscriberID, err)
	}
}

func (s *Service) emit(t events.Type, mirror *models.SubscriberMirror, at time.Time, reason string) error {
	event, err := events.Build(t, mirror, at, reason)
	if err != nil {
		return err
	}
	if err := s.sink.Trigger(event); err != nil {
		return fmt.Errorf("trigger %s for %s: %w", t, mirror.SubscriberID, err)
	}
	return nil
}

func (s *Service) getMirror(subscriberID string) (*models.SubscriberMirror, error) {
	mirror, err := s.mirrors.GetBySubscriberID(subscriberID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("subscriber %s: %w", subscriberID, ErrNotFound)
		}
		return nil, err
	}
	return mirror, nil
}

// transitionTimestamp prefers a canonical boundary over wall clock so a
// redundant re-sync of the same change rebuilds the same correlation id.
func transitionTimestamp(next models.LifecycleStatus, canon *CanonicalSubscription, now time.Time) time.Time {
	switch next {
	case models.StatusCancelled, models.StatusExpired:
		if canon.CanceledAt != nil {
			return *canon.CanceledAt
		}
		if canon.PeriodEnd != nil {
			return *canon.PeriodEnd
		}
	case models.StatusActive:
		if canon.PeriodStart != nil {
			return *canon.PeriodStart
		}
	}
	return now
}

func reasonFor(processorStatus string) string {
	switch processorStatus {
	case ProcessorStatusPastDue, ProcessorStatusUnpaid:
		return "payment failed"
	case ProcessorStatusIncomplete:
		return "initial payment incomplete"
	case ProcessorStatusCanceled:
		return "subscription ended"
	default:
		return ""
	}
}

func periodAdvanced(prev, next *time.Time) bool {
	return prev != nil && next != nil && next.After(*prev)
}

func firstNonNil(ts ...*time.Time) *time.Time {
	for _, t := range ts {
		if t != nil {
			return t
		}
	}
	return nil
}
