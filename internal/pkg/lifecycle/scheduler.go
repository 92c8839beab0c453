package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/subherald/subherald/app/models"
	"github.com/subherald/subherald/app/repository"
	"github.com/subherald/subherald/internal/pkg/env"
	"github.com/subherald/subherald/internal/pkg/events"
)

const scanBatchSize = 200

// EventSink receives built events for fan-out. Satisfied by the webhook
// dispatcher; tests plug in a recorder.
type EventSink interface {
	Trigger(event *models.WebhookEvent) error
}

// Scheduler performs the recurring scan over subscriber mirrors for
// time-based transitions the billing processor does not push: trial windows
// running out, grace deadlines passing, scheduled cancellations taking
// effect. It acts on mirror state only and never calls the processor.
type Scheduler struct {
	mirrors repository.MirrorRepository
	notices repository.NoticeRepository
	sink    EventSink

	workers       int
	noticeWindow  time.Duration
	graceDuration time.Duration

	now func() time.Time
}

// NewScheduler creates a scheduler configured from the environment:
// LIFECYCLE_NOTICE_WINDOW_HOURS (default 72), GRACE_PERIOD_DAYS (default 14)
// and LIFECYCLE_SCAN_WORKERS (default 4).
func NewScheduler(mirrors repository.MirrorRepository, notices repository.NoticeRepository, sink EventSink) *Scheduler {
	workers := 4
	if v, err := strconv.Atoi(env.GetEnv("LIFECYCLE_SCAN_WORKERS", "4")); err == nil && v > 0 {
		workers = v
	}

	windowHours := 72
	if v, err := strconv.Atoi(env.GetEnv("LIFECYCLE_NOTICE_WINDOW_HOURS", "72")); err == nil && v > 0 {
		windowHours = v
	}

	graceDays := 14
	if v, err := strconv.Atoi(env.GetEnv("GRACE_PERIOD_DAYS", "14")); err == nil && v > 0 {
		graceDays = v
	}

	return &Scheduler{
		mirrors:       mirrors,
		notices:       notices,
		sink:          sink,
		workers:       workers,
		noticeWindow:  time.Duration(windowHours) * time.Hour,
		graceDuration: time.Duration(graceDays) * 24 * time.Hour,
		now:           time.Now,
	}
}

// Scan walks all subscriber mirrors in batches and applies time-based
// transitions and expiry notices. Mirrors are independent, so the batch fans
// out over a bounded worker pool. Returns the number of events emitted.
func (s *Scheduler) Scan(ctx context.Context) (int, error) {
	start := s.now()
	log.Info("[Scheduler] Starting lifecycle scan")

	var (
		emitted int
		scanned int
		mu      sync.Mutex
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, s.workers)

	var afterID uint
	for {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return emitted, err
		}

		batch, err := s.mirrors.ListScannable(afterID, scanBatchSize)
		if err != nil {
			wg.Wait()
			return emitted, fmt.Errorf("list scannable mirrors: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		for i := range batch {
			mirror := batch[i]
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				n, err := s.scanMirror(&mirror)
				if err != nil {
					log.Errorf("[Scheduler] Scan failed for subscriber %s: %v", mirror.SubscriberID, err)
				}
				mu.Lock()
				emitted += n
				scanned++
				mu.Unlock()
			}()
		}
		wg.Wait()

		if len(batch) < scanBatchSize {
			break
		}
	}

	log.Infof("[Scheduler] Lifecycle scan finished: %d mirrors, %d events, took %s", scanned, emitted, time.Since(start))
	return emitted, nil
}

// scanMirror applies at most one transition (plus notices) to a single
// mirror. Conflicting writes from a concurrent sync lose silently; the next
// scan sees the fresh row.
func (s *Scheduler) scanMirror(mirror *models.SubscriberMirror) (int, error) {
	now := s.now()

	switch mirror.Status {
	case models.StatusTrial:
		return s.scanTrial(mirror, now)
	case models.StatusGracePeriod:
		return s.scanGrace(mirror, now)
	case models.StatusActive:
		return s.scanActive(mirror, now)
	case models.StatusCancelled:
		return s.scanCancelled(mirror, now)
	}
	return 0, nil
}

func (s *Scheduler) scanTrial(mirror *models.SubscriberMirror, now time.Time) (int, error) {
	if mirror.TrialEnd == nil {
		return 0, nil
	}

	if mirror.TrialExpired(now) {
		return s.transition(mirror, *mirror, models.StatusExpired, events.TypeTrialExpired, *mirror.TrialEnd, "trial window ended without conversion")
	}

	if s.withinWindow(*mirror.TrialEnd, now) {
		return s.notice(mirror, models.NoticeTrialExpiring, events.TypeTrialExpiring, *mirror.TrialEnd, "trial window ending soon")
	}

	return 0, nil
}

func (s *Scheduler) scanGrace(mirror *models.SubscriberMirror, now time.Time) (int, error) {
	deadline := s.graceDeadline(mirror)

	if now.After(deadline) {
		return s.transition(mirror, *mirror, models.StatusExpired, events.TypeGracePeriodEnded, deadline, "grace deadline passed without recovery")
	}

	if s.withinWindow(deadline, now) {
		return s.notice(mirror, models.NoticeGraceEnding, events.TypeGracePeriodEnding, deadline, "grace deadline approaching")
	}

	return 0, nil
}

func (s *Scheduler) scanActive(mirror *models.SubscriberMirror, now time.Time) (int, error) {
	if mirror.CancelEffectiveAt == nil {
		return 0, nil
	}
	effective := *mirror.CancelEffectiveAt

	if now.After(effective) {
		if mirror.CancelAtPeriodEnd {
			snapshot := *mirror
			mirror.CancellationOccurred = true
			mirror.CancelAtPeriodEnd = false
			return s.transition(mirror, snapshot, models.StatusCancelled, events.TypeSubscriptionCancelled, effective, "scheduled cancellation took effect")
		}
		// Termination already settled processor-side without a locally
		// recorded intent.
		return s.transition(mirror, *mirror, models.StatusExpired, events.TypeSubscriptionExpired, effective, "subscription ended without recorded intent")
	}

	if mirror.CancelAtPeriodEnd && s.withinWindow(effective, now) {
		return s.notice(mirror, models.NoticeSubscriptionExpiring, events.TypeSubscriptionExpiring, effective, "scheduled cancellation approaching")
	}

	return 0, nil
}

func (s *Scheduler) scanCancelled(mirror *models.SubscriberMirror, now time.Time) (int, error) {
	if !mirror.PeriodEnded(now) {
		return 0, nil
	}
	return s.transition(mirror, *mirror, models.StatusExpired, events.TypeSubscriptionExpired, *mirror.PeriodEnd, "cancelled period ran out")
}

// transition moves the mirror to next and emits the matching event. The
// event timestamp is the lifecycle boundary itself, so a rescan after a
// crash rebuilds the same correlation id and the insert dedupes. snapshot is
// the row as read from the batch, before any caller-side field changes.
func (s *Scheduler) transition(mirror *models.SubscriberMirror, snapshot models.SubscriberMirror, next models.LifecycleStatus, t events.Type, at time.Time, reason string) (int, error) {
	if !CanTransition(mirror.Status, next) {
		return 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, mirror.Status, next)
	}

	mirror.Status = next
	ok, err := s.mirrors.UpdateChecked(mirror)
	if err != nil {
		return 0, fmt.Errorf("update mirror %s: %w", mirror.SubscriberID, err)
	}
	if !ok {
		// Lost the race against a concurrent sync; its state wins.
		log.Debugf("[Scheduler] Skipping subscriber %s, concurrent update", mirror.SubscriberID)
		return 0, nil
	}

	if err := s.emit(t, mirror, at, reason); err != nil {
		// The mirror already advanced, so no later scan would rebuild this
		// event. Restore the row and let the next scan recompute and re-emit;
		// the deterministic correlation id dedupes anything that partially
		// landed.
		s.restore(mirror, snapshot)
		return 0, err
	}

	log.Infof("[Scheduler] Subscriber %s transitioned to %s (%s)", mirror.SubscriberID, next, t)
	return 1, nil
}

func (s *Scheduler) emit(t events.Type, mirror *models.SubscriberMirror, at time.Time, reason string) error {
	event, err := events.Build(t, mirror, at, reason)
	if err != nil {
		return err
	}
	if err := s.sink.Trigger(event); err != nil {
		return fmt.Errorf("trigger %s for %s: %w", t, mirror.SubscriberID, err)
	}
	return nil
}

// restore writes the pre-transition snapshot back after a failed event
// emission. Conditional on the lock version the transition wrote, so a
// concurrent writer that slipped in keeps its state.
func (s *Scheduler) restore(current *models.SubscriberMirror, snapshot models.SubscriberMirror) {
	snapshot.LockVersion = current.LockVersion
	if ok, err := s.mirrors.UpdateChecked(&snapshot); err != nil || !ok {
		log.Errorf("[Scheduler] Could not restore mirror %s after failed event emission: %v", snapshot.SubscriberID, err)
	}
}

// notice emits an expiring-soon event exactly once per (subscriber, kind,
// window end). The persisted marker is the idempotency guard; its insert is
// the atomic check-and-set.
func (s *Scheduler) notice(mirror *models.SubscriberMirror, kind string, t events.Type, windowEnd time.Time, reason string) (int, error) {
	created, err := s.notices.CreateIfNotExists(&models.LifecycleNotice{
		SubscriberID: mirror.SubscriberID,
		Kind:         kind,
		WindowEnd:    windowEnd,
	})
	if err != nil {
		return 0, fmt.Errorf("record %s notice for %s: %w", kind, mirror.SubscriberID, err)
	}
	if !created {
		return 0, nil
	}

	event, err := events.Build(t, mirror, windowEnd, reason)
	if err != nil {
		return 0, err
	}
	if err := s.sink.Trigger(event); err != nil {
		return 0, fmt.Errorf("trigger %s for %s: %w", t, mirror.SubscriberID, err)
	}

	log.Infof("[Scheduler] Subscriber %s notified: %s", mirror.SubscriberID, t)
	return 1, nil
}

func (s *Scheduler) withinWindow(end, now time.Time) bool {
	return end.After(now) && end.Sub(now) <= s.noticeWindow
}

// graceDeadline is the point after which an unrecovered grace period
// expires. Anchored on the failed period's end when known.
func (s *Scheduler) graceDeadline(mirror *models.SubscriberMirror) time.Time {
	if mirror.PeriodEnd != nil {
		return mirror.PeriodEnd.Add(s.graceDuration)
	}
	return mirror.UpdatedAt.Add(s.graceDuration)
}
