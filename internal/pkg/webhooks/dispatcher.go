package webhooks

import (
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/subherald/subherald/app/models"
	"github.com/subherald/subherald/app/repository"
)

// TaskEnqueuer hands delivery work to the task queue. The queue manager
// implements it; tests substitute a recorder.
type TaskEnqueuer interface {
	EnqueueDelivery(attemptID uint, delay time.Duration) error
}

// Dispatcher fans a built event out to every enabled endpoint subscribed to
// its type. Fan-out, not fan-through: one endpoint's trouble never blocks
// another, and callers never see delivery outcomes.
type Dispatcher struct {
	events      repository.EventRepository
	endpoints   repository.EndpointRepository
	attempts    repository.AttemptRepository
	enqueuer    TaskEnqueuer
	maxAttempts int
}

// NewDispatcher wires the dispatcher. maxAttempts is stamped onto each
// created delivery attempt as its send budget.
func NewDispatcher(
	events repository.EventRepository,
	endpoints repository.EndpointRepository,
	attempts repository.AttemptRepository,
	enqueuer TaskEnqueuer,
	maxAttempts int,
) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryConfig().MaxAttempts
	}
	return &Dispatcher{
		events:      events,
		endpoints:   endpoints,
		attempts:    attempts,
		enqueuer:    enqueuer,
		maxAttempts: maxAttempts,
	}
}

// Trigger persists the event idempotently by correlation id and creates one
// pending delivery attempt per subscribed endpoint. A duplicate correlation
// id is a no-op: no new attempts, no error. Only event persistence failures
// are returned; per-endpoint enqueue hiccups are left to the retry sweep.
func (d *Dispatcher) Trigger(event *models.WebhookEvent) error {
	created, stored, err := d.events.CreateIfNotExists(event)
	if err != nil {
		return err
	}
	if !created {
		log.Debugf("[Dispatcher] duplicate event %s (%s), skipping fan-out", stored.CorrelationID, stored.EventType)
		return nil
	}

	endpoints, err := d.endpoints.ListEnabledForEventType(stored.EventType)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		log.Debugf("[Dispatcher] no endpoints subscribed to %s", stored.EventType)
		return nil
	}

	for _, ep := range endpoints {
		attempt := &models.DeliveryAttempt{
			EventID:     stored.ID,
			EndpointID:  ep.ID,
			State:       models.DeliveryStatePending,
			MaxAttempts: d.maxAttempts,
		}
		createdAttempt, err := d.attempts.CreateIfNotExists(attempt)
		if err != nil {
			log.Errorf("[Dispatcher] create attempt for event %d endpoint %d: %v", stored.ID, ep.ID, err)
			continue
		}
		if !createdAttempt {
			// Already dispatched to this endpoint earlier; retry state stands.
			continue
		}
		if err := d.enqueuer.EnqueueDelivery(attempt.ID, 0); err != nil {
			// The attempt row exists, the sweep picks it up.
			log.Errorf("[Dispatcher] enqueue attempt %d: %v", attempt.ID, err)
		}
	}
	return nil
}
