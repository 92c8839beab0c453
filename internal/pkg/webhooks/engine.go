package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/hibiken/asynq"

	"github.com/subherald/subherald/app/models"
	"github.com/subherald/subherald/app/repository"
	"github.com/subherald/subherald/pkg/signature"
)

const (
	eventTypeHeader = "X-SubHerald-Event"
	deliveryHeader  = "X-SubHerald-Delivery"

	defaultHTTPTimeout = 15 * time.Second
	sweepBatchSize     = 200
)

// Archiver stores the payload and final state of exhausted attempts for
// offline inspection. Optional; nil disables archiving.
type Archiver interface {
	ArchiveExhausted(ctx context.Context, event *models.WebhookEvent, endpoint *models.WebhookEndpoint, attempt *models.DeliveryAttempt) error
}

// EngineConfig wires the retry engine. Alert, counter hooks and Archive may
// be nil.
type EngineConfig struct {
	Attempts  repository.AttemptRepository
	Events    repository.EventRepository
	Endpoints repository.EndpointRepository
	Enqueuer  TaskEnqueuer
	Policy    *RetryPolicy

	HTTPClient    *http.Client
	OperatorEmail string
	Alert         func(to, subject, body string) error
	Archive       Archiver

	OnAttempted func(endpointID uint)
	OnDelivered func(endpointID uint)
	OnExhausted func(endpointID uint)
}

// Engine performs the actual HTTP deliveries and owns the per-attempt retry
// state machine: pending -> delivered, or pending -> pending with a future
// retry time, or pending -> exhausted.
type Engine struct {
	cfg    EngineConfig
	client *http.Client
	policy *RetryPolicy
	now    func() time.Time
}

// NewEngine creates the retry engine.
func NewEngine(cfg EngineConfig) *Engine {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	policy := cfg.Policy
	if policy == nil {
		policy = NewRetryPolicy(DefaultRetryConfig())
	}
	return &Engine{cfg: cfg, client: client, policy: policy, now: time.Now}
}

// HandleDeliveryTask is the asynq handler for delivery tasks.
func (e *Engine) HandleDeliveryTask(ctx context.Context, task *asynq.Task) error {
	var payload DeliveryTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	return e.Send(ctx, payload.AttemptID)
}

// Send performs one delivery for the attempt and records the outcome. It is
// safe to call for attempts that are already terminal or not yet due; those
// are skipped, which makes the sweep and in-flight tasks overlap harmlessly.
// Send never returns delivery failures: retries and exhaustion are handled
// on the attempt row.
func (e *Engine) Send(ctx context.Context, attemptID uint) error {
	attempt, err := e.cfg.Attempts.GetByID(attemptID)
	if err != nil {
		return err
	}
	now := e.now()
	if attempt.Terminal() || !attempt.RetryDue(now) {
		return nil
	}

	event, err := e.cfg.Events.GetByID(attempt.EventID)
	if err != nil {
		return err
	}
	endpoint, err := e.cfg.Endpoints.GetByID(attempt.EndpointID)
	if err != nil {
		return err
	}
	if !endpoint.Enabled {
		// Counts as an attempt even though no request goes out: MarkExhausted
		// consumes one send, and exhausted must never outrun attempted.
		e.count(e.cfg.OnAttempted, endpoint.ID)
		return e.exhaust(ctx, attempt, event, endpoint, models.OutcomePermanentRejection, 0, "endpoint disabled")
	}

	e.count(e.cfg.OnAttempted, endpoint.ID)
	status, sendErr := e.post(ctx, event, endpoint, attempt)

	switch classify(status, sendErr) {
	case models.OutcomeSuccess:
		attempt.MarkDelivered(status, now)
		if err := e.cfg.Attempts.Update(attempt); err != nil {
			return err
		}
		e.count(e.cfg.OnDelivered, endpoint.ID)
		log.Debugf("[RetryEngine] delivered event %s to endpoint %d (attempt %d)",
			event.CorrelationID, endpoint.ID, attempt.Attempts)
		return nil

	case models.OutcomePermanentRejection:
		return e.exhaust(ctx, attempt, event, endpoint, models.OutcomePermanentRejection, status,
			fmt.Sprintf("endpoint rejected delivery with status %d", status))

	default:
		errMsg := fmt.Sprintf("http status %d", status)
		if sendErr != nil {
			errMsg = sendErr.Error()
		}
		if !attempt.RetriesLeft() {
			return e.exhaust(ctx, attempt, event, endpoint, models.OutcomeTransientFailure, status, errMsg)
		}
		nextCount := attempt.Attempts + 1
		retryAt := e.policy.NextRetryTime(now, nextCount)
		attempt.MarkTransientFailure(status, errMsg, retryAt)
		if err := e.cfg.Attempts.Update(attempt); err != nil {
			return err
		}
		if err := e.cfg.Enqueuer.EnqueueDelivery(attempt.ID, retryAt.Sub(now)); err != nil {
			// Row carries the retry time, the sweep is the safety net.
			log.Errorf("[RetryEngine] re-enqueue attempt %d: %v", attempt.ID, err)
		}
		log.Warnf("[RetryEngine] transient failure for attempt %d (send %d/%d, retry at %s): %s",
			attempt.ID, attempt.Attempts, attempt.MaxAttempts, retryAt.Format(time.RFC3339), errMsg)
		return nil
	}
}

// RetryFailedWebhooks scans all non-terminal attempts whose retry time has
// elapsed and resubmits them. Besides serving overdue backoff retries it
// recovers tasks the queue lost, e.g. after a crash between row creation and
// enqueue.
func (e *Engine) RetryFailedWebhooks() (int, error) {
	due, err := e.cfg.Attempts.ListDueRetries(e.now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}
	resubmitted := 0
	for i := range due {
		if err := e.cfg.Enqueuer.EnqueueDelivery(due[i].ID, 0); err != nil {
			log.Errorf("[RetryEngine] sweep enqueue attempt %d: %v", due[i].ID, err)
			continue
		}
		resubmitted++
	}
	if resubmitted > 0 {
		log.Infof("[RetryEngine] sweep resubmitted %d due attempts", resubmitted)
	}
	return resubmitted, nil
}

func (e *Engine) post(ctx context.Context, event *models.WebhookEvent, endpoint *models.WebhookEndpoint, attempt *models.DeliveryAttempt) (int, error) {
	body := []byte(event.PayloadJSON)
	ts := e.now().Unix()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SubHerald-Webhooks/1.0")
	req.Header.Set(eventTypeHeader, event.EventType)
	req.Header.Set(deliveryHeader, strconv.FormatUint(uint64(attempt.ID), 10))
	req.Header.Set(signature.TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(signature.SignatureHeader, signature.Sign(endpoint.Secret, ts, body))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// exhaust makes the attempt terminal and surfaces it: the endpoint contact
// hears about permanent rejections, the operator about used-up retry
// budgets, and the archive keeps the payload when configured.
func (e *Engine) exhaust(ctx context.Context, attempt *models.DeliveryAttempt, event *models.WebhookEvent, endpoint *models.WebhookEndpoint, outcome models.DeliveryOutcome, status int, errMsg string) error {
	attempt.MarkExhausted(outcome, status, errMsg, e.now())
	if err := e.cfg.Attempts.Update(attempt); err != nil {
		return err
	}
	e.count(e.cfg.OnExhausted, endpoint.ID)

	if outcome == models.OutcomePermanentRejection {
		log.Errorf("[RetryEngine] attempt %d for event %s: %v (%s)",
			attempt.ID, event.CorrelationID, ErrPermanentDelivery, errMsg)
		e.notify(endpoint.ContactEmail,
			fmt.Sprintf("Webhook delivery to %s rejected", endpoint.URL),
			fmt.Sprintf("Delivery of event %s (%s) was rejected permanently: %s. No further retries will be made.",
				event.CorrelationID, event.EventType, errMsg))
	} else {
		log.Errorf("[RetryEngine] attempt %d for event %s: %v after %d sends (%s)",
			attempt.ID, event.CorrelationID, ErrRetriesExhausted, attempt.Attempts, errMsg)
		e.notify(e.cfg.OperatorEmail,
			fmt.Sprintf("Webhook delivery to endpoint %d exhausted", endpoint.ID),
			fmt.Sprintf("Event %s (%s) could not be delivered to %s after %d attempts. Last error: %s",
				event.CorrelationID, event.EventType, endpoint.URL, attempt.Attempts, errMsg))
	}

	if e.cfg.Archive != nil {
		if err := e.cfg.Archive.ArchiveExhausted(ctx, event, endpoint, attempt); err != nil {
			log.Errorf("[RetryEngine] archive attempt %d: %v", attempt.ID, err)
		}
	}
	return nil
}

func (e *Engine) notify(to, subject, body string) {
	if e.cfg.Alert == nil || to == "" {
		return
	}
	if err := e.cfg.Alert(to, subject, body); err != nil {
		log.Errorf("[RetryEngine] alert mail to %s: %v", to, err)
	}
}

func (e *Engine) count(hook func(uint), endpointID uint) {
	if hook != nil {
		hook(endpointID)
	}
}

// classify buckets one send result. 2xx delivered, 4xx except 429 permanent,
// everything else (network error, timeout, 5xx, 429) transient.
func classify(status int, err error) models.DeliveryOutcome {
	switch {
	case err != nil:
		return models.OutcomeTransientFailure
	case status >= 200 && status < 300:
		return models.OutcomeSuccess
	case status == http.StatusTooManyRequests:
		return models.OutcomeTransientFailure
	case status >= 400 && status < 500:
		return models.OutcomePermanentRejection
	default:
		return models.OutcomeTransientFailure
	}
}
