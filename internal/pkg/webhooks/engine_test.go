package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subherald/subherald/app/models"
	"github.com/subherald/subherald/pkg/signature"
)

type engineFixture struct {
	events    *fakeEventRepo
	endpoints *fakeEndpointRepo
	attempts  *fakeAttemptRepo
	enqueuer  *recordingEnqueuer
	engine    *Engine
	clock     *time.Time
}

func newEngineFixture(t *testing.T, cfg EngineConfig) *engineFixture {
	t.Helper()
	f := &engineFixture{
		events:    newFakeEventRepo(),
		endpoints: newFakeEndpointRepo(),
		attempts:  newFakeAttemptRepo(),
		enqueuer:  &recordingEnqueuer{},
	}
	cfg.Attempts = f.attempts
	cfg.Events = f.events
	cfg.Endpoints = f.endpoints
	cfg.Enqueuer = f.enqueuer
	if cfg.Policy == nil {
		cfg.Policy = NewRetryPolicy(RetryConfig{
			MaxAttempts:       5,
			InitialDelay:      10 * time.Second,
			MaxDelay:          time.Minute,
			BackoffMultiplier: 2.0,
			JitterFraction:    0,
		})
	}
	f.engine = NewEngine(cfg)

	start := time.Now()
	f.clock = &start
	f.engine.now = func() time.Time { return *f.clock }
	return f
}

func (f *engineFixture) seed(t *testing.T, url string, maxAttempts int) (*models.WebhookEvent, *models.WebhookEndpoint, *models.DeliveryAttempt) {
	t.Helper()
	endpoint := &models.WebhookEndpoint{
		URL:        url,
		Secret:     "whsec_test",
		EventTypes: "*",
		Enabled:    true,
	}
	require.NoError(t, f.endpoints.Create(endpoint))

	_, event, err := f.events.CreateIfNotExists(&models.WebhookEvent{
		CorrelationID: "corr-" + strconv.FormatUint(uint64(endpoint.ID), 10),
		EventType:     "subscription.activated",
		SubscriberID:  "sub-1",
		PayloadJSON:   `{"type":"subscription.activated"}`,
		OccurredAt:    *f.clock,
	})
	require.NoError(t, err)

	attempt := &models.DeliveryAttempt{
		EventID:     event.ID,
		EndpointID:  endpoint.ID,
		State:       models.DeliveryStatePending,
		MaxAttempts: maxAttempts,
	}
	created, err := f.attempts.CreateIfNotExists(attempt)
	require.NoError(t, err)
	require.True(t, created)
	return event, endpoint, attempt
}

// drain resubmits the attempt until it goes terminal, advancing the fake
// clock past each scheduled retry the way elapsed queue delays would.
func (f *engineFixture) drain(t *testing.T, attemptID uint, maxRounds int) *models.DeliveryAttempt {
	t.Helper()
	for i := 0; i < maxRounds; i++ {
		require.NoError(t, f.engine.Send(context.Background(), attemptID))
		attempt, err := f.attempts.GetByID(attemptID)
		require.NoError(t, err)
		if attempt.Terminal() {
			return attempt
		}
		if attempt.NextRetryAt != nil {
			*f.clock = attempt.NextRetryAt.Add(time.Second)
		}
	}
	t.Fatalf("attempt %d still pending after %d rounds", attemptID, maxRounds)
	return nil
}

func TestSendDeliversAndSigns(t *testing.T) {
	var gotEvent, gotDelivery string
	var sigErr error
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotEvent = r.Header.Get("X-SubHerald-Event")
		gotDelivery = r.Header.Get("X-SubHerald-Delivery")
		ts, err := strconv.ParseInt(r.Header.Get(signature.TimestampHeader), 10, 64)
		if err != nil {
			sigErr = err
		} else if signature.Sign("whsec_test", ts, body) != r.Header.Get(signature.SignatureHeader) {
			sigErr = signature.ErrInvalidSignature
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var delivered atomic.Int32
	f := newEngineFixture(t, EngineConfig{
		OnDelivered: func(uint) { delivered.Add(1) },
	})
	_, _, attempt := f.seed(t, server.URL, 5)

	require.NoError(t, f.engine.Send(context.Background(), attempt.ID))

	stored, err := f.attempts.GetByID(attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStateDelivered, stored.State)
	assert.Equal(t, models.OutcomeSuccess, stored.LastOutcome)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, http.StatusOK, stored.LastHTTPStatus)
	assert.NotNil(t, stored.DeliveredAt)
	assert.Equal(t, int32(1), delivered.Load())

	assert.Equal(t, "subscription.activated", gotEvent)
	assert.Equal(t, strconv.FormatUint(uint64(attempt.ID), 10), gotDelivery)
	assert.NoError(t, sigErr)
}

func TestSendRetriesTransientThenDelivers(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newEngineFixture(t, EngineConfig{})
	_, _, attempt := f.seed(t, server.URL, 5)

	stored := f.drain(t, attempt.ID, 5)
	assert.Equal(t, models.DeliveryStateDelivered, stored.State)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	// The two transient failures each queued a delayed re-send.
	assert.Len(t, f.enqueuer.enqueued, 2)
	for _, d := range f.enqueuer.delays {
		assert.Greater(t, d, time.Duration(0))
	}
}

func TestSendSkipsAttemptsNotYetDue(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newEngineFixture(t, EngineConfig{})
	_, _, attempt := f.seed(t, server.URL, 5)

	future := f.clock.Add(time.Hour)
	attempt.NextRetryAt = &future
	require.NoError(t, f.attempts.Update(attempt))

	require.NoError(t, f.engine.Send(context.Background(), attempt.ID))
	assert.Equal(t, int32(0), calls.Load())

	stored, err := f.attempts.GetByID(attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatePending, stored.State)
	assert.Equal(t, 0, stored.Attempts)
}

func TestSendSkipsTerminalAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newEngineFixture(t, EngineConfig{})
	_, _, attempt := f.seed(t, server.URL, 5)
	attempt.MarkDelivered(http.StatusOK, *f.clock)
	require.NoError(t, f.attempts.Update(attempt))

	require.NoError(t, f.engine.Send(context.Background(), attempt.ID))
	assert.Equal(t, int32(0), calls.Load())
}

func TestSendPermanentRejectionExhaustsImmediately(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	var alertTo, alertSubject string
	f := newEngineFixture(t, EngineConfig{
		Alert: func(to, subject, body string) error {
			alertTo = to
			alertSubject = subject
			return nil
		},
	})
	_, endpoint, attempt := f.seed(t, server.URL, 5)
	endpoint.ContactEmail = "owner@example.com"
	require.NoError(t, f.endpoints.Update(endpoint))

	require.NoError(t, f.engine.Send(context.Background(), attempt.ID))

	stored, err := f.attempts.GetByID(attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStateExhausted, stored.State)
	assert.Equal(t, models.OutcomePermanentRejection, stored.LastOutcome)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, http.StatusGone, stored.LastHTTPStatus)
	assert.Empty(t, f.enqueuer.enqueued)
	// Permanent rejections go to the endpoint contact, not the operator.
	assert.Equal(t, "owner@example.com", alertTo)
	assert.Contains(t, alertSubject, "rejected")
}

type recordingArchiver struct {
	attemptIDs []uint
}

func (r *recordingArchiver) ArchiveExhausted(ctx context.Context, event *models.WebhookEvent, endpoint *models.WebhookEndpoint, attempt *models.DeliveryAttempt) error {
	r.attemptIDs = append(r.attemptIDs, attempt.ID)
	return nil
}

func TestSendExhaustsAfterRetryBudget(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var alertTo string
	archive := &recordingArchiver{}
	var exhausted atomic.Int32
	f := newEngineFixture(t, EngineConfig{
		OperatorEmail: "ops@example.com",
		Alert: func(to, subject, body string) error {
			alertTo = to
			return nil
		},
		Archive:     archive,
		OnExhausted: func(uint) { exhausted.Add(1) },
	})
	_, _, attempt := f.seed(t, server.URL, 3)

	stored := f.drain(t, attempt.ID, 5)
	assert.Equal(t, models.DeliveryStateExhausted, stored.State)
	assert.Equal(t, models.OutcomeTransientFailure, stored.LastOutcome)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.NotNil(t, stored.ExhaustedAt)
	// Exhausted transient budgets alert the operator and hit the archive.
	assert.Equal(t, "ops@example.com", alertTo)
	assert.Equal(t, []uint{attempt.ID}, archive.attemptIDs)
	assert.Equal(t, int32(1), exhausted.Load())
}

func TestSendIsolatesEndpointFailures(t *testing.T) {
	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okServer.Close()
	goneServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer goneServer.Close()

	f := newEngineFixture(t, EngineConfig{})
	_, event, err := f.events.CreateIfNotExists(&models.WebhookEvent{
		CorrelationID: "corr-iso",
		EventType:     "subscription.expired",
		SubscriberID:  "sub-1",
		PayloadJSON:   `{"type":"subscription.expired"}`,
		OccurredAt:    *f.clock,
	})
	require.NoError(t, err)

	good := &models.WebhookEndpoint{URL: okServer.URL, Secret: "s1", EventTypes: "*", Enabled: true}
	bad := &models.WebhookEndpoint{URL: goneServer.URL, Secret: "s2", EventTypes: "*", Enabled: true}
	require.NoError(t, f.endpoints.Create(good))
	require.NoError(t, f.endpoints.Create(bad))

	var attemptIDs []uint
	for _, ep := range []*models.WebhookEndpoint{good, bad} {
		attempt := &models.DeliveryAttempt{EventID: event.ID, EndpointID: ep.ID, State: models.DeliveryStatePending, MaxAttempts: 5}
		_, err := f.attempts.CreateIfNotExists(attempt)
		require.NoError(t, err)
		attemptIDs = append(attemptIDs, attempt.ID)
	}

	for _, id := range attemptIDs {
		require.NoError(t, f.engine.Send(context.Background(), id))
	}

	goodAttempt, err := f.attempts.GetByID(attemptIDs[0])
	require.NoError(t, err)
	badAttempt, err := f.attempts.GetByID(attemptIDs[1])
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStateDelivered, goodAttempt.State)
	assert.Equal(t, models.DeliveryStateExhausted, badAttempt.State)
	assert.Equal(t, models.OutcomePermanentRejection, badAttempt.LastOutcome)
}

func TestSendDisabledEndpointExhaustsWithoutRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	var attempted, exhausted atomic.Int32
	f := newEngineFixture(t, EngineConfig{
		OnAttempted: func(uint) { attempted.Add(1) },
		OnExhausted: func(uint) { exhausted.Add(1) },
	})
	_, endpoint, attempt := f.seed(t, server.URL, 5)
	endpoint.Enabled = false
	require.NoError(t, f.endpoints.Update(endpoint))

	require.NoError(t, f.engine.Send(context.Background(), attempt.ID))
	assert.Equal(t, int32(0), calls.Load())

	stored, err := f.attempts.GetByID(attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStateExhausted, stored.State)
	assert.Equal(t, models.OutcomePermanentRejection, stored.LastOutcome)
	assert.Equal(t, "endpoint disabled", stored.LastError)
	// The counters must stay consistent: one attempted, one exhausted.
	assert.Equal(t, int32(1), attempted.Load())
	assert.Equal(t, int32(1), exhausted.Load())
}

func TestSendUnreachableEndpointSchedulesRetry(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})
	// Closed immediately so the port refuses connections.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, _, attempt := f.seed(t, url, 5)
	require.NoError(t, f.engine.Send(context.Background(), attempt.ID))

	stored, err := f.attempts.GetByID(attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatePending, stored.State)
	assert.Equal(t, models.OutcomeTransientFailure, stored.LastOutcome)
	assert.Equal(t, 1, stored.Attempts)
	assert.NotEmpty(t, stored.LastError)
	require.NotNil(t, stored.NextRetryAt)
	assert.True(t, stored.NextRetryAt.After(*f.clock))
	assert.Equal(t, []uint{attempt.ID}, f.enqueuer.enqueued)
}

func TestRetryFailedWebhooksResubmitsOnlyDue(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{})

	due := &models.DeliveryAttempt{EventID: 1, EndpointID: 1, State: models.DeliveryStatePending, MaxAttempts: 5}
	_, err := f.attempts.CreateIfNotExists(due)
	require.NoError(t, err)

	future := f.clock.Add(time.Hour)
	notDue := &models.DeliveryAttempt{EventID: 1, EndpointID: 2, State: models.DeliveryStatePending, MaxAttempts: 5, NextRetryAt: &future}
	_, err = f.attempts.CreateIfNotExists(notDue)
	require.NoError(t, err)

	done := &models.DeliveryAttempt{EventID: 1, EndpointID: 3, State: models.DeliveryStateDelivered, MaxAttempts: 5}
	_, err = f.attempts.CreateIfNotExists(done)
	require.NoError(t, err)

	n, err := f.engine.RetryFailedWebhooks()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint{due.ID}, f.enqueuer.enqueued)
	assert.Equal(t, []time.Duration{0}, f.enqueuer.delays)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   models.DeliveryOutcome
	}{
		{"network error", 0, context.DeadlineExceeded, models.OutcomeTransientFailure},
		{"200", http.StatusOK, nil, models.OutcomeSuccess},
		{"204", http.StatusNoContent, nil, models.OutcomeSuccess},
		{"400", http.StatusBadRequest, nil, models.OutcomePermanentRejection},
		{"404", http.StatusNotFound, nil, models.OutcomePermanentRejection},
		{"410", http.StatusGone, nil, models.OutcomePermanentRejection},
		{"429 is retryable", http.StatusTooManyRequests, nil, models.OutcomeTransientFailure},
		{"500", http.StatusInternalServerError, nil, models.OutcomeTransientFailure},
		{"503", http.StatusServiceUnavailable, nil, models.OutcomeTransientFailure},
		{"301", http.StatusMovedPermanently, nil, models.OutcomeTransientFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.status, tt.err))
		})
	}
}
