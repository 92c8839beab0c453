package webhooks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subherald/subherald/app/models"
)

func testEvent(correlationID, eventType string) *models.WebhookEvent {
	return &models.WebhookEvent{
		CorrelationID: correlationID,
		EventType:     eventType,
		SubscriberID:  "sub-1",
		PayloadJSON:   `{"type":"` + eventType + `"}`,
		OccurredAt:    time.Now(),
	}
}

func TestTriggerFansOutToSubscribedEndpoints(t *testing.T) {
	events := newFakeEventRepo()
	attempts := newFakeAttemptRepo()
	endpoints := newFakeEndpointRepo(
		&models.WebhookEndpoint{URL: "https://a.example.com", EventTypes: "*", Enabled: true},
		&models.WebhookEndpoint{URL: "https://b.example.com", EventTypes: "subscription.activated,subscription.expired", Enabled: true},
		&models.WebhookEndpoint{URL: "https://c.example.com", EventTypes: "payment.failed", Enabled: true},
		&models.WebhookEndpoint{URL: "https://d.example.com", EventTypes: "*", Enabled: false},
	)
	enqueuer := &recordingEnqueuer{}
	d := NewDispatcher(events, endpoints, attempts, enqueuer, 5)

	require.NoError(t, d.Trigger(testEvent("corr-1", "subscription.activated")))

	// The wildcard and the explicitly subscribed endpoint get an attempt;
	// the mismatched and the disabled one do not.
	pending, err := attempts.ListByState(models.DeliveryStatePending, 0, 100)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	gotEndpoints := map[uint]bool{}
	for _, a := range pending {
		gotEndpoints[a.EndpointID] = true
		assert.Equal(t, 5, a.MaxAttempts)
		assert.Equal(t, 0, a.Attempts)
	}
	assert.True(t, gotEndpoints[1])
	assert.True(t, gotEndpoints[2])

	assert.Len(t, enqueuer.enqueued, 2)
	assert.Equal(t, []time.Duration{0, 0}, enqueuer.delays)
}

func TestTriggerDuplicateCorrelationIsNoop(t *testing.T) {
	events := newFakeEventRepo()
	attempts := newFakeAttemptRepo()
	endpoints := newFakeEndpointRepo(
		&models.WebhookEndpoint{URL: "https://a.example.com", EventTypes: "*", Enabled: true},
	)
	enqueuer := &recordingEnqueuer{}
	d := NewDispatcher(events, endpoints, attempts, enqueuer, 5)

	require.NoError(t, d.Trigger(testEvent("corr-1", "subscription.renewed")))
	require.NoError(t, d.Trigger(testEvent("corr-1", "subscription.renewed")))

	total, err := events.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	pending, err := attempts.ListByState(models.DeliveryStatePending, 0, 100)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Len(t, enqueuer.enqueued, 1)
}

func TestTriggerDistinctEventsKeepSeparateAttempts(t *testing.T) {
	events := newFakeEventRepo()
	attempts := newFakeAttemptRepo()
	endpoints := newFakeEndpointRepo(
		&models.WebhookEndpoint{URL: "https://a.example.com", EventTypes: "*", Enabled: true},
	)
	enqueuer := &recordingEnqueuer{}
	d := NewDispatcher(events, endpoints, attempts, enqueuer, 5)

	require.NoError(t, d.Trigger(testEvent("corr-1", "subscription.activated")))
	require.NoError(t, d.Trigger(testEvent("corr-2", "subscription.expired")))

	pending, err := attempts.ListByState(models.DeliveryStatePending, 0, 100)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Len(t, enqueuer.enqueued, 2)
}

func TestTriggerWithoutSubscribersStoresEventOnly(t *testing.T) {
	events := newFakeEventRepo()
	attempts := newFakeAttemptRepo()
	endpoints := newFakeEndpointRepo()
	enqueuer := &recordingEnqueuer{}
	d := NewDispatcher(events, endpoints, attempts, enqueuer, 5)

	require.NoError(t, d.Trigger(testEvent("corr-1", "trial.expired")))

	total, err := events.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	pending, err := attempts.ListByState(models.DeliveryStatePending, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, enqueuer.enqueued)
}

func TestNewDispatcherDefaultsMaxAttempts(t *testing.T) {
	d := NewDispatcher(newFakeEventRepo(), newFakeEndpointRepo(), newFakeAttemptRepo(), &recordingEnqueuer{}, 0)
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, d.maxAttempts)
}
