package webhooks

import (
	"time"

	"gorm.io/gorm"

	"github.com/subherald/subherald/app/models"
)

// In-memory repositories shared by the dispatcher and engine tests.

type fakeEventRepo struct {
	byID   map[uint]*models.WebhookEvent
	byCorr map[string]*models.WebhookEvent
	nextID uint
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{
		byID:   make(map[uint]*models.WebhookEvent),
		byCorr: make(map[string]*models.WebhookEvent),
	}
}

func (f *fakeEventRepo) CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	if existing, ok := f.byCorr[event.CorrelationID]; ok {
		return false, existing, nil
	}
	f.nextID++
	event.ID = f.nextID
	cp := *event
	f.byID[cp.ID] = &cp
	f.byCorr[cp.CorrelationID] = &cp
	return true, &cp, nil
}

func (f *fakeEventRepo) GetByID(id uint) (*models.WebhookEvent, error) {
	e, ok := f.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEventRepo) GetByCorrelationID(correlationID string) (*models.WebhookEvent, error) {
	e, ok := f.byCorr[correlationID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEventRepo) ListBySubscriber(subscriberID string, offset, limit int) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	for _, e := range f.byID {
		if e.SubscriberID == subscriberID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeEventRepo) Count() (int64, error) { return int64(len(f.byID)), nil }

func (f *fakeEventRepo) CountSince(since time.Time) (int64, error) { return 0, nil }

type fakeEndpointRepo struct {
	byID   map[uint]*models.WebhookEndpoint
	nextID uint
}

func newFakeEndpointRepo(endpoints ...*models.WebhookEndpoint) *fakeEndpointRepo {
	f := &fakeEndpointRepo{byID: make(map[uint]*models.WebhookEndpoint)}
	for _, ep := range endpoints {
		f.Create(ep)
	}
	return f
}

func (f *fakeEndpointRepo) Create(endpoint *models.WebhookEndpoint) error {
	if endpoint.ID == 0 {
		f.nextID++
		endpoint.ID = f.nextID
	} else if endpoint.ID > f.nextID {
		f.nextID = endpoint.ID
	}
	cp := *endpoint
	f.byID[cp.ID] = &cp
	return nil
}

func (f *fakeEndpointRepo) GetByID(id uint) (*models.WebhookEndpoint, error) {
	ep, ok := f.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *ep
	return &cp, nil
}

func (f *fakeEndpointRepo) List(offset, limit int) ([]models.WebhookEndpoint, error) {
	var out []models.WebhookEndpoint
	for _, ep := range f.byID {
		out = append(out, *ep)
	}
	return out, nil
}

func (f *fakeEndpointRepo) ListEnabledForEventType(eventType string) ([]models.WebhookEndpoint, error) {
	var out []models.WebhookEndpoint
	for _, ep := range f.byID {
		if ep.Enabled && ep.SubscribedTo(eventType) {
			out = append(out, *ep)
		}
	}
	return out, nil
}

func (f *fakeEndpointRepo) Update(endpoint *models.WebhookEndpoint) error {
	cp := *endpoint
	f.byID[cp.ID] = &cp
	return nil
}

func (f *fakeEndpointRepo) Delete(id uint) error {
	delete(f.byID, id)
	return nil
}

func (f *fakeEndpointRepo) AddDeliveredCount(id uint, n int64) error {
	if ep, ok := f.byID[id]; ok {
		ep.DeliveredCount += n
	}
	return nil
}

func (f *fakeEndpointRepo) AddExhaustedCount(id uint, n int64) error {
	if ep, ok := f.byID[id]; ok {
		ep.ExhaustedCount += n
	}
	return nil
}

type fakeAttemptRepo struct {
	byID   map[uint]*models.DeliveryAttempt
	nextID uint
}

func newFakeAttemptRepo() *fakeAttemptRepo {
	return &fakeAttemptRepo{byID: make(map[uint]*models.DeliveryAttempt)}
}

func (f *fakeAttemptRepo) CreateIfNotExists(attempt *models.DeliveryAttempt) (bool, error) {
	for _, a := range f.byID {
		if a.EventID == attempt.EventID && a.EndpointID == attempt.EndpointID {
			return false, nil
		}
	}
	f.nextID++
	attempt.ID = f.nextID
	cp := *attempt
	f.byID[cp.ID] = &cp
	return true, nil
}

func (f *fakeAttemptRepo) GetByID(id uint) (*models.DeliveryAttempt, error) {
	a, ok := f.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAttemptRepo) Update(attempt *models.DeliveryAttempt) error {
	cp := *attempt
	f.byID[cp.ID] = &cp
	return nil
}

func (f *fakeAttemptRepo) ListDueRetries(now time.Time, limit int) ([]models.DeliveryAttempt, error) {
	var out []models.DeliveryAttempt
	for _, a := range f.byID {
		if a.RetryDue(now) {
			out = append(out, *a)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeAttemptRepo) ListByState(state models.DeliveryState, offset, limit int) ([]models.DeliveryAttempt, error) {
	var out []models.DeliveryAttempt
	for _, a := range f.byID {
		if a.State == state {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAttemptRepo) ListByEndpoint(endpointID uint, offset, limit int) ([]models.DeliveryAttempt, error) {
	var out []models.DeliveryAttempt
	for _, a := range f.byID {
		if a.EndpointID == endpointID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAttemptRepo) CountByState(state models.DeliveryState) (int64, error) {
	var n int64
	for _, a := range f.byID {
		if a.State == state {
			n++
		}
	}
	return n, nil
}

// recordingEnqueuer collects enqueued attempt ids without executing them.
type recordingEnqueuer struct {
	enqueued []uint
	delays   []time.Duration
}

func (r *recordingEnqueuer) EnqueueDelivery(attemptID uint, delay time.Duration) error {
	r.enqueued = append(r.enqueued, attemptID)
	r.delays = append(r.delays, delay)
	return nil
}
