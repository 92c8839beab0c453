package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/subherald/subherald/app/models"
)

// MirrorRepository defines the interface for subscriber mirror persistence.
// Writes go through UpdateChecked so concurrent reconcilers cannot clobber
// each other with stale state.
type MirrorRepository interface {
	Create(mirror *models.SubscriberMirror) error
	GetBySubscriberID(subscriberID string) (*models.SubscriberMirror, error)
	GetByCustomerRef(customerRef string) (*models.SubscriberMirror, error)
	UpdateChecked(mirror *models.SubscriberMirror) (bool, error)
	ListScannable(afterID uint, limit int) ([]models.SubscriberMirror, error)
	Count() (int64, error)
	Delete(id uint) error
}

// EndpointRepository defines the interface for webhook endpoint lookups.
type EndpointRepository interface {
	Create(endpoint *models.WebhookEndpoint) error
	GetByID(id uint) (*models.WebhookEndpoint, error)
	List(offset, limit int) ([]models.WebhookEndpoint, error)
	ListEnabledForEventType(eventType string) ([]models.WebhookEndpoint, error)
	Update(endpoint *models.WebhookEndpoint) error
	Delete(id uint) error
	AddDeliveredCount(id uint, n int64) error
	AddExhaustedCount(id uint, n int64) error
}

// EventRepository defines the interface for built webhook events.
type EventRepository interface {
	CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	GetByID(id uint) (*models.WebhookEvent, error)
	GetByCorrelationID(correlationID string) (*models.WebhookEvent, error)
	ListBySubscriber(subscriberID string, offset, limit int) ([]models.WebhookEvent, error)
	Count() (int64, error)
	CountSince(since time.Time) (int64, error)
}

// AttemptRepository defines the interface for delivery attempt records.
type AttemptRepository interface {
	CreateIfNotExists(attempt *models.DeliveryAttempt) (bool, error)
	GetByID(id uint) (*models.DeliveryAttempt, error)
	Update(attempt *models.DeliveryAttempt) error
	ListDueRetries(now time.Time, limit int) ([]models.DeliveryAttempt, error)
	ListByState(state models.DeliveryState, offset, limit int) ([]models.DeliveryAttempt, error)
	ListByEndpoint(endpointID uint, offset, limit int) ([]models.DeliveryAttempt, error)
	CountByState(state models.DeliveryState) (int64, error)
}

// NoticeRepository defines the interface for lifecycle notice guards.
type NoticeRepository interface {
	CreateIfNotExists(notice *models.LifecycleNotice) (bool, error)
	Exists(subscriberID, kind string, windowEnd time.Time) (bool, error)
}

// ProcessorEventRepository defines the interface for inbound processor
// webhook deduplication records.
type ProcessorEventRepository interface {
	CreateIfNotExists(event *models.ProcessorEvent) (bool, *models.ProcessorEvent, error)
	MarkProcessed(id uint, processingError string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Mirror         MirrorRepository
	Endpoint       EndpointRepository
	Event          EventRepository
	Attempt        AttemptRepository
	Notice         NoticeRepository
	ProcessorEvent ProcessorEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Mirror:         NewMirrorRepository(db),
		Endpoint:       NewEndpointRepository(db),
		Event:          NewEventRepository(db),
		Attempt:        NewAttemptRepository(db),
		Notice:         NewNoticeRepository(db),
		ProcessorEvent: NewProcessorEventRepository(db),
	}
}
