package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/subherald/subherald/app/models"
)

// eventRepository implements the EventRepository interface
type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new webhook event repository instance
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

// CreateIfNotExists inserts the event unless its correlation id is already
// present. Returns whether this call created the row, plus the stored row
// either way, so dispatchers can act exactly once per transition.
func (r *eventRepository) CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "correlation_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("correlation_id = ?", event.CorrelationID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// GetByID retrieves an event by its ID
func (r *eventRepository) GetByID(id uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.First(&event, id).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// GetByCorrelationID retrieves an event by its correlation id
func (r *eventRepository) GetByCorrelationID(correlationID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.Where("correlation_id = ?", correlationID).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ListBySubscriber retrieves a subscriber's events, newest first
func (r *eventRepository) ListBySubscriber(subscriberID string, offset, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.Where("subscriber_id = ?", subscriberID).
		Order("created_at DESC").Offset(offset).Limit(limit).Find(&events).Error
	return events, err
}

// Count returns the total number of events
func (r *eventRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.WebhookEvent{}).Count(&count).Error
	return count, err
}

// CountSince returns the number of events created at or after since
func (r *eventRepository) CountSince(since time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.WebhookEvent{}).Where("created_at >= ?", since).Count(&count).Error
	return count, err
}
