package repository

import (
	"gorm.io/gorm"

	"github.com/subherald/subherald/app/models"
)

// endpointRepository implements the EndpointRepository interface
type endpointRepository struct {
	db *gorm.DB
}

// NewEndpointRepository creates a new webhook endpoint repository instance
func NewEndpointRepository(db *gorm.DB) EndpointRepository {
	return &endpointRepository{db: db}
}

// Create registers a new endpoint
func (r *endpointRepository) Create(endpoint *models.WebhookEndpoint) error {
	return r.db.Create(endpoint).Error
}

// GetByID retrieves an endpoint by its ID
func (r *endpointRepository) GetByID(id uint) (*models.WebhookEndpoint, error) {
	var endpoint models.WebhookEndpoint
	err := r.db.First(&endpoint, id).Error
	if err != nil {
		return nil, err
	}
	return &endpoint, nil
}

// List retrieves endpoints with pagination
func (r *endpointRepository) List(offset, limit int) ([]models.WebhookEndpoint, error) {
	var endpoints []models.WebhookEndpoint
	err := r.db.Order("id ASC").Offset(offset).Limit(limit).Find(&endpoints).Error
	return endpoints, err
}

// ListEnabledForEventType returns every enabled endpoint subscribed to the
// given event type. Subscription lists are comma-separated in one column, so
// the type match happens here rather than in SQL.
func (r *endpointRepository) ListEnabledForEventType(eventType string) ([]models.WebhookEndpoint, error) {
	var enabled []models.WebhookEndpoint
	if err := r.db.Where("enabled = ?", true).Find(&enabled).Error; err != nil {
		return nil, err
	}

	matched := make([]models.WebhookEndpoint, 0, len(enabled))
	for _, ep := range enabled {
		if ep.SubscribedTo(eventType) {
			matched = append(matched, ep)
		}
	}
	return matched, nil
}

// Update saves endpoint changes
func (r *endpointRepository) Update(endpoint *models.WebhookEndpoint) error {
	return r.db.Save(endpoint).Error
}

// Delete removes an endpoint
func (r *endpointRepository) Delete(id uint) error {
	return r.db.Delete(&models.WebhookEndpoint{}, id).Error
}

// AddDeliveredCount applies a batched delivered-counter increment
func (r *endpointRepository) AddDeliveredCount(id uint, n int64) error {
	return r.db.Model(&models.WebhookEndpoint{}).Where("id = ?", id).
		UpdateColumn("delivered_count", gorm.Expr("delivered_count + ?", n)).Error
}

// AddExhaustedCount applies a batched exhausted-counter increment
func (r *endpointRepository) AddExhaustedCount(id uint, n int64) error {
	return r.db.Model(&models.WebhookEndpoint{}).Where("id = ?", id).
		UpdateColumn("exhausted_count", gorm.Expr("exhausted_count + ?", n)).Error
}
