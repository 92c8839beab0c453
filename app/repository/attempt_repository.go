package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/subherald/subherald/app/models"
)

// attemptRepository implements the AttemptRepository interface
type attemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository creates a new delivery attempt repository instance
func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

// CreateIfNotExists inserts the attempt unless the (event, endpoint) pair is
// already tracked, so re-dispatching an event never resets retry state.
func (r *attemptRepository) CreateIfNotExists(attempt *models.DeliveryAttempt) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "event_id"},
			{Name: "endpoint_id"},
		},
		DoNothing: true,
	}).Create(attempt)
	if tx.Error != nil {
		return false, tx.Error
	}

	created := tx.RowsAffected > 0
	// Ensure ID is populated after the conflict-tolerant insert.
	if err := r.db.Where("event_id = ? AND endpoint_id = ?", attempt.EventID, attempt.EndpointID).
		First(attempt).Error; err != nil {
		return false, err
	}
	return created, nil
}

// GetByID retrieves an attempt by its ID
func (r *attemptRepository) GetByID(id uint) (*models.DeliveryAttempt, error) {
	var attempt models.DeliveryAttempt
	err := r.db.First(&attempt, id).Error
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// Update saves the attempt's retry state
func (r *attemptRepository) Update(attempt *models.DeliveryAttempt) error {
	return r.db.Save(attempt).Error
}

// ListDueRetries returns pending attempts whose next retry time has elapsed,
// oldest first. Attempts with no retry time set are due immediately.
func (r *attemptRepository) ListDueRetries(now time.Time, limit int) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	err := r.db.
		Where("state = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", models.DeliveryStatePending, now).
		Order("next_retry_at ASC").Limit(limit).Find(&attempts).Error
	return attempts, err
}

// ListByState retrieves attempts in one state, newest first
func (r *attemptRepository) ListByState(state models.DeliveryState, offset, limit int) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	err := r.db.Where("state = ?", state).
		Order("updated_at DESC").Offset(offset).Limit(limit).Find(&attempts).Error
	return attempts, err
}

// ListByEndpoint retrieves one endpoint's attempts, newest first
func (r *attemptRepository) ListByEndpoint(endpointID uint, offset, limit int) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	err := r.db.Where("endpoint_id = ?", endpointID).
		Order("updated_at DESC").Offset(offset).Limit(limit).Find(&attempts).Error
	return attempts, err
}

// CountByState returns the number of attempts in one state
func (r *attemptRepository) CountByState(state models.DeliveryState) (int64, error) {
	var count int64
	err := r.db.Model(&models.DeliveryAttempt{}).Where("state = ?", state).Count(&count).Error
	return count, err
}
