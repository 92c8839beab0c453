package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/subherald/subherald/app/models"
)

// processorEventRepository implements the ProcessorEventRepository interface
type processorEventRepository struct {
	db *gorm.DB
}

// NewProcessorEventRepository creates a new processor event repository instance
func NewProcessorEventRepository(db *gorm.DB) ProcessorEventRepository {
	return &processorEventRepository{db: db}
}

// CreateIfNotExists records an inbound processor notification unless its
// provider event id was seen before. Returns whether this call created the
// row, plus the stored row either way.
func (r *processorEventRepository) CreateIfNotExists(event *models.ProcessorEvent) (bool, *models.ProcessorEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.ProcessorEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// MarkProcessed records the handling outcome. Only a clean run stamps
// processed_at; a failed run leaves the row unstamped with the error, so a
// redelivery of the same provider event gets processed again instead of being
// treated as a duplicate.
func (r *processorEventRepository) MarkProcessed(id uint, processingError string) error {
	updates := map[string]interface{}{
		"processing_error": processingError,
	}
	if processingError == "" {
		now := time.Now()
		updates["processed_at"] = &now
	}
	return r.db.Model(&models.ProcessorEvent{}).Where("id = ?", id).Updates(updates).Error
}
