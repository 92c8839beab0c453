package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/subherald/subherald/app/models"
)

// noticeRepository implements the NoticeRepository interface
type noticeRepository struct {
	db *gorm.DB
}

// NewNoticeRepository creates a new lifecycle notice repository instance
func NewNoticeRepository(db *gorm.DB) NoticeRepository {
	return &noticeRepository{db: db}
}

// CreateIfNotExists is the atomic check-and-set for notice guards: the first
// caller for a (subscriber, kind, window) triple wins, every later caller
// sees created == false.
func (r *noticeRepository) CreateIfNotExists(notice *models.LifecycleNotice) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "subscriber_id"},
			{Name: "kind"},
			{Name: "window_end"},
		},
		DoNothing: true,
	}).Create(notice)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// Exists reports whether a notice was already sent for the window
func (r *noticeRepository) Exists(subscriberID, kind string, windowEnd time.Time) (bool, error) {
	var count int64
	err := r.db.Model(&models.LifecycleNotice{}).
		Where("subscriber_id = ? AND kind = ? AND window_end = ?", subscriberID, kind, windowEnd).
		Count(&count).Error
	return count > 0, err
}
