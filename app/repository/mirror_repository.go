package repository

import (
	"gorm.io/gorm"

	"github.com/subherald/subherald/app/models"
)

// mirrorRepository implements the MirrorRepository interface
type mirrorRepository struct {
	db *gorm.DB
}

// NewMirrorRepository creates a new subscriber mirror repository instance
func NewMirrorRepository(db *gorm.DB) MirrorRepository {
	return &mirrorRepository{db: db}
}

// Create inserts a freshly provisioned mirror
func (r *mirrorRepository) Create(mirror *models.SubscriberMirror) error {
	return r.db.Create(mirror).Error
}

// GetBySubscriberID retrieves the mirror for one account
func (r *mirrorRepository) GetBySubscriberID(subscriberID string) (*models.SubscriberMirror, error) {
	var mirror models.SubscriberMirror
	err := r.db.Where("subscriber_id = ?", subscriberID).First(&mirror).Error
	if err != nil {
		return nil, err
	}
	return &mirror, nil
}

// GetByCustomerRef retrieves the mirror owning a processor customer reference
func (r *mirrorRepository) GetByCustomerRef(customerRef string) (*models.SubscriberMirror, error) {
	var mirror models.SubscriberMirror
	err := r.db.Where("customer_ref = ?", customerRef).First(&mirror).Error
	if err != nil {
		return nil, err
	}
	return &mirror, nil
}

// UpdateChecked writes all mirror fields in one conditional update keyed on
// the lock version read earlier. Returns false when another writer got there
// first; the row is then left exactly as that writer produced it.
func (r *mirrorRepository) UpdateChecked(mirror *models.SubscriberMirror) (bool, error) {
	prevVersion := mirror.LockVersion
	mirror.LockVersion = prevVersion + 1

	tx := r.db.Model(&models.SubscriberMirror{}).
		Where("id = ? AND lock_version = ?", mirror.ID, prevVersion).
		Updates(map[string]interface{}{
			"customer_ref":          mirror.CustomerRef,
			"subscription_ref":      mirror.SubscriptionRef,
			"status":                mirror.Status,
			"plan_id":               mirror.PlanID,
			"trial_start":           mirror.TrialStart,
			"trial_end":             mirror.TrialEnd,
			"period_start":          mirror.PeriodStart,
			"period_end":            mirror.PeriodEnd,
			"cancel_at_period_end":  mirror.CancelAtPeriodEnd,
			"cancel_effective_at":   mirror.CancelEffectiveAt,
			"cancellation_occurred": mirror.CancellationOccurred,
			"lock_version":          mirror.LockVersion,
		})
	if tx.Error != nil {
		mirror.LockVersion = prevVersion
		return false, tx.Error
	}
	if tx.RowsAffected == 0 {
		mirror.LockVersion = prevVersion
		return false, nil
	}
	return true, nil
}

// ListScannable pages through mirrors the scheduler still has work for; only
// expired mirrors have no time-based transitions left. Keyset pagination on
// the id, so rows transitioning out of the scannable set mid-scan do not
// shift later rows across page boundaries.
func (r *mirrorRepository) ListScannable(afterID uint, limit int) ([]models.SubscriberMirror, error) {
	var mirrors []models.SubscriberMirror
	err := r.db.
		Where("id > ? AND status IN ?", afterID, []models.LifecycleStatus{
			models.StatusTrial, models.StatusActive, models.StatusGracePeriod, models.StatusCancelled,
		}).
		Order("id ASC").Limit(limit).Find(&mirrors).Error
	return mirrors, err
}

// Count returns the total number of mirrors
func (r *mirrorRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.SubscriberMirror{}).Count(&count).Error
	return count, err
}

// Delete removes a mirror; only account deletion goes through here
func (r *mirrorRepository) Delete(id uint) error {
	return r.db.Delete(&models.SubscriberMirror{}, id).Error
}
