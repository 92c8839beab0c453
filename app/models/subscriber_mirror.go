package models

import "time"

// LifecycleStatus is the locally derived subscription lifecycle state.
// It is a closed set; transition validity lives in internal/pkg/lifecycle.
type LifecycleStatus string

const (
	StatusTrial       LifecycleStatus = "trial"
	StatusActive      LifecycleStatus = "active"
	StatusGracePeriod LifecycleStatus = "grace_period"
	StatusCancelled   LifecycleStatus = "cancelled"
	StatusExpired     LifecycleStatus = "expired"
)

// Terminal reports whether no further lifecycle transitions leave this status.
func (s LifecycleStatus) Terminal() bool {
	return s == StatusExpired
}

// SubscriberMirror is the locally persisted copy of one subscriber's billing
// lifecycle state as derived from the external processor. One row per account,
// created on provisioning (implicitly trial). Only the reconciler and the
// lifecycle scheduler mutate it.
type SubscriberMirror struct {
	ID                  uint            `gorm:"primaryKey" json:"id"`
	SubscriberID        string          `gorm:"type:varchar(64);not null;index:ux_subscriber_mirrors_subscriber,unique" json:"subscriber_id"`
	CustomerRef         string          `gorm:"type:varchar(191);not null;default:'';index" json:"customer_ref"`
	SubscriptionRef     string          `gorm:"type:varchar(191);not null;default:'';index" json:"subscription_ref"`
	Status              LifecycleStatus `gorm:"type:varchar(20);not null;default:'trial';index" json:"status"`
	PlanID              string          `gorm:"type:varchar(50);not null;default:''" json:"plan_id"`
	TrialStart          *time.Time      `gorm:"type:timestamp;default:null" json:"trial_start,omitempty"`
	TrialEnd            *time.Time      `gorm:"type:timestamp;default:null" json:"trial_end,omitempty"`
	PeriodStart         *time.Time      `gorm:"type:timestamp;default:null" json:"period_start,omitempty"`
	PeriodEnd           *time.Time      `gorm:"type:timestamp;default:null" json:"period_end,omitempty"`
	CancelAtPeriodEnd   bool            `gorm:"default:false" json:"cancel_at_period_end"`
	CancelEffectiveAt   *time.Time      `gorm:"type:timestamp;default:null" json:"cancel_effective_at,omitempty"`
	CancellationOccurred bool            `gorm:"default:false" json:"cancellation_occurred"`
	LockVersion         uint            `gorm:"not null;default:0" json:"-"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// TrialExpired reports whether the mirrored trial window has ended at now.
func (m *SubscriberMirror) TrialExpired(now time.Time) bool {
	return m.TrialEnd != nil && now.After(*m.TrialEnd)
}

// PeriodEnded reports whether the mirrored billing period has ended at now.
func (m *SubscriberMirror) PeriodEnded(now time.Time) bool {
	return m.PeriodEnd != nil && now.After(*m.PeriodEnd)
}
