package models

import "time"

// Notice kinds recorded by the lifecycle scheduler.
const (
	NoticeTrialExpiring        = "trial_expiring"
	NoticeGraceEnding          = "grace_ending"
	NoticeSubscriptionExpiring = "subscription_expiring"
)

// LifecycleNotice is the persisted idempotency guard for "expiring soon"
// notifications. The unique index over (subscriber, kind, window end) makes
// the guard an atomic insert: the marker is keyed by the window it refers to,
// not by wall-clock day, so scheduler restarts never double-send.
type LifecycleNotice struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SubscriberID string    `gorm:"type:varchar(64);not null;index:ux_lifecycle_notices_sub_kind_window,unique,priority:1" json:"subscriber_id"`
	Kind         string    `gorm:"type:varchar(32);not null;index:ux_lifecycle_notices_sub_kind_window,unique,priority:2" json:"kind"`
	WindowEnd    time.Time `gorm:"type:timestamp;not null;index:ux_lifecycle_notices_sub_kind_window,unique,priority:3" json:"window_end"`
	SentAt       time.Time `gorm:"autoCreateTime" json:"sent_at"`
}
