package models

import "time"

// WebhookEvent is one built lifecycle event. The payload is immutable once
// built; the correlation id is the idempotency key, inserting the same
// transition twice is a no-op. One event fans out to many delivery attempts.
type WebhookEvent struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	CorrelationID string    `gorm:"type:varchar(64);not null;index:ux_webhook_events_correlation,unique" json:"correlation_id"`
	EventType     string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	SubscriberID  string    `gorm:"type:varchar(64);not null;index" json:"subscriber_id"`
	PayloadJSON   string    `gorm:"type:longtext;not null" json:"payload_json"`
	OccurredAt    time.Time `gorm:"type:timestamp;not null" json:"occurred_at"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
