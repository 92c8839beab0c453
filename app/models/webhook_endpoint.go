package models

import (
	"strings"
	"time"
)

// WebhookEndpoint is a third-party listener target. Endpoints are created and
// edited by account configuration elsewhere; the dispatcher only reads them.
// The counter columns are flushed periodically from Redis, they lag live
// traffic by the flush interval.
type WebhookEndpoint struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	URL            string    `gorm:"type:varchar(500);not null" json:"url"`
	Secret         string    `gorm:"type:varchar(191);not null" json:"-"`
	EventTypes     string    `gorm:"type:text;not null" json:"event_types"`
	Enabled        bool      `gorm:"default:true;index" json:"enabled"`
	ContactEmail   string    `gorm:"type:varchar(200);default:''" json:"contact_email"`
	AttemptedCount int64     `gorm:"not null;default:0" json:"attempted_count"`
	DeliveredCount int64     `gorm:"not null;default:0" json:"delivered_count"`
	ExhaustedCount int64     `gorm:"not null;default:0" json:"exhausted_count"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SubscribedEventTypes returns the subscribed types as a cleaned slice.
func (e *WebhookEndpoint) SubscribedEventTypes() []string {
	parts := strings.Split(e.EventTypes, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// SubscribedTo reports whether the endpoint wants deliveries of eventType.
// A single "*" entry subscribes the endpoint to every type.
func (e *WebhookEndpoint) SubscribedTo(eventType string) bool {
	for _, t := range e.SubscribedEventTypes() {
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}
