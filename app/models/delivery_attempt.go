package models

import "time"

// DeliveryState tracks one (event, endpoint) delivery unit.
//
//	pending ──success──────────────────────▶ delivered (terminal)
//	pending ──transient, attempts < max────▶ pending (retry scheduled)
//	pending ──transient at max, permanent──▶ exhausted (terminal)
type DeliveryState string

const (
	DeliveryStatePending   DeliveryState = "pending"
	DeliveryStateDelivered DeliveryState = "delivered"
	DeliveryStateExhausted DeliveryState = "exhausted"
)

// DeliveryOutcome is the classification of the most recent send.
type DeliveryOutcome string

const (
	OutcomeNone               DeliveryOutcome = ""
	OutcomeSuccess            DeliveryOutcome = "success"
	OutcomeTransientFailure   DeliveryOutcome = "transient_failure"
	OutcomePermanentRejection DeliveryOutcome = "permanent_rejection"
)

// DeliveryAttempt records the retry state for delivering one webhook event to
// one endpoint. Created in pending state by the dispatcher; only the retry
// engine mutates it afterwards.
type DeliveryAttempt struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	EventID        uint            `gorm:"not null;index:ux_delivery_attempts_event_endpoint,unique,priority:1" json:"event_id"`
	EndpointID     uint            `gorm:"not null;index:ux_delivery_attempts_event_endpoint,unique,priority:2;index" json:"endpoint_id"`
	State          DeliveryState   `gorm:"type:varchar(16);not null;default:'pending';index:idx_delivery_attempts_state_retry,priority:1" json:"state"`
	LastOutcome    DeliveryOutcome `gorm:"type:varchar(32);not null;default:''" json:"last_outcome"`
	Attempts       int             `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts    int             `gorm:"not null;default:5" json:"max_attempts"`
	LastHTTPStatus int             `gorm:"not null;default:0" json:"last_http_status"`
	LastError      string          `gorm:"type:text" json:"last_error"`
	NextRetryAt    *time.Time      `gorm:"type:timestamp;default:null;index:idx_delivery_attempts_state_retry,priority:2" json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time      `gorm:"type:timestamp;default:null" json:"delivered_at,omitempty"`
	ExhaustedAt    *time.Time      `gorm:"type:timestamp;default:null" json:"exhausted_at,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Terminal reports whether the attempt reached a final state.
func (a *DeliveryAttempt) Terminal() bool {
	return a.State == DeliveryStateDelivered || a.State == DeliveryStateExhausted
}

// RetryDue reports whether a pending attempt is ready for another send.
func (a *DeliveryAttempt) RetryDue(now time.Time) bool {
	if a.State != DeliveryStatePending {
		return false
	}
	return a.NextRetryAt == nil || !now.Before(*a.NextRetryAt)
}

// MarkDelivered records a successful send.
func (a *DeliveryAttempt) MarkDelivered(httpStatus int, now time.Time) {
	a.State = DeliveryStateDelivered
	a.LastOutcome = OutcomeSuccess
	a.Attempts++
	a.LastHTTPStatus = httpStatus
	a.LastError = ""
	a.NextRetryAt = nil
	a.DeliveredAt = &now
}

// MarkTransientFailure records a retryable failure and schedules the next try.
func (a *DeliveryAttempt) MarkTransientFailure(httpStatus int, errMsg string, nextRetry time.Time) {
	a.State = DeliveryStatePending
	a.LastOutcome = OutcomeTransientFailure
	a.Attempts++
	a.LastHTTPStatus = httpStatus
	a.LastError = errMsg
	a.NextRetryAt = &nextRetry
}

// MarkExhausted makes the attempt terminal after a permanent rejection or
// once the retry budget is used up.
func (a *DeliveryAttempt) MarkExhausted(outcome DeliveryOutcome, httpStatus int, errMsg string, now time.Time) {
	a.State = DeliveryStateExhausted
	a.LastOutcome = outcome
	a.Attempts++
	a.LastHTTPStatus = httpStatus
	a.LastError = errMsg
	a.NextRetryAt = nil
	a.ExhaustedAt = &now
}

// RetriesLeft reports whether a further send may follow the one currently
// being classified. Callers check it before recording the send on the row,
// so the in-flight try counts against the budget here.
func (a *DeliveryAttempt) RetriesLeft() bool {
	return a.Attempts+1 < a.MaxAttempts
}
