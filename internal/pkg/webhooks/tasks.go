package webhooks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// TaskTypeDelivery is the asynq task type for one delivery send.
const TaskTypeDelivery = "webhook:deliver"

// DeliveryTaskPayload references the attempt row the worker should send.
// Everything else (payload, endpoint, retry state) lives in the database, so
// a lost task costs nothing: the sweep re-enqueues from the rows.
type DeliveryTaskPayload struct {
	AttemptID uint `json:"attempt_id"`
}

// NewDeliveryTask builds the asynq task for an attempt.
func NewDeliveryTask(attemptID uint) (*asynq.Task, error) {
	payload, err := json.Marshal(DeliveryTaskPayload{AttemptID: attemptID})
	if err != nil {
		return nil, err
	}
	// MaxRetry 0: the engine schedules its own retries from the attempt row.
	return asynq.NewTask(TaskTypeDelivery, payload, asynq.MaxRetry(0)), nil
}
