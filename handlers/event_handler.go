package handlers

import (
	"context"
	"errors"
	"log"
	"runtime/debug"

	"wans2v/models"
	"wans2v/services"
)

// EventHandler is the event-driven facade: one JobEvent in, one JobOutput out
type EventHandler struct {
	pipeline *services.Pipeline
}

// NewEventHandler creates an event handler around the shared pipeline
func NewEventHandler(pipeline *services.Pipeline) *EventHandler {
	return &EventHandler{pipeline: pipeline}
}

// Handle never panics and never returns an error; failures are carried in the envelope
func (h *EventHandler) Handle(ctx context.Context, event models.JobEvent) (out models.JobOutput) {
	out.ID = event.ID

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Event %s] panic detected: %v\n%s", event.ID, r, debug.Stack())
			out.Status = models.JobStatusFailed
			out.Output = models.InternalError(r).Response()
		}
	}()

	result, err := h.pipeline.Handle(ctx, event.Input)
	if err != nil {
		out.Status = models.JobStatusFailed
		out.Output = errorResponse(err)
		return out
	}

	out.Status = models.JobStatusCompleted
	out.Output = result
	return out
}

// errorResponse converts any error into the wire failure object
func errorResponse(err error) models.ErrorResponse {
	return asJobError(err).Response()
}

func asJobError(err error) *models.JobError {
	var jobErr *models.JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}
	return models.InternalError(err)
}
