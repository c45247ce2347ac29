// Package queue carries JobEvents to workers and JobOutputs back to producers.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"wans2v/models"
)

// ErrClosed is returned by Dequeue once the underlying transport is gone
var ErrClosed = errors.New("queue closed")

// Delivery is one dequeued event
type Delivery struct {
	Event   models.JobEvent
	ReplyTo string

	ack func() error
}

// Ack confirms the event was handled
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Queue is implemented by every transport backend
type Queue interface {
	// Enqueue submits an event and returns its id, assigning one when empty
	Enqueue(ctx context.Context, event models.JobEvent) (string, error)
	// Dequeue waits up to timeout (0 blocks) and returns nil, nil when nothing arrived
	Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error)
	// Publish delivers the envelope for a handled event
	Publish(ctx context.Context, d *Delivery, out models.JobOutput) error
	Close() error
}

func ensureID(event *models.JobEvent) string {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	return event.ID
}
