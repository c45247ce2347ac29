package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"wans2v/models"
	"wans2v/queue"
)

// Handler turns one event into one envelope
type Handler interface {
	Handle(ctx context.Context, event models.JobEvent) models.JobOutput
}

// Worker dequeues events, runs them through the handler and publishes the results
type Worker struct {
	workerID    string
	queue       queue.Queue
	handler     Handler
	concurrency int
	pollTimeout time.Duration
	retryDelay  time.Duration
}

// New creates a worker running concurrency handlers in parallel
func New(q queue.Queue, h Handler, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		workerID:    fmt.Sprintf("S2VWorker-%d", os.Getpid()),
		queue:       q,
		handler:     h,
		concurrency: concurrency,
		pollTimeout: 5 * time.Second,
		retryDelay:  time.Second,
	}
}

// Run blocks until ctx is cancelled or the queue closes.
// A job already handed to the handler is finished before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("%s started with %d slot(s). Waiting for jobs...", w.workerID, w.concurrency)

	var wg sync.WaitGroup
	errCh := make(chan error, w.concurrency)

	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.loop(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)
	log.Printf("%s shutting down.", w.workerID)

	return <-errCh
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		d, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			log.Printf("Failed to dequeue: %v", err)
			select {
			case <-time.After(w.retryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		if d == nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		w.process(ctx, d)
	}
}

func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	log.Printf("-> Processing job: %s", d.Event.ID)
	defer log.Printf("<- Finished job: %s", d.Event.ID)

	out := w.handler.Handle(ctx, d.Event)

	// Results are published even when shutdown started mid-job
	pubCtx := context.WithoutCancel(ctx)
	if err := w.queue.Publish(pubCtx, d, out); err != nil {
		log.Printf("Failed to publish result for job %s: %v", d.Event.ID, err)
	}
	if err := d.Ack(); err != nil {
		log.Printf("Failed to ack job %s: %v", d.Event.ID, err)
	}
}
