package queue

import (
	"context"
	"sync"
	"time"

	"wans2v/models"
)

// MemoryBroker is an in-process Queue for single-binary runs and tests
type MemoryBroker struct {
	events      chan models.JobEvent
	results     map[string]models.JobOutput
	subscribers map[string]chan models.JobOutput
	mu          sync.RWMutex
	closeOnce   sync.Once
	closed      chan struct{}
}

// NewMemoryBroker creates a broker holding up to bufferSize pending events
func NewMemoryBroker(bufferSize int) *MemoryBroker {
	return &MemoryBroker{
		events:      make(chan models.JobEvent, bufferSize),
		results:     make(map[string]models.JobOutput),
		subscribers: make(map[string]chan models.JobOutput),
		closed:      make(chan struct{}),
	}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, event models.JobEvent) (string, error) {
	id := ensureID(&event)
	select {
	case b.events <- event:
		return id, nil
	case <-b.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *MemoryBroker) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case event := <-b.events:
		return &Delivery{Event: event}, nil
	case <-b.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer:
		return nil, nil
	}
}

// Subscribe returns a channel receiving the output for id once
func (b *MemoryBroker) Subscribe(id string) <-chan models.JobOutput {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.JobOutput, 1)
	if out, ok := b.results[id]; ok {
		ch <- out
		return ch
	}
	b.subscribers[id] = ch
	return ch
}

func (b *MemoryBroker) Publish(_ context.Context, _ *Delivery, out models.JobOutput) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.results[out.ID] = out
	if ch, ok := b.subscribers[out.ID]; ok {
		ch <- out
		delete(b.subscribers, out.ID)
	}
	return nil
}

// Result returns the stored output for id
func (b *MemoryBroker) Result(id string) (models.JobOutput, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out, ok := b.results[id]
	return out, ok
}

func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
	})
	return nil
}
