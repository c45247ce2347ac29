package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"wans2v/models"
)

// AMQPQueue consumes events from a durable queue and answers on the
// delivery's reply-to queue, falling back to <name>.results
type AMQPQueue struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	name        string
	resultQueue string
	deliveries  <-chan amqp.Delivery

	mu sync.Mutex
}

// NewAMQPQueue dials url and declares the event and result queues
func NewAMQPQueue(url, name string, prefetch int) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	q := &AMQPQueue{conn: conn, ch: ch, name: name, resultQueue: ResultQueueName(name)}

	for _, queueName := range []string{q.name, q.resultQueue} {
		if _, err := ch.QueueDeclare(
			queueName, // name
			true,      // durable
			false,     // delete when unused
			false,     // exclusive
			false,     // no-wait
			nil,       // args
		); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to set prefetch %d: %w", prefetch, err)
		}
	}

	q.deliveries, err = ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return q, nil
}

// ResultQueueName is the default reply queue for events published without reply-to
func ResultQueueName(name string) string {
	return name + ".results"
}

func (q *AMQPQueue) Enqueue(_ context.Context, event models.JobEvent) (string, error) {
	id := ensureID(&event)
	body, err := json.Marshal(event)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.ch.Publish("", q.name, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: id,
		ReplyTo:       q.resultQueue,
		Body:          body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", id, err)
	}
	return id, nil
}

func (q *AMQPQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer:
		return nil, nil
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, ErrClosed
		}

		var event models.JobEvent
		if err := json.Unmarshal(d.Body, &event); err != nil {
			log.Printf("Invalid event payload: %v", err)
			// Malformed messages are dropped, not requeued
			_ = d.Nack(false, false)
			return nil, nil
		}
		if event.ID == "" {
			event.ID = d.CorrelationId
		}
		ensureID(&event)

		return &Delivery{
			Event:   event,
			ReplyTo: d.ReplyTo,
			ack: func() error {
				return d.Ack(false)
			},
		}, nil
	}
}

func (q *AMQPQueue) Publish(_ context.Context, d *Delivery, out models.JobOutput) error {
	body, err := json.Marshal(out)
	if err != nil {
		return err
	}

	target := q.resultQueue
	if d != nil && d.ReplyTo != "" {
		target = d.ReplyTo
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Publish("", target, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: out.ID,
		Body:          body,
	})
}

func (q *AMQPQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}
