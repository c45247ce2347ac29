package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"wans2v/models"
)

// RedisQueue uses a Redis list for events; results are stored under a key
// with a TTL and announced on a channel of the same name
type RedisQueue struct {
	client       *redis.Client
	name         string
	resultPrefix string
	resultTTL    time.Duration
}

// NewRedisQueue creates a queue over an existing client
func NewRedisQueue(client *redis.Client, name, resultPrefix string, resultTTL time.Duration) *RedisQueue {
	return &RedisQueue{
		client:       client,
		name:         name,
		resultPrefix: resultPrefix,
		resultTTL:    resultTTL,
	}
}

// ResultKey is where the output for id is stored and published
func (q *RedisQueue) ResultKey(id string) string {
	return q.resultPrefix + id
}

func (q *RedisQueue) Enqueue(ctx context.Context, event models.JobEvent) (string, error) {
	id := ensureID(&event)
	item, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	if err := q.client.LPush(ctx, q.name, item).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", id, err)
	}
	return id, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	data, err := q.client.BRPop(ctx, timeout, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}

	if len(data) < 2 {
		return nil, nil
	}

	var event models.JobEvent
	if err := json.Unmarshal([]byte(data[1]), &event); err != nil {
		log.Printf("Dropping invalid event from %s: %v", q.name, err)
		return nil, nil
	}
	ensureID(&event)

	return &Delivery{Event: event}, nil
}

func (q *RedisQueue) Publish(ctx context.Context, _ *Delivery, out models.JobOutput) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}

	key := q.ResultKey(out.ID)
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, key, data, q.resultTTL)
	pipe.Publish(ctx, key, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish result %s: %w", out.ID, err)
	}
	return nil
}

// Result returns the stored output for id, or nil when none exists yet
func (q *RedisQueue) Result(ctx context.Context, id string) (*models.JobOutput, error) {
	data, err := q.client.Get(ctx, q.ResultKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return decodeOutput(data)
}

// WaitResult blocks until the output for id is published or ctx ends
func (q *RedisQueue) WaitResult(ctx context.Context, id string) (*models.JobOutput, error) {
	pubsub := q.client.Subscribe(ctx, q.ResultKey(id))
	defer pubsub.Close()

	// Wait for the subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, err
	}

	// The result may have landed before the subscription
	if out, err := q.Result(ctx, id); err != nil || out != nil {
		return out, err
	}

	msg, err := pubsub.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return decodeOutput([]byte(msg.Payload))
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func decodeOutput(data []byte) (*models.JobOutput, error) {
	var out models.JobOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("invalid result payload: %w", err)
	}
	return &out, nil
}
