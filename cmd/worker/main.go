package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"wans2v/config"
	"wans2v/handlers"
	"wans2v/queue"
	"wans2v/services"
	"wans2v/worker"
)

func main() {
	log.SetPrefix("worker: ")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	settings, err := config.LoadWorkerSettings()
	if err != nil {
		log.Fatalf("Failed to load worker settings: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutdown signal received, stopping worker...")
		cancel()
	}()

	q, err := openQueue(settings)
	if err != nil {
		log.Fatalf("Failed to connect to %s queue: %v", settings.QueueBackend, err)
	}
	defer q.Close()

	integrations, err := services.OpenIntegrations(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize integrations: %v", err)
	}
	defer integrations.Close()

	scratch := settings.ScratchDir
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "wans2v")
	}

	// Event jobs return the video inline, so scratch is removed after each job
	pipeline := services.NewPipelineFromConfig(cfg, scratch, "event", false, integrations.Options()...)

	w := worker.New(q, handlers.NewEventHandler(pipeline), settings.Concurrency)
	if err := w.Run(ctx); err != nil {
		log.Fatalf("Worker stopped: %v", err)
	}
}

func openQueue(s *config.WorkerSettings) (queue.Queue, error) {
	switch s.QueueBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     s.RedisAddr(),
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			client.Close()
			return nil, err
		}
		log.Printf("Consuming %s from redis %s", s.QueueName, s.RedisAddr())
		return queue.NewRedisQueue(client, s.QueueName, s.ResultPrefix, s.ResultTTL), nil
	case "amqp":
		log.Printf("Consuming %s from amqp", s.QueueName)
		return queue.NewAMQPQueue(s.AMQPURL, s.QueueName, s.Concurrency)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", s.QueueBackend)
	}
}
