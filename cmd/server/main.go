package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smukkama/job-server/internal/events"
	"github.com/smukkama/job-server/internal/queue"
	"github.com/smukkama/job-server/internal/server"
	"github.com/smukkama/job-server/pkg/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Println("Starting Job Server...")

	// Open the durable-queue backend
	var q queue.Queue
	switch cfg.Queue.Backend {
	case "", "none":
		fmt.Println("Durable queue disabled")
	case "memory":
		q = queue.NewMemory()
		fmt.Println("Using in-memory queue backend")
	case "postgres":
		pg, err := queue.ConnectPostgres(cfg.Database.ConnectionString())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		q = pg
		fmt.Println("Using Postgres queue backend")
	case "redis":
		rd, err := queue.ConnectRedis(context.Background(),
			cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		q = rd
		fmt.Println("Using Redis queue backend")
	default:
		log.Fatalf("Unknown queue backend: %s", cfg.Queue.Backend)
	}
	if q != nil {
		defer q.Close()
	}

	// Start the lifecycle event stream
	var producer *events.Producer
	if cfg.Events.Enabled {
		if err := events.CreateTopic(
			cfg.Events.Brokers,
			cfg.Events.Topic,
			cfg.Events.NumPartitions,
			1, // replication factor
		); err != nil {
			fmt.Printf("Note: Topic creation failed (may already exist): %v\n", err)
		}

		producer = events.NewProducerWithConfig(&events.ProducerConfig{
			Brokers:      cfg.Events.Brokers,
			Topic:        cfg.Events.Topic,
			BatchSize:    cfg.Events.BatchSize,
			BatchTimeout: cfg.Events.BatchTimeout,
			Compression:  cfg.Events.Compression,
			Async:        cfg.Events.Async,
			MaxAttempts:  cfg.Events.MaxAttempts,
			RequiredAcks: cfg.Events.RequiredAcks,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			BatchBytes:   1048576, // 1MB
		})
		defer producer.Close()
		fmt.Printf("Event stream enabled (topic=%s, batch=%d, compression=%s)\n",
			cfg.Events.Topic, cfg.Events.BatchSize, cfg.Events.Compression)
	}

	srv := server.New(&cfg.Server, q, producer)
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start job server: %v", err)
	}

	// Print statistics periodically
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			stats := srv.Stats()
			fmt.Printf("\n--- Server Statistics ---\n")
			fmt.Printf("Active Connections: %d / %d\n",
				stats.Connections.TotalConnections, stats.Connections.MaxConnections)
			fmt.Printf("Live Jobs: %d\n", stats.LiveJobs)
			fmt.Printf("Deferred Jobs: %d\n", stats.Deferred)
			fmt.Printf("------------------------\n\n")
		}
	}()

	fmt.Println("\n✓ Job Server is running")
	fmt.Printf("✓ Listening on port %d\n", cfg.Server.Port)
	fmt.Println("✓ Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
	srv.Drain(cfg.Server.GraceTimeout)
}
