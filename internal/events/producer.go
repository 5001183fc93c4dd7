package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
)

// Event types published to the lifecycle stream.
const (
	TypeJobCreated   = "job_created"
	TypeJobAssigned  = "job_assigned"
	TypeJobCompleted = "job_completed"
	TypeJobFailed    = "job_failed"
	TypeJobRequeued  = "job_requeued"
)

// JobEvent is one record on the lifecycle stream. Keyed by function so
// all events for a function land on the same partition in order.
type JobEvent struct {
	Type       string    `json:"type"`
	Handle     string    `json:"handle"`
	Function   string    `json:"function"`
	Unique     string    `json:"unique,omitempty"`
	Priority   string    `json:"priority"`
	Background bool      `json:"background"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProducerConfig holds configuration for the Kafka producer
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int           // Number of messages per batch
	BatchTimeout time.Duration // Max time to wait before sending batch
	Compression  string        // Compression type: "snappy", "lz4", "gzip", "zstd", "none"
	Async        bool          // Enable async publishing
	MaxAttempts  int           // Max retry attempts
	RequiredAcks int           // -1 (all), 0 (none), 1 (leader)
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BatchBytes   int64 // Max bytes per batch
}

// Producer publishes job lifecycle events to Kafka.
type Producer struct {
	writer *kafka.Writer
	config *ProducerConfig
}

// NewProducer creates a producer with defaults tuned for a fire-and-
// forget audit stream.
func NewProducer(brokers []string, topic string) *Producer {
	return NewProducerWithConfig(&ProducerConfig{
		Brokers:      brokers,
		Topic:        topic,
		BatchSize:    100,
		BatchTimeout: 100 * time.Millisecond,
		Compression:  "snappy",
		Async:        true,
		MaxAttempts:  3,
		RequiredAcks: 1,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		BatchBytes:   1048576, // 1MB per batch
	})
}

// NewProducerWithConfig creates a producer with custom configuration
func NewProducerWithConfig(config *ProducerConfig) *Producer {
	// Select compression algorithm
	var compression compress.Compression
	switch config.Compression {
	case "snappy":
		compression = compress.Snappy
	case "lz4":
		compression = compress.Lz4
	case "gzip":
		compression = compress.Gzip
	case "zstd":
		compression = compress.Zstd
		// No default needed - zero value of compress.Compression is nil compression
	}

	// Map required acks
	var requiredAcks kafka.RequiredAcks
	switch config.RequiredAcks {
	case -1:
		requiredAcks = kafka.RequireAll
	case 0:
		requiredAcks = kafka.RequireNone
	default:
		requiredAcks = kafka.RequireOne
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(config.Brokers...),
		Topic:    config.Topic,
		Balancer: &kafka.Hash{}, // Partition by key (function name)

		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		BatchBytes:   config.BatchBytes,

		Compression: compression,

		Async: config.Async,

		RequiredAcks: requiredAcks,
		MaxAttempts:  config.MaxAttempts,

		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return &Producer{
		writer: writer,
		config: config,
	}
}

// Publish sends one lifecycle event.
func (p *Producer) Publish(ctx context.Context, event *JobEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Function),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// CreateTopic creates the event topic with the specified number of partitions.
func CreateTopic(brokers []string, topic string, numPartitions int, replicationFactor int) error {
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get controller: %w", err)
	}

	controllerConn, err := kafka.Dial("tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("failed to dial controller: %w", err)
	}
	defer controllerConn.Close()

	topicConfigs := []kafka.TopicConfig{
		{
			Topic:             topic,
			NumPartitions:     numPartitions,
			ReplicationFactor: replicationFactor,
		},
	}

	err = controllerConn.CreateTopics(topicConfigs...)
	if err != nil {
		return fmt.Errorf("failed to create topic: %w", err)
	}

	return nil
}
