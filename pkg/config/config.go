package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Queue    QueueConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Events   EventsConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
	HandlePrefix   string
	GraceTimeout   time.Duration
}

// QueueConfig selects the durable-queue backend.
type QueueConfig struct {
	Backend string // "none", "memory", "postgres", "redis"
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type EventsConfig struct {
	Enabled       bool
	Brokers       []string
	Topic         string
	NumPartitions int

	// Producer optimization settings
	BatchSize    int
	BatchTimeout time.Duration
	Compression  string
	Async        bool
	MaxAttempts  int
	RequiredAcks int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "jobserver"
	}

	config := &Config{
		Server: ServerConfig{
			Host:           getEnv("JOBSERVER_HOST", ""),
			Port:           getEnvAsInt("JOBSERVER_PORT", 4730),
			MaxConnections: getEnvAsInt("JOBSERVER_MAX_CONNECTIONS", 10000),
			HandlePrefix:   getEnv("JOBSERVER_HANDLE_PREFIX", hostname),
			GraceTimeout:   getEnvAsDuration("JOBSERVER_GRACE_TIMEOUT", 30*time.Second),
		},
		Queue: QueueConfig{
			Backend: getEnv("QUEUE_BACKEND", "none"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "jobserver_user"),
			Password: getEnv("DB_PASSWORD", "jobserver_pass"),
			DBName:   getEnv("DB_NAME", "jobserver_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Events: EventsConfig{
			Enabled:       getEnvAsBool("EVENTS_ENABLED", false),
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:         getEnv("KAFKA_TOPIC_EVENTS", "jobserver.events"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),

			BatchSize:    getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			BatchTimeout: getEnvAsDuration("KAFKA_BATCH_TIMEOUT", 100*time.Millisecond),
			Compression:  getEnv("KAFKA_COMPRESSION", "snappy"),
			Async:        getEnvAsBool("KAFKA_ASYNC", true),
			MaxAttempts:  getEnvAsInt("KAFKA_MAX_ATTEMPTS", 3),
			RequiredAcks: getEnvAsInt("KAFKA_REQUIRED_ACKS", 1),
		},
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
