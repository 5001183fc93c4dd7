package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis persists queued jobs as one JSON value per key under
// jobqueue:<function>:<unique>.
type Redis struct {
	client *redis.Client
}

const redisKeyPrefix = "jobqueue:"

// NewRedis wraps an existing Redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// ConnectRedis opens and verifies a Redis connection.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func redisKey(function, unique string) string {
	return fmt.Sprintf("%s%s:%s", redisKeyPrefix, function, unique)
}

// Add stores a row. SetNX gives the same duplicate semantics a
// primary-key schema would.
func (r *Redis) Add(ctx context.Context, row Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal job row: %w", err)
	}

	if err := r.client.SetNX(ctx, redisKey(row.Function, row.Unique), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to persist job in Redis: %w", err)
	}
	return nil
}

// Done removes a row; absent keys are a no-op.
func (r *Redis) Done(ctx context.Context, unique, function string) error {
	if err := r.client.Del(ctx, redisKey(function, unique)).Err(); err != nil {
		return fmt.Errorf("failed to remove persisted job from Redis: %w", err)
	}
	return nil
}

// Flush is a no-op; Redis writes are immediate.
func (r *Redis) Flush(ctx context.Context) error {
	return nil
}

// Replay SCANs the key space and reinstates each stored row.
func (r *Redis) Replay(ctx context.Context, fn ReplayFunc) error {
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			// Removed between scan and get.
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read persisted job: %w", err)
		}

		var row Row
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return fmt.Errorf("failed to unmarshal job row: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan persisted jobs: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
