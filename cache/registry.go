package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"tuneforge/logger"
	"tuneforge/model"

	"github.com/go-redis/redis/v8"
)

const inflightKey = "tuneforge:inflight"

// RedisRegistry persists the set of tasks being polled in a Redis hash keyed by
// task id.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry creates a registry on the given client.
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Add(ctx context.Context, entry model.InFlightTask) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal in-flight task: %w", err)
	}
	if err := r.client.HSet(ctx, inflightKey, entry.TaskID, data).Err(); err != nil {
		return fmt.Errorf("failed to register in-flight task %s: %w", entry.TaskID, err)
	}
	return nil
}

func (r *RedisRegistry) Remove(ctx context.Context, taskID string) error {
	if err := r.client.HDel(ctx, inflightKey, taskID).Err(); err != nil {
		return fmt.Errorf("failed to remove in-flight task %s: %w", taskID, err)
	}
	return nil
}

// List returns all entries, oldest first. Corrupt entries are dropped.
func (r *RedisRegistry) List(ctx context.Context) ([]model.InFlightTask, error) {
	raw, err := r.client.HGetAll(ctx, inflightKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight tasks: %w", err)
	}

	entries := make([]model.InFlightTask, 0, len(raw))
	for taskID, data := range raw {
		var entry model.InFlightTask
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			logger.Warn("[Registry] dropping corrupt in-flight entry", logger.TaskID(taskID), logger.ErrorField(err))
			r.client.HDel(ctx, inflightKey, taskID)
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StartedAt.Before(entries[j].StartedAt) })
	return entries, nil
}
