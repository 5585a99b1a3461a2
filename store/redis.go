package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/yangfei222666-9/aios/core"
)

// RedisTaskJournalConfig configures the journal.
type RedisTaskJournalConfig struct {
	// KeyPrefix is the prefix for all task keys. Default: "aios:tasks".
	KeyPrefix string `json:"key_prefix"`

	// TTL is how long terminal task records linger before Redis expires
	// them. Default: 24 hours.
	TTL time.Duration `json:"ttl"`

	// OpTimeout bounds each Redis round trip. Default: 2s.
	OpTimeout time.Duration `json:"op_timeout"`
}

// DefaultRedisTaskJournalConfig returns the default configuration.
func DefaultRedisTaskJournalConfig() RedisTaskJournalConfig {
	return RedisTaskJournalConfig{
		KeyPrefix: "aios:tasks",
		TTL:       24 * time.Hour,
		OpTimeout: 2 * time.Second,
	}
}

// RedisTaskJournal is the optional accelerated path for the Scheduler's
// crash recovery: each task is stored as a JSON string under
// {prefix}:task:{task_id}, holding only the latest state per task, so
// recovery reads the live set directly instead of replaying the whole
// task_queue stream. The JSONL stream under the EventStore root stays
// the source of truth. Satisfies scheduler.Journal.
type RedisTaskJournal struct {
	client *redis.Client
	config RedisTaskJournalConfig
	logger core.Logger
}

// NewRedisTaskJournal wraps an already-connected client.
func NewRedisTaskJournal(client *redis.Client, config *RedisTaskJournalConfig, logger core.Logger) *RedisTaskJournal {
	if config == nil {
		defaultConfig := DefaultRedisTaskJournalConfig()
		config = &defaultConfig
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "aios:tasks"
	}
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("aios/store")
	}
	return &RedisTaskJournal{client: client, config: *config, logger: logger}
}

func (j *RedisTaskJournal) taskKey(taskID string) string {
	return fmt.Sprintf("%s:task:%s", j.config.KeyPrefix, taskID)
}

// Record upserts the task's latest state. Terminal tasks get the TTL so
// the live set self-prunes; non-terminal tasks persist until overwritten.
func (j *RedisTaskJournal) Record(ctx context.Context, task *core.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("redis journal: task must have an id")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("redis journal: marshal task %s: %w", task.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, j.config.OpTimeout)
	defer cancel()

	ttl := time.Duration(0)
	if task.Status.IsTerminal() {
		ttl = j.config.TTL
	}
	if err := j.client.Set(ctx, j.taskKey(task.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis journal: record task %s: %w", task.ID, err)
	}
	return nil
}

// Load returns the latest recorded state of every journaled task, keyed
// by task id. Entries that fail to decode are skipped and logged rather
// than failing the whole recovery.
func (j *RedisTaskJournal) Load(ctx context.Context) (map[string]*core.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, j.config.OpTimeout)
	defer cancel()

	tasks := make(map[string]*core.Task)
	var cursor uint64
	pattern := j.config.KeyPrefix + ":task:*"
	for {
		keys, next, err := j.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis journal: scan tasks: %w", err)
		}
		for _, key := range keys {
			data, err := j.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue // expired between scan and get
			}
			if err != nil {
				return nil, fmt.Errorf("redis journal: read %s: %w", key, err)
			}
			var t core.Task
			if err := json.Unmarshal(data, &t); err != nil {
				j.logger.Warn("redis journal: skipping undecodable task record", map[string]interface{}{
					"key":   key,
					"error": err.Error(),
				})
				continue
			}
			tasks[t.ID] = &t
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return tasks, nil
}

// Remove deletes one task from the journal.
func (j *RedisTaskJournal) Remove(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, j.config.OpTimeout)
	defer cancel()
	if err := j.client.Del(ctx, j.taskKey(taskID)).Err(); err != nil {
		return fmt.Errorf("redis journal: remove task %s: %w", taskID, err)
	}
	return nil
}

// Ping verifies the connection; callers degrade to stream-only recovery
// when it fails.
func (j *RedisTaskJournal) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.config.OpTimeout)
	defer cancel()
	return j.client.Ping(ctx).Err()
}
