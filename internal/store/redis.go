package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/types"
)

// Redis persists events in a single hash: field = id, value = event JSON
type Redis struct {
	rdb *redis.Client
	key string
}

// NewRedis connects to addr and verifies the connection with PING
func NewRedis(ctx context.Context, addr, password string, db int, key string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{rdb: rdb, key: key}, nil
}

// Load reads every field of the hash. Order is restored by the Store.
func (r *Redis) Load(ctx context.Context) ([]types.DetectionEvent, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", r.key, err)
	}

	events := make([]types.DetectionEvent, 0, len(fields))
	for field, raw := range fields {
		var ev types.DetectionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode %s[%s]: %w", r.key, field, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Persist writes one hash field per changed event in a single HSET
func (r *Redis) Persist(ctx context.Context, _ []types.DetectionEvent, changed []types.DetectionEvent) error {
	if len(changed) == 0 {
		return nil
	}

	values := make([]any, 0, 2*len(changed))
	for _, ev := range changed {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal detection %d: %w", ev.ID, err)
		}
		values = append(values, strconv.FormatInt(ev.ID, 10), data)
	}

	if err := r.rdb.HSet(ctx, r.key, values...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", r.key, err)
	}
	return nil
}

// Close closes the client
func (r *Redis) Close() error {
	return r.rdb.Close()
}
