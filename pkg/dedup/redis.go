package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store and IdempotencyStore on Redis. Markers rely on
// SET NX for the atomic check-and-set; TTLs bound the window in which a
// duplicate can be recognized, which must outlive the bus redelivery window.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) dedupKey(group, eventID string) string {
	return "dedup:" + group + ":" + eventID
}

func (s *RedisStore) idemKey(key string) string {
	return "idem:" + key
}

func (s *RedisStore) HasProcessed(ctx context.Context, group, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.dedupKey(group, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, group, eventID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.dedupKey(group, eventID), "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup mark: %w", err)
	}
	return ok, nil
}

// reservation is the value stored under an idempotency key. A missing
// result means the command is still in flight.
type reservation struct {
	Status string         `json:"status"`
	Result *CommandResult `json:"result,omitempty"`
}

func (s *RedisStore) Reserve(ctx context.Context, key string) (KeyState, *CommandResult, error) {
	pending, err := json.Marshal(reservation{Status: "pending"})
	if err != nil {
		return KeyFresh, nil, err
	}
	ok, err := s.client.SetNX(ctx, s.idemKey(key), pending, s.ttl).Result()
	if err != nil {
		return KeyFresh, nil, fmt.Errorf("reserve key %s: %w", key, err)
	}
	if ok {
		return KeyFresh, nil, nil
	}

	raw, err := s.client.Get(ctx, s.idemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		// Key expired between SetNX and Get. Treat as in progress; the
		// retry will reserve it cleanly.
		return KeyInProgress, nil, nil
	}
	if err != nil {
		return KeyFresh, nil, fmt.Errorf("read key %s: %w", key, err)
	}
	var r reservation
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return KeyFresh, nil, fmt.Errorf("decode key %s: %w", key, err)
	}
	if r.Result == nil {
		return KeyInProgress, nil, nil
	}
	return KeyCompleted, r.Result, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, result CommandResult) error {
	if result.StoredAt.IsZero() {
		result.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(reservation{Status: "completed", Result: &result})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.idemKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("complete key %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.idemKey(key)).Err(); err != nil {
		return fmt.Errorf("release key %s: %w", key, err)
	}
	return nil
}
