package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetter is an envelope the bus gave up on, kept for manual inspection
// and replay. Nothing is ever dropped silently.
type DeadLetter struct {
	Topic     string    `json:"topic"`
	Group     string    `json:"group"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
	Envelope  Envelope  `json:"envelope"`
}

// DeadLetterStore persists dead letters.
type DeadLetterStore interface {
	Add(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, limit int) ([]DeadLetter, error)
}

// MemoryDeadLetterStore keeps dead letters in memory. Suitable for tests and
// single-process runs.
type MemoryDeadLetterStore struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

func (s *MemoryDeadLetterStore) Add(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

func (s *MemoryDeadLetterStore) List(_ context.Context, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.letters) {
		limit = len(s.letters)
	}
	out := make([]DeadLetter, limit)
	// newest first
	for i := 0; i < limit; i++ {
		out[i] = s.letters[len(s.letters)-1-i]
	}
	return out, nil
}

// RedisDeadLetterStore keeps dead letters in a Redis list, newest first.
type RedisDeadLetterStore struct {
	client *redis.Client
	key    string
}

func NewRedisDeadLetterStore(client *redis.Client, key string) *RedisDeadLetterStore {
	if key == "" {
		key = "saga:deadletters"
	}
	return &RedisDeadLetterStore{client: client, key: key}
}

func (s *RedisDeadLetterStore) Add(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := s.client.LPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

func (s *RedisDeadLetterStore) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	end := int64(-1)
	if limit > 0 {
		end = int64(limit) - 1
	}
	raw, err := s.client.LRange(ctx, s.key, 0, end).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}
