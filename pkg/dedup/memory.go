package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store and IdempotencyStore in process memory.
// Entries expire after the configured TTL and are evicted lazily. Suitable
// for tests and single-process runs.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	markers map[string]time.Time
	keys    map[string]*memoryKey
}

type memoryKey struct {
	result    *CommandResult
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		ttl:     ttl,
		markers: make(map[string]time.Time),
		keys:    make(map[string]*memoryKey),
	}
}

func markerKey(group, eventID string) string {
	return group + ":" + eventID
}

func (s *MemoryStore) HasProcessed(_ context.Context, group, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.markers[markerKey(group, eventID)]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(s.markers, markerKey(group, eventID))
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, group, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := markerKey(group, eventID)
	if expiry, ok := s.markers[k]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	s.markers[k] = time.Now().Add(s.ttl)
	return true, nil
}

func (s *MemoryStore) Reserve(_ context.Context, key string) (KeyState, *CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.keys[key]
	if ok && time.Now().After(entry.expiresAt) {
		delete(s.keys, key)
		ok = false
	}
	if !ok {
		s.keys[key] = &memoryKey{expiresAt: time.Now().Add(s.ttl)}
		return KeyFresh, nil, nil
	}
	if entry.result == nil {
		return KeyInProgress, nil, nil
	}
	result := *entry.result
	return KeyCompleted, &result, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, result CommandResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result.StoredAt.IsZero() {
		result.StoredAt = time.Now().UTC()
	}
	s.keys[key] = &memoryKey{result: &result, expiresAt: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// StartGC prunes expired entries on an interval until ctx is cancelled.
// Redis and DynamoDB expire server-side; the in-process store needs this
// to keep long-running single-node deployments bounded.
func (s *MemoryStore) StartGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.gc(time.Now())
			}
		}
	}()
}

func (s *MemoryStore) gc(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, expiry := range s.markers {
		if now.After(expiry) {
			delete(s.markers, k)
		}
	}
	for k, entry := range s.keys {
		if now.After(entry.expiresAt) {
			delete(s.keys, k)
		}
	}
}
