// Package archive keeps an append-only copy of every envelope that crosses
// the bus, queryable by correlation ID. It exists for audit and debugging;
// the saga itself never reads from it.
package archive

import (
	"context"
	"sort"
	"sync"

	"github.com/yashrajoria/order-saga/pkg/bus"
)

type Archive interface {
	// Append stores the envelope. Appending the same event ID twice is a
	// no-op, so the archive can ride an at-least-once subscription.
	Append(ctx context.Context, topic string, env bus.Envelope) error
	// ByCorrelation returns every archived envelope of one saga instance
	// in timestamp order.
	ByCorrelation(ctx context.Context, correlationID string) ([]bus.Envelope, error)
}

// MemoryArchive is an in-process Archive for tests and local runs.
type MemoryArchive struct {
	mu   sync.Mutex
	byID map[string]bus.Envelope
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{byID: make(map[string]bus.Envelope)}
}

func (a *MemoryArchive) Append(_ context.Context, _ string, env bus.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byID[env.EventID]; ok {
		return nil
	}
	a.byID[env.EventID] = env
	return nil
}

func (a *MemoryArchive) ByCorrelation(_ context.Context, correlationID string) ([]bus.Envelope, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []bus.Envelope
	for _, env := range a.byID {
		if env.CorrelationID == correlationID {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Subscriber returns a bus handler that archives everything it sees. Attach
// it to each topic under its own consumer group.
func Subscriber(a Archive, topic string) bus.Handler {
	return func(ctx context.Context, env bus.Envelope) error {
		return a.Append(ctx, topic, env)
	}
}
