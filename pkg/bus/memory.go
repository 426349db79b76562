package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("bus closed")

// MemoryBus is an in-process Bus. Every subscription runs one delivery
// goroutine per partition key, so envelopes sharing a key are handled
// strictly in publish order while distinct keys proceed in parallel. Used by
// the single-process deployment and by the test suite.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string][]*memSub
	closed bool

	retry RetryPolicy
	dead  DeadLetterStore
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type memSub struct {
	bus     *MemoryBus
	topic   string
	group   string
	handler Handler

	mu     sync.Mutex
	queues map[string]*keyQueue
}

type keyQueue struct {
	items   []Envelope
	running bool
}

func NewMemoryBus(dead DeadLetterStore, log *zap.Logger) *MemoryBus {
	if dead == nil {
		dead = NewMemoryDeadLetterStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		subs:   make(map[string][]*memSub),
		retry:  DefaultRetryPolicy,
		dead:   dead,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetRetryPolicy overrides the delivery retry policy. Call before the first
// Publish.
func (b *MemoryBus) SetRetryPolicy(p RetryPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retry = p
}

// Publish fans the envelope out to every subscription on the topic. It
// returns once every subscription has queued the envelope; delivery happens
// asynchronously. Only subscriptions registered before the call receive it.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	_, span := startPublishSpan(ctx, topic, &env)
	defer span.End()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	subs := append([]*memSub(nil), b.subs[topic]...)
	b.mu.Unlock()

	for _, s := range subs {
		b.wg.Add(1)
		s.enqueue(env)
	}
	return nil
}

// Subscribe registers a handler for the topic under the given consumer
// group. One handler per (topic, group) pair.
func (b *MemoryBus) Subscribe(topic, group string, h Handler) error {
	if h == nil {
		return errors.New("nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, s := range b.subs[topic] {
		if s.group == group {
			return fmt.Errorf("group %s already subscribed to %s", group, topic)
		}
	}
	b.subs[topic] = append(b.subs[topic], &memSub{
		bus:     b,
		topic:   topic,
		group:   group,
		handler: h,
		queues:  make(map[string]*keyQueue),
	})
	return nil
}

// Wait blocks until every queued envelope has been acknowledged or dead
// lettered, including envelopes published by handlers along the way.
func (b *MemoryBus) Wait() {
	b.wg.Wait()
}

// Close stops accepting publishes and waits for in-flight deliveries to
// settle. Envelopes still waiting in a backoff are abandoned.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	return nil
}

func (s *memSub) enqueue(env Envelope) {
	s.mu.Lock()
	q, ok := s.queues[env.PartitionKey]
	if !ok {
		q = &keyQueue{}
		s.queues[env.PartitionKey] = q
	}
	q.items = append(q.items, env)
	if !q.running {
		q.running = true
		go s.drain(q)
	}
	s.mu.Unlock()
}

func (s *memSub) drain(q *keyQueue) {
	for {
		s.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			s.mu.Unlock()
			return
		}
		env := q.items[0]
		q.items = q.items[1:]
		s.mu.Unlock()

		if s.bus.ctx.Err() == nil {
			deliverWithRetry(s.bus.ctx, s.topic, s.group, env, s.handler, s.bus.retry, s.bus.dead, s.bus.log)
		}
		s.bus.wg.Done()
	}
}
