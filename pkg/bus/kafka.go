package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const publishAttempts = 3

// KafkaBus is a Bus backed by Kafka. Messages are keyed by partition key and
// balanced with a hash balancer, so envelopes for one order land on one
// partition and keep their order. Each Subscribe runs a consumer group
// reader; offsets are committed only after the envelope is acknowledged or
// dead lettered, which gives at-least-once delivery across restarts.
type KafkaBus struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader

	retry RetryPolicy
	dead  DeadLetterStore
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaBus(brokers []string, dead DeadLetterStore, log *zap.Logger) *KafkaBus {
	if dead == nil {
		dead = NewMemoryDeadLetterStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
		retry:   DefaultRetryPolicy,
		dead:    dead,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetRetryPolicy overrides the delivery retry policy. Call before the first
// Subscribe.
func (b *KafkaBus) SetRetryPolicy(p RetryPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retry = p
}

func (b *KafkaBus) writer(topic string) *kafka.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:         kafka.TCP(b.brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		b.writers[topic] = w
	}
	return w
}

// Publish writes the envelope to the topic, retrying a few times before
// giving up. An error here means the event was not accepted and the caller
// must not treat the step as committed.
func (b *KafkaBus) Publish(ctx context.Context, topic string, env Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	_, span := startPublishSpan(ctx, topic, &env)
	defer span.End()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.EventID, err)
	}
	msg := kafka.Message{
		Key:   []byte(env.PartitionKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "correlation_id", Value: []byte(env.CorrelationID)},
		},
	}

	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		lastErr = b.writer(topic).WriteMessages(ctx, msg)
		if lastErr == nil {
			return nil
		}
		b.log.Warn("kafka publish failed",
			zap.String("topic", topic),
			zap.String("event_id", env.EventID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("publish %s to %s: %w", env.EventType, topic, lastErr)
}

// Subscribe starts a consumer group reader for the topic.
func (b *KafkaBus) Subscribe(topic, group string, h Handler) error {
	if h == nil {
		return errors.New("nil handler")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1e3,  // 1KB
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
	b.mu.Lock()
	b.readers = append(b.readers, r)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(r, topic, group, h)
	b.log.Info("kafka consumer started",
		zap.String("topic", topic),
		zap.String("group", group),
	)
	return nil
}

func (b *KafkaBus) consume(r *kafka.Reader, topic, group string, h Handler) {
	defer b.wg.Done()
	for {
		m, err := r.FetchMessage(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			b.log.Error("kafka fetch failed",
				zap.String("topic", topic),
				zap.String("group", group),
				zap.Error(err),
			)
			select {
			case <-time.After(time.Second):
			case <-b.ctx.Done():
				return
			}
			continue
		}

		var env Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			// Poison pill. Record it and move past, or the partition wedges.
			deadLetter(topic, group, Envelope{
				EventID:   fmt.Sprintf("%s-%d-%d", topic, m.Partition, m.Offset),
				EventType: "unparseable",
				Payload:   m.Value,
			}, 1, err, b.dead, b.log)
		} else {
			for _, hd := range m.Headers {
				if env.Headers == nil {
					env.Headers = make(map[string]string)
				}
				env.Headers[hd.Key] = string(hd.Value)
			}
			deliverWithRetry(b.ctx, topic, group, env, h, b.retry, b.dead, b.log)
		}

		if err := r.CommitMessages(b.ctx, m); err != nil && b.ctx.Err() == nil {
			b.log.Error("kafka commit failed",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}
}

// Close stops consumers and flushes writers.
func (b *KafkaBus) Close() error {
	b.cancel()
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, r := range b.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, w := range b.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
