package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/zap"

	pkgaws "github.com/yashrajoria/order-saga/pkg/aws"
)

// SnsSqsBus is a Bus backed by SNS fan-out into one SQS queue per consumer
// group. Publishing targets the SNS topic ARN mapped to the logical topic;
// each Subscribe long-polls the queue mapped to its (topic, group) pair.
// Use .fifo topics and queues in production: the partition key rides as the
// message group ID, which is what upholds per-order delivery order.
type SnsSqsBus struct {
	cfg sdkaws.Config
	sns pkgaws.SNSPublisher

	mu     sync.Mutex
	topics map[string]string // topic -> SNS topic ARN
	queues map[string]string // topic|group -> SQS queue URL

	retry RetryPolicy
	dead  DeadLetterStore
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSnsSqsBus(cfg sdkaws.Config, dead DeadLetterStore, log *zap.Logger) *SnsSqsBus {
	if dead == nil {
		dead = NewMemoryDeadLetterStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SnsSqsBus{
		cfg:    cfg,
		sns:    pkgaws.NewSNSClient(cfg),
		topics: make(map[string]string),
		queues: make(map[string]string),
		retry:  DefaultRetryPolicy,
		dead:   dead,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// MapTopic binds a logical topic to an SNS topic ARN.
func (b *SnsSqsBus) MapTopic(topic, arn string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[topic] = arn
}

// MapQueue binds a (topic, group) pair to the SQS queue subscribed to the
// topic's SNS fan-out.
func (b *SnsSqsBus) MapQueue(topic, group, queueURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[topic+"|"+group] = queueURL
}

func (b *SnsSqsBus) Publish(ctx context.Context, topic string, env Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	b.mu.Lock()
	arn, ok := b.topics[topic]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no SNS topic mapped for %s", topic)
	}

	_, span := startPublishSpan(ctx, topic, &env)
	defer span.End()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.EventID, err)
	}
	return b.sns.Publish(ctx, arn, data, pkgaws.PublishAttributes{
		EventType: env.EventType,
		GroupID:   env.PartitionKey,
		DedupID:   env.EventID,
	})
}

func (b *SnsSqsBus) Subscribe(topic, group string, h Handler) error {
	b.mu.Lock()
	queueURL, ok := b.queues[topic+"|"+group]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no queue mapped for topic %s group %s", topic, group)
	}

	consumer := pkgaws.NewSQSConsumer(b.cfg, queueURL)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := consumer.StartPolling(b.ctx, func(ctx context.Context, body string) error {
			var env Envelope
			if err := json.Unmarshal([]byte(body), &env); err != nil {
				// Poison pill. Record and delete, or the queue wedges.
				deadLetter(topic, group, Envelope{
					EventID:   fmt.Sprintf("%s-%s-%d", topic, group, time.Now().UnixNano()),
					EventType: "unparseable",
					Payload:   json.RawMessage(body),
				}, 1, err, b.dead, b.log)
				return nil
			}
			deliverWithRetry(ctx, topic, group, env, h, b.retry, b.dead, b.log)
			return nil
		})
		if err != nil && b.ctx.Err() == nil {
			b.log.Error("sqs polling stopped",
				zap.String("topic", topic),
				zap.String("group", group),
				zap.Error(err),
			)
		}
	}()
	b.log.Info("sqs consumer started",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.String("queue", queueURL),
	)
	return nil
}

// Close stops the pollers and waits for in-flight messages to settle.
func (b *SnsSqsBus) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}
