package bus

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// deliverWithRetry runs the handler until the envelope is acknowledged or
// dead lettered. Failed attempts back off per the policy; a Permanent error
// skips the remaining attempts. The call blocks for the whole resolution,
// which is what serializes redeliveries behind their partition key.
func deliverWithRetry(ctx context.Context, topic, group string, env Envelope, h Handler, policy RetryPolicy, dead DeadLetterStore, log *zap.Logger) {
	for attempt := 1; ; attempt++ {
		handlerCtx, span := startConsumeSpan(ctx, topic, group, env)
		err := h(handlerCtx, env)
		endSpan(span, err)
		if err == nil {
			return
		}
		if IsPermanent(err) || attempt >= policy.MaxAttempts {
			deadLetter(topic, group, env, attempt, err, dead, log)
			return
		}
		log.Warn("event handler failed, retrying",
			zap.String("topic", topic),
			zap.String("group", group),
			zap.String("event_type", env.EventType),
			zap.String("event_id", env.EventID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-time.After(policy.Backoff(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

func deadLetter(topic, group string, env Envelope, attempts int, cause error, dead DeadLetterStore, log *zap.Logger) {
	dl := DeadLetter{
		Topic:     topic,
		Group:     group,
		Attempts:  attempts,
		LastError: cause.Error(),
		FailedAt:  time.Now().UTC(),
		Envelope:  env,
	}
	if err := dead.Add(context.Background(), dl); err != nil {
		log.Error("failed to store dead letter",
			zap.String("event_id", env.EventID),
			zap.Error(err),
		)
	}
	log.Error("event dead lettered",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.String("event_type", env.EventType),
		zap.String("event_id", env.EventID),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
}
