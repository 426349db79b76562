package bus

import (
	"context"
	"errors"
	"time"
)

// Handler processes one delivered envelope. Returning nil acknowledges the
// event. Returning an error schedules a redelivery with backoff, unless the
// error is marked Permanent, in which case the envelope goes straight to the
// dead letter store.
type Handler func(ctx context.Context, env Envelope) error

// Bus is the event transport. Publish returns only after the event has been
// durably accepted. Delivery is at-least-once; envelopes sharing a partition
// key are delivered in publish order within each consumer group.
type Bus interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Subscribe(topic, group string, h Handler) error
}

// RetryPolicy controls redelivery of failed handler calls. Attempt n waits
// BaseBackoff * 2^(n-1), capped at MaxBackoff. After MaxAttempts the envelope
// is dead lettered.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy matches the delivery contract: five attempts, one second
// base, thirty second cap.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseBackoff: time.Second,
	MaxBackoff:  30 * time.Second,
}

// Backoff returns the wait before the next attempt. attempt counts from 1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The bus dead letters the
// envelope immediately instead of redelivering it. Used for undecodable
// payloads and unknown schema versions.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or any wrapped error was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
