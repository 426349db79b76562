// Package dedup provides the processed-event markers and idempotency keys
// that make at-least-once delivery safe. Consumers record every handled
// event ID per consumer group; outbound commands with external side effects
// reserve a key first so a redelivery can never execute the command twice.
package dedup

import (
	"context"
	"time"
)

// Store tracks which event IDs a consumer group has already handled.
type Store interface {
	// HasProcessed reports whether the group already handled the event.
	HasProcessed(ctx context.Context, group, eventID string) (bool, error)
	// MarkProcessed records the event as handled. The check and the write
	// are atomic: of two concurrent calls exactly one returns true.
	MarkProcessed(ctx context.Context, group, eventID string) (bool, error)
}

// KeyState is the outcome of reserving an idempotency key.
type KeyState int

const (
	// KeyFresh means the key was unused; the caller owns it and must
	// Complete or Release it.
	KeyFresh KeyState = iota
	// KeyInProgress means another caller holds the key but has not stored
	// a result yet. Retry later.
	KeyInProgress
	// KeyCompleted means a result is already stored; do not execute again.
	KeyCompleted
)

// CommandResult is the stored outcome of an idempotent external command.
type CommandResult struct {
	Status    string    `json:"status"`
	Reference string    `json:"reference,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	StoredAt  time.Time `json:"stored_at"`
}

// IdempotencyStore guards commands that must run at most once, such as a
// payment gateway charge.
type IdempotencyStore interface {
	// Reserve claims the key. KeyFresh grants execution; KeyCompleted
	// returns the stored result instead.
	Reserve(ctx context.Context, key string) (KeyState, *CommandResult, error)
	// Complete stores the definitive result under the key.
	Complete(ctx context.Context, key string, result CommandResult) error
	// Release frees a reserved key after a transient failure so a retry
	// can claim it again.
	Release(ctx context.Context, key string) error
}
