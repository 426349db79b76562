package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic names. One topic per producing domain; consumers filter by event type.
const (
	TopicOrders    = "order.events"
	TopicInventory = "inventory.events"
	TopicPayments  = "payment.events"
)

// Envelope is the wire format shared by every event on the bus. The payload
// stays opaque here; producers and consumers agree on its schema through the
// event type and version pair.
type Envelope struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	Version       int               `json:"version"`
	CorrelationID string            `json:"correlation_id"`
	PartitionKey  string            `json:"partition_key"`
	Timestamp     time.Time         `json:"timestamp"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// NewEnvelope builds an envelope with a fresh event ID. The partition key
// carries the order ID so all events of one order stay ordered.
func NewEnvelope(eventType string, version int, correlationID, partitionKey string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Version:       version,
		CorrelationID: correlationID,
		PartitionKey:  partitionKey,
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}, nil
}

// Derive builds a follow-up envelope for an event produced while handling
// parent. The event ID is computed from the parent ID and the new event type,
// so a redelivered handler re-emits the exact same ID and downstream
// deduplication absorbs the duplicate.
func Derive(parent Envelope, eventType string, version int, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       DeterministicID(parent.EventID, eventType),
		EventType:     eventType,
		Version:       version,
		CorrelationID: parent.CorrelationID,
		PartitionKey:  parent.PartitionKey,
		Timestamp:     time.Now().UTC(),
		Payload:       data,
	}, nil
}

// DeterministicID derives a stable UUID from a seed and a qualifier. Used for
// outcome events so that replaying the same cause can never mint a second
// distinct event.
func DeterministicID(seed, qualifier string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed+"/"+qualifier)).String()
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// Validate checks the fields every consumer relies on.
func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errors.New("envelope missing event_id")
	case e.EventType == "":
		return errors.New("envelope missing event_type")
	case e.Version <= 0:
		return errors.New("envelope missing version")
	case e.CorrelationID == "":
		return errors.New("envelope missing correlation_id")
	case e.PartitionKey == "":
		return errors.New("envelope missing partition_key")
	}
	return nil
}
