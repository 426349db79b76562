package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/yashrajoria/order-saga/pkg/bus"
)

// MongoArchive stores envelopes in a MongoDB collection with a unique index
// on event_id, which is what makes Append idempotent.
type MongoArchive struct {
	collection *mongo.Collection
}

type archivedEvent struct {
	EventID       string    `bson:"event_id"`
	EventType     string    `bson:"event_type"`
	Version       int       `bson:"version"`
	CorrelationID string    `bson:"correlation_id"`
	PartitionKey  string    `bson:"partition_key"`
	Topic         string    `bson:"topic"`
	Timestamp     time.Time `bson:"timestamp"`
	Payload       string    `bson:"payload"`
	ArchivedAt    time.Time `bson:"archived_at"`
}

func NewMongoArchive(db *mongo.Database) *MongoArchive {
	return &MongoArchive{collection: db.Collection("events")}
}

// EnsureIndexes creates the unique event_id index and the correlation_id
// lookup index. Call once at startup.
func (a *MongoArchive) EnsureIndexes(ctx context.Context) error {
	_, err := a.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "correlation_id", Value: 1}, {Key: "timestamp", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create archive indexes: %w", err)
	}
	return nil
}

func (a *MongoArchive) Append(ctx context.Context, topic string, env bus.Envelope) error {
	doc := archivedEvent{
		EventID:       env.EventID,
		EventType:     env.EventType,
		Version:       env.Version,
		CorrelationID: env.CorrelationID,
		PartitionKey:  env.PartitionKey,
		Topic:         topic,
		Timestamp:     env.Timestamp,
		Payload:       string(env.Payload),
		ArchivedAt:    time.Now().UTC(),
	}
	_, err := a.collection.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("archive event %s: %w", env.EventID, err)
	}
	return nil
}

func (a *MongoArchive) ByCorrelation(ctx context.Context, correlationID string) ([]bus.Envelope, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := a.collection.Find(ctx, bson.M{"correlation_id": correlationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []archivedEvent
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}

	out := make([]bus.Envelope, 0, len(docs))
	for _, d := range docs {
		out = append(out, bus.Envelope{
			EventID:       d.EventID,
			EventType:     d.EventType,
			Version:       d.Version,
			CorrelationID: d.CorrelationID,
			PartitionKey:  d.PartitionKey,
			Timestamp:     d.Timestamp,
			Payload:       []byte(d.Payload),
		})
	}
	return out, nil
}
