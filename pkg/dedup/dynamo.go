package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoStore implements Store and IdempotencyStore on a single DynamoDB
// table keyed by pk. Conditional writes give the atomic check-and-set; the
// expires_at attribute should be registered as the table's TTL field.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
	ttl    time.Duration
}

func NewDynamoStore(client *dynamodb.Client, table string, ttl time.Duration) *DynamoStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DynamoStore{client: client, table: table, ttl: ttl}
}

type ddbRecord struct {
	PK        string `dynamodbav:"pk"`
	Status    string `dynamodbav:"status,omitempty"`
	Result    string `dynamodbav:"result,omitempty"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

func (s *DynamoStore) markerPK(group, eventID string) string {
	return "dedup#" + group + "#" + eventID
}

func (s *DynamoStore) idemPK(key string) string {
	return "idem#" + key
}

func (s *DynamoStore) get(ctx context.Context, pk string) (*ddbRecord, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"pk": pk})
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.table,
		Key:            key,
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem failed: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec ddbRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	if rec.ExpiresAt > 0 && time.Now().Unix() > rec.ExpiresAt {
		// TTL deletion lags; an expired record counts as absent.
		return nil, nil
	}
	return &rec, nil
}

// putIfAbsent writes the record unless the pk already exists. Returns false
// when another writer got there first.
func (s *DynamoStore) putIfAbsent(ctx context.Context, rec ddbRecord) (bool, error) {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}
	cond := "attribute_not_exists(pk)"
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.table,
		Item:                item,
		ConditionExpression: &cond,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb PutItem failed: %w", err)
	}
	return true, nil
}

func (s *DynamoStore) HasProcessed(ctx context.Context, group, eventID string) (bool, error) {
	rec, err := s.get(ctx, s.markerPK(group, eventID))
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

func (s *DynamoStore) MarkProcessed(ctx context.Context, group, eventID string) (bool, error) {
	return s.putIfAbsent(ctx, ddbRecord{
		PK:        s.markerPK(group, eventID),
		ExpiresAt: time.Now().Add(s.ttl).Unix(),
	})
}

func (s *DynamoStore) Reserve(ctx context.Context, key string) (KeyState, *CommandResult, error) {
	fresh, err := s.putIfAbsent(ctx, ddbRecord{
		PK:        s.idemPK(key),
		Status:    "pending",
		ExpiresAt: time.Now().Add(s.ttl).Unix(),
	})
	if err != nil {
		return KeyFresh, nil, err
	}
	if fresh {
		return KeyFresh, nil, nil
	}

	rec, err := s.get(ctx, s.idemPK(key))
	if err != nil {
		return KeyFresh, nil, err
	}
	if rec == nil {
		return KeyInProgress, nil, nil
	}
	if rec.Result == "" {
		return KeyInProgress, nil, nil
	}
	var result CommandResult
	if err := json.Unmarshal([]byte(rec.Result), &result); err != nil {
		return KeyFresh, nil, fmt.Errorf("decode result for %s: %w", key, err)
	}
	return KeyCompleted, &result, nil
}

func (s *DynamoStore) Complete(ctx context.Context, key string, result CommandResult) error {
	if result.StoredAt.IsZero() {
		result.StoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	pk, err := attributevalue.MarshalMap(map[string]string{"pk": s.idemPK(key)})
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	expr := "SET #st = :st, #res = :res"
	stAV, _ := attributevalue.Marshal("completed")
	resAV, _ := attributevalue.Marshal(string(data))

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.table,
		Key:              pk,
		UpdateExpression: &expr,
		ExpressionAttributeNames: map[string]string{
			"#st":  "status",
			"#res": "result",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st":  stAV,
			":res": resAV,
		},
	})
	if err != nil {
		return fmt.Errorf("complete key %s: %w", key, err)
	}
	return nil
}

func (s *DynamoStore) Release(ctx context.Context, key string) error {
	pk, err := attributevalue.MarshalMap(map[string]string{"pk": s.idemPK(key)})
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.table,
		Key:       pk,
	})
	if err != nil {
		return fmt.Errorf("release key %s: %w", key, err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
