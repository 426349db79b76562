package aws

import (
	"context"
	"fmt"
	"strings"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSPublisher is a minimal interface for publishing messages to SNS.
type SNSPublisher interface {
	Publish(ctx context.Context, topicArn string, message []byte, attrs PublishAttributes) error
}

// PublishAttributes carry event routing metadata. GroupID and DedupID are
// only honored on .fifo topics, where they give per-group ordering and
// broker-side deduplication.
type PublishAttributes struct {
	EventType string
	GroupID   string
	DedupID   string
}

type SNSClient struct {
	client *sns.Client
}

func NewSNSClient(cfg sdkaws.Config) *SNSClient {
	return &SNSClient{client: sns.NewFromConfig(cfg)}
}

// Publish publishes a message to the given SNS topic ARN.
func (s *SNSClient) Publish(ctx context.Context, topicArn string, message []byte, attrs PublishAttributes) error {
	if topicArn == "" {
		return fmt.Errorf("empty topicArn")
	}
	input := &sns.PublishInput{
		TopicArn: &topicArn,
		Message:  awsString(string(message)),
	}
	if attrs.EventType != "" {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    awsString("String"),
				StringValue: awsString(attrs.EventType),
			},
		}
	}
	if strings.HasSuffix(topicArn, ".fifo") {
		if attrs.GroupID != "" {
			input.MessageGroupId = awsString(attrs.GroupID)
		}
		if attrs.DedupID != "" {
			input.MessageDeduplicationId = awsString(attrs.DedupID)
		}
	}
	_, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed for topic %s: %w", topicArn, err)
	}
	return nil
}

func awsString(s string) *string { return &s }
