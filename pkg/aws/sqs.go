package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSConsumer provides methods for consuming messages from SQS queues
type SQSConsumer struct {
	client            *sqs.Client
	queueURL          string
	waitSeconds       int32
	visibilitySeconds int32
}

// NewSQSConsumer creates a new SQS consumer for the given queue URL
func NewSQSConsumer(cfg aws.Config, queueURL string) *SQSConsumer {
	return &SQSConsumer{
		client:            sqs.NewFromConfig(cfg),
		queueURL:          queueURL,
		waitSeconds:       20, // long polling
		visibilitySeconds: 45,
	}
}

// MessageHandler processes one SQS message body. A nil return deletes the
// message; an error leaves it to reappear after the visibility timeout.
type MessageHandler func(ctx context.Context, body string) error

// snsNotification is the wrapper SNS adds when raw message delivery is off.
type snsNotification struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// UnwrapSNS strips the SNS notification wrapper if present and returns the
// inner message, otherwise the body unchanged.
func UnwrapSNS(body string) string {
	var n snsNotification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return body
	}
	if n.Type == "Notification" && n.Message != "" {
		return n.Message
	}
	return body
}

// StartPolling polls SQS for messages and processes them with the handler.
// Runs until the context is cancelled. Messages are handled sequentially so
// FIFO queues keep their per-group ordering.
func (c *SQSConsumer) StartPolling(ctx context.Context, handler MessageHandler) error {
	log.Printf("Starting SQS polling on queue: %s", c.queueURL)

	for {
		select {
		case <-ctx.Done():
			log.Println("SQS polling stopped")
			return ctx.Err()
		default:
			if err := c.pollOnce(ctx, handler); err != nil && ctx.Err() == nil {
				log.Printf("Error polling SQS: %v", err)
			}
		}
	}
}

func (c *SQSConsumer) pollOnce(ctx context.Context, handler MessageHandler) error {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &c.queueURL,
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     c.waitSeconds,
		VisibilityTimeout:   c.visibilitySeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to receive messages: %w", err)
	}

	for _, msg := range result.Messages {
		if msg.Body == nil {
			continue
		}

		if err := handler(ctx, UnwrapSNS(*msg.Body)); err != nil {
			log.Printf("Failed to process message: %v", err)
			// Message will become visible again after VisibilityTimeout
			continue
		}

		if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      &c.queueURL,
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			log.Printf("Failed to delete message: %v", err)
		}
	}

	return nil
}

// GetQueueURL retrieves the URL for a queue name
func GetQueueURL(ctx context.Context, cfg aws.Config, queueName string) (string, error) {
	client := sqs.NewFromConfig(cfg)
	result, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: &queueName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get queue URL: %w", err)
	}
	return *result.QueueUrl, nil
}
