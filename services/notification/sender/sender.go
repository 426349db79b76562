package sender

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yashrajoria/order-saga/common/logger"
	"github.com/yashrajoria/order-saga/services/notification/models"
)

type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// Sender delivers one message to one recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) (SendResult, error)
	// Channel names the delivery channel for the log row.
	Channel() string
}

// LogSender writes the message to the log instead of delivering it.
// Default for local runs without SMTP credentials.
type LogSender struct{}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) Send(ctx context.Context, to, subject, body string) (SendResult, error) {
	logger.Info(ctx, "📧 Notification (log sink)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body))
	return SendResult{
		MessageID: fmt.Sprintf("log-%d", time.Now().UnixNano()),
		SentAt:    time.Now(),
	}, nil
}

func (s *LogSender) Channel() string {
	return models.ChannelLog
}
