package notification

import (
	"context"
	"log/slog"
	"time"
)

const (
	KindDepositCredited     = "deposit.credited"
	KindWithdrawalCompleted = "withdrawal.completed"
	KindWithdrawalFailed    = "withdrawal.failed"
	KindTransferReceived    = "transfer.received"
)

// Message describes a wallet event for downstream consumers.
type Message struct {
	Kind   string            `json:"kind"`
	UserID string            `json:"userId"`
	Amount int64             `json:"amount"`
	Ref    string            `json:"ref,omitempty"`
	At     time.Time         `json:"at"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("kind", message.Kind),
		slog.String("user_id", message.UserID),
		slog.Int64("amount", message.Amount),
		slog.String("ref", message.Ref))
	return nil
}

// Multi fans a message out to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, message Message) error {
	var first error
	for _, n := range m {
		if err := n.Send(ctx, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
