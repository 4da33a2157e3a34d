// Package notifications fans billing events out to subscribers: the message broker,
// the realtime websocket hub and transactional email. Billing code only sees the
// Publisher interface.
package notifications

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventPaymentReceived  = "payment.received"
	EventPaymentCaptured  = "payment.captured"
	EventPaymentRefunded  = "payment.refunded"
	EventPaymentCancelled = "payment.cancelled"
	EventBookingFailed    = "booking.failed"
	EventPayoutSucceeded  = "payout.succeeded"
	EventPayoutFailed     = "payout.failed"
	EventWalletCredited   = "wallet.credited"
)

type Event struct {
	Type       string                 `json:"type"`
	UserID     uuid.UUID              `json:"user_id"`
	LessonID   *uuid.UUID             `json:"lesson_id,omitempty"`
	PaymentID  *uuid.UUID             `json:"payment_id,omitempty"`
	Amount     decimal.Decimal        `json:"amount"`
	Currency   string                 `json:"currency,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus delivers each event to every subscriber in order. A failing subscriber does
// not stop delivery to the others.
type Bus struct {
	subscribers []Publisher
	logger      *slog.Logger
}

func NewBus(logger *slog.Logger, subscribers ...Publisher) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subscribers: subscribers, logger: logger.With("component", "notifications")}
}

func (b *Bus) Subscribe(p Publisher) {
	b.subscribers = append(b.subscribers, p)
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range b.subscribers {
		if err := s.Publish(ctx, event); err != nil {
			b.logger.Warn("subscriber failed", "event", event.Type, "user_id", event.UserID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notifier publishes in the background so callers never wait on delivery.
type Notifier struct {
	publisher Publisher
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewNotifier(p Publisher, timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{publisher: p, timeout: timeout, logger: logger.With("component", "notifier"), now: time.Now}
}

func (n *Notifier) NotifyPaymentReceived(tutorID uuid.UUID, amount decimal.Decimal, lessonID uuid.UUID) {
	n.Emit(Event{Type: EventPaymentReceived, UserID: tutorID, LessonID: &lessonID, Amount: amount})
}

func (n *Notifier) Emit(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = n.now()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.publisher.Publish(ctx, event); err != nil {
			n.logger.Warn("notification delivery failed", "event", event.Type, "user_id", event.UserID, "error", err)
		}
	}()
}
