// Package alerts records operator-facing anomalies. Raising an alert never fails the
// billing operation that raised it.
package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/google/uuid"
)

const (
	TypePaymentOutOfSync      = "PAYMENT_OUT_OF_SYNC"
	TypeStuckAuthorization    = "STUCK_AUTHORIZATION"
	TypeFailedPayout          = "FAILED_PAYOUT"
	TypeMissingPayment        = "MISSING_PAYMENT"
	TypeNoShowAutoReleased    = "NO_SHOW_AUTO_RELEASED"
	TypeStudentNoShowCharged  = "STUDENT_NO_SHOW_AUTO_CHARGED"
	TypeTutorNoShowRefunded   = "TUTOR_NO_SHOW_AUTO_REFUNDED"
	TypeAttendanceAnomaly     = "ATTENDANCE_ANOMALY"
	TypePaymentDisputed       = "PAYMENT_DISPUTED"
	TypeDisputeClosed         = "DISPUTE_CLOSED"
	TypeTransferReversed      = "TRANSFER_REVERSED"
	TypeUnexpectedCancel      = "UNEXPECTED_CANCELLATION"
	TypeManualPayoutRequired  = "MANUAL_PAYOUT_REQUIRED"
	TypeCaptureFailed         = "CAPTURE_FAILED"
	TypeRefundAfterPayout     = "REFUND_AFTER_PAYOUT"
	TypeWebhookUnmatched      = "WEBHOOK_UNMATCHED"
	TypeDuplicatePayoutDenied = "DUPLICATE_PAYOUT_REJECTED"
	TypeSettlementNotStarted  = "SETTLEMENT_NOT_STARTED"
)

const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

type Alert struct {
	Type        string
	Severity    string
	Description string
	PaymentID   *uuid.UUID
	LessonID    *uuid.UUID
	UserID      *uuid.UUID
	Data        map[string]interface{}
	// DedupeKey suppresses a new alert while an unresolved one with the same key exists.
	// Defaults to Type plus the most specific linked id.
	DedupeKey string
}

type Sink interface {
	CreateAlert(ctx context.Context, alert Alert)
}

// DedupeKeyFor builds the default key for an alert type and subject id.
func DedupeKeyFor(alertType string, id uuid.UUID) string {
	return alertType + ":" + id.String()
}

// StoreSink persists alerts through the alert store.
type StoreSink struct {
	store  store.AlertStore
	logger *slog.Logger
	now    func() time.Time
}

func NewStoreSink(s store.AlertStore, logger *slog.Logger) *StoreSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSink{store: s, logger: logger.With("component", "alerts"), now: time.Now}
}

func (s *StoreSink) CreateAlert(ctx context.Context, a Alert) {
	key := a.DedupeKey
	if key == "" {
		switch {
		case a.PaymentID != nil:
			key = DedupeKeyFor(a.Type, *a.PaymentID)
		case a.LessonID != nil:
			key = DedupeKeyFor(a.Type, *a.LessonID)
		}
	}

	record := &models.Alert{
		Type:        a.Type,
		Severity:    a.Severity,
		Description: a.Description,
		PaymentID:   a.PaymentID,
		LessonID:    a.LessonID,
		UserID:      a.UserID,
		Data:        a.Data,
		DedupeKey:   key,
		CreatedAt:   s.now(),
	}

	created, err := s.store.CreateAlertOnce(ctx, record)
	if err != nil {
		s.logger.Error("failed to record alert", "type", a.Type, "dedupe_key", key, "error", err)
		return
	}
	if created {
		s.logger.Warn("alert raised", "type", a.Type, "severity", a.Severity, "dedupe_key", key, "description", a.Description)
	}
}
