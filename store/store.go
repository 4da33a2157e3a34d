// Package store persists lessons, payments, wallets, payout accounts, alerts and
// webhook events. Every mutation of a single record goes through a Mutate call that
// holds that record's lock for the duration of the callback, so callers can check state
// and write in one step.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/anjiri1684/lesson_billing/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrSkip aborts a Mutate callback without writing. Mutate returns it unchanged.
	ErrSkip = errors.New("mutation skipped")
	// ErrLessonAlreadyPaid is returned when a lesson is already linked to a payment.
	ErrLessonAlreadyPaid = errors.New("lesson already has a payment")
)

type ExternalRef string

const (
	RefProcessorIntent   ExternalRef = "processor_intent_id"
	RefProcessorCharge   ExternalRef = "processor_charge_id"
	RefProcessorTransfer ExternalRef = "processor_transfer_id"
	RefProcessorPayout   ExternalRef = "processor_payout_id"
	RefSecondaryItem     ExternalRef = "secondary_item_id"
)

type LessonFilter struct {
	Statuses       []models.LessonStatus
	EndedBefore    *time.Time
	CompletedAfter *time.Time
	HasCallStart   *bool
	WithoutPayment bool
	Limit          int
}

type PaymentFilter struct {
	Statuses             []models.PaymentStatus
	TransferStatuses     []models.TransferStatus
	SettlementStates     []models.SettlementState
	ChargedAfter         *time.Time
	CreatedBefore        *time.Time
	TransferFailedAfter  *time.Time
	Uncaptured           bool
	RevenueRecognized    *bool
	// LessonCompletedAfter keeps payments whose lesson completed at or after the time.
	LessonCompletedAfter *time.Time
	Limit                int
}

type AlertFilter struct {
	OpenOnly bool
	Type     string
	Limit    int
}

type LessonStore interface {
	GetLesson(ctx context.Context, id uuid.UUID) (*models.Lesson, error)
	CreateLesson(ctx context.Context, lesson *models.Lesson) error
	MutateLesson(ctx context.Context, id uuid.UUID, fn func(*models.Lesson) error) (*models.Lesson, error)
	ListLessons(ctx context.Context, filter LessonFilter) ([]models.Lesson, error)
}

type PaymentStore interface {
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindPaymentByLesson(ctx context.Context, lessonID uuid.UUID) (*models.Payment, error)
	FindPaymentByRef(ctx context.Context, ref ExternalRef, value string) (*models.Payment, error)
	// CreatePaymentForLesson inserts the payment and links it to its lesson atomically.
	CreatePaymentForLesson(ctx context.Context, payment *models.Payment) error
	MutatePayment(ctx context.Context, id uuid.UUID, fn func(*models.Payment) error) (*models.Payment, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]models.Payment, error)
}

type WalletStore interface {
	GetWallet(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error)
	// ApplyWalletTransaction locks the owner's wallet, creating it when missing, and runs
	// fn to mutate it. The returned entry is appended in the same transaction. When an
	// entry with the same (owner, kind, correlation id) exists, fn is not run and the
	// existing entry is returned with applied=false.
	ApplyWalletTransaction(ctx context.Context, ownerID uuid.UUID, kind models.WalletTransactionKind, correlationID string, fn func(*models.Wallet) (*models.WalletTransaction, error)) (entry *models.WalletTransaction, applied bool, err error)
	ListWalletTransactions(ctx context.Context, ownerID uuid.UUID, limit int) ([]models.WalletTransaction, error)
}

type PayoutAccountStore interface {
	GetPayoutAccount(ctx context.Context, tutorID uuid.UUID) (*models.PayoutAccount, error)
	FindPayoutAccountByProcessorID(ctx context.Context, accountID string) (*models.PayoutAccount, error)
	SavePayoutAccount(ctx context.Context, account *models.PayoutAccount) error
}

type AlertStore interface {
	// CreateAlertOnce inserts the alert unless an unresolved alert with the same dedupe
	// key exists.
	CreateAlertOnce(ctx context.Context, alert *models.Alert) (created bool, err error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]models.Alert, error)
	ResolveAlert(ctx context.Context, id uuid.UUID, at time.Time) error
}

type WebhookEventStore interface {
	// BeginWebhookEvent records the event and reports whether it was already processed.
	BeginWebhookEvent(ctx context.Context, event *models.WebhookEvent) (alreadyProcessed bool, err error)
	FinishWebhookEvent(ctx context.Context, id string, processingErr error, at time.Time) error
}

type Store interface {
	LessonStore
	PaymentStore
	WalletStore
	PayoutAccountStore
	AlertStore
	WebhookEventStore
}
