// Package services orchestrates lesson billing: booking authorizations, capture,
// completion and refunds, payout settlement, and webhook-driven corrections.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anjiri1684/lesson_billing/billing"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/notifications"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

type WalletLedger interface {
	Reserve(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, correlationID string) (*models.WalletTransaction, error)
	Deduct(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, correlationID string) (*models.WalletTransaction, error)
	Release(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, correlationID string) (*models.WalletTransaction, error)
	Refund(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, correlationID string) (*models.WalletTransaction, error)
	TopUp(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, correlationID string) (*models.WalletTransaction, error)
	GetBalance(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error)
	History(ctx context.Context, ownerID uuid.UUID, limit int) ([]models.WalletTransaction, error)
}

// Notifier delivers user-facing events without blocking the caller.
type Notifier interface {
	NotifyPaymentReceived(tutorID uuid.UUID, amount decimal.Decimal, lessonID uuid.UUID)
	Emit(event notifications.Event)
}

// Settler starts payout settlement for a recognized payment.
type Settler interface {
	Settle(ctx context.Context, paymentID uuid.UUID) error
}

type noopNotifier struct{}

func (noopNotifier) NotifyPaymentReceived(uuid.UUID, decimal.Decimal, uuid.UUID) {}
func (noopNotifier) Emit(notifications.Event) {}

// DefaultClaimTTL is how long an in-flight claim blocks other operations before it
// is treated as abandoned.
const DefaultClaimTTL = 5 * time.Minute

// claims implements the in-flight operation compare-and-swap on payments. A claim
// is taken inside a row lock, the external calls run outside it, and the result is
// written back with the claim cleared.
type claims struct {
	store store.PaymentStore
	ttl   time.Duration
	now   func() time.Time
}

func (c claims) held(p *models.Payment) bool {
	return p.InFlightOperation != nil && p.InFlightSince != nil && c.now().Sub(*p.InFlightSince) < c.ttl
}

// acquire runs check under the payment lock and, when it passes, marks op in flight.
// check may return store.ErrSkip to signal a no-op.
func (c claims) acquire(ctx context.Context, paymentID uuid.UUID, op string, check func(*models.Payment) error) (*models.Payment, error) {
	p, err := c.store.MutatePayment(ctx, paymentID, func(p *models.Payment) error {
		if c.held(p) {
			return billing.StateConflict(op, "operation_in_flight", fmt.Sprintf("payment is busy with %s", *p.InFlightOperation))
		}
		if check != nil {
			if err := check(p); err != nil {
				return err
			}
		}
		name := op
		now := c.now()
		p.InFlightOperation = &name
		p.InFlightSince = &now
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, billing.NotFound(op, "payment_not_found", "payment not found")
	}
	return p, err
}

// finish applies fn and clears the claim. It survives caller cancellation so a
// claim is not left behind after the external work already happened.
func (c claims) finish(ctx context.Context, paymentID uuid.UUID, fn func(*models.Payment)) (*models.Payment, error) {
	return c.store.MutatePayment(context.WithoutCancel(ctx), paymentID, func(p *models.Payment) error {
		if fn != nil {
			fn(p)
		}
		p.InFlightOperation = nil
		p.InFlightSince = nil
		return nil
	})
}

func strPtr(s string) *string {
	return &s
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	return &id
}

// minDecimal returns the smaller of a and b.
func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
