// Package wallet is the internal credit ledger. Each call locks one wallet, checks
// the balance invariants, and appends exactly one insert-only transaction.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anjiri1684/lesson_billing/billing"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInsufficientFunds = errors.New("available balance is lower than the requested amount")

type Ledger struct {
	store  store.WalletStore
	logger *slog.Logger
}

func NewLedger(s store.WalletStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, logger: logger.With("component", "wallet")}
}

// Reserve holds amount against the available balance.
func (l *Ledger) Reserve(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, correlationID string) (*models.WalletTransaction, error) {
	const op = "wallet.Reserve"
	return l.apply(ctx, op, ownerID, models.WalletReservation, amount, correlationID, func(w *models.Wallet, amt decimal.Decimal) (decimal.Decimal, error) {
		if w.AvailableBalance().LessThan(amt) {
			return decimal.Zero, billing.InsufficientFunds(op, fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, w.AvailableBalance().StringFixed(2), amt.StringFixed(2)))
		}
		w.ReservedBalance = w.ReservedBalance.Add(amt)
		return amt.Neg(), nil
	})
}

// Deduct converts part of a reservation into a charge. It is the only call that
// lowers the balance.
func (l *Ledger) Deduct(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, correlationID string) (*models.WalletTransaction, error) {
	const op = "wallet.Deduct"
	return l.apply(ctx, op, ownerID, models.WalletDeduction, amount, correlationID, func(w *models.Wallet, amt decimal.Decimal) (decimal.Decimal, error) {
		if w.ReservedBalance.LessThan(amt) {
			return decimal.Zero, billing.StateConflict(op, "reservation_missing", "deduction exceeds reserved balance")
		}
		w.ReservedBalance = w.ReservedBalance.Sub(amt)
		w.Balance = w.Balance.Sub(amt)
		return amt.Neg(), nil
	})
}

// Release drops a reservation without touching the balance.
func (l *Ledger) Release(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, correlationID string) (*models.WalletTransaction, error) {
	const op = "wallet.Release"
	return l.apply(ctx, op, ownerID, models.WalletRelease, amount, correlationID, func(w *models.Wallet, amt decimal.Decimal) (decimal.Decimal, error) {
		if w.ReservedBalance.LessThan(amt) {
			return decimal.Zero, billing.StateConflict(op, "reservation_missing", "release exceeds reserved balance")
		}
		w.ReservedBalance = w.ReservedBalance.Sub(amt)
		return amt, nil
	})
}

// Refund credits the balance.
func (l *Ledger) Refund(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, correlationID string) (*models.WalletTransaction, error) {
	return l.credit(ctx, "wallet.Refund", ownerID, models.WalletRefund, amount, correlationID)
}

// TopUp credits funds the payer loaded through the processor.
func (l *Ledger) TopUp(ctx context.Context, ownerID uuid.UUID, amount decimal.Decimal, correlationID string) (*models.WalletTransaction, error) {
	return l.credit(ctx, "wallet.TopUp", ownerID, models.WalletTopUp, amount, correlationID)
}

func (l *Ledger) credit(ctx context.Context, op string, ownerID uuid.UUID, kind models.WalletTransactionKind, amount decimal.Decimal, correlationID string) (*models.WalletTransaction, error) {
	return l.apply(ctx, op, ownerID, kind, amount, correlationID, func(w *models.Wallet, amt decimal.Decimal) (decimal.Decimal, error) {
		w.Balance = w.Balance.Add(amt)
		return amt, nil
	})
}

// GetBalance returns the wallet, or an empty one when the owner never had funds.
func (l *Ledger) GetBalance(ctx context.Context, ownerID uuid.UUID) (*models.Wallet, error) {
	w, err := l.store.GetWallet(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.Wallet{OwnerID: ownerID, Balance: decimal.Zero, ReservedBalance: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wallet.GetBalance: %w", err)
	}
	return w, nil
}

// History lists the newest transactions first.
func (l *Ledger) History(ctx context.Context, ownerID uuid.UUID, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	entries, err := l.store.ListWalletTransactions(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("wallet.History: %w", err)
	}
	return entries, nil
}

type mutation func(w *models.Wallet, amount decimal.Decimal) (signed decimal.Decimal, err error)

func (l *Ledger) apply(ctx context.Context, op string, ownerID uuid.UUID, kind models.WalletTransactionKind, amount decimal.Decimal, correlationID string, mutate mutation) (*models.WalletTransaction, error) {
	amount = billing.Cents(amount)
	if !amount.IsPositive() {
		return nil, billing.Validation(op, "invalid_amount", "amount must be positive")
	}
	if correlationID == "" {
		return nil, billing.Validation(op, "missing_correlation_id", "correlation id is required")
	}

	entry, applied, err := l.store.ApplyWalletTransaction(ctx, ownerID, kind, correlationID, func(w *models.Wallet) (*models.WalletTransaction, error) {
		signed, err := mutate(w, amount)
		if err != nil {
			return nil, err
		}
		if w.Balance.IsNegative() || w.ReservedBalance.IsNegative() || w.ReservedBalance.GreaterThan(w.Balance) {
			return nil, billing.StateConflict(op, "wallet_invariant", "wallet balances would become inconsistent")
		}
		return &models.WalletTransaction{
			Amount:        signed,
			BalanceAfter:  w.Balance,
			ReservedAfter: w.ReservedBalance,
		}, nil
	})
	if err != nil {
		var be *billing.Error
		if errors.As(err, &be) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if applied {
		l.logger.Debug("wallet transaction applied", "op", op, "owner_id", ownerID, "correlation_id", correlationID, "amount", entry.Amount.StringFixed(2))
	} else {
		l.logger.Debug("wallet transaction replayed", "op", op, "owner_id", ownerID, "correlation_id", correlationID)
	}
	return entry, nil
}
