package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WalletTransactionKind string

const (
	WalletTopUp       WalletTransactionKind = "top_up"
	WalletReservation WalletTransactionKind = "reservation"
	WalletDeduction   WalletTransactionKind = "deduction"
	WalletRefund      WalletTransactionKind = "refund"
	WalletRelease     WalletTransactionKind = "release"
)

type Wallet struct {
	OwnerID         uuid.UUID       `gorm:"type:uuid;primary_key" json:"owner_id"`
	Balance         decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"balance"`
	ReservedBalance decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"reserved_balance"`
	Version         int64           `gorm:"not null;default:0" json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (w *Wallet) AvailableBalance() decimal.Decimal {
	return w.Balance.Sub(w.ReservedBalance)
}

// WalletTransaction rows are insert-only. Amount is signed from the owner's point of
// view on available balance: reservations and deductions are negative.
type WalletTransaction struct {
	ID            uuid.UUID             `gorm:"type:uuid;primary_key" json:"id"`
	OwnerID       uuid.UUID             `gorm:"type:uuid;not null;index;uniqueIndex:ux_wallet_tx_correlation,priority:1" json:"owner_id"`
	Kind          WalletTransactionKind `gorm:"size:20;not null;uniqueIndex:ux_wallet_tx_correlation,priority:2" json:"kind"`
	CorrelationID string                `gorm:"size:255;not null;uniqueIndex:ux_wallet_tx_correlation,priority:3" json:"correlation_id"`
	Amount        decimal.Decimal       `gorm:"type:numeric(12,2);not null" json:"amount"`
	BalanceAfter  decimal.Decimal       `gorm:"type:numeric(12,2);not null" json:"balance_after"`
	ReservedAfter decimal.Decimal       `gorm:"type:numeric(12,2);not null" json:"reserved_after"`
	CreatedAt     time.Time             `gorm:"index" json:"created_at"`
}
