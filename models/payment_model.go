package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	MethodWallet    PaymentMethod = "wallet"
	MethodCard      PaymentMethod = "card"
	MethodSavedCard PaymentMethod = "saved_card"
	MethodApplePay  PaymentMethod = "apple_pay"
	MethodGooglePay PaymentMethod = "google_pay"
	MethodHybrid    PaymentMethod = "hybrid"
)

// UsesProcessor reports whether the method has a card leg at the primary processor.
func (m PaymentMethod) UsesProcessor() bool {
	switch m {
	case MethodCard, MethodSavedCard, MethodApplePay, MethodGooglePay, MethodHybrid:
		return true
	}
	return false
}

func (m PaymentMethod) Valid() bool {
	return m == MethodWallet || m.UsesProcessor()
}

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentProcessing        PaymentStatus = "processing"
	PaymentAuthorized        PaymentStatus = "authorized"
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentCancelled         PaymentStatus = "cancelled"
)

type TransferStatus string

const (
	TransferPending       TransferStatus = "pending"
	TransferAwaitingFunds TransferStatus = "awaiting_funds"
	TransferSucceeded     TransferStatus = "succeeded"
	TransferFailed        TransferStatus = "failed"
	TransferAcknowledged  TransferStatus = "acknowledged"
)

type SettlementPath string

const (
	SettlementDirect SettlementPath = "direct"
	SettlementBridge SettlementPath = "bridge"
	SettlementManual SettlementPath = "manual"
)

type SettlementState string

const (
	SettlementPending                 SettlementState = "pending"
	SettlementTransferring            SettlementState = "transferring"
	SettlementDirectTransferSucceeded SettlementState = "direct_transfer_succeeded"
	SettlementAwaitingFunds           SettlementState = "awaiting_funds"
	SettlementFundsArrived            SettlementState = "funds_arrived"
	SettlementForwarding              SettlementState = "forwarding"
	SettlementSucceeded               SettlementState = "succeeded"
	SettlementFailed                  SettlementState = "failed"
	SettlementManualPending           SettlementState = "manual_pending"
)

type Payment struct {
	ID       uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	LessonID uuid.UUID `gorm:"type:uuid;not null;unique" json:"lesson_id"`
	PayerID  uuid.UUID `gorm:"type:uuid;not null;index" json:"payer_id"`
	TutorID  uuid.UUID `gorm:"type:uuid;not null;index" json:"tutor_id"`

	Amount        decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	WalletAmount  decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"wallet_amount"`
	CardAmount    decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"card_amount"`
	ChargedAmount decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"charged_amount"`
	Currency      string          `gorm:"size:3;not null" json:"currency"`

	PlatformFeePercentage decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"platform_fee_percentage"`
	PlatformFee           decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"platform_fee"`
	TutorPayout           decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"tutor_payout"`

	PaymentMethod    PaymentMethod `gorm:"size:20;not null" json:"payment_method"`
	PaymentMethodRef *string       `gorm:"size:255" json:"-"`
	CustomerRef      *string       `gorm:"size:255" json:"-"`
	Status           PaymentStatus `gorm:"size:30;not null;index" json:"status"`
	FailureCode      *string       `gorm:"size:60" json:"failure_code"`

	ProcessorIntentID   *string `gorm:"size:255;unique" json:"processor_intent_id"`
	ProcessorChargeID   *string `gorm:"size:255;index" json:"processor_charge_id"`
	ProcessorTransferID *string `gorm:"size:255;index" json:"processor_transfer_id"`
	ProcessorPayoutID   *string `gorm:"size:255;index" json:"processor_payout_id"`
	ProcessorRefundID   *string `gorm:"size:255" json:"processor_refund_id"`
	SecondaryBatchID    *string `gorm:"size:255" json:"secondary_batch_id"`
	SecondaryItemID     *string `gorm:"size:255;index" json:"secondary_item_id"`

	ChargedAt *time.Time `gorm:"index" json:"charged_at"`

	TransferStatus        TransferStatus  `gorm:"size:20;not null;default:'pending';index" json:"transfer_status"`
	SettlementPath        SettlementPath  `gorm:"size:20" json:"settlement_path"`
	SettlementState       SettlementState `gorm:"size:30;not null;default:'pending';index" json:"settlement_state"`
	SecondaryStatus       *string         `gorm:"size:30" json:"secondary_status"`
	TransferAttempts      int             `gorm:"default:0" json:"transfer_attempts"`
	TransferFailureReason *string         `gorm:"type:text" json:"transfer_failure_reason"`
	TransferFailedAt      *time.Time      `gorm:"index" json:"transfer_failed_at"`
	FundsArrivedAt        *time.Time      `json:"funds_arrived_at"`
	TransferredAt         *time.Time      `json:"transferred_at"`

	RevenueRecognized   bool       `gorm:"default:false" json:"revenue_recognized"`
	RevenueRecognizedAt *time.Time `json:"revenue_recognized_at"`

	RefundAmount decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"refund_amount"`
	RefundMethod *string         `gorm:"size:20" json:"refund_method"`
	RefundedAt   *time.Time      `json:"refunded_at"`

	DisputeStatus *string `gorm:"size:30" json:"dispute_status"`

	InFlightOperation *string    `gorm:"size:30" json:"-"`
	InFlightSince     *time.Time `json:"-"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Payment) IsCaptured() bool {
	return p.ChargedAt != nil
}

// RefundableAmount is what the payer can still get back. ChargedAmount is kept net
// of refunds, so it is the whole of it.
func (p *Payment) RefundableAmount() decimal.Decimal {
	return p.ChargedAmount
}

// CapturedAmount is the gross amount captured before any refunds.
func (p *Payment) CapturedAmount() decimal.Decimal {
	return p.ChargedAmount.Add(p.RefundAmount)
}
