// Package payments holds the adapters for the primary card processor and the
// secondary payout network. All processor amounts are integer minor units.
package payments

import (
	"context"

	"github.com/shopspring/decimal"
)

// Authorization statuses reported by the primary processor.
const (
	IntentRequiresPaymentMethod = "requires_payment_method"
	IntentRequiresAction        = "requires_action"
	IntentProcessing            = "processing"
	IntentRequiresCapture       = "requires_capture"
	IntentCanceled              = "canceled"
	IntentSucceeded             = "succeeded"
)

// Processor payout statuses.
const (
	PayoutPending   = "pending"
	PayoutInTransit = "in_transit"
	PayoutPaid      = "paid"
	PayoutFailed    = "failed"
	PayoutCanceled  = "canceled"
)

type AuthorizationRequest struct {
	AmountMinor      int64
	Currency         string
	CustomerRef      string
	PaymentMethodRef string
	Description      string
	Metadata         map[string]string
	IdempotencyKey   string
}

type Intent struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Amount           int64  `json:"amount"`
	AmountCapturable int64  `json:"amount_capturable"`
	AmountReceived   int64  `json:"amount_received"`
	Currency         string `json:"currency"`
	LatestCharge     string `json:"latest_charge"`
	// Metadata carries the payment id the intent was created for.
	Metadata map[string]string `json:"metadata"`
}

type TransferRequest struct {
	AmountMinor        int64
	Currency           string
	DestinationAccount string
	SourceCharge       string
	TransferGroup      string
	Metadata           map[string]string
	IdempotencyKey     string
}

type Transfer struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	Destination    string            `json:"destination"`
	Reversed       bool              `json:"reversed"`
	AmountReversed int64             `json:"amount_reversed"`
	Metadata       map[string]string `json:"metadata"`
}

type PayoutRequest struct {
	AmountMinor    int64
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type Payout struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Amount         int64             `json:"amount"`
	ArrivalDate    int64             `json:"arrival_date"`
	FailureCode    string            `json:"failure_code"`
	FailureMessage string            `json:"failure_message"`
	Metadata       map[string]string `json:"metadata"`
}

type RefundRequest struct {
	IntentID       string
	AmountMinor    int64
	Reason         string
	Metadata       map[string]string
	IdempotencyKey string
}

type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

type AccountRequest struct {
	Email          string
	Country        string
	Metadata       map[string]string
	IdempotencyKey string
}

type Account struct {
	ID               string            `json:"id"`
	Email            string            `json:"email"`
	Country          string            `json:"country"`
	DetailsSubmitted bool              `json:"details_submitted"`
	PayoutsEnabled   bool              `json:"payouts_enabled"`
	ChargesEnabled   bool              `json:"charges_enabled"`
	Metadata         map[string]string `json:"metadata"`
}

// Processor is the primary card processor: authorizations, transfers to connected
// sub-accounts, payouts to the platform bank, refunds and sub-account lifecycle.
type Processor interface {
	CreateAuthorization(ctx context.Context, req AuthorizationRequest) (*Intent, error)
	RetrieveAuthorization(ctx context.Context, intentID string) (*Intent, error)
	CaptureAuthorization(ctx context.Context, intentID string, amountMinor int64, idempotencyKey string) (*Intent, error)
	CancelAuthorization(ctx context.Context, intentID, idempotencyKey string) (*Intent, error)

	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error)
	RetrievePayout(ctx context.Context, payoutID string) (*Payout, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error)

	CreateAccount(ctx context.Context, req AccountRequest) (*Account, error)
	RetrieveAccount(ctx context.Context, accountID string) (*Account, error)
	CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error)
	CreateDashboardLink(ctx context.Context, accountID string) (string, error)
}

// Secondary network item statuses.
const (
	SecondarySuccess   = "SUCCESS"
	SecondaryFailed    = "FAILED"
	SecondaryPending   = "PENDING"
	SecondaryUnclaimed = "UNCLAIMED"
	SecondaryReturned  = "RETURNED"
	SecondaryOnHold    = "ONHOLD"
	SecondaryBlocked   = "BLOCKED"
	SecondaryRefunded  = "REFUNDED"
	SecondaryReversed  = "REVERSED"
)

type SecondaryPayout struct {
	BatchID string
	ItemID  string
	Status  string
}

// SecondaryOutcome classifies a secondary network item status.
func SecondaryOutcome(status string) (terminal, succeeded bool) {
	switch status {
	case SecondarySuccess:
		return true, true
	case SecondaryFailed, SecondaryReturned, SecondaryBlocked, SecondaryRefunded, SecondaryReversed:
		return true, false
	}
	return false, false
}

// PayoutNetwork sends money to a recipient address on the secondary network.
type PayoutNetwork interface {
	// SendPayout uses correlationID as the network-side batch id, so the network
	// rejects a second batch for the same payment.
	SendPayout(ctx context.Context, recipient string, amount decimal.Decimal, correlationID, note string) (*SecondaryPayout, error)
	GetPayoutStatus(ctx context.Context, itemID string) (*SecondaryPayout, error)
	GetBatchStatus(ctx context.Context, batchID string) (*SecondaryPayout, error)
}
