// Package paymentstest provides in-memory processor and payout network fakes that
// honour idempotency keys the way the real providers do.
package paymentstest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/anjiri1684/lesson_billing/payments"
	"github.com/shopspring/decimal"
)

type Processor struct {
	mu sync.Mutex
	// Fail* make the matching call return the error without side effects.
	FailAuthorize error
	FailCapture   error
	FailCancel    error
	FailTransfer  error
	FailPayout    error
	FailRefund    error

	intents   map[string]*payments.Intent
	payouts   map[string]*payments.Payout
	accounts  map[string]*payments.Account
	transfers []payments.TransferRequest
	refunds   []payments.RefundRequest
	idem      map[string]interface{}
	calls     map[string]int
	seq       int
}

func NewProcessor() *Processor {
	return &Processor{
		intents:  make(map[string]*payments.Intent),
		payouts:  make(map[string]*payments.Payout),
		accounts: make(map[string]*payments.Account),
		idem:     make(map[string]interface{}),
		calls:    make(map[string]int),
	}
}

func (p *Processor) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%d", prefix, p.seq)
}

func notFound(id string) error {
	return &payments.APIError{Provider: "fake", StatusCode: http.StatusNotFound, Code: "resource_missing", Message: "no such object: " + id}
}

func invalidState(msg string) error {
	return &payments.APIError{Provider: "fake", StatusCode: http.StatusBadRequest, Code: "payment_intent_unexpected_state", Message: msg}
}

// Calls returns how many times op ran, including replays.
func (p *Processor) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *Processor) Transfers() []payments.TransferRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]payments.TransferRequest(nil), p.transfers...)
}

func (p *Processor) Refunds() []payments.RefundRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]payments.RefundRequest(nil), p.refunds...)
}

// Intent returns a copy of the stored intent.
func (p *Processor) Intent(id string) (payments.Intent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	in, ok := p.intents[id]
	if !ok {
		return payments.Intent{}, false
	}
	return *in, true
}

// SetIntentStatus forces processor-side drift.
func (p *Processor) SetIntentStatus(id, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if in, ok := p.intents[id]; ok {
		in.Status = status
	}
}

func (p *Processor) DeleteIntent(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.intents, id)
}

func (p *Processor) SetPayoutStatus(id, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if po, ok := p.payouts[id]; ok {
		po.Status = status
	}
}

// AddAccount registers a connected account in the given onboarding state.
func (p *Processor) AddAccount(account payments.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := account
	p.accounts[a.ID] = &a
}

func (p *Processor) CreateAuthorization(_ context.Context, req payments.AuthorizationRequest) (*payments.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["authorize"]++
	if prior, ok := p.idem[req.IdempotencyKey].(*payments.Intent); ok && req.IdempotencyKey != "" {
		c := *prior
		return &c, nil
	}
	if p.FailAuthorize != nil {
		return nil, p.FailAuthorize
	}
	in := &payments.Intent{
		ID:               p.nextID("pi"),
		Status:           payments.IntentRequiresCapture,
		Amount:           req.AmountMinor,
		AmountCapturable: req.AmountMinor,
		Currency:         req.Currency,
		Metadata:         req.Metadata,
	}
	p.intents[in.ID] = in
	if req.IdempotencyKey != "" {
		p.idem[req.IdempotencyKey] = in
	}
	c := *in
	return &c, nil
}

func (p *Processor) RetrieveAuthorization(_ context.Context, intentID string) (*payments.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["retrieve_authorization"]++
	in, ok := p.intents[intentID]
	if !ok {
		return nil, notFound(intentID)
	}
	c := *in
	return &c, nil
}

func (p *Processor) CaptureAuthorization(_ context.Context, intentID string, amountMinor int64, _ string) (*payments.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["capture"]++
	if p.FailCapture != nil {
		return nil, p.FailCapture
	}
	in, ok := p.intents[intentID]
	if !ok {
		return nil, notFound(intentID)
	}
	if in.Status == payments.IntentSucceeded {
		c := *in
		return &c, nil
	}
	if in.Status != payments.IntentRequiresCapture {
		return nil, invalidState("intent is " + in.Status)
	}
	if amountMinor <= 0 || amountMinor > in.AmountCapturable {
		amountMinor = in.AmountCapturable
	}
	in.Status = payments.IntentSucceeded
	in.AmountReceived = amountMinor
	in.AmountCapturable = 0
	in.LatestCharge = p.nextID("ch")
	c := *in
	return &c, nil
}

func (p *Processor) CancelAuthorization(_ context.Context, intentID, _ string) (*payments.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["cancel"]++
	if p.FailCancel != nil {
		return nil, p.FailCancel
	}
	in, ok := p.intents[intentID]
	if !ok {
		return nil, notFound(intentID)
	}
	switch in.Status {
	case payments.IntentCanceled:
	case payments.IntentSucceeded:
		return nil, invalidState("intent already captured")
	default:
		in.Status = payments.IntentCanceled
		in.AmountCapturable = 0
	}
	c := *in
	return &c, nil
}

func (p *Processor) CreateTransfer(_ context.Context, req payments.TransferRequest) (*payments.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["transfer"]++
	if prior, ok := p.idem[req.IdempotencyKey].(*payments.Transfer); ok && req.IdempotencyKey != "" {
		c := *prior
		return &c, nil
	}
	if p.FailTransfer != nil {
		return nil, p.FailTransfer
	}
	tr := &payments.Transfer{ID: p.nextID("tr"), Amount: req.AmountMinor, Destination: req.DestinationAccount, Metadata: req.Metadata}
	p.transfers = append(p.transfers, req)
	if req.IdempotencyKey != "" {
		p.idem[req.IdempotencyKey] = tr
	}
	c := *tr
	return &c, nil
}

func (p *Processor) CreatePayout(_ context.Context, req payments.PayoutRequest) (*payments.Payout, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["payout"]++
	if prior, ok := p.idem[req.IdempotencyKey].(*payments.Payout); ok && req.IdempotencyKey != "" {
		c := *prior
		return &c, nil
	}
	if p.FailPayout != nil {
		return nil, p.FailPayout
	}
	po := &payments.Payout{ID: p.nextID("po"), Status: payments.PayoutPending, Amount: req.AmountMinor, Metadata: req.Metadata}
	p.payouts[po.ID] = po
	if req.IdempotencyKey != "" {
		p.idem[req.IdempotencyKey] = po
	}
	c := *po
	return &c, nil
}

func (p *Processor) RetrievePayout(_ context.Context, payoutID string) (*payments.Payout, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["retrieve_payout"]++
	po, ok := p.payouts[payoutID]
	if !ok {
		return nil, notFound(payoutID)
	}
	c := *po
	return &c, nil
}

func (p *Processor) CreateRefund(_ context.Context, req payments.RefundRequest) (*payments.Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["refund"]++
	if prior, ok := p.idem[req.IdempotencyKey].(*payments.Refund); ok && req.IdempotencyKey != "" {
		c := *prior
		return &c, nil
	}
	if p.FailRefund != nil {
		return nil, p.FailRefund
	}
	if _, ok := p.intents[req.IntentID]; !ok {
		return nil, notFound(req.IntentID)
	}
	re := &payments.Refund{ID: p.nextID("re"), Status: "succeeded", Amount: req.AmountMinor}
	p.refunds = append(p.refunds, req)
	if req.IdempotencyKey != "" {
		p.idem[req.IdempotencyKey] = re
	}
	c := *re
	return &c, nil
}

func (p *Processor) CreateAccount(_ context.Context, req payments.AccountRequest) (*payments.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["create_account"]++
	if prior, ok := p.idem[req.IdempotencyKey].(*payments.Account); ok && req.IdempotencyKey != "" {
		c := *prior
		return &c, nil
	}
	a := &payments.Account{ID: p.nextID("acct"), Email: req.Email, Country: req.Country, Metadata: req.Metadata}
	p.accounts[a.ID] = a
	if req.IdempotencyKey != "" {
		p.idem[req.IdempotencyKey] = a
	}
	c := *a
	return &c, nil
}

func (p *Processor) RetrieveAccount(_ context.Context, accountID string) (*payments.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["retrieve_account"]++
	a, ok := p.accounts[accountID]
	if !ok {
		return nil, notFound(accountID)
	}
	c := *a
	return &c, nil
}

func (p *Processor) CreateOnboardingLink(_ context.Context, accountID, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[accountID]; !ok {
		return "", notFound(accountID)
	}
	return "https://connect.test/onboarding/" + accountID, nil
}

func (p *Processor) CreateDashboardLink(_ context.Context, accountID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[accountID]; !ok {
		return "", notFound(accountID)
	}
	return "https://connect.test/dashboard/" + accountID, nil
}

// PayoutNetwork fakes the secondary network. Batches are keyed by correlation id
// and a second send for the same id is rejected.
type PayoutNetwork struct {
	mu sync.Mutex
	// FailSend makes SendPayout fail before a batch is created.
	FailSend error
	// InitialStatus is the item status of new payouts; defaults to PENDING.
	InitialStatus string

	batches map[string]*payments.SecondaryPayout
	items   map[string]*payments.SecondaryPayout
	sends   int
	seq     int
	amounts map[string]decimal.Decimal
}

func NewPayoutNetwork() *PayoutNetwork {
	return &PayoutNetwork{
		batches: make(map[string]*payments.SecondaryPayout),
		items:   make(map[string]*payments.SecondaryPayout),
		amounts: make(map[string]decimal.Decimal),
	}
}

func (n *PayoutNetwork) Sends() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sends
}

// Amount returns what was sent for the correlation id.
func (n *PayoutNetwork) Amount(correlationID string) decimal.Decimal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.amounts[correlationID]
}

func (n *PayoutNetwork) SetItemStatus(itemID, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if it, ok := n.items[itemID]; ok {
		it.Status = status
	}
}

func (n *PayoutNetwork) SendPayout(_ context.Context, recipient string, amount decimal.Decimal, correlationID, _ string) (*payments.SecondaryPayout, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends++
	if n.FailSend != nil {
		return nil, n.FailSend
	}
	if recipient == "" {
		return nil, &payments.APIError{Provider: "fake", StatusCode: http.StatusBadRequest, Code: "RECEIVER_UNREGISTERED"}
	}
	for _, b := range n.batches {
		if b.BatchID == "B-"+correlationID {
			return nil, payments.ErrDuplicateBatch
		}
	}
	n.seq++
	status := n.InitialStatus
	if status == "" {
		status = payments.SecondaryPending
	}
	sp := &payments.SecondaryPayout{BatchID: "B-" + correlationID, ItemID: fmt.Sprintf("I-%d", n.seq), Status: status}
	n.batches[sp.BatchID] = sp
	n.items[sp.ItemID] = sp
	n.amounts[correlationID] = amount
	c := *sp
	return &c, nil
}

func (n *PayoutNetwork) GetPayoutStatus(_ context.Context, itemID string) (*payments.SecondaryPayout, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	it, ok := n.items[itemID]
	if !ok {
		return nil, notFound(itemID)
	}
	c := *it
	return &c, nil
}

func (n *PayoutNetwork) GetBatchStatus(_ context.Context, batchID string) (*payments.SecondaryPayout, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.batches[batchID]
	if !ok {
		return nil, notFound(batchID)
	}
	c := *b
	return &c, nil
}
