package payments

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the API host, mainly for tests.
	BaseURL string
	Timeout time.Duration
}

// StripeService adapts the processor SDK to Processor. The SDK's own network
// retries are off; callers retry through RetryPolicy with stable idempotency keys.
type StripeService struct {
	api    *client.API
	logger *slog.Logger
}

func NewStripeService(cfg StripeConfig, logger *slog.Logger) *StripeService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &StripeService{api: api, logger: logger.With("component", "stripe")}
}

// check converts SDK errors into APIError so callers classify every provider the
// same way.
func (s *StripeService) check(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if !errors.As(err, &se) {
		return err
	}
	apiErr := &APIError{
		Provider:    "stripe",
		StatusCode:  se.HTTPStatusCode,
		Type:        string(se.Type),
		Code:        string(se.Code),
		DeclineCode: string(se.DeclineCode),
		Message:     se.Msg,
		RequestID:   se.RequestID,
	}
	s.logger.Warn("processor request failed", "op", op, "status", apiErr.StatusCode, "code", apiErr.Code, "request_id", apiErr.RequestID)
	return apiErr
}

func params(ctx context.Context, idempotencyKey string) stripe.Params {
	p := stripe.Params{Context: ctx}
	if idempotencyKey != "" {
		p.SetIdempotencyKey(idempotencyKey)
	}
	return p
}

type metadataSetter interface {
	AddMetadata(key, value string)
}

func addMetadata(p metadataSetter, metadata map[string]string) {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.AddMetadata(k, metadata[k])
	}
}

func fromIntent(pi *stripe.PaymentIntent) *Intent {
	intent := &Intent{
		ID:               pi.ID,
		Status:           string(pi.Status),
		Amount:           pi.Amount,
		AmountCapturable: pi.AmountCapturable,
		AmountReceived:   pi.AmountReceived,
		Currency:         string(pi.Currency),
		Metadata:         pi.Metadata,
	}
	if pi.LatestCharge != nil {
		intent.LatestCharge = pi.LatestCharge.ID
	}
	return intent
}

func fromPayout(po *stripe.Payout) *Payout {
	return &Payout{
		ID:             po.ID,
		Status:         string(po.Status),
		Amount:         po.Amount,
		ArrivalDate:    po.ArrivalDate,
		FailureCode:    string(po.FailureCode),
		FailureMessage: po.FailureMessage,
		Metadata:       po.Metadata,
	}
}

func fromAccount(a *stripe.Account) *Account {
	return &Account{
		ID:               a.ID,
		Email:            a.Email,
		Country:          a.Country,
		DetailsSubmitted: a.DetailsSubmitted,
		PayoutsEnabled:   a.PayoutsEnabled,
		ChargesEnabled:   a.ChargesEnabled,
		Metadata:         a.Metadata,
	}
}

func (s *StripeService) CreateAuthorization(ctx context.Context, req AuthorizationRequest) (*Intent, error) {
	p := &stripe.PaymentIntentParams{
		Params:        params(ctx, req.IdempotencyKey),
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if req.CustomerRef != "" {
		p.Customer = stripe.String(req.CustomerRef)
	}
	if req.PaymentMethodRef != "" {
		p.PaymentMethod = stripe.String(req.PaymentMethodRef)
		p.Confirm = stripe.Bool(true)
	}
	if req.Description != "" {
		p.Description = stripe.String(req.Description)
	}
	addMetadata(p, req.Metadata)

	pi, err := s.api.PaymentIntents.New(p)
	if err != nil {
		return nil, s.check("create_authorization", err)
	}
	return fromIntent(pi), nil
}

func (s *StripeService) RetrieveAuthorization(ctx context.Context, intentID string) (*Intent, error) {
	pi, err := s.api.PaymentIntents.Get(intentID, &stripe.PaymentIntentParams{Params: params(ctx, "")})
	if err != nil {
		return nil, s.check("retrieve_authorization", err)
	}
	return fromIntent(pi), nil
}

func (s *StripeService) CaptureAuthorization(ctx context.Context, intentID string, amountMinor int64, idempotencyKey string) (*Intent, error) {
	p := &stripe.PaymentIntentCaptureParams{Params: params(ctx, idempotencyKey)}
	if amountMinor > 0 {
		p.AmountToCapture = stripe.Int64(amountMinor)
	}
	pi, err := s.api.PaymentIntents.Capture(intentID, p)
	if err != nil {
		return nil, s.check("capture_authorization", err)
	}
	return fromIntent(pi), nil
}

func (s *StripeService) CancelAuthorization(ctx context.Context, intentID, idempotencyKey string) (*Intent, error) {
	pi, err := s.api.PaymentIntents.Cancel(intentID, &stripe.PaymentIntentCancelParams{Params: params(ctx, idempotencyKey)})
	if err != nil {
		return nil, s.check("cancel_authorization", err)
	}
	return fromIntent(pi), nil
}

func (s *StripeService) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	p := &stripe.TransferParams{
		Params:      params(ctx, req.IdempotencyKey),
		Amount:      stripe.Int64(req.AmountMinor),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.DestinationAccount),
	}
	if req.SourceCharge != "" {
		p.SourceTransaction = stripe.String(req.SourceCharge)
	}
	if req.TransferGroup != "" {
		p.TransferGroup = stripe.String(req.TransferGroup)
	}
	addMetadata(p, req.Metadata)

	tr, err := s.api.Transfers.New(p)
	if err != nil {
		return nil, s.check("create_transfer", err)
	}
	transfer := &Transfer{
		ID:             tr.ID,
		Amount:         tr.Amount,
		Reversed:       tr.Reversed,
		AmountReversed: tr.AmountReversed,
		Metadata:       tr.Metadata,
	}
	if tr.Destination != nil {
		transfer.Destination = tr.Destination.ID
	}
	return transfer, nil
}

func (s *StripeService) CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	p := &stripe.PayoutParams{
		Params:   params(ctx, req.IdempotencyKey),
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	if req.Description != "" {
		p.Description = stripe.String(req.Description)
	}
	addMetadata(p, req.Metadata)

	po, err := s.api.Payouts.New(p)
	if err != nil {
		return nil, s.check("create_payout", err)
	}
	return fromPayout(po), nil
}

func (s *StripeService) RetrievePayout(ctx context.Context, payoutID string) (*Payout, error) {
	po, err := s.api.Payouts.Get(payoutID, &stripe.PayoutParams{Params: params(ctx, "")})
	if err != nil {
		return nil, s.check("retrieve_payout", err)
	}
	return fromPayout(po), nil
}

// CreateRefund refunds against the intent's charge. Processor fees stay with the
// processor; only the charged amount is returned.
func (s *StripeService) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	p := &stripe.RefundParams{
		Params:        params(ctx, req.IdempotencyKey),
		PaymentIntent: stripe.String(req.IntentID),
	}
	if req.AmountMinor > 0 {
		p.Amount = stripe.Int64(req.AmountMinor)
	}
	if req.Reason != "" {
		p.Reason = stripe.String(req.Reason)
	}
	addMetadata(p, req.Metadata)

	r, err := s.api.Refunds.New(p)
	if err != nil {
		return nil, s.check("create_refund", err)
	}
	return &Refund{ID: r.ID, Status: string(r.Status), Amount: r.Amount}, nil
}

func (s *StripeService) CreateAccount(ctx context.Context, req AccountRequest) (*Account, error) {
	p := &stripe.AccountParams{
		Params: params(ctx, req.IdempotencyKey),
		Type:   stripe.String(string(stripe.AccountTypeExpress)),
		Email:  stripe.String(req.Email),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	if req.Country != "" {
		p.Country = stripe.String(strings.ToUpper(req.Country))
	}
	addMetadata(p, req.Metadata)

	a, err := s.api.Accounts.New(p)
	if err != nil {
		return nil, s.check("create_account", err)
	}
	return fromAccount(a), nil
}

func (s *StripeService) RetrieveAccount(ctx context.Context, accountID string) (*Account, error) {
	a, err := s.api.Accounts.GetByID(accountID, &stripe.AccountParams{Params: params(ctx, "")})
	if err != nil {
		return nil, s.check("retrieve_account", err)
	}
	return fromAccount(a), nil
}

func (s *StripeService) CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	link, err := s.api.AccountLinks.New(&stripe.AccountLinkParams{
		Params:     params(ctx, ""),
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String(string(stripe.AccountLinkTypeAccountOnboarding)),
	})
	if err != nil {
		return "", s.check("create_onboarding_link", err)
	}
	return link.URL, nil
}

func (s *StripeService) CreateDashboardLink(ctx context.Context, accountID string) (string, error) {
	link, err := s.api.LoginLinks.New(&stripe.LoginLinkParams{
		Params:  params(ctx, ""),
		Account: stripe.String(accountID),
	})
	if err != nil {
		return "", s.check("create_dashboard_link", err)
	}
	return link.URL, nil
}
