package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anjiri1684/lesson_billing/alerts"
	"github.com/anjiri1684/lesson_billing/billing"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/notifications"
	"github.com/anjiri1684/lesson_billing/payments"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	WebhookProviderProcessor = "stripe"
	// TopUpPurpose marks authorizations created by the wallet top-up checkout.
	TopUpPurpose = "wallet_top_up"
)

type chargeObject struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Refunded       bool              `json:"refunded"`
	Metadata       map[string]string `json:"metadata"`
}

type disputeObject struct {
	ID            string `json:"id"`
	Charge        string `json:"charge"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason"`
	Status        string `json:"status"`
}

// WebhookService applies processor events. Each event id is processed once; events
// that arrive again after success are acknowledged without side effects.
type WebhookService struct {
	store      store.Store
	payments   *PaymentService
	settlement *SettlementService
	accounts   *PayoutAccountService
	wallet     WalletLedger
	alerts     alerts.Sink
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time
}

func NewWebhookService(s store.Store, paymentSvc *PaymentService, settlement *SettlementService, accounts *PayoutAccountService, wallet WalletLedger, sink alerts.Sink, notifier Notifier, logger *slog.Logger) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &WebhookService{
		store:      s,
		payments:   paymentSvc,
		settlement: settlement,
		accounts:   accounts,
		wallet:     wallet,
		alerts:     sink,
		notifier:   notifier,
		logger:     logger.With("component", "webhooks"),
		now:        time.Now,
	}
}

// Handle records and dispatches a verified event. A returned error means the event
// should be redelivered.
func (s *WebhookService) Handle(ctx context.Context, event *payments.Event, raw []byte) error {
	processed, err := s.store.BeginWebhookEvent(ctx, &models.WebhookEvent{
		ID:       event.ID,
		Provider: WebhookProviderProcessor,
		Type:     event.Type,
		Payload:  datatypes.JSON(raw),
	})
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	if processed {
		s.logger.Debug("duplicate webhook event", "event_id", event.ID, "type", event.Type)
		return nil
	}

	procErr := s.dispatch(ctx, event)
	if err := s.store.FinishWebhookEvent(context.WithoutCancel(ctx), event.ID, procErr, s.now()); err != nil {
		s.logger.Error("finishing webhook event failed", "event_id", event.ID, "error", err)
	}
	if procErr != nil {
		s.logger.Error("webhook processing failed", "event_id", event.ID, "type", event.Type, "error", procErr)
		return procErr
	}
	return nil
}

func (s *WebhookService) dispatch(ctx context.Context, event *payments.Event) error {
	switch {
	case strings.HasPrefix(event.Type, "payout."):
		var payout payments.Payout
		if err := json.Unmarshal(event.Data.Object, &payout); err != nil {
			return fmt.Errorf("decode payout: %w", err)
		}
		err := s.settlement.HandlePayoutEvent(ctx, payout.ID, payout.Status, payout.FailureCode)
		return s.unmatchedIfMissing(ctx, event, err)

	case strings.HasPrefix(event.Type, "transfer."):
		var transfer payments.Transfer
		if err := json.Unmarshal(event.Data.Object, &transfer); err != nil {
			return fmt.Errorf("decode transfer: %w", err)
		}
		err := s.settlement.HandleTransferEvent(ctx, &transfer, event.Type)
		return s.unmatchedIfMissing(ctx, event, err)

	case event.Type == "payment_intent.canceled":
		return s.intentCanceled(ctx, event)
	case event.Type == "payment_intent.succeeded":
		return s.intentSucceeded(ctx, event)
	case event.Type == "charge.refunded":
		return s.chargeRefunded(ctx, event)
	case event.Type == "charge.dispute.created", event.Type == "charge.dispute.closed":
		return s.dispute(ctx, event)

	case event.Type == "account.updated":
		var acct payments.Account
		if err := json.Unmarshal(event.Data.Object, &acct); err != nil {
			return fmt.Errorf("decode account: %w", err)
		}
		_, err := s.accounts.SyncAccount(ctx, &acct)
		return err
	}
	s.logger.Debug("ignoring webhook event", "event_id", event.ID, "type", event.Type)
	return nil
}

func (s *WebhookService) intentCanceled(ctx context.Context, event *payments.Event) error {
	var intent payments.Intent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return fmt.Errorf("decode intent: %w", err)
	}
	p, err := s.store.FindPaymentByRef(ctx, store.RefProcessorIntent, intent.ID)
	if errors.Is(err, store.ErrNotFound) {
		return s.unmatched(ctx, event, "no payment for intent "+intent.ID)
	}
	if err != nil {
		return err
	}
	if p.Status != models.PaymentAuthorized || p.IsCaptured() || p.InFlightOperation != nil {
		return nil
	}
	s.alerts.CreateAlert(ctx, alerts.Alert{
		Type:        alerts.TypeUnexpectedCancel,
		Severity:    alerts.SeverityHigh,
		Description: fmt.Sprintf("processor cancelled authorization %s while the payment was still held", intent.ID),
		PaymentID:   uuidPtr(p.ID),
		LessonID:    uuidPtr(p.LessonID),
		UserID:      uuidPtr(p.PayerID),
	})
	_, err = s.payments.HandleAuthorizationCanceled(ctx, p.ID)
	return err
}

func (s *WebhookService) intentSucceeded(ctx context.Context, event *payments.Event) error {
	var intent payments.Intent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return fmt.Errorf("decode intent: %w", err)
	}
	if intent.Metadata["purpose"] == TopUpPurpose {
		return s.topUp(ctx, &intent)
	}
	p, err := s.store.FindPaymentByRef(ctx, store.RefProcessorIntent, intent.ID)
	if errors.Is(err, store.ErrNotFound) {
		return s.unmatched(ctx, event, "no payment for intent "+intent.ID)
	}
	if err != nil {
		return err
	}
	if p.IsCaptured() || p.InFlightOperation != nil {
		return nil
	}
	s.alerts.CreateAlert(ctx, alerts.Alert{
		Type:        alerts.TypePaymentOutOfSync,
		Severity:    alerts.SeverityHigh,
		Description: fmt.Sprintf("processor captured %s on intent %s but the payment is %s", billing.FromMinorUnits(intent.AmountReceived).StringFixed(2), intent.ID, p.Status),
		PaymentID:   uuidPtr(p.ID),
		LessonID:    uuidPtr(p.LessonID),
		Data:        map[string]interface{}{"processor_status": intent.Status, "local_status": string(p.Status)},
	})
	return nil
}

func (s *WebhookService) topUp(ctx context.Context, intent *payments.Intent) error {
	userID, err := uuid.Parse(intent.Metadata["user_id"])
	if err != nil {
		return billing.Validation("wallet_top_up", "invalid_user", "top-up intent has no valid user_id")
	}
	amount := billing.FromMinorUnits(intent.AmountReceived)
	if _, err := s.wallet.TopUp(ctx, userID, amount, intent.ID); err != nil {
		return err
	}
	s.logger.Info("wallet topped up", "user_id", userID, "amount", amount.StringFixed(2), "intent_id", intent.ID)
	s.notifier.Emit(notifications.Event{
		Type:       notifications.EventWalletCredited,
		UserID:     userID,
		Amount:     amount,
		Currency:   strings.ToUpper(intent.Currency),
		OccurredAt: s.now(),
	})
	return nil
}

func (s *WebhookService) chargeRefunded(ctx context.Context, event *payments.Event) error {
	var charge chargeObject
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return fmt.Errorf("decode charge: %w", err)
	}
	p, err := s.paymentForCharge(ctx, charge.PaymentIntent, charge.ID)
	if errors.Is(err, store.ErrNotFound) {
		return s.unmatched(ctx, event, "no payment for charge "+charge.ID)
	}
	if err != nil {
		return err
	}
	_, err = s.payments.RecordExternalRefund(ctx, p.ID, charge.AmountRefunded)
	return err
}

func (s *WebhookService) dispute(ctx context.Context, event *payments.Event) error {
	var d disputeObject
	if err := json.Unmarshal(event.Data.Object, &d); err != nil {
		return fmt.Errorf("decode dispute: %w", err)
	}
	p, err := s.paymentForCharge(ctx, d.PaymentIntent, d.Charge)
	if errors.Is(err, store.ErrNotFound) {
		return s.unmatched(ctx, event, "no payment for disputed charge "+d.Charge)
	}
	if err != nil {
		return err
	}
	status := d.Status
	if status == "" {
		status = "needs_response"
	}
	if _, err := s.store.MutatePayment(ctx, p.ID, func(p *models.Payment) error {
		p.DisputeStatus = strPtr(status)
		return nil
	}); err != nil {
		return err
	}

	alert := alerts.Alert{
		Type:        alerts.TypePaymentDisputed,
		Severity:    alerts.SeverityCritical,
		Description: fmt.Sprintf("charge %s disputed for %s: %s", d.Charge, billing.FromMinorUnits(d.Amount).StringFixed(2), d.Reason),
		PaymentID:   uuidPtr(p.ID),
		LessonID:    uuidPtr(p.LessonID),
		UserID:      uuidPtr(p.PayerID),
		Data:        map[string]interface{}{"dispute_id": d.ID, "status": status},
	}
	if event.Type == "charge.dispute.closed" {
		alert.Type = alerts.TypeDisputeClosed
		alert.Severity = alerts.SeverityMedium
		alert.Description = fmt.Sprintf("dispute %s closed as %s", d.ID, status)
	}
	s.alerts.CreateAlert(ctx, alert)
	return nil
}

func (s *WebhookService) paymentForCharge(ctx context.Context, intentID, chargeID string) (*models.Payment, error) {
	if intentID != "" {
		p, err := s.store.FindPaymentByRef(ctx, store.RefProcessorIntent, intentID)
		if !errors.Is(err, store.ErrNotFound) {
			return p, err
		}
	}
	return s.store.FindPaymentByRef(ctx, store.RefProcessorCharge, chargeID)
}

func (s *WebhookService) unmatchedIfMissing(ctx context.Context, event *payments.Event, err error) error {
	if billing.IsKind(err, billing.KindNotFound) {
		return s.unmatched(ctx, event, err.Error())
	}
	return err
}

// unmatched acknowledges an event that refers to nothing this service created.
func (s *WebhookService) unmatched(ctx context.Context, event *payments.Event, detail string) error {
	s.logger.Warn("unmatched webhook event", "event_id", event.ID, "type", event.Type, "detail", detail)
	s.alerts.CreateAlert(ctx, alerts.Alert{
		Type:        alerts.TypeWebhookUnmatched,
		Severity:    alerts.SeverityLow,
		Description: fmt.Sprintf("%s event %s: %s", event.Type, event.ID, detail),
		Data:        map[string]interface{}{"event_id": event.ID, "type": event.Type},
		DedupeKey:   alerts.TypeWebhookUnmatched + ":" + event.ID,
	})
	return nil
}
