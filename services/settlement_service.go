package services

import (
	"context"
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
	"github.com/anjiri1684/lesson_billing/utils"
	"github.com/google/uuid"
)

type SettlementConfig struct {
	Currency string
	// SecondaryOnlyCountries are tutor countries where direct transfers are unavailable.
	SecondaryOnlyCountries []string
	Retry                  payments.RetryPolicy
	ClaimTTL               time.Duration
	CallTimeout            time.Duration
}

// SettlementService pays tutors their share of recognized payments. Each payment
// follows one path: a direct transfer to an onboarded sub-account, a two-phase bridge
// through the platform bank to the secondary network, or a manual payout.
type SettlementService struct {
	store     store.Store
	processor payments.Processor
	network   payments.PayoutNetwork
	alerts    alerts.Sink
	notifier  Notifier
	cfg       SettlementConfig
	claims    claims
	logger    *slog.Logger
	now       func() time.Time
}

func NewSettlementService(s store.Store, processor payments.Processor, network payments.PayoutNetwork, sink alerts.Sink, notifier Notifier, cfg SettlementConfig, logger *slog.Logger) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	svc := &SettlementService{
		store:     s,
		processor: processor,
		network:   network,
		alerts:    sink,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With("component", "settlement_service"),
		now:       time.Now,
	}
	svc.claims = claims{store: s, ttl: cfg.ClaimTTL, now: func() time.Time { return svc.now() }}
	return svc
}

func (s *SettlementService) choosePath(a *models.PayoutAccount) models.SettlementPath {
	if a == nil {
		return models.SettlementManual
	}
	secondaryOnly := false
	for _, c := range s.cfg.SecondaryOnlyCountries {
		if strings.EqualFold(c, a.Country) {
			secondaryOnly = true
			break
		}
	}
	if a.DirectTransferReady() && !secondaryOnly && a.Preference != models.PayoutPreferenceSecondary {
		return models.SettlementDirect
	}
	if a.SecondaryEmail != nil && *a.SecondaryEmail != "" {
		return models.SettlementBridge
	}
	return models.SettlementManual
}

func (s *SettlementService) payoutAccount(ctx context.Context, tutorID uuid.UUID) (*models.PayoutAccount, error) {
	a, err := s.store.GetPayoutAccount(ctx, tutorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// Settle starts the payout of a recognized payment. It only acts on payments whose
// settlement has not started, so repeated calls move money once.
func (s *SettlementService) Settle(ctx context.Context, paymentID uuid.UUID) error {
	const op = "settle"
	current, err := s.store.GetPayment(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return billing.NotFound(op, "payment_not_found", "payment not found")
	}
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}
	account, err := s.payoutAccount(ctx, current.TutorID)
	if err != nil {
		return fmt.Errorf("load payout account: %w", err)
	}
	path := s.choosePath(account)

	p, err := s.claims.acquire(ctx, paymentID, op, func(p *models.Payment) error {
		if p.SettlementState != models.SettlementPending || !p.RevenueRecognized || !p.TutorPayout.IsPositive() {
			return store.ErrSkip
		}
		p.SettlementPath = path
		if path == models.SettlementManual {
			p.SettlementState = models.SettlementManualPending
			return nil
		}
		p.SettlementState = models.SettlementTransferring
		p.TransferAttempts++
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("settlement started", "payment_id", p.ID, "path", path, "attempt", p.TransferAttempts)

	switch path {
	case models.SettlementDirect:
		return s.directTransfer(ctx, p, *account.ProcessorAccountID)
	case models.SettlementBridge:
		return s.bridgePayout(ctx, p)
	}
	if _, err := s.claims.finish(ctx, p.ID, nil); err != nil {
		return err
	}
	s.alerts.CreateAlert(ctx, alerts.Alert{
		Type:        alerts.TypeManualPayoutRequired,
		Severity:    alerts.SeverityMedium,
		Description: fmt.Sprintf("tutor has no payout destination; %s %s must be paid manually", p.TutorPayout.StringFixed(2), p.Currency),
		PaymentID:   uuidPtr(p.ID),
		LessonID:    uuidPtr(p.LessonID),
		UserID:      uuidPtr(p.TutorID),
	})
	return nil
}

func (s *SettlementService) directTransfer(ctx context.Context, p *models.Payment, destination string) error {
	req := payments.TransferRequest{
		AmountMinor:        billing.ToMinorUnits(p.TutorPayout),
		Currency:           strings.ToLower(p.Currency),
		DestinationAccount: destination,
		TransferGroup:      "lesson-" + p.LessonID.String(),
		Metadata:           map[string]string{"payment_id": p.ID.String(), "lesson_id": p.LessonID.String()},
		IdempotencyKey:     utils.AttemptKey("transfer", p.ID, p.TransferAttempts),
	}
	if p.ProcessorChargeID != nil {
		req.SourceCharge = *p.ProcessorChargeID
	}
	var transfer *payments.Transfer
	err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := s.callContext(ctx)
		defer cancel()
		var err error
		transfer, err = s.processor.CreateTransfer(callCtx, req)
		return err
	})
	if err != nil {
		if payments.IsTemporary(err) {
			// Left in transferring; the refresh job retries with the same key.
			s.logger.Warn("direct transfer deferred", "payment_id", p.ID, "error", err)
			s.releaseClaim(ctx, p.ID)
			return billing.External("direct_transfer", "transfer_failed", true, err)
		}
		s.failClaimed(ctx, p.ID, "transfer_failed: "+err.Error())
		return billing.External("direct_transfer", "transfer_failed", false, err)
	}

	now := s.now()
	updated, err := s.claims.finish(ctx, p.ID, func(p *models.Payment) {
		p.SettlementState = models.SettlementDirectTransferSucceeded
		p.TransferStatus = models.TransferSucceeded
		p.ProcessorTransferID = strPtr(transfer.ID)
		p.TransferredAt = &now
		p.TransferFailureReason = nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("direct transfer sent", "payment_id", p.ID, "transfer_id", transfer.ID, "amount", p.TutorPayout.StringFixed(2))
	s.emitPayout(notifications.EventPayoutSucceeded, updated, nil)
	return nil
}

// bridgePayout runs phase one of the bridge: a processor payout of the tutor's share
// to the platform bank account. Phase two starts once those funds arrive.
func (s *SettlementService) bridgePayout(ctx context.Context, p *models.Payment) error {
	req := payments.PayoutRequest{
		AmountMinor:    billing.ToMinorUnits(p.TutorPayout),
		Currency:       strings.ToLower(p.Currency),
		Description:    "Tutor payout " + p.ID.String(),
		Metadata:       map[string]string{"payment_id": p.ID.String(), "lesson_id": p.LessonID.String()},
		IdempotencyKey: utils.AttemptKey("bridge-payout", p.ID, p.TransferAttempts),
	}
	var payout *payments.Payout
	err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := s.callContext(ctx)
		defer cancel()
		var err error
		payout, err = s.processor.CreatePayout(callCtx, req)
		return err
	})
	if err != nil {
		if payments.IsTemporary(err) {
			s.logger.Warn("bridge payout deferred", "payment_id", p.ID, "error", err)
			s.releaseClaim(ctx, p.ID)
			return billing.External("bridge_payout", "payout_failed", true, err)
		}
		s.failClaimed(ctx, p.ID, "payout_failed: "+err.Error())
		return billing.External("bridge_payout", "payout_failed", false, err)
	}

	if _, err := s.claims.finish(ctx, p.ID, func(p *models.Payment) {
		p.ProcessorPayoutID = strPtr(payout.ID)
		p.SettlementState = models.SettlementAwaitingFunds
		p.TransferStatus = models.TransferAwaitingFunds
	}); err != nil {
		return err
	}
	s.logger.Info("bridge payout created", "payment_id", p.ID, "payout_id", payout.ID, "status", payout.Status)
	if payout.Status == payments.PayoutPaid {
		return s.applyPayoutStatus(ctx, p.ID, payout.Status, "")
	}
	return nil
}

// HandlePayoutEvent applies a processor payout status reported by webhook.
func (s *SettlementService) HandlePayoutEvent(ctx context.Context, payoutID, status, failureCode string) error {
	p, err := s.store.FindPaymentByRef(ctx, store.RefProcessorPayout, payoutID)
	if errors.Is(err, store.ErrNotFound) {
		return billing.NotFound("payout_event", "payment_not_found", "no payment for payout "+payoutID)
	}
	if err != nil {
		return err
	}
	return s.applyPayoutStatus(ctx, p.ID, status, failureCode)
}

func (s *SettlementService) applyPayoutStatus(ctx context.Context, paymentID uuid.UUID, status, failureCode string) error {
	now := s.now()
	switch status {
	case payments.PayoutPaid:
		p, err := s.store.MutatePayment(ctx, paymentID, func(p *models.Payment) error {
			if p.SettlementState != models.SettlementAwaitingFunds {
				return store.ErrSkip
			}
			p.SettlementState = models.SettlementFundsArrived
			p.FundsArrivedAt = &now
			return nil
		})
		if errors.Is(err, store.ErrSkip) {
			if p == nil || p.SettlementState != models.SettlementFundsArrived {
				return nil
			}
		} else if err != nil {
			return err
		}
		s.logger.Info("bridge funds arrived", "payment_id", paymentID)
		return s.forward(ctx, paymentID)
	case payments.PayoutFailed, payments.PayoutCanceled:
		reason := "bridge_payout_" + status
		if failureCode != "" {
			reason += ": " + failureCode
		}
		p, err := s.store.MutatePayment(ctx, paymentID, func(p *models.Payment) error {
			if p.SettlementState != models.SettlementAwaitingFunds {
				return store.ErrSkip
			}
			markFailed(p, reason, now)
			return nil
		})
		if errors.Is(err, store.ErrSkip) {
			return nil
		}
		if err != nil {
			return err
		}
		s.raiseFailure(ctx, p, reason)
	}
	return nil
}

// forward runs phase two: the secondary network payout to the tutor's registered
// address. It starts only after phase one funds arrived and is never abandoned once
// the batch exists, only driven to a terminal status.
func (s *SettlementService) forward(ctx context.Context, paymentID uuid.UUID) error {
	const op = "forward"
	p, err := s.claims.acquire(ctx, paymentID, op, func(p *models.Payment) error {
		ready := p.SettlementState == models.SettlementFundsArrived ||
			(p.SettlementState == models.SettlementForwarding && p.SecondaryBatchID == nil)
		if !ready {
			return store.ErrSkip
		}
		p.SettlementState = models.SettlementForwarding
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	log := s.logger.With("op", op, "payment_id", p.ID)

	account, err := s.payoutAccount(ctx, p.TutorID)
	if err != nil {
		s.releaseClaim(ctx, p.ID)
		return fmt.Errorf("load payout account: %w", err)
	}
	if account == nil || account.SecondaryEmail == nil || *account.SecondaryEmail == "" {
		s.failClaimed(ctx, p.ID, "secondary_email_missing")
		return billing.StateConflict(op, "secondary_email_missing", "tutor has no secondary payout address")
	}

	correlationID := p.ID.String()
	if p.SecondaryStatus != nil {
		correlationID = fmt.Sprintf("%s-%d", p.ID, p.TransferAttempts)
	}
	callCtx, cancel := s.callContext(ctx)
	sent, err := s.network.SendPayout(callCtx, *account.SecondaryEmail, p.TutorPayout, correlationID, "Lesson payout "+p.LessonID.String())
	cancel()
	switch {
	case errors.Is(err, payments.ErrDuplicateBatch):
		log.Error("secondary network rejected a duplicate batch", "correlation_id", correlationID)
		s.releaseClaim(ctx, p.ID)
		s.alerts.CreateAlert(ctx, alerts.Alert{
			Type:        alerts.TypeDuplicatePayoutDenied,
			Severity:    alerts.SeverityCritical,
			Description: fmt.Sprintf("secondary network already has batch %s; verify it before any retry", correlationID),
			PaymentID:   uuidPtr(p.ID),
			UserID:      uuidPtr(p.TutorID),
		})
		return nil
	case err != nil && payments.IsTemporary(err):
		log.Warn("secondary payout deferred", "error", err)
		s.releaseClaim(ctx, p.ID)
		return billing.External(op, "secondary_payout_failed", true, err)
	case err != nil:
		s.failClaimed(ctx, p.ID, "secondary_payout_failed: "+err.Error())
		return billing.External(op, "secondary_payout_failed", false, err)
	}

	if _, err := s.claims.finish(ctx, p.ID, func(p *models.Payment) {
		p.SecondaryBatchID = strPtr(sent.BatchID)
		if sent.ItemID != "" {
			p.SecondaryItemID = strPtr(sent.ItemID)
		}
		p.SecondaryStatus = strPtr(sent.Status)
	}); err != nil {
		return err
	}
	log.Info("secondary payout sent", "batch_id", sent.BatchID, "item_id", sent.ItemID, "status", sent.Status)
	return s.applySecondaryStatus(ctx, p.ID, sent)
}

func (s *SettlementService) applySecondaryStatus(ctx context.Context, paymentID uuid.UUID, sp *payments.SecondaryPayout) error {
	terminal, succeeded := payments.SecondaryOutcome(sp.Status)
	now := s.now()
	reason := "secondary_payout_" + strings.ToLower(sp.Status)
	p, err := s.store.MutatePayment(ctx, paymentID, func(p *models.Payment) error {
		if p.SettlementState != models.SettlementForwarding || s.claims.held(p) {
			return store.ErrSkip
		}
		p.SecondaryStatus = strPtr(sp.Status)
		if sp.ItemID != "" {
			p.SecondaryItemID = strPtr(sp.ItemID)
		}
		if sp.BatchID != "" {
			p.SecondaryBatchID = strPtr(sp.BatchID)
		}
		switch {
		case terminal && succeeded:
			p.SettlementState = models.SettlementSucceeded
			p.TransferStatus = models.TransferSucceeded
			p.TransferredAt = &now
			p.TransferFailureReason = nil
		case terminal:
			markFailed(p, reason, now)
		}
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case terminal && succeeded:
		s.logger.Info("secondary payout succeeded", "payment_id", p.ID)
		s.emitPayout(notifications.EventPayoutSucceeded, p, nil)
	case terminal:
		s.raiseFailure(ctx, p, reason)
	}
	return nil
}

// HandleTransferEvent applies a direct transfer event. Reversals fail the payout.
func (s *SettlementService) HandleTransferEvent(ctx context.Context, transfer *payments.Transfer, eventType string) error {
	p, err := s.store.FindPaymentByRef(ctx, store.RefProcessorTransfer, transfer.ID)
	if errors.Is(err, store.ErrNotFound) {
		if id, perr := uuid.Parse(transfer.Metadata["payment_id"]); perr == nil {
			p, err = s.store.GetPayment(ctx, id)
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return billing.NotFound("transfer_event", "payment_not_found", "no payment for transfer "+transfer.ID)
	}
	if err != nil {
		return err
	}

	now := s.now()
	if eventType == "transfer.reversed" || transfer.Reversed {
		reason := fmt.Sprintf("transfer_reversed: %s reversed", billing.FromMinorUnits(transfer.AmountReversed).StringFixed(2))
		p, err = s.store.MutatePayment(ctx, p.ID, func(p *models.Payment) error {
			if p.SettlementState == models.SettlementFailed {
				return store.ErrSkip
			}
			markFailed(p, reason, now)
			return nil
		})
		if errors.Is(err, store.ErrSkip) {
			return nil
		}
		if err != nil {
			return err
		}
		s.alerts.CreateAlert(ctx, alerts.Alert{
			Type:        alerts.TypeTransferReversed,
			Severity:    alerts.SeverityHigh,
			Description: fmt.Sprintf("transfer %s was reversed", transfer.ID),
			PaymentID:   uuidPtr(p.ID),
			LessonID:    uuidPtr(p.LessonID),
			UserID:      uuidPtr(p.TutorID),
		})
		s.emitPayout(notifications.EventPayoutFailed, p, map[string]interface{}{"reason": reason})
		return nil
	}

	_, err = s.store.MutatePayment(ctx, p.ID, func(p *models.Payment) error {
		if p.SettlementState != models.SettlementTransferring || p.SettlementPath != models.SettlementDirect || s.claims.held(p) {
			return store.ErrSkip
		}
		p.SettlementState = models.SettlementDirectTransferSucceeded
		p.TransferStatus = models.TransferSucceeded
		p.ProcessorTransferID = strPtr(transfer.ID)
		p.TransferredAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrSkip) {
		return err
	}
	return nil
}

// Resume drives an in-progress settlement forward from its stored state. It is safe
// to call at any time: every step checks the state it starts from.
func (s *SettlementService) Resume(ctx context.Context, paymentID uuid.UUID) error {
	p, err := s.store.GetPayment(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return billing.NotFound("resume", "payment_not_found", "payment not found")
	}
	if err != nil {
		return err
	}
	if s.claims.held(p) {
		return nil
	}

	switch p.SettlementState {
	case models.SettlementPending:
		// Recognized payments whose settlement never started.
		if !p.RevenueRecognized || !p.TutorPayout.IsPositive() {
			return nil
		}
		return s.Settle(ctx, p.ID)
	case models.SettlementTransferring:
		return s.retryTransferring(ctx, p.ID)
	case models.SettlementAwaitingFunds:
		if p.ProcessorPayoutID == nil {
			return nil
		}
		var payout *payments.Payout
		err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			callCtx, cancel := s.callContext(ctx)
			defer cancel()
			var err error
			payout, err = s.processor.RetrievePayout(callCtx, *p.ProcessorPayoutID)
			return err
		})
		if err != nil {
			return billing.External("resume", "payout_lookup_failed", payments.IsTemporary(err), err)
		}
		return s.applyPayoutStatus(ctx, p.ID, payout.Status, payout.FailureCode)
	case models.SettlementFundsArrived:
		return s.forward(ctx, p.ID)
	case models.SettlementForwarding:
		if p.SecondaryBatchID == nil {
			return s.forward(ctx, p.ID)
		}
		var sp *payments.SecondaryPayout
		err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			callCtx, cancel := s.callContext(ctx)
			defer cancel()
			var err error
			if p.SecondaryItemID != nil {
				sp, err = s.network.GetPayoutStatus(callCtx, *p.SecondaryItemID)
			} else {
				sp, err = s.network.GetBatchStatus(callCtx, *p.SecondaryBatchID)
			}
			return err
		})
		if err != nil {
			return billing.External("resume", "secondary_lookup_failed", payments.IsTemporary(err), err)
		}
		return s.applySecondaryStatus(ctx, p.ID, sp)
	}
	return nil
}

// retryTransferring repeats an interrupted direct transfer or phase-one payout with
// the key of the attempt that was interrupted.
func (s *SettlementService) retryTransferring(ctx context.Context, paymentID uuid.UUID) error {
	p, err := s.claims.acquire(ctx, paymentID, "settle", func(p *models.Payment) error {
		if p.SettlementState != models.SettlementTransferring {
			return store.ErrSkip
		}
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.SettlementPath == models.SettlementBridge {
		return s.bridgePayout(ctx, p)
	}
	account, err := s.payoutAccount(ctx, p.TutorID)
	if err != nil {
		s.releaseClaim(ctx, p.ID)
		return err
	}
	if account == nil || account.ProcessorAccountID == nil {
		s.failClaimed(ctx, p.ID, "payout_account_missing")
		return billing.StateConflict("settle", "payout_account_missing", "tutor payout account is gone")
	}
	return s.directTransfer(ctx, p, *account.ProcessorAccountID)
}

// RefreshPending resumes settlements waiting on an external party, and starts
// recognized payouts whose first attempt never began. Transfers still in flight
// are picked up only once their claim has gone stale.
func (s *SettlementService) RefreshPending(ctx context.Context, limit int) (int, error) {
	list, err := s.store.ListPayments(ctx, store.PaymentFilter{
		SettlementStates: []models.SettlementState{
			models.SettlementTransferring,
			models.SettlementAwaitingFunds,
			models.SettlementFundsArrived,
			models.SettlementForwarding,
		},
		Limit: limit,
	})
	if err != nil {
		return 0, fmt.Errorf("list pending settlements: %w", err)
	}
	recognized := true
	stranded, err := s.store.ListPayments(ctx, store.PaymentFilter{
		SettlementStates:  []models.SettlementState{models.SettlementPending},
		RevenueRecognized: &recognized,
		Limit:             limit,
	})
	if err != nil {
		return 0, fmt.Errorf("list unstarted settlements: %w", err)
	}
	list = append(list, stranded...)
	refreshed := 0
	for i := range list {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		p := list[i]
		if p.SettlementState == models.SettlementPending && !p.TutorPayout.IsPositive() {
			continue
		}
		if err := s.Resume(ctx, p.ID); err != nil {
			s.logger.Warn("settlement refresh failed", "payment_id", p.ID, "state", p.SettlementState, "error", err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// AcknowledgeManual records an operator-confirmed manual payout.
func (s *SettlementService) AcknowledgeManual(ctx context.Context, paymentID uuid.UUID, operator, reference string) (*models.Payment, error) {
	const op = "acknowledge_manual"
	now := s.now()
	p, err := s.store.MutatePayment(ctx, paymentID, func(p *models.Payment) error {
		if p.SettlementState != models.SettlementManualPending {
			return billing.StateConflict(op, "not_manual_pending", fmt.Sprintf("settlement is %s", p.SettlementState))
		}
		p.SettlementState = models.SettlementSucceeded
		p.TransferStatus = models.TransferAcknowledged
		p.TransferredAt = &now
		if reference != "" {
			p.ProcessorTransferID = strPtr("manual:" + reference)
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, billing.NotFound(op, "payment_not_found", "payment not found")
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("manual payout acknowledged", "payment_id", p.ID, "operator", operator, "reference", reference)
	s.emitPayout(notifications.EventPayoutSucceeded, p, map[string]interface{}{"manual": true})
	return p, nil
}

// RetryFailed resets a failed or manual settlement and runs it again. A bridge that
// failed after its funds arrived resumes at phase two with a new batch id.
func (s *SettlementService) RetryFailed(ctx context.Context, paymentID uuid.UUID) error {
	const op = "retry_settlement"
	var resumeForward bool
	_, err := s.store.MutatePayment(ctx, paymentID, func(p *models.Payment) error {
		if s.claims.held(p) {
			return billing.StateConflict(op, "operation_in_flight", "payment is busy")
		}
		switch p.SettlementState {
		case models.SettlementFailed:
		case models.SettlementManualPending:
		default:
			return billing.StateConflict(op, "not_retryable", fmt.Sprintf("settlement is %s", p.SettlementState))
		}
		p.TransferFailureReason = nil
		p.TransferFailedAt = nil
		if p.SettlementState == models.SettlementFailed && p.SettlementPath == models.SettlementBridge && p.FundsArrivedAt != nil {
			resumeForward = true
			p.SettlementState = models.SettlementFundsArrived
			p.TransferStatus = models.TransferAwaitingFunds
			p.SecondaryBatchID = nil
			p.SecondaryItemID = nil
			p.TransferAttempts++
			return nil
		}
		p.SettlementState = models.SettlementPending
		p.TransferStatus = models.TransferPending
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return billing.NotFound(op, "payment_not_found", "payment not found")
	}
	if err != nil {
		return err
	}
	s.logger.Info("settlement retry requested", "payment_id", paymentID, "phase_two", resumeForward)
	if resumeForward {
		return s.forward(ctx, paymentID)
	}
	return s.Settle(ctx, paymentID)
}

func markFailed(p *models.Payment, reason string, at time.Time) {
	p.SettlementState = models.SettlementFailed
	p.TransferStatus = models.TransferFailed
	p.TransferFailureReason = strPtr(reason)
	p.TransferFailedAt = &at
}

func (s *SettlementService) failClaimed(ctx context.Context, paymentID uuid.UUID, reason string) {
	now := s.now()
	p, err := s.claims.finish(ctx, paymentID, func(p *models.Payment) {
		markFailed(p, reason, now)
	})
	if err != nil {
		s.logger.Error("recording payout failure failed", "payment_id", paymentID, "error", err)
		return
	}
	s.raiseFailure(ctx, p, reason)
}

func (s *SettlementService) raiseFailure(ctx context.Context, p *models.Payment, reason string) {
	s.logger.Error("tutor payout failed", "payment_id", p.ID, "path", p.SettlementPath, "reason", reason)
	s.alerts.CreateAlert(ctx, alerts.Alert{
		Type:        alerts.TypeFailedPayout,
		Severity:    alerts.SeverityHigh,
		Description: fmt.Sprintf("%s payout of %s failed: %s", p.SettlementPath, p.TutorPayout.StringFixed(2), reason),
		PaymentID:   uuidPtr(p.ID),
		LessonID:    uuidPtr(p.LessonID),
		UserID:      uuidPtr(p.TutorID),
	})
	s.emitPayout(notifications.EventPayoutFailed, p, map[string]interface{}{"reason": reason})
}

func (s *SettlementService) releaseClaim(ctx context.Context, paymentID uuid.UUID) {
	if _, err := s.claims.finish(ctx, paymentID, nil); err != nil {
		s.logger.Error("releasing payment claim failed", "payment_id", paymentID, "error", err)
	}
}

func (s *SettlementService) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *SettlementService) emitPayout(eventType string, p *models.Payment, data map[string]interface{}) {
	s.notifier.Emit(notifications.Event{
		Type:       eventType,
		UserID:     p.TutorID,
		LessonID:   uuidPtr(p.LessonID),
		PaymentID:  uuidPtr(p.ID),
		Amount:     p.TutorPayout,
		Currency:   p.Currency,
		Data:       data,
		OccurredAt: s.now(),
	})
}
