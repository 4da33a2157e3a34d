package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
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
	"github.com/shopspring/decimal"
)

const (
	RefundToWallet   = "wallet"
	RefundToOriginal = "original"
	RefundToCard     = "card"
)

type PaymentConfig struct {
	PlatformFeePercentage decimal.Decimal
	Currency              string
	ClaimTTL              time.Duration
	Retry                 payments.RetryPolicy
	// CallTimeout bounds each processor call. Zero means no extra deadline.
	CallTimeout time.Duration
}

type PaymentService struct {
	store     store.Store
	wallet    WalletLedger
	processor payments.Processor
	settler   Settler
	alerts    alerts.Sink
	notifier  Notifier
	cfg       PaymentConfig
	claims    claims
	logger    *slog.Logger
	now       func() time.Time
}

func NewPaymentService(s store.Store, wallet WalletLedger, processor payments.Processor, settler Settler, sink alerts.Sink, notifier Notifier, cfg PaymentConfig, logger *slog.Logger) *PaymentService {
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
	svc := &PaymentService{
		store:     s,
		wallet:    wallet,
		processor: processor,
		settler:   settler,
		alerts:    sink,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With("component", "payment_service"),
		now:       time.Now,
	}
	svc.claims = claims{store: s, ttl: cfg.ClaimTTL, now: func() time.Time { return svc.now() }}
	return svc
}

type BookingRequest struct {
	LessonID         uuid.UUID
	PayerID          uuid.UUID
	Method           models.PaymentMethod
	Amount           decimal.Decimal
	WalletAmount     decimal.Decimal
	PaymentMethodRef string
	CustomerRef      string
}

type RefundRequest struct {
	// Method is wallet (default), original or card.
	Method string
	// Amount defaults to everything still refundable.
	Amount decimal.NullDecimal
	Reason string
}

// LessonPayment returns the payment linked to a lesson.
func (s *PaymentService) LessonPayment(ctx context.Context, lessonID uuid.UUID) (*models.Payment, error) {
	_, p, err := s.loadLessonPayment(ctx, "get_payment", lessonID)
	return p, err
}

// BookLesson creates the payment for a scheduled lesson and secures its funds: the
// wallet leg is reserved and the card leg authorized for later capture. Any failure
// after validation leaves the payment failed and the lesson cancelled.
func (s *PaymentService) BookLesson(ctx context.Context, req BookingRequest) (*models.Payment, error) {
	const op = "book_lesson"

	lesson, err := s.store.GetLesson(ctx, req.LessonID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, billing.NotFound(op, "lesson_not_found", "lesson not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load lesson: %w", err)
	}
	if lesson.StudentID != req.PayerID {
		return nil, billing.Validation(op, "not_lesson_payer", "only the lesson's student can pay for it")
	}
	if !req.Method.Valid() {
		return nil, billing.Validation(op, "invalid_payment_method", fmt.Sprintf("unsupported payment method %q", req.Method))
	}
	amount := billing.Cents(req.Amount)
	if !amount.Equal(billing.Cents(lesson.Price)) {
		return nil, billing.Validation(op, "amount_mismatch", fmt.Sprintf("amount %s does not match lesson price %s", amount.StringFixed(2), lesson.Price.StringFixed(2)))
	}
	if lesson.Status != models.LessonScheduled {
		return nil, billing.StateConflict(op, "lesson_not_scheduled", fmt.Sprintf("lesson is %s", lesson.Status))
	}
	if lesson.PaymentID != nil {
		return nil, billing.StateConflict(op, "lesson_already_paid", "lesson already has a payment")
	}

	walletAmount, cardAmount := decimal.Zero, amount
	switch req.Method {
	case models.MethodWallet:
		walletAmount, cardAmount = amount, decimal.Zero
	case models.MethodHybrid:
		walletAmount = billing.Cents(req.WalletAmount)
		if !walletAmount.IsPositive() || !walletAmount.LessThan(amount) {
			return nil, billing.Validation(op, "invalid_wallet_amount", "hybrid wallet amount must be between zero and the lesson price")
		}
		cardAmount = amount.Sub(walletAmount)
	}
	if cardAmount.IsPositive() && req.PaymentMethodRef == "" {
		return nil, billing.Validation(op, "payment_method_required", "a payment method is required for card payments")
	}

	now := s.now()
	payment := &models.Payment{
		ID:                    uuid.New(),
		LessonID:              lesson.ID,
		PayerID:               req.PayerID,
		TutorID:               lesson.TutorID,
		Amount:                amount,
		WalletAmount:          walletAmount,
		CardAmount:            cardAmount,
		Currency:              s.cfg.Currency,
		PlatformFeePercentage: s.cfg.PlatformFeePercentage,
		PaymentMethod:         req.Method,
		Status:                models.PaymentPending,
		TransferStatus:        models.TransferPending,
		SettlementState:       models.SettlementPending,
		InFlightOperation:     strPtr("book"),
		InFlightSince:         &now,
	}
	if req.PaymentMethodRef != "" {
		payment.PaymentMethodRef = strPtr(req.PaymentMethodRef)
	}
	if req.CustomerRef != "" {
		payment.CustomerRef = strPtr(req.CustomerRef)
	}
	if err := s.store.CreatePaymentForLesson(ctx, payment); err != nil {
		if errors.Is(err, store.ErrLessonAlreadyPaid) {
			return nil, billing.StateConflict(op, "lesson_already_paid", "lesson already has a payment")
		}
		return nil, fmt.Errorf("create payment: %w", err)
	}
	log := s.logger.With("op", op, "payment_id", payment.ID, "lesson_id", lesson.ID)

	if walletAmount.IsPositive() {
		if _, err := s.wallet.Reserve(ctx, req.PayerID, walletAmount, utils.LedgerCorrelation("reserve", payment.ID)); err != nil {
			log.Warn("wallet reservation failed", "error", err)
			return nil, s.failBooking(ctx, payment, "wallet_reservation_failed", err, false)
		}
	}

	var intent *payments.Intent
	if cardAmount.IsPositive() {
		intent, err = s.authorize(ctx, payment)
		if err == nil && intent.Status != payments.IntentRequiresCapture {
			s.cancelIntent(ctx, payment.ID, intent.ID)
			err = billing.External(op, "authorization_incomplete", false, fmt.Errorf("intent %s is %s", intent.ID, intent.Status))
		}
		if err != nil {
			log.Warn("card authorization failed", "error", err)
			if intent != nil {
				payment.ProcessorIntentID = strPtr(intent.ID)
			}
			return nil, s.failBooking(ctx, payment, "authorization_failed", err, walletAmount.IsPositive())
		}
	}

	updated, err := s.claims.finish(ctx, payment.ID, func(p *models.Payment) {
		p.Status = models.PaymentAuthorized
		if intent != nil {
			p.ProcessorIntentID = strPtr(intent.ID)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("mark payment authorized: %w", err)
	}
	s.setLessonBilling(ctx, lesson.ID, models.BillingAuthorized)
	log.Info("lesson booked", "method", req.Method, "amount", amount.StringFixed(2))
	return updated, nil
}

func (s *PaymentService) authorize(ctx context.Context, p *models.Payment) (*payments.Intent, error) {
	req := payments.AuthorizationRequest{
		AmountMinor:    billing.ToMinorUnits(p.CardAmount),
		Currency:       strings.ToLower(p.Currency),
		Description:    "Lesson " + p.LessonID.String(),
		Metadata:       map[string]string{"payment_id": p.ID.String(), "lesson_id": p.LessonID.String()},
		IdempotencyKey: utils.IdempotencyKey("auth", p.ID),
	}
	if p.PaymentMethodRef != nil {
		req.PaymentMethodRef = *p.PaymentMethodRef
	}
	if p.CustomerRef != nil {
		req.CustomerRef = *p.CustomerRef
	}
	var intent *payments.Intent
	err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := s.callContext(ctx)
		defer cancel()
		var err error
		intent, err = s.processor.CreateAuthorization(callCtx, req)
		return err
	})
	if err != nil {
		return nil, billing.External("authorize", "authorization_failed", payments.IsTemporary(err), err)
	}
	return intent, nil
}

// failBooking compensates a booking that could not secure all of its funds. The
// returned error wraps the original cause and any compensation failure.
func (s *PaymentService) failBooking(ctx context.Context, payment *models.Payment, code string, cause error, releaseWallet bool) error {
	ctx = context.WithoutCancel(ctx)
	errs := []error{cause}
	var be *billing.Error
	if !errors.As(cause, &be) {
		errs[0] = billing.External("book_lesson", code, false, cause)
	}

	if releaseWallet {
		if _, err := s.wallet.Release(ctx, payment.PayerID, payment.WalletAmount, utils.LedgerCorrelation("release", payment.ID)); err != nil {
			errs = append(errs, fmt.Errorf("release wallet reservation: %w", err))
		}
	}
	if _, err := s.claims.finish(ctx, payment.ID, func(p *models.Payment) {
		p.Status = models.PaymentFailed
		p.FailureCode = strPtr(code)
		if payment.ProcessorIntentID != nil {
			p.ProcessorIntentID = payment.ProcessorIntentID
		}
	}); err != nil {
		errs = append(errs, fmt.Errorf("mark payment failed: %w", err))
	}
	now := s.now()
	if _, err := s.store.MutateLesson(ctx, payment.LessonID, func(l *models.Lesson) error {
		if l.IsTerminal() {
			return store.ErrSkip
		}
		by := models.CancelledBySystem
		l.Status = models.LessonCancelled
		l.CancelledBy = &by
		l.CancelReason = strPtr(code)
		l.CancelledAt = &now
		return nil
	}); err != nil && !errors.Is(err, store.ErrSkip) {
		errs = append(errs, fmt.Errorf("cancel lesson: %w", err))
	}
	s.emit(notifications.EventBookingFailed, payment.PayerID, payment, payment.Amount, map[string]interface{}{"reason": code})

	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

// CaptureAtStart charges the booked price when the call starts. Metered lessons are
// captured on completion instead.
func (s *PaymentService) CaptureAtStart(ctx context.Context, lessonID uuid.UUID) (*models.Payment, error) {
	const op = "capture_at_start"
	lesson, p, err := s.loadLessonPayment(ctx, op, lessonID)
	if err != nil {
		return nil, err
	}
	if p.IsCaptured() || lesson.IsMetered() {
		return p, nil
	}
	if p.Status != models.PaymentAuthorized {
		return nil, billing.StateConflict(op, "payment_not_authorized", fmt.Sprintf("payment is %s", p.Status))
	}
	p, err = s.capture(ctx, p.ID, p.Amount)
	if err != nil {
		return nil, err
	}
	s.setLessonBilling(ctx, lesson.ID, models.BillingCharged)
	return p, nil
}

// capture settles both legs of an authorized payment for amount. The wallet leg is
// charged first up to its reservation and any unused reservation is released; the
// card leg covers the rest, and an unused authorization is cancelled.
func (s *PaymentService) capture(ctx context.Context, paymentID uuid.UUID, amount decimal.Decimal) (*models.Payment, error) {
	const op = "capture"
	p, err := s.claims.acquire(ctx, paymentID, op, func(p *models.Payment) error {
		if p.IsCaptured() {
			return store.ErrSkip
		}
		if p.Status != models.PaymentAuthorized {
			return billing.StateConflict(op, "payment_not_authorized", fmt.Sprintf("payment is %s", p.Status))
		}
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	log := s.logger.With("op", op, "payment_id", p.ID, "lesson_id", p.LessonID)

	amount = billing.Cents(amount)
	if amount.GreaterThan(p.Amount) {
		amount = p.Amount
	}
	walletCharge := minDecimal(amount, p.WalletAmount)
	cardCharge := amount.Sub(walletCharge)

	var intent *payments.Intent
	if p.ProcessorIntentID != nil {
		intentID := *p.ProcessorIntentID
		err = s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			callCtx, cancel := s.callContext(ctx)
			defer cancel()
			var err error
			if cardCharge.IsPositive() {
				intent, err = s.processor.CaptureAuthorization(callCtx, intentID, billing.ToMinorUnits(cardCharge), utils.IdempotencyKey("capture", p.ID))
			} else {
				intent, err = s.processor.CancelAuthorization(callCtx, intentID, utils.IdempotencyKey("cancel", p.ID))
			}
			return err
		})
		if err != nil {
			log.Error("card capture failed", "error", err)
			s.releaseClaim(ctx, p.ID)
			s.alerts.CreateAlert(ctx, alerts.Alert{
				Type:        alerts.TypeCaptureFailed,
				Severity:    alerts.SeverityHigh,
				Description: fmt.Sprintf("capturing %s on intent %s failed: %v", cardCharge.StringFixed(2), intentID, err),
				PaymentID:   uuidPtr(p.ID),
				LessonID:    uuidPtr(p.LessonID),
			})
			return nil, billing.External(op, "capture_failed", payments.IsTemporary(err), err)
		}
	}

	if p.WalletAmount.IsPositive() {
		if walletCharge.IsPositive() {
			if _, err := s.wallet.Deduct(ctx, p.PayerID, walletCharge, utils.LedgerCorrelation("deduct", p.ID)); err != nil {
				s.releaseClaim(ctx, p.ID)
				return nil, fmt.Errorf("deduct wallet leg: %w", err)
			}
		}
		if rest := p.WalletAmount.Sub(walletCharge); rest.IsPositive() {
			if _, err := s.wallet.Release(ctx, p.PayerID, rest, utils.LedgerCorrelation("release", p.ID)); err != nil {
				s.releaseClaim(ctx, p.ID)
				return nil, fmt.Errorf("release unused wallet reservation: %w", err)
			}
		}
	}

	now := s.now()
	updated, err := s.claims.finish(ctx, p.ID, func(p *models.Payment) {
		p.Status = models.PaymentSucceeded
		p.ChargedAt = &now
		p.ChargedAmount = amount
		if intent != nil && intent.LatestCharge != "" {
			p.ProcessorChargeID = strPtr(intent.LatestCharge)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("mark payment captured: %w", err)
	}
	log.Info("payment captured", "amount", amount.StringFixed(2), "wallet", walletCharge.StringFixed(2), "card", cardCharge.StringFixed(2))
	s.emit(notifications.EventPaymentCaptured, p.PayerID, updated, amount, nil)
	return updated, nil
}

// CompletePayment recognizes revenue for a finished lesson: it captures the billable
// amount, returns anything captured above it, records the fee split and starts the
// tutor payout. Calling it again after recognition is a no-op.
func (s *PaymentService) CompletePayment(ctx context.Context, lessonID uuid.UUID) (*models.Payment, error) {
	const op = "complete_payment"
	lesson, p, err := s.loadLessonPayment(ctx, op, lessonID)
	if err != nil {
		return nil, err
	}
	if p.RevenueRecognized {
		return p, nil
	}
	switch p.Status {
	case models.PaymentRefunded, models.PaymentCancelled, models.PaymentFailed:
		return nil, billing.StateConflict(op, "payment_not_billable", fmt.Sprintf("payment is %s", p.Status))
	}

	var billable decimal.Decimal
	switch {
	case lesson.Status == models.LessonCompleted:
		billable = lesson.BillableAmount()
	case lesson.Status == models.LessonCancelled && lesson.CancellationFeeCharged.IsPositive():
		billable = lesson.CancellationFeeCharged
	default:
		return nil, billing.StateConflict(op, "lesson_not_billable", fmt.Sprintf("lesson is %s", lesson.Status))
	}
	billable = billing.Cents(minDecimal(billable, p.Amount))

	if !p.IsCaptured() {
		if p, err = s.capture(ctx, p.ID, billable); err != nil {
			return nil, err
		}
	}
	if excess := p.ChargedAmount.Sub(billable); excess.IsPositive() {
		if p, err = s.refund(ctx, p.ID, excess, refundOptions{method: RefundToWallet, reason: "captured_above_billable", keepStatus: true}); err != nil {
			return nil, err
		}
	}

	now := s.now()
	p, err = s.store.MutatePayment(ctx, p.ID, func(p *models.Payment) error {
		if p.RevenueRecognized {
			return store.ErrSkip
		}
		if s.claims.held(p) {
			return billing.StateConflict(op, "operation_in_flight", "payment is busy")
		}
		p.PlatformFee, p.TutorPayout = billing.SplitFee(p.ChargedAmount, p.PlatformFeePercentage)
		p.RevenueRecognized = true
		p.RevenueRecognizedAt = &now
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	log := s.logger.With("op", op, "payment_id", p.ID, "lesson_id", lesson.ID)
	log.Info("revenue recognized", "charged", p.ChargedAmount.StringFixed(2), "fee", p.PlatformFee.StringFixed(2), "payout", p.TutorPayout.StringFixed(2))

	if s.settler != nil {
		if err := s.settler.Settle(ctx, p.ID); err != nil {
			log.Error("settlement failed to start", "error", err)
			s.alerts.CreateAlert(ctx, alerts.Alert{
				Type:        alerts.TypeSettlementNotStarted,
				Severity:    alerts.SeverityHigh,
				Description: fmt.Sprintf("tutor payout of %s did not start: %v", p.TutorPayout.StringFixed(2), err),
				PaymentID:   uuidPtr(p.ID),
				LessonID:    uuidPtr(lesson.ID),
				UserID:      uuidPtr(p.TutorID),
			})
		}
	}
	if _, err := s.store.MutateLesson(ctx, lesson.ID, func(l *models.Lesson) error {
		l.RevenueRecognized = true
		if billing.CanTransitionBilling(l.BillingStatus, models.BillingCharged) {
			l.BillingStatus = models.BillingCharged
		}
		return nil
	}); err != nil {
		log.Error("marking lesson recognized failed", "error", err)
	}
	s.notifier.NotifyPaymentReceived(p.TutorID, p.TutorPayout, lesson.ID)

	if fresh, err := s.store.GetPayment(ctx, p.ID); err == nil {
		p = fresh
	}
	return p, nil
}

// RefundLesson returns money to the payer. Uncaptured payments are voided in full;
// captured ones are refunded to the wallet unless the original method is requested.
func (s *PaymentService) RefundLesson(ctx context.Context, lessonID uuid.UUID, req RefundRequest) (*models.Payment, error) {
	const op = "refund_lesson"
	switch req.Method {
	case "", RefundToWallet, RefundToOriginal, RefundToCard:
	default:
		return nil, billing.Validation(op, "invalid_refund_method", fmt.Sprintf("unsupported refund method %q", req.Method))
	}
	lesson, p, err := s.loadLessonPayment(ctx, op, lessonID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case models.PaymentRefunded:
		return nil, billing.StateConflict(op, "already_refunded", "payment is already refunded")
	case models.PaymentFailed, models.PaymentCancelled, models.PaymentPending, models.PaymentProcessing:
		return nil, billing.StateConflict(op, "payment_not_refundable", fmt.Sprintf("payment is %s", p.Status))
	}

	if !p.IsCaptured() {
		return s.void(ctx, lesson.ID, p.ID, op, models.PaymentRefunded, models.BillingRefunded)
	}

	amount := p.RefundableAmount()
	if req.Amount.Valid {
		amount = billing.Cents(req.Amount.Decimal)
		if !amount.IsPositive() {
			return nil, billing.Validation(op, "invalid_amount", "refund amount must be positive")
		}
		if amount.GreaterThan(p.RefundableAmount()) {
			return nil, billing.Validation(op, "refund_exceeds_charge", fmt.Sprintf("at most %s can be refunded", p.RefundableAmount().StringFixed(2)))
		}
	}
	method := req.Method
	if method == "" {
		method = RefundToWallet
	}
	return s.refund(ctx, p.ID, amount, refundOptions{method: method, reason: req.Reason})
}

type refundOptions struct {
	method string
	reason string
	// keepStatus refunds an over-capture without marking the payment refunded.
	keepStatus bool
	// lessonBilling overrides the billing status a full refund leaves on the lesson.
	lessonBilling models.BillingStatus
}

func (s *PaymentService) refund(ctx context.Context, paymentID uuid.UUID, amount decimal.Decimal, opts refundOptions) (*models.Payment, error) {
	const op = "refund"
	amount = billing.Cents(amount)
	p, err := s.claims.acquire(ctx, paymentID, op, func(p *models.Payment) error {
		if !p.IsCaptured() {
			return billing.StateConflict(op, "payment_not_captured", "payment has not been captured")
		}
		if !amount.IsPositive() {
			return store.ErrSkip
		}
		if amount.GreaterThan(p.ChargedAmount) {
			return billing.Validation(op, "refund_exceeds_charge", fmt.Sprintf("at most %s can be refunded", p.ChargedAmount.StringFixed(2)))
		}
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	log := s.logger.With("op", op, "payment_id", p.ID, "lesson_id", p.LessonID)

	// Keys are derived from the cumulative refunded total so a retried refund reuses
	// them and a later partial refund gets new ones.
	cumulative := strconv.FormatInt(billing.ToMinorUnits(p.RefundAmount.Add(amount)), 10)

	toWallet, toCard := amount, decimal.Zero
	if (opts.method == RefundToOriginal || opts.method == RefundToCard) && p.ProcessorIntentID != nil {
		captured := p.CapturedAmount()
		cardCaptured := captured.Sub(minDecimal(captured, p.WalletAmount))
		toCard = minDecimal(amount, cardCaptured)
		toWallet = amount.Sub(toCard)
	}

	refunded := decimal.Zero
	if toWallet.IsPositive() {
		if _, err := s.wallet.Refund(ctx, p.PayerID, toWallet, utils.LedgerCorrelation("refund", p.ID, cumulative)); err != nil {
			if p.ProcessorIntentID == nil {
				s.releaseClaim(ctx, p.ID)
				return nil, fmt.Errorf("refund to wallet: %w", err)
			}
			log.Warn("wallet refund failed; falling back to processor", "error", err)
			toCard = toCard.Add(toWallet)
		} else {
			refunded = refunded.Add(toWallet)
		}
	}

	var processorRefund *payments.Refund
	var cardErr error
	if toCard.IsPositive() {
		req := payments.RefundRequest{
			IntentID:       *p.ProcessorIntentID,
			AmountMinor:    billing.ToMinorUnits(toCard),
			Reason:         "requested_by_customer",
			Metadata:       map[string]string{"payment_id": p.ID.String(), "reason": opts.reason},
			IdempotencyKey: utils.IdempotencyKey("refund", p.ID, cumulative),
		}
		cardErr = s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			callCtx, cancel := s.callContext(ctx)
			defer cancel()
			var err error
			processorRefund, err = s.processor.CreateRefund(callCtx, req)
			return err
		})
		if cardErr == nil {
			refunded = refunded.Add(toCard)
		}
	}

	method := RefundToWallet
	switch {
	case toCard.IsPositive() && refunded.GreaterThan(toCard):
		method = "mixed"
	case toCard.IsPositive() && cardErr == nil:
		method = RefundToOriginal
	}
	now := s.now()
	updated, err := s.claims.finish(ctx, p.ID, func(p *models.Payment) {
		if !refunded.IsPositive() {
			return
		}
		p.ChargedAmount = p.ChargedAmount.Sub(refunded)
		p.RefundAmount = p.RefundAmount.Add(refunded)
		p.RefundMethod = strPtr(method)
		p.RefundedAt = &now
		if processorRefund != nil {
			p.ProcessorRefundID = strPtr(processorRefund.ID)
		}
		if opts.keepStatus {
			return
		}
		if p.ChargedAmount.IsZero() {
			p.Status = models.PaymentRefunded
		} else {
			p.Status = models.PaymentPartiallyRefunded
		}
		p.RevenueRecognized = false
		p.RevenueRecognizedAt = nil
	})
	if err != nil {
		return nil, fmt.Errorf("record refund: %w", err)
	}
	if cardErr != nil {
		log.Error("processor refund failed", "error", cardErr, "refunded", refunded.StringFixed(2))
		return nil, billing.External(op, "refund_failed", payments.IsTemporary(cardErr), cardErr)
	}
	log.Info("payment refunded", "amount", refunded.StringFixed(2), "method", method)

	if updated.TransferStatus == models.TransferSucceeded || updated.TransferStatus == models.TransferAcknowledged {
		s.alerts.CreateAlert(ctx, alerts.Alert{
			Type:        alerts.TypeRefundAfterPayout,
			Severity:    alerts.SeverityHigh,
			Description: fmt.Sprintf("refunded %s after the tutor payout was sent", refunded.StringFixed(2)),
			PaymentID:   uuidPtr(updated.ID),
			LessonID:    uuidPtr(updated.LessonID),
			UserID:      uuidPtr(updated.TutorID),
			DedupeKey:   alerts.DedupeKeyFor(alerts.TypeRefundAfterPayout, updated.ID) + ":" + cumulative,
		})
	}
	if !opts.keepStatus {
		if _, err := s.store.MutateLesson(ctx, updated.LessonID, func(l *models.Lesson) error {
			l.RevenueRecognized = false
			if updated.Status != models.PaymentRefunded {
				return nil
			}
			target := models.BillingRefunded
			if opts.lessonBilling != "" {
				target = opts.lessonBilling
			}
			if billing.CanTransitionBilling(l.BillingStatus, target) {
				l.BillingStatus = target
			}
			return nil
		}); err != nil {
			log.Error("updating lesson after refund failed", "error", err)
		}
	}
	s.emit(notifications.EventPaymentRefunded, updated.PayerID, updated, refunded, map[string]interface{}{"method": method})
	return updated, nil
}

// void releases an uncaptured payment: the wallet reservation goes back to the payer
// and the card authorization is cancelled.
func (s *PaymentService) void(ctx context.Context, lessonID, paymentID uuid.UUID, op string, status models.PaymentStatus, lessonBilling models.BillingStatus) (*models.Payment, error) {
	p, err := s.claims.acquire(ctx, paymentID, op, func(p *models.Payment) error {
		if p.IsCaptured() {
			return billing.StateConflict(op, "payment_captured", "payment is captured and must be refunded")
		}
		switch p.Status {
		case models.PaymentCancelled, models.PaymentRefunded, models.PaymentFailed:
			return store.ErrSkip
		}
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	log := s.logger.With("op", op, "payment_id", p.ID, "lesson_id", lessonID)

	if p.ProcessorIntentID != nil {
		intentID := *p.ProcessorIntentID
		err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			callCtx, cancel := s.callContext(ctx)
			defer cancel()
			_, err := s.processor.CancelAuthorization(callCtx, intentID, utils.IdempotencyKey("cancel", p.ID))
			return err
		})
		if err != nil && !payments.IsNotFound(err) {
			s.releaseClaim(ctx, p.ID)
			return nil, billing.External(op, "cancel_authorization_failed", payments.IsTemporary(err), err)
		}
	}
	if p.Status == models.PaymentAuthorized && p.WalletAmount.IsPositive() {
		if _, err := s.wallet.Release(ctx, p.PayerID, p.WalletAmount, utils.LedgerCorrelation("release", p.ID)); err != nil {
			s.releaseClaim(ctx, p.ID)
			return nil, fmt.Errorf("release wallet reservation: %w", err)
		}
	}

	now := s.now()
	updated, err := s.claims.finish(ctx, p.ID, func(p *models.Payment) {
		p.Status = status
		if status == models.PaymentRefunded {
			p.RefundMethod = strPtr("void")
			p.RefundedAt = &now
		}
	})
	if err != nil {
		return nil, fmt.Errorf("mark payment %s: %w", status, err)
	}
	s.setLessonBilling(ctx, lessonID, lessonBilling)
	log.Info("payment voided", "status", status)

	event := notifications.EventPaymentCancelled
	if status == models.PaymentRefunded {
		event = notifications.EventPaymentRefunded
	}
	s.emit(event, updated.PayerID, updated, updated.Amount, nil)
	return updated, nil
}

// CancelLesson cancels a lesson before it is charged and releases its funds. A
// captured payment has to be refunded instead.
func (s *PaymentService) CancelLesson(ctx context.Context, lessonID uuid.UUID, cancelledBy, reason string) (*models.Payment, error) {
	const op = "cancel_lesson"
	switch cancelledBy {
	case models.CancelledByStudent, models.CancelledByTutor, models.CancelledBySystem:
	default:
		return nil, billing.Validation(op, "invalid_cancelled_by", fmt.Sprintf("unknown canceller %q", cancelledBy))
	}
	lesson, err := s.store.GetLesson(ctx, lessonID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, billing.NotFound(op, "lesson_not_found", "lesson not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load lesson: %w", err)
	}
	if lesson.Status == models.LessonCompleted {
		return nil, billing.StateConflict(op, "lesson_completed", "completed lessons cannot be cancelled")
	}

	var payment *models.Payment
	if lesson.PaymentID != nil {
		payment, err = s.store.GetPayment(ctx, *lesson.PaymentID)
		if err != nil {
			return nil, fmt.Errorf("load payment: %w", err)
		}
		if payment.IsCaptured() {
			return nil, billing.StateConflict(op, "payment_captured", "payment is captured and must be refunded")
		}
		payment, err = s.void(ctx, lesson.ID, payment.ID, op, models.PaymentCancelled, models.BillingRefunded)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	if _, err := s.store.MutateLesson(ctx, lesson.ID, func(l *models.Lesson) error {
		if l.IsTerminal() {
			return store.ErrSkip
		}
		l.Status = models.LessonCancelled
		l.CancelledBy = strPtr(cancelledBy)
		if reason != "" {
			l.CancelReason = strPtr(reason)
		}
		l.CancelledAt = &now
		if payment != nil && billing.CanTransitionBilling(l.BillingStatus, models.BillingRefunded) {
			l.BillingStatus = models.BillingRefunded
		}
		return nil
	}); err != nil && !errors.Is(err, store.ErrSkip) {
		return nil, fmt.Errorf("cancel lesson: %w", err)
	}
	s.logger.Info("lesson cancelled", "op", op, "lesson_id", lesson.ID, "cancelled_by", cancelledBy)
	return payment, nil
}

// ApplyLessonOutcome derives the attendance outcome of a lesson past its end time,
// persists it and moves the money for it. Lessons already terminal return nil.
func (s *PaymentService) ApplyLessonOutcome(ctx context.Context, lessonID uuid.UUID) (*billing.Outcome, error) {
	const op = "apply_lesson_outcome"
	now := s.now()
	var outcome billing.Outcome
	lesson, err := s.store.MutateLesson(ctx, lessonID, func(l *models.Lesson) error {
		if l.IsTerminal() {
			return store.ErrSkip
		}
		if l.EndTime.After(now) {
			return billing.StateConflict(op, "lesson_not_ended", "lesson has not ended yet")
		}
		outcome = billing.DecideOutcome(l, now)
		outcome.Apply(l, now)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, billing.NotFound(op, "lesson_not_found", "lesson not found")
	}
	if errors.Is(err, store.ErrSkip) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("lesson outcome applied", "op", op, "lesson_id", lessonID, "outcome", outcome.Kind, "charge", outcome.Charge.StringFixed(2))

	if outcome.Anomaly {
		s.alerts.CreateAlert(ctx, alerts.Alert{
			Type:        alerts.TypeAttendanceAnomaly,
			Severity:    alerts.SeverityMedium,
			Description: "both participants joined but the call start was never recorded; charged the booked price",
			LessonID:    uuidPtr(lesson.ID),
			PaymentID:   lesson.PaymentID,
		})
	}
	if _, err := s.FinalizePayment(ctx, lessonID); err != nil {
		return &outcome, err
	}
	return &outcome, nil
}

// FinalizePayment moves the money for a lesson that is already terminal: completed
// lessons and paid cancellations are completed, everything else is released.
func (s *PaymentService) FinalizePayment(ctx context.Context, lessonID uuid.UUID) (*models.Payment, error) {
	const op = "finalize_payment"
	lesson, err := s.store.GetLesson(ctx, lessonID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, billing.NotFound(op, "lesson_not_found", "lesson not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load lesson: %w", err)
	}
	if !lesson.IsTerminal() {
		return nil, billing.StateConflict(op, "lesson_not_terminal", fmt.Sprintf("lesson is %s", lesson.Status))
	}
	if lesson.PaymentID == nil {
		return nil, nil
	}
	p, err := s.store.GetPayment(ctx, *lesson.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	switch p.Status {
	case models.PaymentFailed, models.PaymentCancelled, models.PaymentRefunded:
		return p, nil
	}

	if lesson.Status == models.LessonCompleted || lesson.CancellationFeeCharged.IsPositive() {
		return s.CompletePayment(ctx, lessonID)
	}
	if p.IsCaptured() {
		return s.refund(ctx, p.ID, p.RefundableAmount(), refundOptions{method: RefundToWallet, reason: "lesson_not_held", lessonBilling: lesson.BillingStatus})
	}
	return s.void(ctx, lesson.ID, p.ID, op, models.PaymentCancelled, lesson.BillingStatus)
}

// ReconcileUncaptured corrects a payment recorded as captured while the processor
// still holds the authorization, then re-derives the lesson's outcome from its
// attendance. Only card-only payments of lessons whose call never started qualify.
func (s *PaymentService) ReconcileUncaptured(ctx context.Context, lessonID uuid.UUID) (*billing.Outcome, error) {
	const op = "reconcile_uncaptured"
	lesson, p, err := s.loadLessonPayment(ctx, op, lessonID)
	if err != nil {
		return nil, err
	}
	if lesson.ActualCallStartTime != nil {
		return nil, billing.StateConflict(op, "call_started", "lesson call started")
	}
	if p.WalletAmount.IsPositive() {
		return nil, billing.StateConflict(op, "wallet_leg_present", "payment has a wallet leg")
	}
	if payoutStarted(p) {
		s.alertPayoutClawback(ctx, p)
		return nil, billing.StateConflict(op, "payout_started", "tutor payout already started")
	}
	_, err = s.store.MutatePayment(ctx, p.ID, func(p *models.Payment) error {
		if s.claims.held(p) {
			return billing.StateConflict(op, "operation_in_flight", "payment is busy")
		}
		if p.Status != models.PaymentSucceeded {
			return store.ErrSkip
		}
		if payoutStarted(p) {
			return billing.StateConflict(op, "payout_started", "tutor payout already started")
		}
		p.Status = models.PaymentAuthorized
		p.ChargedAt = nil
		p.ChargedAmount = decimal.Zero
		p.ProcessorChargeID = nil
		p.PlatformFee = decimal.Zero
		p.TutorPayout = decimal.Zero
		p.RevenueRecognized = false
		p.RevenueRecognizedAt = nil
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrSkip) {
		return nil, err
	}

	now := s.now()
	var outcome billing.Outcome
	if _, err := s.store.MutateLesson(ctx, lesson.ID, func(l *models.Lesson) error {
		if l.Status == models.LessonCancelled {
			return store.ErrSkip
		}
		l.CompletedAt = nil
		l.RevenueRecognized = false
		outcome = billing.DecideOutcome(l, now)
		outcome.Apply(l, now)
		return nil
	}); err != nil {
		if errors.Is(err, store.ErrSkip) {
			return nil, nil
		}
		return nil, err
	}
	s.logger.Warn("uncaptured payment corrected", "op", op, "lesson_id", lesson.ID, "payment_id", p.ID, "outcome", outcome.Kind)
	if _, err := s.FinalizePayment(ctx, lesson.ID); err != nil {
		return &outcome, err
	}
	return &outcome, nil
}

// payoutStarted reports whether any part of the tutor payout may have left the
// platform account.
func payoutStarted(p *models.Payment) bool {
	if p.TransferStatus == models.TransferSucceeded || p.TransferStatus == models.TransferAcknowledged {
		return true
	}
	return p.SettlementState != "" && p.SettlementState != models.SettlementPending
}

func (s *PaymentService) alertPayoutClawback(ctx context.Context, p *models.Payment) {
	s.logger.Error("uncaptured payment already paid out", "payment_id", p.ID, "settlement_state", p.SettlementState, "transfer_status", p.TransferStatus)
	s.alerts.CreateAlert(ctx, alerts.Alert{
		Type:        alerts.TypeRefundAfterPayout,
		Severity:    alerts.SeverityCritical,
		Description: fmt.Sprintf("authorization was never captured but a payout of %s was already started", p.TutorPayout.StringFixed(2)),
		PaymentID:   uuidPtr(p.ID),
		LessonID:    uuidPtr(p.LessonID),
		UserID:      uuidPtr(p.TutorID),
		DedupeKey:   alerts.DedupeKeyFor(alerts.TypeRefundAfterPayout, p.ID) + ":uncaptured",
	})
}

// HandleAuthorizationCanceled applies a processor-side cancellation of an
// authorization that was still held locally.
func (s *PaymentService) HandleAuthorizationCanceled(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error) {
	const op = "authorization_canceled"
	p, err := s.claims.acquire(ctx, paymentID, op, func(p *models.Payment) error {
		if p.IsCaptured() || p.Status != models.PaymentAuthorized {
			return store.ErrSkip
		}
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	if p.WalletAmount.IsPositive() {
		if _, err := s.wallet.Release(ctx, p.PayerID, p.WalletAmount, utils.LedgerCorrelation("release", p.ID)); err != nil {
			s.releaseClaim(ctx, p.ID)
			return nil, fmt.Errorf("release wallet reservation: %w", err)
		}
	}
	updated, err := s.claims.finish(ctx, p.ID, func(p *models.Payment) {
		p.Status = models.PaymentCancelled
		p.FailureCode = strPtr("authorization_canceled")
	})
	if err != nil {
		return nil, err
	}
	s.setLessonBilling(ctx, p.LessonID, models.BillingRefunded)
	s.emit(notifications.EventPaymentCancelled, p.PayerID, updated, p.Amount, nil)
	return updated, nil
}

// RecordExternalRefund applies card refunds made outside this service. total is the
// processor's cumulative refunded amount for the charge.
func (s *PaymentService) RecordExternalRefund(ctx context.Context, paymentID uuid.UUID, totalRefundedMinor int64) (*models.Payment, error) {
	const op = "external_refund"
	total := billing.FromMinorUnits(totalRefundedMinor)
	now := s.now()
	var delta decimal.Decimal
	p, err := s.store.MutatePayment(ctx, paymentID, func(p *models.Payment) error {
		if !p.IsCaptured() || !total.GreaterThan(p.RefundAmount) {
			return store.ErrSkip
		}
		if s.claims.held(p) {
			return billing.StateConflict(op, "operation_in_flight", "payment is busy")
		}
		delta = minDecimal(total.Sub(p.RefundAmount), p.ChargedAmount)
		p.ChargedAmount = p.ChargedAmount.Sub(delta)
		p.RefundAmount = p.RefundAmount.Add(delta)
		p.RefundMethod = strPtr(RefundToOriginal)
		p.RefundedAt = &now
		if p.ChargedAmount.IsZero() {
			p.Status = models.PaymentRefunded
		} else {
			p.Status = models.PaymentPartiallyRefunded
		}
		p.RevenueRecognized = false
		p.RevenueRecognizedAt = nil
		return nil
	})
	if errors.Is(err, store.ErrSkip) {
		return p, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, billing.NotFound(op, "payment_not_found", "payment not found")
	}
	if err != nil {
		return nil, err
	}
	s.logger.Warn("external refund recorded", "op", op, "payment_id", p.ID, "amount", delta.StringFixed(2))
	if p.TransferStatus == models.TransferSucceeded || p.TransferStatus == models.TransferAcknowledged {
		s.alerts.CreateAlert(ctx, alerts.Alert{
			Type:        alerts.TypeRefundAfterPayout,
			Severity:    alerts.SeverityHigh,
			Description: fmt.Sprintf("processor refunded %s after the tutor payout was sent", delta.StringFixed(2)),
			PaymentID:   uuidPtr(p.ID),
			LessonID:    uuidPtr(p.LessonID),
			UserID:      uuidPtr(p.TutorID),
		})
	}
	if p.Status == models.PaymentRefunded {
		s.setLessonBilling(ctx, p.LessonID, models.BillingRefunded)
	}
	s.emit(notifications.EventPaymentRefunded, p.PayerID, p, delta, map[string]interface{}{"method": RefundToOriginal})
	return p, nil
}

func (s *PaymentService) loadLessonPayment(ctx context.Context, op string, lessonID uuid.UUID) (*models.Lesson, *models.Payment, error) {
	lesson, err := s.store.GetLesson(ctx, lessonID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, billing.NotFound(op, "lesson_not_found", "lesson not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load lesson: %w", err)
	}
	if lesson.PaymentID == nil {
		return nil, nil, billing.NotFound(op, "payment_not_found", "lesson has no payment")
	}
	p, err := s.store.GetPayment(ctx, *lesson.PaymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, billing.NotFound(op, "payment_not_found", "lesson has no payment")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load payment: %w", err)
	}
	return lesson, p, nil
}

func (s *PaymentService) setLessonBilling(ctx context.Context, lessonID uuid.UUID, status models.BillingStatus) {
	_, err := s.store.MutateLesson(context.WithoutCancel(ctx), lessonID, func(l *models.Lesson) error {
		if l.BillingStatus == status || !billing.CanTransitionBilling(l.BillingStatus, status) {
			return store.ErrSkip
		}
		l.BillingStatus = status
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrSkip) {
		s.logger.Error("updating lesson billing status failed", "lesson_id", lessonID, "billing_status", status, "error", err)
	}
}

func (s *PaymentService) releaseClaim(ctx context.Context, paymentID uuid.UUID) {
	if _, err := s.claims.finish(ctx, paymentID, nil); err != nil {
		s.logger.Error("releasing payment claim failed", "payment_id", paymentID, "error", err)
	}
}

func (s *PaymentService) cancelIntent(ctx context.Context, paymentID uuid.UUID, intentID string) {
	callCtx, cancel := s.callContext(context.WithoutCancel(ctx))
	defer cancel()
	if _, err := s.processor.CancelAuthorization(callCtx, intentID, utils.IdempotencyKey("cancel", paymentID)); err != nil {
		s.logger.Warn("cancelling incomplete authorization failed", "payment_id", paymentID, "intent_id", intentID, "error", err)
	}
}

func (s *PaymentService) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *PaymentService) emit(eventType string, userID uuid.UUID, p *models.Payment, amount decimal.Decimal, data map[string]interface{}) {
	s.notifier.Emit(notifications.Event{
		Type:       eventType,
		UserID:     userID,
		LessonID:   uuidPtr(p.LessonID),
		PaymentID:  uuidPtr(p.ID),
		Amount:     amount,
		Currency:   p.Currency,
		Data:       data,
		OccurredAt: s.now(),
	})
}
