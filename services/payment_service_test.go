package services

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/anjiri1684/lesson_billing/alerts"
	"github.com/anjiri1684/lesson_billing/billing"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/payments"
	"github.com/anjiri1684/lesson_billing/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestBookLessonAuthorizesCard(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")

	p := h.bookCard(l)
	if p.Status != models.PaymentAuthorized {
		t.Fatalf("expected authorized, got %s", p.Status)
	}
	if p.InFlightOperation != nil {
		t.Fatalf("expected booking claim released, got %q", *p.InFlightOperation)
	}
	intent, ok := h.processor.Intent(*p.ProcessorIntentID)
	if !ok || intent.Status != payments.IntentRequiresCapture || intent.Amount != 5000 {
		t.Fatalf("expected 5000 held for capture, got %+v", intent)
	}
	if got := h.getLesson(l.ID); got.BillingStatus != models.BillingAuthorized || got.PaymentID == nil || *got.PaymentID != p.ID {
		t.Fatalf("expected lesson authorized and linked, got %+v", got)
	}
}

func TestBookLessonValidation(t *testing.T) {
	h := newHarness(t)
	paid := h.lesson("50")
	h.bookCard(paid)
	open := h.lesson("50")

	tests := []struct {
		name string
		req  BookingRequest
		kind billing.Kind
		code string
	}{
		{
			name: "not the payer",
			req:  BookingRequest{LessonID: open.ID, PayerID: uuid.New(), Method: models.MethodCard, Amount: dec("50"), PaymentMethodRef: "pm"},
			kind: billing.KindValidation,
			code: "not_lesson_payer",
		},
		{
			name: "amount mismatch",
			req:  BookingRequest{LessonID: open.ID, PayerID: open.StudentID, Method: models.MethodCard, Amount: dec("45"), PaymentMethodRef: "pm"},
			kind: billing.KindValidation,
			code: "amount_mismatch",
		},
		{
			name: "already paid",
			req:  BookingRequest{LessonID: paid.ID, PayerID: paid.StudentID, Method: models.MethodCard, Amount: dec("50"), PaymentMethodRef: "pm"},
			kind: billing.KindStateConflict,
			code: "lesson_already_paid",
		},
		{
			name: "hybrid wallet covers everything",
			req:  BookingRequest{LessonID: open.ID, PayerID: open.StudentID, Method: models.MethodHybrid, Amount: dec("50"), WalletAmount: dec("50"), PaymentMethodRef: "pm"},
			kind: billing.KindValidation,
			code: "invalid_wallet_amount",
		},
		{
			name: "card without method",
			req:  BookingRequest{LessonID: open.ID, PayerID: open.StudentID, Method: models.MethodCard, Amount: dec("50")},
			kind: billing.KindValidation,
			code: "payment_method_required",
		},
		{
			name: "unknown lesson",
			req:  BookingRequest{LessonID: uuid.New(), PayerID: open.StudentID, Method: models.MethodWallet, Amount: dec("50")},
			kind: billing.KindNotFound,
			code: "lesson_not_found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.payments.BookLesson(h.ctx, tt.req)
			if billing.KindOf(err) != tt.kind || billing.CodeOf(err) != tt.code {
				t.Fatalf("expected %s/%s, got %v", tt.kind, tt.code, err)
			}
		})
	}
	if got := h.getLesson(open.ID); got.PaymentID != nil || got.Status != models.LessonScheduled {
		t.Fatalf("expected rejected bookings to leave the lesson untouched, got %+v", got)
	}
}

func TestHybridBookingFailureReleasesWalletLeg(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	h.fund(l.StudentID, "100")
	h.processor.FailAuthorize = &payments.APIError{Provider: "stripe", StatusCode: http.StatusPaymentRequired, Code: "card_declined"}

	_, err := h.payments.BookLesson(h.ctx, BookingRequest{
		LessonID:         l.ID,
		PayerID:          l.StudentID,
		Method:           models.MethodHybrid,
		Amount:           dec("50"),
		WalletAmount:     dec("20"),
		PaymentMethodRef: "pm_card_declined",
	})
	if !billing.IsKind(err, billing.KindExternalProcessor) {
		t.Fatalf("expected a processor error, got %v", err)
	}
	var apiErr *payments.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "card_declined" {
		t.Fatalf("expected the decline to be wrapped, got %v", err)
	}

	w := h.balance(l.StudentID)
	if !w.ReservedBalance.IsZero() || !w.AvailableBalance().Equal(dec("100")) {
		t.Fatalf("expected the $20 reservation released, got balance %s reserved %s", w.Balance, w.ReservedBalance)
	}
	got := h.getLesson(l.ID)
	if got.Status != models.LessonCancelled || got.CancelReason == nil || *got.CancelReason != "authorization_failed" {
		t.Fatalf("expected lesson cancelled with the failure code, got %+v", got)
	}
	p := h.payment(*got.PaymentID)
	if p.Status != models.PaymentFailed || p.InFlightOperation != nil {
		t.Fatalf("expected failed payment without claim, got %s", p.Status)
	}
}

func TestWalletBookingInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	h.fund(l.StudentID, "10")

	_, err := h.payments.BookLesson(h.ctx, BookingRequest{LessonID: l.ID, PayerID: l.StudentID, Method: models.MethodWallet, Amount: dec("50")})
	if !billing.IsKind(err, billing.KindInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if h.processor.Calls("authorize") != 0 {
		t.Fatal("expected no authorization for a wallet booking")
	}
	if got := h.getLesson(l.ID); got.Status != models.LessonCancelled {
		t.Fatalf("expected lesson cancelled, got %s", got.Status)
	}
}

func TestConcurrentWalletBookingsNeverOverReserve(t *testing.T) {
	h := newHarness(t)
	student := uuid.New()
	h.fund(student, "100")

	var lessons []*models.Lesson
	for i := 0; i < 6; i++ {
		l := h.lesson("30")
		h.mutateLesson(l.ID, func(l *models.Lesson) { l.StudentID = student })
		lessons = append(lessons, l)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	booked := 0
	for _, l := range lessons {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if _, err := h.payments.BookLesson(h.ctx, BookingRequest{LessonID: id, PayerID: student, Method: models.MethodWallet, Amount: dec("30")}); err == nil {
				mu.Lock()
				booked++
				mu.Unlock()
			}
		}(l.ID)
	}
	wg.Wait()

	w := h.balance(student)
	if booked != 3 {
		t.Fatalf("expected 3 bookings to fit in $100, got %d", booked)
	}
	if !w.ReservedBalance.Equal(dec("90")) || w.ReservedBalance.GreaterThan(w.Balance) {
		t.Fatalf("expected 90 reserved of 100, got %s of %s", w.ReservedBalance, w.Balance)
	}
}

func TestCompletePaymentTwiceTransfersOnce(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	h.directAccount(l.TutorID)
	h.bookCard(l)
	h.complete(l)

	first, err := h.payments.CompletePayment(h.ctx, l.ID)
	if err != nil {
		t.Fatalf("CompletePayment: %v", err)
	}
	if _, err := h.payments.CompletePayment(h.ctx, l.ID); err != nil {
		t.Fatalf("second CompletePayment: %v", err)
	}

	if n := len(h.processor.Transfers()); n != 1 {
		t.Fatalf("expected one transfer, got %d", n)
	}
	tr := h.processor.Transfers()[0]
	if tr.AmountMinor != 4000 || tr.DestinationAccount != "acct_direct" {
		t.Fatalf("expected 4000 to acct_direct, got %+v", tr)
	}
	if !first.PlatformFee.Equal(dec("10")) || !first.TutorPayout.Equal(dec("40")) {
		t.Fatalf("expected fee 10 and payout 40, got %s and %s", first.PlatformFee, first.TutorPayout)
	}
	if !first.PlatformFee.Add(first.TutorPayout).Equal(first.ChargedAmount) {
		t.Fatalf("fee %s + payout %s != charged %s", first.PlatformFee, first.TutorPayout, first.ChargedAmount)
	}
	if first.SettlementState != models.SettlementDirectTransferSucceeded || first.TransferStatus != models.TransferSucceeded {
		t.Fatalf("expected direct transfer succeeded, got %s/%s", first.SettlementState, first.TransferStatus)
	}
	if len(h.notifier.received) != 1 || !h.notifier.received[0].Equal(dec("40")) {
		t.Fatalf("expected one tutor notification of 40, got %v", h.notifier.received)
	}
	if got := h.getLesson(l.ID); !got.RevenueRecognized || got.BillingStatus != models.BillingCharged {
		t.Fatalf("expected lesson recognized and charged, got %+v", got)
	}
}

func TestFeeSplitAlwaysSumsToCharge(t *testing.T) {
	tests := []struct {
		amount string
		pct    string
	}{
		{"50", "20"},
		{"33.33", "15"},
		{"7.20", "17.5"},
		{"0.01", "20"},
		{"19.99", "12.34"},
	}
	for _, tt := range tests {
		t.Run(tt.amount+"@"+tt.pct, func(t *testing.T) {
			fee, payout := billing.SplitFee(dec(tt.amount), dec(tt.pct))
			if !fee.Add(payout).Equal(dec(tt.amount)) {
				t.Fatalf("fee %s + payout %s != %s", fee, payout, tt.amount)
			}
		})
	}
}

func TestStudentNoShowChargesCancellationFee(t *testing.T) {
	t.Run("wallet", func(t *testing.T) {
		h := newHarness(t)
		l := h.lesson("50")
		h.fund(l.StudentID, "100")
		h.bookWallet(l)
		joined := l.StartTime
		h.mutateLesson(l.ID, func(l *models.Lesson) { l.TutorJoinedAt = &joined })

		outcome, err := h.payments.ApplyLessonOutcome(h.ctx, l.ID)
		if err != nil {
			t.Fatalf("ApplyLessonOutcome: %v", err)
		}
		if outcome.Kind != billing.OutcomeStudentNoShow || !outcome.Charge.Equal(dec("25")) || !outcome.Refund.Equal(dec("25")) {
			t.Fatalf("expected $25 fee and $25 back, got %+v", outcome)
		}
		got := h.getLesson(l.ID)
		p := h.payment(*got.PaymentID)
		if !p.ChargedAmount.Equal(dec("25")) || !p.PlatformFee.Equal(dec("5")) || !p.TutorPayout.Equal(dec("20")) {
			t.Fatalf("expected charged 25, fee 5, payout 20, got %s/%s/%s", p.ChargedAmount, p.PlatformFee, p.TutorPayout)
		}
		w := h.balance(l.StudentID)
		if !w.Balance.Equal(dec("75")) || !w.ReservedBalance.IsZero() {
			t.Fatalf("expected balance 75 with nothing reserved, got %s/%s", w.Balance, w.ReservedBalance)
		}
		if got.Status != models.LessonCancelled || *got.CancelledBy != models.CancelledByStudent {
			t.Fatalf("expected lesson cancelled by student, got %+v", got)
		}
	})

	t.Run("card", func(t *testing.T) {
		h := newHarness(t)
		l := h.lesson("50")
		p := h.bookCard(l)
		joined := l.StartTime
		h.mutateLesson(l.ID, func(l *models.Lesson) { l.TutorJoinedAt = &joined })

		if _, err := h.payments.ApplyLessonOutcome(h.ctx, l.ID); err != nil {
			t.Fatalf("ApplyLessonOutcome: %v", err)
		}
		intent, _ := h.processor.Intent(*p.ProcessorIntentID)
		if intent.AmountReceived != 2500 {
			t.Fatalf("expected 2500 captured, got %d", intent.AmountReceived)
		}
		if got := h.payment(p.ID); !got.TutorPayout.Equal(dec("20")) || got.SettlementState != models.SettlementManualPending {
			t.Fatalf("expected $20 manual payout, got %s/%s", got.TutorPayout, got.SettlementState)
		}
	})
}

func TestMutualNoShowReleasesEverything(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	h.fund(l.StudentID, "100")
	p, err := h.payments.BookLesson(h.ctx, BookingRequest{
		LessonID: l.ID, PayerID: l.StudentID, Method: models.MethodHybrid,
		Amount: dec("50"), WalletAmount: dec("20"), PaymentMethodRef: "pm_card_visa",
	})
	if err != nil {
		t.Fatalf("BookLesson: %v", err)
	}

	outcome, err := h.payments.ApplyLessonOutcome(h.ctx, l.ID)
	if err != nil {
		t.Fatalf("ApplyLessonOutcome: %v", err)
	}
	if outcome.Kind != billing.OutcomeMutualNoShow || !outcome.Charge.IsZero() {
		t.Fatalf("expected mutual no-show with no charge, got %+v", outcome)
	}
	got := h.payment(p.ID)
	if got.Status != models.PaymentCancelled || got.IsCaptured() {
		t.Fatalf("expected cancelled uncaptured payment, got %s", got.Status)
	}
	if intent, _ := h.processor.Intent(*p.ProcessorIntentID); intent.Status != payments.IntentCanceled {
		t.Fatalf("expected authorization cancelled, got %s", intent.Status)
	}
	if w := h.balance(l.StudentID); !w.AvailableBalance().Equal(dec("100")) || !w.ReservedBalance.IsZero() {
		t.Fatalf("expected full release, got balance %s reserved %s", w.Balance, w.ReservedBalance)
	}
	if lesson := h.getLesson(l.ID); lesson.BillingStatus != models.BillingNoShow || lesson.Status != models.LessonCancelled {
		t.Fatalf("expected cancelled/no_show, got %s/%s", lesson.Status, lesson.BillingStatus)
	}
}

func TestTutorNoShowRefundsCapturedPayment(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	p := h.bookCard(l)
	if _, err := h.payments.CaptureAtStart(h.ctx, l.ID); err != nil {
		t.Fatalf("CaptureAtStart: %v", err)
	}
	joined := l.StartTime
	h.mutateLesson(l.ID, func(l *models.Lesson) { l.StudentJoinedAt = &joined })

	outcome, err := h.payments.ApplyLessonOutcome(h.ctx, l.ID)
	if err != nil {
		t.Fatalf("ApplyLessonOutcome: %v", err)
	}
	if outcome.Kind != billing.OutcomeTutorNoShow {
		t.Fatalf("expected tutor no-show, got %s", outcome.Kind)
	}
	got := h.payment(p.ID)
	if got.Status != models.PaymentRefunded || !got.RefundAmount.Equal(dec("50")) || !got.ChargedAmount.IsZero() {
		t.Fatalf("expected full refund, got %s refunded %s", got.Status, got.RefundAmount)
	}
	if w := h.balance(l.StudentID); !w.Balance.Equal(dec("50")) {
		t.Fatalf("expected refund credited to wallet, got %s", w.Balance)
	}
	if lesson := h.getLesson(l.ID); lesson.BillingStatus != models.BillingRefunded {
		t.Fatalf("expected lesson refunded, got %s", lesson.BillingStatus)
	}
}

func TestMeteredLessonChargesActualMinutes(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("30")
	h.mutateLesson(l.ID, func(l *models.Lesson) {
		l.LessonType = models.LessonTypeOfficeHours
		l.StandardRate = dec("30")
		l.StandardDurationMinutes = 50
	})
	p := h.bookCard(l)

	if _, err := h.payments.CaptureAtStart(h.ctx, l.ID); err != nil {
		t.Fatalf("CaptureAtStart: %v", err)
	}
	if h.payment(p.ID).IsCaptured() {
		t.Fatal("expected metered lessons to defer capture")
	}
	start := l.StartTime
	end := start.Add(11*time.Minute + 20*time.Second)
	h.mutateLesson(l.ID, func(l *models.Lesson) {
		l.ActualCallStartTime = &start
		l.ActualCallEndTime = &end
		l.Status = models.LessonInProgress
	})

	if _, err := h.payments.ApplyLessonOutcome(h.ctx, l.ID); err != nil {
		t.Fatalf("ApplyLessonOutcome: %v", err)
	}
	got := h.payment(p.ID)
	if !got.ChargedAmount.Equal(dec("7.20")) {
		t.Fatalf("expected 7.20 for 12 minutes, got %s", got.ChargedAmount)
	}
	if intent, _ := h.processor.Intent(*p.ProcessorIntentID); intent.AmountReceived != 720 {
		t.Fatalf("expected 720 captured, got %d", intent.AmountReceived)
	}
	if lesson := h.getLesson(l.ID); lesson.ActualDurationMinutes == nil || *lesson.ActualDurationMinutes != 12 {
		t.Fatalf("expected 12 minutes recorded, got %v", lesson.ActualDurationMinutes)
	}
}

func TestAttendedWithoutCallStartRaisesAnomaly(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	h.bookCard(l)
	joined := l.StartTime
	h.mutateLesson(l.ID, func(l *models.Lesson) {
		l.TutorJoinedAt = &joined
		l.StudentJoinedAt = &joined
	})

	outcome, err := h.payments.ApplyLessonOutcome(h.ctx, l.ID)
	if err != nil {
		t.Fatalf("ApplyLessonOutcome: %v", err)
	}
	if outcome.Kind != billing.OutcomeAttendedNoStart || !outcome.Charge.Equal(dec("50")) {
		t.Fatalf("expected full charge, got %+v", outcome)
	}
	if n := len(h.alertsOf(alerts.TypeAttendanceAnomaly)); n != 1 {
		t.Fatalf("expected one anomaly alert, got %d", n)
	}
	if again, err := h.payments.ApplyLessonOutcome(h.ctx, l.ID); err != nil || again != nil {
		t.Fatalf("expected terminal lesson to be skipped, got %+v, %v", again, err)
	}
}

func TestApplyLessonOutcomeBeforeEnd(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	h.mutateLesson(l.ID, func(l *models.Lesson) { l.EndTime = h.now.Add(time.Hour) })

	_, err := h.payments.ApplyLessonOutcome(h.ctx, l.ID)
	if billing.CodeOf(err) != "lesson_not_ended" {
		t.Fatalf("expected lesson_not_ended, got %v", err)
	}
}

func TestRefundLesson(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	p := h.bookCard(l)
	if _, err := h.payments.CaptureAtStart(h.ctx, l.ID); err != nil {
		t.Fatalf("CaptureAtStart: %v", err)
	}

	_, err := h.payments.RefundLesson(h.ctx, l.ID, RefundRequest{Amount: decimal.NewNullDecimal(dec("60"))})
	if billing.CodeOf(err) != "refund_exceeds_charge" {
		t.Fatalf("expected refund_exceeds_charge, got %v", err)
	}

	partial, err := h.payments.RefundLesson(h.ctx, l.ID, RefundRequest{Method: RefundToOriginal, Amount: decimal.NewNullDecimal(dec("20"))})
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if partial.Status != models.PaymentPartiallyRefunded || !partial.ChargedAmount.Equal(dec("30")) {
		t.Fatalf("expected partially refunded with 30 left, got %s/%s", partial.Status, partial.ChargedAmount)
	}
	refunds := h.processor.Refunds()
	if len(refunds) != 1 || refunds[0].AmountMinor != 2000 || refunds[0].IdempotencyKey != utils.IdempotencyKey("refund", p.ID, "2000") {
		t.Fatalf("expected one 2000 card refund, got %+v", refunds)
	}

	full, err := h.payments.RefundLesson(h.ctx, l.ID, RefundRequest{})
	if err != nil {
		t.Fatalf("full refund: %v", err)
	}
	if full.Status != models.PaymentRefunded || !full.RefundAmount.Equal(dec("50")) || full.RevenueRecognized {
		t.Fatalf("expected fully refunded, got %s/%s", full.Status, full.RefundAmount)
	}
	if w := h.balance(l.StudentID); !w.Balance.Equal(dec("30")) {
		t.Fatalf("expected the rest credited to the wallet, got %s", w.Balance)
	}

	_, err = h.payments.RefundLesson(h.ctx, l.ID, RefundRequest{})
	if billing.CodeOf(err) != "already_refunded" {
		t.Fatalf("expected already_refunded, got %v", err)
	}
}

func TestRefundUncapturedPaymentVoids(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	p := h.bookCard(l)

	got, err := h.payments.RefundLesson(h.ctx, l.ID, RefundRequest{})
	if err != nil {
		t.Fatalf("RefundLesson: %v", err)
	}
	if got.Status != models.PaymentRefunded || *got.RefundMethod != "void" {
		t.Fatalf("expected void refund, got %s", got.Status)
	}
	if intent, _ := h.processor.Intent(*p.ProcessorIntentID); intent.Status != payments.IntentCanceled {
		t.Fatalf("expected authorization cancelled, got %s", intent.Status)
	}
	if h.processor.Calls("refund") != 0 {
		t.Fatal("expected no processor refund for a void")
	}
}

func TestRefundAfterPayoutRaisesAlert(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	h.directAccount(l.TutorID)
	h.bookCard(l)
	h.complete(l)
	if _, err := h.payments.CompletePayment(h.ctx, l.ID); err != nil {
		t.Fatalf("CompletePayment: %v", err)
	}

	if _, err := h.payments.RefundLesson(h.ctx, l.ID, RefundRequest{Amount: decimal.NewNullDecimal(dec("10"))}); err != nil {
		t.Fatalf("RefundLesson: %v", err)
	}
	if n := len(h.alertsOf(alerts.TypeRefundAfterPayout)); n != 1 {
		t.Fatalf("expected one refund-after-payout alert, got %d", n)
	}
}

func TestCancelLesson(t *testing.T) {
	t.Run("authorized", func(t *testing.T) {
		h := newHarness(t)
		l := h.lesson("50")
		p := h.bookCard(l)

		got, err := h.payments.CancelLesson(h.ctx, l.ID, models.CancelledByStudent, "schedule_conflict")
		if err != nil {
			t.Fatalf("CancelLesson: %v", err)
		}
		if got.Status != models.PaymentCancelled {
			t.Fatalf("expected cancelled payment, got %s", got.Status)
		}
		if intent, _ := h.processor.Intent(*p.ProcessorIntentID); intent.Status != payments.IntentCanceled {
			t.Fatalf("expected authorization cancelled, got %s", intent.Status)
		}
		lesson := h.getLesson(l.ID)
		if lesson.Status != models.LessonCancelled || *lesson.CancelReason != "schedule_conflict" || lesson.BillingStatus != models.BillingRefunded {
			t.Fatalf("unexpected lesson %+v", lesson)
		}
		if _, err := h.payments.CancelLesson(h.ctx, l.ID, models.CancelledByStudent, "again"); err != nil {
			t.Fatalf("expected repeat cancel to be a no-op, got %v", err)
		}
	})

	t.Run("captured", func(t *testing.T) {
		h := newHarness(t)
		l := h.lesson("50")
		h.bookCard(l)
		if _, err := h.payments.CaptureAtStart(h.ctx, l.ID); err != nil {
			t.Fatalf("CaptureAtStart: %v", err)
		}
		_, err := h.payments.CancelLesson(h.ctx, l.ID, models.CancelledByTutor, "")
		if billing.CodeOf(err) != "payment_captured" {
			t.Fatalf("expected payment_captured, got %v", err)
		}
	})
}

func TestInFlightClaimBlocksOtherOperations(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	p := h.bookCard(l)

	claim := func(since time.Time) {
		op := "refund"
		if _, err := h.store.MutatePayment(h.ctx, p.ID, func(p *models.Payment) error {
			p.InFlightOperation = &op
			p.InFlightSince = &since
			return nil
		}); err != nil {
			t.Fatalf("MutatePayment: %v", err)
		}
	}

	claim(h.now.Add(-time.Minute))
	_, err := h.payments.CaptureAtStart(h.ctx, l.ID)
	if billing.CodeOf(err) != "operation_in_flight" {
		t.Fatalf("expected operation_in_flight, got %v", err)
	}
	if h.processor.Calls("capture") != 0 {
		t.Fatal("expected no capture while claimed")
	}

	claim(h.now.Add(-time.Hour))
	if _, err := h.payments.CaptureAtStart(h.ctx, l.ID); err != nil {
		t.Fatalf("expected stale claim to be taken over, got %v", err)
	}
}

func TestCaptureFailureRaisesAlert(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	p := h.bookCard(l)
	h.processor.FailCapture = &payments.APIError{Provider: "stripe", StatusCode: http.StatusBadRequest, Code: "charge_expired_for_capture"}

	_, err := h.payments.CaptureAtStart(h.ctx, l.ID)
	if !billing.IsKind(err, billing.KindExternalProcessor) || billing.ClassOf(err) != billing.ClassTerminal {
		t.Fatalf("expected terminal processor error, got %v", err)
	}
	if n := len(h.alertsOf(alerts.TypeCaptureFailed)); n != 1 {
		t.Fatalf("expected capture alert, got %d", n)
	}
	if got := h.payment(p.ID); got.InFlightOperation != nil || got.Status != models.PaymentAuthorized {
		t.Fatalf("expected authorized payment with no claim, got %s", got.Status)
	}
}

func TestReconcileUncapturedAutoReleases(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	p := h.bookCard(l)
	now := h.now
	h.mutateLesson(l.ID, func(l *models.Lesson) {
		l.Status = models.LessonCompleted
		l.CompletedAt = &now
	})
	if _, err := h.store.MutatePayment(h.ctx, p.ID, func(p *models.Payment) error {
		p.Status = models.PaymentSucceeded
		p.ChargedAt = &now
		p.ChargedAmount = p.Amount
		return nil
	}); err != nil {
		t.Fatalf("MutatePayment: %v", err)
	}

	outcome, err := h.payments.ReconcileUncaptured(h.ctx, l.ID)
	if err != nil {
		t.Fatalf("ReconcileUncaptured: %v", err)
	}
	if outcome.Kind != billing.OutcomeMutualNoShow {
		t.Fatalf("expected mutual no-show, got %s", outcome.Kind)
	}
	if got := h.payment(p.ID); got.Status != models.PaymentCancelled || got.IsCaptured() {
		t.Fatalf("expected payment released, got %s", got.Status)
	}
	if intent, _ := h.processor.Intent(*p.ProcessorIntentID); intent.Status != payments.IntentCanceled {
		t.Fatalf("expected authorization cancelled, got %s", intent.Status)
	}
}

func TestReconcileUncapturedKeepsPaidOutPayment(t *testing.T) {
	h := newHarness(t)
	l := h.lesson("50")
	p := h.bookCard(l)
	now := h.now
	h.mutateLesson(l.ID, func(l *models.Lesson) {
		l.Status = models.LessonCompleted
		l.CompletedAt = &now
	})
	if _, err := h.store.MutatePayment(h.ctx, p.ID, func(p *models.Payment) error {
		p.Status = models.PaymentSucceeded
		p.ChargedAt = &now
		p.ChargedAmount = p.Amount
		p.PlatformFee, p.TutorPayout = billing.SplitFee(p.Amount, p.PlatformFeePercentage)
		p.RevenueRecognized = true
		p.SettlementPath = models.SettlementDirect
		p.SettlementState = models.SettlementDirectTransferSucceeded
		p.TransferStatus = models.TransferSucceeded
		return nil
	}); err != nil {
		t.Fatalf("MutatePayment: %v", err)
	}

	_, err := h.payments.ReconcileUncaptured(h.ctx, l.ID)
	if billing.CodeOf(err) != "payout_started" {
		t.Fatalf("expected payout_started, got %v", err)
	}
	list := h.alertsOf(alerts.TypeRefundAfterPayout)
	if len(list) != 1 || list[0].Severity != alerts.SeverityCritical {
		t.Fatalf("expected one critical clawback alert, got %+v", list)
	}
	got := h.payment(p.ID)
	if got.Status != models.PaymentSucceeded || !got.RevenueRecognized || !got.TutorPayout.IsPositive() {
		t.Fatalf("expected paid-out payment left as is, got %s", got.Status)
	}
	if intent, _ := h.processor.Intent(*p.ProcessorIntentID); intent.Status != payments.IntentRequiresCapture {
		t.Fatalf("expected authorization still held, got %s", intent.Status)
	}
}
