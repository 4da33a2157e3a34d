package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anjiri1684/lesson_billing/alerts"
	"github.com/anjiri1684/lesson_billing/billing"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/payments"
	"github.com/anjiri1684/lesson_billing/payments/paymentstest"
	"github.com/anjiri1684/lesson_billing/services"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/anjiri1684/lesson_billing/wallet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type stubFinalizer struct {
	mu        sync.Mutex
	applied   []uuid.UUID
	completed []uuid.UUID
	applyErr  error
}

func (f *stubFinalizer) ApplyLessonOutcome(_ context.Context, id uuid.UUID) (*billing.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, id)
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	return &billing.Outcome{Kind: billing.OutcomeCompleted}, nil
}

func (f *stubFinalizer) CompletePayment(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return &models.Payment{LessonID: id}, nil
}

type stubRefresher struct {
	calls int
	limit int
	err   error
}

func (r *stubRefresher) RefreshPending(_ context.Context, limit int) (int, error) {
	r.calls++
	r.limit = limit
	return 2, r.err
}

type stubUploader struct {
	name string
	data []byte
}

func (u *stubUploader) Upload(_ context.Context, name string, data []byte) (string, error) {
	u.name, u.data = name, data
	return "https://example.com/" + name, nil
}

func addLesson(t *testing.T, s *store.MemoryStore, status models.LessonStatus, start, end time.Time) *models.Lesson {
	t.Helper()
	l := &models.Lesson{
		StudentID:     uuid.New(),
		TutorID:       uuid.New(),
		LessonType:    models.LessonTypeStandard,
		Price:         decimal.NewFromInt(50),
		StartTime:     start,
		EndTime:       end,
		Status:        status,
		BillingStatus: models.BillingPending,
	}
	if err := s.CreateLesson(context.Background(), l); err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	return l
}

func addPayment(t *testing.T, s *store.MemoryStore, l *models.Lesson, status models.PaymentStatus) *models.Payment {
	t.Helper()
	p := &models.Payment{
		LessonID:      l.ID,
		PayerID:       l.StudentID,
		TutorID:       l.TutorID,
		Amount:        l.Price,
		CardAmount:    l.Price,
		Currency:      "USD",
		PaymentMethod: models.MethodCard,
		Status:        status,
	}
	if err := s.CreatePaymentForLesson(context.Background(), p); err != nil {
		t.Fatalf("CreatePaymentForLesson: %v", err)
	}
	return p
}

func TestAutoFinalizeJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()

	ended := addLesson(t, s, models.LessonScheduled, now.Add(-2*time.Hour), now.Add(-time.Hour))
	early := addLesson(t, s, models.LessonEndedEarly, now.Add(-90*time.Minute), now.Add(-30*time.Minute))
	addLesson(t, s, models.LessonScheduled, now.Add(time.Hour), now.Add(2*time.Hour))
	addLesson(t, s, models.LessonCancelled, now.Add(-2*time.Hour), now.Add(-time.Hour))

	uncaptured := addLesson(t, s, models.LessonCompleted, now.Add(-70*time.Minute), now.Add(-10*time.Minute))
	captured := addLesson(t, s, models.LessonCompleted, now.Add(-70*time.Minute), now.Add(-10*time.Minute))
	for _, l := range []*models.Lesson{uncaptured, captured} {
		completedAt := now.Add(-10 * time.Minute)
		if _, err := s.MutateLesson(ctx, l.ID, func(l *models.Lesson) error {
			l.CompletedAt = &completedAt
			return nil
		}); err != nil {
			t.Fatalf("MutateLesson: %v", err)
		}
	}
	addPayment(t, s, uncaptured, models.PaymentAuthorized)
	addPayment(t, s, captured, models.PaymentSucceeded)

	f := &stubFinalizer{}
	job := NewAutoFinalizeJob(s, s, f, 0, 0, nil)
	job.now = func() time.Time { return now }

	stats := job.Run(ctx)
	if stats.Finalized != 2 || stats.Completed != 1 || stats.Failed != 0 {
		t.Fatalf("expected 2 finalized and 1 completed, got %+v", stats)
	}
	if len(f.applied) != 2 || f.applied[0] != ended.ID || f.applied[1] != early.ID {
		t.Fatalf("expected outcomes for lessons past their end in end order, got %v", f.applied)
	}
	if len(f.completed) != 1 || f.completed[0] != uncaptured.ID {
		t.Fatalf("expected only the uncaptured lesson completed, got %v", f.completed)
	}
}

func TestAutoFinalizeJobRespectsBatchAndCountsFailures(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Now()
	for i := 0; i < 3; i++ {
		addLesson(t, s, models.LessonScheduled, now.Add(-2*time.Hour), now.Add(-time.Hour))
	}
	f := &stubFinalizer{applyErr: billing.StateConflict("apply_lesson_outcome", "operation_in_flight", "payment is busy")}
	job := NewAutoFinalizeJob(s, s, f, 2, 0, nil)

	stats := job.Run(context.Background())
	if stats.Failed != 2 || stats.Finalized != 0 {
		t.Fatalf("expected the batch of 2 to fail, got %+v", stats)
	}
	if len(f.applied) != 2 {
		t.Fatalf("expected the batch size to cap the sweep, got %d calls", len(f.applied))
	}
}

func TestAutoFinalizeSafetyNetIsBatched(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Now()
	complete := func(l *models.Lesson, at time.Time) {
		if _, err := s.MutateLesson(ctx, l.ID, func(l *models.Lesson) error {
			l.CompletedAt = &at
			return nil
		}); err != nil {
			t.Fatalf("MutateLesson: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		l := addLesson(t, s, models.LessonCompleted, now.Add(-70*time.Minute), now.Add(-10*time.Minute))
		complete(l, now.Add(-10*time.Minute))
		addPayment(t, s, l, models.PaymentAuthorized)
	}
	old := addLesson(t, s, models.LessonCompleted, now.Add(-4*time.Hour), now.Add(-3*time.Hour))
	complete(old, now.Add(-3*time.Hour))
	addPayment(t, s, old, models.PaymentAuthorized)

	f := &stubFinalizer{}
	job := NewAutoFinalizeJob(s, s, f, 0, 2, nil)
	job.now = func() time.Time { return now }

	stats := job.Run(ctx)
	if stats.Completed != 2 {
		t.Fatalf("expected the safety net capped at 2, got %+v", stats)
	}
	for _, id := range f.completed {
		if id == old.ID {
			t.Fatal("expected lessons completed outside the window to be skipped")
		}
	}
}

type reconHarness struct {
	store     *store.MemoryStore
	processor *paymentstest.Processor
	payments  *services.PaymentService
	refresher *stubRefresher
	uploader  *stubUploader
	job       *ReconciliationJob
}

func newReconHarness(t *testing.T) *reconHarness {
	t.Helper()
	h := &reconHarness{
		store:     store.NewMemoryStore(),
		processor: paymentstest.NewProcessor(),
		refresher: &stubRefresher{},
		uploader:  &stubUploader{},
	}
	sink := alerts.NewStoreSink(h.store, nil)
	retry := payments.RetryPolicy{Attempts: 1}
	settlement := services.NewSettlementService(h.store, h.processor, paymentstest.NewPayoutNetwork(), sink, nil, services.SettlementConfig{Currency: "USD", Retry: retry}, nil)
	h.payments = services.NewPaymentService(h.store, wallet.NewLedger(h.store, nil), h.processor, settlement, sink, nil, services.PaymentConfig{
		PlatformFeePercentage: decimal.NewFromInt(20),
		Currency:              "USD",
		Retry:                 retry,
	}, nil)
	h.job = NewReconciliationJob(h.store, h.processor, h.payments, h.refresher, sink, h.uploader, nil)
	return h
}

func (h *reconHarness) book(t *testing.T, l *models.Lesson) *models.Payment {
	t.Helper()
	p, err := h.payments.BookLesson(context.Background(), services.BookingRequest{
		LessonID:         l.ID,
		PayerID:          l.StudentID,
		Method:           models.MethodCard,
		Amount:           l.Price,
		PaymentMethodRef: "pm_card_visa",
	})
	if err != nil {
		t.Fatalf("BookLesson: %v", err)
	}
	return p
}

func (h *reconHarness) alertsOf(t *testing.T, alertType string) []models.Alert {
	t.Helper()
	list, err := h.store.ListAlerts(context.Background(), store.AlertFilter{Type: alertType})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	return list
}

func TestReconciliationAutoReleasesUncapturedNoShow(t *testing.T) {
	h := newReconHarness(t)
	ctx := context.Background()
	now := time.Now()

	l := addLesson(t, h.store, models.LessonScheduled, now.Add(-3*time.Hour), now.Add(-2*time.Hour))
	p := h.book(t, l)
	completedAt := now.Add(-2 * time.Hour)
	if _, err := h.store.MutateLesson(ctx, l.ID, func(l *models.Lesson) error {
		l.Status = models.LessonCompleted
		l.CompletedAt = &completedAt
		return nil
	}); err != nil {
		t.Fatalf("MutateLesson: %v", err)
	}
	if _, err := h.store.MutatePayment(ctx, p.ID, func(p *models.Payment) error {
		p.Status = models.PaymentSucceeded
		p.ChargedAt = &completedAt
		p.ChargedAmount = p.Amount
		return nil
	}); err != nil {
		t.Fatalf("MutatePayment: %v", err)
	}

	for run := 0; run < 2; run++ {
		if _, err := h.job.Run(ctx); err != nil {
			t.Fatalf("run %d: %v", run+1, err)
		}
	}

	if n := len(h.alertsOf(t, alerts.TypeNoShowAutoReleased)); n != 1 {
		t.Fatalf("expected exactly one NO_SHOW_AUTO_RELEASED alert, got %d", n)
	}
	if n := len(h.alertsOf(t, alerts.TypePaymentOutOfSync)); n != 0 {
		t.Fatalf("expected the corrected payment to be in sync, got %d alerts", n)
	}
	got, err := h.store.GetPayment(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if got.Status != models.PaymentCancelled {
		t.Fatalf("expected payment released, got %s", got.Status)
	}
	lesson, _ := h.store.GetLesson(ctx, l.ID)
	if lesson.BillingStatus != models.BillingNoShow {
		t.Fatalf("expected no_show billing, got %s", lesson.BillingStatus)
	}
	if intent, _ := h.processor.Intent(*p.ProcessorIntentID); intent.Status != payments.IntentCanceled {
		t.Fatalf("expected authorization cancelled, got %s", intent.Status)
	}
}

func TestReconciliationChecks(t *testing.T) {
	h := newReconHarness(t)
	ctx := context.Background()
	now := time.Now()

	// Captured payment the processor lost.
	lost := addLesson(t, h.store, models.LessonScheduled, now.Add(time.Hour), now.Add(2*time.Hour))
	lostPayment := h.book(t, lost)
	if _, err := h.payments.CaptureAtStart(ctx, lost.ID); err != nil {
		t.Fatalf("CaptureAtStart: %v", err)
	}
	h.processor.DeleteIntent(*lostPayment.ProcessorIntentID)

	// Authorization held for eight days.
	stuck := addLesson(t, h.store, models.LessonScheduled, now.Add(time.Hour), now.Add(2*time.Hour))
	stuckPayment := h.book(t, stuck)
	if _, err := h.store.MutatePayment(ctx, stuckPayment.ID, func(p *models.Payment) error {
		p.CreatedAt = now.Add(-8 * 24 * time.Hour)
		return nil
	}); err != nil {
		t.Fatalf("MutatePayment: %v", err)
	}

	// Payout that failed an hour ago.
	failed := addLesson(t, h.store, models.LessonCompleted, now.Add(-3*time.Hour), now.Add(-2*time.Hour))
	failedPayment := addPayment(t, h.store, failed, models.PaymentRefunded)
	failedAt := now.Add(-time.Hour)
	if _, err := h.store.MutatePayment(ctx, failedPayment.ID, func(p *models.Payment) error {
		p.TransferStatus = models.TransferFailed
		p.TransferFailedAt = &failedAt
		reason := "account_closed"
		p.TransferFailureReason = &reason
		return nil
	}); err != nil {
		t.Fatalf("MutatePayment: %v", err)
	}

	// Held lesson with no payment at all.
	missing := addLesson(t, h.store, models.LessonCompleted, now.Add(-3*time.Hour), now.Add(-2*time.Hour))
	callStart := now.Add(-3 * time.Hour)
	if _, err := h.store.MutateLesson(ctx, missing.ID, func(l *models.Lesson) error {
		l.ActualCallStartTime = &callStart
		return nil
	}); err != nil {
		t.Fatalf("MutateLesson: %v", err)
	}

	drift, err := h.job.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	tests := []struct {
		alertType string
		severity  string
		subject   uuid.UUID
	}{
		{alerts.TypePaymentOutOfSync, alerts.SeverityCritical, lostPayment.ID},
		{alerts.TypeStuckAuthorization, alerts.SeverityHigh, stuckPayment.ID},
		{alerts.TypeFailedPayout, alerts.SeverityHigh, failedPayment.ID},
		{alerts.TypeMissingPayment, alerts.SeverityHigh, missing.ID},
	}
	for _, tt := range tests {
		t.Run(tt.alertType, func(t *testing.T) {
			list := h.alertsOf(t, tt.alertType)
			if len(list) != 1 {
				t.Fatalf("expected one alert, got %d", len(list))
			}
			a := list[0]
			if a.Severity != tt.severity {
				t.Fatalf("expected severity %s, got %s", tt.severity, a.Severity)
			}
			if (a.PaymentID == nil || *a.PaymentID != tt.subject) && (a.LessonID == nil || *a.LessonID != tt.subject) {
				t.Fatalf("expected alert about %s, got %+v", tt.subject, a)
			}
		})
	}

	if len(drift.Findings) != 4 {
		t.Fatalf("expected 4 findings, got %d", len(drift.Findings))
	}
	if h.refresher.calls != 1 || h.refresher.limit != checkLimit {
		t.Fatalf("expected pending settlements refreshed once, got %d calls", h.refresher.calls)
	}
	if h.uploader.name != drift.Name() || !strings.Contains(string(h.uploader.data), alerts.TypeMissingPayment) {
		t.Fatalf("expected the drift report archived, got %q", h.uploader.name)
	}

	// A second sweep raises nothing new while the alerts are open.
	if _, err := h.job.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	for _, tt := range tests {
		if n := len(h.alertsOf(t, tt.alertType)); n != 1 {
			t.Fatalf("expected %s deduplicated, got %d", tt.alertType, n)
		}
	}
}

func TestPayoutStatusJob(t *testing.T) {
	r := &stubRefresher{}
	if n := NewPayoutStatusJob(r, 25, nil).Run(context.Background()); n != 2 || r.limit != 25 {
		t.Fatalf("expected 2 refreshed with limit 25, got %d with limit %d", n, r.limit)
	}
	r = &stubRefresher{err: errors.New("store unavailable")}
	if n := NewPayoutStatusJob(r, 0, nil).Run(context.Background()); n != 2 || r.limit != 100 {
		t.Fatalf("expected the default batch on error path, got %d with limit %d", n, r.limit)
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(nil)
	if err := s.Add("broken", "every minute", func(context.Context) {}); err == nil {
		t.Fatal("expected an invalid cron spec to be rejected")
	}
	if err := s.Add("finalize", "* * * * *", func(context.Context) {}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
