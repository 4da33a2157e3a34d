package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anjiri1684/lesson_billing/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newLesson(t *testing.T, s *MemoryStore) *models.Lesson {
	t.Helper()
	l := &models.Lesson{
		StudentID: uuid.New(),
		TutorID:   uuid.New(),
		Price:     decimal.NewFromInt(50),
		StartTime: time.Now().Add(time.Hour),
		EndTime:   time.Now().Add(2 * time.Hour),
		Status:    models.LessonScheduled,
	}
	if err := s.CreateLesson(context.Background(), l); err != nil {
		t.Fatalf("CreateLesson: %v", err)
	}
	return l
}

func TestCreatePaymentForLessonLinksOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	l := newLesson(t, s)

	p := &models.Payment{LessonID: l.ID, PayerID: l.StudentID, TutorID: l.TutorID, Amount: l.Price}
	if err := s.CreatePaymentForLesson(ctx, p); err != nil {
		t.Fatalf("CreatePaymentForLesson: %v", err)
	}

	got, err := s.GetLesson(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetLesson: %v", err)
	}
	if got.PaymentID == nil || *got.PaymentID != p.ID {
		t.Fatalf("expected lesson linked to %s, got %v", p.ID, got.PaymentID)
	}

	second := &models.Payment{LessonID: l.ID, PayerID: l.StudentID, TutorID: l.TutorID, Amount: l.Price}
	if err := s.CreatePaymentForLesson(ctx, second); !errors.Is(err, ErrLessonAlreadyPaid) {
		t.Fatalf("expected ErrLessonAlreadyPaid, got %v", err)
	}
}

func TestMutatePaymentSkipLeavesRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	l := newLesson(t, s)
	p := &models.Payment{LessonID: l.ID, Status: models.PaymentPending}
	if err := s.CreatePaymentForLesson(ctx, p); err != nil {
		t.Fatalf("CreatePaymentForLesson: %v", err)
	}

	got, err := s.MutatePayment(ctx, p.ID, func(p *models.Payment) error {
		p.Status = models.PaymentAuthorized
		return ErrSkip
	})
	if !errors.Is(err, ErrSkip) {
		t.Fatalf("expected ErrSkip, got %v", err)
	}
	if got.Status != models.PaymentPending {
		t.Fatalf("expected pending after skip, got %s", got.Status)
	}
	stored, _ := s.GetPayment(ctx, p.ID)
	if stored.Status != models.PaymentPending {
		t.Fatalf("expected stored status pending, got %s", stored.Status)
	}
}

func TestApplyWalletTransactionIsIdempotentOnCorrelation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	owner := uuid.New()
	calls := 0
	fn := func(w *models.Wallet) (*models.WalletTransaction, error) {
		calls++
		w.Balance = w.Balance.Add(decimal.NewFromInt(10))
		return &models.WalletTransaction{Amount: decimal.NewFromInt(10), BalanceAfter: w.Balance}, nil
	}

	first, applied, err := s.ApplyWalletTransaction(ctx, owner, models.WalletTopUp, "pi_1", fn)
	if err != nil || !applied {
		t.Fatalf("expected first apply, got applied=%v err=%v", applied, err)
	}
	again, applied, err := s.ApplyWalletTransaction(ctx, owner, models.WalletTopUp, "pi_1", fn)
	if err != nil || applied {
		t.Fatalf("expected replay to be a no-op, got applied=%v err=%v", applied, err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected original entry %s, got %s", first.ID, again.ID)
	}
	if calls != 1 {
		t.Fatalf("expected fn to run once, ran %d times", calls)
	}

	w, _ := s.GetWallet(ctx, owner)
	if !w.Balance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected balance 10, got %s", w.Balance)
	}
}

func TestCreateAlertOnceDedupesOpenAlerts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	created, _ := s.CreateAlertOnce(ctx, &models.Alert{Type: "FAILED_PAYOUT", DedupeKey: "FAILED_PAYOUT:1"})
	if !created {
		t.Fatal("expected first alert to be created")
	}
	created, _ = s.CreateAlertOnce(ctx, &models.Alert{Type: "FAILED_PAYOUT", DedupeKey: "FAILED_PAYOUT:1"})
	if created {
		t.Fatal("expected duplicate open alert to be skipped")
	}

	open, _ := s.ListAlerts(ctx, AlertFilter{OpenOnly: true})
	if len(open) != 1 {
		t.Fatalf("expected 1 open alert, got %d", len(open))
	}
	if err := s.ResolveAlert(ctx, open[0].ID, time.Now()); err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}

	created, _ = s.CreateAlertOnce(ctx, &models.Alert{Type: "FAILED_PAYOUT", DedupeKey: "FAILED_PAYOUT:1"})
	if !created {
		t.Fatal("expected alert to be raised again after resolution")
	}
}

func TestWebhookEventLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	done, err := s.BeginWebhookEvent(ctx, &models.WebhookEvent{ID: "evt_1", Provider: "processor", Type: "payout.paid"})
	if err != nil || done {
		t.Fatalf("expected fresh event, got done=%v err=%v", done, err)
	}
	if err := s.FinishWebhookEvent(ctx, "evt_1", errors.New("boom"), time.Now()); err != nil {
		t.Fatalf("FinishWebhookEvent: %v", err)
	}
	done, _ = s.BeginWebhookEvent(ctx, &models.WebhookEvent{ID: "evt_1"})
	if done {
		t.Fatal("expected failed event to be reprocessable")
	}
	_ = s.FinishWebhookEvent(ctx, "evt_1", nil, time.Now())
	done, _ = s.BeginWebhookEvent(ctx, &models.WebhookEvent{ID: "evt_1"})
	if !done {
		t.Fatal("expected processed event to be reported as done")
	}
}

func TestListPaymentsFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	charged := now.Add(-time.Hour)
	a := &models.Payment{LessonID: newLesson(t, s).ID, Status: models.PaymentSucceeded, ChargedAt: &charged, RevenueRecognized: true}
	b := &models.Payment{LessonID: newLesson(t, s).ID, Status: models.PaymentAuthorized}
	if _, err := s.MutateLesson(ctx, b.LessonID, func(l *models.Lesson) error {
		l.Status = models.LessonCompleted
		l.CompletedAt = &now
		return nil
	}); err != nil {
		t.Fatalf("MutateLesson: %v", err)
	}
	recognized := true
	earlier := now.Add(-time.Minute)
	for _, p := range []*models.Payment{a, b} {
		if err := s.CreatePaymentForLesson(ctx, p); err != nil {
			t.Fatalf("CreatePaymentForLesson: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter PaymentFilter
		want   int
	}{
		{name: "all", filter: PaymentFilter{}, want: 2},
		{name: "succeeded", filter: PaymentFilter{Statuses: []models.PaymentStatus{models.PaymentSucceeded}}, want: 1},
		{name: "uncaptured", filter: PaymentFilter{Uncaptured: true}, want: 1},
		{name: "charged after", filter: PaymentFilter{ChargedAfter: &now}, want: 0},
		{name: "limit", filter: PaymentFilter{Limit: 1}, want: 1},
		{name: "recognized", filter: PaymentFilter{RevenueRecognized: &recognized}, want: 1},
		{name: "lesson completed after", filter: PaymentFilter{LessonCompletedAfter: &earlier}, want: 1},
		{name: "lesson completed later", filter: PaymentFilter{LessonCompletedAfter: &charged, Uncaptured: true, Statuses: []models.PaymentStatus{models.PaymentSucceeded}}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListPayments(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListPayments: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("expected %d payments, got %d", tt.want, len(got))
			}
		})
	}
}
