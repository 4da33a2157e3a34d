package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/anjiri1684/lesson_billing/alerts"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/notifications"
	"github.com/anjiri1684/lesson_billing/payments"
	"github.com/anjiri1684/lesson_billing/payments/paymentstest"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/anjiri1684/lesson_billing/wallet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recordingNotifier struct {
	mu       sync.Mutex
	received []decimal.Decimal
	events   []notifications.Event
}

func (n *recordingNotifier) NotifyPaymentReceived(_ uuid.UUID, amount decimal.Decimal, _ uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, amount)
}

func (n *recordingNotifier) Emit(event notifications.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Type == eventType {
			c++
		}
	}
	return c
}

type countingSink struct {
	mu    sync.Mutex
	next  alerts.Sink
	calls int
}

func (s *countingSink) CreateAlert(ctx context.Context, a alerts.Alert) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.next.CreateAlert(ctx, a)
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	store      *store.MemoryStore
	ledger     *wallet.Ledger
	processor  *paymentstest.Processor
	network    *paymentstest.PayoutNetwork
	sink       *countingSink
	notifier   *recordingNotifier
	payments   *PaymentService
	settlement *SettlementService
	accounts   *PayoutAccountService
	lessons    *LessonService
	webhooks   *WebhookService
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		store:     store.NewMemoryStore(),
		processor: paymentstest.NewProcessor(),
		network:   paymentstest.NewPayoutNetwork(),
		notifier:  &recordingNotifier{},
		now:       time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.ledger = wallet.NewLedger(h.store, nil)
	h.sink = &countingSink{next: alerts.NewStoreSink(h.store, nil)}
	retry := payments.RetryPolicy{Attempts: 1}

	h.settlement = NewSettlementService(h.store, h.processor, h.network, h.sink, h.notifier, SettlementConfig{
		Currency:               "USD",
		SecondaryOnlyCountries: []string{"KE"},
		Retry:                  retry,
	}, nil)
	h.settlement.now = clock
	h.payments = NewPaymentService(h.store, h.ledger, h.processor, h.settlement, h.sink, h.notifier, PaymentConfig{
		PlatformFeePercentage: decimal.NewFromInt(20),
		Currency:              "USD",
		Retry:                 retry,
	}, nil)
	h.payments.now = clock
	h.accounts = NewPayoutAccountService(h.store, h.processor, nil)
	h.accounts.now = clock
	h.lessons = NewLessonService(h.store, h.payments, nil)
	h.lessons.now = clock
	h.webhooks = NewWebhookService(h.store, h.payments, h.settlement, h.accounts, h.ledger, h.sink, h.notifier, nil)
	h.webhooks.now = clock
	return h
}

// lesson creates a standard lesson that ended an hour before the harness clock.
func (h *harness) lesson(price string) *models.Lesson {
	h.t.Helper()
	l := &models.Lesson{
		StudentID:     uuid.New(),
		TutorID:       uuid.New(),
		LessonType:    models.LessonTypeStandard,
		Price:         dec(price),
		StartTime:     h.now.Add(-2 * time.Hour),
		EndTime:       h.now.Add(-time.Hour),
		Status:        models.LessonScheduled,
		BillingStatus: models.BillingPending,
	}
	if err := h.store.CreateLesson(h.ctx, l); err != nil {
		h.t.Fatalf("CreateLesson: %v", err)
	}
	return l
}

func (h *harness) fund(owner uuid.UUID, amount string) {
	h.t.Helper()
	if _, err := h.ledger.TopUp(h.ctx, owner, dec(amount), "seed-"+owner.String()); err != nil {
		h.t.Fatalf("TopUp: %v", err)
	}
}

func (h *harness) bookCard(l *models.Lesson) *models.Payment {
	h.t.Helper()
	p, err := h.payments.BookLesson(h.ctx, BookingRequest{
		LessonID:         l.ID,
		PayerID:          l.StudentID,
		Method:           models.MethodCard,
		Amount:           l.Price,
		PaymentMethodRef: "pm_card_visa",
	})
	if err != nil {
		h.t.Fatalf("BookLesson: %v", err)
	}
	return p
}

func (h *harness) bookWallet(l *models.Lesson) *models.Payment {
	h.t.Helper()
	p, err := h.payments.BookLesson(h.ctx, BookingRequest{
		LessonID: l.ID,
		PayerID:  l.StudentID,
		Method:   models.MethodWallet,
		Amount:   l.Price,
	})
	if err != nil {
		h.t.Fatalf("BookLesson: %v", err)
	}
	return p
}

func (h *harness) mutateLesson(id uuid.UUID, fn func(l *models.Lesson)) {
	h.t.Helper()
	if _, err := h.store.MutateLesson(h.ctx, id, func(l *models.Lesson) error {
		fn(l)
		return nil
	}); err != nil {
		h.t.Fatalf("MutateLesson: %v", err)
	}
}

func (h *harness) complete(l *models.Lesson) {
	h.t.Helper()
	h.mutateLesson(l.ID, func(l *models.Lesson) {
		start := l.StartTime
		end := l.EndTime
		l.ActualCallStartTime = &start
		l.ActualCallEndTime = &end
		l.Status = models.LessonCompleted
		l.CompletedAt = &end
	})
}

func (h *harness) payment(id uuid.UUID) *models.Payment {
	h.t.Helper()
	p, err := h.store.GetPayment(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetPayment: %v", err)
	}
	return p
}

func (h *harness) getLesson(id uuid.UUID) *models.Lesson {
	h.t.Helper()
	l, err := h.store.GetLesson(h.ctx, id)
	if err != nil {
		h.t.Fatalf("GetLesson: %v", err)
	}
	return l
}

func (h *harness) balance(owner uuid.UUID) *models.Wallet {
	h.t.Helper()
	w, err := h.ledger.GetBalance(h.ctx, owner)
	if err != nil {
		h.t.Fatalf("GetBalance: %v", err)
	}
	return w
}

func (h *harness) alertsOf(alertType string) []models.Alert {
	h.t.Helper()
	list, err := h.store.ListAlerts(h.ctx, store.AlertFilter{Type: alertType})
	if err != nil {
		h.t.Fatalf("ListAlerts: %v", err)
	}
	return list
}

func (h *harness) directAccount(tutorID uuid.UUID) {
	h.t.Helper()
	acct := "acct_direct"
	if err := h.store.SavePayoutAccount(h.ctx, &models.PayoutAccount{
		TutorID:            tutorID,
		Country:            "US",
		ProcessorAccountID: &acct,
		DetailsSubmitted:   true,
		PayoutsEnabled:     true,
		Preference:         models.PayoutPreferenceProcessor,
	}); err != nil {
		h.t.Fatalf("SavePayoutAccount: %v", err)
	}
}

func (h *harness) bridgeAccount(tutorID uuid.UUID) {
	h.t.Helper()
	email := "tutor@example.com"
	if err := h.store.SavePayoutAccount(h.ctx, &models.PayoutAccount{
		TutorID:        tutorID,
		Country:        "KE",
		SecondaryEmail: &email,
		Preference:     models.PayoutPreferenceSecondary,
	}); err != nil {
		h.t.Fatalf("SavePayoutAccount: %v", err)
	}
}
