package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/anjiri1684/lesson_billing/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process memory behind one mutex. It backs the
// memory driver and the package tests.
type MemoryStore struct {
	mu             sync.Mutex
	lessons        map[uuid.UUID]models.Lesson
	payments       map[uuid.UUID]models.Payment
	wallets        map[uuid.UUID]models.Wallet
	walletTxs      []models.WalletTransaction
	payoutAccounts map[uuid.UUID]models.PayoutAccount
	alerts         []models.Alert
	webhookEvents  map[string]models.WebhookEvent
	now            func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lessons:        make(map[uuid.UUID]models.Lesson),
		payments:       make(map[uuid.UUID]models.Payment),
		wallets:        make(map[uuid.UUID]models.Wallet),
		payoutAccounts: make(map[uuid.UUID]models.PayoutAccount),
		webhookEvents:  make(map[string]models.WebhookEvent),
		now:            time.Now,
	}
}

func (s *MemoryStore) GetLesson(_ context.Context, id uuid.UUID) (*models.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lessons[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (s *MemoryStore) CreateLesson(_ context.Context, lesson *models.Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lesson.ID == uuid.Nil {
		lesson.ID = uuid.New()
	}
	now := s.now()
	if lesson.CreatedAt.IsZero() {
		lesson.CreatedAt = now
	}
	lesson.UpdatedAt = now
	s.lessons[lesson.ID] = *lesson
	return nil
}

func (s *MemoryStore) MutateLesson(_ context.Context, id uuid.UUID, fn func(*models.Lesson) error) (*models.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lessons[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(&l); err != nil {
		current := s.lessons[id]
		return &current, err
	}
	l.UpdatedAt = s.now()
	s.lessons[id] = l
	return &l, nil
}

func (s *MemoryStore) ListLessons(_ context.Context, filter LessonFilter) ([]models.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Lesson
	for _, l := range s.lessons {
		if len(filter.Statuses) > 0 && !containsLessonStatus(filter.Statuses, l.Status) {
			continue
		}
		if filter.EndedBefore != nil && !l.EndTime.Before(*filter.EndedBefore) {
			continue
		}
		if filter.CompletedAfter != nil && (l.CompletedAt == nil || l.CompletedAt.Before(*filter.CompletedAfter)) {
			continue
		}
		if filter.HasCallStart != nil && (l.ActualCallStartTime != nil) != *filter.HasCallStart {
			continue
		}
		if filter.WithoutPayment && l.PaymentID != nil {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) FindPaymentByLesson(_ context.Context, lessonID uuid.UUID) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.LessonID == lessonID {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindPaymentByRef(_ context.Context, ref ExternalRef, value string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		return nil, ErrNotFound
	}
	for _, p := range s.payments {
		if paymentRef(&p, ref) == value {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func paymentRef(p *models.Payment, ref ExternalRef) string {
	var v *string
	switch ref {
	case RefProcessorIntent:
		v = p.ProcessorIntentID
	case RefProcessorCharge:
		v = p.ProcessorChargeID
	case RefProcessorTransfer:
		v = p.ProcessorTransferID
	case RefProcessorPayout:
		v = p.ProcessorPayoutID
	case RefSecondaryItem:
		v = p.SecondaryItemID
	}
	if v == nil {
		return ""
	}
	return *v
}

func (s *MemoryStore) CreatePaymentForLesson(_ context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lessons[payment.LessonID]
	if !ok {
		return ErrNotFound
	}
	if l.PaymentID != nil {
		return ErrLessonAlreadyPaid
	}
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	now := s.now()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	if payment.TransferStatus == "" {
		payment.TransferStatus = models.TransferPending
	}
	if payment.SettlementState == "" {
		payment.SettlementState = models.SettlementPending
	}
	s.payments[payment.ID] = *payment

	id := payment.ID
	l.PaymentID = &id
	l.UpdatedAt = now
	s.lessons[l.ID] = l
	return nil
}

func (s *MemoryStore) MutatePayment(_ context.Context, id uuid.UUID, fn func(*models.Payment) error) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(&p); err != nil {
		current := s.payments[id]
		return &current, err
	}
	p.UpdatedAt = s.now()
	s.payments[id] = p
	return &p, nil
}

func (s *MemoryStore) ListPayments(_ context.Context, filter PaymentFilter) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Payment
	for _, p := range s.payments {
		if len(filter.Statuses) > 0 && !containsPaymentStatus(filter.Statuses, p.Status) {
			continue
		}
		if len(filter.TransferStatuses) > 0 && !containsTransferStatus(filter.TransferStatuses, p.TransferStatus) {
			continue
		}
		if len(filter.SettlementStates) > 0 && !containsSettlementState(filter.SettlementStates, p.SettlementState) {
			continue
		}
		if filter.ChargedAfter != nil && (p.ChargedAt == nil || p.ChargedAt.Before(*filter.ChargedAfter)) {
			continue
		}
		if filter.CreatedBefore != nil && !p.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		if filter.TransferFailedAfter != nil && (p.TransferFailedAt == nil || p.TransferFailedAt.Before(*filter.TransferFailedAfter)) {
			continue
		}
		if filter.Uncaptured && p.ChargedAt != nil {
			continue
		}
		if filter.RevenueRecognized != nil && p.RevenueRecognized != *filter.RevenueRecognized {
			continue
		}
		if filter.LessonCompletedAfter != nil {
			l, ok := s.lessons[p.LessonID]
			if !ok || l.Status != models.LessonCompleted || l.CompletedAt == nil || l.CompletedAt.Before(*filter.LessonCompletedAfter) {
				continue
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, ownerID uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (s *MemoryStore) ApplyWalletTransaction(_ context.Context, ownerID uuid.UUID, kind models.WalletTransactionKind, correlationID string, fn func(*models.Wallet) (*models.WalletTransaction, error)) (*models.WalletTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range s.walletTxs {
		if tx.OwnerID == ownerID && tx.Kind == kind && tx.CorrelationID == correlationID {
			existing := tx
			return &existing, false, nil
		}
	}

	now := s.now()
	w, ok := s.wallets[ownerID]
	if !ok {
		w = models.Wallet{OwnerID: ownerID, Balance: decimal.Zero, ReservedBalance: decimal.Zero, CreatedAt: now}
	}
	entry, err := fn(&w)
	if err != nil {
		return nil, false, err
	}
	w.Version++
	w.UpdatedAt = now
	s.wallets[ownerID] = w

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.OwnerID = ownerID
	entry.Kind = kind
	entry.CorrelationID = correlationID
	entry.CreatedAt = now
	s.walletTxs = append(s.walletTxs, *entry)
	return entry, true, nil
}

func (s *MemoryStore) ListWalletTransactions(_ context.Context, ownerID uuid.UUID, limit int) ([]models.WalletTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WalletTransaction
	for i := len(s.walletTxs) - 1; i >= 0; i-- {
		if s.walletTxs[i].OwnerID != ownerID {
			continue
		}
		out = append(out, s.walletTxs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetPayoutAccount(_ context.Context, tutorID uuid.UUID) (*models.PayoutAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.payoutAccounts[tutorID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) FindPayoutAccountByProcessorID(_ context.Context, accountID string) (*models.PayoutAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.payoutAccounts {
		if a.ProcessorAccountID != nil && *a.ProcessorAccountID == accountID {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SavePayoutAccount(_ context.Context, account *models.PayoutAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	s.payoutAccounts[account.TutorID] = *account
	return nil
}

func (s *MemoryStore) CreateAlertOnce(_ context.Context, alert *models.Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alert.DedupeKey != "" {
		for _, a := range s.alerts {
			if a.DedupeKey == alert.DedupeKey && a.ResolvedAt == nil {
				return false, nil
			}
		}
	}
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}
	s.alerts = append(s.alerts, *alert)
	return true, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, filter AlertFilter) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Alert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if filter.OpenOnly && a.ResolvedAt != nil {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		out = append(out, a)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ResolveAlert(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id && s.alerts[i].ResolvedAt == nil {
			resolved := at
			s.alerts[i].ResolvedAt = &resolved
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) BeginWebhookEvent(_ context.Context, event *models.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.webhookEvents[event.ID]; ok {
		return existing.ProcessedAt != nil, nil
	}
	now := s.now()
	event.CreatedAt = now
	event.UpdatedAt = now
	s.webhookEvents[event.ID] = *event
	return false, nil
}

func (s *MemoryStore) FinishWebhookEvent(_ context.Context, id string, processingErr error, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.webhookEvents[id]
	if !ok {
		return ErrNotFound
	}
	if processingErr != nil {
		msg := processingErr.Error()
		e.ProcessingError = &msg
	} else {
		processed := at
		e.ProcessedAt = &processed
		e.ProcessingError = nil
	}
	e.UpdatedAt = at
	s.webhookEvents[id] = e
	return nil
}

func containsLessonStatus(list []models.LessonStatus, v models.LessonStatus) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsPaymentStatus(list []models.PaymentStatus, v models.PaymentStatus) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsTransferStatus(list []models.TransferStatus, v models.TransferStatus) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsSettlementState(list []models.SettlementState, v models.SettlementState) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
