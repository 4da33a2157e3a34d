package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/google/uuid"
)

type failingAlertStore struct {
	store.AlertStore
	calls int
}

func (f *failingAlertStore) CreateAlertOnce(context.Context, *models.Alert) (bool, error) {
	f.calls++
	return false, errors.New("database unavailable")
}

func TestStoreSinkDefaultsDedupeKeyToPayment(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	sink := NewStoreSink(s, nil)
	paymentID := uuid.New()
	lessonID := uuid.New()

	for i := 0; i < 3; i++ {
		sink.CreateAlert(ctx, Alert{Type: TypeFailedPayout, Severity: SeverityHigh, PaymentID: &paymentID, LessonID: &lessonID})
	}

	got, _ := s.ListAlerts(ctx, store.AlertFilter{OpenOnly: true})
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(got))
	}
	if got[0].DedupeKey != DedupeKeyFor(TypeFailedPayout, paymentID) {
		t.Fatalf("unexpected dedupe key %q", got[0].DedupeKey)
	}
	if time.Since(got[0].CreatedAt) > time.Minute {
		t.Fatalf("expected created_at to be set")
	}
}

func TestStoreSinkSwallowsStoreErrors(t *testing.T) {
	fs := &failingAlertStore{}
	sink := NewStoreSink(fs, nil)

	sink.CreateAlert(context.Background(), Alert{Type: TypeFailedPayout, Severity: SeverityHigh})

	if fs.calls != 1 {
		t.Fatalf("expected one store call, got %d", fs.calls)
	}
}
