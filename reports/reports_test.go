package reports

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/anjiri1684/lesson_billing/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestWritePayments(t *testing.T) {
	charged := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	p := models.Payment{
		ID:              uuid.New(),
		LessonID:        uuid.New(),
		PayerID:         uuid.New(),
		TutorID:         uuid.New(),
		PaymentMethod:   models.MethodCard,
		Status:          models.PaymentSucceeded,
		Amount:          decimal.NewFromInt(50),
		ChargedAmount:   decimal.NewFromInt(50),
		PlatformFee:     decimal.NewFromInt(10),
		TutorPayout:     decimal.NewFromInt(40),
		Currency:        "USD",
		SettlementState: models.SettlementSucceeded,
		TransferStatus:  models.TransferSucceeded,
		ChargedAt:       &charged,
		CreatedAt:       charged,
	}

	var buf bytes.Buffer
	if err := WritePayments(&buf, []models.Payment{p}); err != nil {
		t.Fatalf("WritePayments: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header and one row, got %d rows", len(rows))
	}
	if len(rows[1]) != len(paymentHeader) {
		t.Fatalf("expected %d columns, got %d", len(paymentHeader), len(rows[1]))
	}
	if rows[1][0] != p.ID.String() || rows[1][6] != "50.00" || rows[1][9] != "10.00" || rows[1][15] != "2026-03-02T10:00:00Z" {
		t.Fatalf("unexpected row %v", rows[1])
	}
}

func TestDriftReport(t *testing.T) {
	pid := uuid.New()
	d := &Drift{RunAt: time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC)}
	d.Add(Finding{Check: "stuck_authorizations", AlertType: "STUCK_AUTHORIZATION", Severity: "high", PaymentID: &pid, Detail: "authorized 9 days"})
	d.Add(Finding{Check: "missing_payments", AlertType: "MISSING_PAYMENT", Severity: "high", Detail: "no payment"})

	if d.Name() != "reconciliation-20260303-030000.csv" {
		t.Fatalf("unexpected name %q", d.Name())
	}
	var buf bytes.Buffer
	if err := d.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[1][4] != pid.String() || rows[2][4] != "" {
		t.Fatalf("unexpected payment columns %q %q", rows[1][4], rows[2][4])
	}
}

func TestNewCloudinaryUploaderUnconfigured(t *testing.T) {
	u, err := NewCloudinaryUploader("", "reports", nil)
	if err != nil || u != nil {
		t.Fatalf("expected nil uploader without a url, got %v %v", u, err)
	}
}
