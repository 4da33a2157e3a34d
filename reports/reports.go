// Package reports renders CSV exports of payments and reconciliation findings.
package reports

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/anjiri1684/lesson_billing/models"
	"github.com/google/uuid"
)

var paymentHeader = []string{
	"payment_id", "lesson_id", "payer_id", "tutor_id", "method", "status",
	"amount", "charged_amount", "refund_amount", "platform_fee", "tutor_payout", "currency",
	"settlement_path", "settlement_state", "transfer_status", "charged_at", "created_at",
}

func WritePayments(w io.Writer, list []models.Payment) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(paymentHeader); err != nil {
		return err
	}
	for _, p := range list {
		row := []string{
			p.ID.String(), p.LessonID.String(), p.PayerID.String(), p.TutorID.String(),
			string(p.PaymentMethod), string(p.Status),
			p.Amount.StringFixed(2), p.ChargedAmount.StringFixed(2), p.RefundAmount.StringFixed(2),
			p.PlatformFee.StringFixed(2), p.TutorPayout.StringFixed(2), p.Currency,
			string(p.SettlementPath), string(p.SettlementState), string(p.TransferStatus),
			formatTime(p.ChargedAt), p.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Finding is one reconciliation discrepancy.
type Finding struct {
	Check     string
	AlertType string
	Severity  string
	PaymentID *uuid.UUID
	LessonID  *uuid.UUID
	Detail    string
}

type Drift struct {
	RunAt    time.Time
	Findings []Finding
}

func (d *Drift) Add(f Finding) { d.Findings = append(d.Findings, f) }

func (d *Drift) Name() string {
	return fmt.Sprintf("reconciliation-%s.csv", d.RunAt.UTC().Format("20060102-150405"))
}

func (d *Drift) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"run_at", "check", "alert_type", "severity", "payment_id", "lesson_id", "detail"}); err != nil {
		return err
	}
	runAt := d.RunAt.UTC().Format(time.RFC3339)
	for _, f := range d.Findings {
		if err := cw.Write([]string{runAt, f.Check, f.AlertType, f.Severity, formatID(f.PaymentID), formatID(f.LessonID), f.Detail}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatID(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
