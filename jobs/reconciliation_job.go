package jobs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anjiri1684/lesson_billing/alerts"
	"github.com/anjiri1684/lesson_billing/billing"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/payments"
	"github.com/anjiri1684/lesson_billing/reports"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/google/uuid"
)

const (
	syncLookback      = 7 * 24 * time.Hour
	stuckAuthAge      = 7 * 24 * time.Hour
	failedPayoutSince = 24 * time.Hour
	noShowGrace       = time.Hour
	checkLimit        = 500
)

// UncapturedReconciler corrects a payment the processor never captured.
type UncapturedReconciler interface {
	ReconcileUncaptured(ctx context.Context, lessonID uuid.UUID) (*billing.Outcome, error)
}

// PendingRefresher drives settlements waiting on the processor or payout network.
type PendingRefresher interface {
	RefreshPending(ctx context.Context, limit int) (int, error)
}

type ReconciliationJob struct {
	store      store.Store
	processor  payments.Processor
	billing    UncapturedReconciler
	settlement PendingRefresher
	sink       alerts.Sink
	uploader   reports.Uploader
	logger     *slog.Logger
	now        func() time.Time
}

// NewReconciliationJob wires the nightly sweep. uploader may be nil.
func NewReconciliationJob(s store.Store, processor payments.Processor, billing UncapturedReconciler, settlement PendingRefresher, sink alerts.Sink, uploader reports.Uploader, logger *slog.Logger) *ReconciliationJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationJob{
		store:      s,
		processor:  processor,
		billing:    billing,
		settlement: settlement,
		sink:       sink,
		uploader:   uploader,
		logger:     logger.With("component", "reconciliation_job"),
		now:        time.Now,
	}
}

type check struct {
	name string
	run  func(ctx context.Context, d *reports.Drift) error
}

// Run executes every check once. A failing check is logged and the rest still run.
func (j *ReconciliationJob) Run(ctx context.Context) (*reports.Drift, error) {
	drift := &reports.Drift{RunAt: j.now()}
	// Uncaptured correction runs first so the sync check sees corrected payments.
	checks := []check{
		{"uncaptured_no_shows", j.checkUncaptured},
		{"processor_sync", j.checkProcessorSync},
		{"stuck_authorizations", j.checkStuckAuthorizations},
		{"failed_payouts", j.checkFailedPayouts},
		{"missing_payments", j.checkMissingPayments},
		{"awaiting_funds", j.checkAwaitingFunds},
	}
	failed := 0
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return drift, err
		}
		if err := c.run(ctx, drift); err != nil {
			failed++
			j.logger.Error("reconciliation check failed", "check", c.name, "error", err)
		}
	}

	j.archive(ctx, drift)
	j.logger.Info("reconciliation finished", "findings", len(drift.Findings), "failed_checks", failed)
	if failed == len(checks) {
		return drift, fmt.Errorf("all %d reconciliation checks failed", failed)
	}
	return drift, nil
}

func (j *ReconciliationJob) raise(ctx context.Context, d *reports.Drift, checkName string, a alerts.Alert) {
	j.sink.CreateAlert(ctx, a)
	d.Add(reports.Finding{
		Check:     checkName,
		AlertType: a.Type,
		Severity:  a.Severity,
		PaymentID: a.PaymentID,
		LessonID:  a.LessonID,
		Detail:    a.Description,
	})
}

func (j *ReconciliationJob) checkProcessorSync(ctx context.Context, d *reports.Drift) error {
	since := j.now().Add(-syncLookback)
	list, err := j.store.ListPayments(ctx, store.PaymentFilter{
		Statuses:     []models.PaymentStatus{models.PaymentSucceeded},
		ChargedAfter: &since,
		Limit:        checkLimit,
	})
	if err != nil {
		return err
	}
	for i := range list {
		p := &list[i]
		if p.ProcessorIntentID == nil || !p.CardAmount.IsPositive() {
			continue
		}
		intent, err := j.processor.RetrieveAuthorization(ctx, *p.ProcessorIntentID)
		switch {
		case payments.IsNotFound(err):
			j.raise(ctx, d, "processor_sync", alerts.Alert{
				Type:        alerts.TypePaymentOutOfSync,
				Severity:    alerts.SeverityCritical,
				Description: "payment is succeeded locally but the processor has no record of it",
				PaymentID:   uuidPtr(p.ID),
				LessonID:    uuidPtr(p.LessonID),
				Data:        map[string]interface{}{"intent_id": *p.ProcessorIntentID},
			})
		case err != nil:
			j.logger.Warn("processor lookup failed", "payment_id", p.ID, "error", err)
		case intent.Status != payments.IntentSucceeded:
			j.raise(ctx, d, "processor_sync", alerts.Alert{
				Type:        alerts.TypePaymentOutOfSync,
				Severity:    alerts.SeverityHigh,
				Description: fmt.Sprintf("payment is succeeded locally but the processor reports %s", intent.Status),
				PaymentID:   uuidPtr(p.ID),
				LessonID:    uuidPtr(p.LessonID),
				Data:        map[string]interface{}{"intent_id": intent.ID, "processor_status": intent.Status},
			})
		}
	}
	return nil
}

func (j *ReconciliationJob) checkStuckAuthorizations(ctx context.Context, d *reports.Drift) error {
	before := j.now().Add(-stuckAuthAge)
	list, err := j.store.ListPayments(ctx, store.PaymentFilter{
		Statuses:      []models.PaymentStatus{models.PaymentAuthorized},
		CreatedBefore: &before,
		Limit:         checkLimit,
	})
	if err != nil {
		return err
	}
	for i := range list {
		p := &list[i]
		days := int(j.now().Sub(p.CreatedAt).Hours() / 24)
		j.raise(ctx, d, "stuck_authorizations", alerts.Alert{
			Type:        alerts.TypeStuckAuthorization,
			Severity:    alerts.SeverityHigh,
			Description: fmt.Sprintf("authorization held for %d days without capture", days),
			PaymentID:   uuidPtr(p.ID),
			LessonID:    uuidPtr(p.LessonID),
		})
	}
	return nil
}

func (j *ReconciliationJob) checkFailedPayouts(ctx context.Context, d *reports.Drift) error {
	since := j.now().Add(-failedPayoutSince)
	list, err := j.store.ListPayments(ctx, store.PaymentFilter{
		TransferStatuses:    []models.TransferStatus{models.TransferFailed},
		TransferFailedAfter: &since,
		Limit:               checkLimit,
	})
	if err != nil {
		return err
	}
	for i := range list {
		p := &list[i]
		reason := "unknown"
		if p.TransferFailureReason != nil {
			reason = *p.TransferFailureReason
		}
		j.raise(ctx, d, "failed_payouts", alerts.Alert{
			Type:        alerts.TypeFailedPayout,
			Severity:    alerts.SeverityHigh,
			Description: "tutor payout failed: " + reason,
			PaymentID:   uuidPtr(p.ID),
			LessonID:    uuidPtr(p.LessonID),
			UserID:      uuidPtr(p.TutorID),
			Data:        map[string]interface{}{"path": string(p.SettlementPath), "attempts": p.TransferAttempts},
		})
	}
	return nil
}

func (j *ReconciliationJob) checkMissingPayments(ctx context.Context, d *reports.Drift) error {
	started := true
	list, err := j.store.ListLessons(ctx, store.LessonFilter{
		Statuses:       []models.LessonStatus{models.LessonCompleted},
		HasCallStart:   &started,
		WithoutPayment: true,
		Limit:          checkLimit,
	})
	if err != nil {
		return err
	}
	for i := range list {
		l := &list[i]
		j.raise(ctx, d, "missing_payments", alerts.Alert{
			Type:        alerts.TypeMissingPayment,
			Severity:    alerts.SeverityHigh,
			Description: "lesson was held but has no payment",
			LessonID:    uuidPtr(l.ID),
			UserID:      uuidPtr(l.TutorID),
			Data:        map[string]interface{}{"price": l.Price.StringFixed(2)},
		})
	}
	return nil
}

var noShowAlerts = map[billing.OutcomeKind]struct {
	alertType string
	severity  string
	desc      string
}{
	billing.OutcomeMutualNoShow:  {alerts.TypeNoShowAutoReleased, alerts.SeverityMedium, "neither participant joined; authorization released"},
	billing.OutcomeStudentNoShow: {alerts.TypeStudentNoShowCharged, alerts.SeverityMedium, "student did not join; cancellation fee charged"},
	billing.OutcomeTutorNoShow:   {alerts.TypeTutorNoShowRefunded, alerts.SeverityMedium, "tutor did not join; student released in full"},
}

// checkUncaptured finds lessons that never started whose payment is recorded as
// captured while the processor still holds the authorization.
func (j *ReconciliationJob) checkUncaptured(ctx context.Context, d *reports.Drift) error {
	endedBefore := j.now().Add(-noShowGrace)
	started := false
	list, err := j.store.ListLessons(ctx, store.LessonFilter{
		Statuses:     []models.LessonStatus{models.LessonScheduled, models.LessonInProgress, models.LessonEndedEarly, models.LessonCompleted},
		EndedBefore:  &endedBefore,
		HasCallStart: &started,
		Limit:        checkLimit,
	})
	if err != nil {
		return err
	}
	for i := range list {
		l := &list[i]
		if l.PaymentID == nil {
			continue
		}
		p, err := j.store.GetPayment(ctx, *l.PaymentID)
		if err != nil {
			return fmt.Errorf("load payment %s: %w", *l.PaymentID, err)
		}
		if p.Status != models.PaymentSucceeded || p.ProcessorIntentID == nil || p.WalletAmount.IsPositive() {
			continue
		}
		intent, err := j.processor.RetrieveAuthorization(ctx, *p.ProcessorIntentID)
		if err != nil {
			j.logger.Warn("processor lookup failed", "payment_id", p.ID, "error", err)
			continue
		}
		if intent.Status != payments.IntentRequiresCapture {
			continue
		}

		outcome, err := j.billing.ReconcileUncaptured(ctx, l.ID)
		if err != nil {
			j.logger.Error("uncaptured correction failed", "lesson_id", l.ID, "payment_id", p.ID, "error", err)
			continue
		}
		if outcome == nil {
			continue
		}
		meta, ok := noShowAlerts[outcome.Kind]
		if !ok {
			meta.alertType, meta.severity, meta.desc = alerts.TypePaymentOutOfSync, alerts.SeverityHigh, "uncaptured payment corrected"
		}
		j.raise(ctx, d, "uncaptured_no_shows", alerts.Alert{
			Type:        meta.alertType,
			Severity:    meta.severity,
			Description: meta.desc,
			PaymentID:   uuidPtr(p.ID),
			LessonID:    uuidPtr(l.ID),
			Data: map[string]interface{}{
				"outcome": string(outcome.Kind),
				"charge":  outcome.Charge.StringFixed(2),
				"refund":  outcome.Refund.StringFixed(2),
			},
		})
	}
	return nil
}

func (j *ReconciliationJob) checkAwaitingFunds(ctx context.Context, d *reports.Drift) error {
	n, err := j.settlement.RefreshPending(ctx, checkLimit)
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Info("pending settlements refreshed", "count", n)
	}
	return nil
}

func (j *ReconciliationJob) archive(ctx context.Context, d *reports.Drift) {
	if j.uploader == nil || len(d.Findings) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := d.WriteCSV(&buf); err != nil {
		j.logger.Error("rendering drift report failed", "error", err)
		return
	}
	if _, err := j.uploader.Upload(ctx, d.Name(), buf.Bytes()); err != nil {
		j.logger.Error("archiving drift report failed", "name", d.Name(), "error", err)
	}
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	return &id
}
