package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/anjiri1684/lesson_billing/billing"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/google/uuid"
)

// Finalizer moves the money for lessons once their attendance is known.
type Finalizer interface {
	ApplyLessonOutcome(ctx context.Context, lessonID uuid.UUID) (*billing.Outcome, error)
	CompletePayment(ctx context.Context, lessonID uuid.UUID) (*models.Payment, error)
}

type FinalizeStats struct {
	Finalized int
	Completed int
	Failed    int
}

// AutoFinalizeJob applies outcomes to lessons past their end and completes
// recently completed lessons whose payment was never captured.
type AutoFinalizeJob struct {
	lessons        store.LessonStore
	payments       store.PaymentStore
	finalizer      Finalizer
	batchSize      int
	safetyNetBatch int
	logger         *slog.Logger
	now            func() time.Time
}

func NewAutoFinalizeJob(lessons store.LessonStore, payments store.PaymentStore, finalizer Finalizer, batchSize, safetyNetBatch int, logger *slog.Logger) *AutoFinalizeJob {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if safetyNetBatch <= 0 {
		safetyNetBatch = 50
	}
	return &AutoFinalizeJob{
		lessons:        lessons,
		payments:       payments,
		finalizer:      finalizer,
		batchSize:      batchSize,
		safetyNetBatch: safetyNetBatch,
		logger:         logger.With("component", "auto_finalize_job"),
		now:            time.Now,
	}
}

func (j *AutoFinalizeJob) Run(ctx context.Context) FinalizeStats {
	var stats FinalizeStats
	now := j.now()

	due, err := j.lessons.ListLessons(ctx, store.LessonFilter{
		Statuses:    billing.NonTerminalLessonStatuses,
		EndedBefore: &now,
		Limit:       j.batchSize,
	})
	if err != nil {
		j.logger.Error("listing lessons past end failed", "error", err)
		return stats
	}
	for _, l := range due {
		if ctx.Err() != nil {
			return stats
		}
		outcome, err := j.finalizer.ApplyLessonOutcome(ctx, l.ID)
		if err != nil {
			stats.Failed++
			j.logFailure("apply_lesson_outcome", l.ID, err)
			continue
		}
		if outcome != nil {
			stats.Finalized++
		}
	}

	since := now.Add(-time.Hour)
	stranded, err := j.payments.ListPayments(ctx, store.PaymentFilter{
		Statuses:             []models.PaymentStatus{models.PaymentAuthorized},
		Uncaptured:           true,
		LessonCompletedAfter: &since,
		Limit:                j.safetyNetBatch,
	})
	if err != nil {
		j.logger.Error("listing uncaptured completed lessons failed", "error", err)
		return stats
	}
	for _, p := range stranded {
		if ctx.Err() != nil {
			break
		}
		if _, err := j.finalizer.CompletePayment(ctx, p.LessonID); err != nil {
			stats.Failed++
			j.logFailure("complete_payment", p.LessonID, err)
			continue
		}
		stats.Completed++
	}

	if stats.Finalized+stats.Completed+stats.Failed > 0 {
		j.logger.Info("auto-finalization finished", "finalized", stats.Finalized, "completed", stats.Completed, "failed", stats.Failed)
	}
	return stats
}

// logFailure keeps busy payments quiet; another worker owns them and the next
// run picks them up again.
func (j *AutoFinalizeJob) logFailure(op string, lessonID uuid.UUID, err error) {
	if billing.CodeOf(err) == "operation_in_flight" {
		j.logger.Debug("lesson busy, retrying next run", "op", op, "lesson_id", lessonID)
		return
	}
	j.logger.Error("auto-finalization failed", "op", op, "lesson_id", lessonID, "error", err)
}
