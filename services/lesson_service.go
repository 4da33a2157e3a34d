package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anjiri1684/lesson_billing/billing"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Attendance signals sent by the booking and video subsystems.
const (
	SignalTutorJoined   = "tutor_joined"
	SignalStudentJoined = "student_joined"
	SignalCallStarted   = "call_started"
	SignalCallEnded     = "call_ended"
)

type LessonInput struct {
	ID                      uuid.UUID
	StudentID               uuid.UUID
	TutorID                 uuid.UUID
	LessonType              string
	Price                   decimal.Decimal
	StandardRate            decimal.Decimal
	StandardDurationMinutes int
	StartTime               time.Time
	EndTime                 time.Time
}

// LessonService receives lesson lifecycle hooks from the booking subsystem, which
// owns lessons, and turns them into billing actions.
type LessonService struct {
	store    store.LessonStore
	payments *PaymentService
	logger   *slog.Logger
	now      func() time.Time
}

func NewLessonService(s store.LessonStore, payments *PaymentService, logger *slog.Logger) *LessonService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LessonService{store: s, payments: payments, logger: logger.With("component", "lesson_service"), now: time.Now}
}

func (s *LessonService) Get(ctx context.Context, id uuid.UUID) (*models.Lesson, error) {
	l, err := s.store.GetLesson(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, billing.NotFound("get_lesson", "lesson_not_found", "lesson not found")
	}
	return l, err
}

// CreateLesson registers a newly booked lesson so it can be paid for.
func (s *LessonService) CreateLesson(ctx context.Context, in LessonInput) (*models.Lesson, error) {
	const op = "create_lesson"
	if in.StudentID == uuid.Nil || in.TutorID == uuid.Nil {
		return nil, billing.Validation(op, "participants_required", "student and tutor are required")
	}
	if in.StudentID == in.TutorID {
		return nil, billing.Validation(op, "self_booking", "a tutor cannot book their own lesson")
	}
	if !in.Price.IsPositive() {
		return nil, billing.Validation(op, "invalid_price", "price must be positive")
	}
	if !in.EndTime.After(in.StartTime) {
		return nil, billing.Validation(op, "invalid_schedule", "end time must be after start time")
	}
	lessonType := in.LessonType
	if lessonType == "" {
		lessonType = models.LessonTypeStandard
	}
	switch lessonType {
	case models.LessonTypeStandard:
	case models.LessonTypeOfficeHours:
		if !in.StandardRate.IsPositive() || in.StandardDurationMinutes <= 0 {
			return nil, billing.Validation(op, "invalid_rate", "metered lessons need a standard rate and duration")
		}
	default:
		return nil, billing.Validation(op, "invalid_lesson_type", fmt.Sprintf("unknown lesson type %q", lessonType))
	}

	lesson := &models.Lesson{
		ID:                      in.ID,
		StudentID:               in.StudentID,
		TutorID:                 in.TutorID,
		LessonType:              lessonType,
		Price:                   billing.Cents(in.Price),
		StandardRate:            billing.Cents(in.StandardRate),
		StandardDurationMinutes: in.StandardDurationMinutes,
		StartTime:               in.StartTime,
		EndTime:                 in.EndTime,
		Status:                  models.LessonScheduled,
		BillingStatus:           models.BillingPending,
	}
	if err := s.store.CreateLesson(ctx, lesson); err != nil {
		return nil, fmt.Errorf("create lesson: %w", err)
	}
	s.logger.Info("lesson registered", "lesson_id", lesson.ID, "type", lessonType, "price", lesson.Price.StringFixed(2))
	return lesson, nil
}

// RecordAttendance stores an attendance signal. The first signal of each kind wins.
// A call start captures the payment; a call end after the scheduled end finalizes it.
func (s *LessonService) RecordAttendance(ctx context.Context, lessonID uuid.UUID, signal string, at time.Time) (*models.Lesson, error) {
	const op = "record_attendance"
	if at.IsZero() {
		at = s.now()
	}
	lesson, err := s.store.MutateLesson(ctx, lessonID, func(l *models.Lesson) error {
		if l.IsTerminal() {
			return store.ErrSkip
		}
		switch signal {
		case SignalTutorJoined:
			if l.TutorJoinedAt == nil {
				l.TutorJoinedAt = &at
			}
		case SignalStudentJoined:
			if l.StudentJoinedAt == nil {
				l.StudentJoinedAt = &at
			}
		case SignalCallStarted:
			if l.ActualCallStartTime == nil {
				l.ActualCallStartTime = &at
			}
			if billing.CanTransition(l.Status, models.LessonInProgress) {
				l.Status = models.LessonInProgress
			}
		case SignalCallEnded:
			if l.ActualCallStartTime == nil {
				return billing.StateConflict(op, "call_not_started", "call end received before call start")
			}
			if l.ActualCallEndTime == nil {
				l.ActualCallEndTime = &at
			}
			if at.Before(l.EndTime) && billing.CanTransition(l.Status, models.LessonEndedEarly) {
				l.Status = models.LessonEndedEarly
			}
		default:
			return billing.Validation(op, "invalid_signal", fmt.Sprintf("unknown attendance signal %q", signal))
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, billing.NotFound(op, "lesson_not_found", "lesson not found")
	}
	if errors.Is(err, store.ErrSkip) {
		return lesson, nil
	}
	if err != nil {
		return nil, err
	}
	log := s.logger.With("op", op, "lesson_id", lessonID, "signal", signal)
	log.Debug("attendance recorded")

	switch signal {
	case SignalCallStarted:
		if lesson.PaymentID == nil {
			log.Warn("call started on a lesson without payment")
			return lesson, nil
		}
		if _, err := s.payments.CaptureAtStart(ctx, lessonID); err != nil {
			log.Error("capture at call start failed", "error", err)
			return lesson, err
		}
	case SignalCallEnded:
		if lesson.EndTime.After(s.now()) {
			return lesson, nil
		}
		if _, err := s.payments.ApplyLessonOutcome(ctx, lessonID); err != nil {
			log.Error("finalizing lesson at call end failed", "error", err)
			return lesson, err
		}
	}
	return s.Get(ctx, lessonID)
}
