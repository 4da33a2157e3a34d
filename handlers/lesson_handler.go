package handlers

import (
	"log/slog"
	"time"

	"github.com/anjiri1684/lesson_billing/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LessonHandler serves the hooks the scheduling and video services call.
type LessonHandler struct {
	lessons  *services.LessonService
	payments *services.PaymentService
	logger   *slog.Logger
}

func NewLessonHandler(lessons *services.LessonService, payments *services.PaymentService, logger *slog.Logger) *LessonHandler {
	return &LessonHandler{lessons: lessons, payments: payments, logger: defaultLogger(logger, "lesson_handler")}
}

type CreateLessonRequest struct {
	ID                      uuid.UUID       `json:"id"`
	StudentID               uuid.UUID       `json:"student_id" validate:"required"`
	TutorID                 uuid.UUID       `json:"tutor_id" validate:"required"`
	LessonType              string          `json:"lesson_type" validate:"omitempty,oneof=standard office_hours"`
	Price                   decimal.Decimal `json:"price"`
	StandardRate            decimal.Decimal `json:"standard_rate"`
	StandardDurationMinutes int             `json:"standard_duration_minutes" validate:"gte=0"`
	StartTime               time.Time       `json:"start_time" validate:"required"`
	EndTime                 time.Time       `json:"end_time" validate:"required"`
}

func (h *LessonHandler) CreateLesson(c *fiber.Ctx) error {
	var req CreateLessonRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	lesson, err := h.lessons.CreateLesson(c.UserContext(), services.LessonInput{
		ID:                      req.ID,
		StudentID:               req.StudentID,
		TutorID:                 req.TutorID,
		LessonType:              req.LessonType,
		Price:                   req.Price,
		StandardRate:            req.StandardRate,
		StandardDurationMinutes: req.StandardDurationMinutes,
		StartTime:               req.StartTime,
		EndTime:                 req.EndTime,
	})
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(lesson)
}

type AttendanceRequest struct {
	Signal string    `json:"signal" validate:"required,oneof=tutor_joined student_joined call_started call_ended"`
	At     time.Time `json:"at"`
}

func (h *LessonHandler) RecordAttendance(c *fiber.Ctx) error {
	lessonID, err := paramID(c, "lessonId")
	if err != nil {
		return badRequest(c, "Invalid lesson ID")
	}
	var req AttendanceRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	lesson, err := h.lessons.RecordAttendance(c.UserContext(), lessonID, req.Signal, req.At)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(lesson)
}

func (h *LessonHandler) ApplyOutcome(c *fiber.Ctx) error {
	lessonID, err := paramID(c, "lessonId")
	if err != nil {
		return badRequest(c, "Invalid lesson ID")
	}
	outcome, err := h.payments.ApplyLessonOutcome(c.UserContext(), lessonID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	if outcome == nil {
		return c.JSON(fiber.Map{"message": "Lesson already finalized"})
	}
	return c.JSON(fiber.Map{
		"outcome":        outcome.Kind,
		"status":         outcome.Status,
		"billing_status": outcome.BillingStatus,
		"charge":         outcome.Charge.StringFixed(2),
		"refund":         outcome.Refund.StringFixed(2),
		"anomaly":        outcome.Anomaly,
	})
}

func (h *LessonHandler) CompletePayment(c *fiber.Ctx) error {
	lessonID, err := paramID(c, "lessonId")
	if err != nil {
		return badRequest(c, "Invalid lesson ID")
	}
	payment, err := h.payments.CompletePayment(c.UserContext(), lessonID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(payment)
}
