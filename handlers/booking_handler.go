package handlers

import (
	"log/slog"

	"github.com/anjiri1684/lesson_billing/middleware"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/services"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

type BookingHandler struct {
	payments *services.PaymentService
	lessons  *services.LessonService
	logger   *slog.Logger
}

func NewBookingHandler(payments *services.PaymentService, lessons *services.LessonService, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{payments: payments, lessons: lessons, logger: defaultLogger(logger, "booking_handler")}
}

type BookLessonRequest struct {
	Method          string          `json:"method" validate:"required,oneof=wallet card saved_card apple_pay google_pay hybrid"`
	Amount          decimal.Decimal `json:"amount"`
	WalletAmount    decimal.Decimal `json:"wallet_amount"`
	PaymentMethodID string          `json:"payment_method_id" validate:"required_unless=Method wallet,max=255"`
	CustomerID      string          `json:"customer_id" validate:"max=255"`
}

func (h *BookingHandler) BookLesson(c *fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	lessonID, err := paramID(c, "lessonId")
	if err != nil {
		return badRequest(c, "Invalid lesson ID")
	}

	var req BookLessonRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	payment, err := h.payments.BookLesson(c.UserContext(), services.BookingRequest{
		LessonID:         lessonID,
		PayerID:          userID,
		Method:           models.PaymentMethod(req.Method),
		Amount:           req.Amount,
		WalletAmount:     req.WalletAmount,
		PaymentMethodRef: req.PaymentMethodID,
		CustomerRef:      req.CustomerID,
	})
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": "Lesson booked", "payment": payment})
}

func (h *BookingHandler) GetLessonPayment(c *fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	lessonID, err := paramID(c, "lessonId")
	if err != nil {
		return badRequest(c, "Invalid lesson ID")
	}
	lesson, err := h.lessons.Get(c.UserContext(), lessonID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	if lesson.StudentID != userID && lesson.TutorID != userID && middleware.Role(c) != middleware.RoleAdmin {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden: not a participant of this lesson"})
	}

	payment, err := h.payments.LessonPayment(c.UserContext(), lessonID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(payment)
}

type CancelLessonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *BookingHandler) CancelLesson(c *fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	lessonID, err := paramID(c, "lessonId")
	if err != nil {
		return badRequest(c, "Invalid lesson ID")
	}
	var req CancelLessonRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Cannot parse JSON")
		}
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	lesson, err := h.lessons.Get(c.UserContext(), lessonID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	var cancelledBy string
	switch {
	case lesson.StudentID == userID:
		cancelledBy = models.CancelledByStudent
	case lesson.TutorID == userID:
		cancelledBy = models.CancelledByTutor
	case middleware.Role(c) == middleware.RoleAdmin:
		cancelledBy = models.CancelledBySystem
	default:
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden: not a participant of this lesson"})
	}

	payment, err := h.payments.CancelLesson(c.UserContext(), lessonID, cancelledBy, req.Reason)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"message": "Lesson cancelled", "payment": payment})
}
