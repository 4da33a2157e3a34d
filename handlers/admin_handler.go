package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anjiri1684/lesson_billing/middleware"
	"github.com/anjiri1684/lesson_billing/models"
	"github.com/anjiri1684/lesson_billing/reports"
	"github.com/anjiri1684/lesson_billing/services"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// Reconciler runs one reconciliation sweep on demand.
type Reconciler interface {
	Run(ctx context.Context) (*reports.Drift, error)
}

type AdminHandler struct {
	alerts     store.AlertStore
	payments   store.PaymentStore
	billing    *services.PaymentService
	settlement *services.SettlementService
	reconciler Reconciler
	logger     *slog.Logger
	now        func() time.Time
}

func NewAdminHandler(alerts store.AlertStore, payments store.PaymentStore, billing *services.PaymentService, settlement *services.SettlementService, reconciler Reconciler, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		alerts:     alerts,
		payments:   payments,
		billing:    billing,
		settlement: settlement,
		reconciler: reconciler,
		logger:     defaultLogger(logger, "admin_handler"),
		now:        time.Now,
	}
}

func (h *AdminHandler) ListAlerts(c *fiber.Ctx) error {
	list, err := h.alerts.ListAlerts(c.UserContext(), store.AlertFilter{
		OpenOnly: c.Query("status", "open") == "open",
		Type:     c.Query("type"),
		Limit:    queryLimit(c, 100, 500),
	})
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"alerts": list})
}

func (h *AdminHandler) ResolveAlert(c *fiber.Ctx) error {
	id, err := paramID(c, "alertId")
	if err != nil {
		return badRequest(c, "Invalid alert ID")
	}
	err = h.alerts.ResolveAlert(c.UserContext(), id, h.now())
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Open alert not found", "code": "alert_not_found"})
	}
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"message": "Alert resolved"})
}

type AdminRefundRequest struct {
	Method string `json:"method" validate:"omitempty,oneof=wallet original card"`
	Amount string `json:"amount" validate:"omitempty,numeric"`
	Reason string `json:"reason" validate:"max=500"`
}

func (h *AdminHandler) RefundLesson(c *fiber.Ctx) error {
	lessonID, err := paramID(c, "lessonId")
	if err != nil {
		return badRequest(c, "Invalid lesson ID")
	}
	var req AdminRefundRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return badRequest(c, "Invalid amount")
	}

	refund := services.RefundRequest{Method: req.Method, Reason: req.Reason}
	if req.Amount != "" {
		refund.Amount = decimal.NewNullDecimal(amount)
	}
	payment, err := h.billing.RefundLesson(c.UserContext(), lessonID, refund)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"message": "Refund processed", "payment": payment})
}

func (h *AdminHandler) RetrySettlement(c *fiber.Ctx) error {
	paymentID, err := paramID(c, "paymentId")
	if err != nil {
		return badRequest(c, "Invalid payment ID")
	}
	if err := h.settlement.RetryFailed(c.UserContext(), paymentID); err != nil {
		return respondError(c, h.logger, err)
	}
	payment, err := h.payments.GetPayment(c.UserContext(), paymentID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"message": "Settlement retried", "payment": payment})
}

type AcknowledgeRequest struct {
	Reference string `json:"reference" validate:"required,max=200"`
}

func (h *AdminHandler) AcknowledgeManual(c *fiber.Ctx) error {
	paymentID, err := paramID(c, "paymentId")
	if err != nil {
		return badRequest(c, "Invalid payment ID")
	}
	var req AcknowledgeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	operator, _ := middleware.UserID(c)
	payment, err := h.settlement.AcknowledgeManual(c.UserContext(), paymentID, operator.String(), req.Reference)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"message": "Manual payout acknowledged", "payment": payment})
}

func (h *AdminHandler) PaymentsReport(c *fiber.Ctx) error {
	now := h.now()
	startDate, err := time.Parse("2006-01-02", c.Query("start_date", now.AddDate(0, -1, 0).Format("2006-01-02")))
	if err != nil {
		return badRequest(c, "Invalid start_date format. Use YYYY-MM-DD.")
	}
	endDate, err := time.Parse("2006-01-02", c.Query("end_date", now.Format("2006-01-02")))
	if err != nil {
		return badRequest(c, "Invalid end_date format. Use YYYY-MM-DD.")
	}
	endExclusive := endDate.AddDate(0, 0, 1)

	list, err := h.payments.ListPayments(c.UserContext(), store.PaymentFilter{
		Statuses:      []models.PaymentStatus{models.PaymentSucceeded, models.PaymentPartiallyRefunded, models.PaymentRefunded},
		ChargedAfter:  &startDate,
		CreatedBefore: &endExclusive,
	})
	if err != nil {
		return respondError(c, h.logger, err)
	}

	b := new(bytes.Buffer)
	if err := reports.WritePayments(b, list); err != nil {
		return respondError(c, h.logger, err)
	}
	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"payments_%s_to_%s.csv\"", startDate.Format("2006-01-02"), endDate.Format("2006-01-02")))
	return c.Send(b.Bytes())
}

func (h *AdminHandler) RunReconciliation(c *fiber.Ctx) error {
	drift, err := h.reconciler.Run(c.UserContext())
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"findings": len(drift.Findings), "run_at": drift.RunAt, "report": drift.Name()})
}
