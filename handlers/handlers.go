package handlers

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/anjiri1684/lesson_billing/billing"
	"github.com/anjiri1684/lesson_billing/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

var kindStatus = map[billing.Kind]int{
	billing.KindValidation:        fiber.StatusBadRequest,
	billing.KindNotFound:          fiber.StatusNotFound,
	billing.KindStateConflict:     fiber.StatusConflict,
	billing.KindInsufficientFunds: fiber.StatusPaymentRequired,
	billing.KindExternalProcessor: fiber.StatusBadGateway,
}

// StatusFor maps a billing error kind to its HTTP status.
func StatusFor(err error) int {
	if status, ok := kindStatus[billing.KindOf(err)]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, logger *slog.Logger, err error) error {
	status := StatusFor(err)
	var be *billing.Error
	if status == fiber.StatusInternalServerError || !errors.As(err, &be) {
		logger.Error("request failed", "path", c.Path(), "method", c.Method(), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error", "code": "internal_error"})
	}
	if status == fiber.StatusBadGateway {
		logger.Warn("processor call failed", "path", c.Path(), "code", be.Code, "error", err)
	}
	msg := be.Message
	if msg == "" {
		msg = be.Code
	}
	return c.Status(status).JSON(fiber.Map{"error": msg, "code": be.Code})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg, "code": "bad_request"})
}

func paramID(c *fiber.Ctx, name string) (uuid.UUID, error) {
	return uuid.Parse(c.Params(name))
}

func currentUser(c *fiber.Ctx) (uuid.UUID, bool) {
	id, err := middleware.UserID(c)
	return id, err == nil
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid user identity", "code": "unauthorized"})
}

func queryLimit(c *fiber.Ctx, def, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func defaultLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component)
}
