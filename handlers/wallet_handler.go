package handlers

import (
	"log/slog"

	"github.com/anjiri1684/lesson_billing/services"
	"github.com/gofiber/fiber/v2"
)

type WalletHandler struct {
	ledger services.WalletLedger
	logger *slog.Logger
}

func NewWalletHandler(ledger services.WalletLedger, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{ledger: ledger, logger: defaultLogger(logger, "wallet_handler")}
}

func (h *WalletHandler) GetBalance(c *fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	w, err := h.ledger.GetBalance(c.UserContext(), userID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{
		"balance":   w.Balance.StringFixed(2),
		"reserved":  w.ReservedBalance.StringFixed(2),
		"available": w.AvailableBalance().StringFixed(2),
	})
}

func (h *WalletHandler) GetHistory(c *fiber.Ctx) error {
	userID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	history, err := h.ledger.History(c.UserContext(), userID, queryLimit(c, 50, 200))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"transactions": history})
}
