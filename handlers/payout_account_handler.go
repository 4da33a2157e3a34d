package handlers

import (
	"log/slog"

	"github.com/anjiri1684/lesson_billing/services"
	"github.com/gofiber/fiber/v2"
)

type PayoutAccountHandler struct {
	accounts *services.PayoutAccountService
	logger   *slog.Logger
}

func NewPayoutAccountHandler(accounts *services.PayoutAccountService, logger *slog.Logger) *PayoutAccountHandler {
	return &PayoutAccountHandler{accounts: accounts, logger: defaultLogger(logger, "payout_account_handler")}
}

type CreatePayoutAccountRequest struct {
	Email   string `json:"email" validate:"required,email"`
	Country string `json:"country" validate:"required,len=2"`
}

func (h *PayoutAccountHandler) CreateAccount(c *fiber.Ctx) error {
	tutorID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	var req CreatePayoutAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	account, err := h.accounts.CreateAccount(c.UserContext(), tutorID, req.Email, req.Country)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.Status(fiber.StatusCreated).JSON(account)
}

func (h *PayoutAccountHandler) GetAccount(c *fiber.Ctx) error {
	tutorID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	account, err := h.accounts.Get(c.UserContext(), tutorID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"account": account, "direct_transfer_ready": account.DirectTransferReady()})
}

type OnboardingLinkRequest struct {
	RefreshURL string `json:"refresh_url" validate:"required,url"`
	ReturnURL  string `json:"return_url" validate:"required,url"`
}

func (h *PayoutAccountHandler) OnboardingLink(c *fiber.Ctx) error {
	tutorID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	var req OnboardingLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	url, err := h.accounts.OnboardingLink(c.UserContext(), tutorID, req.RefreshURL, req.ReturnURL)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"url": url})
}

func (h *PayoutAccountHandler) DashboardLink(c *fiber.Ctx) error {
	tutorID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	url, err := h.accounts.DashboardLink(c.UserContext(), tutorID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"url": url})
}

func (h *PayoutAccountHandler) RefreshStatus(c *fiber.Ctx) error {
	tutorID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	account, err := h.accounts.RefreshStatus(c.UserContext(), tutorID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(fiber.Map{"account": account, "direct_transfer_ready": account.DirectTransferReady()})
}

type SecondaryEmailRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Preference string `json:"preference" validate:"omitempty,oneof=processor secondary"`
}

func (h *PayoutAccountHandler) SetSecondaryEmail(c *fiber.Ctx) error {
	tutorID, ok := currentUser(c)
	if !ok {
		return unauthorized(c)
	}
	var req SecondaryEmailRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	account, err := h.accounts.SetSecondaryEmail(c.UserContext(), tutorID, req.Email, req.Preference)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return c.JSON(account)
}
