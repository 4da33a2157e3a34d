package routes

import (
	"github.com/anjiri1684/lesson_billing/handlers"
	"github.com/gofiber/fiber/v2"
)

type Handlers struct {
	Booking  *handlers.BookingHandler
	Wallet   *handlers.WalletHandler
	Payouts  *handlers.PayoutAccountHandler
	Admin    *handlers.AdminHandler
	Webhook  *handlers.WebhookHandler
	Lessons  *handlers.LessonHandler
	Realtime *handlers.RealtimeHandler
}

type Auth struct {
	JWTSecret      string
	InternalAPIKey string
}

// Setup mounts every route group. Nil handlers leave their group unmounted.
func Setup(app *fiber.App, h Handlers, auth Auth) {
	if h.Booking != nil {
		BookingRoutes(app, h.Booking, auth)
	}
	if h.Wallet != nil {
		WalletRoutes(app, h.Wallet, auth)
	}
	if h.Payouts != nil {
		PayoutRoutes(app, h.Payouts, auth)
	}
	if h.Admin != nil {
		AdminRoutes(app, h.Admin, auth)
	}
	if h.Webhook != nil {
		PaymentRoutes(app, h.Webhook)
	}
	if h.Lessons != nil {
		InternalRoutes(app, h.Lessons, auth)
	}
	if h.Realtime != nil {
		RealtimeRoutes(app, h.Realtime)
	}
}
