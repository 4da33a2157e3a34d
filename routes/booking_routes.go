package routes

import (
	"github.com/anjiri1684/lesson_billing/handlers"
	"github.com/anjiri1684/lesson_billing/middleware"
	"github.com/gofiber/fiber/v2"
)

func BookingRoutes(app *fiber.App, h *handlers.BookingHandler, auth Auth) {
	api := app.Group("/api/v1")

	lessons := api.Group("/lessons", middleware.Protected(auth.JWTSecret))
	lessons.Post("/:lessonId/book", h.BookLesson)
	lessons.Get("/:lessonId/payment", h.GetLessonPayment)
	lessons.Post("/:lessonId/cancel", h.CancelLesson)
}

func WalletRoutes(app *fiber.App, h *handlers.WalletHandler, auth Auth) {
	api := app.Group("/api/v1")

	wallet := api.Group("/wallet", middleware.Protected(auth.JWTSecret))
	wallet.Get("", h.GetBalance)
	wallet.Get("/transactions", h.GetHistory)
}

func PayoutRoutes(app *fiber.App, h *handlers.PayoutAccountHandler, auth Auth) {
	api := app.Group("/api/v1")

	tutor := api.Group("/tutor/payout-account", middleware.Protected(auth.JWTSecret), middleware.TutorRequired())
	tutor.Post("", h.CreateAccount)
	tutor.Get("", h.GetAccount)
	tutor.Post("/onboarding-link", h.OnboardingLink)
	tutor.Get("/dashboard-link", h.DashboardLink)
	tutor.Post("/refresh", h.RefreshStatus)
	tutor.Put("/secondary", h.SetSecondaryEmail)
}
