package routes

import (
	"github.com/anjiri1684/lesson_billing/handlers"
	"github.com/anjiri1684/lesson_billing/middleware"
	"github.com/gofiber/fiber/v2"
)

func AdminRoutes(app *fiber.App, h *handlers.AdminHandler, auth Auth) {
	api := app.Group("/api/v1")

	admin := api.Group("/admin", middleware.Protected(auth.JWTSecret), middleware.AdminRequired())

	alerts := admin.Group("/alerts")
	alerts.Get("", h.ListAlerts)
	alerts.Post("/:alertId/resolve", h.ResolveAlert)

	admin.Post("/lessons/:lessonId/refund", h.RefundLesson)
	admin.Post("/payments/:paymentId/retry-settlement", h.RetrySettlement)
	admin.Post("/payments/:paymentId/acknowledge", h.AcknowledgeManual)

	reports := admin.Group("/reports")
	reports.Get("/payments", h.PaymentsReport)

	admin.Post("/reconciliation/run", h.RunReconciliation)
}
