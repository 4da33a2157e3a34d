package routes

import (
	"github.com/anjiri1684/lesson_billing/handlers"
	"github.com/anjiri1684/lesson_billing/middleware"
	"github.com/gofiber/fiber/v2"
)

// PaymentRoutes mounts the processor webhook. It authenticates by signature, not JWT.
func PaymentRoutes(app *fiber.App, h *handlers.WebhookHandler) {
	api := app.Group("/api/v1")

	api.Post("/webhooks/processor", h.HandleProcessorWebhook)
}

func RealtimeRoutes(app *fiber.App, h *handlers.RealtimeHandler) {
	api := app.Group("/api/v1")

	api.Use("/ws", handlers.RequireUpgrade)
	api.Get("/ws", h.Serve())
}

func InternalRoutes(app *fiber.App, h *handlers.LessonHandler, auth Auth) {
	internal := app.Group("/internal/v1", middleware.InternalOnly(auth.InternalAPIKey))

	internal.Post("/lessons", h.CreateLesson)
	internal.Post("/lessons/:lessonId/attendance", h.RecordAttendance)
	internal.Post("/lessons/:lessonId/outcome", h.ApplyOutcome)
	internal.Post("/lessons/:lessonId/complete", h.CompletePayment)
}
