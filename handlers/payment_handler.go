package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/anjiri1684/lesson_billing/payments"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const SignatureHeader = "Stripe-Signature"

// EventProcessor applies one verified processor event.
type EventProcessor interface {
	Handle(ctx context.Context, event *payments.Event, raw []byte) error
}

// EventLock keeps two concurrent deliveries of one event from running together.
type EventLock interface {
	Acquire(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string)
}

// RedisEventLock is a short SETNX lock per event id. A nil client always acquires,
// leaving deduplication to the webhook events table.
type RedisEventLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisEventLock(client *redis.Client, ttl time.Duration) *RedisEventLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisEventLock{client: client, ttl: ttl}
}

func lockKey(eventID string) string { return "webhook:lock:" + eventID }

func (l *RedisEventLock) Acquire(ctx context.Context, eventID string) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}
	return l.client.SetNX(ctx, lockKey(eventID), 1, l.ttl).Result()
}

func (l *RedisEventLock) Release(ctx context.Context, eventID string) {
	if l == nil || l.client == nil {
		return
	}
	l.client.Del(context.WithoutCancel(ctx), lockKey(eventID))
}

type WebhookHandler struct {
	events    EventProcessor
	lock      EventLock
	secret    string
	tolerance time.Duration
	logger    *slog.Logger
}

func NewWebhookHandler(events EventProcessor, lock EventLock, secret string, tolerance time.Duration, logger *slog.Logger) *WebhookHandler {
	if tolerance <= 0 {
		tolerance = payments.DefaultWebhookTolerance
	}
	if lock == nil {
		lock = NewRedisEventLock(nil, 0)
	}
	return &WebhookHandler{
		events:    events,
		lock:      lock,
		secret:    secret,
		tolerance: tolerance,
		logger:    defaultLogger(logger, "webhook_handler"),
	}
}

func (h *WebhookHandler) HandleProcessorWebhook(c *fiber.Ctx) error {
	// Fiber reuses the request buffer after the handler returns.
	payload := append([]byte(nil), c.Body()...)

	if err := payments.VerifyWebhookSignature(payload, c.Get(SignatureHeader), h.secret, h.tolerance); err != nil {
		h.logger.Warn("rejected webhook", "error", err, "ip", c.IP())
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid signature", "code": "invalid_signature"})
	}
	event, err := payments.ParseEvent(payload)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse webhook payload", "code": "invalid_payload"})
	}

	ctx := c.UserContext()
	acquired, err := h.lock.Acquire(ctx, event.ID)
	if err != nil {
		h.logger.Warn("event lock unavailable", "event_id", event.ID, "error", err)
		acquired = true
	}
	if !acquired {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Event is being processed", "code": "event_in_progress"})
	}
	defer h.lock.Release(ctx, event.ID)

	if err := h.events.Handle(ctx, event, payload); err != nil {
		h.logger.Error("webhook processing failed", "event_id", event.ID, "type", event.Type, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Processing failed", "code": "processing_failed"})
	}
	return c.JSON(fiber.Map{"received": true})
}
