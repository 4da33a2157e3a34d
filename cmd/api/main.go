package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anjiri1684/lesson_billing/alerts"
	config "github.com/anjiri1684/lesson_billing/configs"
	"github.com/anjiri1684/lesson_billing/database"
	"github.com/anjiri1684/lesson_billing/handlers"
	"github.com/anjiri1684/lesson_billing/jobs"
	"github.com/anjiri1684/lesson_billing/notifications"
	"github.com/anjiri1684/lesson_billing/payments"
	"github.com/anjiri1684/lesson_billing/reports"
	"github.com/anjiri1684/lesson_billing/routes"
	"github.com/anjiri1684/lesson_billing/services"
	"github.com/anjiri1684/lesson_billing/store"
	"github.com/anjiri1684/lesson_billing/wallet"
	"github.com/anjiri1684/lesson_billing/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("loading config failed", "error", err)
		os.Exit(1)
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	db, err := database.ConnectDB(cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store.NewGormStore(db), nil
}

// tutorRecipient resolves email recipients from payout accounts, the only place this
// service keeps an address.
func tutorRecipient(s store.PayoutAccountStore) notifications.RecipientLookup {
	return func(ctx context.Context, userID uuid.UUID) (string, string, error) {
		account, err := s.GetPayoutAccount(ctx, userID)
		if err != nil {
			return "", "", err
		}
		return account.Email, "", nil
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}

	retry := payments.DefaultRetryPolicy()
	if cfg.RetryAttempts > 0 {
		retry = payments.RetryPolicy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay}
	}
	processor := payments.NewStripeService(payments.StripeConfig{
		SecretKey: cfg.StripeSecretKey,
		BaseURL:   cfg.StripeBaseURL,
		Timeout:   cfg.ProcessorTimeout,
	}, log)
	network := payments.NewPayPalService(payments.PayPalConfig{
		BaseURL:      cfg.PayPalBaseURL,
		ClientID:     cfg.PayPalClientID,
		ClientSecret: cfg.PayPalClientSecret,
		Currency:     cfg.Currency,
		Timeout:      cfg.ProcessorTimeout,
	}, log)

	hub := websocket.NewHub(log)
	go hub.Run(ctx)

	bus := notifications.NewBus(log, hub)
	if cfg.RabbitMQURL != "" {
		rabbit, err := notifications.NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, log)
		if err != nil {
			log.Warn("rabbitmq unavailable, events stay in-process", "error", err)
			bus.Subscribe(notifications.FallbackPublisher{Logger: log})
		} else {
			defer rabbit.Close()
			bus.Subscribe(rabbit)
		}
	}
	if cfg.BrevoAPIKey != "" {
		bus.Subscribe(notifications.NewBrevoService(notifications.EmailConfig{
			APIKey:      cfg.BrevoAPIKey,
			SenderEmail: cfg.BrevoSenderEmail,
			SenderName:  cfg.BrevoSenderName,
		}, tutorRecipient(st), log))
	}
	notifier := notifications.NewNotifier(bus, 10*time.Second, log)

	ledger := wallet.NewLedger(st, log)
	sink := alerts.NewStoreSink(st, log)

	settlement := services.NewSettlementService(st, processor, network, sink, notifier, services.SettlementConfig{
		Currency:               cfg.Currency,
		SecondaryOnlyCountries: cfg.SecondaryCountries(),
		Retry:                  retry,
		CallTimeout:            cfg.ProcessorTimeout,
	}, log)
	paymentSvc := services.NewPaymentService(st, ledger, processor, settlement, sink, notifier, services.PaymentConfig{
		PlatformFeePercentage: cfg.FeePercentage(),
		Currency:              cfg.Currency,
		Retry:                 retry,
		CallTimeout:           cfg.ProcessorTimeout,
	}, log)
	accounts := services.NewPayoutAccountService(st, processor, log)
	lessons := services.NewLessonService(st, paymentSvc, log)
	webhooks := services.NewWebhookService(st, paymentSvc, settlement, accounts, ledger, sink, notifier, log)

	var uploader reports.Uploader
	if cloud, err := reports.NewCloudinaryUploader(cfg.CloudinaryURL, cfg.CloudinaryReportFolder, log); err != nil {
		log.Warn("cloudinary unavailable, reconciliation reports are not archived", "error", err)
	} else if cloud != nil {
		uploader = cloud
	}

	finalize := jobs.NewAutoFinalizeJob(st, st, paymentSvc, cfg.AutoFinalizeBatchSize, cfg.SafetyNetBatchSize, log)
	reconcile := jobs.NewReconciliationJob(st, processor, paymentSvc, settlement, sink, uploader, log)
	payoutStatus := jobs.NewPayoutStatusJob(settlement, cfg.PayoutStatusBatchSize, log)

	scheduler := jobs.NewScheduler(log)
	for _, j := range []struct {
		name string
		spec string
		fn   func(ctx context.Context)
	}{
		{"auto_finalize", cfg.AutoFinalizeSchedule, func(ctx context.Context) { finalize.Run(ctx) }},
		{"reconciliation", cfg.ReconciliationSchedule, func(ctx context.Context) { _, _ = reconcile.Run(ctx) }},
		{"payout_status", cfg.PayoutStatusSchedule, func(ctx context.Context) { payoutStatus.Run(ctx) }},
	} {
		if err := scheduler.Add(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	scheduler.Start()

	var lock handlers.EventLock = handlers.NewRedisEventLock(nil, 0)
	if cfg.RedisURL != "" {
		if client := database.ConnectRedis(cfg.RedisURL, log); client != nil {
			defer client.Close()
			lock = handlers.NewRedisEventLock(client, cfg.WebhookLockTTL)
		}
	}

	app := fiber.New(fiber.Config{
		AppName:      "Lesson Billing",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			log.Error("unhandled request error", "path", c.Path(), "method", c.Method(), "error", err)
			return c.Status(code).JSON(fiber.Map{
				"status":  "error",
				"code":    code,
				"message": err.Error(),
			})
		},
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowMethods:  "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		ExposeHeaders: "Content-Length, Authorization",
		MaxAge:        86400,
	}))
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		TimeFormat: "2006-01-02 15:04:05",
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	routes.Setup(app, routes.Handlers{
		Booking:  handlers.NewBookingHandler(paymentSvc, lessons, log),
		Wallet:   handlers.NewWalletHandler(ledger, log),
		Payouts:  handlers.NewPayoutAccountHandler(accounts, log),
		Admin:    handlers.NewAdminHandler(st, st, paymentSvc, settlement, reconcile, log),
		Webhook:  handlers.NewWebhookHandler(webhooks, lock, cfg.StripeWebhookSecret, cfg.WebhookTolerance, log),
		Lessons:  handlers.NewLessonHandler(lessons, paymentSvc, log),
		Realtime: handlers.NewRealtimeHandler(hub, cfg.JWTSecret, log),
	}, routes.Auth{JWTSecret: cfg.JWTSecret, InternalAPIKey: cfg.InternalAPIKey})

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "port", cfg.Port)
		errCh <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Error("scheduler did not stop in time", "error", err)
	}
	return nil
}
