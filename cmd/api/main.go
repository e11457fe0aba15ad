package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/examly/billing/config"
	"github.com/examly/billing/pkg/api/handlers"
	"github.com/examly/billing/pkg/billing"
	"github.com/examly/billing/pkg/cache"
	"github.com/examly/billing/pkg/database"
	"github.com/examly/billing/pkg/email"
	"github.com/examly/billing/pkg/jobs"
	"github.com/examly/billing/pkg/logger"
	"github.com/examly/billing/pkg/metrics"
	custommiddleware "github.com/examly/billing/pkg/middleware"
	"github.com/examly/billing/pkg/notifications"
	"github.com/examly/billing/pkg/plans"
	"github.com/examly/billing/pkg/subscriptions"
	"github.com/examly/billing/pkg/usage"
	"github.com/examly/billing/pkg/webhook"
)

func main() {
	// Load configuration
	cfg := config.Load()
	appLog := logger.New(cfg.LogLevel, cfg.LogFormat)
	appLog.Info("configuration loaded", "environment", cfg.APIEnvironment)

	// Initialize Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			appLog.Warn("failed to initialize Sentry", "error", err)
		} else {
			appLog.Info("Sentry initialized", "environment", cfg.SentryEnvironment)
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		appLog.Info("Sentry disabled (no DSN configured)")
	}

	// Initialize database
	db, err := database.NewClient(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db.DB); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	// Initialize Redis cache
	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// Initialize Prometheus metrics
	prometheusMetrics := metrics.New()

	// Initialize services
	catalog := plans.NewCatalog(plans.Config{
		PricePremium: cfg.StripePricePremium,
		PricePlus:    cfg.StripePricePlus,
		PriceAcademy: cfg.StripePriceAcademy,
		TrialDays:    cfg.TrialDays,
	})

	store := subscriptions.NewStore(db.DB, appLog)

	emailService := email.NewService(cfg.EmailFrom, cfg.EmailFromName, cfg.SendGridAPIKey)
	notifier := notifications.NewService(db.DB, emailService, prometheusMetrics, appLog, cfg.FrontendURL)

	usageService := usage.NewService(db.DB, redisClient, catalog, store, appLog)

	billingService := billing.NewService(store, catalog, &billing.StripeConfig{
		SecretKey:        cfg.StripeSecretKey,
		WebhookSecret:    cfg.StripeWebhookSecret,
		WebhookTolerance: cfg.StripeWebhookTolerance,
		SuccessURL:       cfg.FrontendURL + "/subscription?success=true",
		CancelURL:        cfg.FrontendURL + "/subscription?canceled=true",
		BaseURL:          cfg.FrontendURL,
	}, appLog)

	reconciler := billing.NewReconciler(store, catalog, notifier, usageService, prometheusMetrics, appLog)

	// Webhook worker: events are acknowledged fast and reconciled async
	worker := webhook.NewWorker(db.DB, reconciler, prometheusMetrics, appLog, webhook.Config{
		MaxAttempts:    cfg.WebhookMaxAttempts,
		InitialBackoff: cfg.WebhookInitialBackoff,
		Workers:        2,
		Retryable:      billing.Retryable,
	})
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	worker.Start(workerCtx)
	if err := worker.RequeuePending(workerCtx); err != nil {
		appLog.Error("failed to requeue pending webhook events", "error", err)
	}

	// Scheduled jobs
	sweeper := jobs.NewSweeper(store, billingService, notifier, usageService, prometheusMetrics, appLog)
	cronManager := jobs.NewCronManager(sweeper, appLog)
	if err := cronManager.SetupJobs(); err != nil {
		log.Fatalf("failed to setup cron jobs: %v", err)
	}
	cronManager.Start()

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	// Rate limiters
	globalRateLimiter := custommiddleware.NewRateLimiter(cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	webhookRateLimiter := custommiddleware.NewRateLimiter(300, 50) // Stripe bursts on busy days

	// Global middleware
	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			appLog.Info("request",
				"method", c.Request().Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())

	if cfg.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic: true,
		}))
	}

	e.Use(prometheusMetrics.Middleware())
	e.Use(echomiddleware.CORSWithConfig(custommiddleware.CORSConfig(cfg.CORSAllowedOrigins)))
	e.Use(echomiddleware.Gzip())
	e.Use(custommiddleware.SecurityHeaders(custommiddleware.SecurityHeadersConfig{}))
	e.Use(globalRateLimiter.RateLimitMiddleware())

	// Health check endpoints (public)
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"name":        "Examly Billing API",
			"status":      "running",
			"environment": cfg.APIEnvironment,
			"timestamp":   time.Now().Unix(),
		})
	})

	e.GET("/health", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":   "unhealthy",
				"database": "down",
			})
		}
		if err := redisClient.Redis.Ping(ctx).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"cache":  "down",
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":   "healthy",
			"database": "up",
			"cache":    "up",
		})
	})

	// Prometheus metrics endpoint (public)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Initialize handlers
	billingHandler := handlers.NewBillingHandler(billingService, store, catalog, cfg.FrontendURL)
	usageHandler := handlers.NewUsageHandler(usageService, catalog.Features(), prometheusMetrics)
	webhookHandler := handlers.NewWebhookHandler(worker, cfg.StripeWebhookSecret, cfg.StripeWebhookTolerance, appLog)

	v1 := e.Group("/api/v1")

	// Public billing routes
	v1.GET("/pricing", billingHandler.GetPricing)
	v1.POST("/webhook/stripe", webhookHandler.HandleStripe, webhookRateLimiter.RateLimitMiddleware())

	// Protected routes (require JWT)
	protected := v1.Group("")
	protected.Use(custommiddleware.JWTAuth(cfg.JWTSecret))
	{
		billingGroup := protected.Group("/billing")
		{
			billingGroup.POST("/checkout", billingHandler.CreateCheckout)
			billingGroup.POST("/portal", billingHandler.CreatePortalSession)
			billingGroup.POST("/cancel", billingHandler.CancelSubscription)
			billingGroup.POST("/resume", billingHandler.ResumeSubscription)
			billingGroup.GET("/subscription", billingHandler.GetSubscription)
			billingGroup.GET("/invoices", billingHandler.GetInvoices)
			billingGroup.GET("/usage", usageHandler.GetUsage)
			billingGroup.POST("/usage/:feature", usageHandler.RecordUse)
		}
	}

	// Start server
	address := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	appLog.Info("starting billing API",
		"address", address,
		"rate_limit_rpm", cfg.RateLimitRequestsPerMinute,
		"trial_days", cfg.TrialDays)

	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLog.Info("shutting down")

	cronManager.Stop()
	workerCancel()
	worker.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	appLog.Info("server stopped")
}
