package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/api"
	"github.com/lennardhq/letterflow/internal/config"
	"github.com/lennardhq/letterflow/internal/dossier"
	"github.com/lennardhq/letterflow/internal/lark"
	"github.com/lennardhq/letterflow/internal/letterexpress"
	"github.com/lennardhq/letterflow/internal/letters"
	"github.com/lennardhq/letterflow/internal/metrics"
	"github.com/lennardhq/letterflow/internal/notification"
	"github.com/lennardhq/letterflow/internal/pdf"
	"github.com/lennardhq/letterflow/internal/profiles"
	"github.com/lennardhq/letterflow/internal/report"
	"github.com/lennardhq/letterflow/internal/repository"
	"github.com/lennardhq/letterflow/internal/webhook"
	"github.com/lennardhq/letterflow/internal/worker"
	"github.com/lennardhq/letterflow/internal/workflow"
	"github.com/lennardhq/letterflow/internal/zoho"
	"github.com/lennardhq/letterflow/pkg/database"
	"github.com/lennardhq/letterflow/pkg/utils"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	// Load credentials from a local .env file when present
	gotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting letterflow",
		zap.String("version", "1.0.0"),
		zap.Int("port", cfg.Server.Port))

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal("Failed to create database directory", zap.Error(err))
		}
	}

	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	migrator := database.NewMigrator(db, logger)
	if err := migrator.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Repositories
	approvalRepo := repository.NewApprovalRepository(db, logger)
	triggerRepo := repository.NewTriggerRepository(db, logger)

	// External adapters
	crm := zoho.NewClient(cfg.Zoho, logger)
	profileStore := profiles.NewClient(cfg.Profiles, logger)
	dossierClient := dossier.NewClient(cfg.Dossier, logger)
	letterGen := letters.NewGenerator(cfg.OpenAI, logger)
	renderer := pdf.NewClient(cfg.PDF, logger)
	carrier := letterexpress.NewClient(cfg.LetterExpress, logger)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if balance, err := carrier.Balance(ctx); err != nil {
			logger.Warn("Carrier balance check failed", zap.Error(err))
		} else {
			logger.Info("Carrier reachable", zap.Float64("balance", balance))
		}
	}()

	larkClient := lark.NewClient(cfg.Lark, logger)
	messenger := lark.NewMessenger(larkClient, logger)
	notifier := notification.NewNotifier(larkClient, logger)

	appMetrics := metrics.New()
	broker := api.NewEventBroker(logger)

	orchestrator := workflow.NewOrchestrator(
		workflow.Config{
			MaxTasksPerRun: cfg.Workflow.MaxTasksPerRun,
			MaxConcurrent:  cfg.Workflow.MaxConcurrent,
			MaxRevisions:   cfg.Workflow.MaxRevisions,
			FollowUpDelay:  cfg.Workflow.FollowUpDelay,
			SenderName:     cfg.OpenAI.SenderName,
		},
		approvalRepo,
		triggerRepo,
		crm,
		profileStore,
		dossierClient,
		letterGen,
		renderer,
		carrier,
		messenger,
		notifier,
		logger,
	)
	orchestrator.SetEventPublisher(broker)
	orchestrator.SetMetrics(appMetrics)

	// Background workers
	manager := worker.NewManager(logger)
	if cfg.Workflow.RecoveryOnBoot {
		manager.Register(worker.NewRecoveryWorker(orchestrator, logger))
	}
	manager.Register(worker.NewIntakeWorker(
		orchestrator,
		triggerRepo,
		cfg.Workflow.IntakeInterval,
		cfg.Workflow.MaxTasksPerRun,
		logger,
	))
	if err := manager.StartAll(context.Background()); err != nil {
		logger.Fatal("Failed to start workers", zap.Error(err))
	}

	// HTTP surface
	webhookVerifier := webhook.NewVerifier(cfg.Lark.VerificationToken, logger)
	webhookHandler := webhook.NewHandler(webhookVerifier, orchestrator, logger)

	apiHandler := api.NewHandler(
		orchestrator,
		approvalRepo,
		triggerRepo,
		orchestrator.Intake(),
		broker,
		report.NewExporter(logger),
		appMetrics,
		logger,
	)

	if cfg.Logger.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware())

	router.GET("/health", apiHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST(cfg.Lark.WebhookPath, webhookHandler.Handle)
	apiHandler.RegisterRoutes(router.Group("/api/v1"))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	manager.StopAll()

	logger.Info("Server exited successfully")
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
