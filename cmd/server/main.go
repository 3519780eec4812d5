package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mkorchagin/intranet-approvals/internal/cache"
	"github.com/mkorchagin/intranet-approvals/internal/config"
	"github.com/mkorchagin/intranet-approvals/internal/directory"
	"github.com/mkorchagin/intranet-approvals/internal/httpapi"
	"github.com/mkorchagin/intranet-approvals/internal/notification"
	"github.com/mkorchagin/intranet-approvals/internal/repository"
	"github.com/mkorchagin/intranet-approvals/internal/worker"
	"github.com/mkorchagin/intranet-approvals/internal/workflow"
	"github.com/mkorchagin/intranet-approvals/pkg/database"
	"github.com/mkorchagin/intranet-approvals/pkg/utils"
)

func main() {
	cfg, err := config.Load("configs/config.yaml")
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

	logger.Info("Starting intranet approval service",
		zap.String("version", "1.0.0"),
		zap.Int("port", cfg.Server.Port))

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
	requestRepo := repository.NewRequestRepository(db, logger)
	templateRepo := repository.NewTemplateRepository(db, logger)
	delegationRepo := repository.NewDelegationRepository(db, logger)
	quizRepo := repository.NewQuizRepository(db, logger)
	directoryRepo := repository.NewDirectoryRepository(db, logger)

	// Org directory with a TTL-cached decorator
	dirCache := cache.NewTTLCache(cfg.Directory.CacheSweepInterval)
	defer dirCache.Close()
	orgDirectory := directory.NewCachedDirectory(directoryRepo, dirCache, cfg.Directory.CacheTTL)

	// Notification pipeline
	dispatcher := notification.NewDispatcher(
		[]notification.Sink{notification.NewLogSink(logger)},
		cfg.Notification.BufferSize,
		logger,
	)

	// Workflow engine
	engine := workflow.NewEngine(
		requestRepo,
		templateRepo,
		quizRepo,
		workflow.NewDelegationResolver(delegationRepo, logger),
		workflow.NewApproverResolver(orgDirectory, logger),
		dispatcher,
		workflow.Config{
			QuizPassThreshold:       cfg.Workflow.QuizPassThreshold,
			ResolveRetries:          cfg.Workflow.ResolveRetries,
			DefaultEscalationUserID: cfg.Workflow.DefaultEscalationUser,
		},
		logger,
	)

	// Background workers
	workerManager := worker.NewManager(logger)
	workerManager.Register(dispatcher)
	workerManager.Register(worker.NewEscalationSweeper(engine, cfg.Workflow.SweepSchedule, logger))

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	if err := workerManager.StartAll(workerCtx); err != nil {
		logger.Fatal("Failed to start workers", zap.Error(err))
	}

	if cfg.Logger.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	handlers := httpapi.NewHandlers(engine, templateRepo, logger)
	router := httpapi.NewRouter(handlers, logger)

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

	workerManager.StopAll(ctx)

	logger.Info("Server exited successfully")
}
