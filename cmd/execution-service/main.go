// Command execution-service runs the task-attempt execution core: worktree
// provisioning, process supervision, the commit & chain engine, the diff
// stream, the cleanup scheduler, and accounting, fronted by a small HTTP
// API over the container facade (C9).
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

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	orchapi "github.com/kandev/kandev/internal/orchestrator/api"
	execapi "github.com/kandev/kandev/internal/execution/api"
	"github.com/kandev/kandev/internal/execution/accounting"
	"github.com/kandev/kandev/internal/execution/cleanup"
	"github.com/kandev/kandev/internal/execution/commit"
	"github.com/kandev/kandev/internal/execution/container"
	"github.com/kandev/kandev/internal/execution/diffstream"
	"github.com/kandev/kandev/internal/execution/monitor"
	"github.com/kandev/kandev/internal/execution/process"
	"github.com/kandev/kandev/internal/execution/store"
	"github.com/kandev/kandev/internal/execution/worktree"
	"github.com/kandev/kandev/internal/events/bus"
	"github.com/kandev/kandev/internal/task/repository"
	taskapi "github.com/kandev/kandev/internal/task/api"
	taskservice "github.com/kandev/kandev/internal/task/service"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Execution service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer eventBus.Close()
	log.Info("Connected to NATS event bus")

	execStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open execution store", zap.Error(err))
	}

	taskRepo, err := repository.NewSQLiteRepository(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open task repository", zap.Error(err))
	}
	defer taskRepo.Close()
	tasks := newTaskStatusAdapter(taskRepo)

	wt, err := worktree.NewManager(worktree.Config{
		Enabled:  cfg.Worktree.Enabled,
		BasePath: cfg.Worktree.BasePath,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	sup := process.NewSupervisor(log)

	diffs := diffstream.NewEngine(diffstream.Config{
		MaxCumulativeBytes: cfg.Execution.MaxCumulativeDiffBytes,
		WatcherDebounce:    cfg.Execution.WatcherDebounce(),
	}, log)

	accountant := accounting.NewAccountant(execStore, eventBus, nil, accounting.Config{
		TokensPerSecond:  cfg.Execution.VibeTokensPerSecond,
		InputOutputRatio: cfg.Execution.VibeInputOutputRatio,
	}, log)

	svc := container.NewService(execStore, wt, sup, diffs, accountant, tasks, nil, container.Config{
		MaxSlots: cfg.Execution.MaxSlots,
	}, log)

	chain := commit.NewEngine(execStore, svc, wt, nil, log)
	svc.AttachChain(chain)

	mon := monitor.New(execStore, sup, chain, svc, cfg.Execution.PostFinishedSleep(), log)
	svc.AttachMonitor(mon)

	projectRepoPath := func(ctx context.Context, attempt *v1.TaskAttempt) (string, error) {
		task, err := tasks.GetTaskForExecution(ctx, attempt.TaskID)
		if err != nil {
			return "", err
		}
		project, err := execStore.GetProject(ctx, task.ProjectID)
		if err != nil {
			return "", err
		}
		return project.RepoPath, nil
	}
	cleanupSched := cleanup.NewScheduler(execStore, wt, projectRepoPath, log)
	go cleanupSched.Run(ctx)
	log.Info("Started cleanup scheduler")

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(orchapi.Recovery(log), orchapi.RequestLogger(log))

	apiGroup := router.Group("/api/v1/execution")
	execapi.SetupRoutes(apiGroup, svc, execStore, tasks, log)

	taskSvc := taskservice.NewService(taskRepo, eventBus, log)
	taskGroup := router.Group("/api/v1")
	taskapi.SetupRoutes(taskGroup, taskSvc, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8084
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Execution service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Execution service stopped")
}
