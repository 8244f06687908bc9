// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/pdf-manager/internal/config"
	"github.com/yourusername/pdf-manager/internal/jobs"
	"github.com/yourusername/pdf-manager/internal/logging"
	"github.com/yourusername/pdf-manager/internal/pdf"
	"github.com/yourusername/pdf-manager/internal/session"
	"github.com/yourusername/pdf-manager/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		Development: cfg.GinMode != gin.ReleaseMode,
		Level:       cfg.LogLevel,
		FilePath:    cfg.LogFile,
	})
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// app は起動時に組み立てる依存関係をまとめたものです。
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	storage  *storage.Local
	pdf      *pdf.Service
	registry *jobs.Registry
	runner   *jobs.Runner
	janitor  *jobs.Janitor
	closers  []func() error
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	gin.SetMode(cfg.GinMode)
	router, err := a.router()
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting API server", zap.String("addr", server.Addr), zap.String("mode", cfg.GinMode))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.janitor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := a.runner.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("runner shutdown: %w", err))
		}
		if err := a.registry.Flush(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("status mirror flush: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	// pdfcpu の設定ディレクトリをホームに作らない
	pdfapi.DisableConfigDir()

	local, err := storage.NewLocal(cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	svc, err := pdf.NewService(pdf.Options{
		MaxFileSize:     cfg.MaxFileSize,
		MaxPages:        cfg.MaxPages,
		MaxFiles:        cfg.MaxFiles,
		GhostscriptPath: cfg.GhostscriptPath,
		FlattenDPI:      cfg.FlattenDPI,
	}, local, logger.Named("pdf"))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, storage: local, pdf: svc}

	var store jobs.SnapshotStore
	if cfg.StatusRedisURL != "" {
		opt, err := redis.ParseURL(cfg.StatusRedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse STATUS_REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.closers = append(a.closers, rdb.Close)
		store = jobs.NewRedisStore(rdb, cfg.JobRetention())
	}

	a.registry = jobs.NewRegistry(jobs.RegistryOptions{
		Retention: cfg.JobRetention(),
		MaxJobs:   cfg.MaxJobs,
		Store:     store,
		Logger:    logger.Named("registry"),
	})
	a.registry.OnReap(svc.Release)

	if store != nil {
		recovered, err := a.registry.RecoverInterrupted(ctx)
		if err != nil {
			logger.Warn("failed to recover interrupted jobs", zap.Error(err))
		} else if recovered > 0 {
			logger.Info("marked interrupted jobs as failed", zap.Int("count", recovered))
		}
	}

	dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.runner, err = jobs.NewRunner(a.registry, dispatcher, logger.Named("runner"))
	if err != nil {
		a.close()
		return nil, err
	}

	a.janitor = jobs.NewJanitor(a.registry, jobs.JanitorOptions{
		Interval:     cfg.JobSweepInterval,
		StallTimeout: cfg.JobStallTimeout,
		Sweepers:     []jobs.SweepFunc{a.sweepWorkspaces},
		Logger:       logger,
	})
	return a, nil
}

func newDispatcher(cfg *config.Config, logger *zap.Logger) (jobs.Dispatcher, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendAsynq:
		return jobs.NewAsynqDispatcher(jobs.AsynqOptions{
			RedisURL:        cfg.QueueRedisURL,
			Concurrency:     cfg.JobConcurrency,
			ShutdownTimeout: cfg.ShutdownTimeout,
			TaskTimeout:     cfg.QueueTaskTimeout,
			Logger:          logger.Named("asynq"),
		})
	default:
		return jobs.NewGoDispatcher(cfg.JobConcurrency, logger.Named("worker")), nil
	}
}

// sweepWorkspaces は前回のプロセスが残した作業ディレクトリを削除します。
func (a *app) sweepWorkspaces(ctx context.Context, now time.Time) error {
	removed, err := a.storage.SweepOlderThan(ctx, now.Add(-a.registry.Retention()))
	if removed > 0 {
		a.logger.Info("removed orphaned workspaces", zap.Int("count", removed))
	}
	return err
}

func (a *app) close() {
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			a.logger.Warn("failed to close resource", zap.Error(err))
		}
	}
}

func (a *app) router() (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery(), logging.GinMiddleware(a.logger.Named("http")))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = a.cfg.AllowedOrigins()
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	sessionMiddleware, err := session.Middleware(session.Options{
		Secret: a.cfg.SessionSecret,
		Secure: a.cfg.GinMode == gin.ReleaseMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up session: %w", err)
	}

	router.GET("/health", handleHealth)
	setupRoutes(router.Group("/api", sessionMiddleware), a)
	return router, nil
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "pdf-manager-api",
		"version": "0.1.0",
	})
}

func setupRoutes(api *gin.RouterGroup, a *app) {
	opts := pdf.HandlerOptions{
		Submitter:   a.runner,
		OnSubmitted: recordSubmitted(a.logger),
	}

	pdfRoutes := api.Group("/pdf")
	{
		pdfRoutes.POST("/compress", pdf.CompressHandler(a.pdf, opts))
		pdfRoutes.POST("/split", pdf.SplitHandler(a.pdf, opts))
		pdfRoutes.POST("/combine", pdf.CombineHandler(a.pdf, opts))
		pdfRoutes.POST("/flatten", pdf.FlattenHandler(a.pdf, opts))
		pdfRoutes.POST("/optimize", pdf.OptimizeHandler(a.pdf, opts))
		pdfRoutes.POST("/extract", pdf.ExtractHandler(a.pdf, opts))
		pdfRoutes.POST("/inspect", pdf.InspectHandler(a.pdf))
	}

	h := &jobHandlers{
		registry:       a.registry,
		canceller:      a.runner,
		results:        a.pdf,
		reapOnDownload: a.cfg.ReapOnDownload,
		logger:         a.logger.Named("jobs"),
	}
	jobRoutes := api.Group("/jobs")
	{
		jobRoutes.GET("", h.list)
		jobRoutes.GET("/:id", h.status)
		jobRoutes.POST("/:id/cancel", h.cancel)
		jobRoutes.GET("/:id/download", h.download)
	}
}
