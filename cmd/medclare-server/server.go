package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/medclare/medclare/internal/config"
	"github.com/medclare/medclare/internal/domain/evaluation"
	"github.com/medclare/medclare/internal/domain/report"
	"github.com/medclare/medclare/internal/evidence"
	"github.com/medclare/medclare/internal/pipeline"
	"github.com/medclare/medclare/internal/platform/auth"
	"github.com/medclare/medclare/internal/platform/blobstore"
	"github.com/medclare/medclare/internal/platform/db"
	"github.com/medclare/medclare/internal/platform/llm"
	"github.com/medclare/medclare/internal/platform/middleware"
	"github.com/medclare/medclare/internal/platform/telemetry"
	"github.com/medclare/medclare/internal/platform/websocket"
)

const (
	retrievalConcurrency = 4
	poolSampleInterval   = 15 * time.Second
	shutdownTimeout      = 10 * time.Second
)

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	metrics := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "medclare",
		ServiceVersion: version,
		MetricsEnabled: cfg.MetricsEnabled,
	})

	// Storage
	var (
		store    *report.Store
		evalRepo evaluation.Repository
		locker   pipeline.RunLocker
		pool     *pgxpool.Pool
	)
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		var err error
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		store = report.NewPGStore(pool)
		evalRepo = evaluation.NewResultRepoPG(pool)
		locker = pipeline.NewPGAdvisoryRunLocker(pool, logger)
		go samplePool(ctx, pool, metrics)
	default:
		logger.Warn().Msg("using in-memory storage; data is lost on restart")
		store = report.NewMemoryStore()
		evalRepo = evaluation.NewMemoryRepository()
		locker = pipeline.NewMemoryRunLocker()
	}

	var blobs blobstore.BlobStore
	if cfg.UploadDir != "" {
		fs, err := blobstore.NewFileSystemBlobStore(cfg.UploadDir, cfg.UploadMaxBytes)
		if err != nil {
			return err
		}
		blobs = fs
	} else {
		blobs = blobstore.NewInMemoryBlobStore(cfg.UploadMaxBytes)
	}

	hub := websocket.NewHub(logger)
	hub.OnClientCount(metrics.SetWebSocketClients)

	reportSvc := report.NewService(store, blobs,
		report.WithEvents(hub),
		report.WithMetrics(metrics),
		report.WithLogger(logger),
	)

	kb, err := evidence.LoadKnowledgeBase(cfg.KnowledgeBaseFile)
	if err != nil {
		return err
	}
	stages := pipeline.Stages{Retriever: evidence.NewKeywordRetriever(kb, retrievalConcurrency)}
	if cfg.LLMEnabled() {
		client := llm.NewClient(llm.Config{
			APIKey:         cfg.LLMAPIKey,
			BaseURL:        cfg.LLMBaseURL,
			Model:          cfg.LLMModel,
			VisionModel:    cfg.LLMVisionModel,
			Title:          "medclare",
			TimeoutSeconds: cfg.LLMTimeoutSeconds,
			MaxRetries:     cfg.LLMMaxRetries,
		})
		stages.OCR = pipeline.NewDocumentReader(client)
		stages.Classifier = pipeline.NewLLMClassifier(client)
		stages.Extractor = pipeline.NewLLMExtractor(client)
		stages.Explainer = pipeline.NewLLMExplainer(client)
		logger.Info().Str("model", cfg.LLMModel).Msg("language model stages enabled")
	} else {
		logger.Info().Msg("no LLM key configured; using rule-based stages")
	}

	orch := pipeline.New(reportSvc, stages,
		pipeline.WithRunLocker(locker),
		pipeline.WithEvents(hub),
		pipeline.WithMetrics(metrics),
		pipeline.WithLogger(logger),
		pipeline.WithStageTimeout(cfg.StageTimeout),
	)
	evalSvc := evaluation.NewService(reportSvc, evalRepo,
		evaluation.WithMetrics(metrics),
		evaluation.WithLogger(logger),
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(metrics.MetricsMiddleware())
	e.Use(metrics.TracingMiddleware())
	e.Use(middleware.BodyLimit(1<<20, cfg.UploadMaxBytes))

	// Unauthenticated endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"storage": cfg.StorageDriver,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	if cfg.MetricsEnabled {
		e.GET("/metrics", metrics.PrometheusHandler())
	}

	var authMW echo.MiddlewareFunc
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().Msg("development auth enabled; callers are trusted via X-Dev-User")
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.JWTSigningKey),
		})
	}

	// The websocket connection is long-lived and must not be cut by the
	// request timeout.
	wsGroup := e.Group("", authMW)
	websocket.NewWebSocketHandler(hub, websocket.HandlerOptions{
		Authorizer:     report.NewSubscriptionAuthorizer(reportSvc),
		AllowedOrigins: cfg.CORSOrigins,
	}).RegisterRoutes(wsGroup)

	api := e.Group("", authMW, middleware.RequestTimeout(cfg.RequestTimeout))
	report.NewHandler(reportSvc, orch).RegisterRoutes(api)
	evaluation.NewHandler(evalSvc, reportSvc).RegisterRoutes(api)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.StorageDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// samplePool copies pgx pool statistics into the metrics gauges until ctx
// is done.
func samplePool(ctx context.Context, pool *pgxpool.Pool, metrics *telemetry.Provider) {
	ticker := time.NewTicker(poolSampleInterval)
	defer ticker.Stop()
	for {
		s := db.GetPoolStats(pool)
		metrics.SetDBPool(s.TotalConns, s.IdleConns, s.AcquiredConns)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
