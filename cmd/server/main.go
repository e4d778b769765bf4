package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/imagebatch/internal/assets"
	"github.com/makeasinger/imagebatch/internal/batch"
	"github.com/makeasinger/imagebatch/internal/client"
	"github.com/makeasinger/imagebatch/internal/config"
	"github.com/makeasinger/imagebatch/internal/handler"
	"github.com/makeasinger/imagebatch/internal/logging"
	"github.com/makeasinger/imagebatch/internal/metrics"
	"github.com/makeasinger/imagebatch/internal/middleware"
	"github.com/makeasinger/imagebatch/internal/model"
	"github.com/makeasinger/imagebatch/internal/render"
	"github.com/makeasinger/imagebatch/internal/service"
	"github.com/makeasinger/imagebatch/internal/store/memory"
	"github.com/makeasinger/imagebatch/internal/store/postgres"
	ws "github.com/makeasinger/imagebatch/internal/websocket"
	"github.com/makeasinger/imagebatch/internal/worker"
)

// recordStore is implemented by both the Postgres and the in-memory store
type recordStore interface {
	batch.RecordStore
	batch.ResultSink
	service.BatchRecords
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logging.New(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx := context.Background()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zl.Warn("Redis not available", zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Record store: Postgres when configured, memory otherwise
	records, closeStore, err := openRecordStore(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("Failed to open record store", zap.Error(err))
	}
	defer closeStore()

	// Blob storage
	storage, err := newStorage(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("Failed to initialize storage", zap.Error(err))
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Renderer and orchestrator
	renderer, err := render.New(render.Options{
		Format:      model.OutputFormat(cfg.Render.Format),
		JPEGQuality: cfg.Render.JPEGQuality,
		Logger:      zl.Named("render"),
	})
	if err != nil {
		zl.Fatal("Failed to initialize renderer", zap.Error(err))
	}

	orchestrator, err := batch.New(batch.Config{
		PoolSize:            cfg.Render.PoolSize,
		PrefetchConcurrency: cfg.Render.PrefetchConcurrency,
		KeyPrefix:           cfg.Render.KeyPrefix,
		SkipCompleted:       cfg.Render.SkipCompleted,
	}, batch.Deps{
		Records:  records,
		Rows:     batch.NewDelimitedRowSource(storage, cfg.Render.AssetTimeout),
		Sink:     records,
		Storage:  storage,
		Renderer: renderer,
		Fetcher:  assets.NewHTTPFetcher(cfg.Render.AssetTimeout, cfg.Render.MaxAssetBytes),
		Logger:   zl.Named("batch"),
		Metrics:  m,
	})
	if err != nil {
		zl.Fatal("Failed to initialize orchestrator", zap.Error(err))
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub(zl.Named("ws"))
	go hub.Run()
	defer hub.Stop()

	// Initialize services
	batchService := service.NewBatchService(
		records,
		service.NewRedisJobStore(redisClient, cfg.Worker.Retention),
		asynqClient,
		service.QueueOptions{
			MaxRetry:  cfg.Worker.MaxRetry,
			Retention: cfg.Worker.Retention,
			Timeout:   cfg.Worker.Timeout,
		},
		zl.Named("service"),
	)

	// Initialize handlers
	batchHandler := handler.NewBatchHandler(batchService, validate)
	authHandler := handler.NewAuthHandler(cfg.JWT.Secret)

	// Initialize middleware
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		zl.Info("Gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":    redisClient.Ping(c.UserContext()).Err() == nil,
				"storage":  cfg.Storage.Driver,
				"database": cfg.Database.URL != "",
				"auth":     cfg.Gateway.Enabled || cfg.JWT.Secret != "",
			},
		})
	})

	// Prometheus
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)
	api.Post("/batches", rateLimiter.BatchLimit(cfg.RateLimit.BatchPerHour), batchHandler.Start)
	api.Get("/batches/:batchId/status", batchHandler.Status)
	api.Get("/batches/:batchId/results", batchHandler.Results)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/batches/:batchId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("batchId"))
	}))

	// Start Asynq worker server
	batchWorker := worker.NewBatchWorker(orchestrator, batchService, hub, zl.Named("worker"))
	srv := newWorkerServer(cfg, redisOpt, zl)
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeBatchRender, batchWorker.ProcessTask)
	if err := srv.Start(mux); err != nil {
		zl.Fatal("Failed to start worker server", zap.Error(err))
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		zl.Info("Shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zl.Error("Server shutdown error", zap.Error(err))
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	zl.Info("Server starting", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		zl.Error("Server error", zap.Error(err))
	}

	srv.Shutdown()
}

func openRecordStore(ctx context.Context, cfg *config.Config, zl *zap.Logger) (recordStore, func(), error) {
	if cfg.Database.URL == "" {
		zl.Info("Database not configured, using in-memory record store")
		return memory.New(), func() {}, nil
	}

	db, err := postgres.Open(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		PingTimeout:     5 * time.Second,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			zl.Warn("Failed to close database", zap.Error(err))
		}
	}
	return postgres.NewStore(db), closeDB, nil
}

func newStorage(ctx context.Context, cfg *config.Config, zl *zap.Logger) (client.StorageClient, error) {
	switch cfg.Storage.Driver {
	case config.StorageMinio:
		c, err := client.NewMinioClient(&cfg.Storage.Minio)
		if err != nil {
			return nil, err
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.EnsureBucket(ensureCtx); err != nil {
			zl.Warn("MinIO bucket not ready", zap.Error(err))
		}
		return c, nil

	case config.StorageR2:
		if cfg.Storage.R2.AccessKeyID == "" || cfg.Storage.R2.SecretAccessKey == "" {
			zl.Info("R2 storage not configured, using mock storage")
			return client.NewMockStorage(""), nil
		}
		return client.NewR2Client(&cfg.Storage.R2)
	}

	zl.Info("Using mock storage")
	return client.NewMockStorage(""), nil
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, zl *zap.Logger) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		// Each running task is one batch holding its own surface pool
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			service.QueueRender: 1,
		},
		Logger:   zl.Named("asynq").Sugar(),
		LogLevel: asynqLogLevel,
	})
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
