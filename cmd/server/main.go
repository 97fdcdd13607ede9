package main

import (
	"context"
	"log"
	"log/slog"
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
	"github.com/redis/go-redis/v9"

	"github.com/resumeforge/api/internal/cache"
	"github.com/resumeforge/api/internal/client"
	"github.com/resumeforge/api/internal/config"
	"github.com/resumeforge/api/internal/document"
	"github.com/resumeforge/api/internal/generator"
	"github.com/resumeforge/api/internal/handler"
	"github.com/resumeforge/api/internal/middleware"
	"github.com/resumeforge/api/internal/quota"
	"github.com/resumeforge/api/internal/registry"
	"github.com/resumeforge/api/internal/repository"
	"github.com/resumeforge/api/internal/retry"
	"github.com/resumeforge/api/internal/service"
	"github.com/resumeforge/api/internal/telemetry"
	"github.com/resumeforge/api/internal/worker"
	ws "github.com/resumeforge/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(appLogger)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		appLogger.Warn("redis.unavailable", "addr", cfg.Redis.Addr, "error", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	// Optional candidate database
	var store *repository.Store
	if cfg.Postgres.DSN != "" {
		store, err = repository.New(ctx, cfg.Postgres.DSN, appLogger)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		defer store.Close()
		if cfg.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				log.Fatalf("Failed to migrate postgres: %v", err)
			}
		}
	}

	// Artifact storage: R2 when configured, Redis otherwise
	var storage client.StorageClient = client.NewRedisBlobStore(redisClient, cfg.Storage.Retention)
	r2Client, err := client.NewR2Client(&cfg.R2)
	if err != nil {
		appLogger.Info("storage.r2_disabled", "reason", err)
	} else {
		storage = r2Client
	}

	// Text generation
	var completion retry.Completion = client.MockChatClient{}
	chatClient := client.NewChatClient(&cfg.Generation)
	if chatClient.IsConfigured() {
		completion = chatClient
	} else {
		appLogger.Warn("generation.mock_client", "reason", "no API key configured")
	}
	caller := retry.NewFromConfig(completion, cfg.Retry, cfg.Generation, appLogger)
	sections := generator.NewSectionGenerator(caller)

	// Core components
	jobs := registry.New(redisClient)
	resultCache := cache.NewFingerprintCache(redisClient, cfg.Cache.TTL, appLogger)
	ledger := quota.NewLedger(redisClient, cfg.Quota.DailyPerSubject, appLogger)

	// Initialize WebSocket hub
	done := make(chan struct{})
	hub := ws.NewHub(appLogger)
	go hub.Run(done)

	workerOpts := []worker.Option{
		worker.WithQuota(ledger),
		worker.WithNotifier(hub),
		worker.WithLogger(appLogger),
	}
	serviceOpts := []service.Option{
		service.WithInspector(inspector),
		service.WithNotifier(hub),
		service.WithQueue(cfg.Worker.Queue),
		service.WithLogger(appLogger),
	}
	if store != nil {
		workerOpts = append(workerOpts, worker.WithRowUpdater(store))
		serviceOpts = append(serviceOpts, service.WithSubjects(store), service.WithRowUpdater(store))
	}

	generationWorker := worker.NewGenerationWorker(jobs, sections, document.NewEngine(), storage, resultCache, workerOpts...)
	generationService := service.NewGenerationService(jobs, resultCache, ledger, storage, asynqClient, validator.New(), serviceOpts...)
	generationHandler := handler.NewGenerationHandler(generationService, appLogger)
	rateLimiter := middleware.NewRateLimiter(redisClient, appLogger)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
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
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"generation": chatClient.IsConfigured(),
				"r2":         r2Client != nil,
				"postgres":   store != nil,
			},
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(telemetry.Handler()))

	// API routes
	api := app.Group("/api")
	generationHandler.Register(api.Group("/generations"), rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerMin))

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	// Start Asynq worker server
	srv := newWorkerServer(cfg, redisOpt, appLogger)
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeGeneration, generationWorker.ProcessTask)
	go func() {
		if err := srv.Run(mux); err != nil {
			appLogger.Error("worker.server_failed", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		appLogger.Info("server.shutting_down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			appLogger.Error("server.shutdown_failed", "error", err)
		}
		srv.Shutdown()
		close(done)
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	appLogger.Info("server.starting", "addr", addr, "env", cfg.Server.Env)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, appLogger *slog.Logger) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	errorHandler := asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
		appLogger.Warn("worker.task_failed", "type", task.Type(), "error", err)
	})

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			cfg.Worker.Queue: 1,
		},
		LogLevel:     asynqLogLevel,
		ErrorHandler: errorHandler,
	})
}

func slogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
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
