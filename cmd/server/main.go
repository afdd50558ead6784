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
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/enhancr/api/internal/auth"
	"github.com/enhancr/api/internal/client"
	"github.com/enhancr/api/internal/config"
	"github.com/enhancr/api/internal/handler"
	"github.com/enhancr/api/internal/logger"
	"github.com/enhancr/api/internal/middleware"
	"github.com/enhancr/api/internal/service"
	"github.com/enhancr/api/internal/storage"
	ws "github.com/enhancr/api/internal/websocket"
	"github.com/enhancr/api/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.Init(cfg.Server.LogLevel, cfg.Server.LogFormat, "")
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zl.Sync()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zap.L().Warn("Redis not available", zap.Error(err))
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Open the database (migrations + system default pipeline seed)
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		zap.L().Fatal("Failed to open database", zap.Error(err))
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize external clients
	aiClient := client.NewAIClient(&cfg.AI)

	// Initialize R2 client (optional - continues if not configured)
	var store client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			zap.L().Warn("R2 client not initialized", zap.Error(err))
		} else {
			store = r2Client
		}
	} else {
		zap.L().Info("R2 storage not configured, results keep provider URLs")
	}

	// Initialize Zitadel JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			zap.L().Warn("JWKS verifier not initialized", zap.Error(err))
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize services
	ledgerService := service.NewLedgerService(db, cfg.Tokens)
	pipelineService := service.NewPipelineService(db)
	jobService := service.NewJobService(db, ledgerService, pipelineService, cfg.Enhance)
	jobService.SetNotifier(hub)

	enhanceWorker := worker.NewEnhanceWorker(jobService, aiClient, store, cfg.Enhance)

	// Wire the dispatch strategy. Durable asynq by default; direct
	// in-process execution for development without Redis.
	var directExecutor *service.DirectExecutor
	switch strings.ToLower(cfg.Enhance.Executor) {
	case "direct":
		zap.L().Info("Using direct in-process job execution")
		directExecutor = service.NewDirectExecutor(enhanceWorker.Process)
		jobService.SetExecutor(directExecutor)
	default:
		jobService.SetExecutor(service.NewAsynqExecutor(asynqClient))
	}

	// Initialize handlers
	enhanceHandler := handler.NewEnhanceHandler(jobService, validate)
	pipelineHandler := handler.NewPipelineHandler(pipelineService, validate)
	tokenHandler := handler.NewTokenHandler(ledgerService, validate)

	// Initialize auth handler for ForwardAuth verification
	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	// Initialize middleware (with fallback support)
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		zap.L().Info("Gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		// Direct mode: auth is handled by the backend itself
		var authMiddleware *middleware.AuthMiddleware
		if jwksVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
		} else if jwksVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
		} else {
			authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
		}
		apiAuthMiddleware = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"ai":   aiClient.IsConfigured(),
				"r2":   store != nil,
				"auth": jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	// Enhancement routes
	enhance := api.Group("/enhance")
	enhance.Post("/start", rateLimiter.EnhanceLimit(cfg.RateLimit.EnhancePerHour), enhanceHandler.Start)
	enhance.Get("/status/:jobId", enhanceHandler.Status)
	enhance.Get("/result/:jobId", enhanceHandler.Result)
	enhance.Post("/cancel/:jobId", enhanceHandler.Cancel)
	enhance.Get("/batch/:batchId", enhanceHandler.Batch)

	// Pipeline routes
	pipelines := api.Group("/pipelines")
	pipelines.Get("/", pipelineHandler.List)
	pipelines.Post("/", rateLimiter.PipelineLimit(cfg.RateLimit.PipelinePerMin), pipelineHandler.Create)
	pipelines.Get("/:pipelineId", pipelineHandler.Get)
	pipelines.Put("/:pipelineId", rateLimiter.PipelineLimit(cfg.RateLimit.PipelinePerMin), pipelineHandler.Update)
	pipelines.Delete("/:pipelineId", rateLimiter.PipelineLimit(cfg.RateLimit.PipelinePerMin), pipelineHandler.Delete)
	pipelines.Post("/:pipelineId/fork", rateLimiter.PipelineLimit(cfg.RateLimit.PipelinePerMin), pipelineHandler.Fork)

	// Token routes
	tokens := api.Group("/tokens")
	tokens.Get("/balance", rateLimiter.BalanceLimit(cfg.RateLimit.BalancePerMin), tokenHandler.Balance)
	tokens.Get("/transactions", tokenHandler.Transactions)
	tokens.Post("/credit", tokenHandler.Credit)

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
	app.Get("/ws/batches/:batchId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("batchId"))
	}))

	// Start Asynq worker server unless jobs run in-process
	if directExecutor == nil {
		go startWorkerServer(cfg, enhanceWorker)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		zap.L().Info("Shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zap.L().Error("Server shutdown error", zap.Error(err))
		}
		if directExecutor != nil {
			directExecutor.Wait()
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	zap.L().Info("Server starting", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		zap.L().Fatal("Server error", zap.Error(err))
	}
}

func startWorkerServer(cfg *config.Config, enhanceWorker *worker.EnhanceWorker) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"enhance": 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeEnhance, enhanceWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		zap.L().Error("Asynq worker error", zap.Error(err))
	}
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
