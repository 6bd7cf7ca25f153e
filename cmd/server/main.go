package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fable-server/internal/ai"
	"fable-server/internal/config"
	"fable-server/internal/database"
	"fable-server/internal/handler"
	"fable-server/internal/messaging"
	"fable-server/internal/repository"
	"fable-server/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("Starting fable-server", zap.String("port", cfg.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.ApplyMigrations(cfg.GetDSN(), "file://migrations", logger); err != nil {
		logger.Fatal("Failed to apply migrations", zap.Error(err))
	}
	pool, err := database.NewPool(ctx, cfg.GetDSN(), cfg.DBMaxConns, cfg.DBIdleTimeout, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	amqpConn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer amqpConn.Close()

	notifier, err := messaging.NewRabbitMQNotifier(amqpConn, cfg.TurnCommittedQueue, logger)
	if err != nil {
		logger.Fatal("Failed to create turn notifier", zap.Error(err))
	}

	aiClient, err := ai.New(ai.Config{
		APIKey:     cfg.ProviderAPIKey,
		BaseURL:    cfg.ProviderBaseURL,
		Timeout:    cfg.ProviderTimeout,
		MaxRetries: cfg.ProviderMaxRetries,
	})
	if err != nil {
		logger.Fatal("Failed to create model provider client", zap.Error(err))
	}
	steps := ai.NewSteps(aiClient, logger, cfg.NarrationBudget)

	txManager := repository.NewTransactionHelper(pool, logger)
	sessionRepo := repository.NewPgSessionRepository(logger)
	sceneRepo := repository.NewPgSceneRepository(logger)
	observationRepo := repository.NewPgObservationRepository(logger)
	actionRepo := repository.NewPgActionRepository(logger)
	relationRepo := repository.NewPgRelationRepository(logger)
	eventRepo := repository.NewPgTurnEventRepository(logger)
	resultRepo := repository.NewPgTurnResultRepository(logger)
	contentRepo := repository.NewPgContentRepository(logger)
	turnCache := repository.NewRedisTurnCache(redisClient, logger)

	turnService := service.NewTurnService(pool, txManager, sessionRepo, sceneRepo,
		observationRepo, actionRepo, relationRepo, eventRepo, resultRepo,
		turnCache, contentRepo, steps, notifier, logger)
	sessionService := service.NewSessionService(pool, txManager, sessionRepo, sceneRepo, contentRepo, logger)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	handler.NewHandler(turnService, sessionService, eventRepo, pool, logger).RegisterRoutes(engine)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server stopped", zap.Error(err))
			stop()
		}
	}()
	logger.Info("HTTP server listening", zap.String("addr", server.Addr))

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
	os.Exit(0)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
