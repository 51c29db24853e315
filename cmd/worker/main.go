package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"voxscore/internal/analysis"
	"voxscore/internal/config"
	"voxscore/internal/normalize"
	"voxscore/internal/notify"
	"voxscore/internal/poller"
	"voxscore/internal/queue"
	"voxscore/internal/storage"
	"voxscore/internal/worker"
	"voxscore/pkg/cache"
	"voxscore/pkg/logger"
	"voxscore/pkg/resilience"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.Log.Debug); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting voxscore worker service")

	if cfg.Postgres.DSN == "" {
		logger.Fatal("POSTGRES_DSN environment variable is required")
	}
	if cfg.RabbitMQ.URL == "" {
		logger.Fatal("RABBITMQ_URL environment variable is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.NewPostgresStorage(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redisCache, err := cache.NewRedisCache(ctx, cache.RedisOptions{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		DefaultTTL: cfg.Gateway.ResultTTL,
	})
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()

	var archive worker.ResultArchive
	if cfg.S3.Bucket != "" {
		s3Storage, err := storage.NewS3Storage(ctx, storage.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
		})
		if err != nil {
			logger.Fatal("Failed to initialize S3 storage", zap.Error(err))
		}
		archive = s3Storage
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Telegram.Token != "" {
		tn, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			logger.Fatal("Failed to create Telegram notifier", zap.Error(err))
		}
		notifier = tn
	}

	rabbitMQ, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rabbitMQ.Close()

	client := analysis.NewClient(analysis.Config{
		BaseURL:       cfg.Backend.BaseURL,
		Token:         analysis.StaticToken(cfg.Backend.Token),
		DefaultUserID: cfg.Backend.DefaultUserID,
		Timeout:       cfg.Backend.Timeout,
	})

	tracker := worker.NewTracker(
		poller.New(client),
		normalize.NewNormalizer(client),
		db,
		redisCache,
		archive,
		notifier,
		worker.Config{
			Poll: poller.Options{
				Interval:    cfg.Poll.Interval,
				MaxAttempts: cfg.Poll.MaxAttempts,
			},
			Retry:     resilience.DefaultRetryConfig(),
			ResultTTL: cfg.Gateway.ResultTTL,
		},
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Starting to consume messages from queue")
		if err := rabbitMQ.Consume(ctx, queue.QueueNameAnalysisTracking, cfg.Worker.Concurrency, tracker.HandleTask); err != nil && ctx.Err() == nil {
			logger.Error("Failed to consume messages", zap.Error(err))
		}
		cancel()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Worker service shutdown complete")
}
