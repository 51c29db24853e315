package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voxscore/internal/analysis"
	"voxscore/internal/capture"
	"voxscore/internal/config"
	"voxscore/internal/gateway"
	"voxscore/internal/normalize"
	"voxscore/internal/poller"
	"voxscore/internal/queue"
	"voxscore/internal/storage"
	"voxscore/pkg/cache"
	"voxscore/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	resetDB := flag.Bool("reset-db", false, "drop and recreate the analyses schema before serving (development only)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.Log.Debug); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting voxscore gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := analysis.NewClient(analysis.Config{
		BaseURL:        cfg.Backend.BaseURL,
		Token:          analysis.StaticToken(cfg.Backend.Token),
		DefaultUserID:  cfg.Backend.DefaultUserID,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		Timeout:        cfg.Backend.Timeout,
	})

	deps := gateway.Deps{
		Backend: client,
		Fetcher: normalize.NewNormalizer(client),
	}

	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCache(ctx, cache.RedisOptions{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			DefaultTTL: cfg.Gateway.ResultTTL,
		})
		if err != nil {
			logger.Warn("Redis unavailable, using in-process cache", zap.Error(err))
		} else {
			defer redisCache.Close()
			deps.Cache = redisCache
		}
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemoryCache(cfg.Gateway.ResultTTL)
	}

	if *resetDB {
		if cfg.Postgres.DSN == "" {
			logger.Fatal("-reset-db needs POSTGRES_DSN")
		}
		if err := storage.ResetMigrations(cfg.Postgres.DSN); err != nil {
			logger.Fatal("Failed to reset database", zap.Error(err))
		}
	}

	if cfg.Postgres.DSN != "" {
		db, err := storage.NewPostgresStorage(ctx, cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		deps.Store = db
	}

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
		deps.Archive = s3Storage
	}

	if cfg.RabbitMQ.URL != "" {
		rabbitMQ, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer rabbitMQ.Close()
		deps.Publisher = rabbitMQ
	}

	server := gateway.NewServer(deps, gateway.Config{
		Rules: capture.FileRules{
			AllowedExtensions: cfg.Upload.AllowedExtensions,
			MaxBytes:          cfg.Upload.MaxBytes,
			MaxDuration:       cfg.Upload.MaxDuration,
		},
		Poll: poller.Options{
			Interval:    cfg.Poll.Interval,
			MaxAttempts: cfg.Poll.MaxAttempts,
		},
		RateLimit:      cfg.Gateway.RateLimit,
		RateInterval:   cfg.Gateway.RateInterval,
		UploadsPerHour: cfg.Gateway.UploadsPerHour,
		ResultTTL:      cfg.Gateway.ResultTTL,
	})

	srv := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Gateway listening", zap.String("addr", cfg.Gateway.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Gateway shutdown complete")
}
