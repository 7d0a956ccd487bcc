// Package main runs the detector worker for the Redis queue path.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/garage-scan/backend/config"
	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/internal/realtime"
	"github.com/garage-scan/backend/internal/worker"
	"github.com/garage-scan/backend/pkg/logger"
	"github.com/garage-scan/backend/pkg/queue"
	"github.com/garage-scan/backend/pkg/redis"
	"github.com/garage-scan/backend/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log := logger.New(cfg.Log)
	defer log.Sync()

	if cfg.Redis.Addr == "" {
		log.Fatal("REDIS_ADDR is required for the worker")
	}

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		log.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	store, err := storage.Open(ctx, storage.S3Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		ChunksBucket:    cfg.AWS.ChunksBucket,
	}, cfg.Ingest.DataDir, log)
	if err != nil {
		log.Fatal("chunk store", zap.Error(err))
	}

	processor := worker.NewDetectProcessor(
		queue.NewQueue(rdb.Client, log),
		store,
		detector.New(cfg.Detector, log),
		realtime.NewRedisRelay(rdb.Client, log),
		cfg.Ingest.MaxBytes,
		log,
	)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.Run(workerCtx)
	}()
	log.Info("worker started", zap.String("detector", cfg.Detector.Kind), zap.String("queue", queue.QueueDetect))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	<-done
	log.Info("worker stopped")
}
