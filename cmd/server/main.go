// Package main runs the scan ingest HTTP server with event streams and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/garage-scan/backend/config"
	"github.com/garage-scan/backend/internal/detector"
	"github.com/garage-scan/backend/internal/ingest"
	"github.com/garage-scan/backend/internal/middleware"
	"github.com/garage-scan/backend/internal/pipeline"
	"github.com/garage-scan/backend/internal/realtime"
	"github.com/garage-scan/backend/internal/scans"
	"github.com/garage-scan/backend/internal/session"
	"github.com/garage-scan/backend/internal/stream"
	"github.com/garage-scan/backend/pkg/database"
	"github.com/garage-scan/backend/pkg/logger"
	"github.com/garage-scan/backend/pkg/queue"
	"github.com/garage-scan/backend/pkg/redis"
	"github.com/garage-scan/backend/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// no logger config yet
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log := logger.New(cfg.Log)
	defer log.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	registry := session.NewRegistry(cfg.Ingest.Token != "", log)
	ctrl := ingest.NewController(registry, cfg.Ingest.MaxBytes, log)
	hub := realtime.NewHub(registry, log)
	sink := pipeline.NewSink(hub, ctrl, log)
	handler := stream.NewHandler(registry, ctrl, stream.NewClientConfig(cfg), log)

	// Scan history (optional)
	if cfg.Database.URL != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, log)
		if err != nil {
			log.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, log); err != nil {
			log.Fatal("migrate", zap.Error(err))
		}
		history := scans.NewHistory(scans.NewRepository(pool), log)
		sink.SetRecorder(history)
		ctrl.SetAcceptHook(history.Accepted)
		handler.SetHistory(history, history)
		log.Info("scan history enabled")
	}

	var background []func()
	if cfg.Redis.Addr != "" {
		// Detection runs in cmd/worker; results come back over Redis pub/sub.
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			log.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()

		store, err := storage.Open(ctx, s3Config(cfg), cfg.Ingest.DataDir, log)
		if err != nil {
			log.Fatal("chunk store", zap.Error(err))
		}
		ctrl.SetDispatcher(pipeline.NewQueueDispatcher(store, queue.NewQueue(rdb.Client, log), log))

		// every instance hears every result; only the owner records it
		sink.SetTombstones(registry)
		relay := realtime.NewRedisRelay(rdb.Client, log)
		relayDone := make(chan struct{})
		go func() {
			defer close(relayDone)
			if err := relay.Run(ctx, sink.Complete); err != nil {
				log.Error("result relay stopped", zap.Error(err))
			}
		}()
		background = append(background, func() { <-relayDone })
		log.Info("detection via redis queue", zap.String("queue", queue.QueueDetect))
	} else {
		bus := pipeline.NewBus(detector.New(cfg.Detector, log), sink, cfg.Ingest.DetectorWorkers, cfg.Ingest.DispatchBuffer, log)
		ctrl.SetDispatcher(bus)
		busDone := make(chan struct{})
		go func() {
			defer close(busDone)
			if err := bus.Run(ctx); err != nil {
				log.Error("detection bus stopped", zap.Error(err))
			}
		}()
		background = append(background, func() {
			<-busDone
			_ = bus.Close()
		})
		log.Info("detection in process", zap.String("detector", cfg.Detector.Kind), zap.Int("workers", cfg.Ingest.DetectorWorkers))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(log))

	router.GET("/health", handler.Health)
	stream.Register(router, handler, hub, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Closing every session ends open event streams so Shutdown can drain.
	registry.DestroyAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
	stop()
	for _, wait := range background {
		wait()
	}
	log.Info("server stopped")
}

func s3Config(cfg *config.Config) storage.S3Config {
	return storage.S3Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		ChunksBucket:    cfg.AWS.ChunksBucket,
	}
}
