package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juandastic/nutri-agent-bot/internal/agent"
	"github.com/juandastic/nutri-agent-bot/internal/api"
	"github.com/juandastic/nutri-agent-bot/internal/config"
	"github.com/juandastic/nutri-agent-bot/internal/db"
	"github.com/juandastic/nutri-agent-bot/internal/logging"
	"github.com/juandastic/nutri-agent-bot/internal/orchestrator"
	"github.com/juandastic/nutri-agent-bot/internal/redis"
	"github.com/juandastic/nutri-agent-bot/internal/sheets"
	"github.com/juandastic/nutri-agent-bot/internal/storage"
	"github.com/juandastic/nutri-agent-bot/internal/store"
	"github.com/juandastic/nutri-agent-bot/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "nutri-agent-bot", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	if err := dbConn.Bootstrap(ctx); err != nil {
		logger.Error("db_bootstrap_failed", "error", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(cfg.RedisDSN)
	if err != nil {
		logger.Error("redis_connect_failed", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	st := store.NewPostgres(dbConn)
	tg := telegram.NewClient(logger, cfg.BotToken)
	gateway := agent.NewGateway(logger, cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.ModelName)

	oauth := sheets.NewOAuthClient(logger, cfg.GoogleClientID, cfg.GoogleClientSecret)
	if !oauth.Configured() {
		logger.Warn("google_oauth_not_configured", "msg", "sheet mirroring disabled until GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are set")
	}
	mirror := sheets.NewMirror(logger, st, oauth, cfg.EncryptionKey)

	// real archive when configured, deterministic URLs otherwise
	var archive storage.ArchiveClient
	if cfg.ArchiveEndpoint != "" && cfg.ArchiveBucket != "" {
		archive, err = storage.NewS3Client(storage.S3Config{
			Endpoint: cfg.ArchiveEndpoint,
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
		})
		if err != nil {
			logger.Error("archive_init_failed", "error", err)
			os.Exit(1)
		}
		logger.Info("archive_initialized", "bucket", cfg.ArchiveBucket)
	} else {
		archive = storage.NewSimulator(cfg.ArchiveBucket, cfg.ArchiveEndpoint)
		logger.Warn("archive_simulator_active", "msg", "meal photos will not be uploaded")
	}

	orch := orchestrator.New(logger, st, redisClient, gateway, tg, mirror, archive, cfg.HistoryLimit, cfg.PublicBaseURL)
	pool := orchestrator.NewPool(orch, 0)
	pool.StartWorkers(cfg.TurnWorkerCount)

	srv := api.NewServer(logger, cfg, st, redisClient, orch, pool, tg, oauth, mirror)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("service_ready", "addr", cfg.HTTPAddr, "workers", cfg.TurnWorkerCount)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// stop accepting webhook traffic before draining workers
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	pool.StopWorkers()
	logger.Info("turn_workers_stopped")

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	} else {
		logger.Info("redis_closed")
	}

	dbConn.Close()
	logger.Info("db_closed")

	logger.Info("service_stopped")
}
