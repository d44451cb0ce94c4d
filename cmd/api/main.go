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

// API-only binary: serves the REST surface and the OAuth callback, and runs a
// small worker pool so the webhook route still works when deployed standalone.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_api", "service", "nutri-agent-bot-api", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConn, err := db.New(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

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
	mirror := sheets.NewMirror(logger, st, oauth, cfg.EncryptionKey)

	// no uploads from the API binary
	archive := storage.NewSimulator(cfg.ArchiveBucket, cfg.ArchiveEndpoint)

	orch := orchestrator.New(logger, st, redisClient, gateway, tg, mirror, archive, cfg.HistoryLimit, cfg.PublicBaseURL)
	pool := orchestrator.NewPool(orch, 0)
	pool.StartWorkers(2)

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

	logger.Info("api_started", "addr", cfg.HTTPAddr)

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	}
	pool.StopWorkers()

	logger.Info("api_stopped")
}
