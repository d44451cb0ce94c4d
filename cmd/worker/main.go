package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/juandastic/nutri-agent-bot/internal/agent"
	"github.com/juandastic/nutri-agent-bot/internal/config"
	"github.com/juandastic/nutri-agent-bot/internal/db"
	"github.com/juandastic/nutri-agent-bot/internal/logging"
	"github.com/juandastic/nutri-agent-bot/internal/models"
	"github.com/juandastic/nutri-agent-bot/internal/orchestrator"
	"github.com/juandastic/nutri-agent-bot/internal/redis"
	"github.com/juandastic/nutri-agent-bot/internal/sheets"
	"github.com/juandastic/nutri-agent-bot/internal/storage"
	"github.com/juandastic/nutri-agent-bot/internal/store"
	"github.com/juandastic/nutri-agent-bot/internal/telegram"
)

// deadLetter is the payload the worker pool pushes when a turn fails.
type deadLetter struct {
	Update    models.TelegramUpdate `json:"update"`
	Error     string                `json:"error"`
	Timestamp time.Time             `json:"timestamp"`
}

const replayTimeout = 3 * time.Minute

// Dead-letter replay worker: drains the failed-turn queue and runs each
// update through the orchestrator again. Idempotency keys make replays safe;
// a turn that already wrote its ledger row returns the cached reply.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_worker", "service", "nutri-agent-bot-worker")

	ctx, cancel := context.WithCancel(context.Background())

	// db may still be coming up when the worker restarts after a crash
	var dbConn *db.DB
	for i := 0; i < 5; i++ {
		dbConn, err = db.New(ctx, cfg.DBDSN)
		if err == nil {
			break
		}
		logger.Warn("db_connect_retry", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
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
	} else {
		archive = storage.NewSimulator(cfg.ArchiveBucket, cfg.ArchiveEndpoint)
	}

	orch := orchestrator.New(logger, st, redisClient, gateway, tg, mirror, archive, cfg.HistoryLimit, cfg.PublicBaseURL)

	go func() {
		stop := make(chan os.Signal, 2)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting_down")
		cancel()
	}()

	logger.Info("worker_ready")

	for {
		payload, err := redisClient.PopDeadLetter(ctx, 5*time.Second)
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("dlq_pop_failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		var dl deadLetter
		if err := json.Unmarshal([]byte(payload), &dl); err != nil {
			logger.Error("dlq_payload_invalid", "error", err)
			continue
		}

		logger.Info("replaying_turn",
			"update_id", dl.Update.UpdateID,
			"original_error", dl.Error,
			"failed_at", dl.Timestamp)

		turnCtx, turnCancel := context.WithTimeout(ctx, replayTimeout)
		if err := orch.HandleUpdate(turnCtx, dl.Update); err != nil {
			logger.Warn("replay_failed", "update_id", dl.Update.UpdateID, "error", err)
			// push back so the turn is not lost; operator can inspect via health
			if pushErr := redisClient.PushDeadLetter(turnCtx, payload); pushErr != nil {
				logger.Error("dlq_requeue_failed", "update_id", dl.Update.UpdateID, "error", pushErr)
			}
			turnCancel()
			// avoid a hot loop when the same turn keeps failing
			time.Sleep(5 * time.Second)
			continue
		}
		turnCancel()

		logger.Info("turn_replayed", "update_id", dl.Update.UpdateID)
	}

	logger.Info("worker_stopped")
}
