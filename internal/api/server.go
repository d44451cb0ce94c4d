package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/juandastic/nutri-agent-bot/internal/config"
	"github.com/juandastic/nutri-agent-bot/internal/orchestrator"
	"github.com/juandastic/nutri-agent-bot/internal/redis"
	"github.com/juandastic/nutri-agent-bot/internal/security"
	"github.com/juandastic/nutri-agent-bot/internal/sheets"
	"github.com/juandastic/nutri-agent-bot/internal/store"
	"github.com/juandastic/nutri-agent-bot/internal/telegram"
)

type Server struct {
	log            *slog.Logger
	cfg            config.Config
	store          store.Store
	redis          *redis.Client
	orch           *orchestrator.Orchestrator
	pool           *orchestrator.Pool
	tg             *telegram.Client
	oauth          *sheets.OAuthClient
	mirror         *sheets.Mirror
	router         *gin.Engine
	webhookLimiter *security.LimiterStore
}

func NewServer(
	log *slog.Logger,
	cfg config.Config,
	st store.Store,
	redisClient *redis.Client,
	orch *orchestrator.Orchestrator,
	pool *orchestrator.Pool,
	tg *telegram.Client,
	oauth *sheets.OAuthClient,
	mirror *sheets.Mirror,
) *Server {
	s := &Server{
		log:    log,
		cfg:    cfg,
		store:  st,
		redis:  redisClient,
		orch:   orch,
		pool:   pool,
		tg:     tg,
		oauth:  oauth,
		mirror: mirror,
		router: gin.New(),
		// Telegram is the only webhook caller; an in-process limiter keeps the
		// fast-ACK path off Redis.
		webhookLimiter: security.NewLimiterStore(rate.Limit(30), 60, 10*time.Minute),
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.loggingMiddleware())

	// Webhook and management surface, no Redis rate limit (secret-token gated).
	r.POST("/webhook", s.webhook)
	r.POST("/setup-webhook", s.setupWebhook)
	r.POST("/delete-webhook", s.deleteWebhook)
	r.POST("/setup-commands", s.setupCommands)

	// Google account linking.
	r.GET("/auth/google", s.rateLimitMiddleware(), s.authGoogle)
	r.GET("/auth/google/callback", s.rateLimitMiddleware(), s.authGoogleCallback)

	v1 := r.Group("/api/v1")
	v1.Use(s.rateLimitMiddleware())
	{
		v1.GET("/health", s.health)

		authed := v1.Group("")
		authed.Use(s.jwtAuthMiddleware())
		{
			authed.POST("/agent-answer", s.agentAnswer)
			authed.GET("/history", s.history)
			authed.GET("/nutrition", s.nutrition)
		}
	}

	// Bare liveness probe, no dependency checks.
	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}
