package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/juandastic/nutri-agent-bot/internal/models"
	"github.com/juandastic/nutri-agent-bot/internal/orchestrator"
	"github.com/juandastic/nutri-agent-bot/internal/security"
	"github.com/juandastic/nutri-agent-bot/internal/store"
)

var botCommands = []models.TelegramBotCommand{
	{Command: "start", Description: "Start chatting with the bot"},
	{Command: "link", Description: "Link your Telegram to your web account"},
	{Command: "reset_account", Description: "Reset your account data (messages, chats, configuration)"},
}

// webhook receives Telegram updates. It always answers 200 once the secret
// check passes: Telegram retries any other status forever.
func (s *Server) webhook(c *gin.Context) {
	if s.cfg.WebhookSecret != "" {
		if c.GetHeader("X-Telegram-Bot-Api-Secret-Token") != s.cfg.WebhookSecret {
			s.log.Warn("webhook_rejected", "reason", "invalid_secret_token", "client_ip", c.ClientIP())
			c.JSON(http.StatusForbidden, gin.H{"ok": false, "error": "Forbidden"})
			return
		}
	}

	if !s.webhookLimiter.Allow(security.ClientIPFromRequest(c.Request)) {
		// still 200: dropping with an error status would make Telegram hammer us
		s.log.Warn("webhook_rate_limited", "client_ip", c.ClientIP())
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "rate limited"})
		return
	}

	var update models.TelegramUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		s.log.Warn("webhook_bad_payload", "error", err)
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "bad payload"})
		return
	}

	queued := s.pool.Enqueue(update)
	s.log.Info("webhook_received", "update_id", update.UpdateID, "queued", queued)
	c.JSON(http.StatusOK, gin.H{"ok": queued})
}

// webhookURLFromRequest derives the public webhook URL from the incoming
// request, so setup works behind tunnels without extra configuration.
func webhookURLFromRequest(c *gin.Context) (string, error) {
	host := c.GetHeader("X-Forwarded-Host")
	if host == "" {
		host = c.Request.Host
	}
	if host == "" {
		return "", errors.New("cannot determine webhook URL from request headers; call this endpoint via the public URL")
	}
	scheme := c.GetHeader("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/webhook", scheme, host), nil
}

func (s *Server) setupWebhook(c *gin.Context) {
	webhookURL, err := webhookURLFromRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": err.Error()},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.tg.SetWebhook(ctx, webhookURL, s.cfg.WebhookSecret); err != nil {
		s.log.Error("webhook_setup_failed", "url", webhookURL, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"code": "telegram_error", "message": err.Error()},
		})
		return
	}

	// command registration failure does not fail webhook setup
	if err := s.tg.SetMyCommands(ctx, botCommands); err != nil {
		s.log.Warn("command_registration_failed", "error", err)
	}

	s.log.Info("webhook_set", "url", webhookURL)
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     "Webhook set successfully",
		"webhook_url": webhookURL,
	})
}

func (s *Server) deleteWebhook(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.tg.DeleteWebhook(ctx); err != nil {
		s.log.Error("webhook_delete_failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"code": "telegram_error", "message": err.Error()},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Webhook deleted successfully"})
}

func (s *Server) setupCommands(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.tg.SetMyCommands(ctx, botCommands); err != nil {
		s.log.Error("command_registration_failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"code": "telegram_error", "message": err.Error()},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Bot commands registered successfully"})
}

const maxUploadBytes = 20 << 20

// agentAnswer is the REST mirror of a Telegram turn: multipart form with the
// user's identity, optional text and optional image files.
func (s *Server) agentAnswer(c *gin.Context) {
	externalUserID := strings.TrimSpace(c.PostForm("external_user_id"))
	if externalUserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "external_user_id is required"},
		})
		return
	}

	externalChatID := strings.TrimSpace(c.PostForm("external_chat_id"))
	if externalChatID == "" {
		externalChatID = "api:" + externalUserID
	}

	req := orchestrator.TurnRequest{
		ExternalUserID: externalUserID,
		ExternalChatID: externalChatID,
		ChatType:       "api",
		Text:           c.PostForm("message_text"),
	}
	if v := strings.TrimSpace(c.PostForm("username")); v != "" {
		req.Username = &v
	}
	if v := strings.TrimSpace(c.PostForm("first_name")); v != "" {
		req.FirstName = &v
	}

	form, err := c.MultipartForm()
	if err == nil && form != nil {
		for _, fh := range form.File["images"] {
			if fh.Size > maxUploadBytes {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": gin.H{"code": "invalid_request", "message": "image too large"},
				})
				return
			}
			f, err := fh.Open()
			if err != nil {
				continue
			}
			data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
			f.Close()
			if err != nil {
				continue
			}
			req.Images = append(req.Images, data)
		}
	}

	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "message_text or images required"},
		})
		return
	}

	result, err := s.orch.ProcessTurn(c.Request.Context(), req)
	if err != nil {
		s.log.Error("agent_answer_failed", "external_user_id", externalUserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "turn_failed", "message": "could not process the message"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reply":     result.Reply,
		"recorded":  result.Recorded,
		"duplicate": result.Duplicate,
		"record":    result.Record,
	})
}

func (s *Server) history(c *gin.Context) {
	externalChatID := strings.TrimSpace(c.Query("external_chat_id"))
	if externalChatID == "" {
		if uid := strings.TrimSpace(c.Query("external_user_id")); uid != "" {
			externalChatID = "api:" + uid
		}
	}
	if externalChatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "external_chat_id or external_user_id is required"},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	chat, err := s.store.ChatByExternalID(ctx, externalChatID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"messages": []models.Message{}})
		return
	}
	if err != nil {
		s.log.Error("history_lookup_failed", "external_chat_id", externalChatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "history lookup failed"},
		})
		return
	}

	msgs, err := s.store.RecentMessages(ctx, chat.ID, clampLimit(c.Query("limit"), s.cfg.HistoryLimit))
	if err != nil {
		s.log.Error("history_query_failed", "chat_id", chat.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "history query failed"},
		})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) nutrition(c *gin.Context) {
	externalUserID := strings.TrimSpace(c.Query("external_user_id"))
	if externalUserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "external_user_id is required"},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	user, err := s.store.UserByExternalID(ctx, externalUserID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "not_found", "message": "unknown user"},
		})
		return
	}
	if err != nil {
		s.log.Error("nutrition_lookup_failed", "external_user_id", externalUserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "user lookup failed"},
		})
		return
	}

	var recs []models.NutritionRecord
	from, errFrom := time.Parse("2006-01-02", c.Query("from"))
	to, errTo := time.Parse("2006-01-02", c.Query("to"))
	if errFrom == nil && errTo == nil {
		// range is inclusive of the whole "to" day
		recs, err = s.store.NutritionRecordsBetween(ctx, user.ID, from, to.Add(24*time.Hour))
	} else {
		recs, err = s.store.RecentNutritionRecords(ctx, user.ID, clampLimit(c.Query("limit"), 20))
	}
	if err != nil {
		s.log.Error("nutrition_query_failed", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "nutrition query failed"},
		})
		return
	}
	if recs == nil {
		recs = []models.NutritionRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	redisStatus := "connected"
	if err := s.redis.RDB().Ping(ctx).Err(); err != nil {
		redisStatus = "unreachable"
	}

	dlq, _ := s.redis.DeadLetterCount(ctx)

	status := http.StatusOK
	overall := "healthy"
	if redisStatus != "connected" {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":      overall,
		"redis":       redisStatus,
		"queue_depth": s.pool.QueueDepth(),
		"dead_letter": dlq,
	})
}

func clampLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > 100 {
		n = 100
	}
	return n
}
