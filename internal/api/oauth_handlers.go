package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/juandastic/nutri-agent-bot/internal/store"
)

const oauthStateTTL = 10 * time.Minute

func oauthRedirectURI(c *gin.Context) string {
	host := c.GetHeader("X-Forwarded-Host")
	if host == "" {
		host = c.Request.Host
	}
	scheme := c.GetHeader("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/auth/google/callback", scheme, host)
}

// authGoogle starts the Sheets linking flow. The uid query parameter is the
// Telegram user id the bot handed out with the linking instructions.
func (s *Server) authGoogle(c *gin.Context) {
	if !s.oauth.Configured() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"code": "oauth_unconfigured", "message": "Google OAuth is not configured"},
		})
		return
	}

	externalUserID := strings.TrimSpace(c.Query("uid"))
	if externalUserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "invalid_request", "message": "uid is required"},
		})
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	user, err := s.store.UserByExternalID(ctx, externalUserID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "not_found", "message": "unknown user; send the bot a message first"},
		})
		return
	}
	if err != nil {
		s.log.Error("oauth_user_lookup_failed", "external_user_id", externalUserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "user lookup failed"},
		})
		return
	}

	state := uuid.NewString()
	if err := s.redis.SaveOAuthState(ctx, state, user.ID, oauthStateTTL); err != nil {
		s.log.Error("oauth_state_save_failed", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "internal_error", "message": "could not start authorization"},
		})
		return
	}

	s.log.Info("oauth_flow_started", "user_id", user.ID)
	c.Redirect(http.StatusFound, s.oauth.AuthorizationURL(state, oauthRedirectURI(c)))
}

func (s *Server) authGoogleCallback(c *gin.Context) {
	if errParam := c.Query("error"); errParam != "" {
		s.log.Warn("oauth_denied", "error", errParam)
		oauthResultPage(c, http.StatusOK, "Authorization cancelled",
			"You declined access. You can restart the linking flow from the bot at any time.")
		return
	}

	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		oauthResultPage(c, http.StatusBadRequest, "Invalid request", "Missing state or code parameter.")
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	userID, err := s.redis.ConsumeOAuthState(ctx, state)
	if err != nil {
		s.log.Warn("oauth_state_invalid", "error", err)
		oauthResultPage(c, http.StatusBadRequest, "Link expired",
			"This authorization link has expired or was already used. Restart the flow from the bot.")
		return
	}

	accessToken, refreshToken, err := s.oauth.ExchangeCode(ctx, code, oauthRedirectURI(c))
	if err != nil {
		s.log.Error("oauth_exchange_failed", "user_id", userID, "error", err)
		oauthResultPage(c, http.StatusBadGateway, "Authorization failed",
			"Google did not accept the authorization code. Please try again.")
		return
	}

	if err := s.mirror.SaveTokens(ctx, userID, accessToken, refreshToken); err != nil {
		s.log.Error("oauth_token_save_failed", "user_id", userID, "error", err)
		oauthResultPage(c, http.StatusInternalServerError, "Authorization failed",
			"Could not save your credentials. Please try again.")
		return
	}

	s.log.Info("oauth_flow_completed", "user_id", userID)
	oauthResultPage(c, http.StatusOK, "Google Sheets connected",
		"Your account is linked. New meals will now appear in your Nutritional Log spreadsheet. You can close this tab.")
}

func oauthResultPage(c *gin.Context, status int, title, body string) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(status, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body style="font-family: sans-serif; max-width: 32em; margin: 4em auto;">
<h2>%s</h2>
<p>%s</p>
</body>
</html>
`, title, title, body)
}
