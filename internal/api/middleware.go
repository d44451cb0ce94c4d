package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	goredis "github.com/redis/go-redis/v9"
)

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowed := false
		for _, allowedOrigin := range s.cfg.CORSOrigins {
			if origin == allowedOrigin || allowedOrigin == "*" {
				allowed = true
				break
			}
		}

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		clientIP := c.ClientIP()

		s.log.Info("http_request",
			"method", method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", clientIP,
		)
	}
}

// rateLimitMiddleware is a per-IP sliding window over a Redis sorted set.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		path := c.Request.URL.Path

		var limit int64 = 60 // default: 60 req/min
		window := 1 * time.Minute

		if strings.HasPrefix(path, "/api/v1/agent-answer") {
			limit = 20
		} else if strings.HasPrefix(path, "/auth/") {
			limit = 10
		}

		now := time.Now().Unix()
		windowSeconds := int64(window.Seconds())
		key := fmt.Sprintf("ratelimit:sw:%s:%s", clientIP, path)

		ctx := c.Request.Context()

		oldest := now - windowSeconds
		_ = s.redis.RDB().ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", oldest)).Err()

		count, err := s.redis.RDB().ZCard(ctx, key).Result()
		if err != nil {
			s.log.Warn("rate_limit_error", "error", err)
			c.Next()
			return
		}

		if count >= limit {
			oldestReq, _ := s.redis.RDB().ZRangeWithScores(ctx, key, 0, 0).Result()
			var retryAfter int64 = windowSeconds
			if len(oldestReq) > 0 {
				retryAfter = windowSeconds - (now - int64(oldestReq[0].Score))
				if retryAfter < 0 {
					retryAfter = 0
				}
			}

			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "rate_limited",
					"message": "too many requests",
				},
			})
			c.Abort()
			return
		}

		_ = s.redis.RDB().ZAdd(ctx, key, goredis.Z{
			Score:  float64(now),
			Member: fmt.Sprintf("%d", now),
		}).Err()
		_ = s.redis.RDB().Expire(ctx, key, window).Err()

		c.Next()
	}
}

// jwtAuthMiddleware guards the REST surface with HS256 bearer tokens.
func (s *Server) jwtAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(s.cfg.APIJWTSecret) == "" {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{
					"code":    "config_error",
					"message": "API_JWT_SECRET not configured",
				},
			})
			c.Abort()
			return
		}

		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(auth, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "unauthorized",
					"message": "missing bearer token",
				},
			})
			c.Abort()
			return
		}
		tokenString := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.APIJWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "unauthorized",
					"message": "invalid token",
				},
			})
			c.Abort()
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, _ := claims["sub"].(string); sub != "" {
				c.Set("api_subject", sub)
			}
		}

		c.Next()
	}
}
