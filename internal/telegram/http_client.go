package telegram

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient creates an HTTP client tuned for Bot API traffic: pooled
// connections, keep-alive, and timeouts on every stage so a stuck call can
// never hold a turn worker.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSHandshakeTimeout: 10 * time.Second,

		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		ForceAttemptHTTP2: true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}

// RetryConfig holds configuration for exponential backoff retries.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

// DefaultRetryConfig returns sensible defaults for Bot API retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// CalculateBackoff calculates the next backoff duration for a given attempt.
// When Telegram sent retry_after, that wins (slightly padded).
func CalculateBackoff(cfg RetryConfig, attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter + 500*time.Millisecond
	}

	backoff := cfg.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
			break
		}
	}

	// up to 25% jitter to avoid thundering herd on shared 429s
	if cfg.Jitter && backoff > 0 {
		jitterRange := int64(backoff) / 4
		if jitterRange > 0 {
			jitter := time.Duration((int64(attempt) * 137) % jitterRange)
			backoff += jitter
		}
	}

	return backoff
}
