package config

import (
	"encoding/base64"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBDSN    string
	RedisDSN string
	HTTPAddr string
	LogLevel string

	// Telegram
	BotToken      string
	WebhookSecret string

	// public https origin of this deployment (for OAuth links handed out in
	// chat); empty disables in-conversation Sheets linking
	PublicBaseURL string

	// Agent model (any OpenAI-compatible chat completions endpoint)
	ModelBaseURL string
	ModelAPIKey  string
	ModelName    string

	// Google OAuth for the spreadsheet mirror
	GoogleClientID     string
	GoogleClientSecret string

	// Photo archive (S3 / R2 compatible)
	ArchiveEndpoint string
	ArchiveBucket   string
	ArchiveRegion   string

	// raw secrets kept in-memory only; never log these
	EncryptionKeyRaw string
	EncryptionKey    []byte // decoded from EncryptionKeyRaw, 32 bytes
	APIJWTSecret     string

	CORSOrigins     []string
	HistoryLimit    int
	TurnWorkerCount int
}

func Load() (Config, error) {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := Config{
		DBDSN:              os.Getenv("DB_DSN"),
		RedisDSN:           getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		HTTPAddr:           getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:           getenvDefault("LOG_LEVEL", "info"),
		BotToken:           os.Getenv("TELEGRAM_BOT_TOKEN"),
		WebhookSecret:      os.Getenv("TELEGRAM_WEBHOOK_SECRET"),
		PublicBaseURL:      strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		ModelBaseURL:       getenvDefault("MODEL_BASE_URL", "https://api.openai.com/v1"),
		ModelAPIKey:        os.Getenv("MODEL_API_KEY"),
		ModelName:          getenvDefault("MODEL_NAME", "gpt-4o-mini"),
		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		ArchiveEndpoint:    os.Getenv("ARCHIVE_ENDPOINT"),
		ArchiveBucket:      os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:      getenvDefault("ARCHIVE_REGION", "auto"),
		APIJWTSecret:       os.Getenv("API_JWT_SECRET"),
	}

	cfg.EncryptionKeyRaw = os.Getenv("ENCRYPTION_KEY")

	if cfg.DBDSN == "" {
		return Config{}, errors.New("missing DB_DSN")
	}
	if cfg.BotToken == "" {
		return Config{}, errors.New("missing TELEGRAM_BOT_TOKEN")
	}

	// decode encryption key (base64, must be 32 bytes); required for sheet linking
	if cfg.EncryptionKeyRaw != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKeyRaw)
		if err != nil {
			return Config{}, errors.New("ENCRYPTION_KEY must be valid base64")
		}
		if len(key) != 32 {
			return Config{}, errors.New("ENCRYPTION_KEY must be 32 bytes (256 bits)")
		}
		cfg.EncryptionKey = key
	}

	corsOrigins := getenvDefault("CORS_ORIGINS", "")
	if corsOrigins != "" {
		cfg.CORSOrigins = strings.Split(corsOrigins, ",")
		for i := range cfg.CORSOrigins {
			cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
		}
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000"} // default
	}

	cfg.HistoryLimit = getenvInt("HISTORY_LIMIT", 10)
	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = 1
	}
	if cfg.HistoryLimit > 100 {
		cfg.HistoryLimit = 100
	}

	cfg.TurnWorkerCount = getenvInt("TURN_WORKER_COUNT", 8)

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
