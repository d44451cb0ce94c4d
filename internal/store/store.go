package store

import (
	"context"
	"errors"
	"time"

	"github.com/juandastic/nutri-agent-bot/internal/models"
)

var (
	// ErrDuplicateMessage signals a redelivered platform message id. Callers
	// treat it as a success no-op, not a failure.
	ErrDuplicateMessage = errors.New("duplicate platform message id")

	// ErrLinkCodeInvalid covers unknown, expired and already-claimed codes.
	ErrLinkCodeInvalid = errors.New("linking code invalid or expired")

	ErrNotFound = errors.New("not found")
)

type AppendMessageParams struct {
	ChatID            int64
	PlatformMessageID *int64
	Text              *string
	Role              string
	MessageType       string
	FromUserID        *int64
}

// Store is the data-access boundary: identity upserts, the append-only
// conversation log and the append-only nutrition ledger. No business logic,
// single-row writes only.
type Store interface {
	UpsertUser(ctx context.Context, externalUserID string, username, firstName *string) (models.User, error)
	UserByExternalID(ctx context.Context, externalUserID string) (models.User, error)
	UpsertChat(ctx context.Context, externalChatID string, userID *int64, chatType string) (models.Chat, error)
	ChatByExternalID(ctx context.Context, externalChatID string) (models.Chat, error)

	AppendMessage(ctx context.Context, p AppendMessageParams) (models.Message, error)
	RecentMessages(ctx context.Context, chatID int64, limit int) ([]models.Message, error)

	AppendNutritionRecord(ctx context.Context, userID int64, calories, protein, carbs, fat float64, mealType string, extraDetails *string) (models.NutritionRecord, error)
	RecentNutritionRecords(ctx context.Context, userID int64, limit int) ([]models.NutritionRecord, error)
	NutritionRecordsBetween(ctx context.Context, userID int64, from, to time.Time) ([]models.NutritionRecord, error)

	SpreadsheetConfig(ctx context.Context, userID int64) (*models.SpreadsheetConfig, error)
	SaveSpreadsheetConfig(ctx context.Context, userID int64, spreadsheetID *string, accessTokenEnc, refreshTokenEnc string) (models.SpreadsheetConfig, error)
	UpdateSpreadsheetTokens(ctx context.Context, userID int64, accessTokenEnc string, refreshTokenEnc *string) error
	UpdateSpreadsheetID(ctx context.Context, userID int64, spreadsheetID string) error

	CreateLinkingCode(ctx context.Context, code, webUserID string, email *string, ttl time.Duration) error
	ClaimLinkingCode(ctx context.Context, code string, userID int64) (models.LinkingCode, error)

	ResetUserData(ctx context.Context, userID int64) (models.ResetSummary, error)
}
