package models

import "time"

// Message roles and types as stored in the conversation log.
const (
	RoleUser = "user"
	RoleBot  = "bot"

	TypeText     = "text"
	TypePhoto    = "photo"
	TypeDocument = "document"
)

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	WebUserID      *string   `json:"web_user_id,omitempty"`
	Username       *string   `json:"username,omitempty"`
	FirstName      *string   `json:"first_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Chat struct {
	ID             int64     `json:"id"`
	ExternalChatID string    `json:"external_chat_id"`
	UserID         *int64    `json:"user_id,omitempty"` // nil for group chats
	ChatType       string    `json:"chat_type"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
}

type Message struct {
	ID                int64     `json:"id"`
	ChatID            int64     `json:"chat_id"`
	PlatformMessageID *int64    `json:"platform_message_id,omitempty"`
	Text              *string   `json:"text,omitempty"`
	Role              string    `json:"role"`
	MessageType       string    `json:"message_type"`
	FromUserID        *int64    `json:"from_user_id,omitempty"` // nil for bot messages
	CreatedAt         time.Time `json:"created_at"`
}

// NutritionRecord is append-only: corrections create new rows, never edits.
type NutritionRecord struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Calories     float64   `json:"calories"`
	Protein      float64   `json:"protein"`
	Carbs        float64   `json:"carbs"`
	Fat          float64   `json:"fat"`
	MealType     string    `json:"meal_type"`
	ExtraDetails *string   `json:"extra_details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SpreadsheetConfig links a user to their Google Sheet. Tokens are stored
// AES-256-GCM encrypted; these fields hold ciphertext.
type SpreadsheetConfig struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	SpreadsheetID   *string   `json:"spreadsheet_id,omitempty"`
	AccessTokenEnc  string    `json:"-"`
	RefreshTokenEnc string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type LinkingCode struct {
	Code      string    `json:"code"`
	WebUserID string    `json:"web_user_id"`
	Email     *string   `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ClaimedBy *int64    `json:"claimed_by,omitempty"`
}

// ResetSummary reports what /reset_account removed, per table.
type ResetSummary struct {
	MessagesDeleted  int64 `json:"messages_deleted"`
	ChatsDeleted     int64 `json:"chats_deleted"`
	ConfigsDeleted   int64 `json:"configs_deleted"`
	NutritionDeleted int64 `json:"nutrition_deleted"`
}
