package models

// Telegram Bot API wire types. Only the fields the bot reads are declared.

type TelegramUpdate struct {
	UpdateID      int64                  `json:"update_id"`
	Message       *TelegramMessage       `json:"message,omitempty"`
	CallbackQuery *TelegramCallbackQuery `json:"callback_query,omitempty"`
}

// TelegramCallbackQuery arrives when the user taps an inline keyboard button.
type TelegramCallbackQuery struct {
	ID      string           `json:"id"`
	From    *TelegramUser    `json:"from,omitempty"`
	Message *TelegramMessage `json:"message,omitempty"`
	Data    string           `json:"data,omitempty"`
}

type TelegramMessage struct {
	MessageID    int64               `json:"message_id"`
	From         *TelegramUser       `json:"from,omitempty"`
	Chat         *TelegramChat       `json:"chat,omitempty"`
	Date         int64               `json:"date"`
	Text         string              `json:"text,omitempty"`
	Caption      string              `json:"caption,omitempty"`
	Photo        []TelegramPhotoSize `json:"photo,omitempty"`
	Document     *TelegramDocument   `json:"document,omitempty"`
	MediaGroupID string              `json:"media_group_id,omitempty"`
}

type TelegramUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // private, group, supergroup, channel
}

// TelegramPhotoSize is one rendition of a photo; Telegram sends several sizes
// and the last entry is the largest.
type TelegramPhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

type TelegramDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type TelegramFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type TelegramBotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}
