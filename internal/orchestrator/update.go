package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/juandastic/nutri-agent-bot/internal/models"
	"github.com/juandastic/nutri-agent-bot/internal/telegram"
)

// HandleUpdate routes one Telegram update: commands, album parts and plain
// turns. Called by the worker pool, one update end to end.
func (o *Orchestrator) HandleUpdate(ctx context.Context, update models.TelegramUpdate) error {
	if update.CallbackQuery != nil {
		return o.handleCallback(ctx, update.CallbackQuery)
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		o.log.Debug("update_skipped", "update_id", update.UpdateID)
		return nil
	}
	if msg.From.IsBot {
		return nil
	}

	if msg.MediaGroupID != "" {
		return o.handleAlbumPart(ctx, msg)
	}

	if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		return o.handleCommand(ctx, msg)
	}

	req, err := o.buildTurnRequest(ctx, msg)
	if err != nil {
		o.replyBestEffort(ctx, msg.Chat.ID, retryNotice)
		return fmt.Errorf("build turn request: %w", err)
	}
	if req.Text == "" && len(req.Images) == 0 {
		o.replyBestEffort(ctx, msg.Chat.ID,
			"Please send a description of your meal or a photo of it.")
		return nil
	}

	return o.runTurn(ctx, req, msg.Chat.ID)
}

// handleCallback feeds the inline button payload back through the agent as if
// the user had typed it.
func (o *Orchestrator) handleCallback(ctx context.Context, cb *models.TelegramCallbackQuery) error {
	if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil || cb.Data == "" {
		return nil
	}

	req := TurnRequest{
		ExternalUserID: strconv.FormatInt(cb.From.ID, 10),
		ExternalChatID: strconv.FormatInt(cb.Message.Chat.ID, 10),
		ChatType:       cb.Message.Chat.Type,
		Username:       optString(cb.From.Username),
		FirstName:      optString(cb.From.FirstName),
		Text:           cb.Data,
	}
	return o.runTurn(ctx, req, cb.Message.Chat.ID)
}

// runTurn executes the turn and delivers the reply. Delivery failure after a
// committed turn is logged, never propagated.
func (o *Orchestrator) runTurn(ctx context.Context, req TurnRequest, telegramChatID int64) error {
	result, err := o.ProcessTurn(ctx, req)
	if err != nil {
		o.replyBestEffort(ctx, telegramChatID,
			"❌ Something went wrong processing your message. Please try again later.")
		return err
	}
	if result.Reply != "" {
		o.replyBestEffort(ctx, telegramChatID, result.Reply)
	}
	return nil
}

func (o *Orchestrator) replyBestEffort(ctx context.Context, telegramChatID int64, text string) {
	if err := o.bot.SendMessage(ctx, telegramChatID, text); err != nil {
		o.log.Warn("reply_delivery_failed", "telegram_chat_id", telegramChatID, "error", err)
	}
}

// buildTurnRequest normalizes a plain message into a TurnRequest, downloading
// the photo or image document when present.
func (o *Orchestrator) buildTurnRequest(ctx context.Context, msg *models.TelegramMessage) (TurnRequest, error) {
	req := TurnRequest{
		ExternalUserID:    strconv.FormatInt(msg.From.ID, 10),
		ExternalChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		ChatType:          msg.Chat.Type,
		Username:          optString(msg.From.Username),
		FirstName:         optString(msg.From.FirstName),
		PlatformMessageID: &msg.MessageID,
		Text:              messageText(msg),
	}

	if len(msg.Photo) > 0 {
		// last rendition is the largest
		data, err := o.bot.DownloadPhoto(ctx, msg.Photo[len(msg.Photo)-1].FileID)
		if err != nil {
			return TurnRequest{}, fmt.Errorf("download photo: %w", err)
		}
		req.Images = append(req.Images, data)
	}

	if msg.Document != nil {
		if !telegram.IsImageDocument(msg.Document) {
			// non-image attachments are ignored, the caption still counts
			o.log.Debug("non_image_document_ignored",
				"mime_type", msg.Document.MimeType,
				"file_name", msg.Document.FileName)
		} else {
			data, err := o.bot.DownloadPhoto(ctx, msg.Document.FileID)
			if err != nil {
				return TurnRequest{}, fmt.Errorf("download document: %w", err)
			}
			req.Images = append(req.Images, data)
		}
	}

	return req, nil
}

func messageText(msg *models.TelegramMessage) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
