package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juandastic/nutri-agent-bot/internal/models"
)

// Telegram delivers a multi-photo album as separate updates sharing a
// media_group_id. Parts are buffered in Redis; the worker that stores the
// first part waits out the window and flushes the group as a single turn.
const (
	albumWindow    = 1500 * time.Millisecond
	albumBufferTTL = 30 * time.Second
)

type albumPart struct {
	MessageID   int64  `json:"message_id"`
	Caption     string `json:"caption,omitempty"`
	PhotoFileID string `json:"photo_file_id,omitempty"`
}

func (o *Orchestrator) handleAlbumPart(ctx context.Context, msg *models.TelegramMessage) error {
	part := albumPart{
		MessageID: msg.MessageID,
		Caption:   messageText(msg),
	}
	if len(msg.Photo) > 0 {
		part.PhotoFileID = msg.Photo[len(msg.Photo)-1].FileID
	}

	payload, err := json.Marshal(part)
	if err != nil {
		return err
	}

	count, err := o.redis.AppendAlbumPart(ctx, msg.MediaGroupID, string(payload), albumBufferTTL)
	if err != nil {
		return fmt.Errorf("buffer album part: %w", err)
	}

	// Only the first part's worker owns the flush; later parts just buffer.
	if count > 1 {
		o.log.Debug("album_part_buffered", "media_group_id", msg.MediaGroupID, "count", count)
		return nil
	}

	select {
	case <-time.After(albumWindow):
	case <-ctx.Done():
		return ctx.Err()
	}

	return o.flushAlbum(ctx, msg)
}

// flushAlbum drains the buffered group and runs it as one turn, keyed by the
// first part's platform message id.
func (o *Orchestrator) flushAlbum(ctx context.Context, first *models.TelegramMessage) error {
	raw, err := o.redis.DrainAlbum(ctx, first.MediaGroupID)
	if err != nil {
		return fmt.Errorf("drain album: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	var captions []string
	req := TurnRequest{
		ExternalUserID:    strconv.FormatInt(first.From.ID, 10),
		ExternalChatID:    strconv.FormatInt(first.Chat.ID, 10),
		ChatType:          first.Chat.Type,
		Username:          optString(first.From.Username),
		FirstName:         optString(first.From.FirstName),
		PlatformMessageID: &first.MessageID,
	}

	for _, item := range raw {
		var part albumPart
		if err := json.Unmarshal([]byte(item), &part); err != nil {
			o.log.Warn("album_part_unreadable", "media_group_id", first.MediaGroupID, "error", err)
			continue
		}
		if part.Caption != "" {
			captions = append(captions, part.Caption)
		}
		if part.PhotoFileID == "" {
			continue
		}
		data, err := o.bot.DownloadPhoto(ctx, part.PhotoFileID)
		if err != nil {
			o.log.Warn("album_photo_download_failed", "media_group_id", first.MediaGroupID, "error", err)
			continue
		}
		req.Images = append(req.Images, data)
	}
	req.Text = strings.Join(captions, "\n")

	o.log.Info("album_flushed",
		"media_group_id", first.MediaGroupID,
		"parts", len(raw),
		"images", len(req.Images))

	if req.Text == "" && len(req.Images) == 0 {
		return nil
	}
	return o.runTurn(ctx, req, first.Chat.ID)
}
