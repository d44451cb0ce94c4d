package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/juandastic/nutri-agent-bot/internal/agent"
	"github.com/juandastic/nutri-agent-bot/internal/models"
	"github.com/juandastic/nutri-agent-bot/internal/redis"
	"github.com/juandastic/nutri-agent-bot/internal/sheets"
	"github.com/juandastic/nutri-agent-bot/internal/storage"
	"github.com/juandastic/nutri-agent-bot/internal/store"
)

var (
	// ErrIdentityResolution means the update carried no usable external ids;
	// nothing was written.
	ErrIdentityResolution = errors.New("cannot resolve user or chat identity")

	// ErrLedgerWrite means the extraction succeeded but the nutrition row
	// could not be persisted. Fatal for the turn.
	ErrLedgerWrite = errors.New("nutrition ledger write failed")
)

const (
	// how long a redelivered update treats the first delivery as still running
	turnInFlightTTL = 5 * time.Minute

	retryNotice = "I'm having trouble analyzing food right now. Please try again in a moment."

	mirrorDegradedNotice = "\n\n⚠️ Your entry is saved, but I couldn't update your Google Sheet this time."
	mirrorRelinkNotice   = "\n\n⚠️ Your entry is saved, but your Google authorization expired. Please link your account again."
)

// Agent produces either a clarifying question or a nutrition extraction for
// one conversational turn.
type Agent interface {
	ProcessTurn(ctx context.Context, history []agent.Turn, input agent.Input) (agent.Outcome, error)
}

// Mirror appends a persisted nutrition record to the user's sheet.
type Mirror interface {
	AppendRecord(ctx context.Context, userID int64, rec models.NutritionRecord) (string, error)
}

// BotClient is the outbound Telegram surface the orchestrator needs.
type BotClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMessageWithMarkup(ctx context.Context, chatID int64, text string, replyMarkup any) error
	GetFile(ctx context.Context, fileID string) (models.TelegramFile, error)
	DownloadFile(ctx context.Context, filePath string) ([]byte, error)
	DownloadPhoto(ctx context.Context, fileID string) ([]byte, error)
}

// TurnRequest is one user turn, already normalized from whatever surface it
// arrived on (webhook update, album flush, REST call).
type TurnRequest struct {
	ExternalUserID    string
	ExternalChatID    string
	ChatType          string
	Username          *string
	FirstName         *string
	PlatformMessageID *int64
	Text              string
	Images            [][]byte
}

// TurnResult carries the reply text plus what happened to the ledger.
type TurnResult struct {
	Reply     string
	Recorded  bool
	Duplicate bool
	Record    *models.NutritionRecord
}

type Orchestrator struct {
	log          *slog.Logger
	store        store.Store
	redis        *redis.Client
	agent        Agent
	bot          BotClient
	mirror       Mirror
	archive      storage.ArchiveClient
	historyLimit int

	// public origin of this deployment, used to hand out the Google
	// authorization link from inside a conversation; empty disables it
	publicBaseURL string
}

func New(log *slog.Logger, st store.Store, redisClient *redis.Client, ag Agent, bot BotClient, mirror Mirror, archive storage.ArchiveClient, historyLimit int, publicBaseURL string) *Orchestrator {
	if historyLimit < 1 {
		historyLimit = 10
	}
	if historyLimit > 100 {
		historyLimit = 100
	}
	return &Orchestrator{
		log:          log,
		store:        st,
		redis:        redisClient,
		agent:        ag,
		bot:          bot,
		mirror:       mirror,
		archive:      archive,
		historyLimit: historyLimit,

		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}
}

// ProcessTurn runs one turn end to end: identity upsert, duplicate check,
// agent call, ledger write, sheet mirror, reply caching. The returned reply
// is what the caller should deliver to the user.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if strings.TrimSpace(req.ExternalUserID) == "" || strings.TrimSpace(req.ExternalChatID) == "" {
		return TurnResult{}, ErrIdentityResolution
	}

	user, err := o.store.UpsertUser(ctx, req.ExternalUserID, req.Username, req.FirstName)
	if err != nil {
		return TurnResult{}, fmt.Errorf("upsert user: %w", err)
	}
	chatType := req.ChatType
	if chatType == "" {
		chatType = "private"
	}
	// group chat rows are not owned by any single member
	var chatOwner *int64
	if chatType == "private" || chatType == "api" {
		chatOwner = &user.ID
	}
	chat, err := o.store.UpsertChat(ctx, req.ExternalChatID, chatOwner, chatType)
	if err != nil {
		return TurnResult{}, fmt.Errorf("upsert chat: %w", err)
	}

	// History is loaded before the inbound write so the new message does not
	// appear in its own context.
	history, err := o.store.RecentMessages(ctx, chat.ID, o.historyLimit)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load history: %w", err)
	}

	msgType := models.TypeText
	if len(req.Images) > 0 {
		msgType = models.TypePhoto
	}
	var inboundText *string
	if strings.TrimSpace(req.Text) != "" {
		inboundText = &req.Text
	}

	resumed := false
	_, err = o.store.AppendMessage(ctx, store.AppendMessageParams{
		ChatID:            chat.ID,
		PlatformMessageID: req.PlatformMessageID,
		Text:              inboundText,
		Role:              models.RoleUser,
		MessageType:       msgType,
		FromUserID:        &user.ID,
	})
	switch {
	case errors.Is(err, store.ErrDuplicateMessage):
		if req.PlatformMessageID != nil {
			if cached, ok := o.redis.CachedTurnReply(ctx, req.ExternalChatID, *req.PlatformMessageID); ok {
				o.log.Info("duplicate_update_skipped",
					"external_chat_id", req.ExternalChatID,
					"had_cached_reply", true)
				return TurnResult{Duplicate: true, Reply: cached}, nil
			}
			if o.redis.TurnInFlight(ctx, req.ExternalChatID, *req.PlatformMessageID) {
				// another worker is mid-turn; stay silent instead of racing
				// it to a second extraction
				o.log.Info("duplicate_update_skipped",
					"external_chat_id", req.ExternalChatID,
					"had_cached_reply", false)
				return TurnResult{Duplicate: true}, nil
			}
		}
		// The inbound row committed but the turn never finished (no cached
		// reply, nothing in flight). No ledger row exists yet, so the turn
		// is resumed from the agent call. The history load above already
		// includes the stored inbound message; drop it from its own context.
		o.log.Info("turn_resumed",
			"external_chat_id", req.ExternalChatID,
			"chat_id", chat.ID)
		history = trimCurrentMessage(history, req.PlatformMessageID)
		resumed = true
	case err != nil:
		return TurnResult{}, fmt.Errorf("persist inbound message: %w", err)
	}

	if req.PlatformMessageID != nil {
		if err := o.redis.MarkTurnInFlight(ctx, req.ExternalChatID, *req.PlatformMessageID, turnInFlightTTL); err != nil {
			o.log.Warn("turn_inflight_mark_failed", "external_chat_id", req.ExternalChatID, "error", err)
		}
		defer func() {
			if err := o.redis.ClearTurnInFlight(ctx, req.ExternalChatID, *req.PlatformMessageID); err != nil {
				o.log.Warn("turn_inflight_clear_failed", "external_chat_id", req.ExternalChatID, "error", err)
			}
		}()
	}

	outcome, err := o.agent.ProcessTurn(ctx, toAgentHistory(history), agent.Input{
		Text:   req.Text,
		Images: req.Images,
		Tools:  &turnToolbox{orch: o, userID: user.ID, externalUserID: req.ExternalUserID},
	})
	if err != nil {
		if errors.Is(err, agent.ErrModelUnavailable) {
			o.log.Warn("model_unavailable",
				"chat_id", chat.ID,
				"user_id", user.ID,
				"error", err)
			o.persistBotMessage(ctx, chat.ID, retryNotice)
			return o.finishTurn(ctx, req, TurnResult{Reply: retryNotice}), nil
		}
		return TurnResult{}, fmt.Errorf("agent turn: %w", err)
	}

	switch outcome.Kind {
	case agent.OutcomeClarification:
		o.persistBotMessage(ctx, chat.ID, outcome.Question)
		return o.finishTurn(ctx, req, TurnResult{Reply: outcome.Question, Duplicate: resumed}), nil

	case agent.OutcomeExtraction:
		result, err := o.recordExtraction(ctx, user.ID, chat.ID, outcome.Extraction)
		if err != nil {
			return TurnResult{}, err
		}
		result.Duplicate = resumed
		o.archivePhotos(ctx, user.ID, req.Images)
		return o.finishTurn(ctx, req, result), nil

	default:
		return TurnResult{}, fmt.Errorf("agent turn: unknown outcome kind %d", outcome.Kind)
	}
}

// recordExtraction writes the ledger row, mirrors it best effort and builds
// the confirmation reply.
func (o *Orchestrator) recordExtraction(ctx context.Context, userID, chatID int64, ext agent.Extraction) (TurnResult, error) {
	var extraDetails *string
	if strings.TrimSpace(ext.ExtraDetails) != "" {
		extraDetails = &ext.ExtraDetails
	}

	rec, err := o.store.AppendNutritionRecord(ctx, userID, ext.Calories, ext.Protein, ext.Carbs, ext.Fat, ext.MealType, extraDetails)
	if err != nil {
		return TurnResult{}, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}

	reply := confirmationText(rec)

	if o.mirror != nil {
		switch _, err := o.mirror.AppendRecord(ctx, userID, rec); {
		case err == nil:
		case errors.Is(err, sheets.ErrNotLinked):
			// nothing to mirror
		case errors.Is(err, sheets.ErrAuthExpired):
			o.log.Warn("sheet_mirror_auth_expired", "user_id", userID, "record_id", rec.ID)
			reply += mirrorRelinkNotice
		default:
			o.log.Warn("sheet_mirror_failed", "user_id", userID, "record_id", rec.ID, "error", err)
			reply += mirrorDegradedNotice
		}
	}

	o.persistBotMessage(ctx, chatID, reply)

	o.log.Info("nutrition_recorded",
		"user_id", userID,
		"record_id", rec.ID,
		"meal_type", rec.MealType,
		"calories", rec.Calories)

	return TurnResult{Reply: reply, Recorded: true, Record: &rec}, nil
}

func confirmationText(rec models.NutritionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Logged %s: %.0f kcal\n", rec.MealType, rec.Calories)
	fmt.Fprintf(&b, "• Protein: %.1f g\n• Carbs: %.1f g\n• Fat: %.1f g", rec.Protein, rec.Carbs, rec.Fat)
	if rec.ExtraDetails != nil && *rec.ExtraDetails != "" {
		fmt.Fprintf(&b, "\n\n%s", *rec.ExtraDetails)
	}
	return b.String()
}

// trimCurrentMessage drops the already-persisted inbound message from the
// tail of a resumed turn's history so it does not appear in its own context.
func trimCurrentMessage(history []models.Message, platformMessageID *int64) []models.Message {
	if platformMessageID == nil || len(history) == 0 {
		return history
	}
	last := history[len(history)-1]
	if last.PlatformMessageID != nil && *last.PlatformMessageID == *platformMessageID {
		return history[:len(history)-1]
	}
	return history
}

// finishTurn caches the reply keyed by platform message id so redelivery
// returns the original text.
func (o *Orchestrator) finishTurn(ctx context.Context, req TurnRequest, result TurnResult) TurnResult {
	if req.PlatformMessageID != nil && result.Reply != "" {
		if err := o.redis.CacheTurnReply(ctx, req.ExternalChatID, *req.PlatformMessageID, result.Reply); err != nil {
			o.log.Warn("reply_cache_failed", "external_chat_id", req.ExternalChatID, "error", err)
		}
	}
	return result
}

func (o *Orchestrator) persistBotMessage(ctx context.Context, chatID int64, text string) {
	_, err := o.store.AppendMessage(ctx, store.AppendMessageParams{
		ChatID:      chatID,
		Text:        &text,
		Role:        models.RoleBot,
		MessageType: models.TypeText,
	})
	if err != nil {
		o.log.Warn("persist_bot_message_failed", "chat_id", chatID, "error", err)
	}
}

func (o *Orchestrator) archivePhotos(ctx context.Context, userID int64, images [][]byte) {
	if o.archive == nil {
		return
	}
	for _, img := range images {
		url, err := o.archive.ArchiveMealPhoto(ctx, userID, img)
		if err != nil {
			o.log.Warn("photo_archive_failed", "user_id", userID, "error", err)
			continue
		}
		o.log.Debug("photo_archived", "user_id", userID, "url", url)
	}
}

func toAgentHistory(msgs []models.Message) []agent.Turn {
	turns := make([]agent.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Text == nil {
			continue
		}
		turns = append(turns, agent.Turn{Role: m.Role, Text: *m.Text})
	}
	return turns
}
