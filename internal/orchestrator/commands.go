package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/juandastic/nutri-agent-bot/internal/models"
	"github.com/juandastic/nutri-agent-bot/internal/store"
)

const welcomeText = "Welcome to NutriAgentBot! 👋\n\n" +
	"I'm here to help you analyze your food and provide nutritional insights.\n\n" +
	"Please select your preferred language:"

// handleCommand dispatches bot commands. Commands bypass the agent entirely.
func (o *Orchestrator) handleCommand(ctx context.Context, msg *models.TelegramMessage) error {
	user, err := o.store.UpsertUser(ctx,
		strconv.FormatInt(msg.From.ID, 10),
		optString(msg.From.Username),
		optString(msg.From.FirstName))
	if err != nil {
		o.replyBestEffort(ctx, msg.Chat.ID,
			"❌ An error occurred while processing your command. Please try again later.")
		return fmt.Errorf("upsert user for command: %w", err)
	}

	parts := strings.Fields(msg.Text)
	command := strings.ToLower(parts[0])
	// group chats address commands as /command@botname
	if at := strings.Index(command, "@"); at > 0 {
		command = command[:at]
	}

	o.log.Info("command_received", "command", command, "user_id", user.ID)

	switch command {
	case "/start":
		return o.commandStart(ctx, msg.Chat.ID)
	case "/reset_account":
		o.replyBestEffort(ctx, msg.Chat.ID, o.commandReset(ctx, user.ID))
		return nil
	case "/link", "/linkweb":
		var code string
		if len(parts) > 1 {
			code = parts[1]
		}
		o.replyBestEffort(ctx, msg.Chat.ID, o.commandLink(ctx, user.ID, code))
		return nil
	default:
		o.replyBestEffort(ctx, msg.Chat.ID, unknownCommandText(command))
		return nil
	}
}

func (o *Orchestrator) commandStart(ctx context.Context, telegramChatID int64) error {
	markup := map[string]any{
		"inline_keyboard": [][]map[string]string{{
			{
				"text":          "English",
				"callback_data": "Welcome me in English, explain me how it works",
			},
			{
				"text":          "Español",
				"callback_data": "Dame la bienvenida en español, explicame como funciona",
			},
		}},
	}
	if err := o.bot.SendMessageWithMarkup(ctx, telegramChatID, welcomeText, markup); err != nil {
		o.log.Warn("welcome_delivery_failed", "telegram_chat_id", telegramChatID, "error", err)
	}
	return nil
}

func (o *Orchestrator) commandReset(ctx context.Context, userID int64) string {
	summary, err := o.store.ResetUserData(ctx, userID)
	if err != nil {
		o.log.Error("account_reset_failed", "user_id", userID, "error", err)
		return "❌ An error occurred while resetting your account. Please try again later."
	}

	o.log.Info("account_reset",
		"user_id", userID,
		"messages_deleted", summary.MessagesDeleted,
		"nutrition_deleted", summary.NutritionDeleted)

	return fmt.Sprintf(
		"✅ Account reset completed successfully!\n\n"+
			"• Messages deleted: %d\n"+
			"• Chats deleted: %d\n"+
			"• Configuration deleted: %d\n"+
			"• Nutritional records deleted: %d\n\n"+
			"You can now start fresh and configure your account again.",
		summary.MessagesDeleted, summary.ChatsDeleted, summary.ConfigsDeleted, summary.NutritionDeleted)
}

func (o *Orchestrator) commandLink(ctx context.Context, userID int64, code string) string {
	if code == "" {
		return "🔗 Link Web Account\n\n" +
			"To link your Telegram account with your web account:\n\n" +
			"1. Go to your account settings on the web\n" +
			"2. Click 'Link Telegram'\n" +
			"3. Copy the code shown\n" +
			"4. Send: /link YOUR_CODE\n\n" +
			"Example: /link A7K9M2X4"
	}

	claimed, err := o.store.ClaimLinkingCode(ctx, code, userID)
	if errors.Is(err, store.ErrLinkCodeInvalid) {
		return "❌ That code is invalid, expired or already used. Please generate a new one from the web."
	}
	if err != nil {
		o.log.Error("link_claim_failed", "user_id", userID, "error", err)
		return "❌ An error occurred while linking your account. Please try again."
	}

	o.log.Info("account_linked", "user_id", userID, "web_user_id", claimed.WebUserID)

	reply := "✅ Account Linked Successfully!\n\n"
	if claimed.Email != nil {
		reply += fmt.Sprintf("Email: %s\n\n", *claimed.Email)
	}
	reply += "Your Telegram and Web accounts are now unified! 🎉"
	return reply
}

func unknownCommandText(command string) string {
	return fmt.Sprintf(
		"Unknown command: %s\n\n"+
			"Available commands:\n"+
			"• /start - Start chatting with the bot\n"+
			"• /link CODE - Link your Telegram to your web account\n"+
			"• /reset_account - Reset your account data",
		command)
}
