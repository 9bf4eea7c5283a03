package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier issues single-use invite links through the Bot API.
// The bot must be an administrator of every creator chat with the
// "invite users" permission.
type TelegramNotifier struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramNotifier authenticates the bot token against the Bot API.
func NewTelegramNotifier(token string) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot}, nil
}

// Username returns the bot's username.
func (t *TelegramNotifier) Username() string {
	return t.bot.Self.UserName
}

// CreateInviteLink creates a one-member invite link expiring with the subscription.
// The Bot API client has no context support; ctx is only checked before the call.
func (t *TelegramNotifier) CreateInviteLink(ctx context.Context, chatID int64, expiresAt time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cfg := tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:  tgbotapi.ChatConfig{ChatID: chatID},
		ExpireDate:  int(expiresAt.Unix()),
		MemberLimit: 1,
	}
	resp, err := t.bot.Request(cfg)
	if err != nil {
		return "", fmt.Errorf("createChatInviteLink failed: %w", err)
	}
	var link tgbotapi.ChatInviteLink
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return "", fmt.Errorf("failed to decode invite link: %w", err)
	}
	if link.InviteLink == "" {
		return "", fmt.Errorf("telegram returned an empty invite link")
	}
	return link.InviteLink, nil
}

// SendMessage sends a plain-text direct message.
func (t *TelegramNotifier) SendMessage(ctx context.Context, userID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(userID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("sendMessage failed: %w", err)
	}
	return nil
}
