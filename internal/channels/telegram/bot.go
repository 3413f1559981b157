// Package telegram delivers emergency alerts through a Telegram bot.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/gmsas95/dosewatch/internal/notify"
)

// ChannelName is the contact channel served by this package.
const ChannelName = "telegram"

// Config holds Telegram bot configuration
type Config struct {
	Token   string
	Enabled bool
}

type messageAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot sends alert messages to Telegram chats.
type Bot struct {
	api    messageAPI
	logger *zap.Logger
}

// NewBot authorizes against the Bot API.
func NewBot(cfg Config, logger *zap.Logger) (*Bot, error) {
	if !cfg.Enabled || cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot is not enabled")
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = false

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Telegram bot authorized", zap.String("username", api.Self.UserName))
	return newBot(api, logger), nil
}

func newBot(api messageAPI, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{api: api, logger: logger}
}

func (b *Bot) Channel() string { return ChannelName }

// Send delivers msg to the chat id in address.
func (b *Bot) Send(ctx context.Context, address string, msg notify.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", address, err)
	}
	_, err = b.sendMessage(chatID, "*Missed dose*\n"+msg.Text)
	return err
}

func (b *Bot) sendMessage(chatID int64, text string) (int, error) {
	m := tgbotapi.NewMessage(chatID, text)
	m.ParseMode = tgbotapi.ModeMarkdown

	sent, err := b.api.Send(m)
	if err != nil {
		// Try without markdown if it fails
		m.ParseMode = ""
		sent, err = b.api.Send(m)
		if err != nil {
			return 0, err
		}
	}
	b.logger.Debug("Telegram alert sent", zap.Int64("chat_id", chatID), zap.Int("message_id", sent.MessageID))
	return sent.MessageID, nil
}
