// Package discord delivers emergency alerts through a Discord bot
package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/gmsas95/dosewatch/internal/notify"
)

// ChannelName is the contact channel served by this package.
const ChannelName = "discord"

// Config holds Discord bot configuration
type Config struct {
	Token   string
	Enabled bool
}

type messenger interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Bot posts alert messages to Discord channels or direct messages.
type Bot struct {
	session messenger
	logger  *zap.Logger
}

// NewBot creates a REST-only Discord session
func NewBot(cfg Config, logger *zap.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return newBot(session, logger), nil
}

func newBot(s messenger, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{session: s, logger: logger}
}

func (b *Bot) Channel() string { return ChannelName }

// Send posts msg. An address of the form "user:<id>" is delivered as a DM,
// anything else is treated as a channel id.
func (b *Bot) Send(ctx context.Context, address string, msg notify.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	channelID := strings.TrimSpace(address)
	if userID, ok := strings.CutPrefix(channelID, "user:"); ok {
		ch, err := b.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("failed to open DM channel: %w", err)
		}
		channelID = ch.ID
	}
	if channelID == "" {
		return fmt.Errorf("discord channel id is required")
	}

	if _, err := b.session.ChannelMessageSend(channelID, "**Missed dose**\n"+msg.Text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	b.logger.Debug("Discord alert sent", zap.String("channel_id", channelID))
	return nil
}
