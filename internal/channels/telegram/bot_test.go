package telegram

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmsas95/dosewatch/internal/notify"
)

type fakeAPI struct {
	sent         []tgbotapi.MessageConfig
	failMarkdown bool
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m := c.(tgbotapi.MessageConfig)
	f.sent = append(f.sent, m)
	if f.failMarkdown && m.ParseMode != "" {
		return tgbotapi.Message{}, errors.New("can't parse entities")
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func TestSend(t *testing.T) {
	api := &fakeAPI{}
	bot := newBot(api, nil)

	err := bot.Send(context.Background(), "12345", notify.Message{Text: "Hello Ana, Bob missed a dose of Paracetamol."})
	require.NoError(t, err)
	require.Len(t, api.sent, 1)
	assert.Equal(t, int64(12345), api.sent[0].ChatID)
	assert.Contains(t, api.sent[0].Text, "Paracetamol")
	assert.Equal(t, "telegram", bot.Channel())
}

func TestSendFallsBackToPlainText(t *testing.T) {
	api := &fakeAPI{failMarkdown: true}
	bot := newBot(api, nil)

	require.NoError(t, bot.Send(context.Background(), "7", notify.Message{Text: "x_y"}))
	require.Len(t, api.sent, 2)
	assert.Equal(t, "", api.sent[1].ParseMode)
}

func TestSendInvalidChatID(t *testing.T) {
	bot := newBot(&fakeAPI{}, nil)
	assert.Error(t, bot.Send(context.Background(), "not-a-number", notify.Message{}))
}

func TestNewBotDisabled(t *testing.T) {
	_, err := NewBot(Config{}, nil)
	assert.Error(t, err)
}
