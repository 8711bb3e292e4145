package gateway

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// TelegramSender sends messages through the Telegram Bot API. Handles are chat ids.
type TelegramSender struct {
	api *tgbotapi.BotAPI
	log logrus.FieldLogger
}

// NewTelegramSender authenticates the bot token against Telegram.
func NewTelegramSender(token string, log logrus.FieldLogger) (*TelegramSender, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &TelegramSender{api: api, log: log}, nil
}

// NewTelegramSenderWithAPI wraps an existing BotAPI, e.g. one pointed at a test server.
func NewTelegramSenderWithAPI(api *tgbotapi.BotAPI, log logrus.FieldLogger) *TelegramSender {
	return &TelegramSender{api: api, log: log}
}

// Send implements Sender. Text is sent as Markdown; when Telegram rejects the
// markup (user-typed names may contain stray '*' or '_') it is resent as plain text.
func (t *TelegramSender) Send(_ context.Context, handle, text string, keyboard [][]string) (bool, error) {
	chatID, err := strconv.ParseInt(handle, 10, 64)
	if err != nil {
		return false, fmt.Errorf("telegram chat id %q: %w", handle, err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = replyMarkup(keyboard)

	if _, err := t.api.Send(msg); err != nil {
		t.log.WithField("identity", handle).WithError(err).Warn("telegram markdown send failed, retrying as plain text")
		msg.ParseMode = ""
		if _, err := t.api.Send(msg); err != nil {
			return false, fmt.Errorf("telegram send: %w", err)
		}
	}
	return true, nil
}

func replyMarkup(keyboard [][]string) any {
	if len(keyboard) == 0 {
		return tgbotapi.NewRemoveKeyboard(true)
	}
	rows := make([][]tgbotapi.KeyboardButton, 0, len(keyboard))
	for _, row := range keyboard {
		buttons := make([]tgbotapi.KeyboardButton, 0, len(row))
		for _, label := range row {
			buttons = append(buttons, tgbotapi.NewKeyboardButton(label))
		}
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(buttons...))
	}
	markup := tgbotapi.NewReplyKeyboard(rows...)
	markup.OneTimeKeyboard = true
	return markup
}
