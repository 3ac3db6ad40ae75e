package monitor

import (
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("[alert] %s", message)
	return nil
}

// SinkFunc adapts a function to AlertSink.
type SinkFunc func(string) error

func (f SinkFunc) Send(message string) error { return f(message) }

// TelegramSink posts alerts to one chat.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink authorizes the bot token against the Telegram API.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Printf("[alert] telegram bot authorized: @%s", api.Self.UserName)
	return &TelegramSink{api: api, chatID: chatID}, nil
}

func (s *TelegramSink) Send(message string) error {
	msg := tgbotapi.NewMessage(s.chatID, message)
	if _, err := s.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
