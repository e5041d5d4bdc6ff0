// internal/notify/telegram.go
package notify

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxTelegramMessage = 4096

// Telegram delivers notifications through a Telegram bot.
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram creates the Telegram channel and registers it under the
// "telegram:" prefix.
func NewTelegram(token string, registry *Registry) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	t := &Telegram{bot: bot}
	registry.Register("telegram:", t.Send)
	return t, nil
}

// Send pushes a message to the Telegram chat id in destination.
func (t *Telegram) Send(destination, message string) error {
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram destination %q: %w", destination, err)
	}
	for len(message) > 0 {
		part := message
		if len(part) > maxTelegramMessage {
			part = part[:maxTelegramMessage]
		}
		message = message[len(part):]
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}
