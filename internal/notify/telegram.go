package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-telegram/bot"
)

// Telegram delivers messages through the Bot API sendMessage method. The
// channel is the chat id.
type Telegram struct {
	bot *bot.Bot
}

// NewTelegram creates a sender for the bot token. An empty baseURL keeps the
// public Bot API endpoint.
func NewTelegram(token, baseURL string) (*Telegram, error) {
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(10*time.Second, &http.Client{Timeout: 10 * time.Second}),
	}
	if baseURL != "" {
		opts = append(opts, bot.WithServerURL(baseURL))
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Deliver(ctx context.Context, channel, text string) error {
	if channel == "" {
		return nil
	}
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: channel, Text: text})
	if err != nil {
		// Transport errors carry the request URL, which embeds the token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}
