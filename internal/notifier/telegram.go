package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"marketpulse/pkg/logx"
)

type TelegramConfig struct {
	Token   string
	Timeout time.Duration
	// Offline skips the getMe call at construction; used by tests.
	Offline bool
}

// Telegram is a send-only Sender backed by telebot. It never polls for
// updates.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{bot: b, log: log.With(logx.String("comp", "telegram"))}, nil
}

// SendText splits text at the Telegram limit and sends each chunk in order.
func (t *Telegram) SendText(ctx context.Context, chatID int64, text, parseMode string) error {
	chat := &tele.Chat{ID: chatID}
	opt := &tele.SendOptions{DisableWebPagePreview: true}
	if parseMode != "" {
		opt.ParseMode = tele.ParseMode(parseMode)
	}
	for _, chunk := range splitText(text, telegramTextLimit, parseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// Username returns the bot's username, empty when constructed offline.
func (t *Telegram) Username() string {
	if t.bot.Me == nil {
		return ""
	}
	return t.bot.Me.Username
}
