package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "remindd/pkg/logx"
)

// TelegramConfig maps reminder owners to Telegram chats.
type TelegramConfig struct {
	Token string
	// ChatIDs maps user_id -> telegram chat id. Users without a mapping
	// get a delivery error (surfaced as an operational event, not dropped).
	ChatIDs map[string]int64
}

// TelegramBridge delivers reminders through the Telegram Bot API.
type TelegramBridge struct {
	bot *tele.Bot
	cfg TelegramConfig
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*TelegramBridge, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return &TelegramBridge{bot: b, cfg: cfg, log: log}, nil
}

func (b *TelegramBridge) Deliver(ctx context.Context, userID, reminderID, title, body string) error {
	chatID, ok := b.cfg.ChatIDs[userID]
	if !ok {
		return deliveryErr(fmt.Errorf("no telegram chat mapped for user %s", userID))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	text := "⏰ " + title
	if strings.TrimSpace(body) != "" {
		text += "\n" + body
	}

	chat := &tele.Chat{ID: chatID}
	_, err := b.bot.Send(chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return deliveryErr(err)
	}
	b.log.Debug("telegram delivery ok",
		logx.String("user", userID),
		logx.String("reminder", reminderID),
		logx.Int64("chat", chatID),
	)
	return nil
}
