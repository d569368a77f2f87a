package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"schoolops/internal/jobs"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token string
	// ParseMode is passed through to the Bot API ("", "HTML", "MarkdownV2").
	ParseMode string
}

// TelegramSender is send-only: it never polls for updates.
type TelegramSender struct {
	bot       *tele.Bot
	parseMode tele.ParseMode
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if cfg.Token == "" {
		return nil, errors.New("missing telegram token")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSender{bot: b, parseMode: tele.ParseMode(cfg.ParseMode)}, nil
}

func (s *TelegramSender) Send(ctx context.Context, m Message) error {
	if m.To.Channel != ChannelTelegram {
		return jobs.NoRetry(fmt.Errorf("telegram sender got %s address", m.To.Channel))
	}
	chatID, err := strconv.ParseInt(m.To.To, 10, 64)
	if err != nil {
		return jobs.NoRetry(fmt.Errorf("telegram chat id %q: %w", m.To.To, err))
	}
	text := m.Body
	if m.Subject != "" {
		text = m.Subject + "\n\n" + m.Body
	}

	// telebot has no per-call context; run it aside and honor ctx here.
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
			ParseMode:             s.parseMode,
			DisableWebPagePreview: true,
		})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
