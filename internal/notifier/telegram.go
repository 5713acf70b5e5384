package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the Telegram gateway.
type TelegramConfig struct {
	Token  string
	ChatID int64
	// APIURL overrides the Bot API endpoint (self-hosted bot API servers).
	APIURL string
}

// TelegramGateway sends "title\nbody" messages to one chat.
type TelegramGateway struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func NewTelegram(cfg TelegramConfig) (*TelegramGateway, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	// Offline: no getMe round trip at construction; nothing here polls for updates.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramGateway{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (g *TelegramGateway) Name() string { return "telegram" }

func (g *TelegramGateway) Send(ctx context.Context, p Payload) (Ack, error) {
	type result struct {
		msg *tele.Message
		err error
	}
	// telebot has no context-aware Send; honor ctx by racing it.
	ch := make(chan result, 1)
	go func() {
		m, err := g.bot.Send(g.chat, formatText(p), &tele.SendOptions{DisableWebPagePreview: p.URL == nil})
		ch <- result{m, err}
	}()

	select {
	case <-ctx.Done():
		return Ack{}, &DeliveryError{Gateway: g.Name(), Err: ctx.Err()}
	case r := <-ch:
		if r.err != nil {
			return Ack{}, telegramError(r.err)
		}
		ack := Ack{Gateway: g.Name(), Code: 200, Message: "success", Timestamp: time.Now().Unix()}
		if r.msg != nil {
			ack.Message = fmt.Sprintf("message_id=%d", r.msg.ID)
			if r.msg.Unixtime != 0 {
				ack.Timestamp = r.msg.Unixtime
			}
		}
		return ack, nil
	}
}

func telegramError(err error) error {
	var terr *tele.Error
	if errors.As(err, &terr) {
		return &DeliveryError{Gateway: "telegram", Status: terr.Code, Code: terr.Code, Message: terr.Description, Err: err}
	}
	return &DeliveryError{Gateway: "telegram", Err: err}
}

func formatText(p Payload) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Title))
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(p.Body))
	if p.URL != nil && *p.URL != "" {
		b.WriteString("\n")
		b.WriteString(*p.URL)
	}
	return b.String()
}
