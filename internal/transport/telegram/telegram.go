// Package telegram implements transport.Channel over a Telegram bot.
//
// Token-based channels have no device-linking step: Connect validates the
// token against the Bot API and reports authenticated immediately. For this
// channel kind the recipient "phone" field carries the numeric chat ID.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"wablast/internal/transport"
	"wablast/pkg/logx"
)

type Config struct {
	Token string
}

type Channel struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	bot    *tele.Bot
	events chan transport.Event
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{cfg: cfg, log: log}, nil
}

// Connect validates the bot token (Bot API getMe) and emits an authenticated
// event carrying the bot identity. The stream stays open until Disconnect.
func (c *Channel) Connect(ctx context.Context) (<-chan transport.Event, error) {
	// The dispatcher only sends; updates are never polled, but NewBot still
	// verifies the token via getMe.
	b, err := tele.NewBot(tele.Settings{
		Token:  c.cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}

	events := make(chan transport.Event, 4)
	events <- transport.Event{
		Kind: transport.EventAuthenticated,
		Identity: transport.Identity{
			Phone: strconv.FormatInt(b.Me.ID, 10),
			Name:  botName(b.Me),
		},
	}

	c.mu.Lock()
	if c.events != nil {
		close(c.events)
	}
	c.bot = b
	c.events = events
	c.mu.Unlock()

	c.log.Info("telegram bot connected", logx.String("bot", botName(b.Me)))
	return events, nil
}

func (c *Channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		c.events <- transport.Event{Kind: transport.EventDisconnected, Reason: "disconnected by operator"}
		close(c.events)
		c.events = nil
	}
	c.bot = nil
	return nil
}

func (c *Channel) SendText(ctx context.Context, phone, body string) error {
	c.mu.Lock()
	b := c.bot
	c.mu.Unlock()
	if b == nil {
		return &transport.SendError{Code: "not_connected", Reason: "telegram bot is not connected"}
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(phone), 10, 64)
	if err != nil {
		return &transport.SendError{Code: "bad_recipient", Reason: "recipient is not a numeric chat id: " + phone}
	}
	if _, err := b.Send(tele.ChatID(chatID), body); err != nil {
		return &transport.SendError{Code: "api_error", Reason: err.Error()}
	}
	return nil
}

func botName(u *tele.User) string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return u.FirstName
}
