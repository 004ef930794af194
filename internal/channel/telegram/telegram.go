// Package telegram implements a channel.Channel over go-telegram/bot's long
// polling, grounded on the teacher's internal/channels/telegram/adapter.go
// and bot_client.go (bot.New, RegisterHandler, SendMessage), with the
// id of each accepted update recorded through channel.CursorStore (spec.md
// §4.7) instead of the teacher's per-tenant chat routing table. Connect does
// not read the recorded id back.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/pith/internal/channel"
)

const cursorKey = "telegram_update_offset"

// Config configures the Telegram connector.
type Config struct {
	Token  string
	ChatID int64 // the single chat this instance relays
	Logger *slog.Logger
	Store  channel.CursorStore
}

// Connector implements channel.Channel.
type Connector struct {
	cfg   Config
	bot   *tgbot.Bot
	log   *slog.Logger
	inbox chan channel.Incoming
}

func New(cfg Config) *Connector {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Connector{cfg: cfg, log: log.With("channel", "telegram"), inbox: make(chan channel.Incoming, 32)}
}

func (c *Connector) Name() string { return "telegram" }

func (c *Connector) Connect(ctx context.Context) error {
	opts := []tgbot.Option{
		tgbot.WithDefaultHandler(c.onUpdate),
	}
	b, err := tgbot.New(c.cfg.Token, opts...)
	if err != nil {
		return &channel.ChannelError{Channel: c.Name(), Err: err}
	}
	c.bot = b
	go b.Start(ctx)
	return nil
}

func (c *Connector) onUpdate(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	if update.Message.Chat.ID != c.cfg.ChatID {
		return
	}
	if c.cfg.Store != nil {
		_ = c.cfg.Store.SetAppState(ctx, cursorKey, strconv.Itoa(update.ID))
	}
	select {
	case c.inbox <- channel.Incoming{Text: update.Message.Text, Cursor: strconv.Itoa(update.ID)}:
	default:
		c.log.Warn("dropping telegram message, inbox full")
	}
}

func (c *Connector) Recv(ctx context.Context) (channel.Incoming, error) {
	select {
	case <-ctx.Done():
		return channel.Incoming{}, ctx.Err()
	case in := <-c.inbox:
		return in, nil
	}
}

func (c *Connector) Send(ctx context.Context, out channel.Outgoing) error {
	if c.bot == nil {
		return &channel.ChannelError{Channel: c.Name(), Err: fmt.Errorf("not connected")}
	}
	_, err := c.bot.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: c.cfg.ChatID, Text: out.Text})
	if err != nil {
		return &channel.ChannelError{Channel: c.Name(), Err: err}
	}
	return nil
}

func (c *Connector) Close() error {
	return nil
}
