// Package discord implements a channel.Channel over discordgo's gateway
// websocket, grounded on the teacher's internal/channels/discord/adapter.go
// (session lifecycle, MessageCreate handler, ChannelMessageSend), trimmed
// from its multi-guild routing table to a single fixed channel id —
// pith relays only its own single conversation.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/pith/internal/channel"
)

// Config configures the Discord connector.
type Config struct {
	Token     string // bot token
	ChannelID string // the single channel this instance relays
	Logger    *slog.Logger
}

// Connector implements channel.Channel.
type Connector struct {
	cfg     Config
	session *discordgo.Session
	log     *slog.Logger
	inbox   chan channel.Incoming
}

func New(cfg Config) *Connector {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Connector{cfg: cfg, log: log.With("channel", "discord"), inbox: make(chan channel.Incoming, 32)}
}

func (c *Connector) Name() string { return "discord" }

func (c *Connector) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + c.cfg.Token)
	if err != nil {
		return &channel.ChannelError{Channel: c.Name(), Err: err}
	}
	session.AddHandler(c.onMessageCreate)
	if err := session.Open(); err != nil {
		return &channel.ChannelError{Channel: c.Name(), Err: err}
	}
	c.session = session
	return nil
}

func (c *Connector) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.ChannelID != c.cfg.ChannelID {
		return
	}
	select {
	case c.inbox <- channel.Incoming{Text: m.Content, Cursor: m.ID}:
	default:
		c.log.Warn("dropping discord message, inbox full")
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
	if c.session == nil {
		return &channel.ChannelError{Channel: c.Name(), Err: fmt.Errorf("not connected")}
	}
	_, err := c.session.ChannelMessageSend(c.cfg.ChannelID, out.Text)
	if err != nil {
		return &channel.ChannelError{Channel: c.Name(), Err: err}
	}
	return nil
}

func (c *Connector) Close() error {
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}
