// Package slack implements a channel.Channel over Slack's Socket Mode,
// grounded on the teacher's internal/channels/slack/clients.go
// (slack.Client + socketmode.Client, Events() channel, PostMessage),
// trimmed to a single fixed channel — pith relays only its own conversation.
package slack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/pith/internal/channel"
)

// Config configures the Slack connector.
type Config struct {
	BotToken string
	AppToken string
	ChannelID string
	Logger    *slog.Logger
}

// Connector implements channel.Channel.
type Connector struct {
	cfg    Config
	api    *slack.Client
	sm     *socketmode.Client
	log    *slog.Logger
	inbox  chan channel.Incoming
	cancel context.CancelFunc
}

func New(cfg Config) *Connector {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Connector{cfg: cfg, log: log.With("channel", "slack"), inbox: make(chan channel.Incoming, 32)}
}

func (c *Connector) Name() string { return "slack" }

func (c *Connector) Connect(ctx context.Context) error {
	api := slack.New(c.cfg.BotToken, slack.OptionAppLevelToken(c.cfg.AppToken))
	sm := socketmode.New(api)
	c.api = api
	c.sm = sm

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.eventLoop(runCtx)
	go func() {
		if err := sm.RunContext(runCtx); err != nil {
			c.log.Warn("socket mode run ended", "error", err)
		}
	}()
	return nil
}

func (c *Connector) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.sm.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				payload, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				c.sm.Ack(*evt.Request)
				c.handleEventsAPI(payload)
			}
		}
	}
}

func (c *Connector) handleEventsAPI(payload slackevents.EventsAPIEvent) {
	inner, ok := payload.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if inner.Channel != c.cfg.ChannelID || inner.BotID != "" {
		return
	}
	select {
	case c.inbox <- channel.Incoming{Text: inner.Text, Cursor: inner.TimeStamp}:
	default:
		c.log.Warn("dropping slack message, inbox full")
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
	if c.api == nil {
		return &channel.ChannelError{Channel: c.Name(), Err: fmt.Errorf("not connected")}
	}
	_, _, err := c.api.PostMessageContext(ctx, c.cfg.ChannelID, slack.MsgOptionText(out.Text, false))
	if err != nil {
		return &channel.ChannelError{Channel: c.Name(), Err: err}
	}
	return nil
}

func (c *Connector) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}
