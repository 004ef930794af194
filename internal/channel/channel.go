// Package channel defines the Channel abstraction of spec.md §4.7: a
// long-running connector that relays external messages into Runtime turns
// and relays the result back out. Grounded on the teacher's
// internal/channels/channel.go Adapter/Lifecycle/Inbound/Outbound interface
// split, collapsed into a single small interface since pith has one
// conversation per channel rather than the teacher's per-tenant routing.
package channel

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// Incoming is one message a Channel has received from its external surface.
type Incoming struct {
	Text   string
	Cursor string // opaque, channel-specific position of this message
}

// Outgoing is one message the orchestrator wants relayed back out.
type Outgoing struct {
	Text string
}

// Channel is a long-running connector spawned at server start-up
// (spec.md §4.7).
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	Recv(ctx context.Context) (Incoming, error)
	Send(ctx context.Context, out Outgoing) error
	Close() error
}

// ChannelError is the typed error spec.md §7 calls ChannelError.
type ChannelError struct {
	Channel string
	Err     error
}

func (e *ChannelError) Error() string { return "channel " + e.Channel + ": " + e.Err.Error() }
func (e *ChannelError) Unwrap() error { return e.Err }

// TurnSubmitter is the subset of the Runtime a channel needs: submit a turn
// and get back a concise textual reply. Channels depend on this narrow
// interface rather than the full Runtime so they can be tested in isolation.
type TurnSubmitter interface {
	SubmitTurnAndAwaitReply(ctx context.Context, sessionID, text string) (string, error)
}

// CursorStore is where a channel records its long-poll cursor in AppState
// (spec.md §4.7). The telegram connector writes the id of each update it
// accepts; no connector reads the value back on Connect, so a restart does
// not resume from it.
type CursorStore interface {
	GetAppState(ctx context.Context, key string) (string, bool, error)
	SetAppState(ctx context.Context, key, value string) error
}

// BackoffConfig tunes the reconnect backoff every connector shares.
type BackoffConfig struct {
	Base   time.Duration // default 1s
	Cap    time.Duration // default 60s
	Jitter float64       // fraction, default 0.2 (±20%)
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Base <= 0 {
		c.Base = time.Second
	}
	if c.Cap <= 0 {
		c.Cap = 60 * time.Second
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
	return c
}

// Backoff computes the reconnect delay for the given attempt (0-indexed),
// doubling from Base up to Cap with ±Jitter randomization.
func Backoff(cfg BackoffConfig, attempt int) time.Duration {
	cfg = cfg.withDefaults()
	delay := cfg.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > cfg.Cap {
			delay = cfg.Cap
			break
		}
	}
	jitterRange := float64(delay) * cfg.Jitter
	offset := (rand.Float64()*2 - 1) * jitterRange
	result := time.Duration(float64(delay) + offset)
	if result < 0 {
		result = 0
	}
	return result
}

// Run drives one Channel's lifecycle until ctx is cancelled: connect with
// retry/backoff, then loop recv→submit-turn→send. A Recv or Send failure
// tears down the connection and restarts the backoff sequence.
func Run(ctx context.Context, ch Channel, submitter TurnSubmitter, sessionID string, backoff BackoffConfig, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("channel", ch.Name())

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := ch.Connect(ctx); err != nil {
			delay := Backoff(backoff, attempt)
			attempt++
			log.Warn("connect failed, backing off", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}
		attempt = 0

		if err := recvLoop(ctx, ch, submitter, sessionID, log); err != nil {
			log.Warn("channel loop ended, reconnecting", "error", err)
			ch.Close()
			continue
		}
		ch.Close()
		return
	}
}

func recvLoop(ctx context.Context, ch Channel, submitter TurnSubmitter, sessionID string, log *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		in, err := ch.Recv(ctx)
		if err != nil {
			return err
		}
		reply, err := submitter.SubmitTurnAndAwaitReply(ctx, sessionID, in.Text)
		if err != nil {
			log.Warn("turn submission failed", "error", err)
			continue
		}
		if err := ch.Send(ctx, Outgoing{Text: reply}); err != nil {
			return err
		}
	}
}
