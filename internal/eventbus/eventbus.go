// Package eventbus implements the per-session, many-subscribers-one-producer
// fan-out of spec.md §4.5: bounded per-subscriber buffers, slow-subscriber
// drop with a subscriber_lagged marker, and in-order delivery to every
// non-lagged subscriber. Grounded on the teacher's channel-of-channels
// broadcast pattern in internal/agent/runtime.go's event streaming.
package eventbus

import (
	"log/slog"
	"sync"
)

// EventType enumerates the typed events spec.md §4.6 streams over SSE.
type EventType string

const (
	EventTurnStarted       EventType = "turn_started"
	EventAssistantDelta    EventType = "assistant_delta"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallFinished  EventType = "tool_call_finished"
	EventAssistantMessage  EventType = "assistant_message"
	EventTurnFinished      EventType = "turn_finished"
	EventAppStateChanged   EventType = "app_state_changed"
	EventSubscriberLagged  EventType = "subscriber_lagged"
	EventReloadFailure     EventType = "reload_failure"
)

// Event is one published item; Seq is monotonic per session.
type Event struct {
	Type      EventType
	SessionID string
	TurnID    string
	Seq       uint64
	Payload   map[string]any
}

const subscriberBufferSize = 64

// subscriber wraps a receiving channel; closeOnce guards its single close.
type subscriber struct {
	ch        chan Event
	closeOnce sync.Once
}

// Bus fans out Events published for a session to every live subscriber.
type Bus struct {
	mu          sync.Mutex
	seqs        map[string]uint64 // per-session next seq
	subscribers map[string][]*subscriber
	log         *slog.Logger
}

func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		seqs:        make(map[string]uint64),
		subscribers: make(map[string][]*subscriber),
		log:         log.With("component", "eventbus"),
	}
}

// Subscribe registers a new listener for a session's events. The returned
// channel is closed when Unsubscribe is called or the bus itself decides to
// drop the subscriber for lag.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	// One slot beyond subscriberBufferSize is kept free for the terminal
	// subscriber_lagged event.
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize+1)}

	b.mu.Lock()
	b.subscribers[sessionID] = append(b.subscribers[sessionID], sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[sessionID]
		for i, s := range subs {
			if s == sub {
				b.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		closeOnce(sub)
	}
	return sub.ch, unsubscribe
}

// Publish delivers an event to every live subscriber of its session,
// assigning the next monotonic sequence number. A subscriber whose buffer
// already holds subscriberBufferSize events is dropped: it is sent a terminal
// subscriber_lagged event in its spare slot and its channel is closed —
// publication never blocks.
func (b *Bus) Publish(sessionID string, typ EventType, turnID string, payload map[string]any) Event {
	b.mu.Lock()
	b.seqs[sessionID]++
	seq := b.seqs[sessionID]
	ev := Event{Type: typ, SessionID: sessionID, TurnID: turnID, Seq: seq, Payload: payload}

	subs := b.subscribers[sessionID]
	var lagged []*subscriber
	var kept []*subscriber
	for _, s := range subs {
		if len(s.ch) >= subscriberBufferSize {
			lagged = append(lagged, s)
			continue
		}
		s.ch <- ev
		kept = append(kept, s)
	}
	b.subscribers[sessionID] = kept

	for _, s := range lagged {
		b.log.Warn("dropping lagged subscriber", "session_id", sessionID)
		s.ch <- Event{Type: EventSubscriberLagged, SessionID: sessionID, TurnID: turnID, Seq: seq}
		closeOnce(s)
	}
	b.mu.Unlock()
	return ev
}

func closeOnce(s *subscriber) {
	s.closeOnce.Do(func() { close(s.ch) })
}
