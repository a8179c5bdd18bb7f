// Package events is a small in-process registry of named lifecycle events.
// Handlers are registered at startup and invoked synchronously in registration
// order; reconcilers and the stream state machine fire events, collaborators
// (alerts, overlays, counters) subscribe without the core knowing about them.
package events

import (
	"context"
	"log/slog"
	"sync"
)

// Well-known event names fired by the core.
const (
	StreamStarted = "stream-started"
	StreamStopped = "stream-stopped"
	Follow        = "follow"
	Unfollow      = "unfollow"
	Subscribe     = "subscribe"
	GameChanged   = "game-changed"

	// Windowed-counter events carry Reset=true on stream transitions and fire
	// plain on every live poll after the first.
	CommandSendXTimes     = "command-send-x-times"
	KeywordSendXTimes     = "keyword-send-x-times"
	EveryXMinutesOfStream = "every-x-minutes-of-stream"
	ViewersAtLeastX       = "number-of-viewers-is-at-least-x"
	StreamRunningXMinutes = "stream-is-running-x-minutes"
)

// Payload carries event data. Fields not relevant to an event are zero.
type Payload struct {
	Username string
	UserID   string
	Tier     string
	OldGame  string
	Game     string
	Reset    bool
}

type Handler func(ctx context.Context, p Payload)

// Bus maps event names to ordered handler lists. Subscribe during startup;
// Fire afterwards from the scheduler goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Fire invokes handlers in registration order. A panicking handler is logged
// and skipped so one misbehaving subscriber cannot take down a reconciliation
// pass.
func (b *Bus) Fire(ctx context.Context, name string, p Payload) {
	b.mu.RLock()
	hs := b.handlers[name]
	b.mu.RUnlock()
	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked", slog.String("event", name), slog.Any("panic", r))
				}
			}()
			h(ctx, p)
		}()
	}
}
