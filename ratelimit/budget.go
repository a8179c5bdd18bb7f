// Package ratelimit tracks the Helix rate-limit budget reported back on every
// API response and decides whether a new call may be issued. Twitch reports a
// separate budget per caller identity (bot token vs broadcaster token), so the
// budget keeps one window per identity.
package ratelimit

import (
	"sync"
	"time"
)

// Identity selects which credential's budget a call draws from.
type Identity string

const (
	IdentityBot         Identity = "bot"
	IdentityBroadcaster Identity = "broadcaster"
)

// DefaultMinRemaining is the admission threshold used by recurring tasks.
// Callers stop issuing requests once the cached remaining count drops to this
// value, leaving headroom for interactive calls.
const DefaultMinRemaining = 30

// Window is the last known (limit, remaining, reset) triple for one identity.
type Window struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Budget caches per-identity rate-limit windows. The zero value is not usable;
// construct with NewBudget.
type Budget struct {
	mu      sync.Mutex
	windows map[Identity]Window
	now     func() time.Time
}

func NewBudget() *Budget {
	return &Budget{windows: make(map[Identity]Window), now: time.Now}
}

// defaultWindow is deliberately permissive so the very first call after boot
// is never blocked by a cold cache; the first response overwrites it with the
// server's real numbers.
func (b *Budget) defaultWindow() Window {
	return Window{Limit: 120, Remaining: 800, ResetAt: b.now().Add(90 * time.Second)}
}

func (b *Budget) window(id Identity) Window {
	if w, ok := b.windows[id]; ok {
		return w
	}
	return b.defaultWindow()
}

// Admit reports whether a call for the given identity may be issued.
// It returns false only when the cached remaining count is at or below
// minRemaining AND the reset time has not passed yet. Once the reset time has
// elapsed the budget has likely refreshed server-side, so admission is granted
// optimistically and the next response corrects the cache.
func (b *Budget) Admit(id Identity, minRemaining int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.window(id)
	return !(w.Remaining <= minRemaining && w.ResetAt.After(b.now()))
}

// RecordSuccess overwrites the cached window from response headers.
func (b *Budget) RecordSuccess(id Identity, limit, remaining int, resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.windows[id] = Window{Limit: limit, Remaining: remaining, ResetAt: resetAt}
}

// RecordTooManyRequests zeroes the remaining count after a 429 and records the
// server-provided reset time. The cached limit is left untouched.
func (b *Budget) RecordTooManyRequests(id Identity, resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.window(id)
	w.Remaining = 0
	w.ResetAt = resetAt
	b.windows[id] = w
}

// Snapshot returns the current window for status displays and call telemetry.
func (b *Budget) Snapshot(id Identity) Window {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window(id)
}
