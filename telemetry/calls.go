package telemetry

import (
	"sync"
	"time"
)

// CallEvent is one structured record per remote API call, success or failure.
// It mirrors what the status endpoint exposes: enough context to see what was
// called, how it went, and what the rate budget looked like afterwards.
type CallEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	Method          string    `json:"method"`
	Endpoint        string    `json:"endpoint"`
	Status          string    `json:"status"` // numeric code or "n/a"
	Identity        string    `json:"identity"`
	Error           string    `json:"error,omitempty"`
	BudgetLimit     int       `json:"budget_limit"`
	BudgetRemaining int       `json:"budget_remaining"`
	BudgetResetAt   time.Time `json:"budget_reset_at"`
}

// CallLog is a fixed-size ring buffer of recent call events. The socket
// transport that would stream these to a panel is an external collaborator;
// in-process consumers (the status endpoint) read the buffer.
type CallLog struct {
	mu     sync.Mutex
	events []CallEvent
	next   int
	full   bool
}

const defaultCallLogSize = 200

func NewCallLog() *CallLog {
	return &CallLog{events: make([]CallEvent, defaultCallLogSize)}
}

func (l *CallLog) Record(ev CallEvent) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.next] = ev
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
}

// Recent returns up to n events, newest first.
func (l *CallLog) Recent(n int) []CallEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	size := l.next
	if l.full {
		size = len(l.events)
	}
	if n > size {
		n = size
	}
	out := make([]CallEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.events)) % len(l.events)
		out = append(out, l.events[idx])
	}
	return out
}
