package telemetry

import (
	"sync"
	"time"
)

// UIWarning is a persistent user-facing warning (e.g. a missing OAuth scope),
// distinct from the log stream. Warnings are de-duplicated by name+message.
type UIWarning struct {
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	FirstSeen time.Time `json:"first_seen"`
}

// Warnings holds the de-duplicated warning list shown by the status endpoint.
type Warnings struct {
	mu   sync.Mutex
	list []UIWarning
	seen map[string]struct{}
}

func NewWarnings() *Warnings {
	return &Warnings{seen: make(map[string]struct{})}
}

// Add records a warning once; repeated identical warnings are ignored.
func (w *Warnings) Add(name, message string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	key := name + "\x00" + message
	if _, ok := w.seen[key]; ok {
		return
	}
	w.seen[key] = struct{}{}
	w.list = append(w.list, UIWarning{Name: name, Message: message, FirstSeen: time.Now()})
}

func (w *Warnings) List() []UIWarning {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]UIWarning, len(w.list))
	copy(out, w.list)
	return out
}
