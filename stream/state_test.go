package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/channelwatch/db"
	"github.com/onnwee/channelwatch/events"
	"github.com/onnwee/channelwatch/twitchapi"
)

type memKV struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemKV() *memKV { return &memKV{m: make(map[string]string)} }

func (k *memKV) GetKV(ctx context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.m[key], nil
}

func (k *memKV) SetKV(ctx context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

type memStats struct {
	mu   sync.Mutex
	rows []db.StreamStat
}

func (s *memStats) InsertStreamStat(ctx context.Context, st db.StreamStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, st)
	return nil
}

func (s *memStats) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func liveStream(id string, viewers int) *twitchapi.Stream {
	return &twitchapi.Stream{
		ID:          id,
		Type:        "live",
		Title:       "test stream",
		ViewerCount: viewers,
		StartedAt:   time.Now().Add(-time.Minute),
	}
}

func firedEvents(bus *events.Bus) *[]string {
	fired := &[]string{}
	for _, name := range []string{events.StreamStarted, events.StreamStopped, events.EveryXMinutesOfStream} {
		name := name
		bus.Subscribe(name, func(ctx context.Context, p events.Payload) {
			*fired = append(*fired, name)
		})
	}
	return fired
}

func TestStartTransition(t *testing.T) {
	bus := events.NewBus()
	fired := firedEvents(bus)
	m := NewMachine(newMemKV(), &memStats{}, bus, 3, nil)

	m.HandleLivePoll(context.Background(), liveStream("s1", 10))
	if !m.Online() {
		t.Fatal("machine offline after live poll")
	}
	if m.StreamID() != "s1" {
		t.Errorf("stream id = %q", m.StreamID())
	}
	if len(*fired) == 0 || (*fired)[0] != events.StreamStarted {
		t.Errorf("fired = %v, want stream-started first", *fired)
	}
	st := m.Session()
	if st.CurrentViewers != 10 || st.MaxViewers != 10 {
		t.Errorf("session = %+v", st)
	}
}

func TestDuplicateStreamIDDoesNotRestart(t *testing.T) {
	bus := events.NewBus()
	starts := 0
	bus.Subscribe(events.StreamStarted, func(ctx context.Context, p events.Payload) { starts++ })
	m := NewMachine(newMemKV(), &memStats{}, bus, 3, nil)

	ctx := context.Background()
	m.HandleLivePoll(ctx, liveStream("s1", 5))
	// Flip offline through the debounce, then the same stream id reappears.
	for i := 0; i < 4; i++ {
		m.HandleOfflinePoll(ctx)
	}
	if m.Online() {
		t.Fatal("still online after debounce exceeded")
	}
	m.HandleLivePoll(ctx, liveStream("s1", 5))
	if starts != 1 {
		t.Errorf("stream-started fired %d times, want 1 (duplicate id guard)", starts)
	}
}

func TestOfflineDebounce(t *testing.T) {
	bus := events.NewBus()
	stops := 0
	bus.Subscribe(events.StreamStopped, func(ctx context.Context, p events.Payload) { stops++ })
	m := NewMachine(newMemKV(), &memStats{}, bus, 3, nil)

	ctx := context.Background()
	m.HandleLivePoll(ctx, liveStream("s1", 5))
	for i := 0; i < 3; i++ {
		m.HandleOfflinePoll(ctx)
		if !m.Online() {
			t.Fatalf("flipped offline after %d retries, want still online", i+1)
		}
	}
	m.HandleOfflinePoll(ctx)
	if m.Online() {
		t.Fatal("still online after retries exceeded")
	}
	if stops != 1 {
		t.Errorf("stream-stopped fired %d times", stops)
	}
	if m.StreamID() != "" {
		t.Errorf("stream id not cleared: %q", m.StreamID())
	}
}

func TestLivePollResetsRetryCounter(t *testing.T) {
	m := NewMachine(newMemKV(), &memStats{}, nil, 3, nil)
	ctx := context.Background()
	m.HandleLivePoll(ctx, liveStream("s1", 5))

	// Two misses, then a confirmed live poll, then three more misses: the
	// counter restarted, so the machine stays online.
	m.HandleOfflinePoll(ctx)
	m.HandleOfflinePoll(ctx)
	m.HandleLivePoll(ctx, liveStream("s1", 6))
	for i := 0; i < 3; i++ {
		m.HandleOfflinePoll(ctx)
	}
	if !m.Online() {
		t.Error("machine flipped offline although counter was reset")
	}
}

func TestLiveUpdateTracksStatsAndSnapshots(t *testing.T) {
	stats := &memStats{}
	m := NewMachine(newMemKV(), stats, nil, 3, nil)
	ctx := context.Background()

	m.HandleLivePoll(ctx, liveStream("s1", 10))
	m.HandleLivePoll(ctx, liveStream("s1", 25))
	m.HandleLivePoll(ctx, liveStream("s1", 7))

	st := m.Session()
	if st.CurrentViewers != 7 {
		t.Errorf("current viewers = %d, want 7", st.CurrentViewers)
	}
	if st.MaxViewers != 25 {
		t.Errorf("max viewers = %d, want 25", st.MaxViewers)
	}
	if st.WatchedSeconds != (25+7)*10 {
		t.Errorf("watched seconds = %d", st.WatchedSeconds)
	}
	// Snapshots append only on routine updates, not the start transition.
	if stats.count() != 2 {
		t.Errorf("snapshots = %d, want 2", stats.count())
	}
}

func TestPeriodicEventsSkipFirstLivePoll(t *testing.T) {
	bus := events.NewBus()
	periodic := 0
	bus.Subscribe(events.EveryXMinutesOfStream, func(ctx context.Context, p events.Payload) {
		if !p.Reset {
			periodic++
		}
	})
	m := NewMachine(newMemKV(), &memStats{}, bus, 3, nil)
	ctx := context.Background()

	m.HandleLivePoll(ctx, liveStream("s1", 5)) // start transition
	m.HandleLivePoll(ctx, liveStream("s1", 5)) // first routine poll of session
	m.HandleLivePoll(ctx, liveStream("s1", 5))
	if periodic != 1 {
		t.Errorf("periodic events = %d, want 1 (first live poll suppressed)", periodic)
	}
}

func TestStartResetsSessionCounters(t *testing.T) {
	m := NewMachine(newMemKV(), &memStats{}, nil, 3, nil)
	ctx := context.Background()

	m.HandleLivePoll(ctx, liveStream("s1", 5))
	m.AddBits(500)
	m.AddTip(4.2)
	m.IncNewChatters()

	for i := 0; i < 4; i++ {
		m.HandleOfflinePoll(ctx)
	}
	m.HandleLivePoll(ctx, liveStream("s2", 3))

	st := m.Session()
	if st.CurrentBits != 0 || st.CurrentTips != 0 || st.NewChatters != 0 {
		t.Errorf("session not reset on new stream: %+v", st)
	}
}

func TestRestorePersistedState(t *testing.T) {
	kv := newMemKV()
	bus := events.NewBus()
	starts := 0
	bus.Subscribe(events.StreamStarted, func(ctx context.Context, p events.Payload) { starts++ })

	m := NewMachine(kv, &memStats{}, bus, 3, nil)
	ctx := context.Background()
	m.HandleLivePoll(ctx, liveStream("s1", 5))

	// A restarted machine sharing the kv store comes up online without
	// re-firing the start events.
	m2 := NewMachine(kv, &memStats{}, bus, 3, nil)
	m2.Restore(ctx)
	if !m2.Online() {
		t.Fatal("restored machine offline")
	}
	if m2.StreamID() != "s1" {
		t.Errorf("restored stream id = %q", m2.StreamID())
	}
	m2.HandleLivePoll(ctx, liveStream("s1", 6))
	if starts != 1 {
		t.Errorf("stream-started fired %d times across restart, want 1", starts)
	}
}

func TestHooksRunInOrder(t *testing.T) {
	m := NewMachine(newMemKV(), &memStats{}, nil, 3, nil)
	var order []string
	m.OnStreamStart(func(ctx context.Context) { order = append(order, "start-a") })
	m.OnStreamStart(func(ctx context.Context) { order = append(order, "start-b") })
	m.OnStreamEnd(func(ctx context.Context) { order = append(order, "end") })

	ctx := context.Background()
	m.HandleLivePoll(ctx, liveStream("s1", 5))
	for i := 0; i < 4; i++ {
		m.HandleOfflinePoll(ctx)
	}
	if len(order) != 3 || order[0] != "start-a" || order[1] != "start-b" || order[2] != "end" {
		t.Errorf("hook order = %v", order)
	}
}
