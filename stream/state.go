// Package stream tracks the channel's live session: the offline/online state
// machine with its debounce, the per-session counters, and the title/game
// synchronization.
package stream

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/channelwatch/db"
	"github.com/onnwee/channelwatch/events"
	"github.com/onnwee/channelwatch/telemetry"
	"github.com/onnwee/channelwatch/twitchapi"
)

// DefaultMaxOfflineRetries is how many consecutive empty polls are tolerated
// before the machine flips offline. Helix occasionally drops a live stream
// from the payload for a tick or two.
const DefaultMaxOfflineRetries = 3

const (
	kvOnline      = "stream:online"
	kvChangeSince = "stream:status_change_since"
	kvStreamID    = "stream:id"
)

// KVStore persists machine state across restarts.
type KVStore interface {
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
}

// StatWriter appends per-tick snapshot rows.
type StatWriter interface {
	InsertStreamStat(ctx context.Context, st db.StreamStat) error
}

// Hook runs at the start or end of a stream session, in registration order.
type Hook func(ctx context.Context)

// Stats is the running session counters. Everything resets on stream start.
type Stats struct {
	CurrentViewers     int     `json:"current_viewers"`
	MaxViewers         int     `json:"max_viewers"`
	CurrentFollowers   int     `json:"current_followers"`
	CurrentSubscribers int     `json:"current_subscribers"`
	CurrentBits        int64   `json:"current_bits"`
	CurrentTips        float64 `json:"current_tips"`
	NewChatters        int     `json:"new_chatters"`
	WatchedSeconds     int64   `json:"watched_seconds"`
}

// Machine is the offline/online state machine fed by the streams poll.
type Machine struct {
	kv    KVStore
	stats StatWriter
	bus   *events.Bus

	maxOfflineRetries int
	now               func() time.Time

	// chatLines reports the total parsed chat lines since process start; the
	// machine keeps the stream-start watermark to derive session deltas.
	chatLines func() int64

	mu                sync.Mutex
	online            bool
	streamID          string
	streamType        string
	statusChangeSince time.Time
	offlineRetries    int
	firstLivePoll     bool
	chatLinesAtStart  int64
	session           Stats

	startHooks []Hook
	endHooks   []Hook
}

// NewMachine builds the machine. chatLines may be nil when no chat connection
// is configured.
func NewMachine(kv KVStore, stats StatWriter, bus *events.Bus, maxOfflineRetries int, chatLines func() int64) *Machine {
	if maxOfflineRetries <= 0 {
		maxOfflineRetries = DefaultMaxOfflineRetries
	}
	if chatLines == nil {
		chatLines = func() int64 { return 0 }
	}
	return &Machine{
		kv:                kv,
		stats:             stats,
		bus:               bus,
		maxOfflineRetries: maxOfflineRetries,
		now:               time.Now,
		chatLines:         chatLines,
	}
}

// OnStreamStart registers a start-of-stream hook.
func (m *Machine) OnStreamStart(h Hook) { m.startHooks = append(m.startHooks, h) }

// OnStreamEnd registers an end-of-stream hook.
func (m *Machine) OnStreamEnd(h Hook) { m.endHooks = append(m.endHooks, h) }

// Restore loads persisted state, so a restart mid-stream does not re-fire the
// start events.
func (m *Machine) Restore(ctx context.Context) {
	if m.kv == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, err := m.kv.GetKV(ctx, kvOnline); err == nil && v == "1" {
		m.online = true
		m.firstLivePoll = true
	}
	if v, err := m.kv.GetKV(ctx, kvStreamID); err == nil {
		m.streamID = v
	}
	if v, err := m.kv.GetKV(ctx, kvChangeSince); err == nil && v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			m.statusChangeSince = time.Unix(ts, 0)
		}
	}
	telemetry.SetStreamOnline(m.online)
}

func (m *Machine) persist(ctx context.Context) {
	if m.kv == nil {
		return
	}
	online := "0"
	if m.online {
		online = "1"
	}
	for k, v := range map[string]string{
		kvOnline:      online,
		kvStreamID:    m.streamID,
		kvChangeSince: strconv.FormatInt(m.statusChangeSince.Unix(), 10),
	} {
		if err := m.kv.SetKV(ctx, k, v); err != nil {
			slog.Warn("stream state persist failed", slog.String("key", k), slog.Any("err", err))
		}
	}
}

// HandleLivePoll processes one streams-poll payload that contained a live
// record.
func (m *Machine) HandleLivePoll(ctx context.Context, s *twitchapi.Stream) {
	m.mu.Lock()
	wasOnline := m.online
	typeChanged := m.streamType != s.Type
	duplicateID := m.streamID == s.ID
	m.offlineRetries = 0

	if (!wasOnline || typeChanged) && !duplicateID {
		m.startSessionLocked(ctx, s)
		m.mu.Unlock()
		m.runHooks(ctx, m.startHooks)
		return
	}

	// Routine live update.
	m.online = true
	m.streamType = s.Type
	first := m.firstLivePoll
	m.firstLivePoll = false
	m.session.CurrentViewers = s.ViewerCount
	if s.ViewerCount > m.session.MaxViewers {
		m.session.MaxViewers = s.ViewerCount
	}
	// Every live tick each current viewer contributes one tick of watch time.
	m.session.WatchedSeconds += int64(s.ViewerCount) * 10
	stat := m.snapshotLocked()
	m.mu.Unlock()

	telemetry.SetStreamOnline(true)
	if telemetry.CurrentViewersGauge != nil {
		telemetry.CurrentViewersGauge.Set(float64(s.ViewerCount))
	}
	if m.stats != nil {
		if err := m.stats.InsertStreamStat(ctx, stat); err != nil {
			slog.Warn("stream stat insert failed", slog.Any("err", err))
		}
	}
	if !first && m.bus != nil {
		m.bus.Fire(ctx, events.EveryXMinutesOfStream, events.Payload{})
		m.bus.Fire(ctx, events.ViewersAtLeastX, events.Payload{})
		m.bus.Fire(ctx, events.StreamRunningXMinutes, events.Payload{})
	}
}

func (m *Machine) startSessionLocked(ctx context.Context, s *twitchapi.Stream) {
	slog.Info("stream started",
		slog.String("stream_id", s.ID),
		slog.String("type", s.Type),
		slog.Time("started_at", s.StartedAt))
	m.online = true
	m.streamID = s.ID
	m.streamType = s.Type
	m.statusChangeSince = s.StartedAt
	m.offlineRetries = 0
	m.firstLivePoll = true
	m.chatLinesAtStart = m.chatLines()
	m.session = Stats{CurrentViewers: s.ViewerCount, MaxViewers: s.ViewerCount}
	m.persist(ctx)

	telemetry.SetStreamOnline(true)
	if m.bus != nil {
		m.bus.Fire(ctx, events.StreamStarted, events.Payload{})
		m.bus.Fire(ctx, events.CommandSendXTimes, events.Payload{Reset: true})
		m.bus.Fire(ctx, events.KeywordSendXTimes, events.Payload{Reset: true})
		m.bus.Fire(ctx, events.EveryXMinutesOfStream, events.Payload{Reset: true})
		m.bus.Fire(ctx, events.StreamRunningXMinutes, events.Payload{Reset: true})
	}
}

// HandleOfflinePoll processes one streams-poll payload with no live record.
// The flip to offline is debounced.
func (m *Machine) HandleOfflinePoll(ctx context.Context) {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return
	}
	m.offlineRetries++
	if m.offlineRetries <= m.maxOfflineRetries {
		slog.Debug("stream missing from poll", slog.Int("retry", m.offlineRetries))
		m.mu.Unlock()
		return
	}
	slog.Info("stream stopped", slog.String("stream_id", m.streamID))
	m.online = false
	m.streamID = ""
	m.streamType = ""
	m.statusChangeSince = m.now()
	m.offlineRetries = 0
	m.session.CurrentViewers = 0
	m.persist(ctx)
	m.mu.Unlock()

	telemetry.SetStreamOnline(false)
	if telemetry.CurrentViewersGauge != nil {
		telemetry.CurrentViewersGauge.Set(0)
	}
	if m.bus != nil {
		m.bus.Fire(ctx, events.StreamStopped, events.Payload{})
		m.bus.Fire(ctx, events.CommandSendXTimes, events.Payload{Reset: true})
		m.bus.Fire(ctx, events.KeywordSendXTimes, events.Payload{Reset: true})
	}
	m.runHooks(ctx, m.endHooks)
}

func (m *Machine) runHooks(ctx context.Context, hooks []Hook) {
	for _, h := range hooks {
		h(ctx)
	}
}

func (m *Machine) snapshotLocked() db.StreamStat {
	return db.StreamStat{
		Timestamp:      m.now(),
		OnlineSince:    m.statusChangeSince,
		Viewers:        m.session.CurrentViewers,
		MaxViewers:     m.session.MaxViewers,
		Followers:      m.session.CurrentFollowers,
		Subscribers:    m.session.CurrentSubscribers,
		Bits:           m.session.CurrentBits,
		Tips:           m.session.CurrentTips,
		ChatMessages:   m.chatLines() - m.chatLinesAtStart,
		NewChatters:    m.session.NewChatters,
		WatchedSeconds: m.session.WatchedSeconds,
	}
}

// Online reports the debounced state.
func (m *Machine) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// StreamID returns the current session's stream id, or "".
func (m *Machine) StreamID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamID
}

// StatusChangeSince reports when the current state was entered.
func (m *Machine) StatusChangeSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusChangeSince
}

// Session returns a copy of the running counters.
func (m *Machine) Session() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// SetFollowers records the channel-wide follower total.
func (m *Machine) SetFollowers(n int) {
	m.mu.Lock()
	m.session.CurrentFollowers = n
	m.mu.Unlock()
	if telemetry.CurrentFollowers != nil {
		telemetry.CurrentFollowers.Set(float64(n))
	}
}

// SetSubscribers records the subscriber count.
func (m *Machine) SetSubscribers(n int) {
	m.mu.Lock()
	m.session.CurrentSubscribers = n
	m.mu.Unlock()
	if telemetry.CurrentSubscribers != nil {
		telemetry.CurrentSubscribers.Set(float64(n))
	}
}

// AddBits accumulates cheered bits into the session.
func (m *Machine) AddBits(n int64) {
	m.mu.Lock()
	m.session.CurrentBits += n
	m.mu.Unlock()
}

// AddTip accumulates a tip amount into the session.
func (m *Machine) AddTip(amount float64) {
	m.mu.Lock()
	m.session.CurrentTips += amount
	m.mu.Unlock()
}

// IncNewChatters counts a first-time chatter this session.
func (m *Machine) IncNewChatters() {
	m.mu.Lock()
	m.session.NewChatters++
	m.mu.Unlock()
}
