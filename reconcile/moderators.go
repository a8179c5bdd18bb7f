package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/onnwee/channelwatch/telemetry"
	"github.com/onnwee/channelwatch/twitchapi"
)

const optModScopeWarned = "moderators:scope_warned"

// ModeratorAPI is the remote surface the moderator sync needs.
type ModeratorAPI interface {
	GetModerators(ctx context.Context) ([]twitchapi.Moderator, error)
}

// ModeratorStore is the persistence surface.
type ModeratorStore interface {
	SetModerators(ctx context.Context, ids []string) error
}

// Moderators syncs the channel's moderator set into the users table.
type Moderators struct {
	api      ModeratorAPI
	store    ModeratorStore
	warnings *telemetry.Warnings

	botUserID func() string

	mu             sync.Mutex
	botIsModerator bool
}

// NewModerators builds the sync. warnings may be nil.
func NewModerators(api ModeratorAPI, store ModeratorStore, warnings *telemetry.Warnings, botUserID func() string) *Moderators {
	if botUserID == nil {
		botUserID = func() string { return "" }
	}
	return &Moderators{api: api, store: store, warnings: warnings, botUserID: botUserID}
}

// BotIsModerator reports whether the bot appeared in the last fetched set.
func (m *Moderators) BotIsModerator() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botIsModerator
}

// Sync fetches the moderator list and updates the isModerator predicate for
// every known user. A missing scope warns once via opts and keeps rechecking.
func (m *Moderators) Sync(ctx context.Context, opts map[string]any) bool {
	mods, err := m.api.GetModerators(ctx)
	if err != nil {
		var ms *twitchapi.MissingScopeError
		if errors.As(err, &ms) {
			if _, warned := opts[optModScopeWarned]; !warned {
				slog.Warn("cannot fetch moderators, missing scope", slog.String("scope", ms.Scope))
				m.warnings.Add("moderators", "broadcaster token lacks "+ms.Scope+", moderator sync disabled")
				opts[optModScopeWarned] = true
			}
			return true
		}
		if twitchapi.IsSoft(err) || twitchapi.IsTransient(err) {
			slog.Debug("moderator fetch deferred", slog.Any("err", err))
		} else {
			slog.Warn("moderator fetch failed", slog.Any("err", err))
		}
		return false
	}
	delete(opts, optModScopeWarned)

	ids := make([]string, 0, len(mods))
	botSeen := false
	botID := m.botUserID()
	for _, mod := range mods {
		ids = append(ids, mod.UserID)
		if botID != "" && mod.UserID == botID {
			botSeen = true
		}
	}
	m.mu.Lock()
	m.botIsModerator = botSeen
	m.mu.Unlock()

	if err := m.store.SetModerators(ctx, ids); err != nil {
		slog.Warn("moderator persist failed", slog.Any("err", err))
		return false
	}
	return true
}
