package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/onnwee/channelwatch/events"
	"github.com/onnwee/channelwatch/telemetry"
	"github.com/onnwee/channelwatch/twitchapi"
)

// DefaultSettleThreshold is how many mismatched observations are tolerated
// before the sync gives up and reconciles. Title changes propagate slowly
// through Twitch caches.
const DefaultSettleThreshold = 15

var identifierRe = regexp.MustCompile(`\$_[a-zA-Z0-9_]+`)

// VariableResolver supplies values for $_identifier tokens in the raw title.
type VariableResolver interface {
	Value(name string) (string, bool)
}

// GameCache is the persisted id<->name lookup for games.
type GameCache interface {
	GameIDByName(ctx context.Context, name string) (string, bool, error)
	SaveGame(ctx context.Context, id, name string) error
}

// ChannelAPI is the remote surface the sync pushes through.
type ChannelAPI interface {
	PatchChannel(ctx context.Context, patch twitchapi.ChannelPatch) error
	GetGameByName(ctx context.Context, name string) (*twitchapi.Game, error)
}

// TitleSync keeps the channel title/game in line with the configured raw
// template, tolerating slow propagation and manual edits in the dashboard.
type TitleSync struct {
	api      ChannelAPI
	games    GameCache
	resolver VariableResolver
	bus      *events.Bus
	warnings *telemetry.Warnings

	force       bool
	placeholder string

	mu              sync.Mutex
	rawStatus       string
	currentGame     string
	changedManually bool
	retries         int
}

// NewTitleSync builds the sync. resolver may be nil when no custom variables
// exist.
func NewTitleSync(api ChannelAPI, games GameCache, resolver VariableResolver, bus *events.Bus, warnings *telemetry.Warnings, force bool, placeholder string) *TitleSync {
	if placeholder == "" {
		placeholder = "n/a"
	}
	return &TitleSync{
		api:         api,
		games:       games,
		resolver:    resolver,
		bus:         bus,
		warnings:    warnings,
		force:       force,
		placeholder: placeholder,
	}
}

func (t *TitleSync) threshold() int {
	if t.force {
		return 1
	}
	return DefaultSettleThreshold
}

// Resolve interpolates $_identifier tokens; unresolved tokens substitute the
// placeholder.
func (t *TitleSync) Resolve(raw string) string {
	return identifierRe.ReplaceAllStringFunc(raw, func(tok string) string {
		if t.resolver != nil {
			if v, ok := t.resolver.Value(tok[2:]); ok {
				return v
			}
		}
		return t.placeholder
	})
}

// SetRawStatus replaces the title template without touching the channel.
func (t *TitleSync) SetRawStatus(raw string) {
	t.mu.Lock()
	t.rawStatus = raw
	t.retries = 0
	t.mu.Unlock()
}

// RawStatus returns the current template.
func (t *TitleSync) RawStatus() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rawStatus
}

// CurrentGame returns the last known game name.
func (t *TitleSync) CurrentGame() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentGame
}

// Observe reconciles one observed title/game against the expectation. It
// returns false while the comparison has not settled, so the polling task can
// re-run on the next tick.
func (t *TitleSync) Observe(ctx context.Context, title, game string) bool {
	t.mu.Lock()
	if game != "" {
		t.currentGame = game
	}
	if t.changedManually {
		// One observation after our own push reflects stale cache data; skip
		// the comparison exactly once.
		t.changedManually = false
		t.retries = 0
		t.mu.Unlock()
		return true
	}
	if t.rawStatus == "" {
		// Nothing configured yet: adopt whatever the channel shows.
		t.rawStatus = title
		t.mu.Unlock()
		return true
	}
	expected := t.Resolve(t.rawStatus)
	if title == expected {
		t.retries = 0
		t.mu.Unlock()
		return true
	}

	t.retries++
	if t.retries <= t.threshold() {
		slog.Debug("title not settled",
			slog.String("observed", title),
			slog.String("expected", expected),
			slog.Int("retries", t.retries))
		t.mu.Unlock()
		return false
	}
	t.retries = 0
	if t.force {
		raw := t.rawStatus
		cur := t.currentGame
		t.mu.Unlock()
		slog.Info("title drifted, re-pushing", slog.String("expected", expected))
		if err := t.SetTitleAndGame(ctx, raw, cur); err != nil {
			slog.Warn("title re-push failed", slog.Any("err", err))
		}
		return true
	}
	// Someone changed the title outside the bot: the observation wins.
	slog.Info("adopting externally changed title", slog.String("title", title))
	t.rawStatus = title
	t.mu.Unlock()
	return true
}

// SetTitleAndGame pushes a new title template and game to the channel. The
// template is stored raw; the resolved form is what goes over the wire.
func (t *TitleSync) SetTitleAndGame(ctx context.Context, rawTitle, game string) error {
	patch := twitchapi.ChannelPatch{}
	if rawTitle != "" {
		patch.Title = t.Resolve(rawTitle)
	}
	if game != "" {
		id, err := t.gameID(ctx, game)
		if err != nil {
			return err
		}
		patch.GameID = id
	}
	if err := t.api.PatchChannel(ctx, patch); err != nil {
		var ms *twitchapi.MissingScopeError
		if errors.As(err, &ms) {
			slog.Warn("cannot update channel, missing scope", slog.String("scope", ms.Scope))
			if t.warnings != nil {
				t.warnings.Add("title-sync", fmt.Sprintf("cannot update title/game: broadcaster token lacks %s", ms.Scope))
			}
		}
		return err
	}

	t.mu.Lock()
	if rawTitle != "" {
		t.rawStatus = rawTitle
	}
	oldGame := t.currentGame
	if game != "" {
		t.currentGame = game
	}
	t.changedManually = true
	t.retries = 0
	t.mu.Unlock()

	if game != "" && game != oldGame && t.bus != nil {
		t.bus.Fire(ctx, events.GameChanged, events.Payload{OldGame: oldGame, Game: game})
	}
	return nil
}

// gameID resolves a game name to its id: cache first, then the remote lookup,
// falling back to the currently cached game on failure.
func (t *TitleSync) gameID(ctx context.Context, name string) (string, error) {
	if id, ok, err := t.games.GameIDByName(ctx, name); err == nil && ok {
		return id, nil
	}
	g, err := t.api.GetGameByName(ctx, name)
	if err == nil && g != nil {
		if err := t.games.SaveGame(ctx, g.ID, g.Name); err != nil {
			slog.Warn("game cache save failed", slog.Any("err", err))
		}
		return g.ID, nil
	}
	t.mu.Lock()
	fallback := t.currentGame
	t.mu.Unlock()
	if fallback != "" && fallback != name {
		slog.Warn("game lookup failed, keeping current game",
			slog.String("requested", name),
			slog.String("current", fallback),
			slog.Any("err", err))
		if id, ok, cacheErr := t.games.GameIDByName(ctx, fallback); cacheErr == nil && ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("resolve game %q: %w", name, err)
}
