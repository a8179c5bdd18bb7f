package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/channelwatch/ratelimit"
	"github.com/onnwee/channelwatch/reconcile"
	"github.com/onnwee/channelwatch/scheduler"
	"github.com/onnwee/channelwatch/stream"
	"github.com/onnwee/channelwatch/telemetry"
	"github.com/onnwee/channelwatch/twitchapi"
)

// recentCallCount caps the telemetry slice returned by /status.
const recentCallCount = 50

// StreamState is the slice of the stream machine the status endpoint reads.
type StreamState interface {
	Online() bool
	StreamID() string
	StatusChangeSince() time.Time
	Session() stream.Stats
}

// AuthState is the credential surface the HTTP layer needs.
type AuthState interface {
	LoadedTokens() int
	AuthorizeURL(id ratelimit.Identity, scopes []string) string
	ExchangeCode(ctx context.Context, id ratelimit.Identity, code string) error
}

// TaskLister reports scheduler task state.
type TaskLister interface {
	Snapshot() []scheduler.TaskStatus
}

// ClipLister serves the top-clips listing.
type ClipLister interface {
	GetTopClips(ctx context.Context, startedAt time.Time, first int) ([]twitchapi.Clip, error)
}

// Deps holds everything the handlers read. Reconciler fields may be nil; the
// status endpoint simply omits their sections.
type Deps struct {
	DB       *sql.DB
	Auth     AuthState
	Machine  StreamState
	Tasks    TaskLister
	Budget   *ratelimit.Budget
	Warnings *telemetry.Warnings
	Calls    *telemetry.CallLog

	Channel     *reconcile.Channel
	Subscribers *reconcile.Subscribers
	Moderators  *reconcile.Moderators
	Tags        *reconcile.Tags
	Clips       *reconcile.Clips
	ClipAPI     ClipLister
	Title       *stream.TitleSync
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// HandleHealthz responds to liveness probe requests by checking database
// connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed checks.
// The service is ready once the database answers and both user tokens are
// loaded; the scheduler skips ticks until then.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"credentials", func() error {
			if h.deps.Auth == nil {
				return fmt.Errorf("oauth manager not configured")
			}
			if n := h.deps.Auth.LoadedTokens(); n < 2 {
				return fmt.Errorf("%d of 2 user tokens loaded", n)
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns the status summary: stream state, session stats, rate
// budgets, task snapshot, warnings, and recent call telemetry.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{}

	if m := h.deps.Machine; m != nil {
		resp["online"] = m.Online()
		resp["stream_id"] = m.StreamID()
		if since := m.StatusChangeSince(); !since.IsZero() {
			resp["status_change_since"] = since
		}
		resp["session"] = m.Session()
	}
	if h.deps.Auth != nil {
		resp["loaded_tokens"] = h.deps.Auth.LoadedTokens()
	}
	if b := h.deps.Budget; b != nil {
		resp["budget"] = map[string]ratelimit.Window{
			string(ratelimit.IdentityBot):         b.Snapshot(ratelimit.IdentityBot),
			string(ratelimit.IdentityBroadcaster): b.Snapshot(ratelimit.IdentityBroadcaster),
		}
	}
	if h.deps.Tasks != nil {
		resp["tasks"] = h.deps.Tasks.Snapshot()
	}
	if h.deps.Warnings != nil {
		resp["warnings"] = h.deps.Warnings.List()
	}
	if h.deps.Calls != nil {
		resp["recent_calls"] = h.deps.Calls.Recent(recentCallCount)
	}
	if c := h.deps.Channel; c != nil {
		resp["channel_views"] = c.Views()
	}
	if s := h.deps.Subscribers; s != nil {
		resp["bot_is_subscriber"] = s.BotIsSubscriber()
	}
	if m := h.deps.Moderators; m != nil {
		resp["bot_is_moderator"] = m.BotIsModerator()
	}
	if t := h.deps.Tags; t != nil {
		ids := []string{}
		for _, tag := range t.Current() {
			ids = append(ids, tag.ID)
		}
		resp["current_tags"] = ids
	}
	if t := h.deps.Title; t != nil {
		resp["title"] = t.RawStatus()
		resp["game"] = t.CurrentGame()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleConfig handles GET and PUT requests for safe configuration keys.
// PUT writes kv overrides under a cfg: prefix; secrets are never exposed here.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	safeKeys := map[string]bool{
		"LOG_LEVEL":                  true,
		"LOG_FORMAT":                 true,
		"SCHEDULER_TICK_INTERVAL":    true,
		"SCHEDULER_TASK_TIMEOUT":     true,
		"STREAM_MAX_OFFLINE_RETRIES": true,
		"TITLE_FORCE":                true,
		"TITLE_PLACEHOLDER":          true,
	}
	switch r.Method {
	case http.MethodGet:
		out := map[string]string{}
		for k := range safeKeys {
			var v string
			if h.deps.DB != nil {
				_ = h.deps.DB.QueryRowContext(r.Context(), `SELECT value FROM kv WHERE key=$1`, "cfg:"+k).Scan(&v)
			}
			if v == "" {
				v = os.Getenv(k)
			}
			if v != "" {
				out[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPut:
		if h.deps.DB == nil {
			http.Error(w, "config store unavailable", http.StatusServiceUnavailable)
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		for k, v := range body {
			if !safeKeys[k] {
				continue
			}
			if _, err := h.deps.DB.ExecContext(
				r.Context(),
				`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW()) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
				"cfg:"+k,
				strings.TrimSpace(v),
			); err != nil {
				slog.Error("failed to update config", slog.String("key", k), slog.Any("err", err))
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleClips serves the clips endpoint: POST cuts a clip of the live stream
// (409 while offline), GET lists the most viewed clips of the last days.
func (h *Handlers) HandleClips(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleClipList(w, r)
	case http.MethodPost:
		h.handleClipCreate(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleClipList(w http.ResponseWriter, r *http.Request) {
	if h.deps.ClipAPI == nil {
		http.Error(w, "clips unavailable", http.StatusServiceUnavailable)
		return
	}
	days := 7
	if v, err := strconv.Atoi(r.URL.Query().Get("days")); err == nil && v > 0 && v <= 365 {
		days = v
	}
	clips, err := h.deps.ClipAPI.GetTopClips(r.Context(), time.Now().AddDate(0, 0, -days), 20)
	if err != nil {
		slog.Warn("clip listing failed", slog.Any("err", err))
		http.Error(w, "clip listing failed", http.StatusBadGateway)
		return
	}
	if clips == nil {
		clips = []twitchapi.Clip{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(clips)
}

func (h *Handlers) handleClipCreate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Clips == nil {
		http.Error(w, "clips unavailable", http.StatusServiceUnavailable)
		return
	}
	hasDelay := r.URL.Query().Get("delay") == "1"
	id, err := h.deps.Clips.Create(r.Context(), hasDelay)
	if err != nil {
		if errors.Is(err, reconcile.ErrStreamOffline) {
			http.Error(w, "stream is offline", http.StatusConflict)
			return
		}
		slog.Warn("clip create failed", slog.Any("err", err))
		http.Error(w, "clip create failed", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"clip_id": id})
}

// HandleOAuthStart redirects to the Twitch consent page for the requested
// identity ("bot" or "broadcaster"). Extra scopes may be passed space
// separated via the scopes query parameter.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.Auth == nil {
		http.Error(w, "oauth not configured", http.StatusServiceUnavailable)
		return
	}
	id, ok := parseIdentity(r.URL.Query().Get("identity"))
	if !ok {
		http.Error(w, "identity must be bot or broadcaster", http.StatusBadRequest)
		return
	}
	scopes := strings.Fields(r.URL.Query().Get("scopes"))
	http.Redirect(w, r, h.deps.Auth.AuthorizeURL(id, scopes), http.StatusFound)
}

// HandleOAuthCallback trades the authorization code for tokens. The state
// parameter carries the identity the flow was started for.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.Auth == nil {
		http.Error(w, "oauth not configured", http.StatusServiceUnavailable)
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	id, ok := parseIdentity(state)
	if !ok {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	if err := h.deps.Auth.ExchangeCode(r.Context(), id, code); err != nil {
		slog.Error("oauth exchange failed", slog.String("identity", string(id)), slog.Any("err", err))
		http.Error(w, "token exchange failed", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "identity": string(id)})
}

func parseIdentity(s string) (ratelimit.Identity, bool) {
	switch ratelimit.Identity(s) {
	case ratelimit.IdentityBot:
		return ratelimit.IdentityBot, true
	case ratelimit.IdentityBroadcaster:
		return ratelimit.IdentityBroadcaster, true
	}
	return "", false
}
