// Package oauth manages the two Twitch user credentials (bot and broadcaster):
// the authorization-code flow to obtain them, persistence in the oauth_tokens
// table, in-memory caching with validation metadata (user id, login, scopes),
// and jittered background refresh.
package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/onnwee/channelwatch/config"
	"github.com/onnwee/channelwatch/db"
	"github.com/onnwee/channelwatch/ratelimit"
)

// Provider keys in the oauth_tokens table.
const (
	ProviderBot         = "twitch-bot"
	ProviderBroadcaster = "twitch-broadcaster"
)

const defaultValidateURL = "https://id.twitch.tv/oauth2/validate"

func providerFor(id ratelimit.Identity) string {
	if id == ratelimit.IdentityBroadcaster {
		return ProviderBroadcaster
	}
	return ProviderBot
}

type identityState struct {
	accessToken string
	scopes      []string
	userID      string
	login       string
	expiresAt   time.Time
}

// Manager caches both credentials and implements the token provider seam the
// API client consumes.
type Manager struct {
	db  *sql.DB
	cfg *oauth2.Config

	// ValidateURL and HTTPClient are overridable for tests.
	ValidateURL string
	HTTPClient  *http.Client

	mu              sync.RWMutex
	states          map[ratelimit.Identity]*identityState
	broadcasterType string
}

// NewManager builds a manager from application config. Tokens are not loaded
// until Load is called.
func NewManager(dbx *sql.DB, cfg config.Config) *Manager {
	return &Manager{
		db: dbx,
		cfg: &oauth2.Config{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			RedirectURL:  cfg.TwitchRedirectURI,
			Scopes:       strings.Fields(cfg.TwitchBotScopes),
			Endpoint:     endpoints.Twitch,
		},
		ValidateURL: defaultValidateURL,
		states:      make(map[ratelimit.Identity]*identityState),
	}
}

func (m *Manager) http() *http.Client {
	if m.HTTPClient != nil {
		return m.HTTPClient
	}
	return http.DefaultClient
}

// AuthorizeURL returns the consent URL for the given identity. The identity
// name doubles as the OAuth state so the callback knows which row to fill.
func (m *Manager) AuthorizeURL(id ratelimit.Identity, scopes []string) string {
	cfg := *m.cfg
	if len(scopes) > 0 {
		cfg.Scopes = scopes
	}
	return cfg.AuthCodeURL(string(id))
}

// ExchangeCode trades an authorization code for tokens, persists them under
// the identity's provider key, and reloads the cache entry.
func (m *Manager) ExchangeCode(ctx context.Context, id ratelimit.Identity, code string) error {
	tok, err := m.cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code for %s: %w", id, err)
	}
	scope := ""
	if raw := tok.Extra("scope"); raw != nil {
		scope = joinScope(raw)
	}
	if err := db.UpsertOAuthToken(ctx, m.db, providerFor(id), tok.AccessToken, tok.RefreshToken, tok.Expiry, scope); err != nil {
		return fmt.Errorf("persist token for %s: %w", id, err)
	}
	return m.loadIdentity(ctx, id)
}

// joinScope normalizes the token response scope field, which Twitch returns
// as a JSON array.
func joinScope(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// Load populates the cache for both identities from the database. Missing
// rows are not an error: the caller simply sees fewer loaded tokens.
func (m *Manager) Load(ctx context.Context) error {
	for _, id := range []ratelimit.Identity{ratelimit.IdentityBot, ratelimit.IdentityBroadcaster} {
		if err := m.loadIdentity(ctx, id); err != nil {
			slog.Warn("token load failed", slog.String("identity", string(id)), slog.Any("err", err))
		}
	}
	return nil
}

func (m *Manager) loadIdentity(ctx context.Context, id ratelimit.Identity) error {
	access, _, expiry, scope, err := db.GetOAuthToken(ctx, m.db, providerFor(id))
	if err != nil {
		return err
	}
	if access == "" {
		m.drop(id)
		return nil
	}
	st := &identityState{
		accessToken: access,
		scopes:      strings.Fields(scope),
		expiresAt:   expiry,
	}
	// Validation fills in user id and login and corrects stored scopes.
	if v, err := m.validate(ctx, access); err != nil {
		slog.Warn("token validation failed", slog.String("identity", string(id)), slog.Any("err", err))
		m.drop(id)
		return nil
	} else {
		st.userID = v.UserID
		st.login = v.Login
		if len(v.Scopes) > 0 {
			st.scopes = v.Scopes
		}
	}
	m.mu.Lock()
	m.states[id] = st
	m.mu.Unlock()
	return nil
}

func (m *Manager) drop(id ratelimit.Identity) {
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()
}

type validateResponse struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	Scopes    []string `json:"scopes"`
	UserID    string   `json:"user_id"`
	ExpiresIn int      `json:"expires_in"`
}

func (m *Manager) validate(ctx context.Context, token string) (*validateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.ValidateURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+token)
	resp, err := m.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("validate failed: %s: %s", resp.Status, string(b))
	}
	var v validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (m *Manager) state(id ratelimit.Identity) *identityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[id]
}

// AccessToken returns the cached access token, or empty when not loaded.
func (m *Manager) AccessToken(id ratelimit.Identity) string {
	if st := m.state(id); st != nil {
		return st.accessToken
	}
	return ""
}

// ClientID returns the application client id.
func (m *Manager) ClientID() string { return m.cfg.ClientID }

// Scopes returns the validated scopes of the identity's token.
func (m *Manager) Scopes(id ratelimit.Identity) []string {
	if st := m.state(id); st != nil {
		return st.scopes
	}
	return nil
}

// ChannelID is the broadcaster's user id, known once the broadcaster token
// has been validated.
func (m *Manager) ChannelID() string {
	if st := m.state(ratelimit.IdentityBroadcaster); st != nil {
		return st.userID
	}
	return ""
}

// BotUserID is the bot account's user id.
func (m *Manager) BotUserID() string {
	if st := m.state(ratelimit.IdentityBot); st != nil {
		return st.userID
	}
	return ""
}

// BotUsername is the bot account's login name.
func (m *Manager) BotUsername() string {
	if st := m.state(ratelimit.IdentityBot); st != nil {
		return st.login
	}
	return ""
}

// BroadcasterUsername is the channel's login name.
func (m *Manager) BroadcasterUsername() string {
	if st := m.state(ratelimit.IdentityBroadcaster); st != nil {
		return st.login
	}
	return ""
}

// BroadcasterType is the cached affiliate/partner status, empty until the
// channel reconciler observes it.
func (m *Manager) BroadcasterType() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.broadcasterType
}

// SetBroadcasterType records the observed affiliate/partner status.
func (m *Manager) SetBroadcasterType(t string) {
	m.mu.Lock()
	m.broadcasterType = t
	m.mu.Unlock()
}

// LoadedTokens reports how many of the two credentials are usable.
func (m *Manager) LoadedTokens() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
