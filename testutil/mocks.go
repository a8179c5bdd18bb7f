package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

// MockHelixServer is a test server that mocks Twitch Helix API responses and
// always emits rate-limit headers so budget tracking behaves like production.
type MockHelixServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	// Remaining is emitted in the Ratelimit-Remaining header.
	Remaining int
}

// NewMockHelixServer creates a mock Helix API server. Unhandled paths return
// 404.
func NewMockHelixServer(t *testing.T) *MockHelixServer {
	t.Helper()
	m := &MockHelixServer{
		Handlers:  make(map[string]http.HandlerFunc),
		Remaining: 799,
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Ratelimit-Limit", "800")
		w.Header().Set("Ratelimit-Remaining", strconv.Itoa(m.Remaining))
		w.Header().Set("Ratelimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *MockHelixServer) respondJSON(path string, body map[string]any) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
	}
}

// MockStreamsResponse sets the /streams payload; pass nil for offline.
func (m *MockHelixServer) MockStreamsResponse(streams []map[string]any) {
	if streams == nil {
		streams = []map[string]any{}
	}
	m.respondJSON("/streams", map[string]any{"data": streams})
}

// MockChannelResponse sets the /channels payload.
func (m *MockHelixServer) MockChannelResponse(title, gameID, gameName string) {
	m.respondJSON("/channels", map[string]any{
		"data": []map[string]string{
			{"broadcaster_id": "12345", "title": title, "game_id": gameID, "game_name": gameName},
		},
	})
}

// MockFollowersResponse sets a single /channels/followers page.
func (m *MockHelixServer) MockFollowersResponse(total int, follows []map[string]any, cursor string) {
	m.respondJSON("/channels/followers", map[string]any{
		"total":      total,
		"data":       follows,
		"pagination": map[string]string{"cursor": cursor},
	})
}

// MockSubscriptionsResponse sets a single /subscriptions page.
func (m *MockHelixServer) MockSubscriptionsResponse(total int, subs []map[string]any, cursor string) {
	m.respondJSON("/subscriptions", map[string]any{
		"total":      total,
		"data":       subs,
		"pagination": map[string]string{"cursor": cursor},
	})
}

// MockValidateResponse sets the id.twitch.tv token validation payload.
func (m *MockHelixServer) MockValidateResponse(userID, login string, scopes []string) {
	m.respondJSON("/oauth2/validate", map[string]any{
		"client_id":  "test-client-id",
		"login":      login,
		"scopes":     scopes,
		"user_id":    userID,
		"expires_in": 14000,
	})
}
