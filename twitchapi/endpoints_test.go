package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func okJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Ratelimit-Limit", "800")
	w.Header().Set("Ratelimit-Remaining", "799")
	w.Header().Set("Ratelimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
	fmt.Fprint(w, body)
}

func TestGetStreamsLive(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/streams" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("user_id"); got != "12345" {
			t.Errorf("user_id = %q", got)
		}
		okJSON(w, `{"data":[{"id":"777","user_id":"12345","game_id":"509658","game_name":"Just Chatting","type":"live","title":"hello","viewer_count":42,"started_at":"2026-09-01T10:00:00Z"}]}`)
	}))

	streams, err := c.GetStreams(context.Background())
	if err != nil {
		t.Fatalf("GetStreams: %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("got %d streams, want 1", len(streams))
	}
	s := streams[0]
	if s.ID != "777" || s.ViewerCount != 42 || s.GameName != "Just Chatting" {
		t.Errorf("stream = %+v", s)
	}
}

func TestGetChannelInformation(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels" {
			t.Errorf("path = %q", r.URL.Path)
		}
		okJSON(w, `{"data":[{"broadcaster_id":"12345","title":"offline title","game_id":"111","game_name":"Tetris"}]}`)
	}))

	info, err := c.GetChannelInformation(context.Background())
	if err != nil {
		t.Fatalf("GetChannelInformation: %v", err)
	}
	if info.Title != "offline title" || info.GameName != "Tetris" {
		t.Errorf("info = %+v", info)
	}
}

func TestGetUserByLoginNotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okJSON(w, `{"data":[]}`)
	}))

	u, err := c.GetUserByLogin(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("GetUserByLogin: %v", err)
	}
	if u != nil {
		t.Errorf("user = %+v, want nil", u)
	}
}

func TestGetFollowersPagePagination(t *testing.T) {
	page := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		q := r.URL.Query()
		if q.Get("first") != "100" {
			t.Errorf("first = %q", q.Get("first"))
		}
		switch page {
		case 1:
			if q.Get("after") != "" {
				t.Errorf("page 1 has cursor %q", q.Get("after"))
			}
			okJSON(w, `{"total":237,"data":[{"user_id":"1","user_login":"a","followed_at":"2026-08-30T00:00:00Z"}],"pagination":{"cursor":"c2"}}`)
		case 2:
			if q.Get("after") != "c2" {
				t.Errorf("page 2 cursor = %q", q.Get("after"))
			}
			okJSON(w, `{"total":237,"data":[{"user_id":"2","user_login":"b","followed_at":"2026-08-29T00:00:00Z"}],"pagination":{}}`)
		default:
			t.Errorf("unexpected page %d", page)
		}
	}))

	p1, err := c.GetFollowersPage(context.Background(), "", 100)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if p1.Total != 237 || p1.Cursor != "c2" || len(p1.Follows) != 1 {
		t.Errorf("page 1 = %+v", p1)
	}
	p2, err := c.GetFollowersPage(context.Background(), p1.Cursor, 100)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if p2.Cursor != "" {
		t.Errorf("page 2 cursor = %q, want empty", p2.Cursor)
	}
}

func TestGetSubscriptionsMissingScope(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be reached without scope")
	}))
	ft := c.Tokens.(*fakeTokens)
	ft.bcScopes = nil

	_, err := c.GetSubscriptionsPage(context.Background(), "", 100)
	var ms *MissingScopeError
	if !errors.As(err, &ms) {
		t.Fatalf("err = %v, want MissingScopeError", err)
	}
	if ms.Scope != "channel:read:subscriptions" {
		t.Errorf("scope = %q", ms.Scope)
	}
}

func TestGetSubscriptionsUsesBroadcasterToken(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer bc-token" {
			t.Errorf("Authorization = %q, want broadcaster token", got)
		}
		okJSON(w, `{"total":3,"data":[{"user_id":"7","user_login":"sub1","tier":"1000"}],"pagination":{}}`)
	}))

	p, err := c.GetSubscriptionsPage(context.Background(), "", 100)
	if err != nil {
		t.Fatalf("GetSubscriptionsPage: %v", err)
	}
	if p.Total != 3 || p.Subs[0].Tier != "1000" {
		t.Errorf("page = %+v", p)
	}
}

func TestGetModeratorsFollowsCursor(t *testing.T) {
	page := 0
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		type mod struct {
			UserID    string `json:"user_id"`
			UserLogin string `json:"user_login"`
		}
		var mods []mod
		cursor := ""
		if page == 1 {
			for i := 0; i < 100; i++ {
				mods = append(mods, mod{UserID: strconv.Itoa(i), UserLogin: "m" + strconv.Itoa(i)})
			}
			cursor = "next"
		} else {
			mods = append(mods, mod{UserID: "100", UserLogin: "m100"})
		}
		resp := map[string]any{"data": mods, "pagination": map[string]string{"cursor": cursor}}
		w.Header().Set("Ratelimit-Limit", "800")
		w.Header().Set("Ratelimit-Remaining", "799")
		w.Header().Set("Ratelimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatal(err)
		}
	}))

	mods, err := c.GetModerators(context.Background())
	if err != nil {
		t.Fatalf("GetModerators: %v", err)
	}
	if len(mods) != 101 {
		t.Errorf("got %d moderators, want 101", len(mods))
	}
	if page != 2 {
		t.Errorf("server saw %d pages, want 2", page)
	}
}

func TestCreateClipAndLookup(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/clips":
			okJSON(w, `{"data":[{"id":"clip-abc"}]}`)
		case r.Method == http.MethodGet && r.URL.Path == "/clips":
			if got := r.URL.Query()["id"]; len(got) != 1 || got[0] != "clip-abc" {
				t.Errorf("clip ids = %v", got)
			}
			okJSON(w, `{"data":[{"id":"clip-abc","title":"nice play","duration":27.5}]}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))

	id, err := c.CreateClip(context.Background(), true)
	if err != nil {
		t.Fatalf("CreateClip: %v", err)
	}
	if id != "clip-abc" {
		t.Errorf("clip id = %q", id)
	}
	clips, err := c.GetClipsByID(context.Background(), []string{id})
	if err != nil {
		t.Fatalf("GetClipsByID: %v", err)
	}
	if len(clips) != 1 || clips[0].Duration != 27.5 {
		t.Errorf("clips = %+v", clips)
	}
}

func TestPatchChannel(t *testing.T) {
	var got ChannelPatch
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %q", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	err := c.PatchChannel(context.Background(), ChannelPatch{Title: "new title", GameID: "509658"})
	if err != nil {
		t.Fatalf("PatchChannel: %v", err)
	}
	if got.Title != "new title" || got.GameID != "509658" {
		t.Errorf("patch body = %+v", got)
	}
}

func TestSearchCategories(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("query"); got != "tetr" {
			t.Errorf("query = %q", got)
		}
		okJSON(w, `{"data":[{"id":"111","name":"Tetris"},{"id":"222","name":"Tetris Effect"}]}`)
	}))

	games, err := c.SearchCategories(context.Background(), "tetr")
	if err != nil {
		t.Fatalf("SearchCategories: %v", err)
	}
	if len(games) != 2 || games[0].Name != "Tetris" {
		t.Errorf("games = %+v", games)
	}
}
