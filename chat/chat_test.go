package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

type recordChecker struct {
	mu     sync.Mutex
	checks []string
	seen   chan string
}

func newRecordChecker() *recordChecker {
	return &recordChecker{seen: make(chan string, 16)}
}

func (r *recordChecker) CheckFollow(ctx context.Context, userID, username string) bool {
	r.mu.Lock()
	r.checks = append(r.checks, userID)
	r.mu.Unlock()
	r.seen <- userID
	return true
}

func (r *recordChecker) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.seen:
		return id
	case <-time.After(time.Second):
		t.Fatal("no follow precheck fired")
		return ""
	}
}

type fakeResolver struct {
	ids map[string]string
}

func (f *fakeResolver) UserIDByUsername(ctx context.Context, username string) (string, bool, error) {
	id, ok := f.ids[username]
	return id, ok, nil
}

type fakeStats struct {
	mu          sync.Mutex
	online      bool
	newChatters int
	bits        int64
}

func (f *fakeStats) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeStats) IncNewChatters() {
	f.mu.Lock()
	f.newChatters++
	f.mu.Unlock()
}

func (f *fakeStats) AddBits(n int64) {
	f.mu.Lock()
	f.bits += n
	f.mu.Unlock()
}

func privMsg(id, name string, bits int) twitch.PrivateMessage {
	return twitch.PrivateMessage{
		User: twitch.User{ID: id, Name: name},
		Bits: bits,
	}
}

func TestLineCountAndBits(t *testing.T) {
	stats := &fakeStats{online: true}
	l := NewListener("chan", "bot", func() string { return "tok" }, nil, nil, stats)
	handle := l.onMessage(context.Background())

	handle(privMsg("1", "alice", 0))
	handle(privMsg("2", "bob", 150))
	handle(privMsg("1", "alice", 50))

	if got := l.LineCount(); got != 3 {
		t.Errorf("LineCount = %d, want 3", got)
	}
	if stats.bits != 200 {
		t.Errorf("bits = %d, want 200", stats.bits)
	}
}

func TestNewChatterPerSession(t *testing.T) {
	stats := &fakeStats{online: true}
	l := NewListener("chan", "bot", func() string { return "tok" }, nil, nil, stats)
	handle := l.onMessage(context.Background())

	handle(privMsg("1", "alice", 0))
	handle(privMsg("1", "Alice", 0))
	handle(privMsg("2", "bob", 0))
	if stats.newChatters != 2 {
		t.Errorf("new chatters = %d, want 2", stats.newChatters)
	}

	// A new stream starts a fresh set.
	l.ResetSession()
	handle(privMsg("1", "alice", 0))
	if stats.newChatters != 3 {
		t.Errorf("new chatters after reset = %d, want 3", stats.newChatters)
	}
}

func TestNewChatterIgnoredWhileOffline(t *testing.T) {
	stats := &fakeStats{online: false}
	l := NewListener("chan", "bot", func() string { return "tok" }, nil, nil, stats)
	l.onMessage(context.Background())(privMsg("1", "alice", 0))
	if stats.newChatters != 0 {
		t.Errorf("new chatters = %d, want 0", stats.newChatters)
	}
}

func TestMessagePrecheckCooldown(t *testing.T) {
	checker := newRecordChecker()
	l := NewListener("chan", "bot", func() string { return "tok" }, checker, nil, &fakeStats{})
	handle := l.onMessage(context.Background())

	handle(privMsg("1", "alice", 0))
	if got := checker.wait(t); got != "1" {
		t.Errorf("prechecked %q, want 1", got)
	}

	// Second message inside the cooldown does not recheck.
	handle(privMsg("1", "alice", 0))
	select {
	case id := <-checker.seen:
		t.Errorf("unexpected recheck for %q", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinPrecheckResolvesKnownUsers(t *testing.T) {
	checker := newRecordChecker()
	resolver := &fakeResolver{ids: map[string]string{"alice": "42"}}
	l := NewListener("chan", "bot", func() string { return "tok" }, checker, resolver, &fakeStats{})
	handle := l.onJoin(context.Background())

	handle(twitch.UserJoinMessage{User: "alice"})
	if got := checker.wait(t); got != "42" {
		t.Errorf("prechecked %q, want 42", got)
	}

	// Unknown users are skipped; their first message carries the id.
	handle(twitch.UserJoinMessage{User: "stranger"})
	select {
	case id := <-checker.seen:
		t.Errorf("unexpected precheck for %q", id)
	case <-time.After(50 * time.Millisecond):
	}
}
