// Package chat maintains the IRC connection to the broadcaster's channel.
//
// It counts parsed chat lines (the stream stats snapshots consume the
// counter as a watermark), detects chatters posting for the first time in
// the current session, tallies cheered bits, and runs a follow precheck
// when a known user joins or speaks.
//
// Credentials: the IRC client reuses the stored bot token; chat:read is
// enough for everything this package does.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// precheckCooldown spaces out follow rechecks per user. Joins and messages
// from the same user inside the window are ignored.
const precheckCooldown = 10 * time.Minute

// FollowChecker rechecks a single user's follow state against the remote.
type FollowChecker interface {
	CheckFollow(ctx context.Context, userID, username string) bool
}

// UserResolver maps a login to a known user id. Users we have never seen
// get picked up from their first message instead, which carries the id.
type UserResolver interface {
	UserIDByUsername(ctx context.Context, username string) (string, bool, error)
}

// SessionStats is the slice of the stream machine chat feeds into.
type SessionStats interface {
	Online() bool
	IncNewChatters()
	AddBits(n int64)
}

// Listener connects to Twitch IRC and feeds chat activity into the stream
// session. Safe for concurrent use; the IRC client invokes handlers from
// its read loop.
type Listener struct {
	channel  string
	username string
	token    func() string

	checker FollowChecker
	users   UserResolver
	stats   SessionStats

	lines atomic.Int64

	mu        sync.Mutex
	seen      map[string]struct{}
	prechecks map[string]time.Time
}

// NewListener builds the chat listener. token returns the current bot access
// token without the "oauth:" prefix. checker, users, and stats may be nil.
func NewListener(channel, username string, token func() string, checker FollowChecker, users UserResolver, stats SessionStats) *Listener {
	return &Listener{
		channel:   strings.ToLower(channel),
		username:  username,
		token:     token,
		checker:   checker,
		users:     users,
		stats:     stats,
		seen:      make(map[string]struct{}),
		prechecks: make(map[string]time.Time),
	}
}

// LineCount returns the number of chat lines parsed since process start.
// The stream session records the value at stream start and reports deltas.
func (l *Listener) LineCount() int64 {
	return l.lines.Load()
}

// ResetSession clears the per-session chatter set. Wired as a stream-start
// hook so new-chatter detection restarts with every stream.
func (l *Listener) ResetSession() {
	l.mu.Lock()
	l.seen = make(map[string]struct{})
	l.mu.Unlock()
}

// Run connects to IRC and blocks until ctx is done. Disconnects trigger a
// reconnect with a fresh token after a short backoff.
func (l *Listener) Run(ctx context.Context) {
	if l.channel == "" || l.username == "" {
		slog.Info("chat listener disabled, channel or bot username missing")
		return
	}
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		token := l.token()
		if token == "" {
			slog.Debug("chat connect deferred, bot token not loaded")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		client := twitch.NewClient(l.username, "oauth:"+token)
		client.OnPrivateMessage(l.onMessage(ctx))
		client.OnUserJoinMessage(l.onJoin(ctx))
		client.Join(l.channel)

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				client.Disconnect()
			case <-done:
			}
		}()

		slog.Info("chat connecting", slog.String("channel", l.channel))
		err := client.Connect()
		close(done)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("chat disconnected, reconnecting", slog.Any("err", err), slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (l *Listener) onMessage(ctx context.Context) func(twitch.PrivateMessage) {
	return func(msg twitch.PrivateMessage) {
		l.lines.Add(1)
		if l.stats == nil {
			return
		}
		if msg.Bits > 0 {
			l.stats.AddBits(int64(msg.Bits))
		}
		if l.stats.Online() && l.markChatter(msg.User.Name) {
			l.stats.IncNewChatters()
		}
		l.precheck(ctx, msg.User.ID, msg.User.Name)
	}
}

func (l *Listener) onJoin(ctx context.Context) func(twitch.UserJoinMessage) {
	return func(msg twitch.UserJoinMessage) {
		if l.users == nil {
			return
		}
		// JOIN only carries the login; prechecks need the id. Unknown users
		// are handled on their first message instead.
		if !l.duePrecheck(msg.User) {
			return
		}
		id, ok, err := l.users.UserIDByUsername(ctx, msg.User)
		if err != nil || !ok {
			return
		}
		l.precheckResolved(ctx, id, msg.User)
	}
}

// markChatter records the user in the session set; true means first sight.
func (l *Listener) markChatter(username string) bool {
	username = strings.ToLower(username)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[username]; ok {
		return false
	}
	l.seen[username] = struct{}{}
	return true
}

func (l *Listener) precheck(ctx context.Context, userID, username string) {
	if userID == "" || !l.duePrecheck(username) {
		return
	}
	l.precheckResolved(ctx, userID, username)
}

func (l *Listener) precheckResolved(ctx context.Context, userID, username string) {
	if l.checker == nil {
		return
	}
	l.mu.Lock()
	l.prechecks[strings.ToLower(username)] = time.Now()
	l.mu.Unlock()
	go l.checker.CheckFollow(ctx, userID, username)
}

func (l *Listener) duePrecheck(username string) bool {
	if l.checker == nil {
		return false
	}
	username = strings.ToLower(username)
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.prechecks[username]
	return !ok || time.Since(last) >= precheckCooldown
}
