// Package reconcile holds the polling reconcilers that keep the local user
// and channel state in line with the remote API: followers, subscribers,
// moderators, channel metadata, stream tags and clips. Each reconciler
// exposes sync methods shaped for the scheduler: they return false for soft
// failures so the task re-arms, and carry warn-once flags in the task opts.
package reconcile

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

const (
	followerPageSize = 100

	// newFollowWindow bounds how old a remote follow may be to still count as
	// "new" for notification purposes.
	newFollowWindow = 2 * time.Hour

	// followRecheckAge is the minimum staleness of the local record before a
	// follow notification is considered at all.
	followRecheckAge = time.Hour

	kvFollowerWatermark = "followers:watermark"
)

// FollowerAPI is the remote surface the follower reconciler needs.
type FollowerAPI interface {
	GetFollowersPage(ctx context.Context, cursor string, first int) (*twitchapi.FollowersPage, error)
	GetFollowerByUserID(ctx context.Context, userID string) (*twitchapi.Follow, error)
}

// FollowerStore is the persistence surface.
type FollowerStore interface {
	UsersByIDs(ctx context.Context, ids []string) ([]db.User, error)
	UpsertUsers(ctx context.Context, users []db.User) error
	UpdateFollow(ctx context.Context, userID string, isFollower bool, followedAt, followCheckAt time.Time) error
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
}

// FollowerTotals receives the channel-wide follower count.
type FollowerTotals interface {
	SetFollowers(n int)
}

// Followers reconciles the follower set: a frequent latest-page poll driven
// by a followed_at watermark, plus a daily full cursor sweep.
type Followers struct {
	api    FollowerAPI
	store  FollowerStore
	bus    *events.Bus
	totals FollowerTotals

	botUserID func() string
	now       func() time.Time

	mu       sync.Mutex
	notified map[string]time.Time
}

// NewFollowers builds the reconciler. totals may be nil.
func NewFollowers(api FollowerAPI, store FollowerStore, bus *events.Bus, totals FollowerTotals, botUserID func() string) *Followers {
	if botUserID == nil {
		botUserID = func() string { return "" }
	}
	return &Followers{
		api:       api,
		store:     store,
		bus:       bus,
		totals:    totals,
		botUserID: botUserID,
		now:       time.Now,
		notified:  make(map[string]time.Time),
	}
}

// SyncLatest polls the newest follower page and reconciles follows past the
// stored watermark. Returns false on soft failures.
func (f *Followers) SyncLatest(ctx context.Context) bool {
	page, err := f.api.GetFollowersPage(ctx, "", followerPageSize)
	if err != nil {
		return f.softFail("follower poll", err)
	}
	if f.totals != nil {
		f.totals.SetFollowers(page.Total)
	}

	watermark := f.loadWatermark(ctx)
	var fresh []twitchapi.Follow
	newest := watermark
	for _, fl := range page.Follows {
		if fl.FollowedAt.After(watermark) {
			fresh = append(fresh, fl)
		}
		if fl.FollowedAt.After(newest) {
			newest = fl.FollowedAt
		}
	}
	if len(fresh) > 0 {
		if err := f.reconcile(ctx, fresh, false); err != nil {
			slog.Warn("follower reconcile failed", slog.Any("err", err))
			return false
		}
	}
	if newest.After(watermark) {
		f.saveWatermark(ctx, newest)
	}
	return true
}

// SyncAll walks the full follower list, reconciling each page before fetching
// the next. A page shorter than the page size terminates the sweep.
func (f *Followers) SyncAll(ctx context.Context) bool {
	cursor := ""
	for {
		page, err := f.api.GetFollowersPage(ctx, cursor, followerPageSize)
		if err != nil {
			return f.softFail("follower sweep", err)
		}
		if f.totals != nil {
			f.totals.SetFollowers(page.Total)
		}
		if err := f.reconcile(ctx, page.Follows, true); err != nil {
			slog.Warn("follower sweep reconcile failed", slog.Any("err", err))
			return false
		}
		if len(page.Follows) < followerPageSize || page.Cursor == "" {
			return true
		}
		cursor = page.Cursor
	}
}

// reconcile applies one batch of remote follows to local state. fullScale
// suppresses notifications: the daily sweep must never replay old follows as
// alerts.
func (f *Followers) reconcile(ctx context.Context, follows []twitchapi.Follow, fullScale bool) error {
	ids := make([]string, 0, len(follows))
	for _, fl := range follows {
		ids = append(ids, fl.UserID)
	}
	existing, err := f.store.UsersByIDs(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[string]db.User, len(existing))
	for _, u := range existing {
		byID[u.UserID] = u
	}

	now := f.now()
	rows := make([]db.User, 0, len(follows))
	for _, fl := range follows {
		u, known := byID[fl.UserID]
		if !known {
			u = db.User{UserID: fl.UserID, Username: fl.UserLogin}
		}
		if !fullScale && f.shouldNotify(u, fl, now) {
			f.notify(ctx, fl)
		}
		if !u.FollowerLock {
			u.IsFollower = true
		}
		if !u.FollowLock {
			u.FollowedAt = fl.FollowedAt
		}
		u.Username = fl.UserLogin
		u.FollowCheckAt = now
		rows = append(rows, u)
	}
	return f.store.UpsertUsers(ctx, rows)
}

// shouldNotify applies the new-follow rules: never the bot, only follows
// within the freshness window, only users whose local record is unseen or
// stale, and never twice per process.
func (f *Followers) shouldNotify(u db.User, fl twitchapi.Follow, now time.Time) bool {
	if fl.UserID == f.botUserID() {
		return false
	}
	if u.IsFollower {
		return false
	}
	if now.Sub(fl.FollowedAt) > newFollowWindow {
		return false
	}
	if !u.FollowedAt.IsZero() && now.Sub(u.FollowedAt) <= followRecheckAge {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.notified[fl.UserID]; dup {
		return false
	}
	f.notified[fl.UserID] = now
	return true
}

func (f *Followers) notify(ctx context.Context, fl twitchapi.Follow) {
	slog.Info("new follower", slog.String("username", fl.UserLogin), slog.String("user_id", fl.UserID))
	if telemetry.FollowEvents != nil {
		telemetry.FollowEvents.Inc()
	}
	if f.bus != nil {
		f.bus.Fire(ctx, events.Follow, events.Payload{Username: fl.UserLogin, UserID: fl.UserID})
	}
}

// CheckFollow rechecks a single user against the remote follower list, used
// by the chat join path. Locks are preserved.
func (f *Followers) CheckFollow(ctx context.Context, userID, username string) bool {
	users, err := f.store.UsersByIDs(ctx, []string{userID})
	if err != nil {
		slog.Warn("follow recheck load failed", slog.Any("err", err))
		return false
	}
	var u db.User
	if len(users) > 0 {
		u = users[0]
	} else {
		u = db.User{UserID: userID, Username: username}
	}

	remote, err := f.api.GetFollowerByUserID(ctx, userID)
	if err != nil {
		return f.softFail("follow recheck", err)
	}
	// The follow update below is a plain UPDATE; a user never seen before
	// needs their placeholder row first.
	if len(users) == 0 {
		if err := f.store.UpsertUsers(ctx, []db.User{u}); err != nil {
			slog.Warn("follow recheck user insert failed", slog.Any("err", err))
			return false
		}
	}
	now := f.now()
	switch {
	case remote == nil && u.IsFollower && !u.FollowerLock:
		if err := f.store.UpdateFollow(ctx, userID, false, time.Time{}, now); err != nil {
			slog.Warn("unfollow persist failed", slog.Any("err", err))
			return false
		}
		slog.Info("follower lapsed", slog.String("username", username))
		if telemetry.UnfollowEvents != nil {
			telemetry.UnfollowEvents.Inc()
		}
		if f.bus != nil {
			f.bus.Fire(ctx, events.Unfollow, events.Payload{Username: username, UserID: userID})
		}
	case remote != nil && !u.IsFollower:
		followedAt := remote.FollowedAt
		if u.FollowLock {
			followedAt = u.FollowedAt
		}
		isFollower := true
		if u.FollowerLock {
			isFollower = u.IsFollower
		}
		if err := f.store.UpdateFollow(ctx, userID, isFollower, followedAt, now); err != nil {
			slog.Warn("follow persist failed", slog.Any("err", err))
			return false
		}
		if userID != f.botUserID() && now.Sub(remote.FollowedAt) < followRecheckAge {
			f.notify(ctx, *remote)
		}
	default:
		if err := f.store.UpdateFollow(ctx, userID, u.IsFollower, u.FollowedAt, now); err != nil {
			slog.Warn("follow check persist failed", slog.Any("err", err))
			return false
		}
	}
	return true
}

func (f *Followers) loadWatermark(ctx context.Context) time.Time {
	v, err := f.store.GetKV(ctx, kvFollowerWatermark)
	if err != nil || v == "" {
		return time.Time{}
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

func (f *Followers) saveWatermark(ctx context.Context, t time.Time) {
	if err := f.store.SetKV(ctx, kvFollowerWatermark, strconv.FormatInt(t.UnixNano(), 10)); err != nil {
		slog.Warn("follower watermark persist failed", slog.Any("err", err))
	}
}

// softFail logs an error and distinguishes soft conditions (auth not ready,
// budget exhausted, rate limited) from real failures. Both re-arm the task;
// soft ones only at debug level.
func (f *Followers) softFail(what string, err error) bool {
	if twitchapi.IsSoft(err) || twitchapi.IsTransient(err) {
		slog.Debug(what+" deferred", slog.Any("err", err))
	} else {
		slog.Warn(what+" failed", slog.Any("err", err))
	}
	return false
}
