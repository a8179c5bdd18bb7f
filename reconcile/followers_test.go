package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/channelwatch/db"
	"github.com/onnwee/channelwatch/events"
	"github.com/onnwee/channelwatch/twitchapi"
)

type fakeFollowerAPI struct {
	pages      []*twitchapi.FollowersPage
	pageCalls  int
	singleUser map[string]*twitchapi.Follow
}

func (f *fakeFollowerAPI) GetFollowersPage(ctx context.Context, cursor string, first int) (*twitchapi.FollowersPage, error) {
	if f.pageCalls >= len(f.pages) {
		return &twitchapi.FollowersPage{}, nil
	}
	p := f.pages[f.pageCalls]
	f.pageCalls++
	return p, nil
}

func (f *fakeFollowerAPI) GetFollowerByUserID(ctx context.Context, userID string) (*twitchapi.Follow, error) {
	return f.singleUser[userID], nil
}

type fakeUserStore struct {
	mu      sync.Mutex
	users   map[string]db.User
	kv      map[string]string
	upserts int
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]db.User), kv: make(map[string]string)}
}

func (s *fakeUserStore) UsersByIDs(ctx context.Context, ids []string) ([]db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.User
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *fakeUserStore) UpsertUsers(ctx context.Context, users []db.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	for _, u := range users {
		// Mirror the real upsert: lock columns themselves never change.
		if old, ok := s.users[u.UserID]; ok {
			u.FollowLock = old.FollowLock
			u.FollowerLock = old.FollowerLock
			u.SubscriberLock = old.SubscriberLock
		}
		s.users[u.UserID] = u
	}
	return nil
}

func (s *fakeUserStore) UpdateFollow(ctx context.Context, userID string, isFollower bool, followedAt, followCheckAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Mirror the real store: a bare UPDATE on a missing row matches nothing.
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	u.UserID = userID
	u.IsFollower = isFollower
	u.FollowedAt = followedAt
	u.FollowCheckAt = followCheckAt
	s.users[userID] = u
	return nil
}

func (s *fakeUserStore) GetKV(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key], nil
}

func (s *fakeUserStore) SetKV(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

type countTotals struct{ followers, subscribers int }

func (c *countTotals) SetFollowers(n int)   { c.followers = n }
func (c *countTotals) SetSubscribers(n int) { c.subscribers = n }

func follow(id string, ago time.Duration) twitchapi.Follow {
	return twitchapi.Follow{UserID: id, UserLogin: "user" + id, FollowedAt: time.Now().Add(-ago)}
}

func followPage(n int, cursor string, ago time.Duration) *twitchapi.FollowersPage {
	p := &twitchapi.FollowersPage{Total: 237, Cursor: cursor}
	for i := 0; i < n; i++ {
		p.Follows = append(p.Follows, follow(fmt.Sprintf("%s-%d", cursor, i), ago))
	}
	return p
}

func TestSyncAllPaginationTerminatesOnShortPage(t *testing.T) {
	api := &fakeFollowerAPI{pages: []*twitchapi.FollowersPage{
		followPage(100, "c1", 48*time.Hour),
		followPage(100, "c2", 48*time.Hour),
		followPage(37, "", 48*time.Hour),
	}}
	store := newFakeUserStore()
	f := NewFollowers(api, store, nil, nil, nil)

	if !f.SyncAll(context.Background()) {
		t.Fatal("SyncAll reported failure")
	}
	if api.pageCalls != 3 {
		t.Errorf("page calls = %d, want 3", api.pageCalls)
	}
	if len(store.users) != 237 {
		t.Errorf("stored users = %d, want 237", len(store.users))
	}
	// Each page reconciled before fetching the next.
	if store.upserts != 3 {
		t.Errorf("upsert batches = %d, want 3", store.upserts)
	}
}

func TestSyncLatestWatermarkAndTotal(t *testing.T) {
	fl := follow("1", 30*time.Minute)
	api := &fakeFollowerAPI{pages: []*twitchapi.FollowersPage{
		{Total: 42, Follows: []twitchapi.Follow{fl}},
		{Total: 43, Follows: []twitchapi.Follow{fl}},
	}}
	store := newFakeUserStore()
	totals := &countTotals{}
	f := NewFollowers(api, store, nil, totals, nil)

	ctx := context.Background()
	if !f.SyncLatest(ctx) {
		t.Fatal("first SyncLatest failed")
	}
	if totals.followers != 42 {
		t.Errorf("followers total = %d", totals.followers)
	}
	if store.upserts != 1 {
		t.Fatalf("upserts after first poll = %d, want 1", store.upserts)
	}
	// Second poll sees nothing past the watermark: no reconcile batch.
	if !f.SyncLatest(ctx) {
		t.Fatal("second SyncLatest failed")
	}
	if store.upserts != 1 {
		t.Errorf("upserts after second poll = %d, want still 1", store.upserts)
	}
}

func TestFollowNotificationRules(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		user   db.User
		follow twitchapi.Follow
		want   bool
	}{
		{
			name:   "fresh unknown follower notifies",
			follow: twitchapi.Follow{UserID: "1", FollowedAt: now.Add(-10 * time.Minute)},
			want:   true,
		},
		{
			name:   "already marked follower stays quiet",
			user:   db.User{UserID: "2", IsFollower: true},
			follow: twitchapi.Follow{UserID: "2", FollowedAt: now.Add(-10 * time.Minute)},
			want:   false,
		},
		{
			name:   "follow older than two hours stays quiet",
			follow: twitchapi.Follow{UserID: "3", FollowedAt: now.Add(-3 * time.Hour)},
			want:   false,
		},
		{
			name:   "recently seen local record stays quiet",
			user:   db.User{UserID: "4", FollowedAt: now.Add(-30 * time.Minute)},
			follow: twitchapi.Follow{UserID: "4", FollowedAt: now.Add(-10 * time.Minute)},
			want:   false,
		},
		{
			name:   "stale local record notifies again",
			user:   db.User{UserID: "5", FollowedAt: now.Add(-2 * time.Hour)},
			follow: twitchapi.Follow{UserID: "5", FollowedAt: now.Add(-10 * time.Minute)},
			want:   true,
		},
		{
			name:   "bot account never notifies",
			follow: twitchapi.Follow{UserID: "bot-id", FollowedAt: now.Add(-10 * time.Minute)},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFollowers(nil, newFakeUserStore(), nil, nil, func() string { return "bot-id" })
			if got := f.shouldNotify(tt.user, tt.follow, now); got != tt.want {
				t.Errorf("shouldNotify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFollowNotificationAntiDuplicate(t *testing.T) {
	f := NewFollowers(nil, newFakeUserStore(), nil, nil, nil)
	now := time.Now()
	fl := twitchapi.Follow{UserID: "1", FollowedAt: now.Add(-time.Minute)}
	if !f.shouldNotify(db.User{}, fl, now) {
		t.Fatal("first notification suppressed")
	}
	if f.shouldNotify(db.User{}, fl, now) {
		t.Error("duplicate notification not suppressed")
	}
}

func TestFullScaleSweepNeverNotifies(t *testing.T) {
	bus := events.NewBus()
	notified := 0
	bus.Subscribe(events.Follow, func(ctx context.Context, p events.Payload) { notified++ })
	api := &fakeFollowerAPI{pages: []*twitchapi.FollowersPage{
		{Follows: []twitchapi.Follow{follow("1", 5*time.Minute), follow("2", 5*time.Minute)}},
	}}
	f := NewFollowers(api, newFakeUserStore(), bus, nil, nil)

	if !f.SyncAll(context.Background()) {
		t.Fatal("SyncAll failed")
	}
	if notified != 0 {
		t.Errorf("full sweep fired %d follow events, want 0", notified)
	}
}

func TestReconcilePreservesLocks(t *testing.T) {
	lockedAt := time.Now().Add(-90 * 24 * time.Hour).Truncate(time.Second)
	store := newFakeUserStore()
	store.users["1"] = db.User{UserID: "1", Username: "user1", IsFollower: false, FollowerLock: true}
	store.users["2"] = db.User{UserID: "2", Username: "user2", IsFollower: true, FollowedAt: lockedAt, FollowLock: true}
	api := &fakeFollowerAPI{pages: []*twitchapi.FollowersPage{
		{Follows: []twitchapi.Follow{follow("1", 48*time.Hour), follow("2", 48*time.Hour)}},
	}}
	f := NewFollowers(api, store, nil, nil, nil)

	if !f.SyncAll(context.Background()) {
		t.Fatal("SyncAll failed")
	}
	if store.users["1"].IsFollower {
		t.Error("followerLock ignored: isFollower overwritten")
	}
	if !store.users["2"].FollowedAt.Equal(lockedAt) {
		t.Errorf("followLock ignored: followedAt = %v", store.users["2"].FollowedAt)
	}
}

func TestCheckFollowUnfollow(t *testing.T) {
	bus := events.NewBus()
	var unfollows []events.Payload
	bus.Subscribe(events.Unfollow, func(ctx context.Context, p events.Payload) { unfollows = append(unfollows, p) })
	store := newFakeUserStore()
	store.users["1"] = db.User{UserID: "1", Username: "user1", IsFollower: true}
	api := &fakeFollowerAPI{singleUser: map[string]*twitchapi.Follow{}}
	f := NewFollowers(api, store, bus, nil, nil)

	if !f.CheckFollow(context.Background(), "1", "user1") {
		t.Fatal("CheckFollow failed")
	}
	if store.users["1"].IsFollower {
		t.Error("user still marked follower after remote disagreed")
	}
	if len(unfollows) != 1 || unfollows[0].Username != "user1" {
		t.Errorf("unfollow events = %+v", unfollows)
	}
}

func TestCheckFollowRespectsFollowerLock(t *testing.T) {
	store := newFakeUserStore()
	store.users["1"] = db.User{UserID: "1", IsFollower: true, FollowerLock: true}
	api := &fakeFollowerAPI{singleUser: map[string]*twitchapi.Follow{}}
	f := NewFollowers(api, store, nil, nil, nil)

	if !f.CheckFollow(context.Background(), "1", "user1") {
		t.Fatal("CheckFollow failed")
	}
	if !store.users["1"].IsFollower {
		t.Error("followerLock ignored on unfollow path")
	}
}

func TestCheckFollowNewFollower(t *testing.T) {
	bus := events.NewBus()
	follows := 0
	bus.Subscribe(events.Follow, func(ctx context.Context, p events.Payload) { follows++ })
	store := newFakeUserStore()
	remote := follow("1", 10*time.Minute)
	api := &fakeFollowerAPI{singleUser: map[string]*twitchapi.Follow{"1": &remote}}
	f := NewFollowers(api, store, bus, nil, nil)

	if !f.CheckFollow(context.Background(), "1", "user1") {
		t.Fatal("CheckFollow failed")
	}
	if !store.users["1"].IsFollower {
		t.Error("user not marked follower")
	}
	if follows != 1 {
		t.Errorf("follow events = %d, want 1", follows)
	}
}

func TestCheckFollowInsertsUnknownUser(t *testing.T) {
	bus := events.NewBus()
	follows := 0
	bus.Subscribe(events.Follow, func(ctx context.Context, p events.Payload) { follows++ })
	store := newFakeUserStore()
	remote := follow("9", 10*time.Minute)
	api := &fakeFollowerAPI{singleUser: map[string]*twitchapi.Follow{"9": &remote}}
	f := NewFollowers(api, store, bus, nil, nil)

	// A user with no local row gets their placeholder persisted, so the
	// follow state survives and the next recheck cannot re-notify.
	if !f.CheckFollow(context.Background(), "9", "stranger") {
		t.Fatal("CheckFollow failed")
	}
	u, ok := store.users["9"]
	if !ok {
		t.Fatal("unknown user not persisted")
	}
	if !u.IsFollower || u.Username != "stranger" {
		t.Errorf("stored user = %+v", u)
	}
	if follows != 1 {
		t.Errorf("follow events = %d, want 1", follows)
	}

	if !f.CheckFollow(context.Background(), "9", "stranger") {
		t.Fatal("second CheckFollow failed")
	}
	if follows != 1 {
		t.Errorf("follow events after recheck = %d, want 1", follows)
	}
}
