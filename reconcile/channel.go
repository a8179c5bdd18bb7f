package reconcile

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/onnwee/channelwatch/twitchapi"
)

const kvChannelViews = "channel:views"

// ChannelUserAPI fetches user records.
type ChannelUserAPI interface {
	GetUserByID(ctx context.Context, id string) (*twitchapi.User, error)
}

// ChannelIdentity is the credential cache the observed broadcaster type feeds
// back into.
type ChannelIdentity interface {
	ChannelID() string
	SetBroadcasterType(t string)
}

// KVStore persists the observed view count.
type KVStore interface {
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
}

// Channel polls the broadcaster's user record for the affiliate/partner
// status and the channel view count.
type Channel struct {
	api      ChannelUserAPI
	identity ChannelIdentity
	kv       KVStore

	mu    sync.Mutex
	views int
}

// NewChannel builds the poll. kv may be nil.
func NewChannel(api ChannelUserAPI, identity ChannelIdentity, kv KVStore) *Channel {
	return &Channel{api: api, identity: identity, kv: kv}
}

// Views returns the last observed channel view count.
func (c *Channel) Views() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.views
}

// Restore loads the persisted view count.
func (c *Channel) Restore(ctx context.Context) {
	if c.kv == nil {
		return
	}
	if v, err := c.kv.GetKV(ctx, kvChannelViews); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.mu.Lock()
			c.views = n
			c.mu.Unlock()
		}
	}
}

// Sync fetches the broadcaster record. Returns false on soft failures.
func (c *Channel) Sync(ctx context.Context) bool {
	id := c.identity.ChannelID()
	if id == "" {
		return false
	}
	u, err := c.api.GetUserByID(ctx, id)
	if err != nil {
		if twitchapi.IsSoft(err) || twitchapi.IsTransient(err) {
			slog.Debug("channel poll deferred", slog.Any("err", err))
		} else {
			slog.Warn("channel poll failed", slog.Any("err", err))
		}
		return false
	}
	if u == nil {
		slog.Warn("broadcaster record missing", slog.String("channel_id", id))
		return true
	}
	c.identity.SetBroadcasterType(u.BroadcasterType)
	c.mu.Lock()
	c.views = u.ViewCount
	c.mu.Unlock()
	if c.kv != nil {
		if err := c.kv.SetKV(ctx, kvChannelViews, strconv.Itoa(u.ViewCount)); err != nil {
			slog.Warn("channel views persist failed", slog.Any("err", err))
		}
	}
	return true
}
