package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/channelwatch/db"
	"github.com/onnwee/channelwatch/twitchapi"
)

const tagPageSize = 100

// TagAPI is the remote surface for tag syncing.
type TagAPI interface {
	GetStreamTags(ctx context.Context) ([]twitchapi.Tag, error)
	GetAllTagsPage(ctx context.Context, cursor string, first int) (*twitchapi.TagsPage, error)
}

// TagStore is the persistence surface.
type TagStore interface {
	UpsertTag(ctx context.Context, t db.Tag) error
	SetCurrentTags(ctx context.Context, tagIDs []string) error
}

// Tags syncs the channel's current tags plus the global tag catalog.
type Tags struct {
	api   TagAPI
	store TagStore

	mu      sync.Mutex
	current []twitchapi.Tag
}

func NewTags(api TagAPI, store TagStore) *Tags {
	return &Tags{api: api, store: store}
}

// Current returns the last fetched applied-tags snapshot.
func (t *Tags) Current() []twitchapi.Tag {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]twitchapi.Tag, len(t.current))
	copy(out, t.current)
	return out
}

// SyncCurrent fetches the tags applied to the channel and marks them current.
func (t *Tags) SyncCurrent(ctx context.Context) bool {
	tags, err := t.api.GetStreamTags(ctx)
	if err != nil {
		return t.softFail("current tag sync", err)
	}
	ids := make([]string, 0, len(tags))
	for _, tag := range tags {
		ids = append(ids, tag.ID)
		if err := t.store.UpsertTag(ctx, toDBTag(tag)); err != nil {
			slog.Warn("tag upsert failed", slog.String("tag_id", tag.ID), slog.Any("err", err))
			return false
		}
	}
	if err := t.store.SetCurrentTags(ctx, ids); err != nil {
		slog.Warn("current tags persist failed", slog.Any("err", err))
		return false
	}
	t.mu.Lock()
	t.current = tags
	t.mu.Unlock()
	return true
}

// SyncAll walks the global tag catalog page by page, persisting localized
// names and descriptions.
func (t *Tags) SyncAll(ctx context.Context) bool {
	cursor := ""
	for {
		page, err := t.api.GetAllTagsPage(ctx, cursor, tagPageSize)
		if err != nil {
			return t.softFail("tag catalog sweep", err)
		}
		for _, tag := range page.Tags {
			if err := t.store.UpsertTag(ctx, toDBTag(tag)); err != nil {
				slog.Warn("tag upsert failed", slog.String("tag_id", tag.ID), slog.Any("err", err))
				return false
			}
		}
		if len(page.Tags) < tagPageSize || page.Cursor == "" {
			return true
		}
		cursor = page.Cursor
	}
}

func (t *Tags) softFail(what string, err error) bool {
	if twitchapi.IsSoft(err) || twitchapi.IsTransient(err) {
		slog.Debug(what+" deferred", slog.Any("err", err))
	} else {
		slog.Warn(what+" failed", slog.Any("err", err))
	}
	return false
}

func toDBTag(tag twitchapi.Tag) db.Tag {
	return db.Tag{
		TagID:        tag.ID,
		IsAuto:       tag.IsAuto,
		Names:        tag.Names,
		Descriptions: tag.Descriptions,
	}
}
