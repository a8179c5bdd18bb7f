package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/channelwatch/db"
	"github.com/onnwee/channelwatch/twitchapi"
)

// clipRecheckWindow is how long a created clip is polled for before its
// pending row is dropped. Clips usually materialize within seconds, but the
// endpoint lags behind creation.
const clipRecheckWindow = 20 * time.Minute

// clipBatchSize is the id-list limit of the clips endpoint.
const clipBatchSize = 100

// ErrStreamOffline is returned when a clip is requested while the channel is
// not live.
var ErrStreamOffline = errors.New("cannot create clip while stream is offline")

// ClipAPI is the remote surface for clip handling.
type ClipAPI interface {
	CreateClip(ctx context.Context, hasDelay bool) (string, error)
	GetClipsByID(ctx context.Context, ids []string) ([]twitchapi.Clip, error)
}

// ClipStore is the persistence surface.
type ClipStore interface {
	InsertPendingClip(ctx context.Context, clipID string, deadline time.Time) error
	UncheckedClips(ctx context.Context) ([]db.PendingClip, error)
	MarkClipChecked(ctx context.Context, clipID string) error
	DeleteClip(ctx context.Context, clipID string) error
}

// Clips creates clips and confirms they materialized.
type Clips struct {
	api    ClipAPI
	store  ClipStore
	online func() bool
	now    func() time.Time
}

// NewClips builds the handler. online reports the debounced stream state.
func NewClips(api ClipAPI, store ClipStore, online func() bool) *Clips {
	if online == nil {
		online = func() bool { return false }
	}
	return &Clips{api: api, store: store, online: online, now: time.Now}
}

// Create cuts a clip and records a pending row for the checker. Clips are
// only possible while the stream is live.
func (c *Clips) Create(ctx context.Context, hasDelay bool) (string, error) {
	if !c.online() {
		return "", ErrStreamOffline
	}
	id, err := c.api.CreateClip(ctx, hasDelay)
	if err != nil {
		return "", err
	}
	if err := c.store.InsertPendingClip(ctx, id, c.now().Add(clipRecheckWindow)); err != nil {
		slog.Warn("pending clip persist failed", slog.String("clip_id", id), slog.Any("err", err))
	}
	slog.Info("clip created", slog.String("clip_id", id))
	return id, nil
}

// Check polls unchecked pending clips: found clips are marked checked, rows
// past their recheck deadline are dropped.
func (c *Clips) Check(ctx context.Context) bool {
	pending, err := c.store.UncheckedClips(ctx)
	if err != nil {
		slog.Warn("pending clip load failed", slog.Any("err", err))
		return false
	}
	now := c.now()
	var ids []string
	for _, p := range pending {
		if now.After(p.RecheckDeadline) {
			slog.Warn("clip never materialized, dropping", slog.String("clip_id", p.ClipID))
			if err := c.store.DeleteClip(ctx, p.ClipID); err != nil {
				slog.Warn("pending clip delete failed", slog.Any("err", err))
			}
			continue
		}
		ids = append(ids, p.ClipID)
	}
	if len(ids) == 0 {
		return true
	}

	for start := 0; start < len(ids); start += clipBatchSize {
		end := start + clipBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		clips, err := c.api.GetClipsByID(ctx, ids[start:end])
		if err != nil {
			if twitchapi.IsSoft(err) || twitchapi.IsTransient(err) {
				slog.Debug("clip check deferred", slog.Any("err", err))
			} else {
				slog.Warn("clip check failed", slog.Any("err", err))
			}
			return false
		}
		for _, clip := range clips {
			if err := c.store.MarkClipChecked(ctx, clip.ID); err != nil {
				slog.Warn("clip check persist failed", slog.String("clip_id", clip.ID), slog.Any("err", err))
			}
		}
	}
	return true
}
