package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/channelwatch/db"
	"github.com/onnwee/channelwatch/ratelimit"
)

// StartRefresher launches one goroutine per identity that wakes on a jittered
// interval and refreshes the stored token when its remaining lifetime falls
// inside the window. Successful refreshes update the persisted row and the
// manager's cache.
func (m *Manager) StartRefresher(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	for _, id := range []ratelimit.Identity{ratelimit.IdentityBot, ratelimit.IdentityBroadcaster} {
		go m.refreshLoop(ctx, id, interval, window)
	}
}

func (m *Manager) refreshLoop(ctx context.Context, id ratelimit.Identity, interval, window time.Duration) {
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}
	for {
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
		nextSleep := interval + jitter
		if nextSleep < interval/2 {
			nextSleep = interval / 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(nextSleep):
		}
		if err := m.refreshOnce(ctx, id, window); err != nil {
			slog.Warn("token refresh failed", slog.String("identity", string(id)), slog.Any("err", err))
		}
	}
}

// refreshOnce refreshes the identity's token if it is inside the expiry
// window. Rows without a refresh token are skipped.
func (m *Manager) refreshOnce(ctx context.Context, id ratelimit.Identity, window time.Duration) error {
	_, refresh, expiry, scope, err := db.GetOAuthToken(ctx, m.db, providerFor(id))
	if err != nil {
		return err
	}
	if refresh == "" {
		return nil
	}
	if time.Until(expiry) > window {
		return nil
	}

	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	src := m.cfg.TokenSource(ctx2, &oauth2.Token{RefreshToken: refresh})
	tok, err := src.Token()
	if err != nil {
		return err
	}
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refresh
	}
	newScope := scope
	if raw := tok.Extra("scope"); raw != nil {
		if s := joinScope(raw); s != "" {
			newScope = s
		}
	}
	if err := db.UpsertOAuthToken(ctx, m.db, providerFor(id), tok.AccessToken, newRefresh, tok.Expiry, newScope); err != nil {
		return err
	}
	slog.Info("token refreshed", slog.String("identity", string(id)))
	return m.loadIdentity(ctx, id)
}
