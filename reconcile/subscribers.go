package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/onnwee/channelwatch/db"
	"github.com/onnwee/channelwatch/events"
	"github.com/onnwee/channelwatch/telemetry"
	"github.com/onnwee/channelwatch/twitchapi"
)

const subscriberPageSize = 100

// Opts flags carried across runs for warn-once behavior.
const (
	optNotAffiliateWarned = "subscribers:not_affiliate_warned"
	optWrongOAuthWarned   = "subscribers:wrong_oauth_warned"
)

// SubscriberAPI is the remote surface the subscriber reconciler needs.
type SubscriberAPI interface {
	GetSubscriptionsPage(ctx context.Context, cursor string, first int) (*twitchapi.SubscriptionsPage, error)
}

// SubscriberStore is the persistence surface.
type SubscriberStore interface {
	SubscribedUsers(ctx context.Context) ([]db.User, error)
	SetSubscriber(ctx context.Context, userID, username, tier string) error
	ClearSubscriber(ctx context.Context, userID string) error
}

// SubscriberTotals receives the subscriber count.
type SubscriberTotals interface {
	SetSubscribers(n int)
}

// Identity exposes the account facts the reconciler keys its exclusions on.
type Identity interface {
	ChannelID() string
	BotUserID() string
	BroadcasterType() string
}

// Subscribers reconciles the subscriber set against the remote list.
type Subscribers struct {
	api      SubscriberAPI
	store    SubscriberStore
	bus      *events.Bus
	totals   SubscriberTotals
	identity Identity
	warnings *telemetry.Warnings

	mu              sync.Mutex
	botIsSubscriber bool
}

// NewSubscribers builds the reconciler. bus, totals and warnings may be nil.
func NewSubscribers(api SubscriberAPI, store SubscriberStore, bus *events.Bus, totals SubscriberTotals, identity Identity, warnings *telemetry.Warnings) *Subscribers {
	return &Subscribers{api: api, store: store, bus: bus, totals: totals, identity: identity, warnings: warnings}
}

// BotIsSubscriber reports whether the bot account appeared in the last fetch.
func (s *Subscribers) BotIsSubscriber() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.botIsSubscriber
}

func (s *Subscribers) setCount(n int) {
	if s.totals != nil {
		s.totals.SetSubscribers(n)
	}
}

// Sync walks the subscription pages and reconciles local state after the
// final page. opts carries the warn-once flags between runs.
func (s *Subscribers) Sync(ctx context.Context, opts map[string]any) bool {
	bt := s.identity.BroadcasterType()
	if bt != "affiliate" && bt != "partner" {
		if _, warned := opts[optNotAffiliateWarned]; !warned {
			slog.Warn("channel has no subscription program", slog.String("broadcaster_type", bt))
			s.warnings.Add("subscribers", "channel is not affiliate or partner, subscriber data unavailable")
			opts[optNotAffiliateWarned] = true
		}
		s.setCount(0)
		return true
	}

	// Count seeded at -1: the broadcaster is always in the list but never
	// shown as a subscriber.
	count := -1
	fetched := make(map[string]twitchapi.Subscription)
	cursor := ""
	for {
		page, err := s.api.GetSubscriptionsPage(ctx, cursor, subscriberPageSize)
		if err != nil {
			return s.fail(err, opts)
		}
		count += len(page.Subs)
		for _, sub := range page.Subs {
			fetched[sub.UserID] = sub
		}
		if len(page.Subs) < subscriberPageSize || page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	// A successful call clears the warn-once flags.
	delete(opts, optNotAffiliateWarned)
	delete(opts, optWrongOAuthWarned)

	if err := s.apply(ctx, fetched); err != nil {
		slog.Warn("subscriber reconcile failed", slog.Any("err", err))
		return false
	}
	s.setCount(count)
	return true
}

// apply downgrades lapsed subscribers and upserts fetched ones, excluding the
// broadcaster and the bot from the stored set.
func (s *Subscribers) apply(ctx context.Context, fetched map[string]twitchapi.Subscription) error {
	channelID := s.identity.ChannelID()
	botID := s.identity.BotUserID()

	_, botPresent := fetched[botID]
	s.mu.Lock()
	s.botIsSubscriber = botID != "" && botPresent
	s.mu.Unlock()

	local, err := s.store.SubscribedUsers(ctx)
	if err != nil {
		return err
	}
	localByID := make(map[string]db.User, len(local))
	for _, u := range local {
		localByID[u.UserID] = u
		if _, still := fetched[u.UserID]; still {
			continue
		}
		if u.SubscriberLock {
			continue
		}
		if err := s.store.ClearSubscriber(ctx, u.UserID); err != nil {
			return err
		}
		slog.Debug("subscriber lapsed", slog.String("username", u.Username))
	}

	for id, sub := range fetched {
		if id == channelID || id == botID {
			continue
		}
		tier := storedTier(sub.Tier)
		u, known := localByID[id]
		if known && u.IsSubscriber && u.SubscribeTier == tier {
			continue
		}
		if err := s.store.SetSubscriber(ctx, id, sub.UserLogin, tier); err != nil {
			return err
		}
		// Tier changes on an existing subscriber are a rewrite, not a new
		// subscription.
		if s.bus != nil && (!known || !u.IsSubscriber) {
			s.bus.Fire(ctx, events.Subscribe, events.Payload{Username: sub.UserLogin, UserID: id, Tier: tier})
		}
	}
	return nil
}

// fail classifies a page-fetch error: 401/403 is a credentials problem worth
// a one-time warning and a zeroed count, everything else re-arms the task.
func (s *Subscribers) fail(err error, opts map[string]any) bool {
	status := twitchapi.HTTPStatus(err)
	var ms *twitchapi.MissingScopeError
	if status == 401 || status == 403 || errors.As(err, &ms) {
		if _, warned := opts[optWrongOAuthWarned]; !warned {
			slog.Warn("subscriber fetch rejected, check broadcaster oauth", slog.Any("err", err))
			s.warnings.Add("subscribers", "subscription fetch rejected: broadcaster token missing or lacking channel:read:subscriptions")
			opts[optWrongOAuthWarned] = true
		}
		s.setCount(0)
		return true
	}
	if twitchapi.IsSoft(err) || twitchapi.IsTransient(err) {
		slog.Debug("subscriber fetch deferred", slog.Any("err", err))
	} else {
		slog.Warn("subscriber fetch failed", slog.Any("err", err))
	}
	return false
}

// storedTier converts the wire tier to the stored form: numeric tiers divide
// by 1000, anything else passes through.
func storedTier(tier string) string {
	if n, err := strconv.Atoi(tier); err == nil && n >= 1000 {
		return strconv.Itoa(n / 1000)
	}
	return tier
}
