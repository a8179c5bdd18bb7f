package twitchapi

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/onnwee/channelwatch/ratelimit"
)

// Stream is one entry from GET /streams.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
	TagIDs      []string  `json:"tag_ids"`
	IsMature    bool      `json:"is_mature"`
}

// ChannelInfo is the broadcaster's stored channel metadata, valid even while
// offline.
type ChannelInfo struct {
	BroadcasterID   string `json:"broadcaster_id"`
	BroadcasterName string `json:"broadcaster_name"`
	GameID          string `json:"game_id"`
	GameName        string `json:"game_name"`
	Title           string `json:"title"`
	Language        string `json:"broadcaster_language"`
}

// User is one entry from GET /users.
type User struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	BroadcasterType string    `json:"broadcaster_type"`
	Description     string    `json:"description"`
	ProfileImageURL string    `json:"profile_image_url"`
	ViewCount       int       `json:"view_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// Follow is one entry from the channel followers endpoint.
type Follow struct {
	UserID     string    `json:"user_id"`
	UserLogin  string    `json:"user_login"`
	UserName   string    `json:"user_name"`
	FollowedAt time.Time `json:"followed_at"`
}

// FollowersPage is one page of followers plus the channel-wide total.
type FollowersPage struct {
	Total   int
	Follows []Follow
	Cursor  string
}

// Subscription is one entry from GET /subscriptions.
type Subscription struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
	Tier      string `json:"tier"`
	IsGift    bool   `json:"is_gift"`
}

// SubscriptionsPage is one page of subscriptions plus the reported total.
type SubscriptionsPage struct {
	Total  int
	Subs   []Subscription
	Cursor string
}

// Tag is one stream tag with its localized names and descriptions.
type Tag struct {
	ID           string            `json:"tag_id"`
	IsAuto       bool              `json:"is_auto"`
	Names        map[string]string `json:"localization_names"`
	Descriptions map[string]string `json:"localization_descriptions"`
}

// TagsPage is one page of the all-tags catalog.
type TagsPage struct {
	Tags   []Tag
	Cursor string
}

// Clip is one entry from GET /clips.
type Clip struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	BroadcasterID   string    `json:"broadcaster_id"`
	CreatorID       string    `json:"creator_id"`
	CreatorName     string    `json:"creator_name"`
	GameID          string    `json:"game_id"`
	Title           string    `json:"title"`
	ViewCount       int       `json:"view_count"`
	CreatedAt       time.Time `json:"created_at"`
	Duration        float64   `json:"duration"`
	ThumbnailURL    string    `json:"thumbnail_url"`
	VideoID         string    `json:"video_id"`
}

// Reward is a custom channel-point reward.
type Reward struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Cost      int    `json:"cost"`
	IsEnabled bool   `json:"is_enabled"`
	IsPaused  bool   `json:"is_paused"`
}

// Game is one entry from GET /games or the category search.
type Game struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BoxArtURL string `json:"box_art_url"`
}

// Moderator is one entry from GET /moderation/moderators.
type Moderator struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
}

type pagination struct {
	Cursor string `json:"cursor"`
}

// GetStreams fetches the live stream entry for the channel; empty slice means
// offline.
func (c *Client) GetStreams(ctx context.Context) ([]Stream, error) {
	q := url.Values{"user_id": {c.Tokens.ChannelID()}}
	var out struct {
		Data []Stream `json:"data"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBot, method: "GET", path: "/streams", query: q, gate: true}, &out)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetChannelInformation fetches stored channel metadata. Ungated: it is the
// offline-path observation the rest of the system depends on.
func (c *Client) GetChannelInformation(ctx context.Context) (*ChannelInfo, error) {
	q := url.Values{"broadcaster_id": {c.Tokens.ChannelID()}}
	var out struct {
		Data []ChannelInfo `json:"data"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBot, method: "GET", path: "/channels", query: q}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, &HTTPError{StatusCode: 404, Method: "GET", Endpoint: "/channels", Body: "no channel data"}
	}
	return &out.Data[0], nil
}

// GetUserByID fetches a single user record, or nil when unknown.
func (c *Client) GetUserByID(ctx context.Context, id string) (*User, error) {
	return c.getUser(ctx, url.Values{"id": {id}})
}

// GetUserByLogin fetches a single user record by login name, or nil when
// unknown.
func (c *Client) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	return c.getUser(ctx, url.Values{"login": {login}})
}

func (c *Client) getUser(ctx context.Context, q url.Values) (*User, error) {
	var out struct {
		Data []User `json:"data"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBot, method: "GET", path: "/users", query: q, gate: true}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

// GetFollowersPage fetches one page of channel followers, newest first.
// Cursor "" requests the first page. Follower sweeps run against a higher
// remaining-floor so they yield to interactive traffic.
func (c *Client) GetFollowersPage(ctx context.Context, cursor string, first int) (*FollowersPage, error) {
	q := url.Values{
		"broadcaster_id": {c.Tokens.ChannelID()},
		"first":          {strconv.Itoa(first)},
	}
	if cursor != "" {
		q.Set("after", cursor)
	}
	var out struct {
		Total      int        `json:"total"`
		Data       []Follow   `json:"data"`
		Pagination pagination `json:"pagination"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBot, method: "GET", path: "/channels/followers", query: q, gate: true, minRemaining: 40}, &out)
	if err != nil {
		return nil, err
	}
	return &FollowersPage{Total: out.Total, Follows: out.Data, Cursor: out.Pagination.Cursor}, nil
}

// GetFollowerByUserID checks whether a single user follows the channel; nil
// means they do not.
func (c *Client) GetFollowerByUserID(ctx context.Context, userID string) (*Follow, error) {
	q := url.Values{
		"broadcaster_id": {c.Tokens.ChannelID()},
		"user_id":        {userID},
	}
	var out struct {
		Data []Follow `json:"data"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBot, method: "GET", path: "/channels/followers", query: q, gate: true, minRemaining: 40}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

// GetSubscriptionsPage fetches one page of subscribers. Requires the
// broadcaster token with channel:read:subscriptions.
func (c *Client) GetSubscriptionsPage(ctx context.Context, cursor string, first int) (*SubscriptionsPage, error) {
	if !c.HasScope(ratelimit.IdentityBroadcaster, "channel:read:subscriptions") {
		return nil, &MissingScopeError{Scope: "channel:read:subscriptions"}
	}
	q := url.Values{
		"broadcaster_id": {c.Tokens.ChannelID()},
		"first":          {strconv.Itoa(first)},
	}
	if cursor != "" {
		q.Set("after", cursor)
	}
	var out struct {
		Total      int            `json:"total"`
		Data       []Subscription `json:"data"`
		Pagination pagination     `json:"pagination"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBroadcaster, method: "GET", path: "/subscriptions", query: q, gate: true}, &out)
	if err != nil {
		return nil, err
	}
	return &SubscriptionsPage{Total: out.Total, Subs: out.Data, Cursor: out.Pagination.Cursor}, nil
}

// GetStreamTags fetches the tags currently applied to the channel.
func (c *Client) GetStreamTags(ctx context.Context) ([]Tag, error) {
	q := url.Values{"broadcaster_id": {c.Tokens.ChannelID()}}
	var out struct {
		Data []Tag `json:"data"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBot, method: "GET", path: "/streams/tags", query: q, gate: true}, &out)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetAllTagsPage fetches one page of the global tag catalog.
func (c *Client) GetAllTagsPage(ctx context.Context, cursor string, first int) (*TagsPage, error) {
	q := url.Values{"first": {strconv.Itoa(first)}}
	if cursor != "" {
		q.Set("after", cursor)
	}
	var out struct {
		Data       []Tag      `json:"data"`
		Pagination pagination `json:"pagination"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBot, method: "GET", path: "/tags/streams", query: q, gate: true}, &out)
	if err != nil {
		return nil, err
	}
	return &TagsPage{Tags: out.Data, Cursor: out.Pagination.Cursor}, nil
}

// ReplaceStreamTags replaces the channel's manual tags with the given ids.
func (c *Client) ReplaceStreamTags(ctx context.Context, tagIDs []string) error {
	if !c.HasScope(ratelimit.IdentityBroadcaster, "channel:manage:broadcast") {
		return &MissingScopeError{Scope: "channel:manage:broadcast"}
	}
	q := url.Values{"broadcaster_id": {c.Tokens.ChannelID()}}
	body := map[string][]string{"tag_ids": tagIDs}
	return c.call(ctx, callOpts{identity: ratelimit.IdentityBroadcaster, method: "PUT", path: "/streams/tags", query: q, body: body, gate: true}, nil)
}

// GetModerators fetches all moderators of the channel. Requires the
// broadcaster token with moderation:read.
func (c *Client) GetModerators(ctx context.Context) ([]Moderator, error) {
	if !c.HasScope(ratelimit.IdentityBroadcaster, "moderation:read") {
		return nil, &MissingScopeError{Scope: "moderation:read"}
	}
	var all []Moderator
	cursor := ""
	for {
		q := url.Values{"broadcaster_id": {c.Tokens.ChannelID()}, "first": {"100"}}
		if cursor != "" {
			q.Set("after", cursor)
		}
		var out struct {
			Data       []Moderator `json:"data"`
			Pagination pagination  `json:"pagination"`
		}
		err := c.call(ctx, callOpts{identity: ratelimit.IdentityBroadcaster, method: "GET", path: "/moderation/moderators", query: q, gate: true}, &out)
		if err != nil {
			return nil, err
		}
		all = append(all, out.Data...)
		if out.Pagination.Cursor == "" || len(out.Data) < 100 {
			return all, nil
		}
		cursor = out.Pagination.Cursor
	}
}

// CreateClip asks Twitch to cut a clip. The returned id is not immediately
// queryable; callers must poll GetClipsByID until it materializes.
func (c *Client) CreateClip(ctx context.Context, hasDelay bool) (string, error) {
	if !c.HasScope(ratelimit.IdentityBot, "clips:edit") {
		return "", &MissingScopeError{Scope: "clips:edit"}
	}
	q := url.Values{"broadcaster_id": {c.Tokens.ChannelID()}}
	if hasDelay {
		q.Set("has_delay", "true")
	}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBot, method: "POST", path: "/clips", query: q, gate: true}, &out)
	if err != nil {
		return "", err
	}
	if len(out.Data) == 0 {
		return "", &HTTPError{StatusCode: 500, Method: "POST", Endpoint: "/clips", Body: "no clip id returned"}
	}
	return out.Data[0].ID, nil
}

// GetClipsByID fetches clips by id. Ungated: clip checks must clear pending
// rows promptly.
func (c *Client) GetClipsByID(ctx context.Context, ids []string) ([]Clip, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("id", id)
	}
	var out struct {
		Data []Clip `json:"data"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBot, method: "GET", path: "/clips", query: q}, &out)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetTopClips fetches the channel's clips within the given window, most
// viewed first.
func (c *Client) GetTopClips(ctx context.Context, startedAt time.Time, first int) ([]Clip, error) {
	q := url.Values{
		"broadcaster_id": {c.Tokens.ChannelID()},
		"first":          {strconv.Itoa(first)},
	}
	if !startedAt.IsZero() {
		q.Set("started_at", startedAt.UTC().Format(time.RFC3339))
	}
	var out struct {
		Data []Clip `json:"data"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBot, method: "GET", path: "/clips", query: q, gate: true}, &out)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetCustomRewards fetches the channel's custom channel-point rewards.
// Requires the broadcaster token with channel:read:redemptions.
func (c *Client) GetCustomRewards(ctx context.Context) ([]Reward, error) {
	if !c.HasScope(ratelimit.IdentityBroadcaster, "channel:read:redemptions") {
		return nil, &MissingScopeError{Scope: "channel:read:redemptions"}
	}
	q := url.Values{"broadcaster_id": {c.Tokens.ChannelID()}}
	var out struct {
		Data []Reward `json:"data"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBroadcaster, method: "GET", path: "/channel_points/custom_rewards", query: q, gate: true}, &out)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// SearchCategories searches the game/category catalog by name fragment.
func (c *Client) SearchCategories(ctx context.Context, query string) ([]Game, error) {
	q := url.Values{"query": {query}}
	var out struct {
		Data []Game `json:"data"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBot, method: "GET", path: "/search/categories", query: q, gate: true}, &out)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetGameByID fetches a single game record, or nil when unknown.
func (c *Client) GetGameByID(ctx context.Context, id string) (*Game, error) {
	return c.getGame(ctx, url.Values{"id": {id}})
}

// GetGameByName fetches a single game record by exact name, or nil when
// unknown.
func (c *Client) GetGameByName(ctx context.Context, name string) (*Game, error) {
	return c.getGame(ctx, url.Values{"name": {name}})
}

func (c *Client) getGame(ctx context.Context, q url.Values) (*Game, error) {
	var out struct {
		Data []Game `json:"data"`
	}
	err := c.call(ctx, callOpts{identity: ratelimit.IdentityBot, method: "GET", path: "/games", query: q, gate: true}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	return &out.Data[0], nil
}

// ChannelPatch is the writable subset of channel metadata.
type ChannelPatch struct {
	Title  string `json:"title,omitempty"`
	GameID string `json:"game_id,omitempty"`
}

// PatchChannel updates the channel title and/or game. Requires the
// broadcaster token with channel:manage:broadcast.
func (c *Client) PatchChannel(ctx context.Context, patch ChannelPatch) error {
	if !c.HasScope(ratelimit.IdentityBroadcaster, "channel:manage:broadcast") {
		return &MissingScopeError{Scope: "channel:manage:broadcast"}
	}
	q := url.Values{"broadcaster_id": {c.Tokens.ChannelID()}}
	return c.call(ctx, callOpts{identity: ratelimit.IdentityBroadcaster, method: "PATCH", path: "/channels", query: q, body: patch, gate: true}, nil)
}
