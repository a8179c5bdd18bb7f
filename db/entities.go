package db

import (
	"context"
	"database/sql"
	"time"
)

// Game cache ----------------------------------------------------------------

// GameNameByID returns the cached name for a game id; ok=false on miss.
func (s *Store) GameNameByID(ctx context.Context, id string) (string, bool, error) {
	var name string
	err := s.DB.QueryRowContext(ctx, `SELECT name FROM cache_games WHERE game_id=$1`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

// GameIDByName returns the cached id for a game name; ok=false on miss.
func (s *Store) GameIDByName(ctx context.Context, name string) (string, bool, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT game_id FROM cache_games WHERE name=$1`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// SaveGame caches an id<->name pair.
func (s *Store) SaveGame(ctx context.Context, id, name string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO cache_games (game_id, name) VALUES ($1,$2)
		ON CONFLICT (game_id) DO UPDATE SET name=EXCLUDED.name`, id, name)
	return err
}

// Clips ---------------------------------------------------------------------

// PendingClip is a created clip awaiting confirmation from the clips endpoint.
type PendingClip struct {
	ClipID          string
	IsChecked       bool
	RecheckDeadline time.Time
}

func (s *Store) InsertPendingClip(ctx context.Context, clipID string, deadline time.Time) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO clips (clip_id, is_checked, recheck_deadline) VALUES ($1,FALSE,$2)
		ON CONFLICT (clip_id) DO NOTHING`, clipID, deadline)
	return err
}

func (s *Store) UncheckedClips(ctx context.Context) ([]PendingClip, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT clip_id, is_checked, recheck_deadline FROM clips WHERE is_checked=FALSE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingClip
	for rows.Next() {
		var c PendingClip
		if err := rows.Scan(&c.ClipID, &c.IsChecked, &c.RecheckDeadline); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) MarkClipChecked(ctx context.Context, clipID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE clips SET is_checked=TRUE WHERE clip_id=$1`, clipID)
	return err
}

func (s *Store) DeleteClip(ctx context.Context, clipID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM clips WHERE clip_id=$1`, clipID)
	return err
}

func (s *Store) ClipChecked(ctx context.Context, clipID string) (found, checked bool, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT is_checked FROM clips WHERE clip_id=$1`, clipID).Scan(&checked)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, checked, nil
}

// Stream tags ---------------------------------------------------------------

// Tag is one stream tag with its localized names and descriptions.
type Tag struct {
	TagID        string
	IsAuto       bool
	IsCurrent    bool
	Names        map[string]string
	Descriptions map[string]string
}

// UpsertTag writes a tag and replaces its localization rows.
func (s *Store) UpsertTag(ctx context.Context, t Tag) error {
	if _, err := s.DB.ExecContext(ctx, `INSERT INTO twitch_tags (tag_id, is_auto) VALUES ($1,$2)
		ON CONFLICT (tag_id) DO UPDATE SET is_auto=EXCLUDED.is_auto`, t.TagID, t.IsAuto); err != nil {
		return err
	}
	for locale, value := range t.Names {
		if _, err := s.DB.ExecContext(ctx, `INSERT INTO twitch_tag_names (tag_id, locale, value) VALUES ($1,$2,$3)
			ON CONFLICT (tag_id, locale) DO UPDATE SET value=EXCLUDED.value`, t.TagID, locale, value); err != nil {
			return err
		}
	}
	for locale, value := range t.Descriptions {
		if _, err := s.DB.ExecContext(ctx, `INSERT INTO twitch_tag_descriptions (tag_id, locale, value) VALUES ($1,$2,$3)
			ON CONFLICT (tag_id, locale) DO UPDATE SET value=EXCLUDED.value`, t.TagID, locale, value); err != nil {
			return err
		}
	}
	return nil
}

// SetCurrentTags marks the given manual tags current and clears the rest.
func (s *Store) SetCurrentTags(ctx context.Context, tagIDs []string) error {
	if _, err := s.DB.ExecContext(ctx, `UPDATE twitch_tags SET is_current=FALSE WHERE is_auto=FALSE`); err != nil {
		return err
	}
	for _, id := range tagIDs {
		if _, err := s.DB.ExecContext(ctx, `UPDATE twitch_tags SET is_current=TRUE WHERE tag_id=$1`, id); err != nil {
			return err
		}
	}
	return nil
}

// TagIDByName resolves a localized tag name to its tag id; ok=false on miss.
func (s *Store) TagIDByName(ctx context.Context, name string) (string, bool, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT tag_id FROM twitch_tag_names WHERE value=$1 LIMIT 1`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Stream stats --------------------------------------------------------------

// StreamStat is one per-tick snapshot row for historical aggregation.
type StreamStat struct {
	Timestamp      time.Time
	OnlineSince    time.Time
	Viewers        int
	MaxViewers     int
	Followers      int
	Subscribers    int
	Bits           int64
	Tips           float64
	ChatMessages   int64
	NewChatters    int
	WatchedSeconds int64
}

func (s *Store) InsertStreamStat(ctx context.Context, st StreamStat) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO stream_stats
		(ts, online_since, viewers, max_viewers, followers, subscribers, bits, tips, chat_messages, new_chatters, watched_seconds)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		st.Timestamp, nullTime(st.OnlineSince), st.Viewers, st.MaxViewers, st.Followers,
		st.Subscribers, st.Bits, st.Tips, st.ChatMessages, st.NewChatters, st.WatchedSeconds)
	return err
}
