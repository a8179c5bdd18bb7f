package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// User is the locally persisted view of a channel member, reduced to the
// fields reconciliation consumes. Lock flags mark values a human set manually;
// reconciliation must preserve locked values even when the remote API
// disagrees.
type User struct {
	UserID           string
	Username         string
	IsFollower       bool
	FollowedAt       time.Time
	FollowCheckAt    time.Time
	FollowLock       bool
	FollowerLock     bool
	IsSubscriber     bool
	SubscribeTier    string
	SubscribeStreak  int
	SubscriberLock   bool
	IsModerator      bool
	AccountCreatedAt time.Time
}

// maxQueryParams caps the number of bind parameters per statement. Postgres
// allows 65535; stay below it and chunk bulk writes accordingly.
const maxQueryParams = 65000

// userUpsertColumns must match the VALUES tuple built in UpsertUsers.
const userUpsertColumns = 13

// Store wraps the users/clips/tags/games/stats access. Reconcilers depend on
// narrow interfaces satisfied by this type so logic tests can run on fakes.
type Store struct {
	DB *sql.DB
}

func NewStore(dbx *sql.DB) *Store { return &Store{DB: dbx} }

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func scanUser(sc interface{ Scan(...any) error }) (User, error) {
	var u User
	var followedAt, followCheckAt, createdAt sql.NullTime
	err := sc.Scan(&u.UserID, &u.Username, &u.IsFollower, &followedAt, &followCheckAt,
		&u.FollowLock, &u.FollowerLock, &u.IsSubscriber, &u.SubscribeTier, &u.SubscribeStreak,
		&u.SubscriberLock, &u.IsModerator, &createdAt)
	if err != nil {
		return User{}, err
	}
	u.FollowedAt = followedAt.Time
	u.FollowCheckAt = followCheckAt.Time
	u.AccountCreatedAt = createdAt.Time
	return u, nil
}

const userSelectCols = `user_id, username, is_follower, followed_at, follow_check_at,
	follow_lock, follower_lock, is_subscriber, subscribe_tier, subscribe_streak,
	subscriber_lock, is_moderator, account_created_at`

// UsersByIDs loads users by platform id, chunking the IN list to respect the
// parameter limit. Missing ids are simply absent from the result.
func (s *Store) UsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	out := make([]User, 0, len(ids))
	for start := 0; start < len(ids); start += maxQueryParams {
		end := start + maxQueryParams
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = id
		}
		q := fmt.Sprintf(`SELECT %s FROM users WHERE user_id IN (%s)`, userSelectCols, strings.Join(placeholders, ","))
		rows, err := s.DB.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("users by ids: %w", err)
		}
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, u)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// UserByUsername loads a single user by login name; the bool reports presence.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+userSelectCols+` FROM users WHERE username=$1`, username)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

// UserIDByUsername resolves a login to its user id.
func (s *Store) UserIDByUsername(ctx context.Context, username string) (string, bool, error) {
	u, ok, err := s.UserByUsername(ctx, username)
	return u.UserID, ok, err
}

// UpsertUsers writes full user rows in chunks sized to the parameter limit.
// Each chunk is a single multi-row INSERT ... ON CONFLICT statement, so a
// chunk applies atomically.
func (s *Store) UpsertUsers(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	chunkSize := maxQueryParams / userUpsertColumns
	for start := 0; start < len(users); start += chunkSize {
		end := start + chunkSize
		if end > len(users) {
			end = len(users)
		}
		chunk := users[start:end]
		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*userUpsertColumns)
		for i, u := range chunk {
			base := i * userUpsertColumns
			tuple := make([]string, userUpsertColumns)
			for j := range tuple {
				tuple[j] = fmt.Sprintf("$%d", base+j+1)
			}
			values = append(values, "("+strings.Join(tuple, ",")+")")
			args = append(args, u.UserID, u.Username, u.IsFollower, nullTime(u.FollowedAt),
				nullTime(u.FollowCheckAt), u.FollowLock, u.FollowerLock, u.IsSubscriber,
				u.SubscribeTier, u.SubscribeStreak, u.SubscriberLock, u.IsModerator,
				nullTime(u.AccountCreatedAt))
		}
		q := `INSERT INTO users (user_id, username, is_follower, followed_at, follow_check_at,
			follow_lock, follower_lock, is_subscriber, subscribe_tier, subscribe_streak,
			subscriber_lock, is_moderator, account_created_at)
			VALUES ` + strings.Join(values, ",") + `
			ON CONFLICT (user_id) DO UPDATE SET
				username=EXCLUDED.username,
				is_follower=EXCLUDED.is_follower,
				followed_at=EXCLUDED.followed_at,
				follow_check_at=EXCLUDED.follow_check_at,
				is_subscriber=EXCLUDED.is_subscriber,
				subscribe_tier=EXCLUDED.subscribe_tier,
				subscribe_streak=EXCLUDED.subscribe_streak,
				is_moderator=EXCLUDED.is_moderator,
				updated_at=NOW()`
		if _, err := s.DB.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("upsert users chunk: %w", err)
		}
	}
	return nil
}

// SubscribedUsers returns all users currently flagged as subscribers.
func (s *Store) SubscribedUsers(ctx context.Context) ([]User, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+userSelectCols+` FROM users WHERE is_subscriber=TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetSubscriber upserts a user's subscription tier and flag.
func (s *Store) SetSubscriber(ctx context.Context, userID, username, tier string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (user_id, username, is_subscriber, subscribe_tier)
		VALUES ($1,$2,TRUE,$3)
		ON CONFLICT (user_id) DO UPDATE SET
			username=EXCLUDED.username, is_subscriber=TRUE, subscribe_tier=EXCLUDED.subscribe_tier, updated_at=NOW()`,
		userID, strings.ToLower(username), tier)
	return err
}

// ClearSubscriber downgrades a lapsed subscriber and resets their streak.
func (s *Store) ClearSubscriber(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET is_subscriber=FALSE, subscribe_streak=0, updated_at=NOW() WHERE user_id=$1`, userID)
	return err
}

// SetModerators flips is_moderator=true for the given ids and =false for
// everyone else, matching the "update by predicate" semantics of the source
// of truth being the full fetched list.
func (s *Store) SetModerators(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		_, err := s.DB.ExecContext(ctx, `UPDATE users SET is_moderator=FALSE WHERE is_moderator=TRUE`)
		return err
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	in := strings.Join(placeholders, ",")
	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET is_moderator=FALSE WHERE is_moderator=TRUE AND user_id NOT IN (%s)`, in), args...); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET is_moderator=TRUE WHERE user_id IN (%s)`, in), args...)
	return err
}

// UpdateFollow writes follow fields for one user. Lock handling is the
// caller's responsibility; this persists whatever it is given.
func (s *Store) UpdateFollow(ctx context.Context, userID string, isFollower bool, followedAt, followCheckAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET is_follower=$1, followed_at=$2, follow_check_at=$3, updated_at=NOW() WHERE user_id=$4`,
		isFollower, nullTime(followedAt), nullTime(followCheckAt), userID)
	return err
}

// SetAccountCreatedAt records the platform account age for a user.
func (s *Store) SetAccountCreatedAt(ctx context.Context, userID string, createdAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET account_created_at=$1, updated_at=NOW() WHERE user_id=$2`,
		nullTime(createdAt), userID)
	return err
}
