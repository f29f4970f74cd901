package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Entry is one leaderboard row, for users or things.
type Entry struct {
	ID        string    `json:"id"`
	Score     int64     `json:"score"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Stats summarizes a leaderboard for the /leaderboard stats view.
type Stats struct {
	Users      int64 `json:"users"`
	Things     int64 `json:"things"`
	TotalVotes int64 `json:"totalVotes"`
}

// UpdateUserScore atomically applies delta to a user's score, inserting the
// row at delta if it does not exist, and returns the resulting score.
func (s *Store) UpdateUserScore(ctx context.Context, userID string, delta int) (int64, error) {
	return s.upsertScore(ctx, "leaderboard", "user_id", userID, delta)
}

// UpdateThingScore is UpdateUserScore for the thing namespace.
func (s *Store) UpdateThingScore(ctx context.Context, thingName string, delta int) (int64, error) {
	return s.upsertScore(ctx, "thing_leaderboard", "thing_name", thingName, delta)
}

func (s *Store) upsertScore(ctx context.Context, table, keyCol, key string, delta int) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (%s, score, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (%s) DO UPDATE SET score = %s.score + EXCLUDED.score, updated_at = now()
		RETURNING score`, table, keyCol, keyCol, table)

	var score int64
	err := s.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, query, key, delta).Scan(&score)
	})
	if err != nil {
		return 0, fmt.Errorf("updating %s score for %s: %w", table, key, err)
	}
	return score, nil
}

// GetUserScore returns the user's current score; a user who has never been
// voted on has score 0.
func (s *Store) GetUserScore(ctx context.Context, userID string) (int64, error) {
	return s.getScore(ctx, "leaderboard", "user_id", userID)
}

// GetThingScore returns the thing's current score (0 when absent).
func (s *Store) GetThingScore(ctx context.Context, thingName string) (int64, error) {
	return s.getScore(ctx, "thing_leaderboard", "thing_name", thingName)
}

func (s *Store) getScore(ctx context.Context, table, keyCol, key string) (int64, error) {
	query := fmt.Sprintf(`SELECT score FROM %s WHERE %s = $1`, table, keyCol)

	var score int64
	err := s.WithRetry(ctx, func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx, query, key).Scan(&score)
		if errors.Is(err, sql.ErrNoRows) {
			score = 0
			return nil
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("getting %s score for %s: %w", table, key, err)
	}
	return score, nil
}

// GetTopUsers returns up to limit users ordered by descending score.
func (s *Store) GetTopUsers(ctx context.Context, limit int) ([]Entry, error) {
	return s.getTop(ctx, "leaderboard", "user_id", limit, 0)
}

// GetTopThings returns up to limit things ordered by descending score.
func (s *Store) GetTopThings(ctx context.Context, limit int) ([]Entry, error) {
	return s.getTop(ctx, "thing_leaderboard", "thing_name", limit, 0)
}

// GetLeaderboardPage returns one page of the user leaderboard, 1-based.
func (s *Store) GetLeaderboardPage(ctx context.Context, page, pageSize int) ([]Entry, error) {
	if page < 1 {
		page = 1
	}
	return s.getTop(ctx, "leaderboard", "user_id", pageSize, (page-1)*pageSize)
}

func (s *Store) getTop(ctx context.Context, table, keyCol string, limit, offset int) ([]Entry, error) {
	query := fmt.Sprintf(`
		SELECT %s, score, updated_at FROM %s
		ORDER BY score DESC, %s ASC
		LIMIT $1 OFFSET $2`, keyCol, table, keyCol)

	var entries []Entry
	err := s.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			var e Entry
			if err := rows.Scan(&e.ID, &e.Score, &e.UpdatedAt); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", table, err)
	}
	return entries, nil
}

// GetUserRank returns the user's 1-based rank by score. ok is false when the
// user has no leaderboard row.
func (s *Store) GetUserRank(ctx context.Context, userID string) (rank int64, ok bool, err error) {
	query := `
		SELECT (SELECT COUNT(*) FROM leaderboard b WHERE b.score > a.score) + 1
		FROM leaderboard a WHERE a.user_id = $1`

	err = s.WithRetry(ctx, func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx, query, userID).Scan(&rank)
		if errors.Is(err, sql.ErrNoRows) {
			rank, ok = 0, false
			return nil
		}
		if err == nil {
			ok = true
		}
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("getting rank for %s: %w", userID, err)
	}
	return rank, ok, nil
}

// GetStats returns leaderboard-wide counts for the stats view.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.WithRetry(ctx, func(ctx context.Context) error {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leaderboard`).Scan(&stats.Users); err != nil {
			return err
		}
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM thing_leaderboard`).Scan(&stats.Things); err != nil {
			return err
		}
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vote_history`).Scan(&stats.TotalVotes)
	})
	if err != nil {
		return Stats{}, fmt.Errorf("getting stats: %w", err)
	}
	return stats, nil
}
