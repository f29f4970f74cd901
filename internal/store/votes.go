package store

import (
	"context"
	"fmt"
	"time"
)

// VoteRecord is one append-only vote history row.
type VoteRecord struct {
	ID         int64     `json:"id"`
	VoterID    string    `json:"voterId"`
	TargetID   string    `json:"targetId"`
	TargetType string    `json:"targetType"`
	VoteType   string    `json:"voteType"`
	ChannelID  string    `json:"channelId,omitempty"`
	MessageTs  string    `json:"messageTs,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RecordVote appends a vote history row. When channel and message context
// exist the write is idempotent per (voter, target, channel, message): a
// duplicate attempt is absorbed without error and without a second row.
// inserted is false for absorbed duplicates.
func (s *Store) RecordVote(ctx context.Context, rec VoteRecord) (inserted bool, err error) {
	var query string
	var args []any
	if rec.ChannelID != "" && rec.MessageTs != "" {
		query = `
			INSERT INTO vote_history (voter_id, target_id, target_type, vote_type, channel_id, message_ts)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (voter_id, target_id, target_type, channel_id, message_ts)
				WHERE channel_id IS NOT NULL AND message_ts IS NOT NULL
				DO NOTHING`
		args = []any{rec.VoterID, rec.TargetID, rec.TargetType, rec.VoteType, rec.ChannelID, rec.MessageTs}
	} else {
		query = `
			INSERT INTO vote_history (voter_id, target_id, target_type, vote_type)
			VALUES ($1, $2, $3, $4)`
		args = []any{rec.VoterID, rec.TargetID, rec.TargetType, rec.VoteType}
	}

	err = s.WithRetry(ctx, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if IsUniqueViolation(err) {
				inserted = false
				return nil
			}
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("recording vote by %s for %s: %w", rec.VoterID, rec.TargetID, err)
	}
	return inserted, nil
}

// GetRecentVotes returns the newest votes, newest first. An empty targetID
// matches all targets.
func (s *Store) GetRecentVotes(ctx context.Context, targetID string, limit int) ([]VoteRecord, error) {
	query := `
		SELECT id, voter_id, target_id, target_type, vote_type,
		       COALESCE(channel_id, ''), COALESCE(message_ts, ''), created_at
		FROM vote_history
		WHERE $1 = '' OR target_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	var records []VoteRecord
	err := s.WithRetry(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, targetID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			var r VoteRecord
			if err := rows.Scan(&r.ID, &r.VoterID, &r.TargetID, &r.TargetType, &r.VoteType,
				&r.ChannelID, &r.MessageTs, &r.CreatedAt); err != nil {
				return err
			}
			records = append(records, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing votes: %w", err)
	}
	return records, nil
}

// MarkEventProcessed records the dedupe key for an inbound event. first is
// true only for the writer that actually inserted the row; later writers for
// the same key observe first=false and must skip all downstream side effects.
func (s *Store) MarkEventProcessed(ctx context.Context, dedupeKey, channelID, messageTs string) (first bool, err error) {
	query := `
		INSERT INTO message_dedupe (dedupe_key, channel_id, message_ts)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		ON CONFLICT (dedupe_key) DO NOTHING`

	err = s.WithRetry(ctx, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, dedupeKey, channelID, messageTs)
		if err != nil {
			if IsUniqueViolation(err) {
				first = false
				return nil
			}
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		first = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("marking event %s processed: %w", dedupeKey, err)
	}
	return first, nil
}

// ForgetEvent removes a dedupe record so a failed event can be redelivered
// and processed again.
func (s *Store) ForgetEvent(ctx context.Context, dedupeKey string) error {
	err := s.WithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM message_dedupe WHERE dedupe_key = $1`, dedupeKey)
		return err
	})
	if err != nil {
		return fmt.Errorf("forgetting event %s: %w", dedupeKey, err)
	}
	return nil
}

// DeleteDedupeBefore deletes dedupe rows created strictly before cutoff and
// returns how many were removed.
func (s *Store) DeleteDedupeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "message_dedupe", cutoff)
}

// DeleteVoteHistoryBefore deletes vote history rows created strictly before
// cutoff and returns how many were removed.
func (s *Store) DeleteVoteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.deleteBefore(ctx, "vote_history", cutoff)
}

func (s *Store) deleteBefore(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, table)

	var deleted int64
	err := s.WithRetry(ctx, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, cutoff)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("deleting old rows from %s: %w", table, err)
	}
	return deleted, nil
}
