package store

import (
	"context"
	"fmt"
)

func (s *Store) migrate(ctx context.Context) error {
	return s.migrateV1(ctx)
}

func (s *Store) migrateV1(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leaderboard (
		user_id    TEXT PRIMARY KEY,
		score      BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_leaderboard_score ON leaderboard(score DESC);

	CREATE TABLE IF NOT EXISTS thing_leaderboard (
		thing_name TEXT PRIMARY KEY,
		score      BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_thing_leaderboard_score ON thing_leaderboard(score DESC);

	CREATE TABLE IF NOT EXISTS vote_history (
		id          BIGSERIAL PRIMARY KEY,
		voter_id    TEXT NOT NULL,
		target_id   TEXT NOT NULL,
		target_type TEXT NOT NULL,
		vote_type   TEXT NOT NULL,
		channel_id  TEXT,
		message_ts  TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_vote_history_target ON vote_history(target_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_vote_history_created ON vote_history(created_at);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_vote_history_message
		ON vote_history(voter_id, target_id, target_type, channel_id, message_ts)
		WHERE channel_id IS NOT NULL AND message_ts IS NOT NULL;

	CREATE TABLE IF NOT EXISTS message_dedupe (
		dedupe_key TEXT PRIMARY KEY,
		channel_id TEXT,
		message_ts TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_message_dedupe_created ON message_dedupe(created_at);

	INSERT INTO meta(key, value) VALUES ('schema_version', '1')
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value;
	`

	if err := s.WithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, schema)
		return err
	}); err != nil {
		return fmt.Errorf("migration v1: %w", err)
	}
	return nil
}
