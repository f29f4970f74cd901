// Package maintenance deletes stale dedupe and vote-history rows on a fixed
// schedule, independently of the abuse controller's in-memory pruning.
package maintenance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Interval between scheduled sweeps.
const Interval = 12 * time.Hour

// RetentionStore is the slice of the store the sweeper needs.
type RetentionStore interface {
	DeleteDedupeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteVoteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Observer receives deletion counts, used to feed metrics.
type Observer interface {
	RecordMaintenanceDeleted(table string, n int64)
}

// Config holds retention settings, validated at load time by the config
// package.
type Config struct {
	Enabled                  bool
	DedupeRetentionDays      int
	VoteHistoryRetentionDays int
}

// Report describes one sweep, including the cutoffs used, for auditability.
type Report struct {
	Ran            bool      `json:"ran"`
	RunID          string    `json:"runId,omitempty"`
	DedupeDeleted  int64     `json:"dedupeDeleted"`
	HistoryDeleted int64     `json:"historyDeleted"`
	DedupeCutoff   time.Time `json:"dedupeCutoff,omitempty"`
	HistoryCutoff  time.Time `json:"historyCutoff,omitempty"`
}

// Sweeper runs retention sweeps against the store.
type Sweeper struct {
	cfg      Config
	store    RetentionStore
	observer Observer
	logger   zerolog.Logger
}

// New creates a sweeper. store may be nil (no database configured); Run then
// reports Ran=false.
func New(cfg Config, store RetentionStore, observer Observer, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		store:    store,
		observer: observer,
		logger:   logger.With().Str("component", "maintenance").Logger(),
	}
}

// Run performs one sweep at the given time. Deletes rows created strictly
// before now minus each retention window. Running twice with the same now and
// no new rows deletes zero rows the second time.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (Report, error) {
	if !s.cfg.Enabled || s.store == nil {
		return Report{Ran: false}, nil
	}

	report := Report{
		Ran:           true,
		RunID:         uuid.NewString(),
		DedupeCutoff:  now.Add(-time.Duration(s.cfg.DedupeRetentionDays) * 24 * time.Hour),
		HistoryCutoff: now.Add(-time.Duration(s.cfg.VoteHistoryRetentionDays) * 24 * time.Hour),
	}

	var err error
	report.DedupeDeleted, err = s.store.DeleteDedupeBefore(ctx, report.DedupeCutoff)
	if err != nil {
		return report, err
	}
	report.HistoryDeleted, err = s.store.DeleteVoteHistoryBefore(ctx, report.HistoryCutoff)
	if err != nil {
		return report, err
	}

	if s.observer != nil {
		s.observer.RecordMaintenanceDeleted("message_dedupe", report.DedupeDeleted)
		s.observer.RecordMaintenanceDeleted("vote_history", report.HistoryDeleted)
	}

	s.logger.Info().
		Str("run_id", report.RunID).
		Int64("dedupe_deleted", report.DedupeDeleted).
		Int64("history_deleted", report.HistoryDeleted).
		Time("dedupe_cutoff", report.DedupeCutoff).
		Time("history_cutoff", report.HistoryCutoff).
		Msg("maintenance sweep complete")
	return report, nil
}

// Schedule starts the recurring sweep in a background goroutine. Failures
// are logged and never crash the process; the goroutine stops with the
// context and does not keep the process alive on its own.
func (s *Sweeper) Schedule(ctx context.Context) {
	if !s.cfg.Enabled || s.store == nil {
		s.logger.Info().Msg("maintenance disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()

		s.logger.Info().Dur("interval", Interval).Msg("maintenance scheduled")
		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("maintenance stopped")
				return
			case now := <-ticker.C:
				if _, err := s.Run(ctx, now); err != nil {
					s.logger.Error().Err(err).Msg("maintenance sweep failed")
				}
			}
		}
	}()
}
