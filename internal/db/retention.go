package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultRetention     = 7 * 24 * time.Hour
	DefaultMaxRows       = 10000
	DefaultPruneInterval = 10 * time.Minute
)

type RetentionPolicy struct {
	// MaxAge drops events older than this. Zero keeps events forever.
	MaxAge time.Duration
	// MaxRows keeps only the newest rows. Zero means unbounded.
	MaxRows  int
	Interval time.Duration
}

// RetentionManager periodically prunes the action journal.
type RetentionManager struct {
	db     *sql.DB
	policy RetentionPolicy
	now    func() time.Time
	log    zerolog.Logger
}

func NewRetentionManager(s *SQLiteDB, policy RetentionPolicy, log zerolog.Logger) *RetentionManager {
	if policy.Interval <= 0 {
		policy.Interval = DefaultPruneInterval
	}
	return &RetentionManager{
		db:     s.db,
		policy: policy,
		now:    time.Now,
		log:    log.With().Str("component", "retention").Logger(),
	}
}

// Run prunes once per interval until ctx is done.
func (r *RetentionManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Prune(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("failed to apply retention policy")
			}
		}
	}
}

// Prune applies the age limit and then the row limit, returning how many
// events were removed.
func (r *RetentionManager) Prune(ctx context.Context) (int64, error) {
	var removed int64

	if r.policy.MaxAge > 0 {
		cutoff := r.now().Add(-r.policy.MaxAge).Unix()
		n, err := r.enforceTimeLimit(ctx, cutoff)
		if err != nil {
			return removed, fmt.Errorf("failed to enforce time limit: %w", err)
		}
		removed += n
	}

	if r.policy.MaxRows > 0 {
		n, err := r.enforceRowLimit(ctx, r.policy.MaxRows)
		if err != nil {
			return removed, fmt.Errorf("failed to enforce row limit: %w", err)
		}
		removed += n
	}

	if removed > 0 {
		r.log.Info().Int64("removed", removed).Msg("pruned journal")
	}
	return removed, nil
}

func (r *RetentionManager) enforceRowLimit(ctx context.Context, maxRows int) (int64, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM container_events`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}

	if total <= maxRows {
		return 0, nil
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM container_events WHERE id IN (
			SELECT id FROM container_events ORDER BY ts ASC, rowid ASC LIMIT ?
		)`,
		total-maxRows,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

func (r *RetentionManager) enforceTimeLimit(ctx context.Context, cutoff int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM container_events WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}
