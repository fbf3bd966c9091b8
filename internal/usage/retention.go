package usage

import (
	"context"

	"github.com/goodtune/timetrack/internal/metrics"
	"github.com/goodtune/timetrack/internal/timekey"
)

// OnCleanupTick removes daily records older than the retention window.
// Records are kept for RetentionDays; the cleanup itself never touches the
// session state.
func (t *Tracker) OnCleanupTick(ctx context.Context) {
	if t.pruner == nil {
		return
	}

	now := t.clock.Now()
	cutoff := timekey.Cutoff(now, t.config.RetentionDays)

	deleted, err := t.pruner.PruneOlderThan(ctx, now, t.config.RetentionDays)
	if err != nil {
		t.logger.Error().Err(err).Str("cutoff_date", cutoff).Msg("Failed to clean up old daily records")
		return
	}

	metrics.PrunedDaysTotal.Add(float64(deleted))
	t.logger.Info().
		Int("days_deleted", deleted).
		Str("cutoff_date", cutoff).
		Msg("Retention cleanup complete")
}
