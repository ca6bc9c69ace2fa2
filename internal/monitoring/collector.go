package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/store"
)

// collectPageSize bounds each ListRuns call while walking the lookback window.
const collectPageSize = 200

// Source is the slice of the store the collector reads.
type Source interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	OutcomeStats(ctx context.Context, origin model.DecisionOrigin, kind model.DecisionKind) (model.OutcomeStats, error)
}

// MetricsSnapshot holds aggregated engine health over a lookback window.
type MetricsSnapshot struct {
	RunsTotal      int     `json:"runs_total"`
	RunsComplete   int     `json:"runs_complete"`
	RunsFailed     int     `json:"runs_failed"`
	RunsInProgress int     `json:"runs_in_progress"`
	RunFailRate    float64 `json:"run_fail_rate"`
	// StaleRuns counts IN_PROGRESS runs not touched within the stale window.
	StaleRuns int `json:"stale_runs"`

	ConsensusWins    int     `json:"consensus_wins"`
	ConsensusLosses  int     `json:"consensus_losses"`
	ConsensusPushes  int     `json:"consensus_pushes"`
	ConsensusWinRate float64 `json:"consensus_win_rate"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// ConsensusResolved returns settled consensus decisions excluding pushes.
func (s *MetricsSnapshot) ConsensusResolved() int {
	return s.ConsensusWins + s.ConsensusLosses
}

// Collector gathers a MetricsSnapshot from the store.
type Collector struct {
	src        Source
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a collector. Runs left IN_PROGRESS longer than
// staleAfter are reported as stale; zero disables the check.
func NewCollector(src Source, staleAfter time.Duration) *Collector {
	return &Collector{
		src:        src,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Collect aggregates runs created in the last lookbackHours and the
// consensus engine's settled record across every decision kind.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// ListRuns returns newest first, so paging stops at the first run older
	// than the cutoff.
	for offset := 0; ; offset += collectPageSize {
		runs, err := c.src.ListRuns(ctx, store.RunFilter{Limit: collectPageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		done := len(runs) < collectPageSize
		for i := range runs {
			if runs[i].CreatedAt.Before(cutoff) {
				done = true
				break
			}
			c.countRun(snap, &runs[i], now)
		}
		if done {
			break
		}
	}

	finished := snap.RunsComplete + snap.RunsFailed
	if finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	for _, kind := range []model.DecisionKind{model.KindTotal, model.KindSpread, model.KindMoneyline} {
		stats, err := c.src.OutcomeStats(ctx, model.OriginConsensus, kind)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: outcome stats for %s", kind)
		}
		snap.ConsensusWins += stats.Wins
		snap.ConsensusLosses += stats.Losses
		snap.ConsensusPushes += stats.Pushes
	}
	if resolved := snap.ConsensusResolved(); resolved > 0 {
		snap.ConsensusWinRate = float64(snap.ConsensusWins) / float64(resolved)
	}

	return snap, nil
}

func (c *Collector) countRun(snap *MetricsSnapshot, r *model.Run, now time.Time) {
	snap.RunsTotal++
	switch r.Status {
	case model.RunStatusComplete:
		snap.RunsComplete++
	case model.RunStatusFailed:
		snap.RunsFailed++
	case model.RunStatusInProgress:
		snap.RunsInProgress++
		if c.staleAfter > 0 && now.Sub(r.UpdatedAt) > c.staleAfter {
			snap.StaleRuns++
		}
	}
}
