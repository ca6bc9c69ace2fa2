package consensus

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pick-engine/internal/cache"
	"github.com/sells-group/pick-engine/internal/model"
)

// HistoryProvider reports the engine's settled record for a decision kind.
type HistoryProvider interface {
	History(ctx context.Context, kind model.DecisionKind) (model.OutcomeStats, error)
}

// OutcomeSource is the store query behind StoreHistory.
type OutcomeSource interface {
	OutcomeStats(ctx context.Context, origin model.DecisionOrigin, kind model.DecisionKind) (model.OutcomeStats, error)
}

// StoreHistory reads consensus outcomes from the store through a TTL cache.
type StoreHistory struct {
	source OutcomeSource
	cache  *cache.Cache[model.OutcomeStats]
}

// NewStoreHistory creates a StoreHistory. A nil cache queries every time.
func NewStoreHistory(source OutcomeSource, c *cache.Cache[model.OutcomeStats]) *StoreHistory {
	return &StoreHistory{source: source, cache: c}
}

// History implements HistoryProvider.
func (h *StoreHistory) History(ctx context.Context, kind model.DecisionKind) (model.OutcomeStats, error) {
	load := func(ctx context.Context) (model.OutcomeStats, error) {
		stats, err := h.source.OutcomeStats(ctx, model.OriginConsensus, kind)
		if err != nil {
			return model.OutcomeStats{}, eris.Wrapf(err, "consensus: outcome stats for %s", kind)
		}
		return stats, nil
	}
	if h.cache == nil {
		return load(ctx)
	}
	return h.cache.GetOrLoad(ctx, string(model.OriginConsensus)+"|"+string(kind), load)
}
