package pipeline

import (
	"context"

	"github.com/sells-group/pick-engine/internal/model"
)

// SnapshotProvider reports the market line for an entity at call time.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, entityID string, kind model.DecisionKind) (*model.MarketLine, error)
}

// FactorProvider reports factor inputs for an entity given its active
// snapshot. Implementations must be safe for concurrent use.
type FactorProvider interface {
	Name() string
	Factors(ctx context.Context, snap model.Snapshot) ([]model.FactorInput, error)
}
