// Package store persists runs, snapshots, decisions, outcomes and ledger
// records.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pick-engine/internal/ledger"
	"github.com/sells-group/pick-engine/internal/model"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = eris.New("store: not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return eris.Is(err, ErrNotFound)
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   model.RunStatus    `json:"status,omitempty"`
	EntityID string             `json:"entity_id,omitempty"`
	Kind     model.DecisionKind `json:"kind,omitempty"`
	Source   string             `json:"source,omitempty"`
	Limit    int                `json:"limit,omitempty"`
	Offset   int                `json:"offset,omitempty"`
}

// DecisionFilter specifies criteria for listing decisions.
type DecisionFilter struct {
	RunID    string               `json:"run_id,omitempty"`
	EntityID string               `json:"entity_id,omitempty"`
	Kind     model.DecisionKind   `json:"kind,omitempty"`
	Origin   model.DecisionOrigin `json:"origin,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
	Offset   int                  `json:"offset,omitempty"`
}

// Store defines the persistence interface for the decision engine.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, spec model.RunSpec) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	// FindRun returns the newest run for spec in one of statuses (any status
	// when none are given), or nil.
	FindRun(ctx context.Context, spec model.RunSpec, statuses ...model.RunStatus) (*model.Run, error)
	// UpdateRunStatus moves an IN_PROGRESS run to a terminal status.
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Snapshots
	// SaveSnapshot stores snap as the single active snapshot of its run.
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	ActiveSnapshot(ctx context.Context, runID string) (*model.Snapshot, error)

	// Decisions (append-only)
	AppendDecision(ctx context.Context, d *model.Decision) error
	GetDecision(ctx context.Context, id string) (*model.Decision, error)
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]model.Decision, error)
	RecordOutcome(ctx context.Context, decisionID string, outcome model.Outcome) error
	OutcomeStats(ctx context.Context, origin model.DecisionOrigin, kind model.DecisionKind) (model.OutcomeStats, error)

	// Idempotency records
	ledger.Store

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
