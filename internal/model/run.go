package model

import (
	"time"
)

// RunStatus represents the lifecycle state of a decision run.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "IN_PROGRESS"
	RunStatusComplete   RunStatus = "COMPLETE"
	RunStatusFailed     RunStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusFailed
}

// DecisionKind is the market a decision is made on.
type DecisionKind string

const (
	KindTotal     DecisionKind = "total"
	KindSpread    DecisionKind = "spread"
	KindMoneyline DecisionKind = "moneyline"
)

// Valid reports whether k is a known decision kind.
func (k DecisionKind) Valid() bool {
	switch k {
	case KindTotal, KindSpread, KindMoneyline:
		return true
	}
	return false
}

// Directional reports whether sides of this kind are teams (as opposed to
// OVER/UNDER).
func (k DecisionKind) Directional() bool {
	return k == KindSpread || k == KindMoneyline
}

// RunSpec identifies what a run decides: one (entity, kind) pair for one source.
type RunSpec struct {
	EntityID string       `json:"entity_id"`
	Kind     DecisionKind `json:"kind"`
	Source   string       `json:"source"`
}

// Run is one attempt to produce a decision for one RunSpec.
type Run struct {
	ID        string       `json:"id"`
	EntityID  string       `json:"entity_id"`
	Kind      DecisionKind `json:"kind"`
	Source    string       `json:"source"`
	Status    RunStatus    `json:"status"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Spec returns the identifying triple of the run.
func (r *Run) Spec() RunSpec {
	return RunSpec{EntityID: r.EntityID, Kind: r.Kind, Source: r.Source}
}

// StepName identifies a ledger-guarded pipeline step.
type StepName string

const (
	StepSnapshot  StepName = "snapshot"
	StepFactors   StepName = "factors"
	StepAggregate StepName = "aggregate"
	StepEdge      StepName = "edge"
	StepDecide    StepName = "decide"
	StepAudit     StepName = "audit"
)

// Steps lists the guarded steps in execution order.
var Steps = []StepName{StepSnapshot, StepFactors, StepAggregate, StepEdge, StepDecide, StepAudit}

// StepResult records the outcome of one pipeline step for the caller.
type StepResult struct {
	Name        StepName `json:"name"`
	StatusCode  int      `json:"status_code"`
	ContentHash string   `json:"content_hash"`
	Replayed    bool     `json:"replayed"`
	Persisted   bool     `json:"persisted"`
	Duration    int64    `json:"duration_ms"`
}
