package model

import (
	"encoding/json"
	"time"
)

// Snapshot is a point-in-time capture of the market line for an entity.
// Exactly one snapshot per run is active.
type Snapshot struct {
	ID         string       `json:"id"`
	RunID      string       `json:"run_id"`
	EntityID   string       `json:"entity_id"`
	Kind       DecisionKind `json:"kind"`
	Line       float64      `json:"line"`
	HomeTeam   string       `json:"home_team,omitempty"`
	AwayTeam   string       `json:"away_team,omitempty"`
	Active     bool         `json:"active"`
	CapturedAt time.Time    `json:"captured_at"`
}

// MarketLine is what a snapshot provider reports for an entity.
type MarketLine struct {
	EntityID   string       `json:"entity_id" yaml:"entity_id"`
	Kind       DecisionKind `json:"kind" yaml:"kind"`
	Line       float64      `json:"line" yaml:"line"`
	HomeTeam   string       `json:"home_team,omitempty" yaml:"home_team"`
	AwayTeam   string       `json:"away_team,omitempty" yaml:"away_team"`
	CapturedAt time.Time    `json:"captured_at" yaml:"captured_at"`
}

// DecisionOrigin names the component that produced a decision record.
type DecisionOrigin string

const (
	OriginPipeline  DecisionOrigin = "pipeline"
	OriginConsensus DecisionOrigin = "consensus"
)

// Decision is the append-only record handed to presentation layers. Units of
// zero mean PASS.
type Decision struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id,omitempty"`
	Origin     DecisionOrigin  `json:"origin"`
	EntityID   string          `json:"entity_id"`
	Kind       DecisionKind    `json:"kind"`
	Selection  string          `json:"selection,omitempty"`
	Line       *float64        `json:"line,omitempty"`
	Units      int             `json:"units"`
	Confidence float64         `json:"confidence"`
	Tier       Tier            `json:"tier,omitempty"`
	Audit      json.RawMessage `json:"audit,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Pass reports whether the decision is a deliberate no-bet.
func (d *Decision) Pass() bool {
	return d.Units == 0
}

// EdgeAdjustment records how the market edge moved the base confidence.
type EdgeAdjustment struct {
	PredictedValue     float64 `json:"predicted_value"`
	MarketLine         float64 `json:"market_line"`
	EdgePoints         float64 `json:"edge_points"`
	EdgeFactor         float64 `json:"edge_factor"`
	OrientedEdgeFactor float64 `json:"oriented_edge_factor"`
	BaseConfidence     float64 `json:"base_confidence"`
	AdjustedConfidence float64 `json:"adjusted_confidence"`
}

// Verdict is the discrete outcome of the decide step.
type Verdict struct {
	Selection  string  `json:"selection,omitempty"`
	Line       float64 `json:"line"`
	Units      int     `json:"units"`
	Confidence float64 `json:"confidence"`
	Pass       bool    `json:"pass"`
}

// AuditRecord is the immutable trail of a pipeline run: its inputs, the
// intermediate values and the final verdict.
type AuditRecord struct {
	RunID      string           `json:"run_id"`
	EntityID   string           `json:"entity_id"`
	Kind       DecisionKind     `json:"kind"`
	Source     string           `json:"source"`
	Snapshot   Snapshot         `json:"snapshot"`
	Factors    []Factor         `json:"factors"`
	Confidence ConfidenceResult `json:"confidence"`
	Edge       EdgeAdjustment   `json:"edge"`
	Verdict    Verdict          `json:"verdict"`
	DecisionID string           `json:"decision_id,omitempty"`
}

// PipelineResult is returned to callers of the step pipeline.
type PipelineResult struct {
	RunID    string       `json:"run_id"`
	Status   RunStatus    `json:"status"`
	DryRun   bool         `json:"dry_run,omitempty"`
	Resumed  bool         `json:"resumed,omitempty"`
	Audit    *AuditRecord `json:"audit,omitempty"`
	Steps    []StepResult `json:"steps"`
	Decision *Decision    `json:"decision,omitempty"`
}

// Outcome is the settled result of a decision.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLoss Outcome = "loss"
	OutcomePush Outcome = "push"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeWin || o == OutcomeLoss || o == OutcomePush
}

// OutcomeStats aggregates settled outcomes for one origin and kind.
type OutcomeStats struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
	Pushes int `json:"pushes"`
}

// Resolved returns the number of decided (non-push) outcomes.
func (s OutcomeStats) Resolved() int {
	return s.Wins + s.Losses
}

// WinRate returns wins over resolved outcomes, or 0 when nothing resolved.
func (s OutcomeStats) WinRate() float64 {
	if s.Resolved() == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Resolved())
}
