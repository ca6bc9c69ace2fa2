package workflow

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/pick-engine/internal/consensus"
	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/pipeline"
)

// Runner executes one pipeline request.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*model.PipelineResult, error)
}

// Resolver resolves consensus over a batch of picks.
type Resolver interface {
	ResolveAll(ctx context.Context, picks []model.PickRecord, kind model.DecisionKind) ([]consensus.Result, error)
}

// Activities holds the dependencies of the workflow activities.
type Activities struct {
	Pipeline  Runner
	Consensus Resolver
	Decisions consensus.DecisionStore
	Now       func() time.Time
}

// RunPipeline executes the pipeline for req.
func (a *Activities) RunPipeline(ctx context.Context, req pipeline.Request) (*model.PipelineResult, error) {
	info := activity.GetInfo(ctx)
	zap.L().Info("workflow: run pipeline",
		zap.String("workflow_id", info.WorkflowExecution.ID),
		zap.Int32("attempt", info.Attempt),
		zap.String("entity_id", req.EntityID),
	)
	result, err := a.Pipeline.Run(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// ResolveConsensus resolves in and optionally persists emitted decisions.
// Decision ids derive from the workflow and entity, so a retried attempt
// appends each decision at most once.
func (a *Activities) ResolveConsensus(ctx context.Context, in ConsensusInput) (*ConsensusOutput, error) {
	info := activity.GetInfo(ctx)
	results, err := a.Consensus.ResolveAll(ctx, in.Picks, in.Kind)
	if err != nil {
		return nil, classify(err)
	}

	out := &ConsensusOutput{Results: results}
	if !in.Persist {
		return out, nil
	}
	if a.Decisions == nil {
		return nil, classify(fault.Validation("workflow: persist requested without a decision store"))
	}

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	ids, err := consensus.Persist(ctx, a.Decisions, info.WorkflowExecution.ID, results, now())
	if err != nil {
		return nil, classify(eris.Wrap(err, "workflow: persist consensus"))
	}
	out.Persisted = ids
	return out, nil
}

// classify turns fault codes into Temporal application errors. Validation
// failures are never retried.
func classify(err error) error {
	code := fault.CodeOf(err)
	if code == fault.CodeValidation {
		return temporal.NewNonRetryableApplicationError(err.Error(), string(code), err)
	}
	return temporal.NewApplicationError(err.Error(), string(code), err)
}

// Register adds the workflows and activities to w.
func Register(w worker.Registry, a *Activities) {
	w.RegisterWorkflow(DecisionWorkflow)
	w.RegisterWorkflow(ConsensusWorkflow)
	w.RegisterActivity(a)
}
