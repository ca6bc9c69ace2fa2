// Package workflow runs the pipeline and consensus engine as Temporal
// workflows so retries of failed steps survive process restarts.
package workflow

import (
	"context"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pick-engine/internal/consensus"
	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/pipeline"
)

// MaxAttempts bounds activity retries. A pipeline attempt that fails with
// EXECUTION_ERROR leaves its run FAILED, so the retry starts a fresh run. That
// is safe because no decision was appended for the failed run, and its step
// records stay keyed to that run and are never reused. An attempt cut off
// before the run was marked (a timeout or a lost worker) resumes the
// IN_PROGRESS run instead.
const MaxAttempts = 3

// ConsensusInput is the argument of ConsensusWorkflow.
type ConsensusInput struct {
	Kind    model.DecisionKind `json:"kind"`
	Picks   []model.PickRecord `json:"picks"`
	Persist bool               `json:"persist,omitempty"`
}

// ConsensusOutput is the result of ConsensusWorkflow.
type ConsensusOutput struct {
	Results   []consensus.Result `json:"results"`
	Persisted []string           `json:"persisted,omitempty"`
}

func activityOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        MaxAttempts,
			NonRetryableErrorTypes: []string{string(fault.CodeValidation)},
		},
	}
}

// DecisionWorkflow runs one pipeline request.
func DecisionWorkflow(ctx workflow.Context, req pipeline.Request) (*model.PipelineResult, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions(2*time.Minute))
	workflow.GetLogger(ctx).Info("decision workflow started",
		"entity_id", req.EntityID, "kind", string(req.Kind), "source", req.Source)

	var a *Activities
	var result model.PipelineResult
	if err := workflow.ExecuteActivity(ctx, a.RunPipeline, req).Get(ctx, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConsensusWorkflow resolves every entity in the input.
func ConsensusWorkflow(ctx workflow.Context, in ConsensusInput) (*ConsensusOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, activityOptions(time.Minute))

	var a *Activities
	var out ConsensusOutput
	if err := workflow.ExecuteActivity(ctx, a.ResolveConsensus, in).Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DecisionWorkflowID derives a stable workflow id so duplicate submissions of
// the same request attach to one execution.
func DecisionWorkflowID(req pipeline.Request) string {
	return "decision:" + req.EntityID + ":" + string(req.Kind) + ":" + req.Source + ":" + req.IdempotencyKey
}

// ExecuteDecision starts DecisionWorkflow on queue and waits for its result.
func ExecuteDecision(ctx context.Context, c client.Client, queue string, req pipeline.Request) (*model.PipelineResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        DecisionWorkflowID(req),
		TaskQueue: queue,
	}, DecisionWorkflow, req)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: start decision")
	}
	var result model.PipelineResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, eris.Wrapf(err, "workflow: decision %s", run.GetID())
	}
	return &result, nil
}
