// Package pipeline runs the ordered, ledger-guarded steps that turn one
// source's factors about an entity into a decision.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pick-engine/internal/cache"
	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/ledger"
	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/signal"
	"github.com/sells-group/pick-engine/internal/store"
)

// Store is the slice of the persistence layer the pipeline writes through.
type Store interface {
	CreateRun(ctx context.Context, spec model.RunSpec) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	FindRun(ctx context.Context, spec model.RunSpec, statuses ...model.RunStatus) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	ActiveSnapshot(ctx context.Context, runID string) (*model.Snapshot, error)
	AppendDecision(ctx context.Context, d *model.Decision) error
	GetDecision(ctx context.Context, id string) (*model.Decision, error)
}

// Config tunes the numeric steps.
type Config struct {
	// Weights is the configured factor weight table. Its keys are the only
	// factor keys accepted.
	Weights         map[string]float64
	PredictionScale float64
	EdgeDivisor     float64
	EdgeWeight      float64
	MaxFactorScore  float64
	ProviderTimeout time.Duration
	MaxConcurrency  int
}

// DefaultConfig returns the stock step constants.
func DefaultConfig() Config {
	return Config{
		PredictionScale: 10,
		EdgeDivisor:     10,
		EdgeWeight:      1,
		MaxFactorScore:  5,
		ProviderTimeout: 10 * time.Second,
		MaxConcurrency:  4,
	}
}

// Request asks for a decision on one (entity, kind) for one source.
type Request struct {
	// RunID resumes a specific IN_PROGRESS run. Empty means find or create.
	RunID          string             `json:"run_id,omitempty"`
	EntityID       string             `json:"entity_id"`
	Kind           model.DecisionKind `json:"kind"`
	Source         string             `json:"source"`
	IdempotencyKey string             `json:"idempotency_key"`
	DryRun         bool               `json:"dry_run,omitempty"`
}

// Spec returns the run identity of the request.
func (r Request) Spec() model.RunSpec {
	return model.RunSpec{EntityID: r.EntityID, Kind: r.Kind, Source: r.Source}
}

// Validate checks required fields.
func (r Request) Validate() error {
	var missing []string
	if strings.TrimSpace(r.EntityID) == "" {
		missing = append(missing, "entity_id")
	}
	if strings.TrimSpace(r.Source) == "" {
		missing = append(missing, "source")
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		missing = append(missing, "idempotency_key")
	}
	if len(missing) > 0 {
		return fault.Validation("pipeline: missing %s", strings.Join(missing, ", "))
	}
	if !r.Kind.Valid() {
		return fault.Validation("pipeline: unknown decision kind %q", r.Kind)
	}
	return nil
}

// Pipeline executes the decision steps. It keeps no per-run state.
type Pipeline struct {
	cfg       Config
	store     Store
	ledger    *ledger.Ledger
	policy    signal.Policy
	snapshots SnapshotProvider
	providers []FactorProvider
	cache     *cache.Cache[[]model.FactorInput]
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFactorCache puts a TTL cache in front of factor providers.
func WithFactorCache(c *cache.Cache[[]model.FactorInput]) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithClock replaces time.Now for snapshot and decision timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline.
func New(cfg Config, st Store, l *ledger.Ledger, policy signal.Policy, snapshots SnapshotProvider, providers []FactorProvider, opts ...Option) *Pipeline {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	p := &Pipeline{
		cfg:       cfg,
		store:     st,
		ledger:    l,
		policy:    policy,
		snapshots: snapshots,
		providers: providers,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// aggregateResult is the body of the aggregate step.
type aggregateResult struct {
	Confidence     model.ConfidenceResult `json:"confidence"`
	PredictedValue float64                `json:"predicted_value"`
}

// runState carries one Run call through its steps.
type runState struct {
	req    Request
	run    *model.Run
	result *model.PipelineResult
	log    *zap.Logger
}

// Run executes every step for req. A completed step replays from the ledger,
// so calling Run again with the same idempotency key is safe. Any step
// failure marks the run FAILED; earlier steps keep their records.
func (p *Pipeline) Run(ctx context.Context, req Request) (*model.PipelineResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("entity_id", req.EntityID),
		zap.String("kind", string(req.Kind)),
		zap.String("source", req.Source),
	)

	run, resumed, err := p.intake(ctx, req)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("run_id", run.ID))
	log.Info("pipeline: starting run", zap.Bool("resumed", resumed), zap.Bool("dry_run", req.DryRun))

	rs := &runState{
		req: req,
		run: run,
		log: log,
		result: &model.PipelineResult{
			RunID:   run.ID,
			Status:  run.Status,
			DryRun:  req.DryRun,
			Resumed: resumed,
		},
	}

	if err := p.execute(ctx, rs); err != nil {
		p.fail(ctx, rs, err)
		return rs.result, err
	}

	if !req.DryRun {
		if err := p.complete(ctx, run.ID); err != nil {
			return rs.result, err
		}
		rs.result.Status = model.RunStatusComplete
	}
	log.Info("pipeline: run complete",
		zap.Int("units", rs.result.Audit.Verdict.Units),
		zap.Float64("confidence", rs.result.Audit.Verdict.Confidence),
	)
	return rs.result, nil
}

// intake finds the run to work on. An IN_PROGRESS run for the same spec is
// resumed, a COMPLETE one replays for the key that produced it and rejects
// any other key, and a FAILED one is ignored. Dry runs never create a run.
func (p *Pipeline) intake(ctx context.Context, req Request) (*model.Run, bool, error) {
	spec := req.Spec()

	if req.RunID != "" {
		run, err := p.store.GetRun(ctx, req.RunID)
		if store.IsNotFound(err) {
			return nil, false, fault.Validation("pipeline: run %s not found", req.RunID)
		}
		if err != nil {
			return nil, false, fault.Execution(req.RunID, "", eris.Wrap(err, "pipeline: get run"))
		}
		if run.Spec() != spec {
			return nil, false, fault.Validation("pipeline: run %s belongs to %s/%s/%s", run.ID, run.EntityID, run.Kind, run.Source)
		}
		if run.Status == model.RunStatusFailed {
			return nil, false, fault.Validation("pipeline: run %s is %s", run.ID, run.Status)
		}
		return p.adopt(ctx, run, req.IdempotencyKey)
	}

	existing, err := p.store.FindRun(ctx, spec, model.RunStatusInProgress, model.RunStatusComplete)
	if err != nil {
		return nil, false, fault.Execution("", "", eris.Wrap(err, "pipeline: find run"))
	}
	if existing != nil {
		return p.adopt(ctx, existing, req.IdempotencyKey)
	}

	if req.DryRun {
		now := p.now().UTC()
		return &model.Run{
			ID:        "dry-" + uuid.New().String(),
			EntityID:  spec.EntityID,
			Kind:      spec.Kind,
			Source:    spec.Source,
			Status:    model.RunStatusInProgress,
			CreatedAt: now,
			UpdatedAt: now,
		}, false, nil
	}

	run, err := p.store.CreateRun(ctx, spec)
	if fault.Is(err, fault.CodeStoreConflict) {
		// A concurrent caller created the run first.
		live, findErr := p.store.FindRun(ctx, spec, model.RunStatusInProgress, model.RunStatusComplete)
		if findErr != nil {
			return nil, false, fault.Execution("", "", eris.Wrap(findErr, "pipeline: find run after conflict"))
		}
		if live == nil {
			return nil, false, fault.Execution("", "", eris.New("pipeline: run vanished after create conflict"))
		}
		return p.adopt(ctx, live, req.IdempotencyKey)
	}
	if err != nil {
		return nil, false, fault.Execution("", "", eris.Wrap(err, "pipeline: create run"))
	}
	return run, false, nil
}

// adopt resumes an existing run. A COMPLETE run is only replayed when its
// audit step was recorded under key.
func (p *Pipeline) adopt(ctx context.Context, run *model.Run, key string) (*model.Run, bool, error) {
	if run.Status == model.RunStatusInProgress {
		return run, true, nil
	}
	rec, err := p.ledger.Lookup(ctx, model.IdempotencyKey{RunID: run.ID, Step: model.StepAudit, Key: key})
	if err != nil {
		return nil, false, fault.Execution(run.ID, "", eris.Wrap(err, "pipeline: look up audit record"))
	}
	if rec == nil {
		return nil, false, fault.Validation("pipeline: run %s already complete for %s/%s/%s", run.ID, run.EntityID, run.Kind, run.Source)
	}
	return run, true, nil
}

func (p *Pipeline) execute(ctx context.Context, rs *runState) error {
	var snap model.Snapshot
	if err := p.step(ctx, rs, model.StepSnapshot, func(ctx context.Context) (int, any, error) {
		return p.captureSnapshot(ctx, rs.run)
	}, &snap); err != nil {
		return err
	}
	if !rs.req.DryRun {
		if err := p.ensureActiveSnapshot(ctx, &snap); err != nil {
			return fault.Execution(rs.run.ID, string(model.StepSnapshot), err)
		}
	}

	var factors []model.Factor
	if err := p.step(ctx, rs, model.StepFactors, func(ctx context.Context) (int, any, error) {
		fs, err := p.collectFactors(ctx, snap)
		return http.StatusOK, fs, err
	}, &factors); err != nil {
		return err
	}

	var agg aggregateResult
	if err := p.step(ctx, rs, model.StepAggregate, func(context.Context) (int, any, error) {
		conf := p.policy.Aggregate(factors, nil)
		return http.StatusOK, aggregateResult{
			Confidence:     conf,
			PredictedValue: PredictedValue(snap.Line, conf.RawEdge, p.cfg.PredictionScale),
		}, nil
	}, &agg); err != nil {
		return err
	}

	var edge model.EdgeAdjustment
	if err := p.step(ctx, rs, model.StepEdge, func(context.Context) (int, any, error) {
		return http.StatusOK, AdjustForEdge(agg.Confidence.Confidence, agg.PredictedValue, snap.Line,
			agg.Confidence.Lean, p.cfg.EdgeDivisor, p.cfg.EdgeWeight), nil
	}, &edge); err != nil {
		return err
	}

	var verdict model.Verdict
	if err := p.step(ctx, rs, model.StepDecide, func(context.Context) (int, any, error) {
		units := UnitsFor(edge.AdjustedConfidence)
		v := model.Verdict{
			Line:       snap.Line,
			Units:      units,
			Confidence: edge.AdjustedConfidence,
			Pass:       units == 0,
		}
		if !v.Pass {
			v.Selection = Selection(snap.Kind, agg.Confidence.Lean, snap)
		}
		return http.StatusOK, v, nil
	}, &verdict); err != nil {
		return err
	}

	var audit model.AuditRecord
	if err := p.step(ctx, rs, model.StepAudit, func(context.Context) (int, any, error) {
		return http.StatusOK, model.AuditRecord{
			RunID:      rs.run.ID,
			EntityID:   rs.run.EntityID,
			Kind:       rs.run.Kind,
			Source:     rs.run.Source,
			Snapshot:   snap,
			Factors:    factors,
			Confidence: agg.Confidence,
			Edge:       edge,
			Verdict:    verdict,
			DecisionID: decisionID(rs.run.ID),
		}, nil
	}, &audit); err != nil {
		return err
	}
	rs.result.Audit = &audit

	d, err := p.ensureDecision(ctx, rs, &audit)
	if err != nil {
		return fault.Execution(rs.run.ID, string(model.StepAudit), err)
	}
	rs.result.Decision = d
	return nil
}

// step runs one guarded step and decodes its body into out.
func (p *Pipeline) step(ctx context.Context, rs *runState, name model.StepName, compute ledger.Compute, out any) error {
	start := time.Now()
	key := model.IdempotencyKey{RunID: rs.run.ID, Step: name, Key: rs.req.IdempotencyKey}
	resp, err := p.ledger.Execute(ctx, key, !rs.req.DryRun, compute)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		rs.log.Error("pipeline: step failed",
			zap.String("step", string(name)),
			zap.Int64("duration_ms", duration),
			zap.Error(err),
		)
		return err
	}

	rs.result.Steps = append(rs.result.Steps, model.StepResult{
		Name:        name,
		StatusCode:  resp.StatusCode,
		ContentHash: resp.ContentHash,
		Replayed:    resp.Replayed,
		Persisted:   resp.Persisted,
		Duration:    duration,
	})
	rs.log.Info("pipeline: step complete",
		zap.String("step", string(name)),
		zap.Bool("replayed", resp.Replayed),
		zap.Int64("duration_ms", duration),
	)

	if err := resp.Decode(out); err != nil {
		return fault.Execution(rs.run.ID, string(name), err)
	}
	return nil
}

// complete marks the run COMPLETE. A concurrent caller on the same run may
// have completed it first, which counts as success.
func (p *Pipeline) complete(ctx context.Context, runID string) error {
	err := p.store.UpdateRunStatus(ctx, runID, model.RunStatusComplete, "")
	if err == nil {
		return nil
	}
	if fault.Is(err, fault.CodeStoreConflict) {
		cur, getErr := p.store.GetRun(ctx, runID)
		if getErr == nil && cur.Status == model.RunStatusComplete {
			return nil
		}
	}
	return fault.Execution(runID, "", eris.Wrap(err, "pipeline: complete run"))
}

func (p *Pipeline) fail(ctx context.Context, rs *runState, cause error) {
	if rs.req.DryRun {
		return
	}
	if err := p.store.UpdateRunStatus(ctx, rs.run.ID, model.RunStatusFailed, cause.Error()); err != nil {
		rs.log.Warn("pipeline: failed to mark run failed", zap.Error(err))
		return
	}
	rs.result.Status = model.RunStatusFailed
}

func (p *Pipeline) captureSnapshot(ctx context.Context, run *model.Run) (int, any, error) {
	if p.snapshots == nil {
		return 0, nil, eris.New("pipeline: no snapshot provider configured")
	}
	cctx, cancel := p.providerContext(ctx)
	defer cancel()

	line, err := p.snapshots.Snapshot(cctx, run.EntityID, run.Kind)
	if err != nil {
		return 0, nil, eris.Wrapf(err, "pipeline: snapshot %s", run.EntityID)
	}
	if line == nil {
		return 0, nil, fault.Validation("pipeline: no market line for %s/%s", run.EntityID, run.Kind)
	}
	captured := line.CapturedAt
	if captured.IsZero() {
		captured = p.now()
	}
	return http.StatusOK, model.Snapshot{
		ID:         uuid.New().String(),
		RunID:      run.ID,
		EntityID:   run.EntityID,
		Kind:       run.Kind,
		Line:       line.Line,
		HomeTeam:   line.HomeTeam,
		AwayTeam:   line.AwayTeam,
		Active:     true,
		CapturedAt: captured.UTC(),
	}, nil
}

// ensureActiveSnapshot stores snap as the run's active snapshot unless it
// already is. The ledger body is the source of truth, so a replayed step
// repairs a missing or stale row.
func (p *Pipeline) ensureActiveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	active, err := p.store.ActiveSnapshot(ctx, snap.RunID)
	if err != nil {
		return eris.Wrap(err, "pipeline: active snapshot")
	}
	if active != nil && active.ID == snap.ID {
		return nil
	}
	cp := *snap
	if err := p.store.SaveSnapshot(ctx, &cp); err != nil {
		return eris.Wrap(err, "pipeline: save snapshot")
	}
	return nil
}

func (p *Pipeline) collectFactors(ctx context.Context, snap model.Snapshot) ([]model.Factor, error) {
	batches := make([][]model.Factor, len(p.providers))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrency)
	for i, fp := range p.providers {
		g.Go(func() error {
			inputs, err := p.fetchFactors(gCtx, fp, snap)
			if err != nil {
				return err
			}
			fs, err := NormalizeFactors(fp.Name(), inputs, p.cfg.Weights, p.cfg.MaxFactorScore)
			if err != nil {
				return err
			}
			batches[i] = fs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mergeFactors(batches)
}

func (p *Pipeline) fetchFactors(ctx context.Context, fp FactorProvider, snap model.Snapshot) ([]model.FactorInput, error) {
	load := func(ctx context.Context) ([]model.FactorInput, error) {
		cctx, cancel := p.providerContext(ctx)
		defer cancel()
		inputs, err := fp.Factors(cctx, snap)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: provider %s", fp.Name())
		}
		return inputs, nil
	}
	if p.cache == nil {
		return load(ctx)
	}
	key := fmt.Sprintf("%s|%s|%s|%g", fp.Name(), snap.EntityID, snap.Kind, snap.Line)
	return p.cache.GetOrLoad(ctx, key, load)
}

func (p *Pipeline) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.ProviderTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.ProviderTimeout)
}

// ensureDecision appends the run's decision once. Dry runs only build it.
func (p *Pipeline) ensureDecision(ctx context.Context, rs *runState, audit *model.AuditRecord) (*model.Decision, error) {
	body, err := json.Marshal(audit)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: encode audit")
	}
	line := audit.Verdict.Line
	d := &model.Decision{
		ID:         audit.DecisionID,
		RunID:      audit.RunID,
		Origin:     model.OriginPipeline,
		EntityID:   audit.EntityID,
		Kind:       audit.Kind,
		Selection:  audit.Verdict.Selection,
		Line:       &line,
		Units:      audit.Verdict.Units,
		Confidence: audit.Verdict.Confidence,
		Audit:      body,
		CreatedAt:  p.now().UTC(),
	}
	if rs.req.DryRun {
		return d, nil
	}

	existing, err := p.store.GetDecision(ctx, d.ID)
	if err == nil {
		return existing, nil
	}
	if !store.IsNotFound(err) {
		return nil, eris.Wrap(err, "pipeline: get decision")
	}
	if err := p.store.AppendDecision(ctx, d); err != nil {
		// A concurrent caller may have appended it between the read and the write.
		if existing, getErr := p.store.GetDecision(ctx, d.ID); getErr == nil {
			return existing, nil
		}
		return nil, eris.Wrap(err, "pipeline: append decision")
	}
	return d, nil
}

// decisionID derives a stable decision id from the run so a resumed run
// never appends a second decision.
func decisionID(runID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("pick-engine:decision:"+runID)).String()
}
