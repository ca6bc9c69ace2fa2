// Package consensus combines independent source picks on the same entity into
// one tier-weighted decision, or refuses to decide.
package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
)

// Config tunes the engine.
type Config struct {
	// MinHistorySample is the number of resolved outcomes needed before the
	// engine's own record earns grade points.
	MinHistorySample int
	MaxConcurrency   int
	// Sources is the allowlist of eligible sources. Empty allows all.
	Sources []string
	Aliases map[string]string
}

// Decision is an emitted consensus decision with its supporting breakdown.
type Decision struct {
	EntityID       string             `json:"entity_id"`
	Kind           model.DecisionKind `json:"kind"`
	Selection      string             `json:"selection"`
	Line           *float64           `json:"line,omitempty"`
	Units          int                `json:"units"`
	Confidence     float64            `json:"confidence"`
	Tier           model.Tier         `json:"tier"`
	Classification Classification     `json:"classification"`
	Reason         string             `json:"reason"`
	Agreeing       []string           `json:"agreeing"`
	Disagreeing    []string           `json:"disagreeing,omitempty"`
	CounterThesis  *CounterThesis     `json:"counter_thesis,omitempty"`
	Confluence     []FactorConfluence `json:"confluence"`
	Sizing         Sizing             `json:"sizing"`
	Grade          Grade              `json:"grade"`
	History        model.OutcomeStats `json:"history"`
}

// Record converts d into an append-only decision record.
func (d *Decision) Record(now time.Time) (*model.Decision, error) {
	audit, err := json.Marshal(d)
	if err != nil {
		return nil, eris.Wrap(err, "consensus: encode audit")
	}
	return &model.Decision{
		ID:         uuid.New().String(),
		Origin:     model.OriginConsensus,
		EntityID:   d.EntityID,
		Kind:       d.Kind,
		Selection:  d.Selection,
		Line:       d.Line,
		Units:      d.Units,
		Confidence: d.Confidence,
		Tier:       d.Tier,
		Audit:      audit,
		CreatedAt:  now.UTC(),
	}, nil
}

// Result is the outcome for one entity of ResolveAll. Decision is nil when
// the engine declined, with Reason saying why.
type Result struct {
	EntityID string    `json:"entity_id"`
	Decision *Decision `json:"decision,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// member is one eligible pick with its parsed side.
type member struct {
	pick model.PickRecord
	side string
	line *float64
}

// Engine resolves picks. It holds only configuration and is safe for
// concurrent use.
type Engine struct {
	cfg     Config
	aliases Aliases
	allowed map[string]bool
	history HistoryProvider
}

// New creates an Engine. A nil history provider scores no history points.
func New(cfg Config, history HistoryProvider) *Engine {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	e := &Engine{
		cfg:     cfg,
		aliases: NewAliases(cfg.Aliases),
		history: history,
	}
	if len(cfg.Sources) > 0 {
		e.allowed = make(map[string]bool, len(cfg.Sources))
		for _, s := range cfg.Sources {
			e.allowed[strings.TrimSpace(s)] = true
		}
	}
	return e
}

// Resolve decides one entity from picks of the given kind. Picks of another
// kind, from sources outside the allowlist, or with zero units are ignored.
// A blocked group returns an INSUFFICIENT_CONSENSUS error, which callers
// treat as PASS.
func (e *Engine) Resolve(ctx context.Context, picks []model.PickRecord, kind model.DecisionKind) (*Decision, error) {
	if !kind.Valid() {
		return nil, fault.Validation("consensus: unknown decision kind %q", kind)
	}

	members, entityID, err := e.eligible(picks, kind)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("entity_id", entityID), zap.String("kind", string(kind)))

	agreeing, disagreeing, err := split(members)
	if err != nil {
		return nil, err
	}

	class, reason := Classify(len(agreeing), len(disagreeing))
	if !class.Allowed() {
		log.Info("consensus: blocked",
			zap.Int("agreeing", len(agreeing)),
			zap.Int("disagreeing", len(disagreeing)),
			zap.String("reason", reason),
		)
		return nil, fault.InsufficientConsensus(reason)
	}

	ct := FindCounterThesis(disagreeing)
	ranked := Confluence(agreeing)
	sizing := Size(agreeing, ct)

	var stats model.OutcomeStats
	if e.history != nil {
		if stats, err = e.history.History(ctx, kind); err != nil {
			log.Warn("consensus: history unavailable, scoring without it", zap.Error(err))
			stats = model.OutcomeStats{}
		}
	}
	grade := GradeDecision(agreeing, ranked, ct, stats, e.cfg.MinHistorySample)

	d := &Decision{
		EntityID:       entityID,
		Kind:           kind,
		Selection:      agreeing[0].side,
		Line:           consensusLine(agreeing),
		Units:          sizing.Units,
		Confidence:     sizing.Confidence,
		Tier:           grade.Tier,
		Classification: class,
		Reason:         reason,
		Agreeing:       sources(agreeing),
		Disagreeing:    sources(disagreeing),
		CounterThesis:  ct,
		Confluence:     ranked,
		Sizing:         sizing,
		Grade:          grade,
		History:        stats,
	}
	log.Info("consensus: decided",
		zap.String("selection", d.Selection),
		zap.Int("units", d.Units),
		zap.String("tier", string(d.Tier)),
		zap.Float64("grade", grade.Total),
	)
	return d, nil
}

// ResolveAll groups picks by entity and resolves each concurrently. Results
// are ordered by entity id.
func (e *Engine) ResolveAll(ctx context.Context, picks []model.PickRecord, kind model.DecisionKind) ([]Result, error) {
	byEntity := make(map[string][]model.PickRecord)
	for _, p := range picks {
		id := strings.TrimSpace(p.EntityID)
		if id == "" {
			return nil, fault.Validation("consensus: pick from %q has no entity id", p.Source)
		}
		byEntity[id] = append(byEntity[id], p)
	}
	ids := make([]string, 0, len(byEntity))
	for id := range byEntity {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]Result, len(ids))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			d, err := e.Resolve(gCtx, byEntity[id], kind)
			switch {
			case fault.Is(err, fault.CodeInsufficientConsensus):
				results[i] = Result{EntityID: id, Reason: reasonOf(err)}
			case err != nil:
				return eris.Wrapf(err, "consensus: resolve %s", id)
			default:
				results[i] = Result{EntityID: id, Decision: d}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// eligible filters and validates picks, returning them with their parsed
// sides and the shared entity id.
func (e *Engine) eligible(picks []model.PickRecord, kind model.DecisionKind) ([]member, string, error) {
	var (
		out      []member
		entityID string
	)
	seen := make(map[string]bool)
	for _, p := range picks {
		if p.Kind != "" && p.Kind != kind {
			continue
		}
		source := strings.TrimSpace(p.Source)
		if source == "" {
			return nil, "", fault.Validation("consensus: pick on %q has no source", p.EntityID)
		}
		if e.allowed != nil && !e.allowed[source] {
			zap.L().Debug("consensus: skipping ineligible source", zap.String("source", source))
			continue
		}
		if p.Units == 0 {
			continue
		}

		switch {
		case entityID == "":
			entityID = p.EntityID
		case p.EntityID != entityID:
			return nil, "", fault.Validation("consensus: picks span entities %q and %q", entityID, p.EntityID)
		}
		if seen[source] {
			return nil, "", fault.Validation("consensus: source %q submitted more than one pick for %q", source, entityID)
		}
		seen[source] = true

		if p.Units < 1 || p.Units > 5 {
			return nil, "", fault.Validation("consensus: %s units %d outside [1, 5]", source, p.Units)
		}
		if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 5 {
			return nil, "", fault.Validation("consensus: %s confidence %v outside [0, 5]", source, p.Confidence)
		}

		side, line, err := ParseSelection(kind, p.Selection, e.aliases)
		if err != nil {
			return nil, "", err
		}
		if p.Line != nil {
			line = p.Line
		}
		p.Source = source
		out = append(out, member{pick: p, side: side, line: line})
	}
	return out, entityID, nil
}

// split buckets members by side and returns the larger side as the agreeing
// group. Equal sides are ordered by name so the split is deterministic.
func split(members []member) ([]member, []member, error) {
	groups := make(map[string][]member)
	for _, m := range members {
		groups[m.side] = append(groups[m.side], m)
	}
	if len(groups) > 2 {
		return nil, nil, fault.Validation("consensus: picks name %d sides of a two-sided market", len(groups))
	}

	sides := make([]string, 0, len(groups))
	for s := range groups {
		sides = append(sides, s)
	}
	sort.Slice(sides, func(i, j int) bool {
		if len(groups[sides[i]]) != len(groups[sides[j]]) {
			return len(groups[sides[i]]) > len(groups[sides[j]])
		}
		return sides[i] < sides[j]
	})

	var agreeing, disagreeing []member
	if len(sides) > 0 {
		agreeing = groups[sides[0]]
	}
	if len(sides) > 1 {
		disagreeing = groups[sides[1]]
	}
	return agreeing, disagreeing, nil
}

// consensusLine is the line of the heaviest agreeing member, ties broken by
// source name.
func consensusLine(agreeing []member) *float64 {
	var (
		best   *member
		bestWt float64
	)
	for i := range agreeing {
		m := &agreeing[i]
		if m.line == nil {
			continue
		}
		w := CombinedWeight(m.pick)
		if best == nil || w > bestWt || (w == bestWt && m.pick.Source < best.pick.Source) {
			best, bestWt = m, w
		}
	}
	if best == nil {
		return nil
	}
	v := *best.line
	return &v
}

func sources(ms []member) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.pick.Source)
	}
	sort.Strings(out)
	return out
}

func reasonOf(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Err != nil {
		return fe.Err.Error()
	}
	return err.Error()
}
