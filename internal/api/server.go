// Package api exposes the pipeline, consensus engine and ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pick-engine/internal/consensus"
	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/pipeline"
	"github.com/sells-group/pick-engine/internal/store"
)

// IdempotencyHeader carries the caller's idempotency key on POST /v1/runs and
// on persisting POST /v1/consensus calls.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 20

// Runner executes one pipeline request.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*model.PipelineResult, error)
}

// Resolver resolves consensus over a batch of picks.
type Resolver interface {
	ResolveAll(ctx context.Context, picks []model.PickRecord, kind model.DecisionKind) ([]consensus.Result, error)
}

// LedgerReader reads stored idempotency records.
type LedgerReader interface {
	Lookup(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error)
}

// Store is the read side of persistence the API needs, plus decision appends
// for persisted consensus results.
type Store interface {
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListDecisions(ctx context.Context, filter store.DecisionFilter) ([]model.Decision, error)
	AppendDecision(ctx context.Context, d *model.Decision) error
	GetDecision(ctx context.Context, id string) (*model.Decision, error)
}

// Config configures the HTTP surface.
type Config struct {
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

// Server wires HTTP handlers to the decision components.
type Server struct {
	cfg       Config
	pipeline  Runner
	consensus Resolver
	ledger    LedgerReader
	store     Store
	now       func() time.Time
}

// New creates a Server.
func New(cfg Config, p Runner, c Resolver, l LedgerReader, st Store) *Server {
	return &Server{
		cfg:       cfg,
		pipeline:  p,
		consensus: c,
		ledger:    l,
		store:     st,
		now:       time.Now,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", IdempotencyHeader},
		MaxAge:         300,
	}))
	if s.cfg.RateLimitRPS > 0 {
		r.Use(rateLimit(rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), max(s.cfg.RateLimitBurst, 1))))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(api chi.Router) {
		api.Post("/runs", s.handleRun)
		api.Get("/runs", s.handleListRuns)
		api.Get("/runs/{runID}", s.handleGetRun)
		api.Post("/consensus", s.handleConsensus)
		api.Get("/ledger/{runID}/{step}/{key}", s.handleLedger)
		api.Get("/decisions", s.handleDecisions)
	})

	return r
}

// rateLimit rejects requests with 429 once the shared token bucket is empty.
func rateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorBody{Code: "RATE_LIMITED", Error: "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type runBody struct {
	RunID    string             `json:"run_id,omitempty"`
	EntityID string             `json:"entity_id"`
	Kind     model.DecisionKind `json:"kind"`
	Source   string             `json:"source"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var body runBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	dryRun, err := queryBool(r, "dry_run")
	if err != nil {
		writeError(w, err)
		return
	}

	req := pipeline.Request{
		RunID:          body.RunID,
		EntityID:       body.EntityID,
		Kind:           body.Kind,
		Source:         body.Source,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
		DryRun:         dryRun,
	}
	if req.IdempotencyKey == "" {
		writeError(w, fault.Validation("api: %s header is required", IdempotencyHeader))
		return
	}

	result, err := s.pipeline.Run(r.Context(), req)
	if err != nil {
		zap.L().Warn("api: pipeline run failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("entity_id", req.EntityID),
			zap.Error(err),
		)
		if result != nil {
			writeErrorWith(w, err, result)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Status:   model.RunStatus(q.Get("status")),
		EntityID: q.Get("entity_id"),
		Kind:     model.DecisionKind(q.Get("kind")),
		Source:   q.Get("source"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

// ConsensusRequest is the body of POST /v1/consensus.
type ConsensusRequest struct {
	Kind  model.DecisionKind `json:"kind"`
	Picks []model.PickRecord `json:"picks"`
	// Persist appends every emitted decision to the decision log.
	Persist bool `json:"persist,omitempty"`
}

// ConsensusResponse is returned by POST /v1/consensus.
type ConsensusResponse struct {
	Results   []consensus.Result `json:"results"`
	Persisted []string           `json:"persisted,omitempty"`
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	var req ConsensusRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Picks) == 0 {
		writeError(w, fault.Validation("api: picks are required"))
		return
	}

	results, err := s.consensus.ResolveAll(r.Context(), req.Picks, req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := ConsensusResponse{Results: results}
	if req.Persist {
		// Without a header the batch itself is the key, so a resubmitted
		// batch maps onto the decisions it already persisted.
		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if key == "" {
			if key, err = consensus.BatchKey(req.Kind, req.Picks); err != nil {
				writeError(w, err)
				return
			}
		}
		ids, err := consensus.Persist(r.Context(), s.store, key, results, s.now())
		if err != nil {
			writeError(w, eris.Wrap(err, "api: persist consensus"))
			return
		}
		resp.Persisted = ids
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	key := model.IdempotencyKey{
		RunID: chi.URLParam(r, "runID"),
		Step:  model.StepName(chi.URLParam(r, "step")),
		Key:   chi.URLParam(r, "key"),
	}
	rec, err := s.ledger.Lookup(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, err)
		return
	}
	decisions, err := s.store.ListDecisions(r.Context(), store.DecisionFilter{
		RunID:    q.Get("run_id"),
		EntityID: q.Get("entity_id"),
		Kind:     model.DecisionKind(q.Get("kind")),
		Origin:   model.DecisionOrigin(q.Get("origin")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": nonNil(decisions)})
}

type errorBody struct {
	Code   string `json:"code"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Result any    `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorWith(w, err, nil)
}

// writeErrorWith maps err to a status and body. result, when non-nil, is the
// partial pipeline result that accompanied the failure.
func writeErrorWith(w http.ResponseWriter, err error, result any) {
	if store.IsNotFound(err) {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Error: "not found"})
		return
	}

	code := fault.CodeOf(err)
	body := errorBody{Code: string(code), Error: err.Error()}
	if result != nil {
		body.Result = result
	}

	var fe *fault.Error
	if code == fault.CodeInsufficientConsensus && errors.As(err, &fe) && fe.Err != nil {
		body.Reason = fe.Err.Error()
	}
	if code == fault.CodeExecution {
		body.Error = "execution failed; retry with the same idempotency key"
	}
	writeJSON(w, fault.HTTPStatus(code), body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Validation("api: invalid request body: %v", err)
	}
	return nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fault.Validation("api: %s must be a boolean", name)
	}
	return b, nil
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			return 0, 0, fault.Validation("api: limit must be a non-negative integer")
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			return 0, 0, fault.Validation("api: offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func nonNil[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}
