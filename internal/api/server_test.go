package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pick-engine/internal/consensus"
	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/ledger"
	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/pipeline"
	"github.com/sells-group/pick-engine/internal/store"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, req pipeline.Request) (*model.PipelineResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PipelineResult), args.Error(1)
}

type fixture struct {
	runner *mockRunner
	store  *store.SQLiteStore
	srv    *Server
	h      http.Handler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	runner := &mockRunner{}
	engine := consensus.New(consensus.Config{MaxConcurrency: 2}, nil)
	srv := New(cfg, runner, engine, ledger.New(st), st)
	srv.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{runner: runner, store: st, srv: srv, h: srv.Handler()}
}

func (f *fixture) do(method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func line(v float64) *float64 { return &v }

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{})
	rr := f.do(http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
}

func TestPostRun_PassesIdempotencyKeyAndDryRun(t *testing.T) {
	f := newFixture(t, Config{})
	want := pipeline.Request{EntityID: "game-1", Kind: model.KindTotal, Source: "model-a", IdempotencyKey: "K1", DryRun: true}
	f.runner.On("Run", mock.Anything, want).Return(&model.PipelineResult{RunID: "dry-1", Status: model.RunStatusComplete, DryRun: true}, nil)

	rr := f.do(http.MethodPost, "/v1/runs?dry_run=true",
		map[string]any{"entity_id": "game-1", "kind": "total", "source": "model-a"},
		map[string]string{IdempotencyHeader: " K1 "})

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[model.PipelineResult](t, rr)
	assert.Equal(t, "dry-1", res.RunID)
	assert.True(t, res.DryRun)
	f.runner.AssertExpectations(t)
}

func TestPostRun_RequiresIdempotencyKey(t *testing.T) {
	f := newFixture(t, Config{})
	rr := f.do(http.MethodPost, "/v1/runs", map[string]any{"entity_id": "game-1", "kind": "total", "source": "a"}, nil)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	body := decode[errorBody](t, rr)
	assert.Equal(t, string(fault.CodeValidation), body.Code)
	assert.Contains(t, body.Error, IdempotencyHeader)
	f.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestPostRun_BadInput(t *testing.T) {
	tests := []struct {
		name   string
		target string
		body   any
	}{
		{"unknown field", "/v1/runs", map[string]any{"entity_id": "g", "bogus": 1}},
		{"bad dry_run", "/v1/runs?dry_run=maybe", map[string]any{"entity_id": "g"}},
		{"not json", "/v1/runs", "not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			rr := f.do(http.MethodPost, tt.target, tt.body, map[string]string{IdempotencyHeader: "K"})
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, string(fault.CodeValidation), decode[errorBody](t, rr).Code)
		})
	}
}

func TestPostRun_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		result     *model.PipelineResult
		err        error
		wantStatus int
		wantCode   fault.Code
		wantResult bool
	}{
		{"validation", nil, fault.Validation("unknown factor key %q", "zzz"), http.StatusBadRequest, fault.CodeValidation, false},
		{"execution with partial result", &model.PipelineResult{RunID: "R1", Status: model.RunStatusFailed}, fault.Execution("R1", "factors", errors.New("provider down")), http.StatusInternalServerError, fault.CodeExecution, true},
		{"plain error", nil, errors.New("boom"), http.StatusInternalServerError, fault.CodeExecution, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.runner.On("Run", mock.Anything, mock.Anything).Return(tt.result, tt.err)

			rr := f.do(http.MethodPost, "/v1/runs",
				map[string]any{"entity_id": "game-1", "kind": "total", "source": "a"},
				map[string]string{IdempotencyHeader: "K"})

			assert.Equal(t, tt.wantStatus, rr.Code)
			body := decode[map[string]any](t, rr)
			assert.Equal(t, string(tt.wantCode), body["code"])
			_, hasResult := body["result"]
			assert.Equal(t, tt.wantResult, hasResult)
		})
	}
}

func TestGetRun(t *testing.T) {
	f := newFixture(t, Config{})
	run, err := f.store.CreateRun(context.Background(), model.RunSpec{EntityID: "game-1", Kind: model.KindTotal, Source: "a"})
	require.NoError(t, err)

	rr := f.do(http.MethodGet, "/v1/runs/"+run.ID, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[model.Run](t, rr)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.RunStatusInProgress, got.Status)

	rr = f.do(http.MethodGet, "/v1/runs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListRuns(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.store.CreateRun(ctx, model.RunSpec{EntityID: "game-1", Kind: model.KindTotal, Source: "a"})
	require.NoError(t, err)
	_, err = f.store.CreateRun(ctx, model.RunSpec{EntityID: "game-2", Kind: model.KindTotal, Source: "a"})
	require.NoError(t, err)

	rr := f.do(http.MethodGet, "/v1/runs?entity_id=game-2", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string][]model.Run](t, rr)
	require.Len(t, body["runs"], 1)
	assert.Equal(t, "game-2", body["runs"][0].EntityID)

	rr = f.do(http.MethodGet, "/v1/runs?limit=-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func scenarioAPicks() []model.PickRecord {
	return []model.PickRecord{
		{Source: "alpha", EntityID: "game-1", Kind: model.KindTotal, Selection: "OVER 220.5", Units: 3, Confidence: 4.0, Tier: model.TierElite, TierScore: 8.4, TrackRecord: 12},
		{Source: "bravo", EntityID: "game-1", Kind: model.KindTotal, Selection: "OVER 220.5", Units: 2, Confidence: 3.5, Tier: model.TierRare, TierScore: 6.8, TrackRecord: 8},
		{Source: "charlie", EntityID: "game-1", Kind: model.KindTotal, Selection: "OVER 221", Units: 3, Confidence: 4.2, Tier: model.TierElite, TierScore: 8.1, TrackRecord: 10},
		{Source: "alpha", EntityID: "game-2", Kind: model.KindTotal, Selection: "OVER 210", Units: 2, Confidence: 3.0, Tier: model.TierRare},
		{Source: "bravo", EntityID: "game-2", Kind: model.KindTotal, Selection: "OVER 210", Units: 2, Confidence: 3.0, Tier: model.TierRare},
		{Source: "charlie", EntityID: "game-2", Kind: model.KindTotal, Selection: "UNDER 210", Units: 2, Confidence: 3.0, Tier: model.TierRare},
	}
}

func TestPostConsensus(t *testing.T) {
	f := newFixture(t, Config{})
	rr := f.do(http.MethodPost, "/v1/consensus", ConsensusRequest{Kind: model.KindTotal, Picks: scenarioAPicks(), Persist: true}, nil)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[ConsensusResponse](t, rr)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, "game-1", resp.Results[0].EntityID)
	require.NotNil(t, resp.Results[0].Decision)
	assert.Equal(t, consensus.SideOver, resp.Results[0].Decision.Selection)

	assert.Equal(t, "game-2", resp.Results[1].EntityID)
	assert.Nil(t, resp.Results[1].Decision)
	assert.Equal(t, consensus.ReasonTooClose, resp.Results[1].Reason)

	require.Len(t, resp.Persisted, 1)
	decisions, err := f.store.ListDecisions(context.Background(), store.DecisionFilter{Origin: model.OriginConsensus})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, resp.Persisted[0], decisions[0].ID)
}

func TestPostConsensus_PersistIsIdempotent(t *testing.T) {
	tests := []struct {
		name       string
		keys       [2]string
		wantStored int
	}{
		{"same key", [2]string{"batch-1", "batch-1"}, 1},
		{"no key", [2]string{"", ""}, 1},
		{"distinct keys", [2]string{"batch-1", "batch-2"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			var persisted [2][]string
			for i, key := range tt.keys {
				var headers map[string]string
				if key != "" {
					headers = map[string]string{IdempotencyHeader: key}
				}
				rr := f.do(http.MethodPost, "/v1/consensus", ConsensusRequest{Kind: model.KindTotal, Picks: scenarioAPicks(), Persist: true}, headers)
				require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
				persisted[i] = decode[ConsensusResponse](t, rr).Persisted
				require.Len(t, persisted[i], 1)
			}
			if tt.wantStored == 1 {
				assert.Equal(t, persisted[0], persisted[1])
			}

			decisions, err := f.store.ListDecisions(context.Background(), store.DecisionFilter{Origin: model.OriginConsensus})
			require.NoError(t, err)
			assert.Len(t, decisions, tt.wantStored)
		})
	}
}

func TestPostConsensus_Validation(t *testing.T) {
	f := newFixture(t, Config{})

	rr := f.do(http.MethodPost, "/v1/consensus", ConsensusRequest{Kind: model.KindTotal}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	picks := scenarioAPicks()[:2]
	picks[1].Units = 9
	rr = f.do(http.MethodPost, "/v1/consensus", ConsensusRequest{Kind: model.KindTotal, Picks: picks}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(fault.CodeValidation), decode[errorBody](t, rr).Code)
}

func TestGetLedgerRecord(t *testing.T) {
	f := newFixture(t, Config{})
	rec := &model.IdempotencyRecord{
		IdempotencyKey: model.IdempotencyKey{RunID: "R1", Step: model.StepEdge, Key: "K1"},
		Body:           json.RawMessage(`{"edge_points":12.5}`),
		StatusCode:     http.StatusOK,
		ContentHash:    "abc",
		CreatedAt:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	inserted, err := f.store.InsertRecord(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, inserted)

	rr := f.do(http.MethodGet, "/v1/ledger/R1/edge/K1", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := decode[model.IdempotencyRecord](t, rr)
	assert.Equal(t, "abc", got.ContentHash)
	assert.JSONEq(t, `{"edge_points":12.5}`, string(got.Body))

	rr = f.do(http.MethodGet, "/v1/ledger/R1/edge/other", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetDecisions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for i, entity := range []string{"game-1", "game-2"} {
		require.NoError(t, f.store.AppendDecision(ctx, &model.Decision{
			ID:        []string{"d1", "d2"}[i],
			Origin:    model.OriginPipeline,
			EntityID:  entity,
			Kind:      model.KindTotal,
			Selection: "OVER",
			Line:      line(220.5),
			Units:     3,
			CreatedAt: time.Date(2026, 3, 1, i, 0, 0, 0, time.UTC),
		}))
	}

	rr := f.do(http.MethodGet, "/v1/decisions?entity_id=game-1", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string][]model.Decision](t, rr)
	require.Len(t, body["decisions"], 1)
	assert.Equal(t, "d1", body["decisions"][0].ID)

	rr = f.do(http.MethodGet, "/v1/decisions?kind=spread", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"decisions":[]}`, rr.Body.String())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 2})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", nil, nil).Code)

	rr := f.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
}

func TestCORS(t *testing.T) {
	f := newFixture(t, Config{CORSOrigins: []string{"https://picks.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/v1/runs", nil)
	req.Header.Set("Origin", "https://picks.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)

	assert.Equal(t, "https://picks.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}
