//go:build !integration

package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pick-engine/internal/config"
	"github.com/sells-group/pick-engine/internal/consensus"
	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/pipeline"
	"github.com/sells-group/pick-engine/internal/store"
)

const fixturePath = "../internal/provider/testdata/fixtures.yaml"

func useTestConfig(t *testing.T) {
	t.Helper()
	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "engine.db")
	c.Ledger.Backend = "store"
	c.Pipeline.Fixtures = fixturePath
	cfg = c
}

func TestEngineEnv_Close_Nil(t *testing.T) {
	env := &engineEnv{}
	assert.NotPanics(t, env.Close)
}

func TestInitEnv_RunsPipelineAndReplays(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	env, err := initEnv(ctx, "run")
	require.NoError(t, err)
	defer env.Close()

	req := pipeline.Request{EntityID: "game-1", Kind: model.KindTotal, Source: "model-a", IdempotencyKey: "K1"}
	first, err := env.Pipeline.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, first.Status)
	require.Len(t, first.Steps, len(model.Steps))
	for _, s := range first.Steps {
		assert.False(t, s.Replayed, "step %s", s.Name)
	}

	rec, err := env.Ledger.Lookup(ctx, model.IdempotencyKey{RunID: first.RunID, Step: model.StepAudit, Key: "K1"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Len(t, rec.ContentHash, 64)

	run, err := env.Store.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
}

func TestInitEnv_ResolvesFixturePicks(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	env, err := initEnv(ctx, "consensus")
	require.NoError(t, err)
	defer env.Close()

	results, err := env.Consensus.ResolveAll(ctx, env.Fixtures.Picks, model.KindTotal)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "game-1", results[0].EntityID)
}

func TestInitEnv_ConsensusWithoutFixtures(t *testing.T) {
	useTestConfig(t)
	cfg.Pipeline.Fixtures = filepath.Join(t.TempDir(), "missing.yaml")

	env, err := initEnv(context.Background(), "consensus")
	require.NoError(t, err)
	defer env.Close()
	assert.Empty(t, env.Fixtures.Picks)

	_, err = initEnv(context.Background(), "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load fixture providers")
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	useTestConfig(t)
	cfg.Ledger.Backend = "memcached"

	env, err := initEnv(context.Background(), "run")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))
	assert.Contains(t, err.Error(), "ledger.backend")
}

func TestInitStorage_AlwaysRecompute(t *testing.T) {
	useTestConfig(t)
	cfg.Ledger.AlwaysRecompute = []string{"snapshot"}

	env, err := initStorage(context.Background(), "run")
	require.NoError(t, err)
	defer env.Close()

	assert.True(t, env.Ledger.PolicyFor(model.StepSnapshot).AlwaysRecompute)
	assert.False(t, env.Ledger.PolicyFor(model.StepEdge).AlwaysRecompute)
	assert.Nil(t, env.Pipeline)
}

func TestBuildHandler(t *testing.T) {
	useTestConfig(t)
	env, err := initEnv(context.Background(), "serve")
	require.NoError(t, err)
	defer env.Close()

	h := buildHandler(env)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second}

	done := make(chan error, 1)
	go func() { done <- serve(ctx, srv) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewChecker_CountsInProgressRun(t *testing.T) {
	useTestConfig(t)
	cfg.Monitoring.StaleRunMinutes = 1
	ctx := context.Background()

	st, err := openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, err = st.CreateRun(ctx, model.RunSpec{EntityID: "game-9", Kind: model.KindTotal, Source: "model-a"})
	require.NoError(t, err)

	snap, _, err := newChecker(st).CheckOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsInProgress)
	assert.Equal(t, 0, snap.StaleRuns)
}

func TestFormatConsensus(t *testing.T) {
	line := 220.5
	results := []consensus.Result{
		{
			EntityID: "game-1",
			Decision: &consensus.Decision{
				EntityID:    "game-1",
				Selection:   consensus.SideOver,
				Line:        &line,
				Units:       3,
				Confidence:  3.87,
				Tier:        model.TierElite,
				Reason:      consensus.ReasonClean,
				Agreeing:    []string{"a", "b", "c"},
				Disagreeing: nil,
			},
		},
		{EntityID: "game-2", Reason: consensus.ReasonTooClose},
	}

	var buf bytes.Buffer
	formatConsensus(&buf, results)
	out := buf.String()
	assert.Contains(t, out, "ENTITY")
	assert.Contains(t, out, "OVER 220.5")
	assert.Contains(t, out, "3.87")
	assert.Contains(t, out, "Elite")
	assert.Contains(t, out, "3/3")
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "too close, skip")
}

func TestFormatLedgerSteps(t *testing.T) {
	recs := map[model.StepName]*model.IdempotencyRecord{
		model.StepSnapshot: {
			StatusCode:  http.StatusOK,
			ContentHash: "0123456789abcdef",
			CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	formatLedgerSteps(&buf, recs)
	out := buf.String()
	assert.Contains(t, out, "snapshot")
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "2026-01-02 03:04:05")
	assert.Contains(t, out, "audit")
	assert.Contains(t, out, "no")
}

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		in      string
		want    model.Outcome
		wantErr bool
	}{
		{"win", model.OutcomeWin, false},
		{" LOSS ", model.OutcomeLoss, false},
		{"Push", model.OutcomePush, false},
		{"void", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseOutcome(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSettleFlow(t *testing.T) {
	useTestConfig(t)
	ctx := context.Background()

	st, err := openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.AppendDecision(ctx, &model.Decision{
		ID: "d1", Origin: model.OriginConsensus, EntityID: "game-1", Kind: model.KindTotal, Selection: "OVER", Units: 3,
	}))
	require.NoError(t, st.RecordOutcome(ctx, "d1", model.OutcomeWin))

	stats, err := st.OutcomeStats(ctx, model.OriginConsensus, model.KindTotal)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Wins)

	decisions, err := st.ListDecisions(ctx, store.DecisionFilter{Origin: model.OriginConsensus})
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}
