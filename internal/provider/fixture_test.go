package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pick-engine/internal/model"
	"github.com/sells-group/pick-engine/internal/pipeline"
)

// Fixture sources satisfy the pipeline contracts.
var (
	_ pipeline.SnapshotProvider = (*SnapshotSource)(nil)
	_ pipeline.FactorProvider   = (*FactorSource)(nil)
)

func TestLoad(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "fixtures.yaml"))
	require.NoError(t, err)

	assert.Len(t, f.Snapshots, 2)
	assert.Len(t, f.Providers, 2)
	assert.Len(t, f.Picks, 5)
	assert.Equal(t, model.TierElite, f.Picks[0].Tier)
	require.Len(t, f.Picks[0].TopFactors, 1)
	assert.Equal(t, "pace", f.Picks[0].TopFactors[0].Key)
}

func TestSnapshotSource(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "fixtures.yaml"))
	require.NoError(t, err)
	src := f.SnapshotSource()
	ctx := context.Background()

	line, err := src.Snapshot(ctx, "game-1", model.KindTotal)
	require.NoError(t, err)
	require.NotNil(t, line)
	assert.InDelta(t, 220.5, line.Line, 1e-9)
	assert.Equal(t, "BOS", line.HomeTeam)
	assert.Equal(t, time.Date(2026, 1, 2, 19, 0, 0, 0, time.UTC), line.CapturedAt.UTC())

	spread, err := src.Snapshot(ctx, "game-1", model.KindSpread)
	require.NoError(t, err)
	assert.InDelta(t, -4.5, spread.Line, 1e-9)

	missing, err := src.Snapshot(ctx, "game-9", model.KindTotal)
	require.NoError(t, err)
	assert.Nil(t, missing)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.Snapshot(cancelled, "game-1", model.KindTotal)
	assert.Error(t, err)
}

func TestFactorSources(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "fixtures.yaml"))
	require.NoError(t, err)

	sources := f.FactorSources()
	require.Len(t, sources, 2)
	assert.Equal(t, "context", sources[0].Name())
	assert.Equal(t, "stats", sources[1].Name())

	inputs, err := sources[0].Factors(context.Background(), model.Snapshot{EntityID: "game-1"})
	require.NoError(t, err)
	require.Len(t, inputs, 3)
	require.NotNil(t, inputs[1].WeightOverride)
	assert.InDelta(t, 20.0, *inputs[1].WeightOverride, 1e-9)

	none, err := sources[1].Factors(context.Background(), model.Snapshot{EntityID: "game-9"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("snapshots: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider: parse fixtures")

	_, err = Parse([]byte("providers:\n  - factors: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no name")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider: read fixtures")
}

func TestLoadPicks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
picks:
  - source: a
    entity_id: g
    selection: OVER 200
    units: 2
    line: 200.5
`), 0o644))

	picks, err := LoadPicks(path)
	require.NoError(t, err)
	require.Len(t, picks, 1)
	require.NotNil(t, picks[0].Line)
	assert.InDelta(t, 200.5, *picks[0].Line, 1e-9)
}
