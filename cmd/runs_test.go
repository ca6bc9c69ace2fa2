//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/pick-engine/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			EntityID:  "game-1",
			Kind:      model.KindTotal,
			Source:    "model-a",
			Status:    model.RunStatusComplete,
			CreatedAt: now,
			UpdatedAt: now.Add(2 * time.Second),
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			EntityID:  "game-2",
			Kind:      model.KindSpread,
			Source:    "model-b",
			Status:    model.RunStatusFailed,
			Error:     "EXECUTION_ERROR: run def12345 step factors: provider stats timed out after 10s",
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-1 * time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ENTITY")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "abc12345")
	assert.Contains(t, output, "game-1")
	assert.Contains(t, output, "COMPLETE")
	assert.Contains(t, output, "spread")
	assert.Contains(t, output, "FAILED")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "...")
	assert.NotContains(t, output, "timed out after 10s")
}

func TestRunsStats(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	runs := []model.Run{
		{ID: "1", Status: model.RunStatusComplete, CreatedAt: now, UpdatedAt: now.Add(4 * time.Second)},
		{ID: "2", Status: model.RunStatusComplete, CreatedAt: now, UpdatedAt: now.Add(2 * time.Second)},
		{ID: "3", Status: model.RunStatusFailed, CreatedAt: now, UpdatedAt: now},
		{ID: "4", Status: model.RunStatusInProgress, CreatedAt: now, UpdatedAt: now},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Complete)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.InProgress)
	assert.InDelta(t, 3.0, s.AvgDurSecs, 1e-9)

	var buf bytes.Buffer
	formatRunStats(&buf, s)
	assert.Contains(t, buf.String(), "Total runs:")
	assert.Contains(t, buf.String(), "Avg duration:")
	assert.Contains(t, buf.String(), "3.0s")
}

func TestRunsStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Equal(t, runStats{}, s)

	var buf bytes.Buffer
	formatRunStats(&buf, s)
	assert.NotContains(t, buf.String(), "Avg duration")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
