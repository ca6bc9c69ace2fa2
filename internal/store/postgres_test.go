package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var runCols = []string{"id", "entity_id", "kind", "source", "status", "error", "created_at", "updated_at"}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, entity_id, kind, source, status, error, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM runs WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows(runCols).AddRow("r1", "game-1", "total", "model-a", "COMPLETE", "", now, now))

	run, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.KindTotal, run.Kind)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs .* ON CONFLICT DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "game-1", "total", "model-a", "IN_PROGRESS", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	_, err := s.CreateRun(context.Background(), model.RunSpec{EntityID: "game-1", Kind: model.KindTotal, Source: "model-a"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeStoreConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), "game-1", "spread", "model-a", "IN_PROGRESS", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), model.RunSpec{EntityID: "game-1", Kind: model.KindSpread, Source: "model-a"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusInProgress, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindRun_WithStatuses(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`AND status = ANY\(\$4\) ORDER BY created_at DESC LIMIT 1`).
		WithArgs("game-1", "total", "model-a", []string{"IN_PROGRESS"}).
		WillReturnError(pgx.ErrNoRows)

	run, err := s.FindRun(context.Background(),
		model.RunSpec{EntityID: "game-1", Kind: model.KindTotal, Source: "model-a"}, model.RunStatusInProgress)
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus_AlreadyTerminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE runs SET status = \$1, error = \$2, updated_at = \$3 WHERE id = \$4 AND status = \$5`).
		WithArgs("FAILED", "boom", pgxmock.AnyArg(), "r1", "IN_PROGRESS").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FROM runs WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows(runCols).AddRow("r1", "game-1", "total", "model-a", "COMPLETE", "", now, now))

	err := s.UpdateRunStatus(context.Background(), "r1", model.RunStatusFailed, "boom")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeStoreConflict))
	assert.Contains(t, err.Error(), "already COMPLETE")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_BuildsFilters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`WHERE true AND status = \$1 AND entity_id = \$2 ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("COMPLETE", "game-1", 10, 5).
		WillReturnRows(pgxmock.NewRows(runCols).AddRow("r1", "game-1", "total", "model-a", "COMPLETE", "", now, now))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusComplete, EntityID: "game-1", Limit: 10, Offset: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveSnapshot_Transaction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE snapshots SET active = false WHERE run_id = \$1 AND active`).
		WithArgs("r1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE SET active = true`).
		WithArgs(pgxmock.AnyArg(), "r1", "game-1", "total", 220.5, "", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	snap := &model.Snapshot{RunID: "r1", EntityID: "game-1", Kind: model.KindTotal, Line: 220.5}
	require.NoError(t, s.SaveSnapshot(context.Background(), snap))
	assert.True(t, snap.Active)
	assert.NotEmpty(t, snap.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveSnapshot_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE snapshots`).WithArgs("r1").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`INSERT INTO snapshots`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	snap := &model.Snapshot{RunID: "r1", EntityID: "game-1", Kind: model.KindTotal, Line: 220.5}
	err := s.SaveSnapshot(context.Background(), snap)
	require.Error(t, err)
	assert.False(t, snap.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	key := model.IdempotencyKey{RunID: "r1", Step: model.StepDecide, Key: "k1"}

	mock.ExpectQuery(`SELECT body, status_code, content_hash, created_at FROM idempotency_records`).
		WithArgs("r1", "decide", "k1").
		WillReturnRows(pgxmock.NewRows([]string{"body", "status_code", "content_hash", "created_at"}).
			AddRow(`{"units":3}`, 200, "abc", created))

	rec, err := s.GetRecord(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, `{"units":3}`, string(rec.Body))
	assert.Equal(t, 200, rec.StatusCode)
	assert.Equal(t, key, rec.IdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRecord_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM idempotency_records`).
		WithArgs("r1", "decide", "k1").
		WillReturnError(pgx.ErrNoRows)

	rec, err := s.GetRecord(context.Background(), model.IdempotencyKey{RunID: "r1", Step: model.StepDecide, Key: "k1"})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertRecord(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"inserted", 1, true},
		{"conflict", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPostgresStore(t)
			mock.ExpectExec(`INSERT INTO idempotency_records .* ON CONFLICT \(run_id, step, key\) DO NOTHING`).
				WithArgs("r1", "audit", "k1", `{}`, 200, "h", pgxmock.AnyArg()).
				WillReturnResult(pgxmock.NewResult("INSERT", tt.affected))

			ok, err := s.InsertRecord(context.Background(), &model.IdempotencyRecord{
				IdempotencyKey: model.IdempotencyKey{RunID: "r1", Step: model.StepAudit, Key: "k1"},
				Body:           []byte(`{}`),
				StatusCode:     200,
				ContentHash:    "h",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_OutcomeStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT o.outcome, COUNT\(\*\) FROM outcomes o`).
		WithArgs("consensus", "total").
		WillReturnRows(pgxmock.NewRows([]string{"outcome", "count"}).
			AddRow("win", int64(12)).
			AddRow("loss", int64(8)).
			AddRow("push", int64(1)))

	stats, err := s.OutcomeStats(context.Background(), model.OriginConsensus, model.KindTotal)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeStats{Wins: 12, Losses: 8, Pushes: 1}, stats)
	assert.InDelta(t, 0.6, stats.WinRate(), 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordOutcome_Invalid(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	err := s.RecordOutcome(context.Background(), "d1", "draw")
	assert.True(t, fault.Is(err, fault.CodeValidation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS idempotency_records`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
