package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pick-engine/internal/db"
	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// preparedStatements lists the hot-path ledger and run queries prepared on
// each new connection.
var preparedStatements = map[string]string{
	"get_record":    `SELECT body, status_code, content_hash, created_at FROM idempotency_records WHERE run_id = $1 AND step = $2 AND key = $3`,
	"insert_record": `INSERT INTO idempotency_records (run_id, step, key, body, status_code, content_hash, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (run_id, step, key) DO NOTHING`,
	"get_run":       `SELECT ` + pgRunColumns + ` FROM runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.NewPool(ctx, connString, poolCfg, preparedStatements)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	entity_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	source     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'IN_PROGRESS',
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_live_spec
	ON runs(entity_id, kind, source) WHERE status <> 'FAILED';
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS snapshots (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	entity_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	line        DOUBLE PRECISION NOT NULL,
	home_team   TEXT NOT NULL DEFAULT '',
	away_team   TEXT NOT NULL DEFAULT '',
	active      BOOLEAN NOT NULL DEFAULT false,
	captured_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_active ON snapshots(run_id) WHERE active;

CREATE TABLE IF NOT EXISTS decisions (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL DEFAULT '',
	origin     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	selection  TEXT NOT NULL DEFAULT '',
	line       DOUBLE PRECISION,
	units      INTEGER NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	tier       TEXT NOT NULL DEFAULT '',
	audit      JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_decisions_entity ON decisions(entity_id, kind);
CREATE INDEX IF NOT EXISTS idx_decisions_origin ON decisions(origin, kind);

CREATE TABLE IF NOT EXISTS outcomes (
	decision_id TEXT PRIMARY KEY REFERENCES decisions(id),
	outcome     TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS idempotency_records (
	run_id       TEXT NOT NULL,
	step         TEXT NOT NULL,
	key          TEXT NOT NULL,
	body         TEXT NOT NULL,
	status_code  INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, step, key)
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Runs ---

const pgRunColumns = `id, entity_id, kind, source, status, error, created_at, updated_at`

func (s *PostgresStore) CreateRun(ctx context.Context, spec model.RunSpec) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, entity_id, kind, source, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
		id, spec.EntityID, string(spec.Kind), spec.Source, string(model.RunStatusInProgress), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	if tag.RowsAffected() == 0 {
		return nil, fault.Conflict("", "", eris.Errorf("postgres: live run exists for %s/%s/%s", spec.EntityID, spec.Kind, spec.Source))
	}

	return &model.Run{
		ID:        id,
		EntityID:  spec.EntityID,
		Kind:      spec.Kind,
		Source:    spec.Source,
		Status:    model.RunStatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) FindRun(ctx context.Context, spec model.RunSpec, statuses ...model.RunStatus) (*model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE entity_id = $1 AND kind = $2 AND source = $3`
	args := []any{spec.EntityID, string(spec.Kind), spec.Source}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` AND status = ANY($4)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	r, err := scanPgRun(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find run")
	}
	return r, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fault.Validation("postgres: run %s cannot move to %s", runID, status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(status), errMsg, time.Now().UTC(), runID, string(model.RunStatusInProgress),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	cur, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return fault.Conflict(runID, "", eris.Errorf("postgres: run is already %s", cur.Status))
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	q := newPgQuery(`SELECT ` + pgRunColumns + ` FROM runs WHERE true`)
	q.where("status", string(filter.Status))
	q.where("entity_id", filter.EntityID)
	q.where("kind", string(filter.Kind))
	q.where("source", filter.Source)
	q.page(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- Snapshots ---

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}

	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE snapshots SET active = false WHERE run_id = $1 AND active`, snap.RunID,
		); err != nil {
			return eris.Wrapf(err, "postgres: deactivate snapshots for run %s", snap.RunID)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO snapshots (id, run_id, entity_id, kind, line, home_team, away_team, active, captured_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8)
			 ON CONFLICT (id) DO UPDATE SET active = true`,
			snap.ID, snap.RunID, snap.EntityID, string(snap.Kind), snap.Line, snap.HomeTeam, snap.AwayTeam, snap.CapturedAt,
		)
		return eris.Wrapf(err, "postgres: insert snapshot for run %s", snap.RunID)
	})
	if err != nil {
		return err
	}
	snap.Active = true
	return nil
}

func (s *PostgresStore) ActiveSnapshot(ctx context.Context, runID string) (*model.Snapshot, error) {
	var snap model.Snapshot
	var kind string
	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, entity_id, kind, line, home_team, away_team, active, captured_at
		 FROM snapshots WHERE run_id = $1 AND active`, runID,
	).Scan(&snap.ID, &snap.RunID, &snap.EntityID, &kind, &snap.Line,
		&snap.HomeTeam, &snap.AwayTeam, &snap.Active, &snap.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: active snapshot for run %s", runID)
	}
	snap.Kind = model.DecisionKind(kind)
	return &snap, nil
}

// --- Decisions ---

const pgDecisionColumns = `id, run_id, origin, entity_id, kind, selection, line, units, confidence, tier, audit, created_at`

func (s *PostgresStore) AppendDecision(ctx context.Context, d *model.Decision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	var audit []byte
	if len(d.Audit) > 0 {
		audit = d.Audit
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO decisions (`+pgDecisionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.RunID, string(d.Origin), d.EntityID, string(d.Kind), d.Selection, d.Line,
		d.Units, d.Confidence, string(d.Tier), audit, d.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append decision %s", d.ID)
}

func (s *PostgresStore) GetDecision(ctx context.Context, id string) (*model.Decision, error) {
	d, err := scanPgDecision(s.pool.QueryRow(ctx, `SELECT `+pgDecisionColumns+` FROM decisions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get decision %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get decision %s", id)
	}
	return d, nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]model.Decision, error) {
	q := newPgQuery(`SELECT ` + pgDecisionColumns + ` FROM decisions WHERE true`)
	q.where("run_id", filter.RunID)
	q.where("entity_id", filter.EntityID)
	q.where("kind", string(filter.Kind))
	q.where("origin", string(filter.Origin))
	q.page(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		d, err := scanPgDecision(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, decisionID string, outcome model.Outcome) error {
	if !outcome.Valid() {
		return fault.Validation("postgres: unknown outcome %q", outcome)
	}
	if _, err := s.GetDecision(ctx, decisionID); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO outcomes (decision_id, outcome, recorded_at) VALUES ($1, $2, $3) ON CONFLICT (decision_id) DO NOTHING`,
		decisionID, string(outcome), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record outcome %s", decisionID)
	}
	if tag.RowsAffected() == 0 {
		return fault.Conflict("", "", eris.Errorf("postgres: outcome already recorded for decision %s", decisionID))
	}
	return nil
}

func (s *PostgresStore) OutcomeStats(ctx context.Context, origin model.DecisionOrigin, kind model.DecisionKind) (model.OutcomeStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT o.outcome, COUNT(*) FROM outcomes o
		 JOIN decisions d ON d.id = o.decision_id
		 WHERE d.origin = $1 AND d.kind = $2
		 GROUP BY o.outcome`,
		string(origin), string(kind),
	)
	if err != nil {
		return model.OutcomeStats{}, eris.Wrap(err, "postgres: outcome stats")
	}
	defer rows.Close()

	var stats model.OutcomeStats
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return model.OutcomeStats{}, eris.Wrap(err, "postgres: scan outcome stats")
		}
		addOutcome(&stats, model.Outcome(outcome), int(n))
	}
	return stats, eris.Wrap(rows.Err(), "postgres: outcome stats iterate")
}

// --- Idempotency records ---

func (s *PostgresStore) GetRecord(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	rec := model.IdempotencyRecord{IdempotencyKey: key}
	var body string
	err := s.pool.QueryRow(ctx, preparedStatements["get_record"],
		key.RunID, string(key.Step), key.Key,
	).Scan(&body, &rec.StatusCode, &rec.ContentHash, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", key)
	}
	rec.Body = []byte(body)
	return &rec, nil
}

func (s *PostgresStore) InsertRecord(ctx context.Context, rec *model.IdempotencyRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, preparedStatements["insert_record"],
		rec.RunID, string(rec.Step), rec.Key, string(rec.Body), rec.StatusCode, rec.ContentHash, rec.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert record %s", rec.IdempotencyKey)
	}
	return tag.RowsAffected() == 1, nil
}

// helpers

// pgQuery accumulates optional equality filters with positional arguments.
type pgQuery struct {
	sql  string
	args []any
}

func newPgQuery(base string) *pgQuery {
	return &pgQuery{sql: base}
}

func (q *pgQuery) where(column, value string) {
	if value == "" {
		return
	}
	q.args = append(q.args, value)
	q.sql += fmt.Sprintf(` AND %s = $%d`, column, len(q.args))
}

func (q *pgQuery) page(limit, offset int) {
	q.args = append(q.args, listLimit(limit))
	q.sql += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(q.args))
	if offset > 0 {
		q.args = append(q.args, offset)
		q.sql += fmt.Sprintf(` OFFSET $%d`, len(q.args))
	}
}

func scanPgRun(row scannable) (*model.Run, error) {
	var r model.Run
	var kind, status string
	if err := row.Scan(&r.ID, &r.EntityID, &kind, &r.Source, &status, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Kind = model.DecisionKind(kind)
	r.Status = model.RunStatus(status)
	return &r, nil
}

func scanPgDecision(row scannable) (*model.Decision, error) {
	var d model.Decision
	var origin, kind, tier string
	var audit []byte
	if err := row.Scan(&d.ID, &d.RunID, &origin, &d.EntityID, &kind, &d.Selection, &d.Line,
		&d.Units, &d.Confidence, &tier, &audit, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Origin = model.DecisionOrigin(origin)
	d.Kind = model.DecisionKind(kind)
	d.Tier = model.Tier(tier)
	if len(audit) > 0 {
		d.Audit = audit
	}
	return &d, nil
}
