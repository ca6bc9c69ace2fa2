package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pick-engine/internal/fault"
	"github.com/sells-group/pick-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connPragmas(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// connPragmas adds the per-connection pragmas to dsn. database/sql pools
// connections, and a PRAGMA run once only reaches one of them.
func connPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	source     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'IN_PROGRESS',
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_live_spec
	ON runs(entity_id, kind, source) WHERE status <> 'FAILED';
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS snapshots (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	entity_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	line        REAL NOT NULL,
	home_team   TEXT NOT NULL DEFAULT '',
	away_team   TEXT NOT NULL DEFAULT '',
	active      INTEGER NOT NULL DEFAULT 0,
	captured_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_active ON snapshots(run_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS decisions (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL DEFAULT '',
	origin     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	selection  TEXT NOT NULL DEFAULT '',
	line       REAL,
	units      INTEGER NOT NULL,
	confidence REAL NOT NULL,
	tier       TEXT NOT NULL DEFAULT '',
	audit      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_decisions_entity ON decisions(entity_id, kind);
CREATE INDEX IF NOT EXISTS idx_decisions_origin ON decisions(origin, kind);

CREATE TABLE IF NOT EXISTS outcomes (
	decision_id TEXT PRIMARY KEY REFERENCES decisions(id),
	outcome     TEXT NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS idempotency_records (
	run_id       TEXT NOT NULL,
	step         TEXT NOT NULL,
	key          TEXT NOT NULL,
	body         TEXT NOT NULL,
	status_code  INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	created_at   DATETIME NOT NULL,
	PRIMARY KEY (run_id, step, key)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, spec model.RunSpec) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, entity_id, kind, source, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		id, spec.EntityID, string(spec.Kind), spec.Source, string(model.RunStatusInProgress), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		return nil, fault.Conflict("", "", eris.Errorf("sqlite: live run exists for %s/%s/%s", spec.EntityID, spec.Kind, spec.Source))
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

const sqliteRunColumns = `id, entity_id, kind, source, status, error, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) FindRun(ctx context.Context, spec model.RunSpec, statuses ...model.RunStatus) (*model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE entity_id = ? AND kind = ? AND source = ?`
	args := []any{spec.EntityID, string(spec.Kind), spec.Source}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	r, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find run")
	}
	return r, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fault.Validation("sqlite: run %s cannot move to %s", runID, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), errMsg, time.Now().UTC(), runID, string(model.RunStatusInProgress),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	} else if n > 0 {
		return nil
	}

	cur, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return fault.Conflict(runID, "", eris.Errorf("sqlite: run is already %s", cur.Status))
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- Snapshots ---

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin snapshot tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE snapshots SET active = 0 WHERE run_id = ? AND active = 1`, snap.RunID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: deactivate snapshots for run %s", snap.RunID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, run_id, entity_id, kind, line, home_team, away_team, active, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT (id) DO UPDATE SET active = 1`,
		snap.ID, snap.RunID, snap.EntityID, string(snap.Kind), snap.Line, snap.HomeTeam, snap.AwayTeam, snap.CapturedAt,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert snapshot for run %s", snap.RunID)
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit snapshot")
	}
	snap.Active = true
	return nil
}

func (s *SQLiteStore) ActiveSnapshot(ctx context.Context, runID string) (*model.Snapshot, error) {
	var snap model.Snapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, entity_id, kind, line, home_team, away_team, active, captured_at
		 FROM snapshots WHERE run_id = ? AND active = 1`, runID,
	).Scan(&snap.ID, &snap.RunID, &snap.EntityID, &snap.Kind, &snap.Line,
		&snap.HomeTeam, &snap.AwayTeam, &snap.Active, &snap.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: active snapshot for run %s", runID)
	}
	return &snap, nil
}

// --- Decisions ---

const sqliteDecisionColumns = `id, run_id, origin, entity_id, kind, selection, line, units, confidence, tier, audit, created_at`

func (s *SQLiteStore) AppendDecision(ctx context.Context, d *model.Decision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	var audit any
	if len(d.Audit) > 0 {
		audit = string(d.Audit)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (`+sqliteDecisionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RunID, string(d.Origin), d.EntityID, string(d.Kind), d.Selection, d.Line,
		d.Units, d.Confidence, string(d.Tier), audit, d.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append decision %s", d.ID)
}

func (s *SQLiteStore) GetDecision(ctx context.Context, id string) (*model.Decision, error) {
	d, err := scanDecision(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteDecisionColumns+` FROM decisions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: decision %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get decision %s", id)
	}
	return d, nil
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]model.Decision, error) {
	query := `SELECT ` + sqliteDecisionColumns + ` FROM decisions WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Origin != "" {
		query += ` AND origin = ?`
		args = append(args, string(filter.Origin))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

func (s *SQLiteStore) RecordOutcome(ctx context.Context, decisionID string, outcome model.Outcome) error {
	if !outcome.Valid() {
		return fault.Validation("sqlite: unknown outcome %q", outcome)
	}
	if _, err := s.GetDecision(ctx, decisionID); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (decision_id, outcome, recorded_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		decisionID, string(outcome), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record outcome %s", decisionID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	} else if n == 0 {
		return fault.Conflict("", "", eris.Errorf("sqlite: outcome already recorded for decision %s", decisionID))
	}
	return nil
}

func (s *SQLiteStore) OutcomeStats(ctx context.Context, origin model.DecisionOrigin, kind model.DecisionKind) (model.OutcomeStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.outcome, COUNT(*) FROM outcomes o
		 JOIN decisions d ON d.id = o.decision_id
		 WHERE d.origin = ? AND d.kind = ?
		 GROUP BY o.outcome`,
		string(origin), string(kind),
	)
	if err != nil {
		return model.OutcomeStats{}, eris.Wrap(err, "sqlite: outcome stats")
	}
	defer rows.Close() //nolint:errcheck

	var stats model.OutcomeStats
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return model.OutcomeStats{}, eris.Wrap(err, "sqlite: scan outcome stats")
		}
		addOutcome(&stats, model.Outcome(outcome), n)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: outcome stats iterate")
}

// --- Idempotency records ---

func (s *SQLiteStore) GetRecord(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	rec := model.IdempotencyRecord{IdempotencyKey: key}
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body, status_code, content_hash, created_at FROM idempotency_records
		 WHERE run_id = ? AND step = ? AND key = ?`,
		key.RunID, string(key.Step), key.Key,
	).Scan(&body, &rec.StatusCode, &rec.ContentHash, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", key)
	}
	rec.Body = []byte(body)
	return &rec, nil
}

func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *model.IdempotencyRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (run_id, step, key, body, status_code, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (run_id, step, key) DO NOTHING`,
		rec.RunID, string(rec.Step), rec.Key, string(rec.Body), rec.StatusCode, rec.ContentHash, rec.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert record %s", rec.IdempotencyKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	if err := row.Scan(&r.ID, &r.EntityID, &r.Kind, &r.Source, &r.Status, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanDecision(row scannable) (*model.Decision, error) {
	var d model.Decision
	var line sql.NullFloat64
	var audit sql.NullString
	if err := row.Scan(&d.ID, &d.RunID, &d.Origin, &d.EntityID, &d.Kind, &d.Selection, &line,
		&d.Units, &d.Confidence, &d.Tier, &audit, &d.CreatedAt); err != nil {
		return nil, err
	}
	if line.Valid {
		v := line.Float64
		d.Line = &v
	}
	if audit.Valid {
		d.Audit = []byte(audit.String)
	}
	return &d, nil
}

func addOutcome(stats *model.OutcomeStats, o model.Outcome, n int) {
	switch o {
	case model.OutcomeWin:
		stats.Wins += n
	case model.OutcomeLoss:
		stats.Losses += n
	case model.OutcomePush:
		stats.Pushes += n
	}
}
