package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/geoinsight/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	brand      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	result     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_phases (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     TEXT,
	started_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS provider_calls (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	query_id      TEXT NOT NULL,
	provider      TEXT NOT NULL,
	attempt       INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	fallback_for  TEXT,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_hit     INTEGER NOT NULL DEFAULT 0,
	error         TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS raw_responses (
	run_id     TEXT NOT NULL,
	query_id   TEXT NOT NULL,
	provider   TEXT NOT NULL,
	category   TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, query_id, provider)
);

CREATE TABLE IF NOT EXISTS response_analyses (
	run_id     TEXT NOT NULL,
	query_id   TEXT NOT NULL,
	provider   TEXT NOT NULL,
	category   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, query_id, provider)
);

CREATE TABLE IF NOT EXISTS batch_insights (
	run_id      TEXT NOT NULL,
	category    TEXT NOT NULL,
	batch_index INTEGER NOT NULL,
	type        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	PRIMARY KEY (run_id, category, batch_index, type)
);

CREATE TABLE IF NOT EXISTS category_insights (
	run_id   TEXT NOT NULL,
	category TEXT NOT NULL,
	type     TEXT NOT NULL,
	payload  TEXT NOT NULL,
	PRIMARY KEY (run_id, category, type)
);

CREATE TABLE IF NOT EXISTS strategic_priorities (
	run_id  TEXT NOT NULL,
	type    TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (run_id, type)
);

CREATE TABLE IF NOT EXISTS executive_briefs (
	run_id  TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_phases_run_id ON run_phases(run_id);
CREATE INDEX IF NOT EXISTS idx_provider_calls_run_id ON provider_calls(run_id);
CREATE INDEX IF NOT EXISTS idx_raw_responses_run_id ON raw_responses(run_id);
CREATE INDEX IF NOT EXISTS idx_response_analyses_run_id ON response_analyses(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, brand model.BrandContext) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	brandJSON, err := json.Marshal(brand)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal brand")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, brand, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(brandJSON), string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Brand:     brand,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET result = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run result %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, brand, status, result, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, brand, status, result, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Brand != "" {
		query += ` AND json_extract(brand, '$.name') = ?`
		args = append(args, filter.Brand)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_phases (id, run_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, name, model.PhaseStatusRunning, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert phase for run %s", runID)
	}

	return &model.RunPhase{
		ID:        id,
		RunID:     runID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal phase result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_phases SET status = ?, result = ? WHERE id = ?`,
		result.Status, string(resultJSON), phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete phase %s", phaseID)
	}
	return checkRowsAffected(res, "phase", phaseID)
}

func (s *SQLiteStore) RecordProviderCall(ctx context.Context, call model.ProviderCall) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_calls
		 (id, run_id, query_id, provider, attempt, status, fallback_for, latency_ms, input_tokens, output_tokens, cache_hit, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), call.RunID, call.QueryID, call.Provider, call.Attempt,
		string(call.Status), call.FallbackFor, call.LatencyMS,
		call.InputTokens, call.OutputTokens, boolToInt(call.CacheHit), call.Error,
		time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: record provider call")
}

func (s *SQLiteStore) UpsertRawResponse(ctx context.Context, resp model.RawResponse) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_responses (run_id, query_id, provider, category, text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, query_id, provider) DO UPDATE SET
		   category = excluded.category, text = excluded.text, created_at = excluded.created_at`,
		resp.RunID, resp.QueryID, resp.Provider, resp.Category, resp.Text, resp.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert raw response")
}

func (s *SQLiteStore) ListRawResponses(ctx context.Context, runID string) ([]model.RawResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, query_id, provider, category, text, created_at FROM raw_responses
		 WHERE run_id = ? ORDER BY created_at, query_id, provider`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list raw responses")
	}
	defer rows.Close()

	var resps []model.RawResponse
	for rows.Next() {
		var r model.RawResponse
		if err := rows.Scan(&r.RunID, &r.QueryID, &r.Provider, &r.Category, &r.Text, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan raw response")
		}
		resps = append(resps, r)
	}
	return resps, eris.Wrap(rows.Err(), "sqlite: list raw responses iterate")
}

func (s *SQLiteStore) UpsertAnalysis(ctx context.Context, analysis model.ResponseAnalysis) error {
	payload, err := json.Marshal(analysis)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal analysis")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO response_analyses (run_id, query_id, provider, category, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, query_id, provider) DO UPDATE SET
		   category = excluded.category, payload = excluded.payload, created_at = excluded.created_at`,
		analysis.RunID, analysis.QueryID, analysis.Provider, analysis.Category,
		string(payload), analysis.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: upsert analysis")
}

func (s *SQLiteStore) ListAnalyses(ctx context.Context, runID string) ([]model.ResponseAnalysis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM response_analyses WHERE run_id = ? ORDER BY created_at, query_id, provider`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list analyses")
	}
	defer rows.Close()

	var analyses []model.ResponseAnalysis
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan analysis")
		}
		var a model.ResponseAnalysis
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal analysis")
		}
		analyses = append(analyses, a)
	}
	return analyses, eris.Wrap(rows.Err(), "sqlite: list analyses iterate")
}

func (s *SQLiteStore) SaveBatchInsightSet(ctx context.Context, set model.BatchInsightSet) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal batch insights")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO batch_insights (run_id, category, batch_index, type, payload) VALUES (?, ?, ?, ?, ?)`,
		set.RunID, set.Category, set.BatchIndex, string(set.Type), string(payload),
	)
	return eris.Wrap(err, "sqlite: save batch insights")
}

func (s *SQLiteStore) SaveCategoryInsightSet(ctx context.Context, set model.CategoryInsightSet) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal category insights")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO category_insights (run_id, category, type, payload) VALUES (?, ?, ?, ?)`,
		set.RunID, set.Category, string(set.Type), string(payload),
	)
	return eris.Wrap(err, "sqlite: save category insights")
}

func (s *SQLiteStore) SaveStrategicPriority(ctx context.Context, priority model.StrategicPriority) error {
	payload, err := json.Marshal(priority)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal strategic priority")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO strategic_priorities (run_id, type, payload) VALUES (?, ?, ?)`,
		priority.RunID, string(priority.Type), string(payload),
	)
	return eris.Wrap(err, "sqlite: save strategic priority")
}

func (s *SQLiteStore) SaveExecutiveBrief(ctx context.Context, brief model.ExecutiveBrief) error {
	payload, err := json.Marshal(brief)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal executive brief")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO executive_briefs (run_id, payload) VALUES (?, ?)`,
		brief.RunID, string(payload),
	)
	return eris.Wrap(err, "sqlite: save executive brief")
}

func (s *SQLiteStore) GetExecutiveBrief(ctx context.Context, runID string) (*model.ExecutiveBrief, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM executive_briefs WHERE run_id = ?`,
		runID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get executive brief")
	}
	var brief model.ExecutiveBrief
	if err := json.Unmarshal([]byte(payload), &brief); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal executive brief")
	}
	return &brief, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var brandJSON string
	var resultJSON sql.NullString

	err := row.Scan(&r.ID, &brandJSON, &r.Status, &resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(brandJSON), &r.Brand); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal brand")
	}
	if resultJSON.Valid {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	return &r, nil
}
