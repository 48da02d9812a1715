package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/geoinsight/internal/db"
	"github.com/sells-group/geoinsight/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO runs (id, brand, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
	"update_run_status": `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"update_run_result": `UPDATE runs SET result = $1, updated_at = $2 WHERE id = $3`,
	"get_run":           `SELECT id, brand, status, result, created_at, updated_at FROM runs WHERE id = $1`,
	"insert_phase":      `INSERT INTO run_phases (id, run_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
	"complete_phase":    `UPDATE run_phases SET status = $1, result = $2 WHERE id = $3`,
	"insert_call": `INSERT INTO provider_calls
		 (id, run_id, query_id, provider, attempt, status, fallback_for, latency_ms, input_tokens, output_tokens, cache_hit, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
	"upsert_response": `INSERT INTO raw_responses (run_id, query_id, provider, category, text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, query_id, provider) DO UPDATE SET
		   category = $4, text = $5, created_at = $6`,
	"upsert_analysis": `INSERT INTO response_analyses (run_id, query_id, provider, category, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, query_id, provider) DO UPDATE SET
		   category = $4, payload = $5, created_at = $6`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for use by subsystems
// that need direct query access (e.g., bulk response loads).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	brand      JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	result     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_phases (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     JSONB,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS provider_calls (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id        TEXT NOT NULL,
	query_id      TEXT NOT NULL,
	provider      TEXT NOT NULL,
	attempt       INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	fallback_for  TEXT,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cache_hit     BOOLEAN NOT NULL DEFAULT false,
	error         TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS raw_responses (
	run_id     TEXT NOT NULL,
	query_id   TEXT NOT NULL,
	provider   TEXT NOT NULL,
	category   TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, query_id, provider)
);

CREATE TABLE IF NOT EXISTS response_analyses (
	run_id     TEXT NOT NULL,
	query_id   TEXT NOT NULL,
	provider   TEXT NOT NULL,
	category   TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, query_id, provider)
);

CREATE TABLE IF NOT EXISTS batch_insights (
	run_id      TEXT NOT NULL,
	category    TEXT NOT NULL,
	batch_index INTEGER NOT NULL,
	type        TEXT NOT NULL,
	payload     JSONB NOT NULL,
	PRIMARY KEY (run_id, category, batch_index, type)
);

CREATE TABLE IF NOT EXISTS category_insights (
	run_id   TEXT NOT NULL,
	category TEXT NOT NULL,
	type     TEXT NOT NULL,
	payload  JSONB NOT NULL,
	PRIMARY KEY (run_id, category, type)
);

CREATE TABLE IF NOT EXISTS strategic_priorities (
	run_id  TEXT NOT NULL,
	type    TEXT NOT NULL,
	payload JSONB NOT NULL,
	PRIMARY KEY (run_id, type)
);

CREATE TABLE IF NOT EXISTS executive_briefs (
	run_id  TEXT PRIMARY KEY,
	payload JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_phases_run_id ON run_phases(run_id);
CREATE INDEX IF NOT EXISTS idx_provider_calls_run_id ON provider_calls(run_id);
CREATE INDEX IF NOT EXISTS idx_raw_responses_run_id ON raw_responses(run_id);
CREATE INDEX IF NOT EXISTS idx_response_analyses_run_id ON response_analyses(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

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

func (s *PostgresStore) CreateRun(ctx context.Context, brand model.BrandContext) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	brandJSON, err := json.Marshal(brand)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal brand")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, brand, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, brandJSON, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Brand:     brand,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET result = $1, updated_at = $2 WHERE id = $3`,
		resultJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run result %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var brandJSON []byte
	var resultNull *[]byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, brand, status, result, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &brandJSON, &r.Status, &resultNull, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if err := json.Unmarshal(brandJSON, &r.Brand); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal brand")
	}
	if resultNull != nil {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(*resultNull, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, brand, status, result, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Brand != "" {
		query += fmt.Sprintf(` AND brand->>'name' = $%d`, argIdx)
		args = append(args, filter.Brand)
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at > $%d`, argIdx)
		args = append(args, filter.CreatedAfter.UTC())
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var brandJSON []byte
		var resultNull *[]byte

		if err := rows.Scan(&r.ID, &brandJSON, &r.Status, &resultNull, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if err := json.Unmarshal(brandJSON, &r.Brand); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal brand")
		}
		if resultNull != nil {
			r.Result = &model.RunResult{}
			if err := json.Unmarshal(*resultNull, r.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal result")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_phases (id, run_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, runID, name, string(model.PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert phase for run %s", runID)
	}

	return &model.RunPhase{
		ID:        id,
		RunID:     runID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal phase result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE run_phases SET status = $1, result = $2 WHERE id = $3`,
		string(result.Status), resultJSON, phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete phase %s", phaseID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("phase not found: %s", phaseID)
	}
	return nil
}

func (s *PostgresStore) RecordProviderCall(ctx context.Context, call model.ProviderCall) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_calls
		 (id, run_id, query_id, provider, attempt, status, fallback_for, latency_ms, input_tokens, output_tokens, cache_hit, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		uuid.New().String(), call.RunID, call.QueryID, call.Provider, call.Attempt,
		string(call.Status), call.FallbackFor, call.LatencyMS,
		call.InputTokens, call.OutputTokens, call.CacheHit, call.Error,
		time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: record provider call")
}

func (s *PostgresStore) UpsertRawResponse(ctx context.Context, resp model.RawResponse) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO raw_responses (run_id, query_id, provider, category, text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, query_id, provider) DO UPDATE SET
		   category = $4, text = $5, created_at = $6`,
		resp.RunID, resp.QueryID, resp.Provider, resp.Category, resp.Text, resp.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: upsert raw response")
}

// BulkUpsertRawResponses writes a whole collection phase's responses in one
// COPY-backed round trip. Equivalent to calling UpsertRawResponse per row.
func (s *PostgresStore) BulkUpsertRawResponses(ctx context.Context, resps []model.RawResponse) (int64, error) {
	rows := make([][]any, len(resps))
	for i, r := range resps {
		rows[i] = []any{r.RunID, r.QueryID, r.Provider, r.Category, r.Text, r.CreatedAt.UTC()}
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "raw_responses",
		Columns:      []string{"run_id", "query_id", "provider", "category", "text", "created_at"},
		ConflictKeys: []string{"run_id", "query_id", "provider"},
	}, rows)
}

func (s *PostgresStore) ListRawResponses(ctx context.Context, runID string) ([]model.RawResponse, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, query_id, provider, category, text, created_at FROM raw_responses
		 WHERE run_id = $1 ORDER BY created_at, query_id, provider`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list raw responses")
	}
	defer rows.Close()

	var resps []model.RawResponse
	for rows.Next() {
		var r model.RawResponse
		if err := rows.Scan(&r.RunID, &r.QueryID, &r.Provider, &r.Category, &r.Text, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan raw response")
		}
		resps = append(resps, r)
	}
	return resps, eris.Wrap(rows.Err(), "postgres: list raw responses iterate")
}

func (s *PostgresStore) UpsertAnalysis(ctx context.Context, analysis model.ResponseAnalysis) error {
	payload, err := json.Marshal(analysis)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal analysis")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO response_analyses (run_id, query_id, provider, category, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, query_id, provider) DO UPDATE SET
		   category = $4, payload = $5, created_at = $6`,
		analysis.RunID, analysis.QueryID, analysis.Provider, analysis.Category,
		payload, analysis.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: upsert analysis")
}

func (s *PostgresStore) ListAnalyses(ctx context.Context, runID string) ([]model.ResponseAnalysis, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM response_analyses WHERE run_id = $1 ORDER BY created_at, query_id, provider`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list analyses")
	}
	defer rows.Close()

	var analyses []model.ResponseAnalysis
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan analysis")
		}
		var a model.ResponseAnalysis
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal analysis")
		}
		analyses = append(analyses, a)
	}
	return analyses, eris.Wrap(rows.Err(), "postgres: list analyses iterate")
}

func (s *PostgresStore) SaveBatchInsightSet(ctx context.Context, set model.BatchInsightSet) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal batch insights")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO batch_insights (run_id, category, batch_index, type, payload) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, category, batch_index, type) DO UPDATE SET payload = $5`,
		set.RunID, set.Category, set.BatchIndex, string(set.Type), payload,
	)
	return eris.Wrap(err, "postgres: save batch insights")
}

func (s *PostgresStore) SaveCategoryInsightSet(ctx context.Context, set model.CategoryInsightSet) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal category insights")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO category_insights (run_id, category, type, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, category, type) DO UPDATE SET payload = $4`,
		set.RunID, set.Category, string(set.Type), payload,
	)
	return eris.Wrap(err, "postgres: save category insights")
}

func (s *PostgresStore) SaveStrategicPriority(ctx context.Context, priority model.StrategicPriority) error {
	payload, err := json.Marshal(priority)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal strategic priority")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO strategic_priorities (run_id, type, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id, type) DO UPDATE SET payload = $3`,
		priority.RunID, string(priority.Type), payload,
	)
	return eris.Wrap(err, "postgres: save strategic priority")
}

func (s *PostgresStore) SaveExecutiveBrief(ctx context.Context, brief model.ExecutiveBrief) error {
	payload, err := json.Marshal(brief)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal executive brief")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO executive_briefs (run_id, payload) VALUES ($1, $2)
		 ON CONFLICT (run_id) DO UPDATE SET payload = $2`,
		brief.RunID, payload,
	)
	return eris.Wrap(err, "postgres: save executive brief")
}

func (s *PostgresStore) GetExecutiveBrief(ctx context.Context, runID string) (*model.ExecutiveBrief, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM executive_briefs WHERE run_id = $1`,
		runID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get executive brief")
	}
	var brief model.ExecutiveBrief
	if err := json.Unmarshal(payload, &brief); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal executive brief")
	}
	return &brief, nil
}
