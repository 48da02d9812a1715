package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoinsight/internal/model"
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

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, brand, status, result, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status`).
		WithArgs("failed", pgxmock.AnyArg(), "missing-run").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), "missing-run", model.RunStatusFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordProviderCall(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO provider_calls`).
		WithArgs(pgxmock.AnyArg(), "run-1", "q-1", "anthropic", 1, "succeeded",
			"", int64(512), int64(100), int64(300), false, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordProviderCall(context.Background(), model.ProviderCall{
		RunID:        "run-1",
		QueryID:      "q-1",
		Provider:     "anthropic",
		Attempt:      1,
		Status:       model.CallSucceeded,
		LatencyMS:    512,
		InputTokens:  100,
		OutputTokens: 300,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRawResponse_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO raw_responses`).
		WithArgs("run-1", "q-1", "openai", "pricing", "answer text", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertRawResponse(context.Background(), model.RawResponse{
		RunID:     "run-1",
		QueryID:   "q-1",
		Provider:  "openai",
		Category:  "pricing",
		Text:      "answer text",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertAnalysis_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO response_analyses`).
		WithArgs("run-1", "q-1", "perplexity", "features", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertAnalysis(context.Background(), model.ResponseAnalysis{
		RunID:    "run-1",
		QueryID:  "q-1",
		Provider: "perplexity",
		Category: "features",
		GEOScore: 64,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveExecutiveBrief_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO executive_briefs`).
		WithArgs("run-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveExecutiveBrief(context.Background(), model.ExecutiveBrief{
		RunID:               "run-1",
		SituationAssessment: "Trailing share of voice in two categories.",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetExecutiveBrief_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT payload FROM executive_briefs`).
		WithArgs("unknown-run").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetExecutiveBrief(context.Background(), "unknown-run")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAnalyses(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"payload"}).
		AddRow([]byte(`{"run_id":"run-1","query_id":"q-1","provider":"anthropic","geo_score":70}`)).
		AddRow([]byte(`{"run_id":"run-1","query_id":"q-2","provider":"anthropic","geo_score":55}`))

	mock.ExpectQuery(`SELECT payload FROM response_analyses WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnRows(rows)

	got, err := s.ListAnalyses(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "q-1", got[0].QueryID)
	assert.Equal(t, 55.0, got[1].GEOScore)
	assert.NoError(t, mock.ExpectationsWereMet())
}
