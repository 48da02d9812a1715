// Package store persists runs and every derived pipeline artifact behind a
// single interface with SQLite and Postgres implementations.
package store

import (
	"context"
	"time"

	"github.com/sells-group/geoinsight/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	Brand        string          `json:"brand,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the insight pipeline. Raw
// responses and analyses upsert on their natural key (run, query, provider)
// so re-runs and retries never duplicate rows; derived insight artifacts
// insert-or-replace keyed by run.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, brand model.BrandContext) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Phases
	CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error)
	CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error

	// Collection artifacts
	RecordProviderCall(ctx context.Context, call model.ProviderCall) error
	UpsertRawResponse(ctx context.Context, resp model.RawResponse) error
	ListRawResponses(ctx context.Context, runID string) ([]model.RawResponse, error)

	// Analysis artifacts
	UpsertAnalysis(ctx context.Context, analysis model.ResponseAnalysis) error
	ListAnalyses(ctx context.Context, runID string) ([]model.ResponseAnalysis, error)

	// Derived insight artifacts
	SaveBatchInsightSet(ctx context.Context, set model.BatchInsightSet) error
	SaveCategoryInsightSet(ctx context.Context, set model.CategoryInsightSet) error
	SaveStrategicPriority(ctx context.Context, priority model.StrategicPriority) error
	SaveExecutiveBrief(ctx context.Context, brief model.ExecutiveBrief) error
	GetExecutiveBrief(ctx context.Context, runID string) (*model.ExecutiveBrief, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
