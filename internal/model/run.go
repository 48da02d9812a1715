// Package model defines the data types shared across the insight pipeline.
package model

import "time"

// RunStatus tracks the lifecycle of a pipeline run.
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusCollecting  RunStatus = "collecting"
	RunStatusAnalyzing   RunStatus = "analyzing"
	RunStatusExtracting  RunStatus = "extracting"
	RunStatusAggregating RunStatus = "aggregating"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCancelled   RunStatus = "cancelled"
)

// Run is a single end-to-end execution of the insight pipeline.
type Run struct {
	ID        string       `json:"id"`
	Brand     BrandContext `json:"brand"`
	Status    RunStatus    `json:"status"`
	Result    *RunResult   `json:"result,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RunPhase records one tracked phase of a run.
type RunPhase struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// PhaseStatus values for RunPhase / PhaseResult.
const (
	PhaseStatusRunning  = "running"
	PhaseStatusComplete = "complete"
	PhaseStatusFailed   = "failed"
	PhaseStatusSkipped  = "skipped"
)

// PhaseResult holds the outcome of one pipeline phase.
type PhaseResult struct {
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Duration   int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	TokenUsage TokenUsage     `json:"token_usage"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CallSummary tallies provider call outcomes for a run.
type CallSummary struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cached    int `json:"cached"`
	Fallbacks int `json:"fallbacks"`
}

// RunAggregates holds run-level mean scores consumed by the executive
// synthesis stage and the reporting layer.
type RunAggregates struct {
	MeanGEO          float64           `json:"mean_geo"`
	MeanSOV          float64           `json:"mean_sov"`
	MeanCompleteness float64           `json:"mean_completeness"`
	SentimentCounts  map[Sentiment]int `json:"sentiment_counts"`
	ResponsesScored  int               `json:"responses_scored"`
}

// RunResult is the final payload of a completed run.
type RunResult struct {
	Calls              CallSummary         `json:"calls"`
	Aggregates         RunAggregates       `json:"aggregates"`
	Priorities         []StrategicPriority `json:"priorities"`
	Brief              *ExecutiveBrief     `json:"brief,omitempty"`
	Degraded           bool                `json:"degraded"`
	DegradedCategories []string            `json:"degraded_categories,omitempty"`
	TokenUsage         TokenUsage          `json:"token_usage"`
	CostUSD            float64             `json:"cost_usd"`
	Duration           int64               `json:"duration_ms"`
	Phases             []PhaseResult       `json:"phases,omitempty"`
}

// TokenUsage tracks token consumption across LLM calls.
type TokenUsage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int64   `json:"cache_read_tokens,omitempty"`
	Cost                float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheCreationTokens += other.CacheCreationTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Cost += other.Cost
}
