package model

import "time"

// CallStatus is the terminal state of a provider call unit.
type CallStatus string

const (
	CallSucceeded   CallStatus = "succeeded"
	CallFailed      CallStatus = "failed"
	CallCircuitOpen CallStatus = "circuit_open"
	CallTimedOut    CallStatus = "timed_out"
)

// ProviderCall records one (query, provider) dispatch attempt for
// observability. FallbackFor is set when the call was rerouted from
// another provider whose circuit was open or retries were exhausted.
type ProviderCall struct {
	RunID        string     `json:"run_id"`
	QueryID      string     `json:"query_id"`
	Provider     string     `json:"provider"`
	Attempt      int        `json:"attempt"`
	Status       CallStatus `json:"status"`
	FallbackFor  string     `json:"fallback_for,omitempty"`
	LatencyMS    int64      `json:"latency_ms"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	CacheHit     bool       `json:"cache_hit"`
	Error        string     `json:"error,omitempty"`
}

// ResponseKey is the natural key of a raw response within a run.
type ResponseKey struct {
	QueryID  string `json:"query_id"`
	Provider string `json:"provider"`
}

// RawResponse is the durable artifact of a succeeded provider call.
// Exactly one exists per (query, provider) pair after the orchestrator
// completes; re-runs upsert on that key.
type RawResponse struct {
	RunID     string    `json:"run_id"`
	QueryID   string    `json:"query_id"`
	Provider  string    `json:"provider"`
	Category  string    `json:"category"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the response's natural key.
func (r *RawResponse) Key() ResponseKey {
	return ResponseKey{QueryID: r.QueryID, Provider: r.Provider}
}
