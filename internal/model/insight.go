package model

// InsightType discriminates the three candidate insight families extracted
// from batched responses.
type InsightType string

const (
	InsightRecommendation InsightType = "recommendation"
	InsightGap            InsightType = "gap"
	InsightOpportunity    InsightType = "opportunity"
)

// InsightTypes lists all insight types in stable order.
var InsightTypes = []InsightType{InsightRecommendation, InsightGap, InsightOpportunity}

// Implementation sketches the effort behind an insight.
type Implementation struct {
	Budget   string `json:"budget,omitempty"`
	Timeline string `json:"timeline,omitempty"`
	Team     string `json:"team,omitempty"`
}

// Insight is the common shape threaded through every aggregation stage.
// Later stages add fields but never drop Title or Rationale.
type Insight struct {
	Title            string         `json:"title"`
	Rationale        string         `json:"rationale"`
	Priority         float64        `json:"priority"`
	Impact           string         `json:"impact,omitempty"`
	Difficulty       string         `json:"difficulty,omitempty"`
	Implementation   Implementation `json:"implementation,omitempty"`
	ExpectedOutcome  string         `json:"expected_outcome,omitempty"`
	SourceCategories []string       `json:"source_categories,omitempty"`
	Placeholder      bool           `json:"placeholder,omitempty"`
}

// OutcomeStatus tags the result of an LLM-backed stage so every consumer
// handles full, degraded, and failed results explicitly.
type OutcomeStatus string

const (
	OutcomeOK       OutcomeStatus = "ok"
	OutcomeDegraded OutcomeStatus = "degraded"
	OutcomeFailed   OutcomeStatus = "failed"
)

// Batch is a fixed-size group of analyzed responses sharing a category,
// constructed deterministically in response creation-time order.
type Batch struct {
	RunID    string             `json:"run_id"`
	Category string             `json:"category"`
	Index    int                `json:"index"`
	Analyses []ResponseAnalysis `json:"-"`
}

// Keys returns the response keys of the batch members, for persistence.
func (b *Batch) Keys() []ResponseKey {
	keys := make([]ResponseKey, len(b.Analyses))
	for i, a := range b.Analyses {
		keys[i] = a.Key()
	}
	return keys
}

// BatchInsightSet is the output of one extraction call. Items always holds
// exactly the contracted count; shortfalls are padded with placeholder
// entries rather than silently shrinking the contract.
type BatchInsightSet struct {
	RunID      string        `json:"run_id"`
	Category   string        `json:"category"`
	BatchIndex int           `json:"batch_index"`
	Type       InsightType   `json:"type"`
	Items      []Insight     `json:"items"`
	Status     OutcomeStatus `json:"status"`
}

// CategoryInsightSet is the layer-1 consolidation of all batch insight sets
// for one (category, type) pair.
type CategoryInsightSet struct {
	RunID    string        `json:"run_id"`
	Category string        `json:"category"`
	Type     InsightType   `json:"type"`
	Items    []Insight     `json:"items"`
	Status   OutcomeStatus `json:"status"`
}

// StrategicPriority is the layer-2 cross-category priority list for one
// insight type. Every item carries source-category provenance.
type StrategicPriority struct {
	RunID  string        `json:"run_id"`
	Rank   int           `json:"rank"`
	Type   InsightType   `json:"type"`
	Items  []Insight     `json:"items"`
	Status OutcomeStatus `json:"status"`
}

// ExecutiveBrief is the single narrative object produced per run.
type ExecutiveBrief struct {
	RunID                string   `json:"run_id"`
	SituationAssessment  string   `json:"situation_assessment"`
	PrioritizedRoadmap   []string `json:"prioritized_roadmap"`
	ExpectedOutcomes     string   `json:"expected_outcomes"`
	Degraded             bool     `json:"degraded"`
}
