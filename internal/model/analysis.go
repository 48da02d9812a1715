package model

import "time"

// Sentiment classifies the tone of brand coverage in a response.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentMixed    Sentiment = "mixed"
)

// GEOFactors are the four sub-factors behind the GEO score, each 0-100.
type GEOFactors struct {
	CitationQuality    float64 `json:"citation_quality"`
	ContentRelevance   float64 `json:"content_relevance"`
	AuthoritySignal    float64 `json:"authority_signal"`
	PositionProminence float64 `json:"position_prominence"`
}

// CompletenessFactors are the weighted sub-terms of the completeness score.
type CompletenessFactors struct {
	ContextQuality    float64 `json:"context_quality"`
	FeatureCoverage   float64 `json:"feature_coverage"`
	ValuePropCoverage float64 `json:"value_prop_coverage"`
}

// ResponseAnalysis is the scored annotation derived from exactly one raw
// response. Recomputation overwrites the previous row (all-or-nothing).
type ResponseAnalysis struct {
	RunID    string `json:"run_id"`
	QueryID  string `json:"query_id"`
	Provider string `json:"provider"`
	Category string `json:"category"`

	Mentioned            bool           `json:"mentioned"`
	MentionCount         int            `json:"mention_count"`
	FirstMentionFraction float64        `json:"first_mention_fraction"`
	Sentiment            Sentiment      `json:"sentiment"`
	CompetitorMentions   map[string]int `json:"competitor_mentions,omitempty"`

	GEO          GEOFactors          `json:"geo"`
	Completeness CompletenessFactors `json:"completeness"`

	GEOScore          float64 `json:"geo_score"`
	SOVScore          float64 `json:"sov_score"`
	CompletenessScore float64 `json:"completeness_score"`

	CandidateInsights []string  `json:"candidate_insights,omitempty"`
	Strategy          string    `json:"strategy"`
	ResponseCreatedAt time.Time `json:"response_created_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// Key returns the natural key of the analyzed response.
func (a *ResponseAnalysis) Key() ResponseKey {
	return ResponseKey{QueryID: a.QueryID, Provider: a.Provider}
}

// Clamp100 bounds a score to [0,100].
func Clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
