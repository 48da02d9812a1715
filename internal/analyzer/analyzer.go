// Package analyzer scores raw provider responses for brand visibility,
// sentiment, GEO, share of voice, and context completeness.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/geoinsight/internal/model"
	"github.com/sells-group/geoinsight/pkg/anthropic"
)

// Strategy selects how per-response annotations are produced.
type Strategy string

const (
	// StrategyLLM runs one structured-extraction call per response.
	StrategyLLM Strategy = "llm"
	// StrategyHeuristic uses deterministic string matching only.
	StrategyHeuristic Strategy = "heuristic"
)

// GEO sub-factor weights. Fixed; changing them invalidates historical
// score comparisons.
const (
	weightCitationQuality    = 0.3
	weightContentRelevance   = 0.3
	weightAuthoritySignal    = 0.2
	weightPositionProminence = 0.2
)

// Completeness sub-term weights.
const (
	weightContextQuality    = 0.4
	weightFeatureCoverage   = 0.3
	weightValuePropCoverage = 0.3
)

// Analyzer computes a ResponseAnalysis for each raw response.
type Analyzer struct {
	client   anthropic.Client
	model    string
	strategy Strategy

	nowFunc func() time.Time
}

// New creates an analyzer. The client may be nil when the strategy is
// heuristic.
func New(client anthropic.Client, modelName string, strategy Strategy) *Analyzer {
	if strategy == "" {
		strategy = StrategyLLM
	}
	return &Analyzer{
		client:   client,
		model:    modelName,
		strategy: strategy,
		nowFunc:  time.Now,
	}
}

// Analyze scores a single response. A failed or unparseable LLM extraction
// falls back to the heuristic path for this response only; the returned
// analysis records which strategy actually produced it.
func (a *Analyzer) Analyze(ctx context.Context, resp model.RawResponse, brand model.BrandContext) (*model.ResponseAnalysis, *model.TokenUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if a.strategy == StrategyLLM && a.client != nil {
		analysis, usage, err := a.analyzeLLM(ctx, resp, brand)
		if err == nil {
			return analysis, usage, nil
		}
		zap.L().Warn("analyzer: llm extraction failed, using heuristic",
			zap.String("query_id", resp.QueryID),
			zap.String("provider", resp.Provider),
			zap.String("error", err.Error()),
		)
		analysis = a.analyzeHeuristic(resp, brand)
		return analysis, usage, nil
	}

	return a.analyzeHeuristic(resp, brand), nil, nil
}

// AnalyzeAll scores responses concurrently up to limit in-flight tasks and
// returns the analyses in input order along with total token usage.
func (a *Analyzer) AnalyzeAll(ctx context.Context, resps []model.RawResponse, brand model.BrandContext, limit int) ([]model.ResponseAnalysis, model.TokenUsage, error) {
	if limit <= 0 {
		limit = 10
	}

	analyses := make([]model.ResponseAnalysis, len(resps))
	var mu sync.Mutex
	var total model.TokenUsage

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, resp := range resps {
		g.Go(func() error {
			analysis, usage, err := a.Analyze(gCtx, resp, brand)
			if err != nil {
				return err
			}
			analyses[i] = *analysis
			if usage != nil {
				mu.Lock()
				total.Add(*usage)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, total, err
	}
	return analyses, total, nil
}

// llmAnnotation mirrors the JSON contract of the extraction prompt.
type llmAnnotation struct {
	Mentioned            bool           `json:"mentioned"`
	MentionCount         int            `json:"mention_count"`
	FirstMentionFraction float64        `json:"first_mention_fraction"`
	Sentiment            string         `json:"sentiment"`
	CompetitorMentions   map[string]int `json:"competitor_mentions"`

	CitationQuality    float64 `json:"citation_quality"`
	ContentRelevance   float64 `json:"content_relevance"`
	AuthoritySignal    float64 `json:"authority_signal"`
	PositionProminence float64 `json:"position_prominence"`

	ContextQuality    float64 `json:"context_quality"`
	FeatureCoverage   float64 `json:"feature_coverage"`
	ValuePropCoverage float64 `json:"value_prop_coverage"`

	CandidateInsights []string `json:"candidate_insights"`
}

func (a *Analyzer) analyzeLLM(ctx context.Context, resp model.RawResponse, brand model.BrandContext) (*model.ResponseAnalysis, *model.TokenUsage, error) {
	prompt := fmt.Sprintf(analyzePrompt,
		brand.Name,
		strings.Join(brand.Variants, ", "),
		strings.Join(brand.Competitors, ", "),
		resp.Text,
	)

	msg, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: 2048,
		System:    anthropic.CachedSystemBlocks(analyzeSystem),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, nil, err
	}

	usage := &model.TokenUsage{
		InputTokens:         msg.Usage.InputTokens,
		OutputTokens:        msg.Usage.OutputTokens,
		CacheCreationTokens: msg.Usage.CacheCreationInputTokens,
		CacheReadTokens:     msg.Usage.CacheReadInputTokens,
	}

	var ann llmAnnotation
	if err := json.Unmarshal([]byte(cleanJSON(msg.Text())), &ann); err != nil {
		return nil, usage, err
	}

	analysis := a.fromAnnotation(resp, ann)
	return analysis, usage, nil
}

func (a *Analyzer) fromAnnotation(resp model.RawResponse, ann llmAnnotation) *model.ResponseAnalysis {
	geo := model.GEOFactors{
		CitationQuality:    model.Clamp100(ann.CitationQuality),
		ContentRelevance:   model.Clamp100(ann.ContentRelevance),
		AuthoritySignal:    model.Clamp100(ann.AuthoritySignal),
		PositionProminence: model.Clamp100(ann.PositionProminence),
	}
	completeness := model.CompletenessFactors{
		ContextQuality:    model.Clamp100(ann.ContextQuality),
		FeatureCoverage:   model.Clamp100(ann.FeatureCoverage),
		ValuePropCoverage: model.Clamp100(ann.ValuePropCoverage),
	}

	frac := ann.FirstMentionFraction
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}

	return &model.ResponseAnalysis{
		RunID:                resp.RunID,
		QueryID:              resp.QueryID,
		Provider:             resp.Provider,
		Category:             resp.Category,
		Mentioned:            ann.Mentioned,
		MentionCount:         ann.MentionCount,
		FirstMentionFraction: frac,
		Sentiment:            parseSentiment(ann.Sentiment),
		CompetitorMentions:   ann.CompetitorMentions,
		GEO:                  geo,
		Completeness:         completeness,
		GEOScore:             GEOScore(geo),
		SOVScore:             SOVScore(ann.MentionCount, ann.CompetitorMentions),
		CompletenessScore:    CompletenessScore(completeness),
		CandidateInsights:    ann.CandidateInsights,
		Strategy:             string(StrategyLLM),
		ResponseCreatedAt:    resp.CreatedAt,
		CreatedAt:            a.nowFunc(),
	}
}

func parseSentiment(s string) model.Sentiment {
	switch model.Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case model.SentimentPositive:
		return model.SentimentPositive
	case model.SentimentNegative:
		return model.SentimentNegative
	case model.SentimentMixed:
		return model.SentimentMixed
	default:
		return model.SentimentNeutral
	}
}

// GEOScore is the weighted mean of the four GEO sub-factors, 0-100.
func GEOScore(f model.GEOFactors) float64 {
	return model.Clamp100(weightCitationQuality*f.CitationQuality +
		weightContentRelevance*f.ContentRelevance +
		weightAuthoritySignal*f.AuthoritySignal +
		weightPositionProminence*f.PositionProminence)
}

// SOVScore is the brand's share of all brand mentions, 0-100. Zero when
// neither the brand nor any competitor is mentioned.
func SOVScore(brandMentions int, competitorMentions map[string]int) float64 {
	total := brandMentions
	for _, n := range competitorMentions {
		total += n
	}
	if total == 0 {
		return 0
	}
	return model.Clamp100(float64(brandMentions) / float64(total) * 100)
}

// CompletenessScore is the weighted sum of the completeness sub-terms, 0-100.
func CompletenessScore(f model.CompletenessFactors) float64 {
	return model.Clamp100(weightContextQuality*f.ContextQuality +
		weightFeatureCoverage*f.FeatureCoverage +
		weightValuePropCoverage*f.ValuePropCoverage)
}
