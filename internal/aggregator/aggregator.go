// Package aggregator consolidates extracted insights through three layers:
// per-category top picks, cross-category strategic priorities, and the final
// executive brief.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/geoinsight/internal/model"
	"github.com/sells-group/geoinsight/pkg/anthropic"
)

// Layer cardinalities.
const (
	// CategoryTopN is the layer-1 output size per (category, type).
	CategoryTopN = 3
	// CrossCategoryMin and CrossCategoryMax bound the layer-2 output.
	CrossCategoryMin = 3
	CrossCategoryMax = 5
)

// Aggregator runs the consolidation calls.
type Aggregator struct {
	client anthropic.Client
	model  string

	nowFunc func() time.Time
}

// New creates an aggregator.
func New(client anthropic.Client, modelName string) *Aggregator {
	return &Aggregator{
		client:  client,
		model:   modelName,
		nowFunc: time.Now,
	}
}

// genuineItems filters out placeholder padding before consolidation.
func genuineItems(sets []model.BatchInsightSet) []model.Insight {
	var items []model.Insight
	for _, set := range sets {
		for _, it := range set.Items {
			if !it.Placeholder {
				items = append(items, it)
			}
		}
	}
	return items
}

// ConsolidateCategory is layer 1: all batch insight sets for one (category,
// type) pair collapse into the category's top picks. A category with no
// genuine items yields an empty failed set without an LLM call. The returned
// error is only non-nil on context cancellation.
func (a *Aggregator) ConsolidateCategory(ctx context.Context, runID, category string, insightType model.InsightType, sets []model.BatchInsightSet, brand model.BrandContext) (*model.CategoryInsightSet, *model.TokenUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("category", category),
		zap.String("type", string(insightType)),
	)

	out := &model.CategoryInsightSet{
		RunID:    runID,
		Category: category,
		Type:     insightType,
	}

	items := genuineItems(sets)
	if len(items) == 0 {
		log.Warn("aggregator: no genuine insights for category")
		out.Status = model.OutcomeFailed
		return out, nil, nil
	}

	prompt := fmt.Sprintf(categoryPrompt,
		len(items), string(insightType), category,
		brand.Name,
		formatPersona(brand),
		formatInsights(items),
		CategoryTopN,
	)

	parsed, usage, callErr := a.call(ctx, prompt)
	if callErr != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		log.Warn("aggregator: category consolidation failed", zap.String("error", callErr.Error()))
		out.Status = model.OutcomeFailed
		return out, usage, nil
	}

	out.Items, out.Status = fitCardinality(parsed, CategoryTopN, CategoryTopN, log)
	return out, usage, nil
}

// CrossCategory is layer 2: one call per insight type over all surviving
// category sets, producing 3-5 strategic priorities with source-category
// provenance. Duplicate titles across categories are merged after parsing,
// pooling their provenance.
func (a *Aggregator) CrossCategory(ctx context.Context, runID string, insightType model.InsightType, categorySets []model.CategoryInsightSet, brand model.BrandContext) (*model.StrategicPriority, *model.TokenUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("type", string(insightType)),
	)

	out := &model.StrategicPriority{
		RunID: runID,
		Type:  insightType,
	}

	var inputs []model.Insight
	var categories []string
	for _, set := range categorySets {
		if set.Status == model.OutcomeFailed || len(set.Items) == 0 {
			continue
		}
		categories = append(categories, set.Category)
		for _, it := range set.Items {
			if it.Placeholder {
				continue
			}
			it.SourceCategories = []string{set.Category}
			inputs = append(inputs, it)
		}
	}
	if len(inputs) == 0 {
		log.Warn("aggregator: no surviving category insights")
		out.Status = model.OutcomeFailed
		return out, nil, nil
	}

	prompt := fmt.Sprintf(crossCategoryPrompt,
		string(insightType),
		brand.Name,
		formatPersona(brand),
		formatInsightsWithCategories(inputs),
		CrossCategoryMin, CrossCategoryMax,
	)

	parsed, usage, callErr := a.call(ctx, prompt)
	if callErr != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		log.Warn("aggregator: cross-category consolidation failed", zap.String("error", callErr.Error()))
		out.Status = model.OutcomeFailed
		return out, usage, nil
	}

	merged := mergeDuplicates(parsed)
	for i := range merged {
		if len(merged[i].SourceCategories) == 0 {
			// Provenance is mandatory at this layer; an item the model
			// failed to attribute inherits every contributing category.
			merged[i].SourceCategories = categories
		}
	}

	out.Items, out.Status = fitCardinality(merged, CrossCategoryMin, CrossCategoryMax, log)
	return out, usage, nil
}

// ExecutiveBrief is layer 3: one narrative synthesis call over the strategic
// priorities and run-level aggregate scores.
func (a *Aggregator) ExecutiveBrief(ctx context.Context, runID string, priorities []model.StrategicPriority, agg model.RunAggregates, brand model.BrandContext) (*model.ExecutiveBrief, *model.TokenUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	log := zap.L().With(zap.String("run_id", runID))

	brief := &model.ExecutiveBrief{RunID: runID}

	var usable int
	var b strings.Builder
	for _, p := range priorities {
		if p.Status == model.OutcomeFailed || len(p.Items) == 0 {
			continue
		}
		usable++
		fmt.Fprintf(&b, "## %s priorities\n", p.Type)
		b.WriteString(formatInsightsWithCategories(p.Items))
		b.WriteString("\n")
	}
	if usable == 0 {
		log.Warn("aggregator: no strategic priorities for brief")
		brief.Degraded = true
		return brief, nil, nil
	}

	prompt := fmt.Sprintf(briefPrompt,
		brand.Name,
		formatPersona(brand),
		agg.MeanGEO, agg.MeanSOV, agg.MeanCompleteness,
		formatSentimentCounts(agg.SentimentCounts),
		b.String(),
	)

	msg, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: 4096,
		System:    anthropic.CachedSystemBlocks(aggregateSystem),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		log.Warn("aggregator: brief synthesis failed", zap.String("error", err.Error()))
		brief.Degraded = true
		return brief, nil, nil
	}

	usage := usageFrom(msg)

	var parsed struct {
		SituationAssessment string   `json:"situation_assessment"`
		PrioritizedRoadmap  []string `json:"prioritized_roadmap"`
		ExpectedOutcomes    string   `json:"expected_outcomes"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(msg.Text())), &parsed); err != nil {
		log.Warn("aggregator: malformed brief output", zap.String("error", err.Error()))
		brief.Degraded = true
		return brief, usage, nil
	}

	brief.SituationAssessment = parsed.SituationAssessment
	brief.PrioritizedRoadmap = parsed.PrioritizedRoadmap
	brief.ExpectedOutcomes = parsed.ExpectedOutcomes
	return brief, usage, nil
}

// parsedInsight mirrors one element of the consolidation JSON contract.
type parsedInsight struct {
	Title            string   `json:"title"`
	Rationale        string   `json:"rationale"`
	Priority         float64  `json:"priority"`
	Impact           string   `json:"impact"`
	Difficulty       string   `json:"difficulty"`
	Budget           string   `json:"budget"`
	Timeline         string   `json:"timeline"`
	Team             string   `json:"team"`
	ExpectedOutcome  string   `json:"expected_outcome"`
	SourceCategories []string `json:"source_categories"`
}

func (a *Aggregator) call(ctx context.Context, prompt string) ([]model.Insight, *model.TokenUsage, error) {
	msg, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: 4096,
		System:    anthropic.CachedSystemBlocks(aggregateSystem),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, nil, err
	}

	usage := usageFrom(msg)

	var parsed struct {
		Insights []parsedInsight `json:"insights"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(msg.Text())), &parsed); err != nil {
		return nil, usage, err
	}

	items := make([]model.Insight, 0, len(parsed.Insights))
	for _, it := range parsed.Insights {
		if strings.TrimSpace(it.Title) == "" {
			continue
		}
		items = append(items, model.Insight{
			Title:      it.Title,
			Rationale:  it.Rationale,
			Priority:   it.Priority,
			Impact:     it.Impact,
			Difficulty: it.Difficulty,
			Implementation: model.Implementation{
				Budget:   it.Budget,
				Timeline: it.Timeline,
				Team:     it.Team,
			},
			ExpectedOutcome:  it.ExpectedOutcome,
			SourceCategories: it.SourceCategories,
		})
	}
	return items, usage, nil
}

// fitCardinality enforces a [min,max] item count: over-counts truncate,
// under-counts stand as-is but mark the set degraded. Empty results are
// failed.
func fitCardinality(items []model.Insight, minCount, maxCount int, log *zap.Logger) ([]model.Insight, model.OutcomeStatus) {
	switch {
	case len(items) == 0:
		return nil, model.OutcomeFailed
	case len(items) > maxCount:
		log.Warn("aggregator: over-count, truncating",
			zap.Int("got", len(items)),
			zap.Int("max", maxCount),
		)
		return items[:maxCount], model.OutcomeDegraded
	case len(items) < minCount:
		log.Warn("aggregator: under-count",
			zap.Int("got", len(items)),
			zap.Int("min", minCount),
		)
		return items, model.OutcomeDegraded
	default:
		return items, model.OutcomeOK
	}
}

// mergeDuplicates folds items with the same title, pooling provenance and
// keeping the higher priority.
func mergeDuplicates(items []model.Insight) []model.Insight {
	var out []model.Insight
	index := make(map[string]int)
	for _, it := range items {
		key := strings.ToLower(strings.TrimSpace(it.Title))
		if i, ok := index[key]; ok {
			out[i].SourceCategories = unionStrings(out[i].SourceCategories, it.SourceCategories)
			if it.Priority > out[i].Priority {
				out[i].Priority = it.Priority
			}
			continue
		}
		index[key] = len(out)
		out = append(out, it)
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := a
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func usageFrom(msg *anthropic.MessageResponse) *model.TokenUsage {
	return &model.TokenUsage{
		InputTokens:         msg.Usage.InputTokens,
		OutputTokens:        msg.Usage.OutputTokens,
		CacheCreationTokens: msg.Usage.CacheCreationInputTokens,
		CacheReadTokens:     msg.Usage.CacheReadInputTokens,
	}
}

func formatInsights(items []model.Insight) string {
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s (priority %.0f, impact %s)\n   %s\n", i+1, it.Title, it.Priority, it.Impact, it.Rationale)
	}
	return b.String()
}

func formatInsightsWithCategories(items []model.Insight) string {
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "%d. [%s] %s (priority %.0f)\n   %s\n", i+1, strings.Join(it.SourceCategories, ", "), it.Title, it.Priority, it.Rationale)
	}
	return b.String()
}

func formatPersona(brand model.BrandContext) string {
	p := brand.Persona
	var parts []string
	if p.CompanySize != "" {
		parts = append(parts, "company size: "+p.CompanySize)
	}
	if p.GrowthStage != "" {
		parts = append(parts, "growth stage: "+p.GrowthStage)
	}
	if p.Role != "" {
		parts = append(parts, "decision maker: "+p.Role)
	}
	if p.BudgetAuthority != "" {
		parts = append(parts, "budget authority: "+p.BudgetAuthority)
	}
	if len(parts) == 0 {
		return "not specified"
	}
	return strings.Join(parts, "; ")
}

func formatSentimentCounts(counts map[model.Sentiment]int) string {
	if len(counts) == 0 {
		return "none recorded"
	}
	return fmt.Sprintf("positive=%d neutral=%d negative=%d mixed=%d",
		counts[model.SentimentPositive],
		counts[model.SentimentNeutral],
		counts[model.SentimentNegative],
		counts[model.SentimentMixed],
	)
}
