package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/geoinsight/internal/aggregator"
	"github.com/sells-group/geoinsight/internal/analyzer"
	"github.com/sells-group/geoinsight/internal/config"
	"github.com/sells-group/geoinsight/internal/model"
	"github.com/sells-group/geoinsight/internal/orchestrator"
	"github.com/sells-group/geoinsight/internal/provider"
	"github.com/sells-group/geoinsight/internal/store"
	"github.com/sells-group/geoinsight/pkg/anthropic"
)

// fakeCaller satisfies orchestrator.Caller with canned completions.
type fakeCaller struct {
	name string
	err  error
}

func (f *fakeCaller) Name() string { return f.name }

func (f *fakeCaller) Complete(_ context.Context, p provider.Prompt) (*provider.CallResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	text := "Acme is a leading option here, praised for reliability. " +
		"Globex is also worth considering. Question: " + p.Text
	return &provider.CallResult{
		Completion: &provider.Completion{
			Text:         text,
			InputTokens:  100,
			OutputTokens: 50,
		},
		Attempts: 1,
	}, nil
}

// fakeExtractor returns a full insight set per (batch, type) without an LLM.
// Categories in failCategories produce all-placeholder failed sets.
type fakeExtractor struct {
	failCategories map[string]bool
}

func (f *fakeExtractor) ExtractAll(_ context.Context, batches []model.Batch, _ model.BrandContext, _ func(string) string, _ int) ([]model.BatchInsightSet, model.TokenUsage, error) {
	var sets []model.BatchInsightSet
	for _, batch := range batches {
		for _, insightType := range model.InsightTypes {
			set := model.BatchInsightSet{
				RunID:      batch.RunID,
				Category:   batch.Category,
				BatchIndex: batch.Index,
				Type:       insightType,
				Status:     model.OutcomeOK,
			}
			for i := 0; i < 10; i++ {
				if f.failCategories[batch.Category] {
					set.Items = append(set.Items, model.Insight{
						Title:       "No insight available",
						Placeholder: true,
					})
				} else {
					set.Items = append(set.Items, model.Insight{
						Title:     fmt.Sprintf("%s insight %d for %s", insightType, i+1, batch.Category),
						Rationale: "responses show a recurring theme",
						Priority:  float64(10 - i),
					})
				}
			}
			if f.failCategories[batch.Category] {
				set.Status = model.OutcomeFailed
			}
			sets = append(sets, set)
		}
	}
	return sets, model.TokenUsage{InputTokens: 500, OutputTokens: 300}, nil
}

// fakeAnthropicClient answers aggregation prompts with well-formed JSON,
// discriminating the brief call from the consolidation calls by prompt shape.
type fakeAnthropicClient struct{}

func (f *fakeAnthropicClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	prompt := req.Messages[len(req.Messages)-1].Content

	var text string
	switch {
	case strings.Contains(prompt, `"situation_assessment"`):
		text = `{
			"situation_assessment": "Acme holds a solid but uneven position across AI answer engines.",
			"prioritized_roadmap": ["Publish comparison pages", "Earn third-party citations"],
			"expected_outcomes": "Higher share of voice within two quarters."
		}`
	case strings.Contains(prompt, `"source_categories"`):
		text = `{"insights": [
			{"title": "Strengthen citation footprint", "rationale": "recurs across categories", "priority": 9, "source_categories": ["pricing"]},
			{"title": "Close comparison content gap", "rationale": "competitors dominate", "priority": 8, "source_categories": ["comparison"]},
			{"title": "Address negative sentiment drivers", "rationale": "sentiment skews mixed", "priority": 7, "source_categories": ["pricing", "comparison"]}
		]}`
	default:
		text = `{"insights": [
			{"title": "Top pick one", "rationale": "strongest signal", "priority": 9, "impact": "high"},
			{"title": "Top pick two", "rationale": "clear gap", "priority": 7, "impact": "medium"},
			{"title": "Top pick three", "rationale": "quick win", "priority": 5, "impact": "low"}
		]}`
	}

	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 200, OutputTokens: 100},
	}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Analyzer.Strategy = "heuristic"
	cfg.Analyzer.Model = "claude-haiku-4-5-20251001"
	cfg.Analyzer.Concurrency = 4
	cfg.Extractor.Model = "claude-haiku-4-5-20251001"
	cfg.Extractor.BatchSize = 2
	cfg.Aggregator.Model = "claude-sonnet-4-5-20250929"
	cfg.Pipeline.MaxConcurrentLLMCalls = 4
	return cfg
}

func testQuerySet() *model.QuerySet {
	return &model.QuerySet{
		Queries: []model.Query{
			{ID: "q-1", Text: "What does Acme cost?", Category: "pricing"},
			{ID: "q-2", Text: "Is Acme worth the price?", Category: "pricing"},
			{ID: "q-3", Text: "Acme vs Globex?", Category: "comparison"},
			{ID: "q-4", Text: "Best alternative to Globex?", Category: "comparison"},
		},
		Categories: []model.CategoryDescriptor{
			{Label: "pricing", StrategicFocus: "pricing perception"},
			{Label: "comparison", StrategicFocus: "competitive positioning"},
		},
	}
}

func testPipelineBrand() model.BrandContext {
	return model.BrandContext{
		Name:        "Acme",
		Competitors: []string{"Globex", "Initech"},
		Industry:    "industrial software",
		Persona: model.Persona{
			CompanySize: "mid-market",
			Role:        "VP of Operations",
		},
	}
}

func newTestPipeline(t *testing.T, callers []orchestrator.Caller, ex extractorStage) (*Pipeline, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	cfg := testConfig()
	p := New(
		cfg,
		st,
		orchestrator.New(callers, nil),
		analyzer.New(nil, "", analyzer.StrategyHeuristic),
		ex,
		aggregator.New(&fakeAnthropicClient{}, cfg.Aggregator.Model),
		testQuerySet(),
	)
	return p, st
}

func TestPipeline_Run_EndToEnd(t *testing.T) {
	p, st := newTestPipeline(t,
		[]orchestrator.Caller{&fakeCaller{name: "anthropic"}},
		&fakeExtractor{},
	)

	result, err := p.Run(context.Background(), testPipelineBrand())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 4, result.Calls.Attempted)
	assert.Equal(t, 4, result.Calls.Succeeded)
	assert.Equal(t, 0, result.Calls.Failed)

	assert.False(t, result.Degraded)
	assert.Empty(t, result.DegradedCategories)
	assert.Equal(t, 4, result.Aggregates.ResponsesScored)
	assert.Greater(t, result.Aggregates.MeanSOV, 0.0)

	// One strategic priority per insight type.
	require.Len(t, result.Priorities, 3)
	for _, priority := range result.Priorities {
		assert.Equal(t, model.OutcomeOK, priority.Status)
		for _, item := range priority.Items {
			assert.NotEmpty(t, item.SourceCategories)
		}
	}

	require.NotNil(t, result.Brief)
	assert.NotEmpty(t, result.Brief.SituationAssessment)
	assert.NotEmpty(t, result.Brief.PrioritizedRoadmap)
	assert.False(t, result.Brief.Degraded)

	assert.Greater(t, result.TokenUsage.InputTokens, int64(0))
	assert.GreaterOrEqual(t, result.Duration, int64(0))

	// Every phase completed.
	require.NotEmpty(t, result.Phases)
	for _, phase := range result.Phases {
		assert.Equal(t, model.PhaseStatusComplete, phase.Status, phase.Name)
	}

	// Run row reflects the final state.
	runs, err := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	require.NotNil(t, runs[0].Result)
	assert.Equal(t, 4, runs[0].Result.Calls.Attempted)

	// Artifacts were persisted along the way.
	analyses, err := st.ListAnalyses(context.Background(), runs[0].ID)
	require.NoError(t, err)
	assert.Len(t, analyses, 4)

	brief, err := st.GetExecutiveBrief(context.Background(), runs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, brief)
	assert.Equal(t, result.Brief.SituationAssessment, brief.SituationAssessment)
}

func TestPipeline_Run_NoResponsesFails(t *testing.T) {
	p, st := newTestPipeline(t,
		[]orchestrator.Caller{&fakeCaller{name: "anthropic", err: errors.New("api down")}},
		&fakeExtractor{},
	)

	result, err := p.Run(context.Background(), testPipelineBrand())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responses collected")
	require.NotNil(t, result)
	assert.Equal(t, 4, result.Calls.Failed)

	runs, listErr := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, listErr)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
}

func TestPipeline_Run_FallbackRecovers(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	cfg := testConfig()
	callers := []orchestrator.Caller{
		&fakeCaller{name: "anthropic", err: errors.New("api down")},
		&fakeCaller{name: "openai"},
	}
	p := New(
		cfg,
		st,
		orchestrator.New(callers, map[string]string{"anthropic": "openai"}),
		analyzer.New(nil, "", analyzer.StrategyHeuristic),
		&fakeExtractor{},
		aggregator.New(&fakeAnthropicClient{}, cfg.Aggregator.Model),
		testQuerySet(),
	)

	result, runErr := p.Run(context.Background(), testPipelineBrand())
	require.NoError(t, runErr)

	// Primary failures rerouted to the fallback, so the run still completes.
	assert.Equal(t, 4, result.Calls.Fallbacks)
	assert.Greater(t, result.Calls.Succeeded, 0)
	assert.False(t, result.Degraded)
}

func TestPipeline_Run_DegradedCategory(t *testing.T) {
	p, st := newTestPipeline(t,
		[]orchestrator.Caller{&fakeCaller{name: "anthropic"}},
		&fakeExtractor{failCategories: map[string]bool{"comparison": true}},
	)

	result, err := p.Run(context.Background(), testPipelineBrand())
	require.NoError(t, err)

	// The run completes degraded: pricing is usable, comparison is not.
	assert.True(t, result.Degraded)
	assert.Equal(t, []string{"comparison"}, result.DegradedCategories)
	require.NotNil(t, result.Brief)
	assert.True(t, result.Brief.Degraded)

	runs, listErr := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, listErr)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
}

func TestPipeline_Run_AllCategoriesFailedFails(t *testing.T) {
	p, st := newTestPipeline(t,
		[]orchestrator.Caller{&fakeCaller{name: "anthropic"}},
		&fakeExtractor{failCategories: map[string]bool{"pricing": true, "comparison": true}},
	)

	result, err := p.Run(context.Background(), testPipelineBrand())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no category produced usable insights")
	require.NotNil(t, result)
	assert.ElementsMatch(t, []string{"pricing", "comparison"}, result.DegradedCategories)

	runs, listErr := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, listErr)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
}

func TestPipeline_Run_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel mid-collection: the first call cancels the run.
	caller := &cancellingCaller{cancel: cancel}
	p, st := newTestPipeline(t, []orchestrator.Caller{caller}, &fakeExtractor{})

	_, err := p.Run(ctx, testPipelineBrand())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	runs, listErr := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, listErr)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusCancelled, runs[0].Status)
}

// cancellingCaller cancels the run context during its first call. The call
// itself still completes: submitted calls drain rather than abort.
type cancellingCaller struct {
	cancel context.CancelFunc
}

func (c *cancellingCaller) Name() string { return "anthropic" }

func (c *cancellingCaller) Complete(_ context.Context, _ provider.Prompt) (*provider.CallResult, error) {
	c.cancel()
	return &provider.CallResult{
		Completion: &provider.Completion{Text: "Acme is a leading option.", InputTokens: 10, OutputTokens: 5},
		Attempts:   1,
	}, nil
}

func TestAggregateScores(t *testing.T) {
	analyses := []model.ResponseAnalysis{
		{GEOScore: 60, SOVScore: 50, CompletenessScore: 70, Sentiment: model.SentimentPositive},
		{GEOScore: 80, SOVScore: 100, CompletenessScore: 90, Sentiment: model.SentimentPositive},
		{GEOScore: 70, SOVScore: 0, CompletenessScore: 50, Sentiment: model.SentimentNegative},
	}

	agg := aggregateScores(analyses)
	assert.Equal(t, 3, agg.ResponsesScored)
	assert.InDelta(t, 70.0, agg.MeanGEO, 0.001)
	assert.InDelta(t, 50.0, agg.MeanSOV, 0.001)
	assert.InDelta(t, 70.0, agg.MeanCompleteness, 0.001)
	assert.Equal(t, 2, agg.SentimentCounts[model.SentimentPositive])
	assert.Equal(t, 1, agg.SentimentCounts[model.SentimentNegative])
}

func TestCategoryHealth(t *testing.T) {
	batchSets := []model.BatchInsightSet{
		{Category: "pricing"},
		{Category: "comparison"},
	}
	categorySets := map[model.InsightType][]model.CategoryInsightSet{
		model.InsightRecommendation: {
			{Category: "pricing", Status: model.OutcomeOK, Items: []model.Insight{{Title: "x"}}},
			{Category: "comparison", Status: model.OutcomeFailed},
		},
		model.InsightGap: {
			{Category: "pricing", Status: model.OutcomeDegraded, Items: []model.Insight{{Title: "y"}}},
			{Category: "comparison", Status: model.OutcomeFailed},
		},
	}

	usable, degraded := categoryHealth(batchSets, categorySets)
	assert.Equal(t, []string{"pricing"}, usable)
	assert.Equal(t, []string{"comparison"}, degraded)
}
