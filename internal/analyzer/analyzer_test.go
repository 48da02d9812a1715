package analyzer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sells-group/geoinsight/internal/model"
	"github.com/sells-group/geoinsight/pkg/anthropic"
)

type fakeLLM struct {
	text string
	err  error
}

func (f *fakeLLM) CreateMessage(_ context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: f.text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}, nil
}

func testBrand() model.BrandContext {
	return model.BrandContext{
		Name:        "Acme CRM",
		Variants:    []string{"Acme"},
		Competitors: []string{"Globex", "Initech"},
	}
}

func testResponse(text string) model.RawResponse {
	return model.RawResponse{
		RunID:    "run-1",
		QueryID:  "q1",
		Provider: "anthropic",
		Category: "comparison",
		Text:     text,
	}
}

func TestHeuristic_MentionCounting(t *testing.T) {
	a := New(nil, "", StrategyHeuristic)

	analysis, usage, err := a.Analyze(context.Background(), testResponse(
		"Acme CRM is a strong choice. Acme's pricing beats Globex. Many teams pick Acme over Initech.",
	), testBrand())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usage != nil {
		t.Error("heuristic mode must not consume tokens")
	}
	if !analysis.Mentioned {
		t.Error("expected brand mentioned")
	}
	if analysis.MentionCount != 3 {
		t.Errorf("expected 3 mentions, got %d", analysis.MentionCount)
	}
	if analysis.CompetitorMentions["Globex"] != 1 || analysis.CompetitorMentions["Initech"] != 1 {
		t.Errorf("unexpected competitor mentions: %v", analysis.CompetitorMentions)
	}
	if analysis.Strategy != string(StrategyHeuristic) {
		t.Errorf("unexpected strategy: %s", analysis.Strategy)
	}
}

func TestHeuristic_NoFalseSubstringMatch(t *testing.T) {
	a := New(nil, "", StrategyHeuristic)
	brand := model.BrandContext{Name: "Acme"}

	analysis, _, err := a.Analyze(context.Background(), testResponse("The Acmeify plugin is unrelated."), brand)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if analysis.Mentioned {
		t.Error("substring inside a longer word must not count as a mention")
	}
}

func TestHeuristic_CaseInsensitiveAndPossessive(t *testing.T) {
	a := New(nil, "", StrategyHeuristic)
	brand := model.BrandContext{Name: "Acme"}

	analysis, _, err := a.Analyze(context.Background(), testResponse("ACME's dashboard impressed us. We like acme."), brand)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if analysis.MentionCount != 2 {
		t.Errorf("expected 2 mentions, got %d", analysis.MentionCount)
	}
}

func TestHeuristic_FirstMentionFractionBounded(t *testing.T) {
	a := New(nil, "", StrategyHeuristic)
	brand := model.BrandContext{Name: "Acme"}

	// Case-folding "İ" grows the text, so a late mention's index into the
	// folded form can exceed the unfolded byte length.
	text := strings.Repeat("İ ", 40) + "Acme is here."
	analysis, _, err := a.Analyze(context.Background(), testResponse(text), brand)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !analysis.Mentioned {
		t.Fatal("expected brand mentioned")
	}
	if f := analysis.FirstMentionFraction; f < 0 || f > 1 {
		t.Errorf("first mention fraction out of bounds: %f", f)
	}
}

func TestHeuristic_Sentiment(t *testing.T) {
	a := New(nil, "", StrategyHeuristic)
	brand := model.BrandContext{Name: "Acme"}

	cases := []struct {
		text string
		want model.Sentiment
	}{
		{"Acme is the best option available.", model.SentimentPositive},
		{"Acme lacks key integrations.", model.SentimentNegative},
		{"Acme is the best but lacks reporting.", model.SentimentMixed},
		{"Acme exists.", model.SentimentNeutral},
		{"Globex is the best.", model.SentimentNeutral},
	}
	for _, tc := range cases {
		analysis, _, err := a.Analyze(context.Background(), testResponse(tc.text), brand)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if analysis.Sentiment != tc.want {
			t.Errorf("%q: expected %s, got %s", tc.text, tc.want, analysis.Sentiment)
		}
	}
}

func TestSOVScore(t *testing.T) {
	if got := SOVScore(0, nil); got != 0 {
		t.Errorf("zero denominator must yield 0, got %f", got)
	}
	if got := SOVScore(3, map[string]int{"Globex": 1}); got != 75 {
		t.Errorf("expected 75, got %f", got)
	}
	if got := SOVScore(2, map[string]int{}); got != 100 {
		t.Errorf("expected 100, got %f", got)
	}
}

func TestGEOScore_Weights(t *testing.T) {
	f := model.GEOFactors{
		CitationQuality:    100,
		ContentRelevance:   100,
		AuthoritySignal:    0,
		PositionProminence: 0,
	}
	if got := GEOScore(f); got != 60 {
		t.Errorf("expected 60, got %f", got)
	}
}

func TestCompletenessScore_Weights(t *testing.T) {
	f := model.CompletenessFactors{
		ContextQuality:    100,
		FeatureCoverage:   0,
		ValuePropCoverage: 0,
	}
	if got := CompletenessScore(f); got != 40 {
		t.Errorf("expected 40, got %f", got)
	}
}

func TestAnalyzeLLM_ParsesAnnotation(t *testing.T) {
	llm := &fakeLLM{text: "```json\n" + `{
		"mentioned": true,
		"mention_count": 2,
		"first_mention_fraction": 0.1,
		"sentiment": "positive",
		"competitor_mentions": {"Globex": 1},
		"citation_quality": 80,
		"content_relevance": 90,
		"authority_signal": 70,
		"position_prominence": 85,
		"context_quality": 60,
		"feature_coverage": 50,
		"value_prop_coverage": 40,
		"candidate_insights": ["strong positioning in comparison queries"]
	}` + "\n```"}

	a := New(llm, "claude-test", StrategyLLM)
	analysis, usage, err := a.Analyze(context.Background(), testResponse("Acme beats Globex."), testBrand())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if analysis.Strategy != string(StrategyLLM) {
		t.Errorf("unexpected strategy: %s", analysis.Strategy)
	}
	if analysis.SOVScore <= 0 || analysis.SOVScore > 100 {
		t.Errorf("sov out of bounds: %f", analysis.SOVScore)
	}
	if analysis.GEOScore != 0.3*80+0.3*90+0.2*70+0.2*85 {
		t.Errorf("unexpected geo score: %f", analysis.GEOScore)
	}
	if len(analysis.CandidateInsights) != 1 {
		t.Errorf("expected candidate insights carried through")
	}
	if usage == nil || usage.InputTokens != 100 {
		t.Errorf("expected usage tracked, got %+v", usage)
	}
}

func TestAnalyzeLLM_FallsBackOnError(t *testing.T) {
	a := New(&fakeLLM{err: errors.New("api down")}, "claude-test", StrategyLLM)
	analysis, _, err := a.Analyze(context.Background(), testResponse("Acme is great."), testBrand())
	if err != nil {
		t.Fatalf("fallback must absorb the error, got %v", err)
	}
	if analysis.Strategy != string(StrategyHeuristic) {
		t.Errorf("expected heuristic fallback, got %s", analysis.Strategy)
	}
	if !analysis.Mentioned {
		t.Error("heuristic fallback should still detect the mention")
	}
}

func TestAnalyzeLLM_FallsBackOnBadJSON(t *testing.T) {
	a := New(&fakeLLM{text: "not json at all"}, "claude-test", StrategyLLM)
	analysis, usage, err := a.Analyze(context.Background(), testResponse("Acme is great."), testBrand())
	if err != nil {
		t.Fatalf("fallback must absorb the parse failure, got %v", err)
	}
	if analysis.Strategy != string(StrategyHeuristic) {
		t.Errorf("expected heuristic fallback, got %s", analysis.Strategy)
	}
	if usage == nil {
		t.Error("tokens were still spent on the failed extraction")
	}
}

func TestAnalyzeAll_PreservesOrder(t *testing.T) {
	a := New(nil, "", StrategyHeuristic)
	resps := []model.RawResponse{
		testResponse("Acme first."),
		testResponse("no brand here"),
		testResponse("Acme third."),
	}
	resps[1].QueryID = "q2"
	resps[2].QueryID = "q3"

	analyses, _, err := a.AnalyzeAll(context.Background(), resps, testBrand(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(analyses) != 3 {
		t.Fatalf("expected 3 analyses, got %d", len(analyses))
	}
	if analyses[1].QueryID != "q2" || analyses[1].Mentioned {
		t.Errorf("unexpected middle analysis: %+v", analyses[1])
	}
}

func TestCleanJSON(t *testing.T) {
	cases := []struct{ in, want string }{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"Here is the result: {\"a\":1} hope it helps", `{"a":1}`},
		{`{"a":1}`, `{"a":1}`},
	}
	for _, tc := range cases {
		if got := cleanJSON(tc.in); got != tc.want {
			t.Errorf("cleanJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
