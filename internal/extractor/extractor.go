// Package extractor turns batches of analyzed responses into candidate
// insight sets, one LLM call per (batch, insight type).
package extractor

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

// ContractSize is the exact number of insights each extraction call must
// yield. Shortfalls are padded with flagged placeholders so downstream
// consolidation always sees a full set.
const ContractSize = 10

// Extractor produces batch insight sets.
type Extractor struct {
	client anthropic.Client
	model  string

	nowFunc func() time.Time
}

// New creates an extractor.
func New(client anthropic.Client, modelName string) *Extractor {
	return &Extractor{
		client:  client,
		model:   modelName,
		nowFunc: time.Now,
	}
}

// insightItem mirrors one element of the extraction prompt's JSON contract.
type insightItem struct {
	Title      string  `json:"title"`
	Rationale  string  `json:"rationale"`
	Priority   float64 `json:"priority"`
	Impact     string  `json:"impact"`
	Difficulty string  `json:"difficulty"`
}

// Extract runs one extraction call for a batch and insight type. It never
// fails the run for a bad batch: provider errors and malformed output yield
// a placeholder-only set with status failed; an under- or over-count is
// corrected to the contract and marked degraded. The returned error is only
// non-nil on context cancellation.
func (e *Extractor) Extract(ctx context.Context, batch model.Batch, insightType model.InsightType, brand model.BrandContext, focus string) (*model.BatchInsightSet, *model.TokenUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	log := zap.L().With(
		zap.String("run_id", batch.RunID),
		zap.String("category", batch.Category),
		zap.Int("batch", batch.Index),
		zap.String("type", string(insightType)),
	)

	set := &model.BatchInsightSet{
		RunID:      batch.RunID,
		Category:   batch.Category,
		BatchIndex: batch.Index,
		Type:       insightType,
	}

	prompt := fmt.Sprintf(extractPrompt,
		string(insightType),
		batch.Category,
		focus,
		brand.Name,
		brand.Industry,
		formatBatch(batch),
		ContractSize,
	)

	msg, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: 4096,
		System:    anthropic.CachedSystemBlocks(extractSystem),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		log.Warn("extractor: extraction call failed", zap.String("error", err.Error()))
		set.Items = padInsights(nil, ContractSize)
		set.Status = model.OutcomeFailed
		return set, nil, nil
	}

	usage := &model.TokenUsage{
		InputTokens:         msg.Usage.InputTokens,
		OutputTokens:        msg.Usage.OutputTokens,
		CacheCreationTokens: msg.Usage.CacheCreationInputTokens,
		CacheReadTokens:     msg.Usage.CacheReadInputTokens,
	}

	var parsed struct {
		Insights []insightItem `json:"insights"`
	}
	if err := json.Unmarshal([]byte(cleanJSON(msg.Text())), &parsed); err != nil {
		log.Warn("extractor: malformed extraction output", zap.String("error", err.Error()))
		set.Items = padInsights(nil, ContractSize)
		set.Status = model.OutcomeFailed
		return set, usage, nil
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
		})
	}

	switch {
	case len(items) == ContractSize:
		set.Status = model.OutcomeOK
	case len(items) > ContractSize:
		log.Warn("extractor: over-count, truncating",
			zap.Int("got", len(items)),
		)
		items = items[:ContractSize]
		set.Status = model.OutcomeDegraded
	default:
		log.Warn("extractor: under-count, padding",
			zap.Int("got", len(items)),
		)
		items = padInsights(items, ContractSize)
		set.Status = model.OutcomeDegraded
	}

	set.Items = items
	return set, usage, nil
}

// ExtractAll runs extraction for every (batch, type) pair concurrently up to
// limit in-flight calls. focusFor resolves a category's strategic focus
// descriptor.
func (e *Extractor) ExtractAll(ctx context.Context, batches []model.Batch, brand model.BrandContext, focusFor func(category string) string, limit int) ([]model.BatchInsightSet, model.TokenUsage, error) {
	if limit <= 0 {
		limit = 10
	}

	sets := make([]model.BatchInsightSet, len(batches)*len(model.InsightTypes))
	var mu sync.Mutex
	var total model.TokenUsage

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for bi, batch := range batches {
		for ti, insightType := range model.InsightTypes {
			idx := bi*len(model.InsightTypes) + ti
			g.Go(func() error {
				set, usage, err := e.Extract(gCtx, batch, insightType, brand, focusFor(batch.Category))
				if err != nil {
					return err
				}
				sets[idx] = *set
				if usage != nil {
					mu.Lock()
					total.Add(*usage)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, total, err
	}
	return sets, total, nil
}

// padInsights extends items to n with flagged placeholders.
func padInsights(items []model.Insight, n int) []model.Insight {
	for i := len(items); i < n; i++ {
		items = append(items, model.Insight{
			Title:       fmt.Sprintf("Insufficient data (slot %d)", i+1),
			Rationale:   "The extraction call did not yield enough distinct insights for this batch.",
			Placeholder: true,
		})
	}
	return items
}

// formatBatch renders the batch's analyses as prompt context.
func formatBatch(batch model.Batch) string {
	var b strings.Builder
	for i, a := range batch.Analyses {
		fmt.Fprintf(&b, "--- Response %d (query=%s, provider=%s) ---\n", i+1, a.QueryID, a.Provider)
		fmt.Fprintf(&b, "Brand mentioned: %t (%d times), sentiment: %s\n", a.Mentioned, a.MentionCount, a.Sentiment)
		fmt.Fprintf(&b, "Scores: geo=%.0f sov=%.0f completeness=%.0f\n", a.GEOScore, a.SOVScore, a.CompletenessScore)
		if len(a.CompetitorMentions) > 0 {
			fmt.Fprintf(&b, "Competitor mentions: %v\n", a.CompetitorMentions)
		}
		for _, ci := range a.CandidateInsights {
			b.WriteString("Observation: " + ci + "\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
