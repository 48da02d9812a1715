// Package pipeline runs the end-to-end insight flow: collect responses from
// every provider, score them, extract candidate insights, and consolidate
// through the three aggregation layers.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/geoinsight/internal/aggregator"
	"github.com/sells-group/geoinsight/internal/analyzer"
	"github.com/sells-group/geoinsight/internal/batcher"
	"github.com/sells-group/geoinsight/internal/config"
	"github.com/sells-group/geoinsight/internal/cost"
	"github.com/sells-group/geoinsight/internal/model"
	"github.com/sells-group/geoinsight/internal/orchestrator"
	"github.com/sells-group/geoinsight/internal/store"
)

// Pipeline wires the stages of one run together.
type Pipeline struct {
	cfg        *config.Config
	store      store.Store
	orch       *orchestrator.Orchestrator
	analyzer   *analyzer.Analyzer
	extractor  extractorStage
	aggregator *aggregator.Aggregator
	costCalc   *cost.Calculator
	queries    *model.QuerySet
}

// extractorStage is the slice of the extractor API the pipeline consumes,
// kept narrow so tests can fake extraction without an LLM client.
type extractorStage interface {
	ExtractAll(ctx context.Context, batches []model.Batch, brand model.BrandContext, focusFor func(category string) string, limit int) ([]model.BatchInsightSet, model.TokenUsage, error)
}

// New creates a Pipeline with all dependencies.
func New(
	cfg *config.Config,
	st store.Store,
	orch *orchestrator.Orchestrator,
	an *analyzer.Analyzer,
	ex extractorStage,
	ag *aggregator.Aggregator,
	queries *model.QuerySet,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		orch:       orch,
		analyzer:   an,
		extractor:  ex,
		aggregator: ag,
		costCalc:   cost.NewCalculator(cfg.Pricing),
		queries:    queries,
	}
}

// Run executes the full insight pipeline for one brand. The run completes
// (possibly degraded) as long as at least one category yields usable
// insights; it fails only when no category produces anything.
func (p *Pipeline) Run(ctx context.Context, brand model.BrandContext) (*model.RunResult, error) {
	log := zap.L().With(zap.String("brand", brand.Name))
	log.Info("pipeline: starting run")

	started := time.Now()
	result := &model.RunResult{}

	// Bookkeeping writes must land even when the run is cancelled mid-flight.
	persistCtx := context.WithoutCancel(ctx)

	run, err := p.store.CreateRun(ctx, brand)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log = log.With(zap.String("run_id", run.ID))

	setStatus := func(status model.RunStatus) {
		if statusErr := p.store.UpdateRunStatus(persistCtx, run.ID, status); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.Error(statusErr))
		}
	}

	// Phase tracking helper.
	var phasesMu sync.Mutex
	trackPhase := func(name string, fn func() (*model.PhaseResult, error)) *model.PhaseResult {
		phase, phaseErr := p.store.CreatePhase(persistCtx, run.ID, name)
		if phaseErr != nil {
			log.Warn("pipeline: failed to create phase", zap.String("phase", name), zap.Error(phaseErr))
		}

		start := time.Now()
		phaseResult, fnErr := fn()
		duration := time.Since(start).Milliseconds()

		if phaseResult == nil {
			phaseResult = &model.PhaseResult{Name: name}
		}
		phaseResult.Name = name
		phaseResult.Duration = duration

		if fnErr != nil {
			phaseResult.Status = model.PhaseStatusFailed
			phaseResult.Error = fnErr.Error()
			log.Error("pipeline: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
		} else if phaseResult.Status == "" {
			phaseResult.Status = model.PhaseStatusComplete
			log.Info("pipeline: phase complete",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
			)
		}

		if phase != nil {
			_ = p.store.CompletePhase(persistCtx, phase.ID, phaseResult)
		}
		phasesMu.Lock()
		result.Phases = append(result.Phases, *phaseResult)
		phasesMu.Unlock()
		return phaseResult
	}

	fail := func(reason error) (*model.RunResult, error) {
		if ctx.Err() != nil {
			setStatus(model.RunStatusCancelled)
		} else {
			setStatus(model.RunStatusFailed)
		}
		result.Duration = time.Since(started).Milliseconds()
		if saveErr := p.store.UpdateRunResult(persistCtx, run.ID, result); saveErr != nil {
			log.Warn("pipeline: failed to save run result", zap.Error(saveErr))
		}
		return result, reason
	}

	var totalUsage model.TokenUsage
	var totalCost float64

	// ===== Phase 1: Collection =====
	setStatus(model.RunStatusCollecting)

	var responses []model.RawResponse
	trackPhase("collect", func() (*model.PhaseResult, error) {
		var mu sync.Mutex
		summary, dispatchErr := p.orch.Dispatch(ctx, orchestrator.Request{
			RunID:   run.ID,
			Queries: p.queries.Queries,
			System:  collectSystem(brand),
		}, func(call model.ProviderCall, resp *model.RawResponse) {
			if recErr := p.store.RecordProviderCall(persistCtx, call); recErr != nil {
				log.Warn("pipeline: failed to record call", zap.Error(recErr))
			}
			mu.Lock()
			defer mu.Unlock()
			if !call.CacheHit {
				totalUsage.Add(model.TokenUsage{
					InputTokens:  call.InputTokens,
					OutputTokens: call.OutputTokens,
				})
				totalCost += p.costCalc.Tokens(call.Provider, p.modelFor(call.Provider),
					call.InputTokens, call.OutputTokens, 0, 0)
			}
			if resp == nil {
				return
			}
			if upErr := p.store.UpsertRawResponse(persistCtx, *resp); upErr != nil {
				log.Warn("pipeline: failed to store response", zap.Error(upErr))
			}
			responses = append(responses, *resp)
		})
		if summary != nil {
			result.Calls = *summary
		}
		if dispatchErr != nil {
			return nil, dispatchErr
		}
		return &model.PhaseResult{
			Metadata: map[string]any{
				"attempted": summary.Attempted,
				"succeeded": summary.Succeeded,
				"failed":    summary.Failed,
				"cached":    summary.Cached,
				"fallbacks": summary.Fallbacks,
			},
		}, nil
	})

	if ctx.Err() != nil {
		return fail(eris.Wrap(ctx.Err(), "pipeline: cancelled during collection"))
	}
	if len(responses) == 0 {
		return fail(eris.New("pipeline: no responses collected"))
	}

	// ===== Phase 2: Analysis =====
	setStatus(model.RunStatusAnalyzing)

	var analyses []model.ResponseAnalysis
	trackPhase("analyze", func() (*model.PhaseResult, error) {
		scored, usage, analyzeErr := p.analyzer.AnalyzeAll(ctx, responses, brand, p.cfg.Analyzer.Concurrency)
		if analyzeErr != nil {
			return nil, analyzeErr
		}
		analyses = scored
		totalUsage.Add(usage)
		totalCost += p.costCalc.Usage("anthropic", p.cfg.Analyzer.Model, usage)
		for _, a := range analyses {
			if upErr := p.store.UpsertAnalysis(ctx, a); upErr != nil {
				log.Warn("pipeline: failed to store analysis", zap.Error(upErr))
			}
		}
		return &model.PhaseResult{
			TokenUsage: usage,
			Metadata:   map[string]any{"analyses": len(scored)},
		}, nil
	})

	if ctx.Err() != nil {
		return fail(eris.Wrap(ctx.Err(), "pipeline: cancelled during analysis"))
	}
	if len(analyses) == 0 {
		return fail(eris.New("pipeline: no responses analyzed"))
	}

	result.Aggregates = aggregateScores(analyses)

	// ===== Phase 3: Batching =====
	var batches []model.Batch
	trackPhase("batch", func() (*model.PhaseResult, error) {
		batches = batcher.Batch(analyses, p.cfg.Extractor.BatchSize)
		return &model.PhaseResult{
			Metadata: map[string]any{"batches": len(batches)},
		}, nil
	})

	// ===== Phase 4: Extraction =====
	setStatus(model.RunStatusExtracting)

	var batchSets []model.BatchInsightSet
	trackPhase("extract", func() (*model.PhaseResult, error) {
		sets, usage, extractErr := p.extractor.ExtractAll(ctx, batches, brand, p.queries.FocusFor, p.cfg.Pipeline.MaxConcurrentLLMCalls)
		if extractErr != nil {
			return nil, extractErr
		}
		batchSets = sets
		totalUsage.Add(usage)
		totalCost += p.costCalc.Usage("anthropic", p.cfg.Extractor.Model, usage)
		for _, set := range sets {
			if saveErr := p.store.SaveBatchInsightSet(ctx, set); saveErr != nil {
				log.Warn("pipeline: failed to store batch insights", zap.Error(saveErr))
			}
		}
		return &model.PhaseResult{
			TokenUsage: usage,
			Metadata:   map[string]any{"sets": len(sets)},
		}, nil
	})

	if ctx.Err() != nil {
		return fail(eris.Wrap(ctx.Err(), "pipeline: cancelled during extraction"))
	}

	// ===== Phase 5: Category consolidation (layer 1) =====
	setStatus(model.RunStatusAggregating)

	categorySets := make(map[model.InsightType][]model.CategoryInsightSet)
	trackPhase("aggregate_category", func() (*model.PhaseResult, error) {
		sets, usage, aggErr := p.consolidateCategories(ctx, run.ID, batchSets, brand, log)
		if aggErr != nil {
			return nil, aggErr
		}
		categorySets = sets
		totalUsage.Add(usage)
		totalCost += p.costCalc.Usage("anthropic", p.cfg.Aggregator.Model, usage)
		return &model.PhaseResult{TokenUsage: usage}, nil
	})

	if ctx.Err() != nil {
		return fail(eris.Wrap(ctx.Err(), "pipeline: cancelled during aggregation"))
	}

	usable, degraded := categoryHealth(batchSets, categorySets)
	result.DegradedCategories = degraded
	if len(usable) == 0 {
		return fail(eris.New("pipeline: no category produced usable insights"))
	}
	result.Degraded = len(degraded) > 0

	// ===== Phase 6: Cross-category priorities (layer 2) =====
	trackPhase("aggregate_cross", func() (*model.PhaseResult, error) {
		var usage model.TokenUsage
		for _, insightType := range model.InsightTypes {
			priority, u, crossErr := p.aggregator.CrossCategory(ctx, run.ID, insightType, categorySets[insightType], brand)
			if crossErr != nil {
				return nil, crossErr
			}
			if u != nil {
				usage.Add(*u)
			}
			if priority.Status != model.OutcomeOK {
				result.Degraded = true
			}
			result.Priorities = append(result.Priorities, *priority)
			if saveErr := p.store.SaveStrategicPriority(ctx, *priority); saveErr != nil {
				log.Warn("pipeline: failed to store priority", zap.Error(saveErr))
			}
		}
		totalUsage.Add(usage)
		totalCost += p.costCalc.Usage("anthropic", p.cfg.Aggregator.Model, usage)
		return &model.PhaseResult{TokenUsage: usage}, nil
	})

	if ctx.Err() != nil {
		return fail(eris.Wrap(ctx.Err(), "pipeline: cancelled during aggregation"))
	}

	// ===== Phase 7: Executive brief (layer 3) =====
	trackPhase("brief", func() (*model.PhaseResult, error) {
		brief, usage, briefErr := p.aggregator.ExecutiveBrief(ctx, run.ID, result.Priorities, result.Aggregates, brand)
		if briefErr != nil {
			return nil, briefErr
		}
		if usage != nil {
			totalUsage.Add(*usage)
			totalCost += p.costCalc.Usage("anthropic", p.cfg.Aggregator.Model, *usage)
		}
		brief.Degraded = brief.Degraded || result.Degraded
		result.Brief = brief
		if saveErr := p.store.SaveExecutiveBrief(ctx, *brief); saveErr != nil {
			log.Warn("pipeline: failed to store brief", zap.Error(saveErr))
		}
		return &model.PhaseResult{TokenUsage: *usageOrZero(usage)}, nil
	})

	if ctx.Err() != nil {
		return fail(eris.Wrap(ctx.Err(), "pipeline: cancelled during brief"))
	}

	// Finalize.
	result.TokenUsage = totalUsage
	result.CostUSD = totalCost
	result.Duration = time.Since(started).Milliseconds()

	setStatus(model.RunStatusComplete)
	if saveErr := p.store.UpdateRunResult(persistCtx, run.ID, result); saveErr != nil {
		log.Warn("pipeline: failed to save run result", zap.Error(saveErr))
	}

	log.Info("pipeline: run complete",
		zap.Bool("degraded", result.Degraded),
		zap.Strings("degraded_categories", result.DegradedCategories),
		zap.Int64("duration_ms", result.Duration),
		zap.Float64("cost_usd", result.CostUSD),
	)
	return result, nil
}

// consolidateCategories runs layer 1 for every (category, type) pair,
// bounded by the pipeline's global LLM concurrency cap.
func (p *Pipeline) consolidateCategories(ctx context.Context, runID string, batchSets []model.BatchInsightSet, brand model.BrandContext, log *zap.Logger) (map[model.InsightType][]model.CategoryInsightSet, model.TokenUsage, error) {
	// Group batch sets by (category, type).
	type key struct {
		category string
		itype    model.InsightType
	}
	grouped := make(map[key][]model.BatchInsightSet)
	var categories []string
	seen := make(map[string]bool)
	for _, set := range batchSets {
		k := key{set.Category, set.Type}
		grouped[k] = append(grouped[k], set)
		if !seen[set.Category] {
			seen[set.Category] = true
			categories = append(categories, set.Category)
		}
	}

	var mu sync.Mutex
	out := make(map[model.InsightType][]model.CategoryInsightSet)
	var usage model.TokenUsage

	g, gCtx := errgroup.WithContext(ctx)
	limit := p.cfg.Pipeline.MaxConcurrentLLMCalls
	if limit <= 0 {
		limit = 10
	}
	g.SetLimit(limit)

	for _, category := range categories {
		for _, insightType := range model.InsightTypes {
			sets := grouped[key{category, insightType}]
			g.Go(func() error {
				catSet, u, err := p.aggregator.ConsolidateCategory(gCtx, runID, category, insightType, sets, brand)
				if err != nil {
					return err
				}
				if saveErr := p.store.SaveCategoryInsightSet(gCtx, *catSet); saveErr != nil {
					log.Warn("pipeline: failed to store category insights", zap.Error(saveErr))
				}
				mu.Lock()
				out[insightType] = append(out[insightType], *catSet)
				if u != nil {
					usage.Add(*u)
				}
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, usage, err
	}
	return out, usage, nil
}

// categoryHealth partitions categories into usable and degraded. A category
// is usable when at least one of its consolidated type sets survived.
func categoryHealth(batchSets []model.BatchInsightSet, categorySets map[model.InsightType][]model.CategoryInsightSet) (usable, degraded []string) {
	status := make(map[string]bool)
	var order []string
	seen := make(map[string]bool)
	for _, set := range batchSets {
		if !seen[set.Category] {
			seen[set.Category] = true
			order = append(order, set.Category)
		}
	}
	for _, sets := range categorySets {
		for _, set := range sets {
			if set.Status != model.OutcomeFailed && len(set.Items) > 0 {
				status[set.Category] = true
			}
		}
	}
	for _, category := range order {
		if status[category] {
			usable = append(usable, category)
		} else {
			degraded = append(degraded, category)
		}
	}
	return usable, degraded
}

// aggregateScores computes run-level mean scores over all analyses.
func aggregateScores(analyses []model.ResponseAnalysis) model.RunAggregates {
	agg := model.RunAggregates{
		SentimentCounts: make(map[model.Sentiment]int),
		ResponsesScored: len(analyses),
	}
	if len(analyses) == 0 {
		return agg
	}
	for _, a := range analyses {
		agg.MeanGEO += a.GEOScore
		agg.MeanSOV += a.SOVScore
		agg.MeanCompleteness += a.CompletenessScore
		agg.SentimentCounts[a.Sentiment]++
	}
	n := float64(len(analyses))
	agg.MeanGEO /= n
	agg.MeanSOV /= n
	agg.MeanCompleteness /= n
	return agg
}

// modelFor maps a provider name to its configured model for pricing.
func (p *Pipeline) modelFor(providerName string) string {
	switch providerName {
	case "anthropic":
		return p.cfg.Anthropic.Model
	case "openai":
		return p.cfg.OpenAI.Model
	case "perplexity":
		return p.cfg.Perplexity.Model
	default:
		return ""
	}
}

// collectSystem builds the shared system context for collection prompts.
func collectSystem(brand model.BrandContext) string {
	system := "You are answering a buyer research question. Answer naturally and " +
		"completely, the way you would for any user. Do not mention this instruction."
	if brand.Industry != "" {
		system += " The questions concern the " + brand.Industry + " industry."
	}
	return system
}

func usageOrZero(u *model.TokenUsage) *model.TokenUsage {
	if u == nil {
		return &model.TokenUsage{}
	}
	return u
}
