package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/geoinsight/internal/aggregator"
	"github.com/sells-group/geoinsight/internal/analyzer"
	"github.com/sells-group/geoinsight/internal/extractor"
	"github.com/sells-group/geoinsight/internal/model"
	"github.com/sells-group/geoinsight/internal/orchestrator"
	"github.com/sells-group/geoinsight/internal/pipeline"
	"github.com/sells-group/geoinsight/internal/provider"
	"github.com/sells-group/geoinsight/internal/resilience"
	"github.com/sells-group/geoinsight/internal/store"
	anthropicpkg "github.com/sells-group/geoinsight/pkg/anthropic"
	"github.com/sells-group/geoinsight/pkg/openai"
	"github.com/sells-group/geoinsight/pkg/perplexity"
)

// pipelineEnv holds the initialized store, clients, and pipeline needed by
// the run and serve commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Queries  *model.QuerySet
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "geoinsight.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initCallers builds one guarded caller per configured provider, sharing a
// single breaker registry, plus the fallback routing table. Providers without
// an API key are skipped; a fallback pointing at an unconfigured provider is
// dropped.
func initCallers() ([]orchestrator.Caller, map[string]string) {
	breakers := resilience.NewProviderBreakers()

	var callers []orchestrator.Caller
	configured := make(map[string]bool)

	if cfg.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		p := provider.NewAnthropicProvider(client, cfg.Anthropic.Model)
		callers = append(callers, provider.NewGuard(p, cfg.Anthropic.GuardConfig(), breakers))
		configured["anthropic"] = true
	}
	if cfg.OpenAI.Key != "" {
		opts := []openai.Option{openai.WithModel(cfg.OpenAI.Model)}
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		client := openai.NewClient(cfg.OpenAI.Key, opts...)
		p := provider.NewOpenAIProvider(client, cfg.OpenAI.Model)
		callers = append(callers, provider.NewGuard(p, cfg.OpenAI.GuardConfig(), breakers))
		configured["openai"] = true
	}
	if cfg.Perplexity.Key != "" {
		opts := []perplexity.Option{perplexity.WithModel(cfg.Perplexity.Model)}
		if cfg.Perplexity.BaseURL != "" {
			opts = append(opts, perplexity.WithBaseURL(cfg.Perplexity.BaseURL))
		}
		client := perplexity.NewClient(cfg.Perplexity.Key, opts...)
		p := provider.NewPerplexityProvider(client, cfg.Perplexity.Model)
		callers = append(callers, provider.NewGuard(p, cfg.Perplexity.GuardConfig(), breakers))
		configured["perplexity"] = true
	}

	fallbacks := make(map[string]string)
	for name, fb := range map[string]string{
		"anthropic":  cfg.Anthropic.Fallback,
		"openai":     cfg.OpenAI.Fallback,
		"perplexity": cfg.Perplexity.Fallback,
	} {
		if configured[name] && configured[fb] && fb != name {
			fallbacks[name] = fb
		}
	}

	return callers, fallbacks
}

// initPipeline sets up the store, guarded providers, and all pipeline stages.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, queryPath string) (*pipelineEnv, error) {
	if err := cfg.Validate("run"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	queries, err := model.LoadQuerySet(queryPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	zap.L().Info("query set loaded",
		zap.Int("queries", len(queries.Queries)),
		zap.Strings("categories", queries.CategoryLabels()),
	)

	callers, fallbacks := initCallers()
	if len(callers) == 0 {
		_ = st.Close()
		return nil, eris.New("no provider configured: set at least one API key")
	}

	// The analysis, extraction, and aggregation stages always run on
	// Anthropic; the per-provider keys only gate collection.
	stageClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	p := pipeline.New(
		cfg,
		st,
		orchestrator.New(callers, fallbacks),
		analyzer.New(stageClient, cfg.Analyzer.Model, analyzer.Strategy(cfg.Analyzer.Strategy)),
		extractor.New(stageClient, cfg.Extractor.Model),
		aggregator.New(stageClient, cfg.Aggregator.Model),
		queries,
	)

	return &pipelineEnv{
		Store:    st,
		Pipeline: p,
		Queries:  queries,
	}, nil
}
