package cost

import "github.com/sells-group/geoinsight/internal/model"

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic  map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     map[string]ModelRate `yaml:"openai" mapstructure:"openai"`
	Perplexity map[string]ModelRate `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Tokens computes the cost of a provider call from token counts. Unknown
// provider/model pairs cost zero rather than failing the run.
func (c *Calculator) Tokens(provider, model string, input, output, cacheWrite, cacheRead int64) float64 {
	var table map[string]ModelRate
	switch provider {
	case "anthropic":
		table = c.rates.Anthropic
	case "openai":
		table = c.rates.OpenAI
	case "perplexity":
		table = c.rates.Perplexity
	default:
		return 0
	}

	rate, ok := table[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Usage computes the cost of accumulated token usage for one provider/model.
func (c *Calculator) Usage(provider, model string, usage model.TokenUsage) float64 {
	return c.Tokens(provider, model, usage.InputTokens, usage.OutputTokens,
		usage.CacheCreationTokens, usage.CacheReadTokens)
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		OpenAI: map[string]ModelRate{
			"gpt-4o":      {Input: 2.50, Output: 10.00},
			"gpt-4o-mini": {Input: 0.15, Output: 0.60},
		},
		Perplexity: map[string]ModelRate{
			"sonar":     {Input: 1.00, Output: 1.00},
			"sonar-pro": {Input: 3.00, Output: 15.00},
		},
	}
}
