// Package orchestrator dispatches a query set across answer engine providers
// and collects raw responses as they arrive.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/geoinsight/internal/model"
	"github.com/sells-group/geoinsight/internal/provider"
	"github.com/sells-group/geoinsight/internal/resilience"
)

// Caller wraps the guard chain interface the orchestrator needs, so tests can
// substitute fakes without real providers.
type Caller interface {
	Name() string
	Complete(ctx context.Context, p provider.Prompt) (*provider.CallResult, error)
}

// ResponseFunc receives each provider call record as it completes, with the
// raw response when the call succeeded. Implementations must be safe for
// concurrent use.
type ResponseFunc func(call model.ProviderCall, resp *model.RawResponse)

// Orchestrator fans a query batch out to every configured provider.
type Orchestrator struct {
	callers   map[string]Caller
	fallbacks map[string]string

	nowFunc func() time.Time
}

// New creates an orchestrator over the given guarded providers. fallbacks
// maps a primary provider name to the provider tried when the primary fails.
func New(callers []Caller, fallbacks map[string]string) *Orchestrator {
	m := make(map[string]Caller, len(callers))
	for _, c := range callers {
		m[c.Name()] = c
	}
	return &Orchestrator{
		callers:   m,
		fallbacks: fallbacks,
		nowFunc:   time.Now,
	}
}

// Request describes one dispatch of a query set.
type Request struct {
	RunID   string
	Queries []model.Query
	// System is the shared system context sent with every prompt.
	System string
	// Providers selects which providers receive the queries. Empty means all.
	Providers []string
	// MaxTokens bounds each completion. Zero uses the provider default.
	MaxTokens int
}

// Dispatch sends every query to every selected provider. Queries are handed
// to each provider in input order; providers run independently of each other.
// Individual call failures never abort the dispatch, they are reported
// through onResponse and counted in the summary.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request, onResponse ResponseFunc) (*model.CallSummary, error) {
	names := req.Providers
	if len(names) == 0 {
		for name := range o.callers {
			names = append(names, name)
		}
	}
	for _, name := range names {
		if o.callers[name] == nil {
			return nil, eris.Errorf("orchestrator: unknown provider %q", name)
		}
	}

	log := zap.L().With(zap.String("run_id", req.RunID))
	log.Info("orchestrator: dispatching queries",
		zap.Int("queries", len(req.Queries)),
		zap.Int("providers", len(names)),
	)

	var mu sync.Mutex
	summary := &model.CallSummary{}

	g, gCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		caller := o.callers[name]
		g.Go(func() error {
			o.dispatchProvider(gCtx, req, caller, summary, &mu, onResponse)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		// In-flight calls have drained; report what completed.
		log.Warn("orchestrator: dispatch cancelled",
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", summary.Failed),
		)
		return summary, eris.Wrap(err, "orchestrator: dispatch")
	}

	log.Info("orchestrator: dispatch complete",
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("cached", summary.Cached),
		zap.Int("fallbacks", summary.Fallbacks),
	)
	return summary, nil
}

// dispatchProvider walks the query list in order for a single provider. The
// guard's own semaphore bounds in-flight calls, so queries are issued
// sequentially here to preserve dispatch order.
//
// Cancellation only stops new submissions: a call already handed to the
// provider drains to its terminal state so billed usage is never orphaned.
// The per-attempt timeout in the guard still bounds each drained call.
func (o *Orchestrator) dispatchProvider(ctx context.Context, req Request, caller Caller, summary *model.CallSummary, mu *sync.Mutex, onResponse ResponseFunc) {
	callCtx := context.WithoutCancel(ctx)

	for _, q := range req.Queries {
		if ctx.Err() != nil {
			return
		}

		call, resp := o.callOnce(callCtx, req, caller, q, "")

		// A failed primary call routes to the fallback provider unless the
		// run itself is being cancelled.
		if call.Status != model.CallSucceeded && ctx.Err() == nil {
			if fbName := o.fallbacks[caller.Name()]; fbName != "" {
				if fb := o.callers[fbName]; fb != nil {
					o.record(summary, mu, call, resp, onResponse)
					call, resp = o.callOnce(callCtx, req, fb, q, caller.Name())
				}
			}
		}

		o.record(summary, mu, call, resp, onResponse)
	}
}

func (o *Orchestrator) callOnce(ctx context.Context, req Request, caller Caller, q model.Query, fallbackFor string) (model.ProviderCall, *model.RawResponse) {
	prompt := provider.Prompt{
		Text:      q.Text,
		System:    req.System,
		MaxTokens: req.MaxTokens,
	}

	start := o.nowFunc()
	result, err := caller.Complete(ctx, prompt)

	call := model.ProviderCall{
		RunID:       req.RunID,
		QueryID:     q.ID,
		Provider:    caller.Name(),
		FallbackFor: fallbackFor,
		LatencyMS:   o.nowFunc().Sub(start).Milliseconds(),
	}
	if result != nil {
		call.Attempt = result.Attempts
		call.CacheHit = result.CacheHit
	}

	if err != nil {
		call.Status = classifyCallStatus(err)
		call.Error = err.Error()
		zap.L().Warn("orchestrator: provider call failed",
			zap.String("run_id", req.RunID),
			zap.String("provider", caller.Name()),
			zap.String("query_id", q.ID),
			zap.String("status", string(call.Status)),
			zap.String("error", err.Error()),
		)
		return call, nil
	}

	call.Status = model.CallSucceeded
	call.InputTokens = int64(result.Completion.InputTokens)
	call.OutputTokens = int64(result.Completion.OutputTokens)

	resp := &model.RawResponse{
		RunID:     req.RunID,
		QueryID:   q.ID,
		Provider:  caller.Name(),
		Category:  q.Category,
		Text:      result.Completion.Text,
		CreatedAt: o.nowFunc(),
	}
	return call, resp
}

func (o *Orchestrator) record(summary *model.CallSummary, mu *sync.Mutex, call model.ProviderCall, resp *model.RawResponse, onResponse ResponseFunc) {
	mu.Lock()
	summary.Attempted++
	switch {
	case call.Status == model.CallSucceeded && call.CacheHit:
		summary.Succeeded++
		summary.Cached++
	case call.Status == model.CallSucceeded:
		summary.Succeeded++
	default:
		summary.Failed++
	}
	if call.FallbackFor != "" {
		summary.Fallbacks++
	}
	mu.Unlock()

	if onResponse != nil {
		onResponse(call, resp)
	}
}

func classifyCallStatus(err error) model.CallStatus {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return model.CallCircuitOpen
	case resilience.IsTimeout(err):
		return model.CallTimedOut
	default:
		return model.CallFailed
	}
}
