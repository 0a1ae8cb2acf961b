package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/extraq/cache"
	"github.com/hazyhaar/extraq/engine"
	"github.com/hazyhaar/extraq/fingerprint"
	"github.com/hazyhaar/extraq/merge"
	"github.com/hazyhaar/extraq/observability"
	"github.com/hazyhaar/extraq/task"
)

// execute runs the full extraction for one task and returns the result plus
// the result-cache key it should be stored under ("" when caching is off).
func (r *Runner) execute(ctx context.Context, t *task.Task) (*task.Result, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.TaskTimeout)
	defer cancel()
	start := time.Now()

	text, err := r.documentText(ctx, t)
	if err != nil {
		return nil, "", err
	}

	threshold := t.Spec.ConsensusThreshold
	if t.Consensus() && threshold == 0 {
		threshold = r.opts.DefaultThreshold
	}

	var resultKey string
	if r.deps.Cache != nil && !t.Spec.DisableCache {
		resultKey, err = cache.ResultKey(cache.ResultKeySpec{
			DocHash:     fingerprint.Text(text),
			Prompt:      t.Spec.Prompt,
			Examples:    string(t.Spec.Examples),
			Model:       t.Spec.Model,
			Temperature: t.Spec.Temperature,
			Passes:      t.Passes,
			Providers:   t.ProviderList(),
			Threshold:   threshold,
		})
		if err != nil {
			return nil, "", fmt.Errorf("result cache key: %w", err)
		}
		if raw, ok := r.deps.Cache.Result().Get(ctx, resultKey); ok {
			var res task.Result
			if err := json.Unmarshal(raw, &res); err == nil {
				res.Metadata.CacheHit = true
				res.Metadata.LatencyMS = time.Since(start).Milliseconds()
				r.logEvent(ctx, t.ID, observability.EventCacheHit, "", "", "")
				r.log.Info("result cache hit", "task_id", t.ID)
				return &res, resultKey, nil
			}
		}
	}

	var res *task.Result
	if t.Consensus() {
		res, err = r.runConsensus(ctx, t, text, threshold)
	} else {
		res, err = r.runSingle(ctx, t, text)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, "", engine.Errf(engine.KindTransport, "", "task timed out after %s", r.opts.TaskTimeout)
		}
		return nil, "", err
	}
	res.Metadata.LatencyMS = time.Since(start).Milliseconds()
	return res, resultKey, nil
}

func (r *Runner) documentText(ctx context.Context, t *task.Task) (string, error) {
	if t.RawText != "" {
		return t.RawText, nil
	}
	if r.deps.Fetcher == nil {
		return "", engine.Errf(engine.KindFetch, "", "no document fetcher configured")
	}
	return r.deps.Fetcher.Fetch(ctx, t.DocumentURL)
}

func (r *Runner) runSingle(ctx context.Context, t *task.Task, text string) (*task.Result, error) {
	eng, err := r.deps.Engines.Get(t.Provider)
	if err != nil {
		return nil, err
	}
	entities, passes, tokens, err := r.runProvider(ctx, t, eng, t.Provider, text)
	if err != nil {
		return nil, err
	}
	return &task.Result{
		Entities: entities,
		Metadata: task.ResultMeta{
			Provider:   t.Provider,
			Passes:     passes,
			TokensUsed: tokens,
		},
	}, nil
}

// runConsensus fans the task out to every consensus provider and merges the
// per-provider aggregates. Unless StrictConsensus is set, individual
// provider failures are tolerated as long as two providers deliver.
func (r *Runner) runConsensus(ctx context.Context, t *task.Task, text string, threshold float64) (*task.Result, error) {
	providers := t.Spec.ConsensusProviders

	type outcome struct {
		entities []merge.Entity
		passes   int
		tokens   int
		err      error
	}
	outcomes := make([]outcome, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.ConsensusConcurrency)
	for i, name := range providers {
		g.Go(func() error {
			eng, err := r.deps.Engines.Get(name)
			if err == nil {
				outcomes[i].entities, outcomes[i].passes, outcomes[i].tokens, err =
					r.runProvider(gctx, t, eng, name, text)
			}
			if err != nil {
				if r.opts.StrictConsensus || errors.Is(err, errRevoked) {
					return err
				}
				outcomes[i].err = err
				r.log.Warn("consensus provider failed, continuing",
					"task_id", t.ID, "provider", name, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		results   []merge.ProviderResult
		delivered []string
		passes    int
		tokens    int
		firstErr  error
	)
	for i, name := range providers {
		o := outcomes[i]
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		results = append(results, merge.ProviderResult{Provider: name, Entities: o.entities})
		delivered = append(delivered, name)
		if o.passes > passes {
			passes = o.passes
		}
		tokens += o.tokens
	}
	if len(results) < 2 {
		if firstErr != nil {
			return nil, fmt.Errorf("consensus: %d of %d providers delivered: %w",
				len(results), len(providers), firstErr)
		}
		return nil, merge.ErrTooFewProviders
	}

	cres, err := merge.Consensus(results, threshold)
	if err != nil {
		return nil, err
	}
	return &task.Result{
		Entities: cres.Entities,
		Metadata: task.ResultMeta{
			Provider:   cres.Provider,
			Providers:  delivered,
			Passes:     passes,
			TokensUsed: tokens,
			Similarity: cres.Similarity,
		},
	}, nil
}

// runProvider executes the multi-pass loop for one provider, stopping early
// when a pass adds nothing new over the previous one.
func (r *Runner) runProvider(ctx context.Context, t *task.Task, eng engine.Engine, provider, text string) ([]merge.Entity, int, int, error) {
	agg := merge.NewAggregator(merge.Options{SpanOverlap: t.Spec.MatchSpanOverlap})
	tokens := 0

	for pass := 1; pass <= t.Passes; pass++ {
		if err := r.checkCancel(ctx, t.ID); err != nil {
			return nil, 0, 0, err
		}

		pr, err := r.runPass(ctx, eng, provider, t, text, pass)
		if err != nil {
			return nil, 0, 0, err
		}
		tokens += pr.TokensUsed

		if agg.AddPass(pr) {
			r.log.Debug("passes converged early",
				"task_id", t.ID, "provider", provider, "pass", pass)
			break
		}
	}
	return agg.Entities(), agg.Passes(), tokens, nil
}

// runPass runs one pass, retrying unparseable replies a bounded number of
// times. A fresh sample usually parses.
func (r *Runner) runPass(ctx context.Context, eng engine.Engine, provider string, t *task.Task, text string, pass int) (merge.PassResult, error) {
	req := engine.Request{
		Text:        text,
		Prompt:      t.Spec.Prompt,
		Examples:    t.Spec.Examples,
		Model:       t.Spec.Model,
		Temperature: t.Spec.Temperature,
		Pass:        pass,
		// Later passes must be fresh samples, not replays of the first.
		BypassResponseCache: pass > 1,
		Extra:               t.Spec.Extra,
	}

	var lastErr error
	for attempt := 0; attempt <= r.opts.MalformedRetries; attempt++ {
		pr, err := eng.Run(ctx, req)
		if err == nil {
			return pr, nil
		}
		lastErr = err
		if engine.KindOf(err) != engine.KindMalformedOutput {
			break
		}
		r.log.Warn("pass reply unparseable, resampling",
			"task_id", t.ID, "provider", provider, "pass", pass, "attempt", attempt+1)
		// Force a fresh sample on the retry even for pass one.
		req.BypassResponseCache = true
	}
	return merge.PassResult{}, lastErr
}
