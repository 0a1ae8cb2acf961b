// Package worker consumes the extraction queue and drives each task through
// its lifecycle: claim, run the multi-pass extraction, aggregate, persist
// and notify. All status mutations go through the store's compare-and-swap
// methods so a concurrent revoke always wins cleanly.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/extraq/cache"
	"github.com/hazyhaar/extraq/engine"
	"github.com/hazyhaar/extraq/observability"
	"github.com/hazyhaar/extraq/task"
	"github.com/hazyhaar/extraq/vtq"
	"github.com/hazyhaar/extraq/webhook"
)

// errRevoked reports that a cancellation request was observed mid-run.
var errRevoked = errors.New("worker: task revoked")

// Deps are the collaborators a Runner needs. Cache, Fetcher and Webhooks
// are optional; a nil Fetcher makes document_url tasks fail.
type Deps struct {
	Store    *task.Store
	Queue    *vtq.Q
	Engines  *engine.Registry
	Cache    *cache.Manager
	Fetcher  engine.Fetcher
	Webhooks *webhook.Dispatcher
	Events   *observability.EventLogger
}

// Options tunes the Runner. Zero values pick the defaults.
type Options struct {
	// MaxRetries bounds task-level retries of retryable failures. Default 3.
	MaxRetries int
	// MalformedRetries is how many extra attempts a single pass gets when
	// the model reply does not parse. Default 2.
	MalformedRetries int
	// TaskTimeout is the wall-clock budget for one execution. Default 5m.
	// Keep it below the queue's visibility timeout.
	TaskTimeout time.Duration
	// RetryBaseDelay seeds the re-enqueue backoff. Default 2s.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the re-enqueue backoff. Default 60s.
	RetryMaxDelay time.Duration
	// ConsensusConcurrency bounds parallel provider fan-out. Default 4.
	ConsensusConcurrency int
	// StrictConsensus fails the task when any provider fails. The default
	// tolerates failures as long as two providers deliver.
	StrictConsensus bool
	// DefaultThreshold is used when a consensus task leaves the agreement
	// threshold unset. Default 0.5.
	DefaultThreshold float64
	// WebhookTimeout bounds the detached delivery goroutine. Default 2m.
	WebhookTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.MalformedRetries <= 0 {
		o.MalformedRetries = 2
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 5 * time.Minute
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 2 * time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = time.Minute
	}
	if o.ConsensusConcurrency <= 0 {
		o.ConsensusConcurrency = 4
	}
	if o.DefaultThreshold <= 0 {
		o.DefaultThreshold = 0.5
	}
	if o.WebhookTimeout <= 0 {
		o.WebhookTimeout = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Runner executes extraction tasks claimed from the queue.
type Runner struct {
	deps Deps
	opts Options
	log  *slog.Logger
	wg   sync.WaitGroup
}

// New wires a Runner.
func New(deps Deps, opts Options) *Runner {
	opts.defaults()
	return &Runner{deps: deps, opts: opts, log: opts.Logger}
}

// Run consumes the queue until ctx is cancelled, then waits for in-flight
// webhook deliveries.
func (r *Runner) Run(ctx context.Context, batchSize, maxConcurrency int) {
	r.deps.Queue.Run(ctx, batchSize, maxConcurrency, r.Handle)
	r.wg.Wait()
}

// Handle processes one claimed job. The job id is the task id.
func (r *Runner) Handle(ctx context.Context, job *vtq.Job) error {
	t, err := r.deps.Store.Get(ctx, job.ID)
	if errors.Is(err, task.ErrNotFound) {
		r.log.Warn("job references missing task, dropping", "task_id", job.ID)
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case t.Status == task.StatusQueued:
		if err := r.deps.Store.Transition(ctx, t.ID, task.StatusQueued, task.StatusRunning); err != nil {
			if errors.Is(err, task.ErrInvalidState) {
				// Revoked or raced with another consumer. Drop the job.
				return nil
			}
			return err
		}
	case t.Status == task.StatusRunning:
		// Redelivery: either our own retry backoff fired or a previous
		// attempt died past the visibility timeout. Bump updated_at and
		// take the task over.
		if err := r.deps.Store.Transition(ctx, t.ID, task.StatusRunning, task.StatusRunning); err != nil {
			if errors.Is(err, task.ErrInvalidState) {
				return nil
			}
			return err
		}
	case t.Status == task.StatusSubmitted:
		// The gateway publishes the job before flipping the task to
		// queued; a fast consumer can claim it inside that window. Put
		// the job back with a short delay so the transition can land.
		if err := r.deps.Queue.NackAfter(ctx, job.ID, time.Second); err != nil {
			return err
		}
		r.log.Debug("job ahead of its task, rescheduled", "task_id", t.ID)
		return vtq.ErrRescheduled
	default:
		// Terminal: duplicate delivery.
		return nil
	}
	r.logEvent(ctx, t.ID, observability.EventStarted, t.Status, task.StatusRunning, "")

	if t.CancelRequested {
		return r.revoke(ctx, t)
	}

	res, resultKey, err := r.execute(ctx, t)
	switch {
	case err == nil:
		return r.succeed(ctx, t, res, resultKey)
	case errors.Is(err, errRevoked):
		return r.revoke(ctx, t)
	default:
		return r.fail(ctx, t, err)
	}
}

func (r *Runner) succeed(ctx context.Context, t *task.Task, res *task.Result, resultKey string) error {
	if err := r.deps.Store.Succeed(ctx, t.ID, res); err != nil {
		if errors.Is(err, task.ErrInvalidState) {
			// Revoked underneath us; the result is discarded.
			return nil
		}
		return err
	}
	if resultKey != "" && !res.Metadata.CacheHit && r.deps.Cache != nil {
		if b, err := json.Marshal(res); err == nil {
			r.deps.Cache.Result().Put(ctx, resultKey, b)
		}
	}
	r.logEvent(ctx, t.ID, observability.EventSucceeded, task.StatusRunning, task.StatusSuccess, "")
	r.log.Info("task succeeded",
		"task_id", t.ID,
		"entities", len(res.Entities),
		"passes", res.Metadata.Passes,
		"cache_hit", res.Metadata.CacheHit,
		"elapsed_ms", res.Metadata.LatencyMS,
	)
	r.notify(t, task.StatusSuccess, res, "")
	return nil
}

func (r *Runner) revoke(ctx context.Context, t *task.Task) error {
	if err := r.deps.Store.Transition(ctx, t.ID, task.StatusRunning, task.StatusRevoked); err != nil {
		if errors.Is(err, task.ErrInvalidState) {
			return nil
		}
		return err
	}
	r.logEvent(ctx, t.ID, observability.EventRevoked, task.StatusRunning, task.StatusRevoked, "")
	r.log.Info("task revoked mid-run", "task_id", t.ID)
	r.notify(t, task.StatusRevoked, nil, "")
	return nil
}

func (r *Runner) fail(ctx context.Context, t *task.Task, cause error) error {
	if engine.Retryable(cause) {
		n, err := r.deps.Store.IncRetries(ctx, t.ID)
		if err != nil && !errors.Is(err, task.ErrInvalidState) && !errors.Is(err, task.ErrNotFound) {
			return err
		}
		if err == nil && n <= r.opts.MaxRetries {
			delay := r.retryDelay(n)
			if nerr := r.deps.Queue.NackAfter(ctx, t.ID, delay); nerr != nil {
				return nerr
			}
			r.logEvent(ctx, t.ID, observability.EventRetried, task.StatusRunning, task.StatusRunning, cause.Error())
			r.log.Warn("task retry scheduled",
				"task_id", t.ID,
				"retry", n,
				"delay", delay,
				"error", cause,
			)
			return vtq.ErrRescheduled
		}
	}

	if err := r.deps.Store.Fail(ctx, t.ID, cause.Error()); err != nil {
		if errors.Is(err, task.ErrInvalidState) {
			return nil
		}
		return err
	}
	r.logEvent(ctx, t.ID, observability.EventFailed, task.StatusRunning, task.StatusFailure, cause.Error())
	r.log.Error("task failed", "task_id", t.ID, "error", cause, "kind", engine.KindOf(cause))
	r.notify(t, task.StatusFailure, nil, cause.Error())
	return nil
}

func (r *Runner) retryDelay(n int) time.Duration {
	delay := r.opts.RetryBaseDelay << (n - 1)
	if delay > r.opts.RetryMaxDelay || delay <= 0 {
		delay = r.opts.RetryMaxDelay
	}
	return delay
}

// notify hands the terminal state to the webhook dispatcher on a detached
// goroutine. Delivery outcome never reaches task state.
func (r *Runner) notify(t *task.Task, status task.Status, res *task.Result, errMsg string) {
	if r.deps.Webhooks == nil || t.Callback == nil {
		return
	}
	payload := webhook.Payload{TaskID: t.ID, Status: status, Result: res, Error: errMsg}
	cb := *t.Callback

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WebhookTimeout)
		defer cancel()
		if err := r.deps.Webhooks.Deliver(ctx, cb, payload); err != nil {
			r.logEvent(ctx, t.ID, observability.EventWebhookLost, "", "", err.Error())
			return
		}
		r.logEvent(ctx, t.ID, observability.EventWebhookSent, "", "", "")
	}()
}

func (r *Runner) logEvent(ctx context.Context, id, eventType string, from, to task.Status, details string) {
	ev := observability.TaskEvent{
		TaskID:     id,
		EventType:  eventType,
		FromStatus: string(from),
		ToStatus:   string(to),
		Success:    details == "",
	}
	if details != "" {
		b, _ := json.Marshal(map[string]string{"error": details})
		ev.Details = string(b)
	}
	r.deps.Events.LogEvent(ctx, ev)
}

// checkCancel polls the cancel flag between units of work.
func (r *Runner) checkCancel(ctx context.Context, id string) error {
	requested, err := r.deps.Store.CancelRequested(ctx, id)
	if err != nil {
		return fmt.Errorf("check cancel flag: %w", err)
	}
	if requested {
		return errRevoked
	}
	return nil
}
