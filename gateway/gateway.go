// Package gateway is the submission front of the orchestration layer: it
// validates incoming extraction requests, applies idempotent-submission
// semantics, persists the task record and enqueues the extraction job.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/extraq/idgen"
	"github.com/hazyhaar/extraq/observability"
	"github.com/hazyhaar/extraq/task"
	"github.com/hazyhaar/extraq/urlcheck"
	"github.com/hazyhaar/extraq/vtq"
)

// ErrInvalidSubmission marks submissions rejected before any state is
// created. The HTTP layer maps it to 400.
var ErrInvalidSubmission = errors.New("invalid submission")

// SubmitRequest is a validated-in-shape extraction submission.
type SubmitRequest struct {
	DocumentURL    string
	RawText        string
	Provider       string
	Passes         int
	Spec           task.ExtractionSpec
	Callback       *task.Callback
	IdempotencyKey string
}

// Options configures a Gateway.
type Options struct {
	// IDGenerator mints task IDs. Defaults to "tsk_"-prefixed UUIDv7.
	IDGenerator idgen.Generator
	// Events receives lifecycle events. Optional.
	Events *observability.EventLogger
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.IDGenerator == nil {
		o.IDGenerator = idgen.Prefixed("tsk_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Gateway accepts, deduplicates and enqueues extraction tasks.
type Gateway struct {
	store  *task.Store
	index  *task.IdempotencyIndex
	queue  *vtq.Q
	urls   *urlcheck.Validator
	newID  idgen.Generator
	events *observability.EventLogger
	log    *slog.Logger
}

// New wires a Gateway.
func New(store *task.Store, index *task.IdempotencyIndex, queue *vtq.Q, urls *urlcheck.Validator, opts Options) *Gateway {
	opts.defaults()
	return &Gateway{
		store:  store,
		index:  index,
		queue:  queue,
		urls:   urls,
		newID:  opts.IDGenerator,
		events: opts.Events,
		log:    opts.Logger,
	}
}

// Submit accepts a new extraction request. The returned bool reports whether
// a new task was created; false means the idempotency key matched a live
// earlier submission and that task is returned instead.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (*task.Task, bool, error) {
	if err := g.validate(ctx, req); err != nil {
		return nil, false, err
	}

	// Fast path: a live key wins without creating anything.
	if req.IdempotencyKey != "" {
		if id, err := g.index.Lookup(ctx, req.IdempotencyKey); err != nil {
			return nil, false, fmt.Errorf("idempotency lookup: %w", err)
		} else if id != "" {
			t, err := g.store.Get(ctx, id)
			if err == nil {
				g.log.Info("submission deduplicated", "task_id", t.ID, "key", req.IdempotencyKey)
				return t, false, nil
			}
			if !errors.Is(err, task.ErrNotFound) {
				return nil, false, err
			}
			// Standing winner vanished; fall through and claim anew.
		}
	}

	t := &task.Task{
		ID:          g.newID(),
		Status:      task.StatusSubmitted,
		DocumentURL: req.DocumentURL,
		RawText:     req.RawText,
		Provider:    req.Provider,
		Passes:      req.Passes,
		Spec:        req.Spec,
		Callback:    req.Callback,
	}
	if t.Passes <= 0 {
		t.Passes = 1
	}
	if err := g.store.Create(ctx, t); err != nil {
		return nil, false, fmt.Errorf("create task: %w", err)
	}

	if req.IdempotencyKey != "" {
		winner, err := g.index.Claim(ctx, req.IdempotencyKey, t.ID)
		if err != nil {
			g.discard(ctx, t.ID)
			return nil, false, fmt.Errorf("idempotency claim: %w", err)
		}
		if winner != t.ID {
			// Lost a concurrent race: drop our record, hand back the winner.
			g.discard(ctx, t.ID)
			wt, err := g.store.Get(ctx, winner)
			if err != nil {
				return nil, false, fmt.Errorf("load winning task %s: %w", winner, err)
			}
			g.log.Info("submission deduplicated", "task_id", winner, "key", req.IdempotencyKey)
			return wt, false, nil
		}
	}

	g.logEvent(ctx, t.ID, observability.EventSubmitted, "", task.StatusSubmitted)

	if err := g.queue.Publish(ctx, t.ID, []byte(t.ID)); err != nil {
		return nil, false, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	if err := g.store.Transition(ctx, t.ID, task.StatusSubmitted, task.StatusQueued); err != nil {
		// A concurrent revoke can land between create and here; surface the
		// record as it now stands.
		if errors.Is(err, task.ErrInvalidState) {
			cur, gerr := g.store.Get(ctx, t.ID)
			if gerr == nil {
				return cur, true, nil
			}
		}
		return nil, false, fmt.Errorf("mark task %s queued: %w", t.ID, err)
	}
	t.Status = task.StatusQueued
	g.logEvent(ctx, t.ID, observability.EventQueued, task.StatusSubmitted, task.StatusQueued)

	g.log.Info("task submitted",
		"task_id", t.ID,
		"provider", t.Provider,
		"passes", t.Passes,
		"consensus", t.Consensus(),
	)
	return t, true, nil
}

// Poll returns the current task record.
func (g *Gateway) Poll(ctx context.Context, id string) (*task.Task, error) {
	return g.store.Get(ctx, id)
}

// Revoke requests cancellation. Pending tasks are revoked immediately;
// running tasks are flagged and revoked cooperatively by the worker.
// Terminal tasks return task.ErrInvalidState.
func (g *Gateway) Revoke(ctx context.Context, id string) (task.Status, error) {
	st, err := g.store.RequestCancel(ctx, id)
	if err != nil {
		return st, err
	}
	if st == task.StatusRevoked {
		g.logEvent(ctx, id, observability.EventRevoked, "", task.StatusRevoked)
		g.log.Info("task revoked", "task_id", id)
	} else {
		g.log.Info("task cancellation requested", "task_id", id, "status", st)
	}
	return st, nil
}

func (g *Gateway) validate(ctx context.Context, req SubmitRequest) error {
	hasURL := req.DocumentURL != ""
	hasText := req.RawText != ""
	if hasURL == hasText {
		return fmt.Errorf("%w: exactly one of document_url and raw_text is required", ErrInvalidSubmission)
	}
	if req.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidSubmission)
	}
	if hasURL {
		if err := g.urls.Validate(ctx, req.DocumentURL, "document_url"); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
		}
	}
	if req.Callback != nil {
		if err := g.urls.Validate(ctx, req.Callback.URL, "callback_url"); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
		}
	}
	if len(req.Spec.ConsensusProviders) == 1 {
		return fmt.Errorf("%w: consensus_providers needs at least two entries", ErrInvalidSubmission)
	}
	if th := req.Spec.ConsensusThreshold; th < 0 || th > 1 {
		return fmt.Errorf("%w: consensus_threshold must be in [0,1]", ErrInvalidSubmission)
	}
	return nil
}

// discard removes a freshly created task that lost the idempotency race.
func (g *Gateway) discard(ctx context.Context, id string) {
	if err := g.store.Delete(ctx, id); err != nil && !errors.Is(err, task.ErrNotFound) {
		g.log.Warn("discard losing task failed", "task_id", id, "error", err)
	}
}

func (g *Gateway) logEvent(ctx context.Context, id, eventType string, from, to task.Status) {
	g.events.LogEvent(ctx, observability.TaskEvent{
		TaskID:     id,
		EventType:  eventType,
		FromStatus: string(from),
		ToStatus:   string(to),
		Success:    true,
	})
}
