// Package engine defines the extraction-engine boundary the orchestration
// core calls into: the Engine and Fetcher collaborator interfaces, the
// retryable/fatal error taxonomy, and an explicit provider Registry. It also
// ships a reference OpenAI-compatible HTTP client.
package engine

import (
	"context"
	"encoding/json"

	"github.com/hazyhaar/extraq/merge"
)

// Request is one extraction pass against one provider.
type Request struct {
	// Text is the full document text.
	Text string
	// Prompt describes what to extract.
	Prompt string
	// Examples is an opaque serialized few-shot block, passed through.
	Examples json.RawMessage
	// Model is the provider-specific model identifier.
	Model string
	// Temperature is the sampling temperature.
	Temperature float64
	// Pass is the 1-based pass number.
	Pass int
	// BypassResponseCache forces a fresh model call. The worker sets it for
	// every pass after the first so repeated passes are statistically
	// independent samples rather than replays of one cached completion.
	BypassResponseCache bool
	// Extra carries uninterpreted extraction-config fields.
	Extra map[string]any
}

// Engine runs one extraction pass. Implementations must honor ctx
// cancellation and return *Error values so the worker can tell retryable
// failures from fatal ones.
type Engine interface {
	Run(ctx context.Context, req Request) (merge.PassResult, error)
}

// Fetcher downloads a document handle into text.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}
