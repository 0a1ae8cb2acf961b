// Package task owns the extraction task record: its lifecycle state machine,
// the durable SQLite store with compare-and-swap transitions, and the
// idempotency index for deduplicating retried submissions.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/extraq/merge"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusRevoked   Status = "revoked"
)

var terminalStatuses = map[Status]bool{
	StatusSuccess: true,
	StatusFailure: true,
	StatusRevoked: true,
}

// Transitions are monotonic: no path re-enters an earlier state. running →
// running is the internal retry loop, which keeps the externally visible
// status unchanged.
var validTransitions = map[Status]map[Status]bool{
	StatusSubmitted: {
		StatusQueued:  true,
		StatusRevoked: true,
	},
	StatusQueued: {
		StatusRunning: true,
		StatusRevoked: true,
	},
	StatusRunning: {
		StatusRunning: true,
		StatusSuccess: true,
		StatusFailure: true,
		StatusRevoked: true,
	},
}

// IsTerminal reports whether s permits no further transitions.
func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// ValidateTransition returns an error when from → to is not permitted.
func ValidateTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition: %q → %q", from, to)
	}
	return nil
}

// Callback describes where to deliver the result webhook.
type Callback struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ResultMeta carries provenance and usage accounting alongside the entities.
type ResultMeta struct {
	Provider   string   `json:"provider"`
	Providers  []string `json:"providers,omitempty"`
	Passes     int      `json:"passes"`
	TokensUsed int      `json:"tokens_used"`
	LatencyMS  int64    `json:"processing_time_ms"`
	Similarity float64  `json:"consensus_similarity,omitempty"`
	CacheHit   bool     `json:"cache_hit,omitempty"`
}

// Result is the terminal success payload.
type Result struct {
	Entities []merge.Entity `json:"entities"`
	Metadata ResultMeta     `json:"metadata"`
}

// ExtractionSpec is the extraction configuration block. The orchestration
// core passes Prompt/Examples/Extra through to the engine untouched; the
// consensus and matching fields drive the worker algorithm.
type ExtractionSpec struct {
	Prompt      string          `json:"prompt,omitempty"`
	Examples    json.RawMessage `json:"examples,omitempty"`
	Model       string          `json:"model,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`

	// ConsensusProviders, when set (≥2), fans the task out to each listed
	// provider and merges the results. ConsensusThreshold is the minimum
	// agreement fraction in [0,1].
	ConsensusProviders []string `json:"consensus_providers,omitempty"`
	ConsensusThreshold float64  `json:"consensus_threshold,omitempty"`

	// MatchSpanOverlap opts in to fuzzy span refinement when matching
	// entities across passes/providers. 0 keeps exact class+text matching.
	MatchSpanOverlap float64 `json:"match_span_overlap,omitempty"`

	// DisableCache bypasses the result-tier cache for this task.
	DisableCache bool `json:"disable_cache,omitempty"`

	// Extra is passed through to the engine without interpretation.
	Extra map[string]any `json:"extra,omitempty"`
}

// Task is one client-submitted extraction request and its lifecycle record.
// Exactly one of DocumentURL and RawText is set. Mutations of the persisted
// record go through the Store's compare-and-swap methods only.
type Task struct {
	ID      string `json:"task_id"`
	Status  Status `json:"status"`

	DocumentURL string         `json:"document_url,omitempty"`
	RawText     string         `json:"raw_text,omitempty"`
	Provider    string         `json:"provider"`
	Passes      int            `json:"passes"`
	Spec        ExtractionSpec `json:"extraction_config"`

	Retries         int       `json:"retries"`
	Result          *Result   `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
	Callback        *Callback `json:"-"`
	CancelRequested bool      `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Consensus reports whether the task requests a cross-provider merge.
func (t *Task) Consensus() bool {
	return len(t.Spec.ConsensusProviders) >= 2
}

// ProviderList is the set of providers the worker must run: the consensus
// list when present, otherwise the single configured provider.
func (t *Task) ProviderList() []string {
	if t.Consensus() {
		return t.Spec.ConsensusProviders
	}
	return []string{t.Provider}
}
