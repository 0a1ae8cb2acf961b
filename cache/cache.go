package cache

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/extraq/fingerprint"
)

// Tier wraps a Backend with a fixed TTL and a name for logging. Cache
// failures are logged and treated as misses — a broken cache must never
// break extraction.
type Tier struct {
	name string
	be   Backend
	ttl  time.Duration
	log  *slog.Logger
}

// Get returns the cached value, or ok=false on miss or backend error.
func (t *Tier) Get(ctx context.Context, key string) ([]byte, bool) {
	v, ok, err := t.be.Get(ctx, key)
	if err != nil {
		t.log.Warn("cache: get failed", "tier", t.name, "error", err)
		return nil, false
	}
	return v, ok
}

// Put stores value; a live entry under the same key stands (first writer
// wins). Errors are logged only.
func (t *Tier) Put(ctx context.Context, key string, value []byte) {
	if err := t.be.Put(ctx, key, value, t.ttl); err != nil {
		t.log.Warn("cache: put failed", "tier", t.name, "error", err)
	}
}

// Manager owns the two independent tiers.
type Manager struct {
	response *Tier
	result   *Tier
}

// ManagerOptions configures tier TTLs and logging.
type ManagerOptions struct {
	// ResponseTTL for per-model-call completions. Default: 1h.
	ResponseTTL time.Duration
	// ResultTTL for whole extraction results. Default: 24h.
	ResultTTL time.Duration
	Logger    *slog.Logger
}

// NewManager builds a Manager over two (possibly identical) backends.
func NewManager(response, result Backend, opts ManagerOptions) *Manager {
	if opts.ResponseTTL <= 0 {
		opts.ResponseTTL = time.Hour
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		response: &Tier{name: "response", be: response, ttl: opts.ResponseTTL, log: opts.Logger},
		result:   &Tier{name: "result", be: result, ttl: opts.ResultTTL, log: opts.Logger},
	}
}

// Response is the per-model-call tier. Workers running multiple passes
// against one provider must bypass it for every pass after the first, or the
// passes would all return the same cached completion and confidence scores
// would be meaningless.
func (m *Manager) Response() *Tier { return m.response }

// Result is the whole-result tier; a hit short-circuits the entire worker
// algorithm.
func (m *Manager) Result() *Tier { return m.result }

// ResponseKey fingerprints one model call: normalized prompt text, model
// identifier and sampling parameters.
func ResponseKey(prompt, model string, params map[string]any) string {
	key, err := fingerprint.JSON(struct {
		Prompt string         `json:"prompt"`
		Model  string         `json:"model"`
		Params map[string]any `json:"params,omitempty"`
	}{
		Prompt: strings.TrimSpace(prompt),
		Model:  model,
		Params: params,
	})
	if err != nil {
		// Only unmarshalable params can land here; fall back to the stable
		// portion of the key.
		return fingerprint.Text(strings.TrimSpace(prompt) + "\x1f" + model)
	}
	return "resp:" + key
}

// ResultKeySpec is the full identity of an extraction run. Append-only:
// field order is part of the fingerprint.
type ResultKeySpec struct {
	DocHash     string   `json:"doc_hash"`
	Prompt      string   `json:"prompt"`
	Examples    string   `json:"examples,omitempty"`
	Model       string   `json:"model"`
	Temperature float64  `json:"temperature"`
	Passes      int      `json:"passes"`
	Providers   []string `json:"providers,omitempty"`
	Threshold   float64  `json:"threshold,omitempty"`
}

// ResultKey fingerprints a whole extraction run. Two submissions with
// identical inputs map to the same key across restarts and workers.
func ResultKey(spec ResultKeySpec) (string, error) {
	key, err := fingerprint.JSON(spec)
	if err != nil {
		return "", err
	}
	return "result:" + key, nil
}
