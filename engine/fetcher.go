package engine

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hazyhaar/extraq/urlcheck"
)

// DefaultMaxDocumentBytes caps how much of a remote document the fetcher
// reads. Anything larger is rejected rather than truncated.
const DefaultMaxDocumentBytes = 10 << 20

// HTTPFetcher downloads documents over HTTP after SSRF validation. Every
// URL goes through the validator before any connection is opened.
type HTTPFetcher struct {
	validator *urlcheck.Validator
	http      *http.Client
	maxBytes  int64
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithFetchClient overrides the default HTTP client (30s timeout).
func WithFetchClient(h *http.Client) FetcherOption {
	return func(f *HTTPFetcher) { f.http = h }
}

// WithMaxDocumentBytes overrides the document size cap.
func WithMaxDocumentBytes(n int64) FetcherOption {
	return func(f *HTTPFetcher) { f.maxBytes = n }
}

// NewHTTPFetcher builds a fetcher around the given validator.
func NewHTTPFetcher(v *urlcheck.Validator, opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		validator: v,
		http:      &http.Client{Timeout: 30 * time.Second},
		maxBytes:  DefaultMaxDocumentBytes,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch validates url and downloads its body as text.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := f.validator.Validate(ctx, url, "document_url"); err != nil {
		return "", Errf(KindFetch, "", "validate document url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", Errf(KindFetch, "", "build request: %w", err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return "", Errf(KindFetch, "", "fetch document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", Errf(KindFetch, "", "fetch document: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", Errf(KindFetch, "", "read document body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return "", Errf(KindFetch, "", "document exceeds %d bytes", f.maxBytes)
	}
	if len(body) == 0 {
		return "", Errf(KindFetch, "", "document body is empty")
	}
	return string(body), nil
}
