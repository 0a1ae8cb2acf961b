package engine_test

import (
	"context"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/extraq/engine"
	"github.com/hazyhaar/extraq/urlcheck"
)

type publicResolver struct{}

func (publicResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func stubClient(status int, body string) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     make(http.Header),
			Request:    r,
		}, nil
	})}
}

func publicValidator() *urlcheck.Validator {
	return urlcheck.New(urlcheck.WithResolver(publicResolver{}))
}

func TestHTTPFetcherFetch(t *testing.T) {
	f := engine.NewHTTPFetcher(publicValidator(),
		engine.WithFetchClient(stubClient(http.StatusOK, "Invoice INV-7 total 12.00")))

	text, err := f.Fetch(context.Background(), "https://docs.example.com/inv7.txt")
	require.NoError(t, err)
	require.Equal(t, "Invoice INV-7 total 12.00", text)
}

func TestHTTPFetcherBlockedURL(t *testing.T) {
	f := engine.NewHTTPFetcher(publicValidator(),
		engine.WithFetchClient(stubClient(http.StatusOK, "should never be reached")))

	for _, raw := range []string{
		"http://169.254.169.254/latest/meta-data",
		"http://127.0.0.1:8080/doc",
		"ftp://docs.example.com/doc",
	} {
		_, err := f.Fetch(context.Background(), raw)
		require.Error(t, err, "url %s", raw)
		require.Equal(t, engine.KindFetch, engine.KindOf(err))
		require.ErrorIs(t, err, urlcheck.ErrRejected)
	}
}

func TestHTTPFetcherBadStatus(t *testing.T) {
	f := engine.NewHTTPFetcher(publicValidator(),
		engine.WithFetchClient(stubClient(http.StatusNotFound, "gone")))

	_, err := f.Fetch(context.Background(), "https://docs.example.com/missing.txt")
	require.Error(t, err)
	require.Equal(t, engine.KindFetch, engine.KindOf(err))
	require.True(t, engine.Retryable(err))
}

func TestHTTPFetcherSizeCap(t *testing.T) {
	f := engine.NewHTTPFetcher(publicValidator(),
		engine.WithFetchClient(stubClient(http.StatusOK, strings.Repeat("x", 100))),
		engine.WithMaxDocumentBytes(64))

	_, err := f.Fetch(context.Background(), "https://docs.example.com/big.txt")
	require.Error(t, err)
	require.Equal(t, engine.KindFetch, engine.KindOf(err))
}

func TestHTTPFetcherEmptyBody(t *testing.T) {
	f := engine.NewHTTPFetcher(publicValidator(),
		engine.WithFetchClient(stubClient(http.StatusOK, "")))

	_, err := f.Fetch(context.Background(), "https://docs.example.com/empty.txt")
	require.Error(t, err)
}
