package engine_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/extraq/engine"
)

func TestErrorRetryable(t *testing.T) {
	cases := []struct {
		kind      engine.Kind
		retryable bool
	}{
		{engine.KindMalformedOutput, true},
		{engine.KindTransport, true},
		{engine.KindFetch, true},
		{engine.KindAuth, false},
		{engine.KindRateLimit, false},
	}
	for _, tc := range cases {
		err := engine.Errf(tc.kind, "p", "boom")
		require.Equal(t, tc.retryable, engine.Retryable(err), "kind %s", tc.kind)
	}
}

func TestRetryableUnknownError(t *testing.T) {
	// Errors outside the taxonomy get the retry budget, not instant failure.
	require.True(t, engine.Retryable(errors.New("something else")))
}

func TestRetryableWrapped(t *testing.T) {
	inner := engine.Errf(engine.KindAuth, "openai", "401")
	wrapped := fmt.Errorf("provider openai: %w", inner)
	require.False(t, engine.Retryable(wrapped))
	require.Equal(t, engine.KindAuth, engine.KindOf(wrapped))
}

func TestKindOfNonEngineError(t *testing.T) {
	require.Equal(t, engine.Kind(""), engine.KindOf(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	err := engine.Errf(engine.KindTransport, "local", "dial: %w", errors.New("refused"))
	require.Contains(t, err.Error(), "local")
	require.Contains(t, err.Error(), "transport")
	require.Contains(t, err.Error(), "refused")
}
