package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/extraq/cache"
	"github.com/hazyhaar/extraq/engine"
)

func completionReply(t *testing.T, content string, tokens int) []byte {
	t.Helper()
	reply := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
		"usage": map[string]any{"total_tokens": tokens},
	}
	b, err := json.Marshal(reply)
	require.NoError(t, err)
	return b
}

func TestClientRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		require.Contains(t, req.Messages[1].Content, "invoice number")
		require.Contains(t, req.Messages[1].Content, "Invoice INV-42")

		w.Write(completionReply(t, `{"entities":[{"extraction_class":"invoice_number","extraction_text":"INV-42"}]}`, 321))
	}))
	defer srv.Close()

	c := engine.NewClient("openai", srv.URL, "test-key")
	pr, err := c.Run(context.Background(), engine.Request{
		Text:   "Invoice INV-42 dated 2024-01-05",
		Prompt: "Extract the invoice number.",
		Model:  "gpt-4o-mini",
	})
	require.NoError(t, err)
	require.Len(t, pr.Entities, 1)
	require.Equal(t, "invoice_number", pr.Entities[0].Class)
	require.Equal(t, "INV-42", pr.Entities[0].Text)
	require.Equal(t, 321, pr.TokensUsed)
}

func TestClientStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   engine.Kind
	}{
		{http.StatusUnauthorized, engine.KindAuth},
		{http.StatusForbidden, engine.KindAuth},
		{http.StatusTooManyRequests, engine.KindRateLimit},
		{http.StatusInternalServerError, engine.KindTransport},
		{http.StatusBadGateway, engine.KindTransport},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := engine.NewClient("openai", srv.URL, "k")
		_, err := c.Run(context.Background(), engine.Request{Model: "m", Prompt: "p", Text: "t"})
		require.Error(t, err, "status %d", tc.status)
		require.Equal(t, tc.kind, engine.KindOf(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestClientMalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(completionReply(t, "I could not find any entities, sorry!", 10))
	}))
	defer srv.Close()

	c := engine.NewClient("openai", srv.URL, "k")
	_, err := c.Run(context.Background(), engine.Request{Model: "m", Prompt: "p", Text: "t"})
	require.Error(t, err)
	require.Equal(t, engine.KindMalformedOutput, engine.KindOf(err))
	require.True(t, engine.Retryable(err))
}

func TestClientResponseCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(completionReply(t, `[{"extraction_class":"total","extraction_text":"99.50"}]`, 50))
	}))
	defer srv.Close()

	mgr := cache.NewManager(cache.NewMemory(), cache.NewMemory(), cache.ManagerOptions{})
	c := engine.NewClient("openai", srv.URL, "k", engine.WithResponseCache(mgr.Response()))

	req := engine.Request{Model: "m", Prompt: "p", Text: "t", Pass: 1}
	pr, err := c.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int64(1), hits.Load())

	// Same request again: served from the response tier.
	pr2, err := c.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int64(1), hits.Load())
	require.Equal(t, pr.Entities, pr2.Entities)

	// A later pass bypasses the tier and reaches the provider.
	req.Pass = 2
	req.BypassResponseCache = true
	_, err = c.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int64(2), hits.Load())
}

func TestParseEntities(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    int
	}{
		{"envelope", `{"entities":[{"extraction_class":"a","extraction_text":"x"}]}`, 1},
		{"bare array", `[{"extraction_class":"a","extraction_text":"x"},{"extraction_class":"b","extraction_text":"y"}]`, 2},
		{"fenced", "```json\n{\"entities\":[{\"extraction_class\":\"a\",\"extraction_text\":\"x\"}]}\n```", 1},
		{"prose prefix", `Here you go: {"entities":[{"extraction_class":"a","extraction_text":"x"}]}`, 1},
		{"empty envelope", `{"entities":[]}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.ParseEntities(tc.content)
			require.NoError(t, err)
			require.Len(t, got, tc.want)
			for _, e := range got {
				require.Equal(t, 1.0, e.Confidence)
			}
		})
	}
}

func TestParseEntitiesRejects(t *testing.T) {
	for _, content := range []string{"", "no json here", "{broken"} {
		_, err := engine.ParseEntities(content)
		require.Error(t, err, "content %q", content)
	}
}
