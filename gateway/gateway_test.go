package gateway_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/extraq/dbopen"
	"github.com/hazyhaar/extraq/gateway"
	"github.com/hazyhaar/extraq/task"
	"github.com/hazyhaar/extraq/urlcheck"
	"github.com/hazyhaar/extraq/vtq"

	_ "modernc.org/sqlite"
)

type publicResolver struct{}

func (publicResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
}

func setup(t *testing.T) (*gateway.Gateway, *task.Store, *vtq.Q) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	ctx := context.Background()

	store := task.NewStore(db)
	require.NoError(t, store.EnsureTable(ctx))
	index := task.NewIdempotencyIndex(db, time.Hour)
	require.NoError(t, index.EnsureTable(ctx))
	queue := vtq.New(db, vtq.Options{Queue: "extract"})
	require.NoError(t, queue.EnsureTable(ctx))

	urls := urlcheck.New(urlcheck.WithResolver(publicResolver{}))
	return gateway.New(store, index, queue, urls, gateway.Options{}), store, queue
}

func textRequest() gateway.SubmitRequest {
	return gateway.SubmitRequest{
		RawText:  "Invoice INV-9 total 12.00",
		Provider: "openai",
		Passes:   2,
		Spec:     task.ExtractionSpec{Prompt: "extract the invoice number"},
	}
}

func TestSubmitEnqueues(t *testing.T) {
	g, store, queue := setup(t)
	ctx := context.Background()

	tk, created, err := g.Submit(ctx, textRequest())
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, task.StatusQueued, tk.Status)
	require.Contains(t, tk.ID, "tsk_")

	stored, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusQueued, stored.Status)
	require.Equal(t, 2, stored.Passes)

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := queue.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, tk.ID, job.ID)
	require.Equal(t, tk.ID, string(job.Payload))
}

func TestSubmitDefaultsPasses(t *testing.T) {
	g, _, _ := setup(t)
	req := textRequest()
	req.Passes = 0

	tk, _, err := g.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, tk.Passes)
}

func TestSubmitValidation(t *testing.T) {
	g, _, _ := setup(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*gateway.SubmitRequest)
	}{
		{"neither document nor text", func(r *gateway.SubmitRequest) { r.RawText = "" }},
		{"both document and text", func(r *gateway.SubmitRequest) { r.DocumentURL = "https://docs.example.com/a" }},
		{"missing provider", func(r *gateway.SubmitRequest) { r.Provider = "" }},
		{"single consensus provider", func(r *gateway.SubmitRequest) {
			r.Spec.ConsensusProviders = []string{"openai"}
		}},
		{"threshold out of range", func(r *gateway.SubmitRequest) {
			r.Spec.ConsensusProviders = []string{"openai", "local"}
			r.Spec.ConsensusThreshold = 1.5
		}},
		{"blocked document url", func(r *gateway.SubmitRequest) {
			r.RawText = ""
			r.DocumentURL = "http://169.254.169.254/doc"
		}},
		{"blocked callback url", func(r *gateway.SubmitRequest) {
			r.Callback = &task.Callback{URL: "http://127.0.0.1/hook"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := textRequest()
			tc.mutate(&req)
			_, _, err := g.Submit(ctx, req)
			require.ErrorIs(t, err, gateway.ErrInvalidSubmission)
		})
	}
}

func TestSubmitIdempotent(t *testing.T) {
	g, _, queue := setup(t)
	ctx := context.Background()

	req := textRequest()
	req.IdempotencyKey = "client-key-1"

	first, created, err := g.Submit(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := g.Submit(ctx, req)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	// Only the first submission reached the queue.
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSubmitDistinctKeys(t *testing.T) {
	g, _, _ := setup(t)
	ctx := context.Background()

	a := textRequest()
	a.IdempotencyKey = "key-a"
	b := textRequest()
	b.IdempotencyKey = "key-b"

	ta, _, err := g.Submit(ctx, a)
	require.NoError(t, err)
	tb, _, err := g.Submit(ctx, b)
	require.NoError(t, err)
	require.NotEqual(t, ta.ID, tb.ID)
}

func TestPoll(t *testing.T) {
	g, _, _ := setup(t)
	ctx := context.Background()

	tk, _, err := g.Submit(ctx, textRequest())
	require.NoError(t, err)

	got, err := g.Poll(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, tk.ID, got.ID)

	_, err = g.Poll(ctx, "tsk_missing")
	require.ErrorIs(t, err, task.ErrNotFound)
}

func TestRevokeQueuedTask(t *testing.T) {
	g, store, _ := setup(t)
	ctx := context.Background()

	tk, _, err := g.Submit(ctx, textRequest())
	require.NoError(t, err)

	st, err := g.Revoke(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusRevoked, st)

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusRevoked, got.Status)
}

func TestRevokeTerminalTask(t *testing.T) {
	g, store, _ := setup(t)
	ctx := context.Background()

	tk, _, err := g.Submit(ctx, textRequest())
	require.NoError(t, err)
	require.NoError(t, store.Transition(ctx, tk.ID, task.StatusQueued, task.StatusRunning))
	require.NoError(t, store.Fail(ctx, tk.ID, "boom"))

	_, err = g.Revoke(ctx, tk.ID)
	require.ErrorIs(t, err, task.ErrInvalidState)

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusFailure, got.Status)
	require.Equal(t, "boom", got.Error)
}

func TestRevokeMissingTask(t *testing.T) {
	g, _, _ := setup(t)
	_, err := g.Revoke(context.Background(), "tsk_missing")
	require.ErrorIs(t, err, task.ErrNotFound)
}
