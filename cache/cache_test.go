package cache_test

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/extraq/cache"
	"github.com/hazyhaar/extraq/dbopen"
)

func backends(t *testing.T) map[string]cache.Backend {
	t.Helper()
	ctx := context.Background()

	sq, err := cache.NewBackend(ctx, cache.BackendConfig{Kind: cache.KindSQLite, DB: dbopen.OpenMemory(t)})
	if err != nil {
		t.Fatal(err)
	}
	return map[string]cache.Backend{
		"memory": cache.NewMemory(),
		"sqlite": sq,
	}
}

func TestBackendGetPut(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, ok, _ := be.Get(ctx, "k"); ok {
				t.Fatal("unexpected hit on empty backend")
			}

			if err := be.Put(ctx, "k", []byte("v1"), time.Hour); err != nil {
				t.Fatal(err)
			}
			v, ok, err := be.Get(ctx, "k")
			if err != nil || !ok {
				t.Fatalf("miss after put: ok=%v err=%v", ok, err)
			}
			if string(v) != "v1" {
				t.Fatalf("value = %q", v)
			}
		})
	}
}

func TestBackendFirstWriterWins(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			be.Put(ctx, "k", []byte("first"), time.Hour)
			be.Put(ctx, "k", []byte("second"), time.Hour)

			v, ok, _ := be.Get(ctx, "k")
			if !ok || string(v) != "first" {
				t.Fatalf("value = %q, want first (live entries are immutable)", v)
			}
		})
	}
}

func TestBackendTTLExpiry(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			be.Put(ctx, "k", []byte("v1"), 10*time.Millisecond)
			time.Sleep(30 * time.Millisecond)

			if _, ok, _ := be.Get(ctx, "k"); ok {
				t.Fatal("expired entry still live")
			}

			// An expired key is writable again.
			be.Put(ctx, "k", []byte("v2"), time.Hour)
			v, ok, _ := be.Get(ctx, "k")
			if !ok || string(v) != "v2" {
				t.Fatalf("value = %q, want v2 after expiry", v)
			}
		})
	}
}

func TestNewBackendUnknownKind(t *testing.T) {
	if _, err := cache.NewBackend(context.Background(), cache.BackendConfig{Kind: "redis"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestResultKeyDeterministic(t *testing.T) {
	spec := cache.ResultKeySpec{
		DocHash:     "abc",
		Prompt:      "find people",
		Model:       "gpt-4o",
		Temperature: 0.3,
		Passes:      3,
		Providers:   []string{"openai", "gemini"},
		Threshold:   0.5,
	}
	a, err := cache.ResultKey(spec)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := cache.ResultKey(spec)
	if a != b {
		t.Fatalf("same spec, different keys: %s != %s", a, b)
	}

	spec.Passes = 4
	c, _ := cache.ResultKey(spec)
	if a == c {
		t.Fatal("pass count must be part of the key")
	}
}

func TestResponseKeyNormalizesPrompt(t *testing.T) {
	a := cache.ResponseKey("  find people  ", "gpt-4o", nil)
	b := cache.ResponseKey("find people", "gpt-4o", nil)
	if a != b {
		t.Fatal("prompt whitespace must not perturb the key")
	}
	c := cache.ResponseKey("find people", "gpt-4o-mini", nil)
	if a == c {
		t.Fatal("model must be part of the key")
	}
}

func TestManagerTiersAreIndependent(t *testing.T) {
	m := cache.NewManager(cache.NewMemory(), cache.NewMemory(), cache.ManagerOptions{})
	ctx := context.Background()

	m.Response().Put(ctx, "k", []byte("resp"))
	if _, ok := m.Result().Get(ctx, "k"); ok {
		t.Fatal("tiers must not share storage")
	}
	v, ok := m.Response().Get(ctx, "k")
	if !ok || string(v) != "resp" {
		t.Fatalf("response tier lost value: %q", v)
	}
}
