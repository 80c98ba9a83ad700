package embedding

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type mockProvider struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
	calls   atomic.Int32
}

func (m *mockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	return m.embedFn(ctx, text)
}

// memCache is an in-memory Cache with injectable failures.
type memCache struct {
	mu     sync.Mutex
	data   map[string][]float32
	ttls   map[string]time.Duration
	getErr error
	putErr error
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]float32{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) PutEmbedding(_ context.Context, key string, vec []float32, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putErr != nil {
		return c.putErr
	}
	c.data[key] = vec
	c.ttls[key] = ttl
	return nil
}

func fixedProvider(vec []float32) *mockProvider {
	return &mockProvider{embedFn: func(context.Context, string) ([]float32, error) { return vec, nil }}
}

func TestCacheKey(t *testing.T) {
	// sha256("abc")
	want := "embedding:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := CacheKey("abc"); got != want {
		t.Errorf("CacheKey = %q, want %q", got, want)
	}
}

func TestResolve_MissThenHit(t *testing.T) {
	p := fixedProvider([]float32{1, 2})
	c := newMemCache()
	r := NewResolver(p, c, 0, nil)

	res, err := r.Resolve(context.Background(), "note text")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source != SourceFresh {
		t.Errorf("Source = %q, want fresh", res.Source)
	}
	if c.ttls[CacheKey("note text")] != DefaultTTL {
		t.Errorf("ttl = %v, want %v", c.ttls[CacheKey("note text")], DefaultTTL)
	}

	res, err = r.Resolve(context.Background(), "note text")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source != SourceCached {
		t.Errorf("Source = %q, want cached", res.Source)
	}
	if n := p.calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestResolve_CacheReadFailureFallsBack(t *testing.T) {
	p := fixedProvider([]float32{1})
	c := newMemCache()
	c.getErr = errors.New("cache down")
	r := NewResolver(p, c, time.Hour, nil)

	res, err := r.Resolve(context.Background(), "x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source != SourceFresh {
		t.Errorf("Source = %q, want fresh", res.Source)
	}
}

func TestResolve_CacheWriteFailureIgnored(t *testing.T) {
	p := fixedProvider([]float32{1})
	c := newMemCache()
	c.putErr = errors.New("disk full")
	r := NewResolver(p, c, time.Hour, nil)

	if _, err := r.Resolve(context.Background(), "x"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestResolve_ProviderErrorIsFatal(t *testing.T) {
	p := &mockProvider{embedFn: func(context.Context, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}}
	r := NewResolver(p, newMemCache(), 0, nil)

	_, err := r.Resolve(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error = %q, want underlying cause", err)
	}
}

func TestResolve_NilCache(t *testing.T) {
	p := fixedProvider([]float32{1})
	r := NewResolver(p, nil, 0, nil)
	for range 2 {
		if _, err := r.Resolve(context.Background(), "x"); err != nil {
			t.Fatal(err)
		}
	}
	if n := p.calls.Load(); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}
}

func TestResolveBatch_PreservesOrder(t *testing.T) {
	p := &mockProvider{embedFn: func(_ context.Context, text string) ([]float32, error) {
		return []float32{float32(len(text))}, nil
	}}
	r := NewResolver(p, newMemCache(), 0, nil)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	got, err := r.ResolveBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("ResolveBatch: %v", err)
	}
	for i, res := range got {
		if res.Vector[0] != float32(len(texts[i])) {
			t.Errorf("result %d = %v, want %d", i, res.Vector, len(texts[i]))
		}
	}
}

func TestResolveBatch_Empty(t *testing.T) {
	r := NewResolver(fixedProvider(nil), nil, 0, nil)
	got, err := r.ResolveBatch(context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("ResolveBatch(nil) = %v, %v", got, err)
	}
}
