// Package embedding resolves note text to vectors through a content-addressed
// cache in front of an embedding provider.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTTL is how long a computed vector stays cached.
const DefaultTTL = 30 * 24 * time.Hour

// Cache stores vectors by key. A miss is (nil, false, nil).
type Cache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	PutEmbedding(ctx context.Context, key string, vec []float32, ttl time.Duration) error
}

// Source records where a resolved vector came from.
type Source string

const (
	SourceFresh  Source = "fresh"
	SourceCached Source = "cached"
)

// Resolution is a resolved vector and its provenance.
type Resolution struct {
	Vector []float32
	Source Source
}

// Resolver looks vectors up in the cache and falls back to the provider.
type Resolver struct {
	provider Provider
	cache    Cache
	ttl      time.Duration
	logger   *slog.Logger
}

// NewResolver creates a Resolver. A zero ttl means DefaultTTL; a nil cache
// disables caching.
func NewResolver(p Provider, c Cache, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{provider: p, cache: c, ttl: ttl, logger: logger}
}

// CacheKey is the cache key for text: "embedding:" + hex SHA-256 of the text.
func CacheKey(text string) string {
	return "embedding:" + ContentHash(text)
}

// ContentHash is the hex SHA-256 digest of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Resolve returns the vector for text. Cache failures degrade to a provider
// call; provider failures are returned.
func (r *Resolver) Resolve(ctx context.Context, text string) (Resolution, error) {
	key := CacheKey(text)

	if r.cache != nil {
		vec, ok, err := r.cache.GetEmbedding(ctx, key)
		if err != nil {
			r.logger.Warn("embedding cache read failed, treating as miss", "key", key, "error", err)
		} else if ok && len(vec) > 0 {
			return Resolution{Vector: vec, Source: SourceCached}, nil
		}
	}

	vec, err := r.provider.Embed(ctx, text)
	if err != nil {
		return Resolution{}, fmt.Errorf("embedding text: %w", err)
	}

	if r.cache != nil {
		if err := r.cache.PutEmbedding(ctx, key, vec, r.ttl); err != nil {
			r.logger.Warn("embedding cache write failed", "key", key, "error", err)
		}
	}
	return Resolution{Vector: vec, Source: SourceFresh}, nil
}

// ResolveBatch resolves several texts concurrently. Results are in input order.
// Returns nil (not error) for empty input.
func (r *Resolver) ResolveBatch(ctx context.Context, texts []string) ([]Resolution, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([]Resolution, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the provider.

	for i, text := range texts {
		g.Go(func() error {
			res, err := r.Resolve(gCtx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
