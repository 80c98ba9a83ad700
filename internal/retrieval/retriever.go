package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"
)

const (
	DefaultLimit  = 20
	DefaultWindow = 365 * 24 * time.Hour
)

// Request is a similarity lookup for the note being coded.
type Request struct {
	Vector            []float32
	Specialty         string
	ExcludeRevisionID string
	Now               time.Time
}

// Retriever finds the historical notes most similar to a query vector within
// the same specialty and a recency window.
type Retriever struct {
	corpus Corpus
	limit  int
	window time.Duration
}

// NewRetriever creates a Retriever. Non-positive limit or window select the defaults.
func NewRetriever(c Corpus, limit int, window time.Duration) *Retriever {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Retriever{corpus: c, limit: limit, window: window}
}

// Retrieve returns up to the configured limit of candidates in descending
// similarity. An empty result is not an error.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]Candidate, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	since := now.Add(-r.window)

	found, err := r.corpus.Search(ctx, Query{
		Vector:            req.Vector,
		Specialty:         req.Specialty,
		Since:             since,
		ExcludeRevisionID: req.ExcludeRevisionID,
		Limit:             r.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("searching corpus: %w", err)
	}

	out := found[:0]
	for _, c := range found {
		if c.RevisionID == req.ExcludeRevisionID || c.Visit.Specialty != req.Specialty || c.CreatedAt.Before(since) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > r.limit {
		out = out[:r.limit]
	}
	return out, nil
}
