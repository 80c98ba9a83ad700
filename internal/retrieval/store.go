package retrieval

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kalambet/notecoder/internal/storage"
)

// Compile-time check that SQLiteCorpus implements Corpus.
var _ Corpus = (*SQLiteCorpus)(nil)

// SQLiteCorpus searches note revisions held in the local SQLite store with a
// brute-force cosine scan. This is the default Corpus.
//
// When the corpus grows past ~100K revisions and scan latency becomes
// noticeable, switch corpus.backend to postgres.
type SQLiteCorpus struct {
	store *storage.Store
}

// NewSQLiteCorpus wraps an open store.
func NewSQLiteCorpus(s *storage.Store) *SQLiteCorpus {
	return &SQLiteCorpus{store: s}
}

// Index is a no-op: revisions and decisions are already in the store.
func (c *SQLiteCorpus) Index(context.Context, Document) error {
	return nil
}

// idScore holds only the ID and score during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float64
}

// Search scans embeddings of revisions matching the specialty and time window
// and returns the top q.Limit by cosine similarity.
func (c *SQLiteCorpus) Search(ctx context.Context, q Query) ([]Candidate, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	queryNorm := norm(q.Vector)
	if queryNorm == 0 {
		return nil, nil
	}

	db := c.store.DB()

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := db.QueryContext(ctx, `
		SELECT nr.id, nr.embedding
		FROM note_revisions nr
		JOIN visits v ON v.id = nr.visit_id
		WHERE nr.embedding IS NOT NULL
		  AND v.specialty = ?
		  AND nr.created_at >= ?
		  AND nr.id != ?`,
		q.Specialty, q.Since.UTC().Format(time.RFC3339), q.ExcludeRevisionID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = storage.DecodeVectorInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(q.Vector, buf, queryNorm)
		if h.Len() < q.Limit {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float64, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	args := make([]any, len(topIDs))
	for i, id := range topIDs {
		args[i] = id
	}
	fullRows, err := db.QueryContext(ctx, `
		SELECT nr.id, nr.content, nr.created_at,
		       v.id, v.patient_id, v.provider_id, v.provider_name, v.specialty, v.visit_type
		FROM note_revisions nr
		JOIN visits v ON v.id = nr.visit_id
		WHERE nr.id IN (?`+strings.Repeat(",?", len(topIDs)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	byID := make(map[string]Candidate, len(topIDs))
	for fullRows.Next() {
		var cand Candidate
		var createdAt string
		v := &cand.Visit
		if err := fullRows.Scan(&cand.RevisionID, &cand.Content, &createdAt,
			&v.VisitID, &v.PatientID, &v.ProviderID, &v.ProviderName, &v.Specialty, &v.VisitType); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", cand.RevisionID, err)
		}
		cand.CreatedAt = t
		cand.Similarity = scores[cand.RevisionID]
		byID[cand.RevisionID] = cand
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	decisions, err := c.store.DecisionsFor(ctx, topIDs)
	if err != nil {
		return nil, err
	}

	// topIDs is already in descending score order.
	results := make([]Candidate, 0, len(byID))
	for _, id := range topIDs {
		cand, ok := byID[id]
		if !ok {
			continue
		}
		cand.applyDecisions(decisions[id])
		results = append(results, cand)
	}
	return results, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2 norm
// of a. Vectors of different length score 0.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
