package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kalambet/notecoder/internal/coding"
	"github.com/kalambet/notecoder/internal/embedding"
	"github.com/kalambet/notecoder/internal/retrieval"
	"github.com/kalambet/notecoder/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockEmbedder struct {
	resolveFn func(ctx context.Context, text string) (embedding.Resolution, error)
}

func (m *mockEmbedder) Resolve(ctx context.Context, text string) (embedding.Resolution, error) {
	return m.resolveFn(ctx, text)
}

func fixedVector(context.Context, string) (embedding.Resolution, error) {
	return embedding.Resolution{Vector: []float32{0.1, 0.2, 0.3}, Source: embedding.SourceFresh}, nil
}

type mockIndexer struct {
	mu      sync.Mutex
	indexed []retrieval.Document
	indexFn func(ctx context.Context, doc retrieval.Document) error
}

func (m *mockIndexer) Index(ctx context.Context, doc retrieval.Document) error {
	if m.indexFn != nil {
		return m.indexFn(ctx, doc)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexed = append(m.indexed, doc)
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func importTestNote(t *testing.T, im *Importer, content string) string {
	t.Helper()
	id, err := im.Import(t.Context(), HistoricalNote{
		PatientID:  "p1",
		ProviderID: "dr1",
		Specialty:  "CARDIOLOGY",
		VisitType:  "FOLLOW_UP",
		Content:    content,
		Finalized:  []coding.Ref{{Code: "I10", System: coding.ICD}},
	})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	return id
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE status = 'pending'`, now)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs LIMIT 1`).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job: %v", err)
	}
	return status, attempts
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	revID := importTestNote(t, NewImporter(store, nil), "Hypertension follow-up, stable on lisinopril.")

	indexer := &mockIndexer{}
	w := NewWorker(store, &mockEmbedder{resolveFn: fixedVector}, indexer, 0, nil)

	didWork, err := w.RunOnce(t.Context())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	rev, err := store.GetRevision(t.Context(), revID)
	if err != nil {
		t.Fatalf("GetRevision: %v", err)
	}
	if len(rev.Embedding) != 3 {
		t.Errorf("embedding = %v, want stored vector", rev.Embedding)
	}
	if rev.Metadata.EmbeddingSource != "fresh" || rev.Metadata.Extra["source"] != "import" {
		t.Errorf("metadata = %+v", rev.Metadata)
	}

	indexer.mu.Lock()
	defer indexer.mu.Unlock()
	if len(indexer.indexed) != 1 {
		t.Fatalf("indexed %d documents, want 1", len(indexer.indexed))
	}
	doc := indexer.indexed[0]
	if doc.RevisionID != revID || doc.Visit.Specialty != "CARDIOLOGY" || len(doc.Decisions) != 1 {
		t.Errorf("document = %+v", doc)
	}

	if status, _ := jobStatus(t, store); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}

	// Queue is empty now.
	didWork, err = w.RunOnce(t.Context())
	if err != nil || didWork {
		t.Errorf("RunOnce on empty queue = %v, %v", didWork, err)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	importTestNote(t, NewImporter(store, nil), "retry content for a cardiology visit")

	var calls atomic.Int32
	w := NewWorker(store, &mockEmbedder{
		resolveFn: func(ctx context.Context, text string) (embedding.Resolution, error) {
			n := calls.Add(1)
			if n <= 2 {
				return embedding.Resolution{}, fmt.Errorf("transient error %d", n)
			}
			return fixedVector(ctx, text)
		},
	}, &mockIndexer{}, 0, nil)

	ctx := t.Context()

	// 1st attempt: fails
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 1 = %v, %v", didWork, err)
	}
	if status, attempts := jobStatus(t, store); status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}

	resetRunAfter(t, store)

	// 2nd attempt: fails
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2 = %v, %v", didWork, err)
	}
	if _, attempts := jobStatus(t, store); attempts != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", attempts)
	}

	resetRunAfter(t, store)

	// 3rd attempt: succeeds
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3 = %v, %v", didWork, err)
	}
	if status, _ := jobStatus(t, store); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	importTestNote(t, NewImporter(store, nil), "max retry content for a cardiology visit")

	w := NewWorker(store, &mockEmbedder{
		resolveFn: func(context.Context, string) (embedding.Resolution, error) {
			return embedding.Resolution{}, fmt.Errorf("permanent error")
		},
	}, &mockIndexer{}, 0, nil)

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(t.Context())
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store)
		}
	}

	if status, _ := jobStatus(t, store); status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestWorker_IndexFailureRetries(t *testing.T) {
	store := openTestStore(t)
	importTestNote(t, NewImporter(store, nil), "index failure content for cardiology")

	w := NewWorker(store, &mockEmbedder{resolveFn: fixedVector}, &mockIndexer{
		indexFn: func(context.Context, retrieval.Document) error { return fmt.Errorf("postgres down") },
	}, 0, nil)

	if _, err := w.RunOnce(t.Context()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status, attempts := jobStatus(t, store); status != "pending" || attempts != 1 {
		t.Errorf("status=%q attempts=%d, want pending/1", status, attempts)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	for i := range 5 {
		importTestNote(t, NewImporter(store, nil), fmt.Sprintf("historical cardiology note number %d", i))
	}

	w := NewWorker(store, &mockEmbedder{resolveFn: fixedVector}, &mockIndexer{}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		n, err := store.CountJobs(context.Background(), "completed")
		if err != nil {
			t.Fatalf("CountJobs: %v", err)
		}
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out with %d/5 jobs completed", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
