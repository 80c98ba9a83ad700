// Package ingest brings historical notes into the corpus and backfills their
// embeddings from the SQLite job queue.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/notecoder/internal/embedding"
	"github.com/kalambet/notecoder/internal/retrieval"
	"github.com/kalambet/notecoder/internal/storage"
)

// JobStore abstracts the job queue and the revision records jobs refer to.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetRevision(ctx context.Context, id string) (storage.Revision, error)
	GetVisit(ctx context.Context, id string) (storage.Visit, error)
	SetRevisionEmbedding(ctx context.Context, id string, vec []float32) error
	MergeRevisionMetadata(ctx context.Context, id string, patch storage.RevisionMetadata) (storage.RevisionMetadata, error)
	DecisionsFor(ctx context.Context, revisionIDs []string) (map[string][]storage.CodeDecision, error)
}

// Embedder resolves text to a vector.
type Embedder interface {
	Resolve(ctx context.Context, text string) (embedding.Resolution, error)
}

// Indexer makes a revision searchable.
type Indexer interface {
	Index(ctx context.Context, doc retrieval.Document) error
}

// Worker processes embed_revision jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder Embedder
	corpus   Indexer
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder Embedder, corpus Indexer, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		corpus:   corpus,
		poll:     pollInterval,
		logger:   logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_revision job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobEmbedRevision})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type embedPayload struct {
	RevisionID string `json:"revision_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	rev, err := w.store.GetRevision(ctx, payload.RevisionID)
	if err != nil {
		return fmt.Errorf("loading revision %s: %w", payload.RevisionID, err)
	}

	res, err := w.embedder.Resolve(ctx, rev.Content)
	if err != nil {
		return fmt.Errorf("embedding content: %w", err)
	}

	if err := w.store.SetRevisionEmbedding(ctx, rev.ID, res.Vector); err != nil {
		return fmt.Errorf("storing embedding: %w", err)
	}
	if _, err := w.store.MergeRevisionMetadata(ctx, rev.ID, storage.RevisionMetadata{EmbeddingSource: string(res.Source)}); err != nil {
		return fmt.Errorf("updating metadata: %w", err)
	}

	visit, err := w.store.GetVisit(ctx, rev.VisitID)
	if err != nil {
		return fmt.Errorf("loading visit %s: %w", rev.VisitID, err)
	}
	decisions, err := w.store.DecisionsFor(ctx, []string{rev.ID})
	if err != nil {
		return fmt.Errorf("loading decisions: %w", err)
	}

	doc := retrieval.Document{
		RevisionID: rev.ID,
		Content:    rev.Content,
		Embedding:  res.Vector,
		CreatedAt:  rev.CreatedAt,
		Visit:      retrieval.VisitOf(visit),
		Decisions:  decisions[rev.ID],
	}
	if err := w.corpus.Index(ctx, doc); err != nil {
		return fmt.Errorf("indexing revision: %w", err)
	}
	return nil
}
