// Package pipeline wires the coding stages together: embed the note, find
// similar historical notes, boost and tag them, pick a prompt, call the model,
// and govern what it returns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/notecoder/internal/boost"
	"github.com/kalambet/notecoder/internal/embedding"
	"github.com/kalambet/notecoder/internal/llm"
	"github.com/kalambet/notecoder/internal/prompt"
	"github.com/kalambet/notecoder/internal/retrieval"
	"github.com/kalambet/notecoder/internal/storage"
	"github.com/kalambet/notecoder/internal/suggest"
)

// DefaultPromptCap is how many boosted candidates reach the prompt resolver.
const DefaultPromptCap = 10

// Embedder resolves note text to a vector.
type Embedder interface {
	Resolve(ctx context.Context, text string) (embedding.Resolution, error)
}

// Invoker calls the model with a resolved prompt.
type Invoker interface {
	Invoke(ctx context.Context, p prompt.Resolved) (*llm.Output, error)
}

// Deps are the stage implementations a Coder runs. Store, Embedder, Corpus
// and Invoker are required; the rest default from them.
type Deps struct {
	Store     *storage.Store
	Embedder  Embedder
	Corpus    retrieval.Corpus
	Retriever *retrieval.Retriever
	Scorer    *boost.Scorer
	Resolver  *prompt.Resolver
	Invoker   Invoker
	Governor  *suggest.Governor
	Logger    *slog.Logger
}

// Options tune the orchestration.
type Options struct {
	PromptCap           int
	DefaultProviderID   string
	DefaultProviderName string
}

// Coder runs the suggestion pipeline for new notes, revisions, and
// regenerations, and records clinician decisions.
type Coder struct {
	store     *storage.Store
	embedder  Embedder
	corpus    retrieval.Corpus
	retriever *retrieval.Retriever
	scorer    *boost.Scorer
	resolver  *prompt.Resolver
	invoker   Invoker
	governor  *suggest.Governor
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewCoder creates a Coder from d.
func NewCoder(d Deps, opts Options) *Coder {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Retriever == nil {
		d.Retriever = retrieval.NewRetriever(d.Corpus, 0, 0)
	}
	if d.Scorer == nil {
		d.Scorer = boost.NewScorer(boost.VisitTypeSelf)
	}
	if d.Resolver == nil {
		d.Resolver = prompt.NewResolver(prompt.Config{})
	}
	if d.Governor == nil {
		d.Governor = suggest.NewGovernor(d.Store, 0, d.Logger)
	}
	if opts.PromptCap <= 0 {
		opts.PromptCap = DefaultPromptCap
	}
	return &Coder{
		store:     d.Store,
		embedder:  d.Embedder,
		corpus:    d.Corpus,
		retriever: d.Retriever,
		scorer:    d.Scorer,
		resolver:  d.Resolver,
		invoker:   d.Invoker,
		governor:  d.Governor,
		opts:      opts,
		logger:    d.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Generate codes a newly submitted note. A note whose content was already
// submitted returns the existing revision with the DUPLICATE prompt type and
// no suggestions.
func (c *Coder) Generate(ctx context.Context, req GenerateRequest) (Result, error) {
	now := c.now()
	visitDate, err := req.normalize(now)
	if err != nil {
		return Result{}, err
	}

	if _, err := c.store.GetPatient(ctx, req.PatientID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrPatientNotFound, req.PatientID)
		}
		return Result{}, fmt.Errorf("loading patient: %w", err)
	}

	hash := embedding.ContentHash(req.Note)
	if dup, ok, err := c.duplicate(ctx, hash); err != nil || ok {
		return dup, err
	}

	if req.ProviderID == "" {
		req.ProviderID, req.ProviderName = c.opts.DefaultProviderID, c.opts.DefaultProviderName
	}
	visit := storage.Visit{
		ID:           uuid.NewString(),
		PatientID:    req.PatientID,
		ProviderID:   req.ProviderID,
		ProviderName: req.ProviderName,
		Specialty:    req.Specialty,
		VisitType:    req.VisitType,
		VisitDate:    visitDate,
		Status:       storage.VisitInProgress,
		SubmittedBy:  req.SubmittedBy,
		CreatedAt:    now,
	}
	rev := storage.Revision{
		ID:          uuid.NewString(),
		VisitID:     visit.ID,
		Content:     req.Note,
		ContentHash: hash,
		Metadata:    storage.RevisionMetadata{ContentHash: hash},
		CreatedAt:   now,
	}

	// Stored only after embedding and retrieval succeed.
	p, err := c.prepare(ctx, visit, &rev)
	if err != nil {
		return Result{}, err
	}
	if err := c.store.CreateVisitWithRevision(ctx, visit, rev); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			dup, _, derr := c.duplicate(ctx, hash)
			return dup, derr
		}
		return Result{}, fmt.Errorf("creating visit: %w", err)
	}

	c.logger.Info("note submitted", "visit_id", visit.ID, "revision_id", rev.ID, "specialty", visit.Specialty)
	c.index(ctx, visit, rev, rev.Embedding, nil)
	return c.code(ctx, visit, rev, p)
}

// Revise appends a new revision to an existing visit and codes it.
func (c *Coder) Revise(ctx context.Context, visitID, text, submittedBy string) (Result, error) {
	if err := validateNote(text); err != nil {
		return Result{}, err
	}
	if _, err := submitter(submittedBy); err != nil {
		return Result{}, err
	}
	visit, err := c.visit(ctx, visitID)
	if err != nil {
		return Result{}, err
	}

	hash := embedding.ContentHash(text)
	if dup, ok, err := c.duplicate(ctx, hash); err != nil || ok {
		return dup, err
	}

	rev := storage.Revision{
		ID:          uuid.NewString(),
		VisitID:     visit.ID,
		Content:     text,
		ContentHash: hash,
		Metadata:    storage.RevisionMetadata{ContentHash: hash},
		CreatedAt:   c.now(),
	}
	p, err := c.prepare(ctx, visit, &rev)
	if err != nil {
		return Result{}, err
	}
	if err := c.store.CreateRevision(ctx, rev); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			dup, _, derr := c.duplicate(ctx, hash)
			return dup, derr
		}
		return Result{}, fmt.Errorf("creating revision: %w", err)
	}
	if visit.Status != storage.VisitInProgress {
		if err := c.store.UpdateVisitStatus(ctx, visit.ID, storage.VisitInProgress); err != nil {
			return Result{}, fmt.Errorf("reopening visit: %w", err)
		}
	}

	c.logger.Info("note revised", "visit_id", visit.ID, "revision_id", rev.ID)
	c.index(ctx, visit, rev, rev.Embedding, nil)
	return c.code(ctx, visit, rev, p)
}

// Regenerate reruns the stages on the visit's latest revision.
func (c *Coder) Regenerate(ctx context.Context, visitID, reason string) (Result, error) {
	visit, err := c.visit(ctx, visitID)
	if err != nil {
		return Result{}, err
	}
	rev, err := c.store.LatestRevision(ctx, visit.ID)
	if err != nil {
		return Result{}, fmt.Errorf("loading latest revision: %w", err)
	}

	vec := rev.Embedding
	patch := storage.RevisionMetadata{RegenerationReason: reason}
	if vec == nil {
		res, err := c.embed(ctx, rev)
		if err != nil {
			return Result{}, err
		}
		vec = res.Vector
		patch.EmbeddingSource = string(res.Source)
	}

	cands, err := c.retrieve(ctx, visit, rev.ID, vec)
	if err != nil {
		return Result{}, err
	}

	c.logger.Info("regenerating suggestions", "visit_id", visit.ID, "revision_id", rev.ID, "reason", reason)
	return c.code(ctx, visit, rev, prepared{candidates: cands, patch: patch})
}

// FinalizeCodes stores the decision set on the visit's latest revision and
// marks the visit completed.
func (c *Coder) FinalizeCodes(ctx context.Context, req FinalizeRequest) (FinalizeResult, error) {
	decisions, err := req.decisions()
	if err != nil {
		return FinalizeResult{}, err
	}
	if _, err := submitter(req.SubmittedBy); err != nil {
		return FinalizeResult{}, err
	}
	visit, err := c.visit(ctx, req.VisitID)
	if err != nil {
		return FinalizeResult{}, err
	}
	rev, err := c.store.LatestRevision(ctx, visit.ID)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("loading latest revision: %w", err)
	}

	if err := c.store.SaveDecisions(ctx, rev.ID, decisions); err != nil {
		return FinalizeResult{}, fmt.Errorf("saving decisions: %w", err)
	}
	if err := c.store.UpdateVisitStatus(ctx, visit.ID, storage.VisitCompleted); err != nil {
		return FinalizeResult{}, fmt.Errorf("completing visit: %w", err)
	}

	if rev.Embedding != nil {
		all, err := c.store.DecisionsFor(ctx, []string{rev.ID})
		if err != nil {
			c.logger.Warn("loading decisions for corpus failed", "revision_id", rev.ID, "error", err)
		} else {
			c.index(ctx, visit, rev, rev.Embedding, all[rev.ID])
		}
	}

	c.logger.Info("codes finalized", "visit_id", visit.ID, "revision_id", rev.ID, "decisions", len(decisions))
	return FinalizeResult{VisitID: visit.ID, RevisionID: rev.ID, Recorded: len(decisions)}, nil
}

func (c *Coder) visit(ctx context.Context, id string) (storage.Visit, error) {
	v, err := c.store.GetVisit(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Visit{}, fmt.Errorf("%w: %s", ErrVisitNotFound, id)
	}
	if err != nil {
		return storage.Visit{}, fmt.Errorf("loading visit: %w", err)
	}
	return v, nil
}

// duplicate reports whether a revision with hash exists and, if so, the
// result returned for it.
func (c *Coder) duplicate(ctx context.Context, hash string) (Result, bool, error) {
	existing, err := c.store.RevisionByHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("checking for duplicate: %w", err)
	}
	c.logger.Info("duplicate note", "revision_id", existing.ID)
	return Result{
		VisitID:      existing.VisitID,
		RevisionID:   existing.ID,
		Suggestions:  []llm.Suggestion{},
		ScenarioTags: []string{boost.TagDuplicate},
		PromptType:   prompt.Duplicate,
		Success:      true,
	}, true, nil
}

func (c *Coder) embed(ctx context.Context, rev storage.Revision) (embedding.Resolution, error) {
	res, err := c.embedder.Resolve(ctx, rev.Content)
	if err != nil {
		return embedding.Resolution{}, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if err := c.store.SetRevisionEmbedding(ctx, rev.ID, res.Vector); err != nil {
		return embedding.Resolution{}, fmt.Errorf("storing embedding: %w", err)
	}
	return res, nil
}

// prepared carries the upstream stage output for a revision.
type prepared struct {
	candidates []retrieval.Candidate
	patch      storage.RevisionMetadata
}

// prepare embeds an unsaved revision and retrieves its history. rev.Embedding
// is set on success.
func (c *Coder) prepare(ctx context.Context, visit storage.Visit, rev *storage.Revision) (prepared, error) {
	res, err := c.embedder.Resolve(ctx, rev.Content)
	if err != nil {
		return prepared{}, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	rev.Embedding = res.Vector
	cands, err := c.retrieve(ctx, visit, rev.ID, res.Vector)
	if err != nil {
		return prepared{}, err
	}
	return prepared{
		candidates: cands,
		patch:      storage.RevisionMetadata{EmbeddingSource: string(res.Source)},
	}, nil
}

func (c *Coder) retrieve(ctx context.Context, visit storage.Visit, revisionID string, vec []float32) ([]retrieval.Candidate, error) {
	cands, err := c.retriever.Retrieve(ctx, retrieval.Request{
		Vector:            vec,
		Specialty:         visit.Specialty,
		ExcludeRevisionID: revisionID,
		Now:               c.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieving similar notes: %w", err)
	}
	return cands, nil
}

// code runs boosting through governance for a stored revision. p.patch is
// merged into the revision metadata together with the scenario tags.
func (c *Coder) code(ctx context.Context, visit storage.Visit, rev storage.Revision, p prepared) (Result, error) {
	cands := p.candidates
	patch := p.patch
	boosted := c.scorer.Score(cands, visit.ProviderID, visit.VisitType)
	if len(boosted) > c.opts.PromptCap {
		boosted = boosted[:c.opts.PromptCap]
	}
	resolved := c.resolver.Resolve(prompt.Input{
		Note:       rev.Content,
		Candidates: boosted,
		PatientID:  visit.PatientID,
		ProviderID: visit.ProviderID,
		Specialty:  visit.Specialty,
		VisitType:  visit.VisitType,
	})

	patch.ScenarioTags = resolved.ScenarioTags
	if patch.ScenarioTags == nil {
		patch.ScenarioTags = []string{}
	}
	if _, err := c.store.MergeRevisionMetadata(ctx, rev.ID, patch); err != nil {
		c.logger.Warn("recording revision metadata failed", "revision_id", rev.ID, "error", err)
	}

	c.logger.Debug("prompt resolved",
		"revision_id", rev.ID,
		"candidates", len(cands),
		"prompt_type", resolved.Strategy,
		"scenario_tags", resolved.ScenarioTags,
	)

	out, err := c.invoker.Invoke(ctx, resolved)
	if err != nil {
		c.governor.Quarantine(ctx, rawOf(err), rev.ID, err.Error())
	}
	fallback := func(ctx context.Context) (*llm.Output, error) {
		return c.invoker.Invoke(ctx, resolved)
	}
	governed := c.governor.ProcessWithFallback(ctx, out, rev.ID, resolved.Strategy, fallback)

	tags := resolved.ScenarioTags
	if tags == nil {
		tags = []string{}
	}
	return Result{
		VisitID:      visit.ID,
		RevisionID:   rev.ID,
		Suggestions:  governed.Suggestions,
		ScenarioTags: tags,
		PromptType:   resolved.Strategy,
		Success:      governed.Success,
	}, nil
}

func (c *Coder) index(ctx context.Context, visit storage.Visit, rev storage.Revision, vec []float32, decisions []storage.CodeDecision) {
	err := c.corpus.Index(ctx, retrieval.Document{
		RevisionID: rev.ID,
		Content:    rev.Content,
		Embedding:  vec,
		CreatedAt:  rev.CreatedAt,
		Visit:      retrieval.VisitOf(visit),
		Decisions:  decisions,
	})
	if err != nil {
		c.logger.Warn("indexing revision failed", "revision_id", rev.ID, "error", err)
	}
}

func rawOf(err error) string {
	var le *llm.Error
	if errors.As(err, &le) && le.Raw != "" {
		return le.Raw
	}
	return "n/a"
}
