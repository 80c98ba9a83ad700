// Package suggest turns validated model output into the persisted suggestion
// set for a revision, and quarantines output that could not be used.
package suggest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kalambet/notecoder/internal/coding"
	"github.com/kalambet/notecoder/internal/llm"
	"github.com/kalambet/notecoder/internal/prompt"
	"github.com/kalambet/notecoder/internal/storage"
)

// DefaultFallbackAttempts bounds how often a missing output is retried.
const DefaultFallbackAttempts = 1

// Store is the persistence the governor writes to.
type Store interface {
	MergeRevisionMetadata(ctx context.Context, id string, patch storage.RevisionMetadata) (storage.RevisionMetadata, error)
	SaveSuggestions(ctx context.Context, codes []storage.SuggestedCode) (int, error)
	SaveQuarantined(ctx context.Context, q storage.QuarantinedResponse) error
}

// Fallback produces a replacement output when the first one was unusable.
type Fallback func(ctx context.Context) (*llm.Output, error)

// Result is the governed suggestion set.
type Result struct {
	Suggestions []llm.Suggestion
	Success     bool
}

// Governor validates, deduplicates, and persists model suggestions.
type Governor struct {
	store    Store
	attempts int
	logger   *slog.Logger
	now      func() time.Time
}

// NewGovernor creates a Governor. fallbackAttempts < 0 disables the fallback;
// 0 takes the default.
func NewGovernor(store Store, fallbackAttempts int, logger *slog.Logger) *Governor {
	if fallbackAttempts == 0 {
		fallbackAttempts = DefaultFallbackAttempts
	}
	if fallbackAttempts < 0 {
		fallbackAttempts = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		store:    store,
		attempts: fallbackAttempts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process governs output with no fallback source.
func (g *Governor) Process(ctx context.Context, output *llm.Output, revisionID string, strategy prompt.Strategy) Result {
	return g.ProcessWithFallback(ctx, output, revisionID, strategy, nil)
}

// ProcessWithFallback governs output for revisionID. When output is nil, fb
// is tried up to the configured number of attempts; each failed attempt is
// quarantined. It never returns an error: persistence failures are logged.
func (g *Governor) ProcessWithFallback(ctx context.Context, output *llm.Output, revisionID string, strategy prompt.Strategy, fb Fallback) Result {
	if _, err := g.store.MergeRevisionMetadata(ctx, revisionID, storage.RevisionMetadata{PromptType: string(strategy)}); err != nil {
		g.logger.Warn("recording prompt type failed", "revision_id", revisionID, "error", err)
	}

	for i := 0; output == nil && fb != nil && i < g.attempts; i++ {
		if ctx.Err() != nil {
			break
		}
		g.logger.Warn("no valid output, running fallback", "revision_id", revisionID, "attempt", i+1)
		out, err := fb(ctx)
		if err != nil {
			raw := ""
			var le *llm.Error
			if errors.As(err, &le) {
				raw = le.Raw
			}
			g.Quarantine(ctx, raw, revisionID, err.Error())
			continue
		}
		output = out
	}
	if output == nil {
		return Result{Suggestions: []llm.Suggestion{}, Success: false}
	}

	valid := Filter(output.Suggestions)

	if err := ctx.Err(); err != nil {
		g.logger.Warn("request cancelled before persisting suggestions", "revision_id", revisionID, "error", err)
		return Result{Suggestions: valid, Success: false}
	}

	if len(valid) > 0 {
		now := g.now()
		rows := make([]storage.SuggestedCode, len(valid))
		for i, s := range valid {
			rows[i] = storage.SuggestedCode{
				RevisionID: revisionID,
				Code:       s.Code,
				System:     string(s.System),
				Confidence: s.Confidence,
				Reasoning:  s.Reasoning,
				CreatedAt:  now,
			}
		}
		n, err := g.store.SaveSuggestions(ctx, rows)
		if err != nil {
			g.logger.Error("saving suggested codes failed", "revision_id", revisionID, "error", err)
		} else if n < len(rows) {
			g.logger.Debug("skipped already persisted suggestions", "revision_id", revisionID, "skipped", len(rows)-n)
		}
	}

	return Result{Suggestions: valid, Success: true}
}

// Filter drops repeated (system, code) pairs, keeping the first, and codes
// whose format does not match their system.
func Filter(in []llm.Suggestion) []llm.Suggestion {
	out := make([]llm.Suggestion, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		key := s.Ref().Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if coding.ValidFormat(s.System, s.Code) {
			out = append(out, s)
		}
	}
	return out
}

// Quarantine records raw model output that could not be used. It reports
// whether the record was stored.
func (g *Governor) Quarantine(ctx context.Context, raw, revisionID, errMsg string) bool {
	q := storage.QuarantinedResponse{
		ID:          ulid.Make().String(),
		RevisionID:  revisionID,
		RawResponse: raw,
		Error:       errMsg,
		CreatedAt:   g.now(),
	}
	g.logger.Warn("llm output quarantined", "quarantine_id", q.ID, "revision_id", revisionID, "error", errMsg)
	if err := g.store.SaveQuarantined(context.WithoutCancel(ctx), q); err != nil {
		g.logger.Error("saving quarantined response failed", "revision_id", revisionID, "error", err)
		return false
	}
	return true
}
