package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/notecoder/internal/coding"
	"github.com/kalambet/notecoder/internal/embedding"
	"github.com/kalambet/notecoder/internal/storage"
)

// JobEmbedRevision computes and stores the embedding of an imported revision.
const JobEmbedRevision = "embed_revision"

// ErrInvalidNote is returned for an import record that cannot be stored.
var ErrInvalidNote = errors.New("invalid historical note")

// RejectedCode is a code the clinician turned down, with the reason.
type RejectedCode struct {
	coding.Ref
	Reason string `json:"reason,omitempty"`
}

// HistoricalNote is one finalized note brought into the corpus, with the
// decision set recorded against it.
type HistoricalNote struct {
	PatientID    string              `json:"patientId"`
	PatientName  string              `json:"patientName,omitempty"`
	ProviderID   string              `json:"providerId"`
	ProviderName string              `json:"providerName,omitempty"`
	Specialty    string              `json:"specialty"`
	VisitType    string              `json:"visitType"`
	VisitDate    time.Time           `json:"visitDate"`
	Content      string              `json:"content"`
	Finalized    []coding.Ref        `json:"finalizedCodes,omitempty"`
	Rejected     []RejectedCode      `json:"rejectedCodes,omitempty"`
	Manual       []coding.ManualCode `json:"manualCodes,omitempty"`
}

// ImportStats counts the outcome of a bulk import.
type ImportStats struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"` // content already in the corpus
}

// Importer writes historical notes into the store and queues their embedding.
type Importer struct {
	store  *storage.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewImporter(store *storage.Store, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Import stores n as a completed visit and enqueues an embed_revision job.
// It returns the new revision id, or storage.ErrConflict when the same
// content was already imported.
func (im *Importer) Import(ctx context.Context, n HistoricalNote) (string, error) {
	if err := n.validate(); err != nil {
		return "", err
	}
	now := im.now()
	created := n.VisitDate
	if created.IsZero() {
		created = now
	}

	err := im.store.CreatePatient(ctx, storage.Patient{ID: n.PatientID, Name: n.PatientName, CreatedAt: now})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return "", fmt.Errorf("creating patient: %w", err)
	}

	hash := embedding.ContentHash(n.Content)
	visit := storage.Visit{
		ID:           uuid.NewString(),
		PatientID:    n.PatientID,
		ProviderID:   n.ProviderID,
		ProviderName: n.ProviderName,
		Specialty:    n.Specialty,
		VisitType:    n.VisitType,
		VisitDate:    created,
		Status:       storage.VisitCompleted,
		SubmittedBy:  "import",
		CreatedAt:    created,
	}
	rev := storage.Revision{
		ID:          uuid.NewString(),
		VisitID:     visit.ID,
		Content:     n.Content,
		ContentHash: hash,
		Metadata:    storage.RevisionMetadata{ContentHash: hash, Extra: map[string]string{"source": "import"}},
		CreatedAt:   created,
	}
	if err := im.store.CreateVisitWithRevision(ctx, visit, rev); err != nil {
		return "", err
	}

	if err := im.store.SaveDecisions(ctx, rev.ID, n.decisions()); err != nil {
		return "", fmt.Errorf("saving decisions: %w", err)
	}

	payload, err := json.Marshal(embedPayload{RevisionID: rev.ID})
	if err != nil {
		return "", fmt.Errorf("encoding job payload: %w", err)
	}
	job := storage.Job{ID: uuid.NewString(), Type: JobEmbedRevision, PayloadJSON: string(payload)}
	if err := im.store.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing embedding job: %w", err)
	}
	return rev.ID, nil
}

// ImportJSONL imports one HistoricalNote per line of r. Blank lines are
// ignored; duplicates are counted as skipped. The first other error stops
// the import and reports its line.
func (im *Importer) ImportJSONL(ctx context.Context, r io.Reader) (ImportStats, error) {
	var stats ImportStats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var n HistoricalNote
		if err := json.Unmarshal([]byte(text), &n); err != nil {
			return stats, fmt.Errorf("line %d: %w: %v", line, ErrInvalidNote, err)
		}
		if _, err := im.Import(ctx, n); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				stats.Skipped++
				continue
			}
			return stats, fmt.Errorf("line %d: %w", line, err)
		}
		stats.Imported++
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("reading import: %w", err)
	}
	im.logger.Info("corpus import finished", "imported", stats.Imported, "skipped", stats.Skipped)
	return stats, nil
}

func (n *HistoricalNote) validate() error {
	if strings.TrimSpace(n.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidNote)
	}
	if n.PatientID == "" {
		return fmt.Errorf("%w: patientId is required", ErrInvalidNote)
	}
	if n.Specialty == "" {
		n.Specialty = coding.Other
	}
	if n.VisitType == "" {
		n.VisitType = coding.Other
	}
	if !coding.ValidSpecialty(n.Specialty) || !coding.ValidVisitType(n.VisitType) {
		return fmt.Errorf("%w: unknown specialty or visit type", ErrInvalidNote)
	}
	for _, r := range n.allRefs() {
		if _, ok := coding.ParseSystem(string(r.System)); !ok || r.Code == "" {
			return fmt.Errorf("%w: bad code %q (%s)", ErrInvalidNote, r.Code, r.System)
		}
	}
	return nil
}

func (n HistoricalNote) allRefs() []coding.Ref {
	refs := append([]coding.Ref(nil), n.Finalized...)
	for _, r := range n.Rejected {
		refs = append(refs, r.Ref)
	}
	for _, m := range n.Manual {
		refs = append(refs, m.Ref)
	}
	return refs
}

func (n HistoricalNote) decisions() []storage.CodeDecision {
	var out []storage.CodeDecision
	for _, r := range n.Finalized {
		out = append(out, storage.CodeDecision{Code: r.Code, System: string(r.System), Kind: storage.DecisionFinalized})
	}
	for _, r := range n.Rejected {
		out = append(out, storage.CodeDecision{Code: r.Code, System: string(r.System), Kind: storage.DecisionRejected, Note: r.Reason})
	}
	for _, m := range n.Manual {
		out = append(out, storage.CodeDecision{Code: m.Code, System: string(m.System), Kind: storage.DecisionManual, Note: m.Description})
	}
	return out
}
