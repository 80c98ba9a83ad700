package retrieval

import (
	"context"
	"time"

	"github.com/kalambet/notecoder/internal/coding"
	"github.com/kalambet/notecoder/internal/storage"
)

// VisitContext describes the visit a historical note belongs to.
type VisitContext struct {
	VisitID      string
	PatientID    string
	ProviderID   string
	ProviderName string
	Specialty    string
	VisitType    string
}

// VisitOf projects a stored visit onto the context retrieval works with.
func VisitOf(v storage.Visit) VisitContext {
	return VisitContext{
		VisitID:      v.ID,
		PatientID:    v.PatientID,
		ProviderID:   v.ProviderID,
		ProviderName: v.ProviderName,
		Specialty:    v.Specialty,
		VisitType:    v.VisitType,
	}
}

// Candidate is a historical note revision returned by similarity search, with
// the coding decisions recorded against it.
type Candidate struct {
	RevisionID string
	Content    string
	Similarity float64 // 1 - cosine distance, in [-1, 1]
	CreatedAt  time.Time
	Visit      VisitContext
	Finalized  []coding.Ref
	Rejected   []coding.Ref
	Manual     []coding.ManualCode
}

// Query selects candidates similar to Vector.
type Query struct {
	Vector            []float32
	Specialty         string
	Since             time.Time
	ExcludeRevisionID string
	Limit             int
}

// Document is a note revision written into a corpus.
type Document struct {
	RevisionID string
	Content    string
	Embedding  []float32
	CreatedAt  time.Time
	Visit      VisitContext
	Decisions  []storage.CodeDecision
}

// Corpus is a searchable store of historical note revisions.
type Corpus interface {
	// Search returns at most q.Limit candidates ordered by descending similarity.
	Search(ctx context.Context, q Query) ([]Candidate, error)

	// Index makes a revision, its embedding, and its decisions searchable.
	// Backends that search the local store directly may treat it as a no-op.
	Index(ctx context.Context, doc Document) error
}

// applyDecisions splits decision rows into the candidate's code sets.
func (c *Candidate) applyDecisions(decisions []storage.CodeDecision) {
	for _, d := range decisions {
		ref := coding.Ref{Code: d.Code, System: coding.System(d.System)}
		switch d.Kind {
		case storage.DecisionFinalized:
			c.Finalized = append(c.Finalized, ref)
		case storage.DecisionRejected:
			c.Rejected = append(c.Rejected, ref)
		case storage.DecisionManual:
			c.Manual = append(c.Manual, coding.ManualCode{Ref: ref, Description: d.Note})
		}
	}
}
