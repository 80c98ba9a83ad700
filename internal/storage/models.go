package storage

import (
	"errors"
	"maps"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert violates a uniqueness constraint,
// e.g. a note revision whose content hash already exists.
var ErrConflict = errors.New("conflict")

const (
	VisitInProgress = "IN_PROGRESS"
	VisitCompleted  = "COMPLETED"
)

const (
	DecisionFinalized = "finalized"
	DecisionRejected  = "rejected"
	DecisionManual    = "manual"
)

type Patient struct {
	ID          string
	Name        string
	DateOfBirth string
	Insurance   string
	CreatedAt   time.Time
}

type Visit struct {
	ID           string
	PatientID    string
	ProviderID   string
	ProviderName string
	Specialty    string
	VisitType    string
	VisitDate    time.Time
	Status       string
	SubmittedBy  string
	CreatedAt    time.Time
}

type Revision struct {
	ID          string
	VisitID     string
	Content     string
	ContentHash string
	Embedding   []float32 // nil until computed
	Metadata    RevisionMetadata
	CreatedAt   time.Time
}

// MetadataVersion is written into every RevisionMetadata the store persists.
const MetadataVersion = 1

// RevisionMetadata is the annotation record attached to a note revision.
type RevisionMetadata struct {
	Version            int               `json:"version"`
	ContentHash        string            `json:"contentHash,omitempty"`
	EmbeddingSource    string            `json:"embeddingSource,omitempty"`
	PromptType         string            `json:"promptType,omitempty"`
	ScenarioTags       []string          `json:"scenarioTags,omitempty"`
	RegenerationReason string            `json:"regenerationReason,omitempty"`
	Extra              map[string]string `json:"extra,omitempty"`
}

// Merge returns m with every field set in patch applied on top. Unset fields
// in patch keep the existing value; Extra keys are unioned with patch winning.
func (m RevisionMetadata) Merge(patch RevisionMetadata) RevisionMetadata {
	out := m
	out.Version = MetadataVersion
	if patch.ContentHash != "" {
		out.ContentHash = patch.ContentHash
	}
	if patch.EmbeddingSource != "" {
		out.EmbeddingSource = patch.EmbeddingSource
	}
	if patch.PromptType != "" {
		out.PromptType = patch.PromptType
	}
	if patch.ScenarioTags != nil {
		out.ScenarioTags = append([]string(nil), patch.ScenarioTags...)
	}
	if patch.RegenerationReason != "" {
		out.RegenerationReason = patch.RegenerationReason
	}
	if len(patch.Extra) > 0 {
		merged := make(map[string]string, len(m.Extra)+len(patch.Extra))
		maps.Copy(merged, m.Extra)
		maps.Copy(merged, patch.Extra)
		out.Extra = merged
	}
	return out
}

// CodeDecision is one clinician decision about a code on a revision.
// Note carries the rejection reason or the manual code description.
type CodeDecision struct {
	Code   string
	System string
	Kind   string
	Note   string
}

type SuggestedCode struct {
	RevisionID string
	Code       string
	System     string
	Confidence float64
	Reasoning  string
	CreatedAt  time.Time
}

// SuggestionRow is a persisted suggestion joined with its visit, for export.
type SuggestionRow struct {
	SuggestedCode
	VisitID    string
	PatientID  string
	Specialty  string
	PromptType string
}

type QuarantinedResponse struct {
	ID          string
	RevisionID  string
	RawResponse string
	Error       string
	CreatedAt   time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
