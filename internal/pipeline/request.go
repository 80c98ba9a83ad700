package pipeline

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/notecoder/internal/coding"
	"github.com/kalambet/notecoder/internal/llm"
	"github.com/kalambet/notecoder/internal/prompt"
	"github.com/kalambet/notecoder/internal/storage"
)

var (
	// ErrValidation marks a request rejected before any work was done.
	ErrValidation = errors.New("invalid request")

	ErrPatientNotFound = errors.New("patient not found")
	ErrVisitNotFound   = errors.New("visit not found")

	// ErrEmbedding marks a failure of the upstream embedding provider.
	ErrEmbedding = errors.New("embedding unavailable")
)

// MinNoteLength is the shortest note, in characters, accepted for coding.
const MinNoteLength = 30

const systemSubmitter = "system"

// GenerateRequest submits a new clinical note for coding.
type GenerateRequest struct {
	Note         string `json:"soapNote"`
	SubmittedBy  string `json:"submittedBy"`
	PatientID    string `json:"patientId"`
	ProviderID   string `json:"providerId,omitempty"`
	ProviderName string `json:"providerName,omitempty"`
	Specialty    string `json:"specialty,omitempty"`
	VisitType    string `json:"visitType,omitempty"`
	VisitDate    string `json:"visitDate,omitempty"` // RFC 3339
}

// Result is the outcome of one coding run.
type Result struct {
	VisitID      string           `json:"visitId"`
	RevisionID   string           `json:"revisionId"`
	Suggestions  []llm.Suggestion `json:"suggestions"`
	ScenarioTags []string         `json:"scenarioTags"`
	PromptType   prompt.Strategy  `json:"promptType"`
	Success      bool             `json:"success"`
}

// Decision is a clinician's verdict on a suggested code.
type Decision struct {
	Code     string        `json:"code"`
	System   coding.System `json:"type"`
	Decision string        `json:"decision"` // "finalized" or "rejected"
	Reason   string        `json:"reason,omitempty"`
}

// ManualEntry is a code the clinician added by hand.
type ManualEntry struct {
	Code        string        `json:"code"`
	System      coding.System `json:"type"`
	Description string        `json:"description"`
}

// FinalizeRequest records the decision set for a visit's latest revision.
type FinalizeRequest struct {
	VisitID     string        `json:"visitId"`
	Decisions   []Decision    `json:"decisions"`
	Manual      []ManualEntry `json:"manual,omitempty"`
	SubmittedBy string        `json:"submittedBy,omitempty"`
}

// FinalizeResult identifies the revision the decisions were stored on.
type FinalizeResult struct {
	VisitID    string `json:"visitId"`
	RevisionID string `json:"revisionId"`
	Recorded   int    `json:"recorded"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func validateNote(note string) error {
	if utf8.RuneCountInString(note) < MinNoteLength {
		return invalid("note must be at least %d characters", MinNoteLength)
	}
	return nil
}

// submitter validates an optional submitter email, defaulting to "system".
func submitter(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return systemSubmitter, nil
	}
	if _, err := mail.ParseAddress(s); err != nil {
		return "", invalid("submittedBy must be an email address")
	}
	return s, nil
}

// normalize validates r and fills defaults, returning the parsed visit date.
func (r *GenerateRequest) normalize(now time.Time) (time.Time, error) {
	if err := validateNote(r.Note); err != nil {
		return time.Time{}, err
	}
	if strings.TrimSpace(r.SubmittedBy) == "" {
		return time.Time{}, invalid("submittedBy is required")
	}
	if _, err := mail.ParseAddress(r.SubmittedBy); err != nil {
		return time.Time{}, invalid("submittedBy must be an email address")
	}
	if r.PatientID == "" {
		return time.Time{}, invalid("patientId is required")
	}
	if r.Specialty == "" {
		r.Specialty = coding.Other
	}
	if !coding.ValidSpecialty(r.Specialty) {
		return time.Time{}, invalid("unknown specialty %q", r.Specialty)
	}
	if r.VisitType == "" {
		r.VisitType = coding.Other
	}
	if !coding.ValidVisitType(r.VisitType) {
		return time.Time{}, invalid("unknown visit type %q", r.VisitType)
	}
	if r.VisitDate == "" {
		return now, nil
	}
	d, err := time.Parse(time.RFC3339, r.VisitDate)
	if err != nil {
		return time.Time{}, invalid("visitDate must be RFC 3339: %v", err)
	}
	return d.UTC(), nil
}

// decisions converts r into storage records after validating every entry.
func (r FinalizeRequest) decisions() ([]storage.CodeDecision, error) {
	out := make([]storage.CodeDecision, 0, len(r.Decisions)+len(r.Manual))
	for i, d := range r.Decisions {
		if d.Code == "" {
			return nil, invalid("decisions[%d]: code is required", i)
		}
		if _, ok := coding.ParseSystem(string(d.System)); !ok {
			return nil, invalid("decisions[%d]: unknown code type %q", i, d.System)
		}
		switch d.Decision {
		case storage.DecisionFinalized, storage.DecisionRejected:
		default:
			return nil, invalid("decisions[%d]: decision must be finalized or rejected", i)
		}
		out = append(out, storage.CodeDecision{Code: d.Code, System: string(d.System), Kind: d.Decision, Note: d.Reason})
	}
	for i, m := range r.Manual {
		if m.Code == "" {
			return nil, invalid("manual[%d]: code is required", i)
		}
		if _, ok := coding.ParseSystem(string(m.System)); !ok {
			return nil, invalid("manual[%d]: unknown code type %q", i, m.System)
		}
		out = append(out, storage.CodeDecision{Code: m.Code, System: string(m.System), Kind: storage.DecisionManual, Note: m.Description})
	}
	return out, nil
}
