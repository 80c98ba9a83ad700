// Package prompt selects a prompting strategy for a note from its boosted
// candidates and assembles the evidence context sent to the model.
package prompt

import (
	"fmt"
	"slices"
	"strings"

	"github.com/kalambet/notecoder/internal/boost"
)

// Strategy identifies how the prompt was built.
type Strategy string

const (
	NoMatch        Strategy = "NO_MATCH"
	Duplicate      Strategy = "DUPLICATE"
	Conflicting    Strategy = "CONFLICTING"
	ManualOverride Strategy = "MANUAL_OVERRIDE"
	StrongSingle   Strategy = "STRONG_SINGLE"
	MultiMatch     Strategy = "MULTI_MATCH"
	Longitudinal   Strategy = "LONGITUDINAL"
)

// System instructions per strategy.
const (
	systemNoMatch      = "You are a medical coding assistant. Suggest ICD, CPT, or HCPCS codes with confidence scores. Respond in strict JSON."
	systemDuplicate    = "Avoid redundant coding. This note appears duplicated."
	systemConflicting  = "You are a medical coding assistant. Conflicting prior decisions detected. Explain reasoning clearly."
	systemManual       = "Manual codes were used in prior notes. Prioritize consistency unless contradicted."
	systemStrongSingle = "High-confidence match found. Reuse its coding logic unless contradicted."
	systemMultiMatch   = "Multiple relevant notes found. Aggregate consistent codes and flag discrepancies."
	systemLongitudinal = "Use historical patterns from the same patient or provider to inform coding."
)

const (
	WarnNoMatch     = "No similar historical notes found."
	WarnDuplicate   = "This note appears to be a duplicate. Avoid redundant coding."
	WarnConflicting = "Conflicting coding decisions found in history. Exercise caution."
)

const (
	DefaultTopK            = 5
	DefaultStrongThreshold = 0.9
	DefaultMinScore        = 0.3

	conflictExcerpt = 200
	similarExcerpt  = 150
	maxExcerpts     = 3
)

// ItemMetadata is the visit context shown alongside an excerpt.
type ItemMetadata struct {
	VisitType string `json:"visitType"`
	Specialty string `json:"specialty"`
}

// ContextItem is one piece of evidence, tagged with the revision it came from.
type ContextItem struct {
	Type       string        `json:"type"`
	RevisionID string        `json:"sourceRevisionId"`
	Content    string        `json:"content"`
	Metadata   *ItemMetadata `json:"metadata,omitempty"`
	Score      *float64      `json:"score,omitempty"`
}

// VisitInfo describes the visit the current note belongs to.
type VisitInfo struct {
	PatientID  string `json:"patientId,omitempty"`
	ProviderID string `json:"providerId,omitempty"`
	Specialty  string `json:"specialty,omitempty"`
	VisitType  string `json:"visitType,omitempty"`
}

// UserPayload is the structured user message sent to the model.
type UserPayload struct {
	CurrentNote string        `json:"currentNote"`
	Visit       *VisitInfo    `json:"visit,omitempty"`
	Context     []ContextItem `json:"context,omitempty"`
	Warnings    []string      `json:"warnings"`
}

// Input is the note being coded, its request metadata, and the boosted
// candidates sorted by descending score.
type Input struct {
	Note       string
	Candidates []boost.Candidate
	PatientID  string
	ProviderID string
	Specialty  string
	VisitType  string
}

func (in Input) visit() *VisitInfo {
	v := VisitInfo{PatientID: in.PatientID, ProviderID: in.ProviderID, Specialty: in.Specialty, VisitType: in.VisitType}
	if v == (VisitInfo{}) {
		return nil
	}
	return &v
}

// Resolved is the assembled prompt plus audit data.
type Resolved struct {
	Strategy     Strategy
	System       string
	User         UserPayload
	ScenarioTags []string
	Candidates   []boost.Candidate // unfiltered input, for audit
}

// Config holds the fixed resolver thresholds.
type Config struct {
	TopK            int
	StrongThreshold float64
	MinScore        float64 // candidates scoring at or below are dropped
}

// Resolver picks a strategy. It has no side effects.
type Resolver struct {
	cfg Config
}

// NewResolver creates a Resolver. Zero fields in cfg take the defaults.
func NewResolver(cfg Config) *Resolver {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.StrongThreshold <= 0 {
		cfg.StrongThreshold = DefaultStrongThreshold
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultMinScore
	}
	return &Resolver{cfg: cfg}
}

// Resolve picks the strategy for in and builds its prompt.
func (r *Resolver) Resolve(in Input) Resolved {
	candidates := in.Candidates
	var kept []boost.Candidate
	for _, c := range candidates {
		if c.Score > r.cfg.MinScore {
			kept = append(kept, c)
		}
	}
	tags := unionTags(kept)

	out := Resolved{
		ScenarioTags: tags,
		Candidates:   candidates,
		User:         UserPayload{CurrentNote: in.Note, Visit: in.visit(), Warnings: []string{}},
	}

	switch {
	case len(kept) == 0:
		out.Strategy, out.System = NoMatch, systemNoMatch
		out.User.Warnings = []string{WarnNoMatch}

	case slices.Contains(tags, boost.TagDuplicate):
		out.Strategy, out.System = Duplicate, systemDuplicate
		out.User.Warnings = []string{WarnDuplicate}

	case slices.Contains(tags, boost.TagConflict):
		out.Strategy, out.System = Conflicting, systemConflicting
		out.User.Warnings = []string{WarnConflicting}
		for _, c := range kept {
			if len(out.User.Context) == maxExcerpts {
				break
			}
			if c.HasTag(boost.TagConflict) {
				out.User.Context = append(out.User.Context, item("conflicting_history", c, excerpt(c.Content, conflictExcerpt), true))
			}
		}

	case slices.Contains(tags, boost.TagManual):
		out.Strategy, out.System = ManualOverride, systemManual
		for _, c := range kept {
			if len(c.Manual) == 0 {
				continue
			}
			codes := make([]string, len(c.Manual))
			for i, m := range c.Manual {
				codes[i] = fmt.Sprintf("%s (%s)", m.Code, m.System)
			}
			out.User.Context = append(out.User.Context, ContextItem{
				Type:       "manual_codes",
				RevisionID: c.RevisionID,
				Content:    "Manual codes: " + strings.Join(codes, ", "),
			})
		}

	case len(kept) == 1 && kept[0].Score >= r.cfg.StrongThreshold:
		out.Strategy, out.System = StrongSingle, systemStrongSingle
		out.User.Context = []ContextItem{item("strong_match", kept[0], kept[0].Content, true)}

	case len(kept) > 1:
		out.Strategy, out.System = MultiMatch, systemMultiMatch
		for _, c := range kept[:min(maxExcerpts, len(kept))] {
			out.User.Context = append(out.User.Context, item("similar_note", c, excerpt(c.Content, similarExcerpt), false))
		}

	default:
		out.Strategy, out.System = Longitudinal, systemLongitudinal
		for _, c := range kept[:min(r.cfg.TopK, len(kept))] {
			out.User.Context = append(out.User.Context, item("historical", c, c.Content, false))
		}
	}
	return out
}

func item(typ string, c boost.Candidate, content string, withMeta bool) ContextItem {
	score := c.Score
	it := ContextItem{Type: typ, RevisionID: c.RevisionID, Content: content, Score: &score}
	if withMeta {
		it.Metadata = &ItemMetadata{VisitType: c.Visit.VisitType, Specialty: c.Visit.Specialty}
	}
	return it
}

// excerpt keeps the first n runes of s and appends "...".
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r) + "..."
}

func unionTags(cands []boost.Candidate) []string {
	seen := make(map[string]struct{})
	var tags []string
	for _, c := range cands {
		for _, t := range c.Tags {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			tags = append(tags, t)
		}
	}
	return tags
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
