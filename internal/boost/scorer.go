// Package boost re-ranks retrieved candidates with fixed additive heuristics.
package boost

import (
	"sort"
	"time"

	"github.com/kalambet/notecoder/internal/coding"
	"github.com/kalambet/notecoder/internal/retrieval"
)

// Scenario tags attached to boosted candidates.
const (
	TagRecent        = "recent"
	TagSameProvider  = "same_provider"
	TagSameVisitType = "same_visit_type"
	TagManual        = "manual_override"
	TagConflict      = "conflict"
	TagDuplicate     = "duplicate"
)

const (
	RecentWindow    = 90 * 24 * time.Hour
	RecentBoost     = 0.05
	SameProvider    = 0.10
	SameVisitType   = 0.10
	ManualBoost     = 0.08
	ConflictPenalty = -0.12
)

// VisitTypeTarget selects what a candidate's visit type is compared against.
type VisitTypeTarget int

const (
	// VisitTypeSelf compares the candidate's visit type with itself, falling
	// back to OTHER when blank. Every candidate with a visit type matches.
	VisitTypeSelf VisitTypeTarget = iota
	// VisitTypeRequest compares with the current request's visit type.
	VisitTypeRequest
)

// ParseVisitTypeTarget maps the config value ("candidate" or "request").
func ParseVisitTypeTarget(s string) VisitTypeTarget {
	if s == "request" {
		return VisitTypeRequest
	}
	return VisitTypeSelf
}

// Candidate is a retrieval candidate with its boosted score and tags.
type Candidate struct {
	retrieval.Candidate
	Score float64
	Tags  []string
}

// HasTag reports whether tag was attached.
func (c Candidate) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Scorer applies the boosts. It is pure: the same input and clock give the
// same output.
type Scorer struct {
	target VisitTypeTarget
	now    func() time.Time
}

func NewScorer(target VisitTypeTarget) *Scorer {
	return &Scorer{target: target, now: time.Now}
}

// Score boosts each candidate and returns them sorted by descending score.
// Ties keep retrieval order.
func (s *Scorer) Score(cands []retrieval.Candidate, providerID, visitType string) []Candidate {
	now := s.now()
	out := make([]Candidate, len(cands))
	for i, c := range cands {
		score := c.Similarity
		var tags []string

		if now.Sub(c.CreatedAt) < RecentWindow {
			score += RecentBoost
			tags = append(tags, TagRecent)
		}
		if providerID != "" && c.Visit.ProviderID == providerID {
			score += SameProvider
			tags = append(tags, TagSameProvider)
		}
		if c.Visit.VisitType == s.visitTypeTarget(c, visitType) {
			score += SameVisitType
			tags = append(tags, TagSameVisitType)
		}
		if len(c.Manual) > 0 {
			score += ManualBoost
			tags = append(tags, TagManual)
		}
		if HasConflict(c) {
			score += ConflictPenalty
			tags = append(tags, TagConflict)
		}

		out[i] = Candidate{Candidate: c, Score: clamp(score), Tags: tags}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (s *Scorer) visitTypeTarget(c retrieval.Candidate, requested string) string {
	if s.target == VisitTypeRequest {
		return orOther(requested)
	}
	return orOther(c.Visit.VisitType)
}

func orOther(v string) string {
	if v == "" {
		return coding.Other
	}
	return v
}

// HasConflict reports whether some code was both finalized and rejected.
func HasConflict(c retrieval.Candidate) bool {
	accepted := make(map[string]struct{}, len(c.Finalized))
	for _, r := range c.Finalized {
		accepted[r.Key()] = struct{}{}
	}
	for _, r := range c.Rejected {
		if _, ok := accepted[r.Key()]; ok {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	return max(0, min(1, v))
}
