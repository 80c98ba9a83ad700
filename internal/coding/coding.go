// Package coding holds the billing-code vocabulary shared by the pipeline stages.
package coding

import (
	"regexp"
	"slices"
)

// System identifies a code set.
type System string

const (
	ICD   System = "ICD"
	CPT   System = "CPT"
	HCPCS System = "HCPCS"
)

// Systems lists every accepted code system.
var Systems = []System{ICD, CPT, HCPCS}

// ParseSystem reports whether s names a known code system.
func ParseSystem(s string) (System, bool) {
	sys := System(s)
	return sys, slices.Contains(Systems, sys)
}

var formats = map[System]*regexp.Regexp{
	ICD:   regexp.MustCompile(`^[A-Z0-9]{3,7}$`),
	CPT:   regexp.MustCompile(`^\d{5}$`),
	HCPCS: regexp.MustCompile(`^[A-Z]\d{4}$|^\d{5}$`),
}

// ValidFormat reports whether code is well formed for its system. Unknown
// systems are never valid.
func ValidFormat(sys System, code string) bool {
	re, ok := formats[sys]
	return ok && re.MatchString(code)
}

// Ref is a code within a code system.
type Ref struct {
	Code   string `json:"code"`
	System System `json:"codeType"`
}

// Key is the identity of a code across systems, "SYSTEM:CODE".
func (r Ref) Key() string {
	return string(r.System) + ":" + r.Code
}

// ManualCode is a code a clinician entered by hand.
type ManualCode struct {
	Ref
	Description string `json:"description,omitempty"`
}

// Specialties lists the accepted clinical specialties.
var Specialties = []string{
	"CARDIOLOGY", "DERMATOLOGY", "ORTHOPEDICS", "PEDIATRICS", "PSYCHIATRY",
	"FAMILY_MEDICINE", "INTERNAL_MEDICINE", "OTHER",
}

// VisitTypes lists the accepted visit types.
var VisitTypes = []string{
	"OFFICE_VISIT", "CONSULTATION", "FOLLOW_UP", "ANNUAL_EXAM", "URGENT_CARE",
	"TELEMEDICINE", "PROCEDURE", "SURGERY", "OTHER",
}

// Other is the default specialty and visit type.
const Other = "OTHER"

func ValidSpecialty(s string) bool { return slices.Contains(Specialties, s) }
func ValidVisitType(s string) bool { return slices.Contains(VisitTypes, s) }
