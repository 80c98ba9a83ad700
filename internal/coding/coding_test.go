package coding

import "testing"

func TestValidFormat(t *testing.T) {
	tests := []struct {
		sys  System
		code string
		want bool
	}{
		{ICD, "I10", true},
		{ICD, "E11.9", false},
		{ICD, "E119", true},
		{ICD, "M5416XX", true},
		{ICD, "AB", false},
		{ICD, "ABCDEFGH", false},
		{ICD, "i10", false},
		{CPT, "99213", true},
		{CPT, "9921", false},
		{CPT, "A9921", false},
		{HCPCS, "G0438", true},
		{HCPCS, "99213", true},
		{HCPCS, "GG438", false},
		{System("SNOMED"), "12345", false},
	}
	for _, tt := range tests {
		if got := ValidFormat(tt.sys, tt.code); got != tt.want {
			t.Errorf("ValidFormat(%s, %q) = %v, want %v", tt.sys, tt.code, got, tt.want)
		}
	}
}

func TestParseSystem(t *testing.T) {
	if _, ok := ParseSystem("CPT"); !ok {
		t.Error("CPT should parse")
	}
	if _, ok := ParseSystem("cpt"); ok {
		t.Error("lowercase cpt should not parse")
	}
}

func TestRefKey(t *testing.T) {
	if got := (Ref{Code: "I10", System: ICD}).Key(); got != "ICD:I10" {
		t.Errorf("Key = %q", got)
	}
}
