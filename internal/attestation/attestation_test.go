package attestation

import (
	"strings"
	"testing"
)

func TestAttestRoundTripsSchemeTag(t *testing.T) {
	g := New([]byte("test-secret"))

	att, err := g.Attest(View{Status: "verified", RiskGrade: "low", Confidence: 0.95})
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}

	scheme, err := DecodeSchemeTag(att)
	if err != nil {
		t.Fatalf("DecodeSchemeTag: %v", err)
	}
	if scheme != SchemeTag {
		t.Fatalf("got scheme %q, want %q", scheme, SchemeTag)
	}
}

func TestAttestWithinLengthBudget(t *testing.T) {
	g := New([]byte("test-secret"))

	att, err := g.Attest(View{
		Status:     "verified",
		RiskGrade:  "low",
		Confidence: 0.5,
		Compliance: map[string]bool{"SOC2": true, "GDPR": true},
		ExtraTags:  []string{"a", "b", "c"},
	})
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if len(att) > MaxLength {
		t.Fatalf("attestation length %d exceeds %d", len(att), MaxLength)
	}
}

func TestAttestNeverRepeatsForIdenticalView(t *testing.T) {
	g := New([]byte("test-secret"))
	view := View{Status: "verified", RiskGrade: "low", Confidence: 0.9}

	a1, err := g.Attest(view)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := g.Attest(view)
	if err != nil {
		t.Fatal(err)
	}
	if a1 == a2 {
		t.Fatal("expected distinct attestations for repeated identical views (monotonic salt)")
	}
}

func TestAttestIsURLSafe(t *testing.T) {
	g := New([]byte("test-secret"))
	att, err := g.Attest(View{Status: "failed", RiskGrade: "high", Confidence: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if strings.ContainsAny(att, "+/=") {
		t.Fatalf("attestation %q is not URL-safe base64", att)
	}
}

func TestDecodeSchemeTagRejectsGarbage(t *testing.T) {
	if _, err := DecodeSchemeTag("not-valid-base64!!!"); err == nil {
		t.Fatal("expected error decoding garbage input")
	}
}
