// Package attestation produces opaque commitment strings tying a
// verification outcome to its inputs without exposing private fields.
//
// This is explicitly a commitment scheme, not a zero-knowledge proof: the
// teacher's own AI-trading pack labels a similar construction a "ZK proof"
// over a blockchain transaction (Aleo/Leo); that dependency and claim are
// deliberately not carried over here — see DESIGN.md. Attest exposes a
// pluggable capability so a future implementation could wrap a real proof
// system without changing callers.
package attestation

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
)

// SchemeTag identifies the construction and version encoded in every
// attestation, so decode_scheme_tag(att) can report which scheme produced
// it without parsing the rest of the string.
const SchemeTag = "tw-commitment-v1"

// MaxLength is the hard byte ceiling on an encoded attestation string.
const MaxLength = 512

// View is the minimum set of fields the caller authorizes for disclosure —
// typically booleans and coarse grades. The raw request payload must never
// be passed in.
type View struct {
	Status     string         `json:"status"`
	RiskGrade  string         `json:"risk_grade"`
	Confidence float64        `json:"confidence"`
	Compliance map[string]bool `json:"compliance,omitempty"`
	ExtraTags  []string       `json:"extra_tags,omitempty"`
}

// Generator produces commitments. It is stateless across calls except for
// an append-only counter used to salt each commitment monotonically, so
// that identical views on different calls never collide.
type Generator struct {
	secret  []byte
	counter uint64
}

// New constructs a Generator with the given long-lived secret (the server's
// salting key, not per-request). secret must be non-empty.
func New(secret []byte) *Generator {
	return &Generator{secret: append([]byte(nil), secret...)}
}

// Attest builds the opaque commitment string for view.
//
// Construction: encode(scheme_tag ∥ commitment ∥ public_view) where
// commitment = sha256(canonical_bytes(view) ∥ secret_salt), secret_salt is
// the generator's secret concatenated with a monotonic per-call counter so
// repeated calls over an identical view never produce the same commitment,
// and encode is URL-safe base64.
func (g *Generator) Attest(view View) (string, error) {
	canonical, err := canonicalBytes(view)
	if err != nil {
		return "", fmt.Errorf("canonicalize attestation view: %w", err)
	}

	salt := g.nextSalt()

	h := sha256.New()
	h.Write(canonical)
	h.Write(salt)
	commitment := h.Sum(nil)

	publicView, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("marshal public view: %w", err)
	}

	payload := struct {
		Scheme     string          `json:"scheme"`
		Commitment string          `json:"commitment"`
		View       json.RawMessage `json:"view"`
	}{
		Scheme:     SchemeTag,
		Commitment: base64.RawURLEncoding.EncodeToString(commitment),
		View:       publicView,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal attestation: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(raw)
	if len(encoded) > MaxLength {
		return "", fmt.Errorf("attestation exceeds %d bytes (%d)", MaxLength, len(encoded))
	}
	return encoded, nil
}

// nextSalt combines the generator's secret with a monotonic counter and a
// random component so that salts are unique per call without requiring
// external synchronization beyond the atomic counter.
func (g *Generator) nextSalt() []byte {
	n := atomic.AddUint64(&g.counter, 1)
	salt := make([]byte, 0, len(g.secret)+8+16)
	salt = append(salt, g.secret...)
	for i := 0; i < 8; i++ {
		salt = append(salt, byte(n>>(8*i)))
	}
	id := uuid.New()
	salt = append(salt, id[:]...)
	return salt
}

// canonicalBytes renders view deterministically: struct field order is
// fixed by Go's json encoder, and the only variable-order substructure
// (Compliance, a map) is flattened into a sorted slice first so that map
// iteration order never leaks into the commitment.
func canonicalBytes(view View) ([]byte, error) {
	type canonicalView struct {
		Status     string   `json:"status"`
		RiskGrade  string   `json:"risk_grade"`
		Confidence float64  `json:"confidence"`
		Compliance []string `json:"compliance"`
		ExtraTags  []string `json:"extra_tags"`
	}

	compliance := make([]string, 0, len(view.Compliance))
	for tag, ok := range view.Compliance {
		compliance = append(compliance, fmt.Sprintf("%s=%t", tag, ok))
	}
	sort.Strings(compliance)

	extra := append([]string(nil), view.ExtraTags...)
	sort.Strings(extra)

	return json.Marshal(canonicalView{
		Status:     view.Status,
		RiskGrade:  view.RiskGrade,
		Confidence: view.Confidence,
		Compliance: compliance,
		ExtraTags:  extra,
	})
}

// DecodeSchemeTag extracts the scheme tag from an encoded attestation
// without verifying the commitment, for the round-trip property
// `decode_scheme_tag(att) == current_scheme_version`.
func DecodeSchemeTag(attestation string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(attestation)
	if err != nil {
		return "", fmt.Errorf("decode attestation: %w", err)
	}

	var payload struct {
		Scheme string `json:"scheme"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("parse attestation: %w", err)
	}
	return payload.Scheme, nil
}
