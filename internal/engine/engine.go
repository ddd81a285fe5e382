// Package engine implements C6, the verification orchestrator: it
// validates requests, consults the cache, fans work out to the local
// verifier and oracle risk manager, fuses their results into a risk grade,
// optionally attests the outcome, and records metrics — all within one
// cooperative cancellation scope bound to the per-request deadline.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/trustwrapper/gateway/infrastructure/logging"
	"github.com/trustwrapper/gateway/internal/attestation"
	"github.com/trustwrapper/gateway/internal/config"
	"github.com/trustwrapper/gateway/internal/oracle"
	"github.com/trustwrapper/gateway/internal/telemetry"
	"github.com/trustwrapper/gateway/internal/twcache"
	"github.com/trustwrapper/gateway/internal/verification"
	"github.com/trustwrapper/gateway/internal/verifier"
)

// oracleRequiredKinds names the claim kinds whose rules depend on an
// oracle verdict, per §4.6 step 3b/3d.
var oracleRequiredKinds = map[verification.Kind]bool{
	verification.KindTradingDecision: true,
	verification.KindDeFiStrategy:    true,
}

// fingerprintWindow buckets near-simultaneous identical requests so they
// coalesce in the cache, per §3's Fingerprint definition.
const fingerprintWindow = 60 * time.Second

// overheadMargin is subtracted from the remaining budget before handing it
// to the oracle fan-out, leaving headroom for risk synthesis and
// attestation.
const overheadMargin = 3 * time.Millisecond

// Engine is the verification orchestrator.
type Engine struct {
	cfg          config.Config
	cache        *twcache.Cache[verification.Result]
	verifier     *verifier.Verifier
	riskManager  *oracle.RiskManager
	attestor     *attestation.Generator
	recorder     *telemetry.Recorder
	log          *logging.Logger

	inflight chan struct{}
}

// New wires the five owned components into an Engine per SPEC_FULL.md §2's
// component table. riskManager and attestor may be nil when the deployment
// has no configured oracle sources or does not need attestations; verifier
// and recorder must not be nil.
func New(cfg config.Config, cache *twcache.Cache[verification.Result], v *verifier.Verifier, rm *oracle.RiskManager, att *attestation.Generator, rec *telemetry.Recorder, log *logging.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		cache:       cache,
		verifier:    v,
		riskManager: rm,
		attestor:    att,
		recorder:    rec,
		log:         log,
		inflight:    make(chan struct{}, cfg.MaxInflightRequests),
	}
}

// Verify runs the §4.6 algorithm end to end.
func (e *Engine) Verify(ctx context.Context, req verification.Request) verification.Result {
	start := time.Now()

	if err := e.validate(req); err != nil {
		return failedResult(req.RequestID, verification.ViolationInvalidRequest)
	}

	select {
	case e.inflight <- struct{}{}:
		defer func() { <-e.inflight }()
	default:
		return failedResult(req.RequestID, verification.ViolationOverloaded)
	}

	maxTotal := time.Duration(e.cfg.MaxTotalMS) * time.Millisecond
	if maxTotal <= 0 {
		return failedResult(req.RequestID, verification.ViolationOverloaded)
	}

	ctx, cancel := context.WithTimeout(ctx, maxTotal)
	defer cancel()

	fp := fingerprint(req)

	// A cache hit carries its original LocalLatencyNS/TotalLatencyNS
	// forward unchanged, per §4.6 step 2; only a genuine miss stamps fresh
	// latencies, computed inside compute() itself.
	if cached, hit := e.cache.Get(fp); hit {
		result := cached
		result.RequestID = req.RequestID
		result.Details = cloneDetails(cached.Details)
		result.Details["from_cache"] = true
		if e.recorder != nil {
			e.recorder.Record(result)
		}
		if e.log != nil {
			e.log.LogVerification(ctx, req.RequestID, string(req.Kind), string(result.Status), time.Since(start))
		}
		return result
	}

	result, err := e.cache.GetOrCompute(ctx, fp, e.resultTTL(), func(ctx context.Context) (verification.Result, error) {
		return e.compute(ctx, req), nil
	})
	if err != nil {
		return failedResult(req.RequestID, verification.ViolationInternalError)
	}

	result.RequestID = req.RequestID
	if e.recorder != nil {
		e.recorder.Record(result)
	}
	if e.log != nil {
		e.log.LogVerification(ctx, req.RequestID, string(req.Kind), string(result.Status), time.Since(start))
	}
	return result
}

// cloneDetails copies a cached result's Details map so a cache hit can stamp
// from_cache on its own copy without mutating the entry other concurrent
// readers share.
func cloneDetails(details map[string]any) map[string]any {
	clone := make(map[string]any, len(details)+1)
	for k, v := range details {
		clone[k] = v
	}
	return clone
}

func (e *Engine) resultTTL() time.Duration {
	if e.cfg.ResultTTLMS <= 0 {
		return 300 * time.Second
	}
	return time.Duration(e.cfg.ResultTTLMS) * time.Millisecond
}

// compute implements §4.6 steps 3-8. It runs once per cache miss; concurrent
// identical requests share this call via GetOrCompute's single-flight, so it
// owns the only fresh TotalLatencyNS stamp for this fingerprint.
func (e *Engine) compute(ctx context.Context, req verification.Request) verification.Result {
	computeStart := time.Now()
	localStart := computeStart
	local := e.verifier.Verify(req.Kind, req.Payload, nil, req.RequestID)
	oracleVerdict := verification.OracleVerdict{HealthScore: 1, Classification: verification.ClassNormal}

	if oracleRequiredKinds[req.Kind] && e.riskManager != nil {
		deadline, _ := ctx.Deadline()
		budget := time.Until(deadline) - overheadMargin
		if budget < 0 {
			budget = 0
		}

		pair, at := extractPairAndTime(req)
		oracleVerdict = e.riskManager.Verify(ctx, pair, at, req.OracleSources, budget)
		local = e.verifier.Verify(req.Kind, req.Payload, &oracleVerdict, req.RequestID)
	}

	localLatency := time.Since(localStart)

	riskScore, riskGrade := synthesizeRisk(local, oracleVerdict, e.cfg.DevNormal)
	confidence := synthesizeConfidence(local, oracleVerdict, riskScore)
	status := decideStatus(local, oracleVerdict, riskGrade, req.Kind)

	compliance := e.evaluateCompliance(req, local)
	status = applyComplianceGate(status, compliance)

	violations := append([]verification.Violation(nil), local.Violations...)
	if oracleRequiredKinds[req.Kind] {
		switch oracleVerdict.Classification {
		case verification.ClassInsufficient:
			violations = appendUnique(violations, verification.ViolationInsufficientOracleSources)
		case verification.ClassManipulation:
			violations = appendUnique(violations, verification.ViolationOraclePriceManipulation)
		}
	}

	local.Details["from_cache"] = false

	result := verification.Result{
		RequestID:      req.RequestID,
		Status:         status,
		Confidence:     confidence,
		RiskGrade:      riskGrade,
		RiskScore:      riskScore,
		Violations:     violations,
		OracleHealth:   oracleVerdict.HealthScore,
		LocalLatencyNS: localLatency.Nanoseconds(),
		Compliance:     compliance,
		Details:        local.Details,
	}

	if req.PreservePrivacy && e.attestor != nil {
		view := attestation.View{
			Status:     string(result.Status),
			RiskGrade:  string(result.RiskGrade),
			Confidence: result.Confidence,
			Compliance: compliance,
		}
		if att, err := e.attestor.Attest(view); err == nil {
			result.Attestation = att
		}
	}

	result.TotalLatencyNS = time.Since(computeStart).Nanoseconds()
	return result
}

// extractPairAndTime pulls the pair/timestamp fields the oracle fan-out
// needs out of the typed payload, per §4.6 step 3b's
// pair_from_payload/timestamp_from_payload.
func extractPairAndTime(req verification.Request) (string, time.Time) {
	switch req.Kind {
	case verification.KindTradingDecision:
		var trade verification.TradingDecision
		if err := json.Unmarshal(req.Payload, &trade); err == nil {
			at := req.CreatedAt
			if trade.Timestamp != 0 {
				at = time.Unix(trade.Timestamp, 0)
			}
			return trade.Pair, at
		}
	case verification.KindDeFiStrategy:
		var strat verification.DeFiStrategy
		if err := json.Unmarshal(req.Payload, &strat); err == nil {
			return strat.Pair, req.CreatedAt
		}
	}
	return "", req.CreatedAt
}

// synthesizeRisk implements §4.6 step 4's risk_score and risk_grade.
func synthesizeRisk(local verification.LocalResult, oracleVerdict verification.OracleVerdict, devNormal float64) (float64, verification.RiskGrade) {
	deviationPenalty := 0.0
	if d := oracleVerdict.MaxDeviation - devNormal; d > 0 {
		deviationPenalty = d
	}

	riskScore := local.RiskScore + 0.3*(1-oracleVerdict.HealthScore) + 0.5*deviationPenalty
	riskScore = clamp(riskScore, 0, 1)

	return riskScore, bucketRiskGrade(riskScore)
}

func bucketRiskGrade(riskScore float64) verification.RiskGrade {
	switch {
	case riskScore <= 0.2:
		return verification.RiskLow
	case riskScore <= 0.5:
		return verification.RiskMedium
	case riskScore <= 0.8:
		return verification.RiskHigh
	default:
		return verification.RiskCritical
	}
}

// synthesizeConfidence implements §4.6 step 4's confidence formula.
func synthesizeConfidence(local verification.LocalResult, oracleVerdict verification.OracleVerdict, riskScore float64) float64 {
	confidence := 0.5*local.Confidence + 0.5*oracleVerdict.HealthScore - 0.3*riskScore
	return clamp(confidence, 0, 1)
}

// decideStatus implements §4.6 step 5.
func decideStatus(local verification.LocalResult, oracleVerdict verification.OracleVerdict, riskGrade verification.RiskGrade, kind verification.Kind) verification.Status {
	if riskGrade == verification.RiskCritical {
		return verification.StatusFailed
	}
	if !local.Valid {
		return verification.StatusFailed
	}
	if oracleRequiredKinds[kind] {
		if oracleVerdict.Classification == verification.ClassManipulation || oracleVerdict.Classification == verification.ClassInsufficient {
			return verification.StatusFailed
		}
	}
	if riskGrade == verification.RiskHigh {
		return verification.StatusNeedsReview
	}
	return verification.StatusVerified
}

// applyComplianceGate downgrades a verified result to needs_review when any
// required compliance tag is unmet, per §4.6 step 5.
func applyComplianceGate(status verification.Status, compliance map[string]bool) verification.Status {
	if status != verification.StatusVerified {
		return status
	}
	for _, ok := range compliance {
		if !ok {
			return verification.StatusNeedsReview
		}
	}
	return status
}

// evaluateCompliance implements §6.5's predicates.
func (e *Engine) evaluateCompliance(req verification.Request, local verification.LocalResult) map[string]bool {
	if len(req.Compliance) == 0 {
		return nil
	}
	out := make(map[string]bool, len(req.Compliance))
	for _, tag := range req.Compliance {
		switch tag {
		case "SOC2":
			hasAudit, _ := local.Details["audit_trail"].(bool)
			out[tag] = req.PreservePrivacy && hasAudit
		case "ISO27001":
			integrity, _ := local.Details["data_integrity"].(bool)
			out[tag] = integrity
		case "GDPR":
			out[tag] = req.PreservePrivacy
		default:
			out[tag] = false
		}
	}
	return out
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func appendUnique(violations []verification.Violation, v verification.Violation) []verification.Violation {
	for _, existing := range violations {
		if existing == v {
			return violations
		}
	}
	return append(violations, v)
}

func failedResult(requestID string, v verification.Violation) verification.Result {
	return verification.Result{
		RequestID:  requestID,
		Status:     verification.StatusFailed,
		Confidence: 0,
		RiskGrade:  verification.RiskCritical,
		RiskScore:  1,
		Violations: []verification.Violation{v},
	}
}

// validate enforces the §3 VerificationRequest invariants.
func (e *Engine) validate(req verification.Request) error {
	if req.RequestID == "" || len(req.RequestID) > 64 {
		return fmt.Errorf("request_id must be non-empty and at most 64 bytes")
	}
	if !req.Kind.Known() {
		return fmt.Errorf("unknown kind %q", req.Kind)
	}
	if req.CreatedAt.IsZero() {
		return fmt.Errorf("created_at must be non-zero")
	}
	return nil
}

// fingerprint computes a deterministic key over kind and a canonical
// ordering of the payload, bucketed by fingerprintWindow so near-
// simultaneous identical requests coalesce, per §3's Fingerprint entity.
func fingerprint(req verification.Request) string {
	var canonical map[string]any
	_ = json.Unmarshal(req.Payload, &canonical)

	canonicalBytes, _ := json.Marshal(sortedMap(canonical))

	bucket := req.CreatedAt.Truncate(fingerprintWindow).Unix()

	h := sha256.New()
	h.Write([]byte(req.Kind))
	h.Write(canonicalBytes)
	fmt.Fprintf(h, "%d", bucket)

	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// sortedMap renders a map deterministically regardless of Go's randomized
// map iteration order by producing a slice of key-value pairs sorted by
// key, which json.Marshal then emits in that fixed order.
func sortedMap(m map[string]any) []struct {
	Key   string
	Value any
} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]struct {
		Key   string
		Value any
	}, len(keys))
	for i, k := range keys {
		out[i] = struct {
			Key   string
			Value any
		}{Key: k, Value: m[k]}
	}
	return out
}
