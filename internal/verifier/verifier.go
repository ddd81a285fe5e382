// Package verifier implements the deterministic, in-process rule engine
// (C4): one function per claim kind, no network I/O, no wall-clock reads
// beyond an injected clock. Grounded on the fast-path validation style of
// local_verification.py's per-kind _verify_* functions, ported to
// Go's typed-payload model instead of dynamic dicts.
package verifier

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/trustwrapper/gateway/internal/verification"
)

// Clock supplies the current time so that verification stays deterministic
// under test; Now must be the only source of wall-clock reads in this
// package.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock backed by time.Now.
var SystemClock Clock = systemClock{}

// Config holds the tunable thresholds referenced by the per-kind rules.
type Config struct {
	PerformanceThreshold float64 // allowed ROI deviation, default 0.05
	PositionCap          float64 // absolute max_position_size cap, default 10000
	DenyListedProtocols  map[string]bool
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		PerformanceThreshold: 0.05,
		PositionCap:          10000,
		DenyListedProtocols:  map[string]bool{},
	}
}

// Verifier applies per-kind deterministic rules to a claim payload.
type Verifier struct {
	cfg   Config
	clock Clock
}

// New constructs a Verifier. A nil clock defaults to SystemClock.
func New(cfg Config, clock Clock) *Verifier {
	if clock == nil {
		clock = SystemClock
	}
	if cfg.DenyListedProtocols == nil {
		cfg.DenyListedProtocols = map[string]bool{}
	}
	return &Verifier{cfg: cfg, clock: clock}
}

// Verify applies the rules for kind to payload, optionally folding in an
// oracle verdict (nil when no oracle context is available). requestID is
// the caller's VerificationRequest.RequestID and only feeds the audit_trail
// compliance predicate below; it never affects Valid/RiskScore. Verify
// never returns an error: an undecodable payload surfaces as a violation.
func (v *Verifier) Verify(kind verification.Kind, payload json.RawMessage, oracle *verification.OracleVerdict, requestID string) verification.LocalResult {
	var result verification.LocalResult
	switch kind {
	case verification.KindTradingDecision:
		result = v.verifyTradingDecision(payload, oracle)
	case verification.KindPerformanceClaim:
		result = v.verifyPerformanceClaim(payload)
	case verification.KindDeFiStrategy:
		result = v.verifyDeFiStrategy(payload)
	case verification.KindRiskCompliance:
		result = v.verifyRiskCompliance(payload)
	case verification.KindGeneric:
		result = v.verifyGeneric(payload)
	default:
		result = verification.LocalResult{
			Valid:      false,
			Confidence: 0,
			Violations: []verification.Violation{verification.ViolationUnknownKind},
			RiskScore:  1,
			Details:    map[string]any{},
		}
	}
	stampAuditFields(&result, requestID)
	return result
}

// stampAuditFields sets the two compliance-predicate keys every LocalResult
// carries: audit_trail reflects whether the request carried an identifier
// the gateway can trace back to a caller, and data_integrity is false only
// when the payload itself was found tampered or malformed (fabricated
// precision or a structurally invalid strategy schema). Ported from
// original_source's per-claim audit_trail/data_integrity fields, which fed
// the same SOC2/ISO27001 predicates there.
func stampAuditFields(result *verification.LocalResult, requestID string) {
	if result.Details == nil {
		result.Details = map[string]any{}
	}
	result.Details["audit_trail"] = requestID != ""
	result.Details["data_integrity"] = !result.HasViolation(verification.ViolationSuspiciousPrecision) &&
		!result.HasViolation(verification.ViolationInvalidStrategyConfig)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func (v *Verifier) verifyTradingDecision(payload json.RawMessage, oracle *verification.OracleVerdict) verification.LocalResult {
	var trade verification.TradingDecision
	if err := json.Unmarshal(payload, &trade); err != nil {
		return invalidPayload()
	}

	var violations []verification.Violation
	riskScore := 0.0

	if trade.Pair == "" {
		violations = append(violations, verification.InvalidField("pair"))
		riskScore += 0.1
	}
	if trade.Action != "buy" && trade.Action != "sell" {
		violations = append(violations, verification.InvalidField("action"))
		riskScore += 0.1
	}
	if trade.Amount <= 0 {
		violations = append(violations, verification.InvalidField("amount"))
		riskScore += 0.1
	}
	if trade.Price <= 0 {
		violations = append(violations, verification.InvalidField("price"))
		riskScore += 0.1
	}
	if trade.Timestamp == 0 {
		violations = append(violations, verification.InvalidField("timestamp"))
		riskScore += 0.1
	} else {
		age := math.Abs(float64(v.clock.Now().Unix() - trade.Timestamp))
		if age > 300 {
			violations = append(violations, verification.ViolationStaleTradeData)
			riskScore += 0.1
		}
	}

	if trade.Strategy != nil {
		if trade.Strategy.MaxPosition > 0 && trade.Amount*trade.Price > trade.Strategy.MaxPosition {
			violations = append(violations, verification.ViolationRiskLimitExceeded)
			riskScore += 0.4
		}
		if strategyInconsistentWithAction(trade.Strategy.Type, trade.Action) {
			violations = append(violations, verification.ViolationStrategyDeviation)
			riskScore += 0.3
		}
	}

	if oracle != nil && oracle.Classification == verification.ClassManipulation {
		violations = append(violations, verification.ViolationOraclePriceManipulation)
		riskScore += 0.3
	}

	riskScore = clamp01(riskScore)
	return verification.LocalResult{
		Valid:      len(violations) == 0,
		Confidence: 1 - riskScore,
		Violations: violations,
		RiskScore:  riskScore,
		Details: map[string]any{
			"bot_id": trade.BotID,
		},
	}
}

// strategyInconsistentWithAction is a conservative heuristic: a "dca" or
// "grid" accumulation strategy declaring a sell action on its opening leg
// is internally inconsistent.
func strategyInconsistentWithAction(strategyType, action string) bool {
	switch strategyType {
	case "dca", "grid":
		return action == "sell"
	default:
		return false
	}
}

func (v *Verifier) verifyPerformanceClaim(payload json.RawMessage) verification.LocalResult {
	var claim verification.PerformanceClaim
	if err := json.Unmarshal(payload, &claim); err != nil {
		return invalidPayload()
	}

	const epsilon = 1e-9
	var violations []verification.Violation
	riskScore := 0.0

	roiBase := math.Abs(claim.Claimed.ROI)
	if roiBase < epsilon {
		roiBase = epsilon
	}
	roiDeviation := math.Abs(claim.Claimed.ROI-claim.Actual.ROI) / roiBase
	if roiDeviation > v.cfg.PerformanceThreshold {
		violations = append(violations, verification.ViolationPerformanceMismatch)
		riskScore += roiDeviation
	}

	winRateDeviation := math.Abs(claim.Claimed.WinRate - claim.Actual.WinRate)
	if winRateDeviation > 0.1 {
		violations = append(violations, verification.ViolationWinRateMismatch)
		riskScore += winRateDeviation * 0.2
	}

	if claim.Claimed.ROI > 5.0 || claim.Claimed.WinRate > 0.95 ||
		(claim.Claimed.ROI > 0 && claim.Actual.ROI < 0) {
		violations = append(violations, verification.ViolationSuspiciousPattern)
		riskScore += 0.5
	}

	riskScore = clamp01(riskScore)
	return verification.LocalResult{
		Valid:      len(violations) == 0,
		Confidence: 1 - riskScore,
		Violations: violations,
		RiskScore:  riskScore,
		Details: map[string]any{
			"roi_deviation":      roiDeviation,
			"win_rate_deviation": winRateDeviation,
		},
	}
}

type rangeCheck struct {
	value   *float64
	field   string
	min     float64
	max     float64
	present bool
}

func (v *Verifier) verifyDeFiStrategy(payload json.RawMessage) verification.LocalResult {
	var strat verification.DeFiStrategy
	if err := json.Unmarshal(payload, &strat); err != nil {
		return invalidPayload()
	}

	var violations []verification.Violation
	riskScore := 0.0

	var ranges []rangeCheck
	switch strat.Type {
	case "dca":
		ranges = []rangeCheck{
			{value: strat.TakeProfit, field: "take_profit", min: 0.5, max: 20.0},
			{value: strat.SafetyOrders, field: "safety_orders", min: 1, max: 10},
			{value: strat.Deviation, field: "deviation", min: 1.0, max: 10.0},
		}
	case "grid":
		ranges = []rangeCheck{
			{value: strat.GridSize, field: "grid_size", min: 3, max: 50},
			{value: strat.UpperLimit, field: "upper_limit", min: 0.01, max: 2.0},
			{value: strat.LowerLimit, field: "lower_limit", min: 0.01, max: 2.0},
		}
	case "arbitrage":
		ranges = []rangeCheck{
			{value: strat.MinSpread, field: "min_spread", min: 0.001, max: 0.1},
			{value: strat.MaxExposure, field: "max_exposure", min: 0.1, max: 1.0},
		}
	case "lp":
		// no type-specific sub-schema beyond the shared fields.
	default:
		violations = append(violations, verification.ViolationInvalidStrategyConfig)
		riskScore += 0.2
	}

	for _, r := range ranges {
		if r.value == nil {
			violations = append(violations, verification.InvalidField(r.field))
			riskScore += 0.1
			continue
		}
		if *r.value < r.min || *r.value > r.max {
			violations = append(violations, verification.OutOfRange(r.field))
			riskScore += 0.15
		}
	}

	if strat.SlippageTolerance > 0.05 {
		violations = append(violations, verification.ViolationHighSlippageRisk)
		riskScore += 0.3
	}

	for _, protocol := range strat.Protocols {
		if v.cfg.DenyListedProtocols[protocol] {
			violations = append(violations, verification.ViolationHighRiskProtocol)
			riskScore += 0.25
		}
	}

	riskScore = clamp01(riskScore)
	return verification.LocalResult{
		Valid:      len(violations) == 0,
		Confidence: 1 - riskScore,
		Violations: violations,
		RiskScore:  riskScore,
		Details: map[string]any{
			"strategy_type":  strat.Type,
			"protocol_count": len(strat.Protocols),
		},
	}
}

func (v *Verifier) verifyRiskCompliance(payload json.RawMessage) verification.LocalResult {
	var risk verification.RiskCompliance
	if err := json.Unmarshal(payload, &risk); err != nil {
		return invalidPayload()
	}

	var violations []verification.Violation
	riskScore := 0.0

	if risk.MaxDrawdown > 0.2 {
		violations = append(violations, verification.ViolationExcessiveDrawdownLimit)
		riskScore += (risk.MaxDrawdown - 0.2) * 2
	}
	if risk.MaxPositionSize > v.cfg.PositionCap {
		violations = append(violations, verification.ViolationExcessivePositionSize)
		riskScore += 0.3
	}
	if risk.Leverage > 3.0 {
		violations = append(violations, verification.ViolationExcessiveLeverage)
		riskScore += (risk.Leverage - 3.0) * 0.2
	}
	if risk.StopLoss == nil {
		violations = append(violations, verification.ViolationMissingStopLoss)
		riskScore += 0.2
	} else if *risk.StopLoss > 0.1 {
		violations = append(violations, verification.ViolationWideStopLoss)
		riskScore += 0.1
	}

	riskScore = clamp01(riskScore)
	return verification.LocalResult{
		Valid:      len(violations) == 0,
		Confidence: 1 - riskScore,
		Violations: violations,
		RiskScore:  riskScore,
		Details: map[string]any{
			"max_drawdown": risk.MaxDrawdown,
			"leverage":     risk.Leverage,
		},
	}
}

func (v *Verifier) verifyGeneric(payload json.RawMessage) verification.LocalResult {
	var raw map[string]any
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &raw)
	}

	var violations []verification.Violation
	riskScore := 0.0

	if len(raw) == 0 {
		violations = append(violations, verification.ViolationEmptyData)
		riskScore = 1.0
	} else if hasSuspiciousPrecision(raw) {
		violations = append(violations, verification.ViolationSuspiciousPrecision)
		riskScore += 0.3
	}

	riskScore = clamp01(riskScore)
	return verification.LocalResult{
		Valid:      len(violations) == 0,
		Confidence: 1 - riskScore,
		Violations: violations,
		RiskScore:  riskScore,
		Details:    map[string]any{},
	}
}

// hasSuspiciousPrecision flags floating-point fields with more than 8
// fractional digits, a heuristic against fabricated numbers. Map iteration
// order does not affect the outcome: the result only depends on whether
// any field matches, not on which is found first.
func hasSuspiciousPrecision(data map[string]any) bool {
	for _, v := range data {
		f, ok := v.(float64)
		if !ok {
			continue
		}
		if fractionalDigits(f) > 8 {
			return true
		}
	}
	return false
}

func fractionalDigits(f float64) int {
	s := trimTrailingZeros(f)
	dot := -1
	for i, c := range s {
		if c == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return 0
	}
	return len(s) - dot - 1
}

// trimTrailingZeros renders f with enough precision to recover its exact
// fractional digit count, per strconv.FormatFloat's 'f', -1 verb.
func trimTrailingZeros(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func invalidPayload() verification.LocalResult {
	return verification.LocalResult{
		Valid:      false,
		Confidence: 0,
		Violations: []verification.Violation{verification.ViolationInvalidRequest},
		RiskScore:  1,
		Details:    map[string]any{},
	}
}
