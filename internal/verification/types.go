// Package verification holds the data model shared by every TrustWrapper
// component: the request/result envelope, the claim kinds and their typed
// payloads, and the stable violation taxonomy. It has no behaviour of its
// own — it exists so internal/engine, internal/verifier and internal/oracle
// can agree on a vocabulary without importing each other.
package verification

import (
	"encoding/json"
	"time"
)

// Kind identifies the shape of a claim submitted for verification.
type Kind string

const (
	KindTradingDecision Kind = "trading_decision"
	KindPerformanceClaim Kind = "performance_claim"
	KindDeFiStrategy    Kind = "defi_strategy"
	KindRiskCompliance  Kind = "risk_compliance"
	KindGeneric         Kind = "generic"
)

// Known reports whether k is one of the five declared kinds.
func (k Kind) Known() bool {
	switch k {
	case KindTradingDecision, KindPerformanceClaim, KindDeFiStrategy, KindRiskCompliance, KindGeneric:
		return true
	default:
		return false
	}
}

// Status is the verdict attached to a VerificationResult.
type Status string

const (
	StatusVerified    Status = "verified"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
	StatusPending     Status = "pending"
)

// RiskGrade buckets a risk_score into a coarse label.
type RiskGrade string

const (
	RiskLow      RiskGrade = "low"
	RiskMedium   RiskGrade = "medium"
	RiskHigh     RiskGrade = "high"
	RiskCritical RiskGrade = "critical"
)

// Violation is a stable taxonomy tag, see spec §7.
type Violation string

const (
	ViolationInvalidRequest  Violation = "invalid_request"
	ViolationUnknownKind     Violation = "unknown_kind"
	ViolationStaleTradeData  Violation = "stale_trade_data"
	ViolationRiskLimitExceeded Violation = "risk_limit_exceeded"
	ViolationStrategyDeviation Violation = "strategy_deviation"
	ViolationPerformanceMismatch Violation = "performance_mismatch"
	ViolationWinRateMismatch     Violation = "win_rate_mismatch"
	ViolationSuspiciousPattern   Violation = "suspicious_pattern"
	ViolationInvalidStrategyConfig Violation = "invalid_strategy_config"
	ViolationHighSlippageRisk      Violation = "high_slippage_risk"
	ViolationHighRiskProtocol      Violation = "high_risk_protocol"
	ViolationExcessiveDrawdownLimit Violation = "excessive_drawdown_limit"
	ViolationExcessivePositionSize  Violation = "excessive_position_size"
	ViolationExcessiveLeverage      Violation = "excessive_leverage"
	ViolationMissingStopLoss        Violation = "missing_stop_loss"
	ViolationWideStopLoss           Violation = "wide_stop_loss"
	ViolationOraclePriceManipulation Violation = "oracle_price_manipulation"
	ViolationInsufficientOracleSources Violation = "insufficient_oracle_sources"
	ViolationHighOracleLatency         Violation = "high_oracle_latency"
	ViolationOverloaded                Violation = "overloaded"
	ViolationInternalError             Violation = "internal_error"
	ViolationEmptyData                 Violation = "empty_data"
	ViolationSuspiciousPrecision        Violation = "suspicious_precision"
)

// InvalidField builds the dynamic invalid_field_<name> tag.
func InvalidField(name string) Violation {
	return Violation("invalid_field_" + name)
}

// OutOfRange builds the dynamic <field>_out_of_range tag.
func OutOfRange(field string) Violation {
	return Violation(field + "_out_of_range")
}

// Request is the immutable value entering the engine. CreatedAt is
// monotonic-ish wall clock nanoseconds assigned by the caller, not by the
// engine, so that cache fingerprints and latency math share one clock.
type Request struct {
	RequestID       string
	Kind            Kind
	Payload         json.RawMessage
	CreatedAt       time.Time
	PreservePrivacy bool
	OracleSources   []string
	Compliance      []string
}

// Result is the immutable value returned by the engine.
type Result struct {
	RequestID       string
	Status          Status
	Confidence      float64
	RiskGrade       RiskGrade
	RiskScore       float64
	Violations      []Violation
	OracleHealth    float64
	LocalLatencyNS  int64
	TotalLatencyNS  int64
	Attestation     string
	Recommendations []string
	Compliance      map[string]bool
	Details         map[string]any
}

// HasViolation reports whether v is present in the result.
func (r Result) HasViolation(v Violation) bool {
	for _, existing := range r.Violations {
		if existing == v {
			return true
		}
	}
	return false
}

// HasViolation reports whether v is present in the local result.
func (r LocalResult) HasViolation(v Violation) bool {
	for _, existing := range r.Violations {
		if existing == v {
			return true
		}
	}
	return false
}

// TradingDecision is the typed payload for KindTradingDecision, §6.2.
type TradingDecision struct {
	Pair      string   `json:"pair"`
	Action    string   `json:"action"`
	Amount    float64  `json:"amount"`
	Price     float64  `json:"price"`
	Timestamp int64    `json:"timestamp"`
	Strategy  *Strategy `json:"strategy,omitempty"`
	BotID     string   `json:"bot_id,omitempty"`
}

// Strategy is the optional strategy descriptor attached to a trading decision.
type Strategy struct {
	Type        string  `json:"type"`
	MaxPosition float64 `json:"max_position,omitempty"`
}

// PerformanceFigures is the shared shape of claimed/actual in a performance claim.
type PerformanceFigures struct {
	ROI         float64 `json:"roi"`
	WinRate     float64 `json:"win_rate"`
	Sharpe      float64 `json:"sharpe,omitempty"`
	MaxDrawdown float64 `json:"max_drawdown,omitempty"`
}

// PerformanceClaim is the typed payload for KindPerformanceClaim, §6.2.
type PerformanceClaim struct {
	BotID   string             `json:"bot_id,omitempty"`
	Claimed PerformanceFigures `json:"claimed"`
	Actual  PerformanceFigures `json:"actual"`
}

// DeFiStrategy is the typed payload for KindDeFiStrategy, §6.2.
type DeFiStrategy struct {
	Type               string   `json:"type"`
	Pair               string   `json:"pair,omitempty"`
	SlippageTolerance  float64  `json:"slippage_tolerance,omitempty"`
	Protocols          []string `json:"protocols,omitempty"`

	// dca
	TakeProfit    *float64 `json:"take_profit,omitempty"`
	SafetyOrders  *float64 `json:"safety_orders,omitempty"`
	Deviation     *float64 `json:"deviation,omitempty"`

	// grid
	GridSize   *float64 `json:"grid_size,omitempty"`
	UpperLimit *float64 `json:"upper_limit,omitempty"`
	LowerLimit *float64 `json:"lower_limit,omitempty"`

	// arbitrage
	MinSpread   *float64 `json:"min_spread,omitempty"`
	MaxExposure *float64 `json:"max_exposure,omitempty"`
}

// RiskCompliance is the typed payload for KindRiskCompliance, §6.2.
type RiskCompliance struct {
	MaxDrawdown     float64 `json:"max_drawdown"`
	MaxPositionSize float64 `json:"max_position_size"`
	Leverage        float64 `json:"leverage"`
	StopLoss        *float64 `json:"stop_loss,omitempty"`
}

// PriceQuote is the raw, single-source result returned by an oracle Source.
// Invariant: Price > 0; ObservedAt must not be more than the configured
// staleness limit behind ReceivedAt, or the source must reject the quote at
// ingestion rather than let it reach the risk manager.
type PriceQuote struct {
	Source     string
	Price      float64
	Confidence float64
	ObservedAt time.Time
	ReceivedAt time.Time
	LatencyNS  int64
}

// SourceStatus is the health state machine C3 drives per oracle source.
type SourceStatus string

const (
	SourceHealthy     SourceStatus = "healthy"
	SourceDegraded    SourceStatus = "degraded"
	SourceFailed      SourceStatus = "failed"
	SourceUnreachable SourceStatus = "unreachable"
)

// OracleSource is the mutable record C3 owns for one configured upstream.
type OracleSource struct {
	SourceID            string
	Weight              float64
	DeclaredReliability float64
	Status              SourceStatus
	LastSuccessAt       time.Time

	ConsecutiveFailures int
	ConsecutiveSuccesses int
	AverageLatencyNS     float64
}

// Classification is the oracle consensus outcome, §4.3 step 7.
type Classification string

const (
	ClassNormal        Classification = "normal"
	ClassVolatile      Classification = "volatile"
	ClassManipulation  Classification = "suspected_manipulation"
	ClassInsufficient  Classification = "insufficient_sources"
)

// OracleVerdict is the value returned by RiskManager.Verify.
type OracleVerdict struct {
	ConsensusPrice        float64
	MaxDeviation          float64
	ParticipatingSources  []string
	SourceCount           int
	HealthScore           float64
	Classification        Classification
}

// LocalResult is the deterministic, in-process verdict produced by C4.
type LocalResult struct {
	Valid      bool
	Confidence float64
	Violations []Violation
	RiskScore  float64
	Details    map[string]any
}
