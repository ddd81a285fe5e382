// Package telemetry implements C7: request counters, EMA latency tracking
// and the component health roll-up. It is grounded on
// internal/services/core/health.go's HealthStatus/HealthCheck/
// ComponentCheck/AggregateStatus vocabulary, generalized from a
// database/dependency health checker to the verification pipeline's own
// SLOs (latency budget, oracle health, success rate) instead of store pings.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/trustwrapper/gateway/internal/verification"
)

// HealthStatus represents the health state of a component or the system.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentCheck is the health report for a single named dependency.
type ComponentCheck struct {
	Name    string
	Status  HealthStatus
	Message string
}

// HealthCheck is the aggregate health report returned by Recorder.Health.
type HealthCheck struct {
	Status    HealthStatus
	Timestamp time.Time
	Checks    []ComponentCheck
}

// IsHealthy reports whether the overall status is healthy.
func (h HealthCheck) IsHealthy() bool { return h.Status == HealthStatusHealthy }

// AggregateStatus combines multiple statuses, returning the worst.
func AggregateStatus(statuses ...HealthStatus) HealthStatus {
	result := HealthStatusHealthy
	for _, s := range statuses {
		if s == HealthStatusUnhealthy {
			return HealthStatusUnhealthy
		}
		if s == HealthStatusDegraded {
			result = HealthStatusDegraded
		}
	}
	return result
}

// Thresholds configures when Recorder.Health reports a degraded system.
type Thresholds struct {
	MaxTotalLatencyMS float64
	MinOracleHealth   float64
	MinSuccessRate    float64
}

// DefaultThresholds matches §4.7's documented roll-up rule.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxTotalLatencyMS: 50,
		MinOracleHealth:   0.7,
		MinSuccessRate:    0.95,
	}
}

// Recorder accumulates counters and EMA latencies across requests and
// produces a rolling health roll-up. All methods are safe for concurrent
// use.
type Recorder struct {
	mu sync.Mutex

	total        uint64
	byStatus     map[verification.Status]uint64
	byViolation  map[verification.Violation]uint64

	localLatencyEMA float64
	totalLatencyEMA float64
	oracleHealthEMA float64
	emaInitialized  bool

	successCount uint64
	failureCount uint64

	thresholds Thresholds
}

const emaAlpha = 0.1

// NewRecorder constructs a Recorder with the given roll-up thresholds. A
// zero Thresholds value is replaced with DefaultThresholds.
func NewRecorder(thresholds Thresholds) *Recorder {
	if thresholds.MaxTotalLatencyMS <= 0 {
		thresholds = DefaultThresholds()
	}
	return &Recorder{
		byStatus:    make(map[verification.Status]uint64),
		byViolation: make(map[verification.Violation]uint64),
		thresholds:  thresholds,
	}
}

// Record folds one completed verification into the rolling counters.
func (r *Recorder) Record(result verification.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	r.byStatus[result.Status]++
	for _, v := range result.Violations {
		r.byViolation[v]++
	}

	if result.Status == verification.StatusVerified {
		r.successCount++
	} else if result.Status == verification.StatusFailed {
		r.failureCount++
	}

	localMS := float64(result.LocalLatencyNS) / 1e6
	totalMS := float64(result.TotalLatencyNS) / 1e6

	if !r.emaInitialized {
		r.localLatencyEMA = localMS
		r.totalLatencyEMA = totalMS
		r.oracleHealthEMA = result.OracleHealth
		r.emaInitialized = true
		return
	}

	r.localLatencyEMA = emaAlpha*localMS + (1-emaAlpha)*r.localLatencyEMA
	r.totalLatencyEMA = emaAlpha*totalMS + (1-emaAlpha)*r.totalLatencyEMA
	r.oracleHealthEMA = emaAlpha*result.OracleHealth + (1-emaAlpha)*r.oracleHealthEMA
}

// Snapshot is a point-in-time read of the rolling counters.
type Snapshot struct {
	Total           uint64
	ByStatus        map[verification.Status]uint64
	ByViolation     map[verification.Violation]uint64
	LocalLatencyEMA float64
	TotalLatencyEMA float64
	OracleHealthEMA float64
	SuccessRate     float64
}

// Snapshot returns a copy of the current counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	byStatus := make(map[verification.Status]uint64, len(r.byStatus))
	for k, v := range r.byStatus {
		byStatus[k] = v
	}
	byViolation := make(map[verification.Violation]uint64, len(r.byViolation))
	for k, v := range r.byViolation {
		byViolation[k] = v
	}

	return Snapshot{
		Total:           r.total,
		ByStatus:        byStatus,
		ByViolation:     byViolation,
		LocalLatencyEMA: r.localLatencyEMA,
		TotalLatencyEMA: r.totalLatencyEMA,
		OracleHealthEMA: r.oracleHealthEMA,
		SuccessRate:     r.successRateLocked(),
	}
}

// successRateLocked must be called with r.mu held.
func (r *Recorder) successRateLocked() float64 {
	attempted := r.successCount + r.failureCount
	if attempted == 0 {
		return 1
	}
	return float64(r.successCount) / float64(attempted)
}

// Health rolls up the current snapshot into the §4.7 health rule: healthy
// unless avg total latency exceeds the configured budget, oracle health
// drops below its floor, or the success rate drops below its floor.
func (r *Recorder) Health(ctx context.Context, dependencies ...ComponentCheck) HealthCheck {
	snap := r.Snapshot()

	status := HealthStatusHealthy
	if snap.TotalLatencyEMA > r.thresholds.MaxTotalLatencyMS {
		status = HealthStatusDegraded
	}
	if snap.OracleHealthEMA > 0 && snap.OracleHealthEMA < r.thresholds.MinOracleHealth {
		status = HealthStatusDegraded
	}
	if snap.Total > 0 && snap.SuccessRate < r.thresholds.MinSuccessRate {
		status = HealthStatusDegraded
	}

	statuses := []HealthStatus{status}
	for _, dep := range dependencies {
		statuses = append(statuses, dep.Status)
	}

	return HealthCheck{
		Status:    AggregateStatus(statuses...),
		Timestamp: time.Now().UTC(),
		Checks:    dependencies,
	}
}
