package telemetry

import (
	"context"
	"testing"

	"github.com/trustwrapper/gateway/internal/verification"
)

func TestRecordAndSnapshot(t *testing.T) {
	r := NewRecorder(DefaultThresholds())

	r.Record(verification.Result{
		Status:         verification.StatusVerified,
		OracleHealth:   0.95,
		LocalLatencyNS: 5_000_000,
		TotalLatencyNS: 20_000_000,
	})
	r.Record(verification.Result{
		Status:         verification.StatusFailed,
		Violations:     []verification.Violation{verification.ViolationRiskLimitExceeded},
		OracleHealth:   0.9,
		LocalLatencyNS: 6_000_000,
		TotalLatencyNS: 25_000_000,
	})

	snap := r.Snapshot()
	if snap.Total != 2 {
		t.Fatalf("got total %d, want 2", snap.Total)
	}
	if snap.ByStatus[verification.StatusVerified] != 1 {
		t.Fatalf("got verified count %d, want 1", snap.ByStatus[verification.StatusVerified])
	}
	if snap.ByViolation[verification.ViolationRiskLimitExceeded] != 1 {
		t.Fatalf("got violation count %d, want 1", snap.ByViolation[verification.ViolationRiskLimitExceeded])
	}
	if snap.SuccessRate != 0.5 {
		t.Fatalf("got success rate %f, want 0.5", snap.SuccessRate)
	}
}

func TestHealthDegradedOnLowOracleHealth(t *testing.T) {
	r := NewRecorder(DefaultThresholds())
	r.Record(verification.Result{
		Status:         verification.StatusVerified,
		OracleHealth:   0.2,
		LocalLatencyNS: 1_000_000,
		TotalLatencyNS: 2_000_000,
	})

	health := r.Health(context.Background())
	if health.Status != HealthStatusDegraded {
		t.Fatalf("got status %q, want degraded", health.Status)
	}
}

func TestHealthHealthyByDefault(t *testing.T) {
	r := NewRecorder(DefaultThresholds())
	health := r.Health(context.Background())
	if !health.IsHealthy() {
		t.Fatalf("expected healthy with no recorded requests, got %q", health.Status)
	}
}

func TestHealthAggregatesDependencies(t *testing.T) {
	r := NewRecorder(DefaultThresholds())
	health := r.Health(context.Background(), ComponentCheck{Name: "cache", Status: HealthStatusUnhealthy})
	if health.Status != HealthStatusUnhealthy {
		t.Fatalf("got status %q, want unhealthy due to dependency", health.Status)
	}
}
