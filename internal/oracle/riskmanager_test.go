package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trustwrapper/gateway/internal/verification"
)

type fakeSource struct {
	price      float64
	confidence float64
	delay      time.Duration
	err        error
}

func (f fakeSource) Fetch(ctx context.Context, pair string, at time.Time) (verification.PriceQuote, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return verification.PriceQuote{}, ctx.Err()
		}
	}
	if f.err != nil {
		return verification.PriceQuote{}, f.err
	}
	return verification.PriceQuote{Source: pair, Price: f.price, Confidence: f.confidence}, nil
}

func newTestRiskManager() *RiskManager {
	return NewRiskManager(DefaultThresholds())
}

func TestVerifyNormalConsensus(t *testing.T) {
	rm := newTestRiskManager()
	rm.Register("a", 0.5, 1.0, fakeSource{price: 43490, confidence: 1.0})
	rm.Register("b", 0.5, 1.0, fakeSource{price: 43510, confidence: 1.0})

	verdict := rm.Verify(context.Background(), "BTC/USDT", time.Now(), nil, 100*time.Millisecond)

	if verdict.Classification != verification.ClassNormal {
		t.Fatalf("got classification %q, want normal", verdict.Classification)
	}
	if verdict.SourceCount != 2 {
		t.Fatalf("got source count %d, want 2", verdict.SourceCount)
	}
	if verdict.HealthScore < 0.9 {
		t.Fatalf("got health score %f, want >= 0.9", verdict.HealthScore)
	}
}

func TestVerifyInsufficientSources(t *testing.T) {
	rm := newTestRiskManager()
	rm.Register("a", 1.0, 1.0, fakeSource{price: 100, confidence: 1.0})

	verdict := rm.Verify(context.Background(), "BTC/USDT", time.Now(), nil, 100*time.Millisecond)

	if verdict.Classification != verification.ClassInsufficient {
		t.Fatalf("got classification %q, want insufficient_sources", verdict.Classification)
	}
	if verdict.MaxDeviation != 1 {
		t.Fatalf("got max deviation %f, want 1", verdict.MaxDeviation)
	}
}

func TestVerifyManipulationSuspected(t *testing.T) {
	rm := newTestRiskManager()
	rm.Register("a", 0.5, 1.0, fakeSource{price: 100, confidence: 1.0})
	rm.Register("b", 0.5, 1.0, fakeSource{price: 150, confidence: 1.0})

	verdict := rm.Verify(context.Background(), "BTC/USDT", time.Now(), nil, 100*time.Millisecond)

	if verdict.Classification != verification.ClassManipulation {
		t.Fatalf("got classification %q, want suspected_manipulation", verdict.Classification)
	}
}

func TestVerifyBudgetElapsedAcceptsPartial(t *testing.T) {
	rm := newTestRiskManager()
	rm.Register("fast", 0.5, 1.0, fakeSource{price: 100, confidence: 1.0})
	rm.Register("slow", 0.5, 1.0, fakeSource{price: 100, confidence: 1.0, delay: 500 * time.Millisecond})

	verdict := rm.Verify(context.Background(), "BTC/USDT", time.Now(), nil, 30*time.Millisecond)

	if verdict.SourceCount >= 2 {
		t.Fatalf("expected the slow source to be excluded by the budget, got count %d", verdict.SourceCount)
	}
}

func TestSourceStatusTransitions(t *testing.T) {
	rm := newTestRiskManager()
	failing := fakeSource{err: errors.New("boom")}
	rm.Register("flaky", 1.0, 1.0, failing)
	rm.Register("stable", 1.0, 1.0, fakeSource{price: 100, confidence: 1.0})

	for i := 0; i < 3; i++ {
		rm.Verify(context.Background(), "BTC/USDT", time.Now(), []string{"flaky", "stable"}, 50*time.Millisecond)
	}

	for _, s := range rm.Sources() {
		if s.SourceID == "flaky" && s.Status != verification.SourceDegraded {
			t.Fatalf("expected flaky source to be degraded after 3 failures, got %q", s.Status)
		}
	}
}
