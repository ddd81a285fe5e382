package oracle

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/trustwrapper/gateway/internal/verification"
)

// Thresholds configures the classification boundaries of §4.3 step 7.
type Thresholds struct {
	MinSources int
	DevNormal  float64
	DevWarn    float64
	DevManip   float64
}

// DefaultThresholds matches the spec's documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSources: 2,
		DevNormal:  0.005,
		DevWarn:    0.02,
		DevManip:   0.10,
	}
}

type sourceEntry struct {
	source Source
	state  *verification.OracleSource
}

// RiskManager fans a request out to registered sources and produces a
// single OracleVerdict, tracking each source's rolling health.
type RiskManager struct {
	mu         sync.Mutex
	sources    map[string]*sourceEntry
	thresholds Thresholds

	perSourceTimeout time.Duration
}

// NewRiskManager constructs a RiskManager with the given thresholds. A zero
// Thresholds value is replaced with DefaultThresholds.
func NewRiskManager(thresholds Thresholds) *RiskManager {
	if thresholds.MinSources <= 0 {
		thresholds = DefaultThresholds()
	}
	return &RiskManager{
		sources:          make(map[string]*sourceEntry),
		thresholds:       thresholds,
		perSourceTimeout: 5 * time.Second,
	}
}

// Register adds a configured oracle source with its consensus weight and
// declared reliability. sourceID must be unique; re-registering replaces
// the prior source implementation but keeps its rolling state.
func (rm *RiskManager) Register(sourceID string, weight, reliability float64, src Source) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if existing, ok := rm.sources[sourceID]; ok {
		existing.source = src
		existing.state.Weight = weight
		existing.state.DeclaredReliability = reliability
		return
	}

	rm.sources[sourceID] = &sourceEntry{
		source: src,
		state: &verification.OracleSource{
			SourceID:            sourceID,
			Weight:              weight,
			DeclaredReliability: reliability,
			Status:              verification.SourceHealthy,
		},
	}
}

// Sources returns a snapshot of the current per-source state, for health
// reporting.
func (rm *RiskManager) Sources() []verification.OracleSource {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	out := make([]verification.OracleSource, 0, len(rm.sources))
	for _, e := range rm.sources {
		out = append(out, *e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

type fetchResult struct {
	sourceID string
	quote    verification.PriceQuote
	err      error
}

// Verify runs the §4.3 algorithm: select eligible sources, fan out
// concurrently bounded by budget, and fuse the results into a consensus
// verdict.
func (rm *RiskManager) Verify(ctx context.Context, pair string, at time.Time, allowList []string, budget time.Duration) verification.OracleVerdict {
	eligible := rm.eligibleSources(allowList)
	if len(eligible) == 0 {
		return verification.OracleVerdict{
			Classification: verification.ClassInsufficient,
			HealthScore:    0,
			MaxDeviation:   1,
		}
	}

	budgetCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	results := make(chan fetchResult, len(eligible))
	for _, e := range eligible {
		go func(e *sourceEntry) {
			perSourceCtx, perCancel := context.WithTimeout(budgetCtx, rm.perSourceTimeout)
			defer perCancel()

			start := time.Now()
			quote, err := e.source.Fetch(perSourceCtx, pair, at)
			rm.recordOutcome(e, err, time.Since(start))
			results <- fetchResult{sourceID: e.state.SourceID, quote: quote, err: err}
		}(e)
	}

	var quotes []verification.PriceQuote
	var participating []string

collect:
	for i := 0; i < len(eligible); i++ {
		select {
		case r := <-results:
			if r.err == nil {
				quotes = append(quotes, r.quote)
				participating = append(participating, r.sourceID)
			}
		case <-budgetCtx.Done():
			break collect
		}
	}

	return rm.buildVerdict(quotes, participating, len(eligible))
}

func (rm *RiskManager) eligibleSources(allowList []string) []*sourceEntry {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var allowed map[string]bool
	if len(allowList) > 0 {
		allowed = make(map[string]bool, len(allowList))
		for _, id := range allowList {
			allowed[id] = true
		}
	}

	var out []*sourceEntry
	for id, e := range rm.sources {
		if allowed != nil && !allowed[id] {
			continue
		}
		if e.state.Status != verification.SourceHealthy && e.state.Status != verification.SourceDegraded {
			continue
		}
		out = append(out, e)
	}
	return out
}

// recordOutcome updates a source's rolling stats and status per §4.3 step 9:
// degraded after 3 consecutive failures, failed after 10, restored to
// degraded on first success and to healthy after 3 consecutive successes.
func (rm *RiskManager) recordOutcome(e *sourceEntry, err error, latency time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	const alpha = 0.1
	latencyNS := float64(latency.Nanoseconds())
	if e.state.AverageLatencyNS == 0 {
		e.state.AverageLatencyNS = latencyNS
	} else {
		e.state.AverageLatencyNS = alpha*latencyNS + (1-alpha)*e.state.AverageLatencyNS
	}

	if err != nil {
		e.state.ConsecutiveFailures++
		e.state.ConsecutiveSuccesses = 0
		switch {
		case e.state.ConsecutiveFailures >= 10:
			e.state.Status = verification.SourceFailed
		case e.state.ConsecutiveFailures >= 3:
			e.state.Status = verification.SourceDegraded
		}
		return
	}

	e.state.LastSuccessAt = time.Now()
	e.state.ConsecutiveFailures = 0
	e.state.ConsecutiveSuccesses++
	switch e.state.Status {
	case verification.SourceFailed, verification.SourceUnreachable:
		e.state.Status = verification.SourceDegraded
	case verification.SourceDegraded:
		if e.state.ConsecutiveSuccesses >= 3 {
			e.state.Status = verification.SourceHealthy
		}
	}
}

// buildVerdict implements §4.3 steps 4-8.
func (rm *RiskManager) buildVerdict(quotes []verification.PriceQuote, participating []string, attempted int) verification.OracleVerdict {
	if len(quotes) < rm.thresholds.MinSources {
		return verification.OracleVerdict{
			Classification:       verification.ClassInsufficient,
			HealthScore:          float64(len(quotes)) / float64(rm.thresholds.MinSources),
			MaxDeviation:         1,
			ParticipatingSources: participating,
			SourceCount:          len(quotes),
		}
	}

	weights := make([]float64, len(quotes))
	rm.mu.Lock()
	for i, q := range quotes {
		w := 1.0
		if e, ok := rm.sources[q.Source]; ok {
			w = e.state.Weight
		}
		weights[i] = w * q.Confidence
	}
	rm.mu.Unlock()

	consensus := weightedMedian(quotes, weights)

	maxDeviation := 0.0
	prices := make([]float64, len(quotes))
	for i, q := range quotes {
		prices[i] = q.Price
		if consensus > 0 {
			d := math.Abs(q.Price-consensus) / consensus
			if d > maxDeviation {
				maxDeviation = d
			}
		}
	}

	classification := rm.classify(maxDeviation, prices)
	healthScore := rm.healthScore(quotes, attempted)

	return verification.OracleVerdict{
		ConsensusPrice:       consensus,
		MaxDeviation:         maxDeviation,
		ParticipatingSources: participating,
		SourceCount:          len(quotes),
		HealthScore:          healthScore,
		Classification:       classification,
	}
}

// weightedMedian is the smallest price p* such that the cumulative weight
// of quotes with price <= p* reaches half of the total weight. Ties break
// toward the lower price.
func weightedMedian(quotes []verification.PriceQuote, weights []float64) float64 {
	type wp struct {
		price  float64
		weight float64
	}
	pairs := make([]wp, len(quotes))
	total := 0.0
	for i, q := range quotes {
		pairs[i] = wp{price: q.Price, weight: weights[i]}
		total += weights[i]
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].price < pairs[j].price })

	if total <= 0 {
		prices := make([]float64, len(pairs))
		for i, p := range pairs {
			prices[i] = p.price
		}
		return medianFloat(prices)
	}

	half := total / 2
	cumulative := 0.0
	for _, p := range pairs {
		cumulative += p.weight
		if cumulative >= half {
			return p.price
		}
	}
	return pairs[len(pairs)-1].price
}

func medianFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// classify implements §4.3 step 7.
func (rm *RiskManager) classify(maxDeviation float64, prices []float64) verification.Classification {
	t := rm.thresholds
	switch {
	case maxDeviation <= t.DevNormal:
		return verification.ClassNormal
	case maxDeviation <= t.DevWarn:
		if stdDevOverMean(prices) > 0.02 {
			return verification.ClassVolatile
		}
		return verification.ClassNormal
	case maxDeviation <= t.DevManip:
		return verification.ClassVolatile
	default:
		return verification.ClassManipulation
	}
}

func stdDevOverMean(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if mean == 0 {
		return 0
	}

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values) - 1)

	return math.Sqrt(variance) / mean
}

// healthScore is the fraction of attempted sources that returned a quote,
// averaged with the mean quote confidence. Every attempted source counts
// equally in that fraction; source weights are not applied.
func (rm *RiskManager) healthScore(quotes []verification.PriceQuote, attempted int) float64 {
	if attempted == 0 {
		return 0
	}
	successFraction := float64(len(quotes)) / float64(attempted)

	meanConfidence := 0.0
	for _, q := range quotes {
		meanConfidence += q.Confidence
	}
	if len(quotes) > 0 {
		meanConfidence /= float64(len(quotes))
	}

	return (successFraction + meanConfidence) / 2
}
