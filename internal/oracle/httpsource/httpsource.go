// Package httpsource adapts plain HTTP price-feed endpoints to
// oracle.Source, grounded in the teacher's HTTP oracle resolver: a
// context-aware client, a bounded response body reader, and one circuit
// breaker per configured endpoint so a misbehaving upstream trips
// independently of its siblings.
package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trustwrapper/gateway/infrastructure/logging"
	"github.com/trustwrapper/gateway/infrastructure/resilience"
	"github.com/trustwrapper/gateway/internal/verification"
)

const defaultBodyLimit = int64(1 << 20) // 1 MiB

// defaultStalenessLimit is used when New is called with a non-positive
// staleness limit.
const defaultStalenessLimit = 60 * time.Second

// quoteResponse is the minimal JSON shape expected from an HTTP price feed.
// Feeds that return richer payloads may embed these same field names.
// ObservedAt is the provider's own timestamp (unix seconds); feeds that omit
// it fall back to the query time the caller supplied to Fetch.
type quoteResponse struct {
	Price      float64 `json:"price"`
	Confidence float64 `json:"confidence"`
	ObservedAt int64   `json:"observed_at,omitempty"`
}

// HTTPSource fetches quotes from a single named HTTP endpoint.
type HTTPSource struct {
	name           string
	url            string
	client         *http.Client
	log            *logging.Logger
	bodyLimit      int64
	stalenessLimit time.Duration
	breaker        *resilience.CircuitBreaker
}

// New constructs an HTTPSource for one upstream endpoint. The URL is
// expected to accept a `pair` query parameter and respond with
// {"price": ..., "confidence": ...}. When client is nil a client with a
// 10s timeout is used. When stalenessLimit is non-positive, a 60s default
// is used.
func New(name, url string, client *http.Client, log *logging.Logger, stalenessLimit time.Duration) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if stalenessLimit <= 0 {
		stalenessLimit = defaultStalenessLimit
	}
	return &HTTPSource{
		name:           name,
		url:            url,
		client:         client,
		log:            log,
		bodyLimit:      defaultBodyLimit,
		stalenessLimit: stalenessLimit,
		breaker:        resilience.New(resilience.DefaultOracleCBConfig(log)),
	}
}

// Fetch implements oracle.Source. The deadline is carried on ctx; Fetch
// cancels its in-flight request and returns ctx.Err() once ctx is done.
func (s *HTTPSource) Fetch(ctx context.Context, pair string, at time.Time) (verification.PriceQuote, error) {
	var quote verification.PriceQuote
	start := time.Now()

	err := s.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return fmt.Errorf("build oracle request: %w", err)
		}
		q := req.URL.Query()
		q.Set("pair", pair)
		req.URL.RawQuery = q.Encode()

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("execute oracle request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("oracle %s returned status %d", s.name, resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, s.bodyLimit))
		if err != nil {
			return fmt.Errorf("read oracle response: %w", err)
		}

		var parsed quoteResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("decode oracle response: %w", err)
		}
		if parsed.Price <= 0 {
			return fmt.Errorf("oracle %s returned non-positive price", s.name)
		}
		if parsed.Confidence <= 0 {
			parsed.Confidence = 1.0
		}

		observedAt := at
		if parsed.ObservedAt != 0 {
			observedAt = time.Unix(parsed.ObservedAt, 0)
		}
		receivedAt := time.Now()
		if age := receivedAt.Sub(observedAt); age > s.stalenessLimit {
			return fmt.Errorf("oracle %s quote is stale: observed_at %s behind received_at, staleness_limit %s", s.name, age, s.stalenessLimit)
		}

		quote = verification.PriceQuote{
			Source:     s.name,
			Price:      parsed.Price,
			Confidence: parsed.Confidence,
			ObservedAt: observedAt,
			ReceivedAt: receivedAt,
		}
		return nil
	})

	latency := time.Since(start)
	quote.LatencyNS = latency.Nanoseconds()
	if s.log != nil {
		s.log.LogOracleFetch(ctx, s.name, latency, err)
	}
	if err != nil {
		return verification.PriceQuote{}, err
	}
	return quote, nil
}
