// Package oracle fans requests out to external price feeds and fuses their
// answers into a single consensus verdict. Source is the narrow per-feed
// contract; RiskManager owns the fan-out, weighted-median consensus and
// per-source health state machine.
package oracle

import (
	"context"
	"time"

	"github.com/trustwrapper/gateway/internal/verification"
)

// Source fetches a single quote from one external feed. Implementations
// must be stateless beyond their own network client and must not interpret
// consensus — they return raw, single-source data.
//
// The deadline parameter from the originating design is expressed here via
// ctx: callers set it with context.WithDeadline and a Source must cancel
// any in-flight I/O when ctx is done, returning ctx.Err() (or a wrapped
// equivalent).
type Source interface {
	Fetch(ctx context.Context, pair string, at time.Time) (verification.PriceQuote, error)
}
