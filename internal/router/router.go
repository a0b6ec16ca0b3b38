// Package router picks the dispatch order for a route's upstreams by
// scoring live health signals. Scoring is pure integer arithmetic on
// snapshot values, so a Rank call costs no locks and no allocation
// beyond the result slice.
package router

import (
	"cmp"
	"slices"
	"sync/atomic"

	warden "github.com/warden-sh/warden/internal"
)

// Config tunes the scoring penalties.
type Config struct {
	// PreferLowLatency subtracts the smoothed latency (in ms) from the
	// score, steering traffic toward faster upstreams.
	PreferLowLatency bool
	// InFlightPenalty is the score cost per in-flight request.
	InFlightPenalty int64
	// FailurePenalty is the score cost per consecutive failure.
	FailurePenalty int64
}

// DefaultConfig matches the shipped gateway defaults.
var DefaultConfig = Config{
	PreferLowLatency: true,
	InFlightPenalty:  12,
	FailurePenalty:   250,
}

// breakerOpenScore sinks open-breaker candidates below any healthy
// score so they are only tried when nothing else is left.
const breakerOpenScore = -1_000_000

// ScoringRouter implements warden.Router with weighted scoring plus a
// rotating bias that spreads near-equal candidates instead of pinning
// the first one.
type ScoringRouter struct {
	cfg  Config
	seed atomic.Uint64
}

// New returns a ScoringRouter with the given penalties.
func New(cfg Config) *ScoringRouter {
	return &ScoringRouter{cfg: cfg}
}

func (r *ScoringRouter) score(c warden.RoutingCandidate, seed uint64) int64 {
	if c.BreakerOpen {
		return breakerOpenScore
	}

	weight := int64(max(c.Weight, 1))
	score := weight * 1000

	// Rotating bias so candidates with close scores alternate across calls.
	score += int64(seed%uint64(weight)) * 8

	score -= c.Stats.InFlight * r.cfg.InFlightPenalty
	score -= c.Stats.ConsecutiveFailures * r.cfg.FailurePenalty
	if r.cfg.PreferLowLatency {
		score -= int64(c.Stats.AvgLatencyMs())
	}
	return score
}

// Rank implements warden.Router. Candidates come back best-first; open
// breakers sort last but are never dropped, leaving the caller a
// last-resort probe order.
func (r *ScoringRouter) Rank(_ *warden.RouteConfig, candidates []warden.RoutingCandidate) []string {
	seed := r.seed.Add(1) - 1

	type scored struct {
		name  string
		score int64
	}
	ranked := make([]scored, len(candidates))
	for i, c := range candidates {
		ranked[i] = scored{name: c.Upstream, score: r.score(c, seed+uint64(i))}
	}

	slices.SortStableFunc(ranked, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})

	names := make([]string, len(ranked))
	for i, s := range ranked {
		names[i] = s.name
	}
	return names
}
