// Package route implements C7, backend selection. The weighted sampling
// idiom (cumulative distribution walk over a score) is grounded on the
// teacher's routing/sla_balancer.go SLABalancer; the weighted-round-robin
// counter idiom follows the teacher's provider/pool.go use of atomic
// per-resource counters.
package route

import (
	"math"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/foundrygate/gateway/config"
	"github.com/foundrygate/gateway/features"
	"github.com/foundrygate/gateway/health"
)

// Decision is the outcome of a single Select call (spec §4.7).
type Decision struct {
	Backend         config.Backend
	Strategy        config.Strategy
	CandidatesCount int
	SelectionReason string
	LatencyEstimate float64
	IsNewAssignment bool // true when the sticky strategy just assigned a backend (caller should set the cookie)
}

// Selector is the C7 Route Selector. One Selector is shared across all
// requests and policies; its only mutable state is a set of per-policy
// round-robin counters.
type Selector struct {
	health *health.Store

	mu       sync.Mutex
	counters map[string]*uint64
}

// New builds a selector backed by the given health store.
func New(healthStore *health.Store) *Selector {
	return &Selector{health: healthStore, counters: make(map[string]*uint64)}
}

// Select picks a backend from candidates according to strategy. Falls
// open to the full enabled candidate set whenever a strategy's filter
// would otherwise empty it (spec §4.7, §7).
func (s *Selector) Select(policyID string, candidates []config.Backend, strategy config.Strategy, f features.RequestFeatures, r *http.Request, sticky *config.StickyConfig) (Decision, bool) {
	if len(candidates) == 0 {
		return Decision{}, false
	}

	switch strategy {
	case config.StrategyWeightedRoundRobin:
		return s.weightedRoundRobin(policyID, candidates), true
	case config.StrategyLatencyAware:
		return s.latencyAware(candidates), true
	case config.StrategyHealthAware:
		return s.healthAware(candidates), true
	case config.StrategySticky:
		return s.sticky(candidates, sticky, r), true
	default:
		return s.random(candidates), true
	}
}

// weightedRoundRobin expands candidates into weighted slots and walks
// them with an atomic per-policy counter.
func (s *Selector) weightedRoundRobin(policyID string, candidates []config.Backend) Decision {
	slots := make([]config.Backend, 0, len(candidates))
	for _, b := range candidates {
		w := b.Weight
		if w <= 0 {
			w = 1
		}
		for i := 0; i < w; i++ {
			slots = append(slots, b)
		}
	}
	if len(slots) == 0 {
		slots = candidates
	}

	counter := s.counterFor(policyID)
	idx := atomic.AddUint64(counter, 1) - 1
	chosen := slots[idx%uint64(len(slots))]

	return Decision{
		Backend:         chosen,
		Strategy:        config.StrategyWeightedRoundRobin,
		CandidatesCount: len(candidates),
		SelectionReason: "weighted-round-robin slot",
	}
}

func (s *Selector) counterFor(policyID string) *uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[policyID]
	if !ok {
		var zero uint64
		c = &zero
		s.counters[policyID] = c
	}
	return c
}

// unknownLatencyMs is substituted for a backend's p95 when the prober
// has never completed a cycle for it (spec §4.7).
const unknownLatencyMs = 1000.0

// latencyAware filters to the healthy subset (spec §4.7), ranks by p95
// latency ascending (unknown treated as +Inf so it sorts last), takes
// the top three, and weighted-samples among them by
// max_p95 - p95 + 1 (unknown treated as 1000ms), mirroring the
// teacher's SLABalancer scoring shape.
func (s *Selector) latencyAware(candidates []config.Backend) Decision {
	pool := s.filterHealthyOrAll(candidates)

	type scored struct {
		backend config.Backend
		p95     float64
		unknown bool
	}
	ranked := make([]scored, 0, len(pool))
	for _, b := range pool {
		h := s.health.GetBackendHealth(b.ID)
		if !h.HasSample() {
			ranked = append(ranked, scored{backend: b, p95: math.Inf(1), unknown: true})
			continue
		}
		ranked = append(ranked, scored{backend: b, p95: h.P95LatencyMs})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].p95 < ranked[j].p95 })

	top := ranked
	if len(top) > 3 {
		top = top[:3]
	}

	maxP95 := 0.0
	for _, c := range top {
		p95 := c.p95
		if c.unknown {
			p95 = unknownLatencyMs
		}
		if p95 > maxP95 {
			maxP95 = p95
		}
	}

	weights := make([]float64, len(top))
	for i, c := range top {
		p95 := c.p95
		if c.unknown {
			p95 = unknownLatencyMs
		}
		weights[i] = maxP95 - p95 + 1
	}
	idx := weightedIndex(weights)
	chosen := top[idx]

	latencyEstimate := chosen.p95
	if chosen.unknown {
		latencyEstimate = unknownLatencyMs
	}

	return Decision{
		Backend:         chosen.backend,
		Strategy:        config.StrategyLatencyAware,
		CandidatesCount: len(candidates),
		SelectionReason: "top-3 p95-weighted sample",
		LatencyEstimate: latencyEstimate,
	}
}

// healthAware weighted-randoms over the healthy subset, falling open to
// the full candidate set when none are healthy.
func (s *Selector) healthAware(candidates []config.Backend) Decision {
	healthyIDs := s.health.AllHealthy(idsOf(candidates))
	pool := s.filterHealthyOrAll(candidates)
	reason := "weighted random over healthy set"
	if len(healthyIDs) == 0 {
		reason = "all backends unhealthy, failing open to full set"
	}

	d := weightedPick(pool)
	d.Strategy = config.StrategyHealthAware
	d.CandidatesCount = len(candidates)
	d.SelectionReason = reason
	return d
}

// filterHealthyOrAll returns the healthy subset of candidates, or the
// full candidate set when that subset is empty (spec §4.7 fail-open).
func (s *Selector) filterHealthyOrAll(candidates []config.Backend) []config.Backend {
	healthyIDs := s.health.AllHealthy(idsOf(candidates))
	pool := filterByIDs(candidates, healthyIDs)
	if len(pool) == 0 {
		return candidates
	}
	return pool
}

// weightedPick weighted-randoms over pool using each backend's declared
// weight (zero/negative treated as 1).
func weightedPick(pool []config.Backend) Decision {
	weights := make([]float64, len(pool))
	for i, b := range pool {
		w := float64(b.Weight)
		if w <= 0 {
			w = 1
		}
		weights[i] = w
	}
	idx := weightedIndex(weights)
	return Decision{Backend: pool[idx]}
}

// sticky resolves a prior assignment from a cookie or header; if absent,
// pointing at a disabled/missing backend, or pointing at a backend that has
// since gone unhealthy, falls back to a fresh weighted random pick
// (spec §4.7: "if the value names an existing candidate that is
// still healthy, return it ... otherwise weighted-random").
func (s *Selector) sticky(candidates []config.Backend, cfg *config.StickyConfig, r *http.Request) Decision {
	if cfg != nil && r != nil {
		var assigned string
		switch cfg.Type {
		case config.StickyCookie:
			if ck, err := r.Cookie(cfg.CookieName); err == nil {
				assigned = ck.Value
			}
		case config.StickyHeader:
			assigned = r.Header.Get(cfg.HeaderName)
		}
		if assigned != "" {
			for _, b := range candidates {
				if b.ID == assigned && s.health.GetBackendHealth(b.ID).Healthy {
					return Decision{
						Backend:         b,
						Strategy:        config.StrategySticky,
						CandidatesCount: len(candidates),
						SelectionReason: "existing",
					}
				}
			}
		}
	}

	// A fresh assignment must not land back on a pinned backend we just
	// rejected for being unhealthy (spec §8 scenario 5), so the fallback
	// pool excludes unhealthy candidates the same way health-aware/
	// latency-aware do, falling open to the full set if that empties it.
	d := weightedPick(s.filterHealthyOrAll(candidates))
	d.Strategy = config.StrategySticky
	d.CandidatesCount = len(candidates)
	d.SelectionReason = "new assignment"
	d.IsNewAssignment = true
	return d
}

func (s *Selector) random(candidates []config.Backend) Decision {
	idx := rand.Intn(len(candidates))
	return Decision{
		Backend:         candidates[idx],
		Strategy:        config.StrategyRandom,
		CandidatesCount: len(candidates),
		SelectionReason: "uniform random",
	}
}

// weightedIndex walks the cumulative distribution of weights and returns
// the index of the sample that a uniform draw lands in.
func weightedIndex(weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return rand.Intn(len(weights))
	}
	draw := rand.Float64() * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if draw <= cumulative {
			return i
		}
	}
	return len(weights) - 1
}

func idsOf(backends []config.Backend) []string {
	ids := make([]string, len(backends))
	for i, b := range backends {
		ids[i] = b.ID
	}
	return ids
}

func filterByIDs(backends []config.Backend, ids []string) []config.Backend {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	out := make([]config.Backend, 0, len(backends))
	for _, b := range backends {
		if _, ok := set[b.ID]; ok {
			out = append(out, b)
		}
	}
	return out
}
