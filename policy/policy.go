// Package policy implements C5, matching an inbound path/method against
// the configured, priority-ordered RoutePolicy list. Grounded on the
// teacher's routing/routing.go Engine — priority-sorted rule list,
// first-match-wins — now expressed over gobwas/glob instead of the
// teacher's exact-prefix matcher, and over RoutePolicy instead of LLM
// provider-routing rules.
package policy

import (
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/foundrygate/gateway/config"
)

// Matcher matches requests to policies for one GlobalConfig snapshot.
// Not safe for concurrent use across different GlobalConfig values; build
// a fresh Matcher per loaded config and hold it for that config's
// lifetime (the config itself is immutable once loaded).
type Matcher struct {
	entries []entry
	cfg     *config.GlobalConfig
}

type entry struct {
	policy config.RoutePolicy
	glob   glob.Glob
}

// New compiles every enabled policy's glob pattern and sorts by
// descending priority.
func New(cfg *config.GlobalConfig) (*Matcher, error) {
	entries := make([]entry, 0, len(cfg.Policies))
	for _, p := range cfg.Policies {
		if !p.Enabled {
			continue
		}
		g, err := glob.Compile(p.PathPattern, '/')
		if err != nil {
			continue
		}
		entries = append(entries, entry{policy: p, glob: g})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].policy.Priority > entries[j].policy.Priority
	})
	return &Matcher{entries: entries, cfg: cfg}, nil
}

// Match returns the highest-priority enabled policy whose pattern matches
// path and whose method list (if any) includes method. Returns
// (policy, true) on a hit, or the zero policy and false when nothing
// matches — the caller falls back to the config's default* fields and
// the union of all backends (spec §4.5).
func (m *Matcher) Match(path, method string) (config.RoutePolicy, bool) {
	for _, e := range m.entries {
		if !e.glob.Match(path) {
			continue
		}
		if len(e.policy.Methods) > 0 && !methodAllowed(e.policy.Methods, method) {
			continue
		}
		return e.policy, true
	}
	return config.RoutePolicy{}, false
}

func methodAllowed(methods []string, method string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
