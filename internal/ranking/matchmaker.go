package ranking

import (
	"math/rand"
	"sort"
	"time"

	"git.ri.se/eu-cop-pilot/arrowhead-intercloud/pkg"
)

// Context carries the per-request data a strategy may consult.
type Context struct {
	// Priorities maps provider keys to store priorities (1 = first).
	Priorities map[string]int
	// Measurements maps provider keys to QoS records.
	Measurements map[string]pkg.QoSMeasurement
	// NotMeasuredPolicy places unmeasured providers: "average", "best"
	// or "worst".
	NotMeasuredPolicy string
}

// Matchmaker orders authorized candidates for final selection.
type Matchmaker interface {
	Rank(candidates []pkg.ServiceInstance, ctx *Context) []pkg.ServiceInstance
}

// StorePriorityMatchmaker orders by stored priority ascending; candidates
// without a stored priority keep their relative input order after all
// prioritized ones. Ties break by insertion order (stable sort).
type StorePriorityMatchmaker struct{}

func (StorePriorityMatchmaker) Rank(candidates []pkg.ServiceInstance, ctx *Context) []pkg.ServiceInstance {
	ranked := append([]pkg.ServiceInstance(nil), candidates...)
	if ctx == nil || len(ctx.Priorities) == 0 {
		return ranked
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return priorityOf(ranked[i], ctx) < priorityOf(ranked[j], ctx)
	})
	return ranked
}

func priorityOf(candidate pkg.ServiceInstance, ctx *Context) int {
	if p, ok := ctx.Priorities[candidate.Provider.Key()]; ok {
		return p
	}
	return int(^uint(0) >> 1) // unprioritized sorts last
}

// RandomMatchmaker returns a uniform random permutation, reseeded per
// call. Non-deterministic by design: it spreads load, it does not select
// a "best" candidate.
type RandomMatchmaker struct{}

func (RandomMatchmaker) Rank(candidates []pkg.ServiceInstance, _ *Context) []pkg.ServiceInstance {
	ranked := append([]pkg.ServiceInstance(nil), candidates...)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	rng.Shuffle(len(ranked), func(i, j int) {
		ranked[i], ranked[j] = ranked[j], ranked[i]
	})
	return ranked
}

// QoSMatchmaker orders by measured response time ascending (best first).
// Unmeasured candidates are placed according to the not-measured policy.
type QoSMatchmaker struct{}

func (QoSMatchmaker) Rank(candidates []pkg.ServiceInstance, ctx *Context) []pkg.ServiceInstance {
	ranked := append([]pkg.ServiceInstance(nil), candidates...)
	if ctx == nil || len(ctx.Measurements) == 0 {
		return ranked
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return qosCost(ranked[i], ctx) < qosCost(ranked[j], ctx)
	})
	return ranked
}

func qosCost(candidate pkg.ServiceInstance, ctx *Context) time.Duration {
	if m, ok := ctx.Measurements[candidate.Provider.Key()]; ok {
		return m.ResponseTime
	}

	switch ctx.NotMeasuredPolicy {
	case "best":
		return 0
	case "worst":
		return time.Duration(int64(^uint64(0) >> 1))
	default:
		return averageResponseTime(ctx)
	}
}

func averageResponseTime(ctx *Context) time.Duration {
	if len(ctx.Measurements) == 0 {
		return 0
	}
	var total time.Duration
	for _, m := range ctx.Measurements {
		total += m.ResponseTime
	}
	return total / time.Duration(len(ctx.Measurements))
}

// FilterPreferredLocal keeps the candidates whose provider matches a
// valid local preferred-provider entry by (systemName, address, port).
func FilterPreferredLocal(candidates []pkg.ServiceInstance, preferred []pkg.PreferredProvider) []pkg.ServiceInstance {
	kept := make([]pkg.ServiceInstance, 0, len(candidates))
	for _, candidate := range candidates {
		for _, p := range preferred {
			if p.IsLocal() && candidate.Provider.Equals(*p.ProviderSystem) {
				kept = append(kept, candidate)
				break
			}
		}
	}
	return kept
}

// ValidPreferred splits a preferred-provider list into its valid local
// and global entries, dropping entries that violate the local-xor-global
// invariant.
func ValidPreferred(preferred []pkg.PreferredProvider) (local []pkg.PreferredProvider, global []pkg.PreferredProvider) {
	for _, p := range preferred {
		switch {
		case p.IsLocal():
			local = append(local, p)
		case p.IsGlobal():
			global = append(global, p)
		}
	}
	return local, global
}
