package merge

// Options tunes entity matching.
type Options struct {
	// SpanOverlap, when > 0, refines class+text matching: two candidate
	// matches must additionally overlap by at least this fraction of the
	// shorter span to land in the same group. 0 disables span refinement
	// (exact class+text matching only), which is the default — fuzziness is
	// opt-in, not guessed.
	SpanOverlap float64
}

type group struct {
	rep   Entity // first occurrence, keeps its attributes and span
	count int    // number of passes the group appeared in
}

// Aggregator merges N sequential passes from a single provider into
// per-entity confidence scores.
//
// Usage: call AddPass once per pass, in order. AddPass reports whether the
// result has stabilised (pass k equals pass k-1 by multiset of class+text
// keys); the caller should stop early on true and skip the remaining
// requested passes. Entities() then yields each distinct entity with
// confidence = appearances / passes actually executed.
type Aggregator struct {
	opts     Options
	groups   []*group       // insertion order preserved
	index    map[matchKey][]*group
	prev     map[matchKey]int // multiset of the previous pass
	executed int
}

// NewAggregator returns an empty aggregator.
func NewAggregator(opts Options) *Aggregator {
	return &Aggregator{
		opts:  opts,
		index: make(map[matchKey][]*group),
	}
}

// AddPass merges one pass into the running groups and reports whether the
// pass is identical (multiset of class+text keys) to the previous one.
// A single pass never reports stable.
func (a *Aggregator) AddPass(pr PassResult) (stable bool) {
	a.executed++

	cur := make(map[matchKey]int, len(pr.Entities))
	seen := make(map[*group]bool) // one appearance per group per pass

	for _, e := range pr.Entities {
		k := keyOf(e)
		cur[k]++

		g := a.findGroup(k, e.Span)
		if g == nil {
			g = &group{rep: e}
			a.groups = append(a.groups, g)
			a.index[k] = append(a.index[k], g)
		}
		if !seen[g] {
			g.count++
			seen[g] = true
		}
	}

	stable = a.executed >= 2 && multisetEqual(cur, a.prev)
	a.prev = cur
	return stable
}

func (a *Aggregator) findGroup(k matchKey, span *Span) *group {
	for _, g := range a.index[k] {
		if a.opts.SpanOverlap <= 0 || spanOverlap(g.rep.Span, span) >= a.opts.SpanOverlap {
			return g
		}
	}
	return nil
}

// Passes returns the number of passes actually executed.
func (a *Aggregator) Passes() int { return a.executed }

// Entities returns the distinct matched entities in first-seen order, each
// with confidence = appearances / executed passes. With a single executed
// pass every entity has confidence 1.0.
func (a *Aggregator) Entities() []Entity {
	if a.executed == 0 {
		return nil
	}
	out := make([]Entity, 0, len(a.groups))
	for _, g := range a.groups {
		e := g.rep
		e.Confidence = float64(g.count) / float64(a.executed)
		out = append(out, e)
	}
	return out
}

func multisetEqual(a, b map[matchKey]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, n := range a {
		if b[k] != n {
			return false
		}
	}
	return true
}
