// Package merge combines entity lists from repeated extraction passes and
// from multiple providers. It owns the Entity wire model, the per-provider
// confidence aggregator and the cross-provider consensus merger.
package merge

import "strings"

// Span is a character range [Start, End) into the source text. Absent when
// the engine could not align the extraction back to the document.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Entity is one extracted item.
type Entity struct {
	Class      string         `json:"extraction_class"`
	Text       string         `json:"extraction_text"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Span       *Span          `json:"char_span,omitempty"`
	// Confidence is 1.0 until aggregation assigns a cross-pass score.
	Confidence float64 `json:"confidence"`
}

// PassResult is the ordered entity sequence produced by one provider on one
// pass, plus usage accounting.
type PassResult struct {
	Entities   []Entity `json:"entities"`
	TokensUsed int      `json:"tokens_used"`
}

// matchKey identifies an entity for matching purposes: extraction class plus
// case-folded, trimmed text. Class+text equality is the minimum matching
// rule; span overlap can refine it (see Options.SpanOverlap).
type matchKey struct {
	class string
	text  string
}

func keyOf(e Entity) matchKey {
	return matchKey{
		class: e.Class,
		text:  strings.ToLower(strings.TrimSpace(e.Text)),
	}
}

// spanOverlap returns the overlap fraction of two spans relative to the
// shorter one, in [0,1]. Either span being nil counts as a full match —
// alignment failure must not split otherwise identical entities.
func spanOverlap(a, b *Span) float64 {
	if a == nil || b == nil {
		return 1
	}
	lo := max(a.Start, b.Start)
	hi := min(a.End, b.End)
	if hi <= lo {
		return 0
	}
	shorter := min(a.End-a.Start, b.End-b.Start)
	if shorter <= 0 {
		return 0
	}
	return float64(hi-lo) / float64(shorter)
}
