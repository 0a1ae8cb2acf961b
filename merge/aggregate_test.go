package merge

import (
	"math"
	"testing"
)

func ent(class, text string) Entity {
	return Entity{Class: class, Text: text, Confidence: 1}
}

func pass(entities ...Entity) PassResult {
	return PassResult{Entities: entities}
}

func findByText(t *testing.T, entities []Entity, text string) Entity {
	t.Helper()
	for _, e := range entities {
		if e.Text == text {
			return e
		}
	}
	t.Fatalf("entity %q not found", text)
	return Entity{}
}

func TestSinglePassConfidenceIsOne(t *testing.T) {
	a := NewAggregator(Options{})
	if stable := a.AddPass(pass(ent("person", "Ada"), ent("person", "Grace"))); stable {
		t.Fatal("single pass must not report stable")
	}

	entities := a.Entities()
	if len(entities) != 2 {
		t.Fatalf("got %d entities, want 2", len(entities))
	}
	for _, e := range entities {
		if e.Confidence != 1.0 {
			t.Fatalf("confidence = %v, want 1.0", e.Confidence)
		}
	}
}

func TestEarlyStopOnIdenticalPasses(t *testing.T) {
	// Three identical passes requested; stable after pass 2, both entities 1.0.
	a := NewAggregator(Options{})
	p := pass(ent("x", "A"), ent("x", "B"))

	if a.AddPass(p) {
		t.Fatal("pass 1 cannot be stable")
	}
	if !a.AddPass(p) {
		t.Fatal("pass 2 identical to pass 1 must report stable")
	}
	if got := a.Passes(); got != 2 {
		t.Fatalf("executed passes = %d, want 2", got)
	}

	for _, e := range a.Entities() {
		if e.Confidence != 1.0 {
			t.Fatalf("confidence = %v, want 1.0", e.Confidence)
		}
	}
}

func TestConfidenceFractions(t *testing.T) {
	// Passes [A], [A,B], [A]: A = 3/3, B = 1/3.
	a := NewAggregator(Options{})
	if a.AddPass(pass(ent("x", "A"))) {
		t.Fatal("pass 1 stable")
	}
	if a.AddPass(pass(ent("x", "A"), ent("x", "B"))) {
		t.Fatal("pass 2 differs from pass 1, must not be stable")
	}
	if a.AddPass(pass(ent("x", "A"))) {
		t.Fatal("pass 3 differs from pass 2, must not be stable")
	}

	entities := a.Entities()
	if c := findByText(t, entities, "A").Confidence; c != 1.0 {
		t.Fatalf("A confidence = %v, want 1.0", c)
	}
	if c := findByText(t, entities, "B").Confidence; math.Abs(c-1.0/3.0) > 1e-9 {
		t.Fatalf("B confidence = %v, want 1/3", c)
	}
}

func TestMatchingFoldsCaseAndTrims(t *testing.T) {
	a := NewAggregator(Options{})
	a.AddPass(pass(ent("person", "  Ada Lovelace ")))
	a.AddPass(pass(ent("person", "ada lovelace")))

	entities := a.Entities()
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1 (case/trim normalization)", len(entities))
	}
	if entities[0].Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", entities[0].Confidence)
	}
}

func TestClassDistinguishesEntities(t *testing.T) {
	a := NewAggregator(Options{})
	a.AddPass(pass(ent("person", "Mercury"), ent("planet", "Mercury")))

	if got := len(a.Entities()); got != 2 {
		t.Fatalf("got %d entities, want 2 (same text, different class)", got)
	}
}

func TestDuplicateWithinPassCountsOnce(t *testing.T) {
	a := NewAggregator(Options{})
	a.AddPass(pass(ent("x", "A"), ent("x", "A")))
	a.AddPass(pass(ent("x", "A")))

	e := findByText(t, a.Entities(), "A")
	if e.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0 (one appearance per pass)", e.Confidence)
	}
}

func TestSpanRefinementSplitsDisjointOccurrences(t *testing.T) {
	a := NewAggregator(Options{SpanOverlap: 0.5})
	first := Entity{Class: "x", Text: "A", Span: &Span{Start: 0, End: 5}}
	second := Entity{Class: "x", Text: "A", Span: &Span{Start: 100, End: 105}}

	a.AddPass(pass(first, second))
	a.AddPass(pass(first))

	entities := a.Entities()
	if len(entities) != 2 {
		t.Fatalf("got %d entities, want 2 (disjoint spans stay separate)", len(entities))
	}
	if c := findByText(t, entities[:1], "A").Confidence; c != 1.0 {
		t.Fatalf("first occurrence confidence = %v, want 1.0", c)
	}
	if c := entities[1].Confidence; c != 0.5 {
		t.Fatalf("second occurrence confidence = %v, want 0.5", c)
	}
}

func TestEmptyAggregator(t *testing.T) {
	a := NewAggregator(Options{})
	if got := a.Entities(); got != nil {
		t.Fatalf("expected nil before any pass, got %v", got)
	}
}
