package merge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTooFewProviders is returned when consensus is requested with fewer than
// two provider results.
var ErrTooFewProviders = errors.New("merge: consensus requires at least two providers")

// ProviderResult is one provider's (already aggregated) entity set.
type ProviderResult struct {
	Provider string
	Entities []Entity
}

// ConsensusResult is the agreed-upon entity set plus diagnostics.
type ConsensusResult struct {
	Entities []Entity `json:"entities"`
	// Provider is a composite label, e.g. "consensus(openai, gemini)".
	Provider string `json:"provider"`
	// Providers lists the contributing providers in input order.
	Providers []string `json:"providers"`
	// Agreement maps "class\x1ftext" match keys to the fraction of providers
	// whose set contained the entity, for every entity in the union
	// (including the ones dropped by the threshold).
	Agreement map[string]float64 `json:"agreement"`
	// Similarity is the Jaccard index over all provider sets:
	// |intersection| / |union|.
	Similarity float64 `json:"similarity"`
}

// Consensus merges one entity set per provider into the subset agreed on by
// at least threshold of the providers. Matching uses the same class+text rule
// as the confidence aggregator. Each retained entity's confidence is set to
// its agreement fraction.
func Consensus(results []ProviderResult, threshold float64) (ConsensusResult, error) {
	if len(results) < 2 {
		return ConsensusResult{}, fmt.Errorf("%w (got %d)", ErrTooFewProviders, len(results))
	}
	if threshold < 0 || threshold > 1 {
		return ConsensusResult{}, fmt.Errorf("merge: threshold %v outside [0,1]", threshold)
	}

	p := len(results)
	providers := make([]string, 0, p)

	// Per-provider sets, and the union in first-seen order.
	type unionEntry struct {
		key   matchKey
		rep   Entity
		count int
	}
	var union []*unionEntry
	byKey := make(map[matchKey]*unionEntry)

	for _, r := range results {
		providers = append(providers, r.Provider)
		set := make(map[matchKey]bool)
		for _, e := range r.Entities {
			k := keyOf(e)
			if set[k] {
				continue // dedupe within one provider
			}
			set[k] = true
			u := byKey[k]
			if u == nil {
				u = &unionEntry{key: k, rep: e}
				byKey[k] = u
				union = append(union, u)
			}
			u.count++
		}
	}

	label := "consensus(" + strings.Join(providers, ", ") + ")"

	agreement := make(map[string]float64, len(union))
	var kept []Entity
	intersection := 0
	for _, u := range union {
		frac := float64(u.count) / float64(p)
		agreement[u.key.class+"\x1f"+u.key.text] = frac
		if u.count == p {
			intersection++
		}
		if frac >= threshold {
			e := u.rep
			e.Confidence = frac
			kept = append(kept, e)
		}
	}

	similarity := 0.0
	if len(union) > 0 {
		similarity = float64(intersection) / float64(len(union))
	}

	return ConsensusResult{
		Entities:   kept,
		Provider:   label,
		Providers:  providers,
		Agreement:  agreement,
		Similarity: similarity,
	}, nil
}

// AgreementKey builds the Agreement map key for an entity, for callers that
// want to look up diagnostics after a merge.
func AgreementKey(e Entity) string {
	k := keyOf(e)
	return k.class + "\x1f" + k.text
}
