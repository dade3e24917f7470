package evidence

import (
	"sort"
	"time"
)

// RelationType classifies how two evidence items relate.
type RelationType string

const (
	RelSolves     RelationType = "solves"
	RelReferences RelationType = "references"
	RelDuplicates RelationType = "duplicates"
	RelSequential RelationType = "sequential"
	RelDiscusses  RelationType = "discusses"
	RelCoAuthored RelationType = "co_authored"
)

// typeRank orders relation types for tie-breaking when two methods of
// equal prior disagree. Lower wins.
var typeRank = map[RelationType]int{
	RelSolves:     0,
	RelReferences: 1,
	RelDuplicates: 2,
	RelSequential: 3,
	RelDiscusses:  4,
	RelCoAuthored: 5,
}

// Rank returns the tie-break rank of the type. Unknown types sort last.
func (t RelationType) Rank() int {
	if r, ok := typeRank[t]; ok {
		return r
	}
	return len(typeRank)
}

// Valid reports whether t is one of the declared relation types.
func (t RelationType) Valid() bool {
	_, ok := typeRank[t]
	return ok
}

// Method identifies which tier produced a verdict.
type Method string

const (
	MethodRuleBased Method = "rule_based"
	MethodEmbedding Method = "embedding"
	MethodLLM       Method = "llm"
)

// Relationship is a confidence-weighted link between two evidence items.
// A and B are fingerprints ordered A < B so the pair is canonical. The
// stored method is the one whose verdict won calibration; every other
// method that fired is listed as a corroborator.
type Relationship struct {
	A            Fingerprint  `json:"a"`
	B            Fingerprint  `json:"b"`
	Type         RelationType `json:"type"`
	Confidence   float64      `json:"confidence"`
	Method       Method       `json:"method"`
	Corroborated []Method     `json:"corroborated,omitempty"`
	Explanation  Explanation  `json:"explanation"`
}

// Explanation records why a relationship exists: a one-line human summary
// plus machine-keyed signals for downstream consumers and audits.
type Explanation struct {
	Summary string             `json:"summary"`
	Signals map[string]float64 `json:"signals,omitempty"`
	Keys    []string           `json:"keys,omitempty"`
}

// OrderPair returns the two fingerprints in canonical (ascending) order.
func OrderPair(x, y Fingerprint) (Fingerprint, Fingerprint) {
	if x <= y {
		return x, y
	}
	return y, x
}

// SortRelationships orders relationships canonically: by A, then B, then
// type. Stages sort their output so runs are deterministic for identical
// input.
func SortRelationships(rels []Relationship) {
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].A != rels[j].A {
			return rels[i].A < rels[j].A
		}
		if rels[i].B != rels[j].B {
			return rels[i].B < rels[j].B
		}
		return rels[i].Type < rels[j].Type
	})
}

// Arena maps fingerprints to the items of one correlation run. Stories
// and relationships hold fingerprints, never pointers, so serialization
// stays trivial and no ownership cycles form; the arena is the single
// lookup path back to the items.
type Arena struct {
	items map[Fingerprint]*Evidence
	order []Fingerprint
}

// NewArena builds an arena over the given items. Duplicate fingerprints
// keep the later-timestamped item, matching ingest deduplication.
func NewArena(items []*Evidence) *Arena {
	a := &Arena{items: make(map[Fingerprint]*Evidence, len(items))}
	for _, it := range items {
		fp := it.Fingerprint()
		if prev, ok := a.items[fp]; ok {
			if it.Timestamp.After(prev.Timestamp) {
				a.items[fp] = it
			}
			continue
		}
		a.items[fp] = it
		a.order = append(a.order, fp)
	}
	sort.Slice(a.order, func(i, j int) bool { return a.order[i] < a.order[j] })
	return a
}

// Get returns the item for a fingerprint, or nil when absent.
func (a *Arena) Get(fp Fingerprint) *Evidence {
	return a.items[fp]
}

// Fingerprints returns all fingerprints in ascending order.
func (a *Arena) Fingerprints() []Fingerprint {
	out := make([]Fingerprint, len(a.order))
	copy(out, a.order)
	return out
}

// Items returns the deduplicated items in fingerprint order.
func (a *Arena) Items() []*Evidence {
	out := make([]*Evidence, 0, len(a.order))
	for _, fp := range a.order {
		out = append(out, a.items[fp])
	}
	return out
}

// Len reports the number of distinct items.
func (a *Arena) Len() int { return len(a.order) }

// Span returns the earliest and latest timestamps across the given
// members. Zero times when the set is empty.
func (a *Arena) Span(members []Fingerprint) (time.Time, time.Time) {
	var min, max time.Time
	for _, fp := range members {
		it := a.items[fp]
		if it == nil {
			continue
		}
		if min.IsZero() || it.Timestamp.Before(min) {
			min = it.Timestamp
		}
		if max.IsZero() || it.Timestamp.After(max) {
			max = it.Timestamp
		}
	}
	return min, max
}
