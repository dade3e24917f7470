// Package prefilter generates candidate evidence pairs with free
// rule-based passes so the paid tiers only ever see pairs worth spending
// on. Author and kind joins run as a datalog program; reference and
// title-overlap scans run as indexed passes over extracted features.
package prefilter

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/mangle/ast"
	"go.uber.org/zap"

	"corr/internal/evidence"
)

//go:embed rules.mg
var rulesSource string

// Rule tags a candidate pair with the pass that emitted it.
type Rule string

const (
	// RuleSameAuthor pairs items by one person across different sources
	// inside the author window.
	RuleSameAuthor Rule = "same_author_temporal"
	// RuleExplicitRef pairs items where one's text cites the other's
	// external key. These pairs skip the paid tiers.
	RuleExplicitRef Rule = "explicit_reference"
	// RuleRapidPair pairs same-kind items by one person inside the rapid
	// window, catching tight iteration loops.
	RuleRapidPair Rule = "rapid_iteration"
	// RuleBranchTicket pairs items whose branch carries another item's
	// issue key.
	RuleBranchTicket Rule = "branch_ticket_match"
	// RuleTitleOverlap pairs items whose titles overlap above the n-gram
	// threshold.
	RuleTitleOverlap Rule = "ngram_overlap"
)

// Pair is an unordered candidate pair, A < B by fingerprint, tagged with
// every rule that fired and the context later tiers need.
type Pair struct {
	A, B     evidence.Fingerprint
	Rules    []Rule
	Strength map[Rule]float64

	// MatchedKey is the external key that linked the pair, when a
	// reference rule fired.
	MatchedKey string
	// DeltaT is the absolute timestamp gap between the endpoints.
	DeltaT time.Duration
	// Jaccard is the title n-gram overlap, when computed.
	Jaccard float64
	// ShortCircuit marks pairs resolved by explicit reference; they are
	// accepted without embedding or adjudication.
	ShortCircuit bool
}

// Has reports whether the given rule fired for this pair.
func (p *Pair) Has(rule Rule) bool {
	for _, r := range p.Rules {
		if r == rule {
			return true
		}
	}
	return false
}

// IdentityResolver maps a platform-local handle to a canonical person id.
type IdentityResolver interface {
	Resolve(source, handle string) (string, bool)
}

// Config bounds the temporal rules and the overlap threshold.
type Config struct {
	AuthorWindow   time.Duration
	RapidWindow    time.Duration
	NgramThreshold float64
}

// Filter runs the candidate-pair rules over an evidence arena.
type Filter struct {
	cfg     Config
	resolve IdentityResolver
	engine  *ruleEngine
	log     *zap.Logger
}

// New compiles the datalog rules and returns a ready filter. resolve may
// be nil, in which case raw handles stand in for canonical ids.
func New(cfg Config, resolve IdentityResolver, log *zap.Logger) (*Filter, error) {
	if cfg.AuthorWindow <= 0 {
		cfg.AuthorWindow = 24 * time.Hour
	}
	if cfg.RapidWindow <= 0 {
		cfg.RapidWindow = cfg.AuthorWindow / 4
	}
	if cfg.NgramThreshold <= 0 {
		cfg.NgramThreshold = 0.35
	}
	if log == nil {
		log = zap.NewNop()
	}
	engine, err := newRuleEngine(rulesSource)
	if err != nil {
		return nil, err
	}
	return &Filter{cfg: cfg, resolve: resolve, engine: engine, log: log}, nil
}

// Pairs runs every rule pass and returns the deduplicated candidate set,
// sorted by endpoint fingerprints. Each pair carries the union of the
// rules that fired for it.
func (f *Filter) Pairs(ctx context.Context, arena *evidence.Arena) ([]Pair, error) {
	if arena.Len() < 2 {
		return nil, nil
	}
	feats := buildFeatures(arena, f.resolve)
	acc := newAccumulator(arena)

	f.explicitReferences(feats, acc)
	f.branchTicketMatches(feats, acc)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.authorPairs(feats, acc); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.titleOverlap(feats, acc)

	pairs := acc.sorted()
	f.log.Debug("candidate pairs generated",
		zap.Int("items", arena.Len()),
		zap.Int("pairs", len(pairs)))
	return pairs, nil
}

// explicitReferences matches issue keys, commit hash prefixes, and MR
// references in one item's text against another item's identity.
func (f *Filter) explicitReferences(feats []itemFeatures, acc *accumulator) {
	tickets := make(map[string][]evidence.Fingerprint)
	var commits []itemFeatures
	mrs := make(map[string][]itemFeatures)
	for _, ft := range feats {
		switch ft.item.Kind {
		case evidence.KindTicket:
			tickets[strings.ToUpper(ft.item.ID)] = append(tickets[strings.ToUpper(ft.item.ID)], ft.fp)
		case evidence.KindCommit:
			commits = append(commits, ft)
		case evidence.KindMergeRequest:
			n := mrNumber(ft.item.ID)
			mrs[n] = append(mrs[n], ft)
		}
	}

	for _, ft := range feats {
		for _, key := range ft.issueKeys {
			for _, target := range tickets[strings.ToUpper(key)] {
				if target == ft.fp {
					continue
				}
				p := acc.add(ft.fp, target, RuleExplicitRef, 1.0)
				p.ShortCircuit = true
				if p.MatchedKey == "" {
					p.MatchedKey = key
				}
			}
		}
		for _, ref := range ft.hashRefs {
			for _, c := range commits {
				if c.fp == ft.fp || !strings.HasPrefix(strings.ToLower(c.item.ID), ref) {
					continue
				}
				p := acc.add(ft.fp, c.fp, RuleExplicitRef, 1.0)
				p.ShortCircuit = true
				if p.MatchedKey == "" {
					p.MatchedKey = ref
				}
			}
		}
		for _, ref := range ft.mrRefs {
			for _, m := range mrs[ref.number] {
				if m.fp == ft.fp || !mrProjectCompatible(ref, ft.item, m.item) {
					continue
				}
				p := acc.add(ft.fp, m.fp, RuleExplicitRef, 1.0)
				p.ShortCircuit = true
				if p.MatchedKey == "" {
					p.MatchedKey = ref.project + "!" + ref.number
				}
			}
		}
	}
}

// mrNumber extracts the numeric part of a merge-request id, which may be
// project-scoped ("platform/api!42") or bare ("42").
func mrNumber(id string) string {
	if i := strings.LastIndexByte(id, '!'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// mrProjectCompatible guards numeric MR references from crossing project
// boundaries: an explicit prefix must equal the target's project, and a
// bare reference only binds inside one project (or when neither side
// declares one).
func mrProjectCompatible(ref mrRef, from, to *evidence.Evidence) bool {
	target := to.StringAttr(evidence.AttrProject)
	if ref.project != "" {
		return target == "" || ref.project == target
	}
	source := from.StringAttr(evidence.AttrProject)
	if source == "" || target == "" {
		return true
	}
	return source == target
}

func (f *Filter) branchTicketMatches(feats []itemFeatures, acc *accumulator) {
	tickets := make(map[string][]evidence.Fingerprint)
	for _, ft := range feats {
		if ft.item.Kind == evidence.KindTicket {
			tickets[strings.ToUpper(ft.item.ID)] = append(tickets[strings.ToUpper(ft.item.ID)], ft.fp)
		}
	}
	for _, ft := range feats {
		for _, key := range ft.branchKeys {
			for _, target := range tickets[key] {
				if target == ft.fp {
					continue
				}
				p := acc.add(ft.fp, target, RuleBranchTicket, 1.0)
				if p.MatchedKey == "" {
					p.MatchedKey = key
				}
			}
		}
	}
}

// authorPairs evaluates the datalog joins for the two author rules and
// applies the time windows to the joined pairs.
func (f *Filter) authorPairs(feats []itemFeatures, acc *accumulator) error {
	facts := make([]ast.Atom, 0, len(feats))
	for _, ft := range feats {
		if ft.person == "" {
			continue
		}
		facts = append(facts, itemFact(ft.fp, ft.item.Source, ft.item.Kind, ft.person))
	}
	if len(facts) < 2 {
		return nil
	}

	store, err := f.engine.eval(facts)
	if err != nil {
		return fmt.Errorf("author joins: %w", err)
	}

	cross, err := f.engine.pairs(store, "cross_source_author_pair")
	if err != nil {
		return err
	}
	for _, pr := range cross {
		if dt, ok := acc.gap(pr[0], pr[1]); ok && dt <= f.cfg.AuthorWindow {
			strength := 1 - float64(dt)/float64(f.cfg.AuthorWindow)
			acc.add(pr[0], pr[1], RuleSameAuthor, strength)
		}
	}

	rapid, err := f.engine.pairs(store, "same_kind_author_pair")
	if err != nil {
		return err
	}
	for _, pr := range rapid {
		if dt, ok := acc.gap(pr[0], pr[1]); ok && dt <= f.cfg.RapidWindow {
			strength := 1 - float64(dt)/float64(f.cfg.RapidWindow)
			acc.add(pr[0], pr[1], RuleRapidPair, strength)
		}
	}
	return nil
}

func (f *Filter) titleOverlap(feats []itemFeatures, acc *accumulator) {
	for i := 0; i < len(feats); i++ {
		if len(feats[i].ngrams) == 0 {
			continue
		}
		for j := i + 1; j < len(feats); j++ {
			if len(feats[j].ngrams) == 0 {
				continue
			}
			score := jaccard(feats[i].ngrams, feats[j].ngrams)
			if score < f.cfg.NgramThreshold {
				continue
			}
			p := acc.add(feats[i].fp, feats[j].fp, RuleTitleOverlap, score)
			p.Jaccard = score
		}
	}
}

// accumulator dedups pairs across rule passes and unions their tags.
type accumulator struct {
	arena *evidence.Arena
	pairs map[[2]evidence.Fingerprint]*Pair
}

func newAccumulator(arena *evidence.Arena) *accumulator {
	return &accumulator{arena: arena, pairs: make(map[[2]evidence.Fingerprint]*Pair)}
}

func (c *accumulator) gap(a, b evidence.Fingerprint) (time.Duration, bool) {
	ia, ib := c.arena.Get(a), c.arena.Get(b)
	if ia == nil || ib == nil {
		return 0, false
	}
	dt := ia.Timestamp.Sub(ib.Timestamp)
	if dt < 0 {
		dt = -dt
	}
	return dt, true
}

func (c *accumulator) add(a, b evidence.Fingerprint, rule Rule, strength float64) *Pair {
	a, b = evidence.OrderPair(a, b)
	p, ok := c.pairs[[2]evidence.Fingerprint{a, b}]
	if !ok {
		p = &Pair{A: a, B: b, Strength: make(map[Rule]float64)}
		if dt, found := c.gap(a, b); found {
			p.DeltaT = dt
		}
		c.pairs[[2]evidence.Fingerprint{a, b}] = p
	}
	if !p.Has(rule) {
		p.Rules = append(p.Rules, rule)
	}
	if strength > p.Strength[rule] {
		p.Strength[rule] = strength
	}
	return p
}

func (c *accumulator) sorted() []Pair {
	out := make([]Pair, 0, len(c.pairs))
	for _, p := range c.pairs {
		sort.Slice(p.Rules, func(i, j int) bool { return p.Rules[i] < p.Rules[j] })
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A == out[j].A {
			return out[i].B < out[j].B
		}
		return out[i].A < out[j].A
	})
	return out
}
