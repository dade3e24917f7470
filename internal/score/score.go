// Package score calibrates per-pair verdicts from the three correlation
// tiers into final relationships. Each detection signal carries a prior
// and a strength; the combined confidence is one minus the product of the
// per-signal misses, so corroborating signals only ever raise a pair and
// a dissenting adjudication damps it. A high-band cosine additionally
// carries the embedding tier's calibrated confidence, which floors the
// combined score. Pairs below the acceptance threshold are dropped.
package score

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"corr/internal/embedding"
	"corr/internal/evidence"
	"corr/internal/llm"
	"corr/internal/prefilter"
)

// Signal names one detection method that can vouch for, or dissent on, a
// candidate pair.
type Signal string

const (
	// SignalExplicitRef covers the reference rules: one item citing the
	// other's external key, or a branch named after it.
	SignalExplicitRef Signal = "explicit_reference"
	// SignalLLMPositive is an adjudication verdict with related=true;
	// its strength is the model's self-reported confidence.
	SignalLLMPositive Signal = "llm_positive"
	// SignalEmbedding is cosine similarity from the embedding tier; its
	// strength is the cosine clamped to [0,1].
	SignalEmbedding Signal = "embedding_high"
	// SignalAuthorTemporal covers the same-author proximity rules; its
	// strength decays linearly with the timestamp gap.
	SignalAuthorTemporal Signal = "same_author_temporal"
	// SignalNgramOverlap is title n-gram overlap; its strength is the
	// Jaccard score.
	SignalNgramOverlap Signal = "ngram_overlap"
	// SignalLLMNegative is an adjudication verdict with related=false.
	// It contributes no confidence and damps whatever the positive
	// signals built.
	SignalLLMNegative Signal = "llm_negative"
)

// signalOrder fixes the iteration order of positive signals so floating
// point combination is bit-stable across runs.
var signalOrder = []Signal{
	SignalExplicitRef,
	SignalLLMPositive,
	SignalEmbedding,
	SignalAuthorTemporal,
	SignalNgramOverlap,
}

// DefaultPriors returns the default per-signal priors.
func DefaultPriors() map[Signal]float64 {
	return map[Signal]float64{
		SignalExplicitRef:    0.95,
		SignalLLMPositive:    0.88,
		SignalEmbedding:      0.78,
		SignalAuthorTemporal: 0.62,
		SignalNgramOverlap:   0.45,
	}
}

// method maps a signal to the coarse tier recorded on the relationship.
func (s Signal) method() evidence.Method {
	switch s {
	case SignalLLMPositive, SignalLLMNegative:
		return evidence.MethodLLM
	case SignalEmbedding:
		return evidence.MethodEmbedding
	default:
		return evidence.MethodRuleBased
	}
}

// label is the human form of a signal used in explanation summaries.
func (s Signal) label() string {
	switch s {
	case SignalExplicitRef:
		return "explicit reference"
	case SignalLLMPositive:
		return "llm adjudication"
	case SignalEmbedding:
		return "embedding similarity"
	case SignalAuthorTemporal:
		return "same-author proximity"
	case SignalNgramOverlap:
		return "title overlap"
	default:
		return string(s)
	}
}

// Verdict is one signal's vote on a pair. Type proposes the relation
// type the signal would assign when it wins; negative verdicts carry
// none.
type Verdict struct {
	Signal   Signal
	Strength float64
	Type     evidence.RelationType
}

// Config tunes calibration. Zero values take defaults; NegativeDamping
// and AcceptThreshold interpret negative as disabled, mirroring the
// tier configs.
type Config struct {
	// Priors replace the default per-signal priors when non-nil.
	Priors map[Signal]float64
	// NegativeDamping is the fraction removed by a dissenting
	// adjudication. Default 0.7; negative disables damping.
	NegativeDamping float64
	// AcceptThreshold drops pairs whose combined confidence falls below
	// it. Default 0.50; negative accepts everything.
	AcceptThreshold float64
}

func (c *Config) applyDefaults() {
	if c.Priors == nil {
		c.Priors = DefaultPriors()
	}
	if c.NegativeDamping == 0 {
		c.NegativeDamping = 0.7
	} else if c.NegativeDamping < 0 {
		c.NegativeDamping = 0
	}
	if c.AcceptThreshold == 0 {
		c.AcceptThreshold = 0.50
	} else if c.AcceptThreshold < 0 {
		c.AcceptThreshold = 0
	}
}

// Combined is the calibrated outcome for one pair.
type Combined struct {
	Confidence float64
	Type       evidence.RelationType
	// Method is the tier of the signal that contributed the most
	// confidence; every other tier that fired corroborates.
	Method       evidence.Method
	Corroborated []evidence.Method
	// Signals maps each signal that fired to its strength.
	Signals map[string]float64
	// Damped is set when a dissenting adjudication reduced the score.
	Damped bool
}

// Scorer combines tier verdicts into relationships.
type Scorer struct {
	cfg Config
	log *zap.Logger
}

// New returns a scorer with the given calibration. log may be nil.
func New(cfg Config, log *zap.Logger) *Scorer {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Scorer{cfg: cfg, log: log}
}

// Combine folds all verdicts for one pair into a single confidence and
// type. It returns false when no positive signal fired or the combined
// confidence falls below the acceptance threshold.
func (s *Scorer) Combine(verdicts []Verdict) (Combined, bool) {
	strongest := make(map[Signal]Verdict, len(verdicts))
	negative := false
	for _, v := range verdicts {
		if v.Signal == SignalLLMNegative {
			negative = true
			continue
		}
		v.Strength = clamp01(v.Strength)
		if prev, ok := strongest[v.Signal]; !ok || v.Strength > prev.Strength {
			strongest[v.Signal] = v
		}
	}
	if len(strongest) == 0 {
		return Combined{}, false
	}

	out := Combined{Signals: make(map[string]float64, len(strongest)+1)}
	miss := 1.0
	bestContribution := -1.0
	bestPrior := -1.0
	var winner Signal
	var typePrior float64 = -1
	for _, sig := range signalOrder {
		v, ok := strongest[sig]
		if !ok {
			continue
		}
		prior := clamp01(s.cfg.Priors[sig])
		contribution := prior * v.Strength
		miss *= 1 - contribution
		out.Signals[string(sig)] = v.Strength
		if contribution > bestContribution || (contribution == bestContribution && prior > bestPrior) {
			bestContribution = contribution
			bestPrior = prior
			winner = sig
		}
		if v.Type == "" {
			continue
		}
		if prior > typePrior || (prior == typePrior && v.Type.Rank() < out.Type.Rank()) {
			typePrior = prior
			out.Type = v.Type
		}
	}
	out.Confidence = 1 - miss
	if negative {
		out.Signals[string(SignalLLMNegative)] = 1
		out.Confidence *= 1 - s.cfg.NegativeDamping
		out.Damped = s.cfg.NegativeDamping > 0
	}
	if out.Confidence < s.cfg.AcceptThreshold {
		return Combined{}, false
	}
	if out.Type == "" {
		out.Type = evidence.RelDiscusses
	}

	out.Method = winner.method()
	for _, m := range []evidence.Method{evidence.MethodRuleBased, evidence.MethodEmbedding, evidence.MethodLLM} {
		if m == out.Method {
			continue
		}
		for _, sig := range signalOrder {
			if _, ok := strongest[sig]; ok && sig.method() == m {
				out.Corroborated = append(out.Corroborated, m)
				break
			}
		}
	}
	return out, true
}

// pairKey is the canonical (ascending) endpoint pair.
type pairKey [2]evidence.Fingerprint

// pairInput accumulates everything the tiers reported about one pair.
type pairInput struct {
	verdicts []Verdict
	keys     []string
	// promotedCosine holds an ambiguous-band cosine. It corroborates an
	// adjudicated verdict but never stands alone: a promoted pair the
	// adjudicator never served falls back to its rule signals.
	promotedCosine float64
	promoted       bool
	judged         bool
	// acceptedConf is the embedding tier's calibrated confidence for a
	// high-band cosine. It floors the pair's combined confidence, so an
	// embedding-led relationship reports inside the calibrated band and
	// corroborating rules can only raise it.
	acceptedConf float64
}

// Score joins the tier outputs pair by pair, calibrates each, and
// returns the accepted relationships in canonical order.
func (s *Scorer) Score(arena *evidence.Arena, pairs []prefilter.Pair, scores []embedding.PairScore, verdicts []llm.PairVerdict) []evidence.Relationship {
	acc := make(map[pairKey]*pairInput)
	get := func(a, b evidence.Fingerprint) *pairInput {
		k := pairKey{a, b}
		in, ok := acc[k]
		if !ok {
			in = &pairInput{}
			acc[k] = in
		}
		return in
	}

	for i := range pairs {
		p := &pairs[i]
		in := get(p.A, p.B)
		if p.Has(prefilter.RuleExplicitRef) || p.Has(prefilter.RuleBranchTicket) {
			strength := p.Strength[prefilter.RuleExplicitRef]
			if br := p.Strength[prefilter.RuleBranchTicket]; br > strength {
				strength = br
			}
			in.verdicts = append(in.verdicts, Verdict{
				Signal:   SignalExplicitRef,
				Strength: strength,
				Type:     referenceType(arena, p.A, p.B),
			})
			if p.MatchedKey != "" {
				in.keys = append(in.keys, p.MatchedKey)
			}
		}
		if p.Has(prefilter.RuleSameAuthor) || p.Has(prefilter.RuleRapidPair) {
			strength := p.Strength[prefilter.RuleSameAuthor]
			if rp := p.Strength[prefilter.RuleRapidPair]; rp > strength {
				strength = rp
			}
			in.verdicts = append(in.verdicts, Verdict{
				Signal:   SignalAuthorTemporal,
				Strength: strength,
				Type:     evidence.RelSequential,
			})
		}
		if p.Has(prefilter.RuleTitleOverlap) {
			in.verdicts = append(in.verdicts, Verdict{
				Signal:   SignalNgramOverlap,
				Strength: p.Strength[prefilter.RuleTitleOverlap],
				Type:     evidence.RelDuplicates,
			})
		}
	}

	for _, sc := range scores {
		switch sc.Outcome {
		case embedding.OutcomeAccepted:
			in := get(sc.A, sc.B)
			in.acceptedConf = sc.Confidence
			in.verdicts = append(in.verdicts, Verdict{
				Signal:   SignalEmbedding,
				Strength: sc.Cosine,
				Type:     evidence.RelDiscusses,
			})
		case embedding.OutcomePromoted:
			in := get(sc.A, sc.B)
			in.promoted = true
			in.promotedCosine = sc.Cosine
		}
	}

	for _, pv := range verdicts {
		if pv.Outcome != llm.OutcomeJudged || pv.Verdict == nil {
			continue
		}
		in := get(pv.A, pv.B)
		in.judged = true
		if pv.Verdict.Related {
			in.verdicts = append(in.verdicts, Verdict{
				Signal:   SignalLLMPositive,
				Strength: pv.Verdict.Confidence,
				Type:     pv.Verdict.Type,
			})
		} else {
			in.verdicts = append(in.verdicts, Verdict{Signal: SignalLLMNegative})
		}
	}

	keys := make([]pairKey, 0, len(acc))
	for k := range acc {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	rels := make([]evidence.Relationship, 0, len(keys))
	dropped := 0
	for _, k := range keys {
		in := acc[k]
		if in.promoted && in.judged {
			in.verdicts = append(in.verdicts, Verdict{
				Signal:   SignalEmbedding,
				Strength: in.promotedCosine,
				Type:     evidence.RelDiscusses,
			})
		}
		combined, ok := s.Combine(in.verdicts)
		if !ok {
			dropped++
			continue
		}
		if in.acceptedConf > combined.Confidence {
			combined.Confidence = in.acceptedConf
		}
		rels = append(rels, evidence.Relationship{
			A:            k[0],
			B:            k[1],
			Type:         combined.Type,
			Confidence:   combined.Confidence,
			Method:       combined.Method,
			Corroborated: combined.Corroborated,
			Explanation: evidence.Explanation{
				Summary: summarize(combined, in.keys),
				Signals: combined.Signals,
				Keys:    dedupeKeys(in.keys),
			},
		})
	}
	evidence.SortRelationships(rels)
	s.log.Debug("scored candidate pairs",
		zap.Int("pairs", len(keys)),
		zap.Int("accepted", len(rels)),
		zap.Int("dropped", dropped))
	return rels
}

// referenceType decides what a reference-family match means: a code
// change citing a tracker item with closing language solves it, anything
// else is a plain reference.
func referenceType(arena *evidence.Arena, a, b evidence.Fingerprint) evidence.RelationType {
	ia, ib := arena.Get(a), arena.Get(b)
	if ia == nil || ib == nil {
		return evidence.RelReferences
	}
	var code *evidence.Evidence
	switch {
	case ia.Kind.IsCodeChange() && ib.Kind.IsTracker():
		code = ia
	case ib.Kind.IsCodeChange() && ia.Kind.IsTracker():
		code = ib
	default:
		return evidence.RelReferences
	}
	if hasClosingKeyword(code.Title) || hasClosingKeyword(code.Body) {
		return evidence.RelSolves
	}
	return evidence.RelReferences
}

// hasClosingKeyword reports whether the text carries commit-message
// closing language (fix, close, resolve and their inflections).
func hasClosingKeyword(text string) bool {
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z')
	}) {
		switch {
		case strings.HasPrefix(tok, "fix"),
			strings.HasPrefix(tok, "close"),
			strings.HasPrefix(tok, "resolve"):
			return true
		}
	}
	return false
}

// summarize renders the one-line human explanation.
func summarize(c Combined, keys []string) string {
	var sb strings.Builder
	switch c.Method {
	case evidence.MethodLLM:
		sb.WriteString(SignalLLMPositive.label())
	case evidence.MethodEmbedding:
		sb.WriteString(SignalEmbedding.label())
	default:
		lead := ruleSummary(c)
		sb.WriteString(lead)
		if ks := dedupeKeys(keys); lead == SignalExplicitRef.label() && len(ks) > 0 {
			fmt.Fprintf(&sb, " to %s", ks[0])
		}
	}
	if len(c.Corroborated) > 0 {
		names := make([]string, 0, len(c.Corroborated))
		for _, m := range c.Corroborated {
			names = append(names, string(m))
		}
		fmt.Fprintf(&sb, ", corroborated by %s", strings.Join(names, " and "))
	}
	if c.Damped {
		sb.WriteString("; damped by a dissenting adjudication")
	}
	return sb.String()
}

// ruleSummary picks the strongest rule signal's label for the summary of
// a rule-based relationship.
func ruleSummary(c Combined) string {
	for _, sig := range []Signal{SignalExplicitRef, SignalAuthorTemporal, SignalNgramOverlap} {
		if _, ok := c.Signals[string(sig)]; ok {
			return sig.label()
		}
	}
	return string(evidence.MethodRuleBased)
}

func dedupeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
