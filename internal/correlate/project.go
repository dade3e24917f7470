package correlate

import (
	"math"
	"sort"
	"sync"

	"corr/internal/budget"
	"corr/internal/evidence"
	"corr/internal/prefilter"
)

// CostEstimate is the projected paid cost of one run, computed before any
// provider call is made.
type CostEstimate struct {
	UniqueItems int `json:"unique_items"`
	// PayableItems is the expected number of cache misses across the
	// items the embedding tier would touch.
	PayableItems  int `json:"payable_items"`
	Pairs         int `json:"pairs"`
	ShortCircuits int `json:"short_circuits"`
	// ResidualPairs is the expected number of pairs reaching the
	// adjudication tier.
	ResidualPairs int          `json:"residual_pairs"`
	EmbedMicro    budget.Micro `json:"embed_micro"`
	LLMMicro      budget.Micro `json:"llm_micro"`
	// TotalMicro carries the safety factor and is the figure checked
	// against the ledger.
	TotalMicro  budget.Micro `json:"total_micro"`
	Recommended Mode         `json:"recommended"`
}

// ProjectorConfig tunes the projection inputs. Zero values take the
// defaults the tiers themselves use.
type ProjectorConfig struct {
	TokensPerItem       int64
	TokensPerPair       int64
	OutputTokensPerPair int64
	// ResidualRate is the expected fraction of candidate pairs the
	// embedding tier promotes to adjudication.
	ResidualRate float64
	// InitialHitRate seeds the per-source cache-hit moving average.
	InitialHitRate float64
	SafetyFactor   float64
	// Smoothing weighs each run's observed hit rate into the average.
	Smoothing float64
}

func (c *ProjectorConfig) applyDefaults() {
	if c.TokensPerItem <= 0 {
		c.TokensPerItem = 200
	}
	if c.TokensPerPair <= 0 {
		c.TokensPerPair = 900
	}
	if c.OutputTokensPerPair <= 0 {
		c.OutputTokensPerPair = 512
	}
	if c.ResidualRate <= 0 {
		c.ResidualRate = 0.08
	}
	if c.InitialHitRate <= 0 {
		c.InitialHitRate = 0.3
	}
	if c.SafetyFactor <= 0 {
		c.SafetyFactor = 1.25
	}
	if c.Smoothing <= 0 {
		c.Smoothing = 0.3
	}
}

// Projector estimates paid-tier cost from candidate counts and a
// per-source cache-hit moving average. Projections round up: admission
// gates on the estimate while the ledger records actual spend.
// Averages live in process memory and reset on restart to the seed rate.
type Projector struct {
	cfg     ProjectorConfig
	pricing budget.Pricing

	mu    sync.Mutex
	rates map[string]float64
}

// NewProjector returns a projector with the seed hit rate for every
// source it has not yet observed.
func NewProjector(pricing budget.Pricing, cfg ProjectorConfig) *Projector {
	cfg.applyDefaults()
	return &Projector{
		cfg:     cfg,
		pricing: pricing,
		rates:   make(map[string]float64),
	}
}

// Rate returns the current hit-rate estimate for a source.
func (p *Projector) Rate(source string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.rates[source]; ok {
		return r
	}
	return p.cfg.InitialHitRate
}

// Project estimates the cost of running the paid tiers over the given
// candidate set. Short-circuited pairs are free and excluded throughout.
func (p *Projector) Project(arena *evidence.Arena, pairs []prefilter.Pair) CostEstimate {
	est := CostEstimate{UniqueItems: arena.Len(), Recommended: ModeRules}

	perSource := make(map[string]int)
	seen := make(map[evidence.Fingerprint]struct{})
	for _, pair := range pairs {
		if pair.ShortCircuit {
			est.ShortCircuits++
			continue
		}
		est.Pairs++
		for _, fp := range [2]evidence.Fingerprint{pair.A, pair.B} {
			if _, dup := seen[fp]; dup {
				continue
			}
			item := arena.Get(fp)
			if item == nil {
				continue
			}
			seen[fp] = struct{}{}
			perSource[item.Source]++
		}
	}
	if est.Pairs == 0 {
		return est
	}

	sources := make([]string, 0, len(perSource))
	for s := range perSource {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	p.mu.Lock()
	var misses float64
	for _, s := range sources {
		rate, ok := p.rates[s]
		if !ok {
			rate = p.cfg.InitialHitRate
		}
		misses += float64(perSource[s]) * (1 - rate)
	}
	p.mu.Unlock()

	est.PayableItems = int(math.Ceil(misses))
	est.ResidualPairs = int(math.Ceil(float64(est.Pairs) * p.cfg.ResidualRate))

	est.EmbedMicro = p.pricing.EmbedCost(int64(est.PayableItems) * p.cfg.TokensPerItem)
	perPair := p.pricing.LLMCost(p.cfg.TokensPerPair, p.cfg.OutputTokensPerPair)
	est.LLMMicro = budget.Micro(est.ResidualPairs) * perPair

	est.TotalMicro = budget.Micro(math.Ceil(float64(est.EmbedMicro+est.LLMMicro) * p.cfg.SafetyFactor))
	est.Recommended = ModeLLM
	return est
}

// Observe folds one run's cache outcome back into the moving average.
// The embedding tier reports aggregate hits and misses, so every source
// that contributed payable items moves toward the same observed rate.
func (p *Projector) Observe(sources []string, hits, misses int) {
	total := hits + misses
	if total == 0 || len(sources) == 0 {
		return
	}
	observed := float64(hits) / float64(total)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range sources {
		prev, ok := p.rates[s]
		if !ok {
			prev = p.cfg.InitialHitRate
		}
		p.rates[s] = p.cfg.Smoothing*observed + (1-p.cfg.Smoothing)*prev
	}
}
