package embedding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"corr/internal/budget"
	"corr/internal/evidence"
	"corr/internal/metrics"
	"corr/internal/prefilter"
)

// Outcome classifies what the similarity tier decided about a pair.
type Outcome string

const (
	// OutcomeAccepted means similarity cleared the high threshold and the
	// pair is related with confidence attached.
	OutcomeAccepted Outcome = "accepted"
	// OutcomePromoted means similarity fell in the ambiguous band and the
	// pair should go to the language-model tier.
	OutcomePromoted Outcome = "promoted"
	// OutcomeRejected means similarity fell below the low threshold.
	OutcomeRejected Outcome = "rejected"
	// OutcomeSkipped means at least one vector is unavailable, because its
	// batch was denied by budget or failed at the provider. Skipped pairs
	// carry no similarity signal either way.
	OutcomeSkipped Outcome = "skipped"
)

// PairScore is the tier's verdict on one candidate pair.
type PairScore struct {
	A, B   evidence.Fingerprint
	Cosine float64
	// Confidence is set only for accepted pairs, mapped affinely from the
	// cosine interval above the high threshold.
	Confidence float64
	Outcome    Outcome
}

// Result aggregates one tier invocation.
type Result struct {
	// Scores holds one entry per non-short-circuited input pair, ordered
	// by fingerprint pair.
	Scores []PairScore

	CacheHits   int
	CacheMisses int
	// Requests counts provider calls that succeeded and were committed.
	Requests int
	// DeniedBatches counts batches refused by the budget ledger.
	DeniedBatches int
	// FailedBatches counts batches the provider errored or timed out on.
	FailedBatches int
	// Spend is the committed cost of this invocation.
	Spend budget.Micro
}

// TierConfig tunes batching, concurrency, and the similarity thresholds.
type TierConfig struct {
	BatchSize     int
	Workers       int
	Timeout       time.Duration
	HighThreshold float64
	LowThreshold  float64
	ConfidenceMin float64
	ConfidenceMax float64
	// TokensPerItem is the flat token estimate used for cost accounting.
	TokensPerItem int64
}

func (c *TierConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.HighThreshold == 0 {
		c.HighThreshold = 0.82
	}
	if c.LowThreshold == 0 {
		c.LowThreshold = 0.55
	}
	if c.ConfidenceMin == 0 {
		c.ConfidenceMin = 0.75
	}
	if c.ConfidenceMax == 0 {
		c.ConfidenceMax = 0.92
	}
	if c.TokensPerItem <= 0 {
		c.TokensPerItem = 200
	}
}

// Tier embeds the items behind candidate pairs and scores each pair by
// cosine similarity. Provider calls are batched, run on a bounded worker
// pool, and individually reserved against the budget ledger.
type Tier struct {
	provider Provider
	cache    *Cache
	ledger   *budget.Ledger
	pricing  budget.Pricing
	cfg      TierConfig
	log      *zap.Logger
	rep      metrics.Reporter
}

// NewTier wires a tier. Provider, cache, and ledger are required; log and
// reporter may be nil.
func NewTier(provider Provider, cache *Cache, ledger *budget.Ledger, pricing budget.Pricing, cfg TierConfig, log *zap.Logger, rep metrics.Reporter) (*Tier, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding tier requires a provider")
	}
	if cache == nil {
		return nil, fmt.Errorf("embedding tier requires a cache")
	}
	if ledger == nil {
		return nil, fmt.Errorf("embedding tier requires a budget ledger")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rep == nil {
		rep = metrics.Nop{}
	}
	cfg.applyDefaults()
	return &Tier{
		provider: provider,
		cache:    cache,
		ledger:   ledger,
		pricing:  pricing,
		cfg:      cfg,
		log:      log,
		rep:      rep,
	}, nil
}

// Score resolves vectors for every item referenced by a non-short-circuited
// pair and classifies each such pair. A batch that is denied or fails leaves
// its items without vectors and the affected pairs skipped; only ledger
// corruption or cancellation aborts the call.
func (t *Tier) Score(ctx context.Context, arena *evidence.Arena, pairs []prefilter.Pair) (*Result, error) {
	res := &Result{}
	need := neededItems(arena, pairs)
	if len(need) == 0 {
		res.Scores = []PairScore{}
		return res, nil
	}

	modelID := ModelID(t.provider.Name())
	vectors := make(map[evidence.Fingerprint][]float32, len(need))
	var misses []evidence.Fingerprint
	for _, fp := range need {
		if vec, ok := t.cache.Get(fp, modelID); ok {
			vectors[fp] = vec
			res.CacheHits++
		} else {
			misses = append(misses, fp)
		}
	}
	res.CacheMisses = len(misses)
	t.rep.Count("embed.cache_hits", int64(res.CacheHits))
	t.rep.Count("embed.cache_misses", int64(res.CacheMisses))

	if len(misses) > 0 {
		if err := t.embedMisses(ctx, arena, modelID, misses, vectors, res); err != nil {
			return nil, err
		}
	}

	for _, p := range pairs {
		if p.ShortCircuit {
			continue
		}
		res.Scores = append(res.Scores, t.scorePair(p, vectors))
	}
	sort.Slice(res.Scores, func(i, j int) bool {
		if res.Scores[i].A != res.Scores[j].A {
			return res.Scores[i].A < res.Scores[j].A
		}
		return res.Scores[i].B < res.Scores[j].B
	})
	return res, nil
}

// neededItems returns the sorted distinct fingerprints behind pairs that
// still need a similarity verdict.
func neededItems(arena *evidence.Arena, pairs []prefilter.Pair) []evidence.Fingerprint {
	seen := make(map[evidence.Fingerprint]struct{})
	for _, p := range pairs {
		if p.ShortCircuit {
			continue
		}
		for _, fp := range [2]evidence.Fingerprint{p.A, p.B} {
			if arena.Get(fp) == nil {
				continue
			}
			seen[fp] = struct{}{}
		}
	}
	out := make([]evidence.Fingerprint, 0, len(seen))
	for fp := range seen {
		out = append(out, fp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// embedMisses resolves vectors for uncached items. Misses are already sorted,
// so batch composition is deterministic for a given input set.
func (t *Tier) embedMisses(ctx context.Context, arena *evidence.Arena, modelID uint64, misses []evidence.Fingerprint, vectors map[evidence.Fingerprint][]float32, res *Result) error {
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(t.cfg.Workers)

	for start := 0; start < len(misses); start += t.cfg.BatchSize {
		batch := misses[start:min(start+t.cfg.BatchSize, len(misses))]
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}

			texts := make([]string, len(batch))
			for i, fp := range batch {
				texts[i] = arena.Get(fp).EmbeddingText()
			}

			tokens := t.cfg.TokensPerItem * int64(len(batch))
			cost := t.pricing.EmbedCost(tokens)
			handle, err := t.ledger.Reserve(cost)
			if err != nil {
				if errors.Is(err, budget.ErrDenied) {
					mu.Lock()
					res.DeniedBatches++
					mu.Unlock()
					t.rep.Count("embed.batch_denied", 1)
					t.log.Warn("embedding batch denied by budget",
						zap.Int("items", len(batch)))
					return nil
				}
				return fmt.Errorf("reserve embedding batch: %w", err)
			}

			callCtx, cancel := context.WithTimeout(egCtx, t.cfg.Timeout)
			started := time.Now()
			vecs, err := t.provider.EmbedBatch(callCtx, texts)
			cancel()
			t.rep.Timing("embed.batch", time.Since(started))

			if err == nil && len(vecs) != len(batch) {
				err = fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(batch))
			}
			if err != nil {
				if relErr := t.ledger.Release(handle); relErr != nil {
					return fmt.Errorf("release embedding reservation: %w", relErr)
				}
				if cause := egCtx.Err(); cause != nil {
					return cause
				}
				mu.Lock()
				res.FailedBatches++
				mu.Unlock()
				t.rep.Count("embed.batch_failed", 1)
				t.log.Warn("embedding batch failed",
					zap.Int("items", len(batch)),
					zap.Error(err))
				return nil
			}

			if err := t.ledger.Commit(handle, cost, budget.Usage{
				EmbedTokens:   tokens,
				EmbedRequests: 1,
			}); err != nil {
				return fmt.Errorf("commit embedding spend: %w", err)
			}

			mu.Lock()
			for i, fp := range batch {
				vectors[fp] = vecs[i]
			}
			res.Requests++
			res.Spend += cost
			mu.Unlock()
			t.rep.Count("embed.requests", 1)
			t.rep.Count("embed.items", int64(len(batch)))

			for i, fp := range batch {
				if err := t.cache.Put(fp, modelID, vecs[i]); err != nil {
					t.log.Warn("embedding cache write failed",
						zap.Stringer("fingerprint", fp),
						zap.Error(err))
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

func (t *Tier) scorePair(p prefilter.Pair, vectors map[evidence.Fingerprint][]float32) PairScore {
	score := PairScore{A: p.A, B: p.B}

	va, okA := vectors[p.A]
	vb, okB := vectors[p.B]
	if !okA || !okB {
		score.Outcome = OutcomeSkipped
		return score
	}
	cos, err := Cosine(va, vb)
	if err != nil {
		t.log.Warn("similarity failed", zap.Error(err))
		score.Outcome = OutcomeSkipped
		return score
	}
	score.Cosine = cos

	switch {
	case cos >= t.cfg.HighThreshold:
		score.Outcome = OutcomeAccepted
		score.Confidence = t.confidence(cos)
	case cos >= t.cfg.LowThreshold:
		score.Outcome = OutcomePromoted
	default:
		score.Outcome = OutcomeRejected
	}
	return score
}

// confidence maps cosine in [high, 1] onto [min, max] linearly, clamped.
func (t *Tier) confidence(cos float64) float64 {
	span := 1 - t.cfg.HighThreshold
	if span <= 0 {
		return t.cfg.ConfidenceMax
	}
	conf := t.cfg.ConfidenceMin + (cos-t.cfg.HighThreshold)/span*(t.cfg.ConfidenceMax-t.cfg.ConfidenceMin)
	if conf < t.cfg.ConfidenceMin {
		return t.cfg.ConfidenceMin
	}
	if conf > t.cfg.ConfidenceMax {
		return t.cfg.ConfidenceMax
	}
	return conf
}
