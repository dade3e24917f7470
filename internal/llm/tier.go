package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"corr/internal/budget"
	"corr/internal/evidence"
	"corr/internal/metrics"
)

// Candidate is one pair awaiting a model verdict.
type Candidate struct {
	A, B evidence.Fingerprint
}

// Outcome classifies what happened to a candidate.
type Outcome string

const (
	// OutcomeJudged means a verdict was obtained, positive or negative.
	OutcomeJudged Outcome = "judged"
	// OutcomeDenied means the budget ladder or cap refused the call.
	OutcomeDenied Outcome = "denied"
	// OutcomeFailed means the call failed after its one retry, or the
	// reply stayed malformed after the one repair re-ask.
	OutcomeFailed Outcome = "failed"
	// OutcomeCapped means the per-run request cap was already spent.
	OutcomeCapped Outcome = "capped"
)

// PairVerdict is the tier's record for one candidate. Verdict is set only
// when Outcome is judged.
type PairVerdict struct {
	A, B    evidence.Fingerprint
	Outcome Outcome
	Verdict *Verdict
}

// Result aggregates one tier invocation.
type Result struct {
	// Verdicts holds one entry per distinct candidate, ordered by
	// fingerprint pair.
	Verdicts []PairVerdict

	// Requests counts provider calls attempted, including retries and
	// repair re-asks.
	Requests int
	Retries  int
	Repairs  int
	Denied   int
	Failed   int
	Capped   int
	Spend    budget.Micro
}

// TierConfig tunes concurrency, rate, prompts, and accounting.
type TierConfig struct {
	Workers           int
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	CardLimit         int
	RationaleLimit    int
	MaxOutputTokens   int
	// RunRequestCap bounds provider calls per Judge invocation; zero
	// means uncapped.
	RunRequestCap int
	// TokensPerPair is the input-token estimate used for reservations.
	TokensPerPair int64
	RetryDelay    time.Duration
}

func (c *TierConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
	if c.Burst <= 0 {
		c.Burst = 2
	}
	if c.CardLimit <= 0 {
		c.CardLimit = 1200
	}
	if c.RationaleLimit <= 0 {
		c.RationaleLimit = 280
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = 512
	}
	if c.TokensPerPair <= 0 {
		c.TokensPerPair = 900
	}
	// Negative means retry immediately; zero takes the default.
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
}

var errCapExhausted = errors.New("run request cap exhausted")

// Tier judges candidate pairs through the model client. Calls run on a
// small worker pool behind a shared rate limiter; every call checks the
// budget ladder, reserves its estimated cost, and commits the measured
// cost afterwards.
type Tier struct {
	client  Client
	ledger  *budget.Ledger
	pricing budget.Pricing
	cfg     TierConfig
	log     *zap.Logger
	rep     metrics.Reporter
	limiter *rate.Limiter
	jitter  func() float64
}

// Option configures a Tier.
type Option func(*Tier)

// WithJitter injects the retry jitter source, for tests.
func WithJitter(f func() float64) Option {
	return func(t *Tier) { t.jitter = f }
}

// NewTier wires a tier. Client and ledger are required; log and reporter
// may be nil.
func NewTier(client Client, ledger *budget.Ledger, pricing budget.Pricing, cfg TierConfig, log *zap.Logger, rep metrics.Reporter, opts ...Option) (*Tier, error) {
	if client == nil {
		return nil, fmt.Errorf("llm tier requires a client")
	}
	if ledger == nil {
		return nil, fmt.Errorf("llm tier requires a budget ledger")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rep == nil {
		rep = metrics.Nop{}
	}
	cfg.applyDefaults()
	t := &Tier{
		client:  client,
		ledger:  ledger,
		pricing: pricing,
		cfg:     cfg,
		log:     log,
		rep:     rep,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		jitter:  rand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// runState is the shared per-invocation accounting.
type runState struct {
	mu    sync.Mutex
	calls int
	res   *Result
}

// acquireCall claims one slot under the run request cap.
func (t *Tier) acquireCall(st *runState) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if t.cfg.RunRequestCap > 0 && st.calls >= t.cfg.RunRequestCap {
		return false
	}
	st.calls++
	st.res.Requests++
	return true
}

// Judge obtains a verdict for every distinct candidate. Per-pair failures
// and denials become outcomes, never errors; only cancellation and ledger
// corruption abort the invocation.
func (t *Tier) Judge(ctx context.Context, arena *evidence.Arena, cands []Candidate) (*Result, error) {
	res := &Result{Verdicts: []PairVerdict{}}
	work := normalizeCandidates(cands)
	if len(work) == 0 {
		return res, nil
	}

	st := &runState{res: res}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(t.cfg.Workers)

	for _, cand := range work {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			if err := t.limiter.Wait(egCtx); err != nil {
				return err
			}

			pv, err := t.judgePair(egCtx, arena, cand, st)
			if err != nil {
				return err
			}

			st.mu.Lock()
			st.res.Verdicts = append(st.res.Verdicts, pv)
			switch pv.Outcome {
			case OutcomeDenied:
				st.res.Denied++
			case OutcomeFailed:
				st.res.Failed++
			case OutcomeCapped:
				st.res.Capped++
			}
			st.mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(res.Verdicts, func(i, j int) bool {
		if res.Verdicts[i].A != res.Verdicts[j].A {
			return res.Verdicts[i].A < res.Verdicts[j].A
		}
		return res.Verdicts[i].B < res.Verdicts[j].B
	})
	return res, nil
}

// normalizeCandidates orders each pair, drops duplicates, and sorts so
// admission order is stable.
func normalizeCandidates(cands []Candidate) []Candidate {
	seen := make(map[Candidate]struct{}, len(cands))
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		a, b := evidence.OrderPair(c.A, c.B)
		if a == b {
			continue
		}
		key := Candidate{A: a, B: b}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// judgePair runs the attempt / one-retry / one-repair sequence for a pair.
func (t *Tier) judgePair(ctx context.Context, arena *evidence.Arena, cand Candidate, st *runState) (PairVerdict, error) {
	pv := PairVerdict{A: cand.A, B: cand.B}

	a, b := arena.Get(cand.A), arena.Get(cand.B)
	if a == nil || b == nil {
		t.log.Warn("candidate references unknown evidence",
			zap.Stringer("a", cand.A),
			zap.Stringer("b", cand.B))
		pv.Outcome = OutcomeFailed
		return pv, nil
	}

	req := CompletionRequest{
		System:          systemPrompt(t.cfg.RationaleLimit),
		Prompt:          buildPrompt(a, b, t.cfg.CardLimit),
		MaxOutputTokens: t.cfg.MaxOutputTokens,
	}

	comp, err := t.call(ctx, req, st)
	if errors.Is(err, ErrTransient) {
		st.mu.Lock()
		st.res.Retries++
		st.mu.Unlock()
		t.rep.Count("llm.retries", 1)
		if serr := t.backoff(ctx); serr != nil {
			return pv, serr
		}
		comp, err = t.call(ctx, req, st)
	}
	if err != nil {
		return t.classify(pv, err, true)
	}

	verdict, perr := ParseVerdict(comp.Text, t.cfg.RationaleLimit)
	if perr != nil {
		st.mu.Lock()
		st.res.Repairs++
		st.mu.Unlock()
		t.rep.Count("llm.repairs", 1)
		t.log.Debug("malformed verdict, re-asking",
			zap.Stringer("a", cand.A),
			zap.Stringer("b", cand.B),
			zap.Error(perr))

		repair := req
		repair.Prompt = repairPrompt(req.Prompt, comp.Text)
		comp, err = t.call(ctx, repair, st)
		if err != nil {
			return t.classify(pv, err, false)
		}
		verdict, perr = ParseVerdict(comp.Text, t.cfg.RationaleLimit)
		if perr != nil {
			t.log.Warn("verdict still malformed after repair",
				zap.Stringer("a", cand.A),
				zap.Stringer("b", cand.B),
				zap.Error(perr))
			pv.Outcome = OutcomeFailed
			t.rep.Count("llm.failed", 1)
			return pv, nil
		}
	}

	pv.Outcome = OutcomeJudged
	pv.Verdict = verdict
	t.rep.Count("llm.judged", 1)
	if !verdict.Related {
		t.rep.Count("llm.negative", 1)
	}
	return pv, nil
}

// classify folds a terminal call error into a pair outcome. Cancellation
// is the only error that propagates.
func (t *Tier) classify(pv PairVerdict, err error, firstCall bool) (PairVerdict, error) {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return pv, err
	case errors.Is(err, budget.ErrDenied):
		pv.Outcome = OutcomeDenied
		t.rep.Count("llm.denied", 1)
	case errors.Is(err, errCapExhausted):
		if firstCall {
			pv.Outcome = OutcomeCapped
			t.rep.Count("llm.capped", 1)
		} else {
			pv.Outcome = OutcomeFailed
			t.rep.Count("llm.failed", 1)
		}
	case errors.Is(err, budget.ErrInvariant):
		return pv, err
	default:
		pv.Outcome = OutcomeFailed
		t.rep.Count("llm.failed", 1)
		t.log.Warn("llm call failed",
			zap.Stringer("a", pv.A),
			zap.Stringer("b", pv.B),
			zap.Error(err))
	}
	return pv, nil
}

// call performs one admitted provider call: ladder check, reservation,
// cap slot, completion, then commit or release.
func (t *Tier) call(ctx context.Context, req CompletionRequest, st *runState) (*Completion, error) {
	if t.ledger.Level() >= budget.LevelNoLLM {
		return nil, fmt.Errorf("%w: ladder disabled llm calls", budget.ErrDenied)
	}

	estimate := t.pricing.LLMCost(t.cfg.TokensPerPair, int64(t.cfg.MaxOutputTokens))
	handle, err := t.ledger.Reserve(estimate)
	if err != nil {
		return nil, err
	}
	if !t.acquireCall(st) {
		if relErr := t.ledger.Release(handle); relErr != nil {
			return nil, relErr
		}
		return nil, errCapExhausted
	}

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	started := time.Now()
	comp, err := t.client.Complete(callCtx, req)
	cancel()
	t.rep.Timing("llm.call", time.Since(started))

	if err != nil {
		if relErr := t.ledger.Release(handle); relErr != nil {
			return nil, relErr
		}
		if cause := ctx.Err(); cause != nil {
			return nil, cause
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: call timed out after %s", ErrTransient, t.cfg.Timeout)
		}
		return nil, err
	}

	in, out := comp.Usage.InputTokens, comp.Usage.OutputTokens
	if in == 0 && out == 0 {
		in, out = t.cfg.TokensPerPair, int64(t.cfg.MaxOutputTokens)
	}
	actual := t.pricing.LLMCost(in, out)
	if err := t.ledger.Commit(handle, actual, budget.Usage{
		LLMTokens:   in + out,
		LLMRequests: 1,
	}); err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.res.Spend += actual
	st.mu.Unlock()
	return comp, nil
}

// backoff sleeps the retry delay with jitter, honoring cancellation.
func (t *Tier) backoff(ctx context.Context) error {
	d := time.Duration(float64(t.cfg.RetryDelay) * (1 + t.jitter()))
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
