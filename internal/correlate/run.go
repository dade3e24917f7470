package correlate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"corr/internal/budget"
	"corr/internal/collector"
	"corr/internal/embedding"
	"corr/internal/evidence"
	"corr/internal/insight"
	"corr/internal/llm"
	"corr/internal/metrics"
	"corr/internal/prefilter"
)

// run accumulates one request's state as it moves through the stages.
type run struct {
	req    Request
	report *Report
	arena  *evidence.Arena
	pairs  []prefilter.Pair
	est    CostEstimate
	// paid marks that the embedding tier runs for this request.
	paid bool
	// llmOff names why adjudication is unavailable by configuration;
	// empty means the tier may run.
	llmOff   string
	degraded bool
}

// enter moves the run to the next stage, checking cancellation at the
// boundary.
func (x *run) enter(ctx context.Context, s State) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: before %s: %v", ErrCancelled, s, err)
	}
	x.report.State = s
	return nil
}

// clock starts a stage timer and returns the stop function that records
// the elapsed wall time on the report.
func (x *run) clock(now func() time.Time, s State) func() {
	started := now()
	return func() {
		x.report.StageMS[strings.ToLower(string(s))] = now().Sub(started).Milliseconds()
	}
}

func (x *run) warn(w Warning) {
	x.report.Warnings = append(x.report.Warnings, w)
}

func (x *run) degrade(w Warning) {
	x.degraded = true
	x.warn(w)
}

func (x *run) fail(err error) error {
	x.report.State = StateFailed
	x.report.Error = err.Error()
	return err
}

// stageErr maps a component error onto the run taxonomy: cancellation
// and deadline expiry become ErrCancelled, everything else is fatal.
func stageErr(stage string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrCancelled, stage, err)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// Correlate executes one request through the full pipeline. Degraded
// runs still return a response; the report's state tells them apart
// from clean ones. A nil response means no partial result exists.
func (r *Runner) Correlate(ctx context.Context, req Request) (*Response, error) {
	if req.Mode == "" {
		req.Mode = ModeAuto
	}
	if !req.Mode.valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, req.Mode)
	}

	started := r.now()
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	x := &run{
		req: req,
		report: &Report{
			Version:       ReportVersion,
			State:         StateNew,
			RequestedMode: req.Mode,
			Identity:      req.Identity,
			StartedAt:     started.UTC(),
			StageMS:       make(map[string]int64),
		},
	}
	if req.Window.Valid() {
		w := req.Window
		x.report.Window = &w
	}

	resp, err := r.execute(ctx, x)
	x.report.WallMS = r.now().Sub(started).Milliseconds()
	r.rep.Timing("run.wall", r.now().Sub(started))
	r.rep.Count("run.completed", 1, metrics.T("state", string(x.report.State)))
	if err != nil {
		r.log.Warn("run failed",
			zap.String("run_id", x.report.RunID),
			zap.String("state", string(x.report.State)),
			zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func (r *Runner) execute(ctx context.Context, x *run) (*Response, error) {
	// Step 1: resolve input.
	if err := x.enter(ctx, StateCollecting); err != nil {
		return nil, x.fail(err)
	}
	stop := x.clock(r.now, StateCollecting)
	items, err := r.resolveInput(ctx, x)
	stop()
	if err != nil {
		return nil, x.fail(err)
	}

	// Step 2: deduplicate. The arena keeps the later timestamp when
	// provided and collected copies collide.
	x.arena = evidence.NewArena(items)
	x.report.Collection.Items = x.arena.Len()
	x.report.RunID = runID(x.req, x.arena.Fingerprints())
	r.rep.Count("run.items", int64(x.arena.Len()))

	// Step 3: candidate pairs.
	if err := x.enter(ctx, StateFiltering); err != nil {
		return nil, x.fail(err)
	}
	stop = x.clock(r.now, StateFiltering)
	x.pairs, err = r.filter.Pairs(ctx, x.arena)
	stop()
	if err != nil {
		return nil, x.fail(stageErr("pre-filter", err))
	}
	for _, p := range x.pairs {
		if p.ShortCircuit {
			x.report.ShortCircuits++
		}
	}
	x.report.Pairs = len(x.pairs)
	r.rep.Count("run.pairs", int64(len(x.pairs)))

	// Step 4: project cost and pick the path.
	if err := r.selectMode(x); err != nil {
		return nil, x.fail(err)
	}
	if limit := r.cfg.BodyLimit; limit > 0 {
		for _, it := range x.arena.Items() {
			it.TruncateBody(limit)
		}
	}

	// Step 5: embedding pass.
	var scores []embedding.PairScore
	if x.paid {
		if err := x.enter(ctx, StateEmbedding); err != nil {
			return nil, x.fail(err)
		}
		stop = x.clock(r.now, StateEmbedding)
		embRes, err := r.embed.Score(ctx, x.arena, x.pairs)
		stop()
		if err != nil {
			return nil, x.fail(stageErr("embedding pass", err))
		}
		fillEmbedding(&x.report.Embedding, embRes)
		x.report.CacheHitRate = hitRate(embRes)
		r.projector.Observe(payableSources(x.arena, x.pairs), embRes.CacheHits, embRes.CacheMisses)
		scores = embRes.Scores

		if embRes.DeniedBatches > 0 {
			x.degrade(Warning{
				Category: WarnBudget,
				Detail:   fmt.Sprintf("%d embedding batches denied by budget", embRes.DeniedBatches),
			})
		}
		if embRes.FailedBatches > 0 {
			x.degrade(Warning{
				Category: WarnEmbeddingDegraded,
				Detail:   fmt.Sprintf("%d embedding batches failed at the provider", embRes.FailedBatches),
			})
		}
	}

	// Step 6: adjudication of the ambiguous band.
	var verdicts []llm.PairVerdict
	cands := promoted(scores)
	x.report.LLM.Candidates = len(cands)
	if len(cands) > 0 {
		switch {
		case x.llmOff != "":
			x.warn(Warning{
				Category: WarnLLMSkipped,
				Detail:   fmt.Sprintf("%d candidates skipped: %s", len(cands), x.llmOff),
			})
		case r.ledger.Level() >= budget.LevelNoLLM:
			x.degrade(Warning{
				Category: WarnLLMSkipped,
				Detail:   fmt.Sprintf("%d candidates skipped: budget ladder disabled adjudication", len(cands)),
			})
		default:
			if err := x.enter(ctx, StateLLM); err != nil {
				return nil, x.fail(err)
			}
			stop = x.clock(r.now, StateLLM)
			llmRes, err := r.llm.Judge(ctx, x.arena, cands)
			stop()
			if err != nil {
				return nil, x.fail(stageErr("adjudication pass", err))
			}
			fillLLM(&x.report.LLM, llmRes)
			verdicts = llmRes.Verdicts

			if llmRes.Denied > 0 {
				x.degrade(Warning{
					Category: WarnBudget,
					Detail:   fmt.Sprintf("%d adjudication calls denied mid-run", llmRes.Denied),
				})
			}
			if llmRes.Failed > 0 {
				x.degrade(Warning{
					Category: WarnLLMSkipped,
					Detail:   fmt.Sprintf("%d candidates failed at the provider", llmRes.Failed),
				})
			}
			if llmRes.Capped > 0 {
				x.warn(Warning{
					Category: WarnLLMSkipped,
					Detail:   fmt.Sprintf("%d candidates beyond the per-run request cap", llmRes.Capped),
				})
			}
		}
	}

	// Step 7: score, group, enrich.
	if err := x.enter(ctx, StateScoring); err != nil {
		return nil, x.fail(err)
	}
	stop = x.clock(r.now, StateScoring)
	rels := r.scorer.Score(x.arena, x.pairs, scores, verdicts)
	stop()

	if err := x.enter(ctx, StateGrouping); err != nil {
		return nil, x.fail(err)
	}
	stop = x.clock(r.now, StateGrouping)
	stories := r.grouper.Group(x.arena, rels)
	stop()

	if err := x.enter(ctx, StateEnriching); err != nil {
		return nil, x.fail(err)
	}
	stop = x.clock(r.now, StateEnriching)
	insights := r.enricher.EnrichAll(x.arena, stories, rels)
	stop()

	return r.assemble(ctx, x, rels, stories, insights), nil
}

// assemble finalizes the report, persists the artifacts, and emits the
// terminal metrics.
func (r *Runner) assemble(ctx context.Context, x *run, rels []evidence.Relationship, stories []evidence.Story, insights []insight.Insights) *Response {
	state, mode := StateDone, ModeRules
	if x.paid {
		mode = ModeLLM
	}
	modeName := string(mode)
	if x.degraded {
		state, modeName = StateDegraded, "degraded"
	}
	x.report.State = state
	x.report.Mode = modeName
	x.report.Relationships = len(rels)
	x.report.ByMethod = countByMethod(rels)
	x.report.Stories = len(stories)
	x.report.SpentMicro = x.report.Embedding.SpendMicro + x.report.LLM.SpendMicro

	resp := &Response{
		Relationships: rels,
		Stories:       stories,
		Insights:      insights,
		Report:        x.report,
	}
	r.persist(ctx, resp, x.arena.Items())

	r.rep.Count("run.relationships", int64(len(rels)))
	r.rep.Count("run.stories", int64(len(stories)))
	r.rep.Gauge("run.spend_micro", float64(x.report.SpentMicro))
	for method, n := range x.report.ByMethod {
		r.rep.Count("run.method", int64(n), metrics.T("method", method))
	}

	r.log.Info("run complete",
		zap.String("run_id", x.report.RunID),
		zap.String("state", string(state)),
		zap.String("mode", modeName),
		zap.Int("items", x.arena.Len()),
		zap.Int("pairs", len(x.pairs)),
		zap.Int("relationships", len(rels)),
		zap.Int("stories", len(stories)),
		zap.Float64("spent_usd", x.report.SpentMicro.USD()))
	return resp
}

// resolveInput validates provided items and collects for an identity
// window, reporting partial collection as warnings rather than failure.
// Bodies are flattened to text here, before anything downstream
// measures, matches, or embeds them.
func (r *Runner) resolveInput(ctx context.Context, x *run) ([]*evidence.Evidence, error) {
	req := x.req
	if len(req.Items) == 0 && req.Identity == "" {
		return nil, fmt.Errorf("%w: request provides neither items nor an identity", ErrInvalidInput)
	}

	items := make([]*evidence.Evidence, 0, len(req.Items))
	for _, it := range req.Items {
		if it == nil {
			return nil, fmt.Errorf("%w: nil evidence item", ErrInvalidInput)
		}
		it.CanonicalizeTimestamp()
		if err := it.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		items = append(items, it)
	}
	x.report.Collection.Provided = len(items)

	if req.Identity != "" {
		if !req.Window.Valid() {
			return nil, fmt.Errorf("%w: identity %q needs a valid collection window", ErrInvalidInput, req.Identity)
		}
		res, err := r.registry.Collect(ctx, collector.Request{
			Identity: req.Identity,
			Window:   req.Window,
			Sources:  req.Sources,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: collection: %v", ErrCancelled, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		x.report.Collection.Collected = len(res.Items)
		x.report.Collection.Skipped = res.Skipped
		x.report.Collection.Failures = res.Failures
		for _, f := range res.Failures {
			x.warn(Warning{
				Category: WarnPartialCollection,
				Source:   f.Source,
				Detail:   fmt.Sprintf("%s: %s", f.Kind, f.Detail),
			})
		}
		items = append(items, res.Items...)
	}
	for _, it := range items {
		it.Body = evidence.NormalizeBody(it.Body)
	}
	return items, nil
}

// selectMode applies the projection step: estimate the paid cost, then
// pick the path honoring the caller's mode, the per-run cost cap, and
// the ledger. Auto falls back to the free path on any denial; an
// explicit llm request fails instead.
func (r *Runner) selectMode(x *run) error {
	if x.req.Mode == ModeRules {
		return nil
	}
	if r.embed == nil {
		if x.req.Mode == ModeLLM {
			return fmt.Errorf("%w: llm mode requires an embedding provider", ErrInvalidInput)
		}
		r.log.Debug("no embedding tier configured, taking the free path")
		return nil
	}
	if x.req.Mode == ModeLLM && r.llm == nil {
		return fmt.Errorf("%w: llm mode requires an adjudication provider", ErrInvalidInput)
	}

	x.est = r.projector.Project(x.arena, x.pairs)
	x.report.ProjectedMicro = x.est.TotalMicro
	if x.est.Pairs == 0 && x.req.Mode == ModeAuto {
		return nil
	}

	deny := func(detail string) error {
		if x.req.Mode == ModeLLM {
			return fmt.Errorf("%w: %s", ErrBudgetDenied, detail)
		}
		x.warn(Warning{Category: WarnBudget, Detail: detail + "; taking the free path"})
		return nil
	}

	lvl := r.ledger.Level()
	if lvl == budget.LevelExhausted {
		return deny("ledger exhausted")
	}
	if x.req.MaxCost > 0 && x.est.TotalMicro > x.req.MaxCost {
		return deny(fmt.Sprintf("projected %s exceeds run cost cap %s", x.est.TotalMicro, x.req.MaxCost))
	}
	if err := r.ledger.Project(x.est.TotalMicro); err != nil {
		if errors.Is(err, budget.ErrDenied) {
			return deny(fmt.Sprintf("projected %s exceeds remaining budget", x.est.TotalMicro))
		}
		return err
	}
	if x.req.Mode == ModeLLM && lvl >= budget.LevelNoLLM {
		return fmt.Errorf("%w: budget ladder disabled adjudication", ErrBudgetDenied)
	}

	x.paid = true
	if r.llm == nil {
		x.llmOff = "no adjudication provider configured"
	}
	if lvl == budget.LevelWarn {
		x.warn(Warning{Category: WarnBudget, Detail: "budget warn level reached; relying on cached embeddings"})
	}
	return nil
}

// Estimate projects the cost of a request without running any paid tier.
// Collection and pre-filtering do run; both are free.
func (r *Runner) Estimate(ctx context.Context, req Request) (*CostEstimate, error) {
	if req.Mode == "" {
		req.Mode = ModeAuto
	}
	if !req.Mode.valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, req.Mode)
	}

	x := &run{req: req, report: &Report{StageMS: make(map[string]int64)}}
	items, err := r.resolveInput(ctx, x)
	if err != nil {
		return nil, err
	}
	arena := evidence.NewArena(items)
	pairs, err := r.filter.Pairs(ctx, arena)
	if err != nil {
		return nil, stageErr("pre-filter", err)
	}

	est := CostEstimate{UniqueItems: arena.Len(), Recommended: ModeRules}
	if r.projector != nil {
		est = r.projector.Project(arena, pairs)
	} else {
		for _, p := range pairs {
			if p.ShortCircuit {
				est.ShortCircuits++
			} else {
				est.Pairs++
			}
		}
	}

	if r.embed == nil {
		est.Recommended = ModeRules
		return &est, nil
	}
	if est.TotalMicro > 0 {
		if r.ledger.Level() == budget.LevelExhausted {
			est.Recommended = ModeRules
		} else if err := r.ledger.Project(est.TotalMicro); err != nil {
			if !errors.Is(err, budget.ErrDenied) {
				return nil, err
			}
			est.Recommended = ModeRules
		}
	}
	return &est, nil
}

// promoted extracts the ambiguous-band pairs awaiting adjudication.
func promoted(scores []embedding.PairScore) []llm.Candidate {
	var out []llm.Candidate
	for _, s := range scores {
		if s.Outcome == embedding.OutcomePromoted {
			out = append(out, llm.Candidate{A: s.A, B: s.B})
		}
	}
	return out
}

// payableSources lists the distinct sources behind non-short-circuited
// pair endpoints, the population the cache-hit average speaks for.
func payableSources(arena *evidence.Arena, pairs []prefilter.Pair) []string {
	seen := make(map[string]struct{})
	for _, p := range pairs {
		if p.ShortCircuit {
			continue
		}
		for _, fp := range [2]evidence.Fingerprint{p.A, p.B} {
			if it := arena.Get(fp); it != nil {
				seen[it.Source] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func hitRate(res *embedding.Result) float64 {
	total := res.CacheHits + res.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(res.CacheHits) / float64(total)
}

func fillEmbedding(rep *EmbeddingReport, res *embedding.Result) {
	rep.Pairs = len(res.Scores)
	for _, s := range res.Scores {
		switch s.Outcome {
		case embedding.OutcomeAccepted:
			rep.Accepted++
		case embedding.OutcomePromoted:
			rep.Promoted++
		case embedding.OutcomeRejected:
			rep.Rejected++
		case embedding.OutcomeSkipped:
			rep.Skipped++
		}
	}
	rep.CacheHits = res.CacheHits
	rep.CacheMisses = res.CacheMisses
	rep.Requests = res.Requests
	rep.DeniedBatches = res.DeniedBatches
	rep.FailedBatches = res.FailedBatches
	rep.SpendMicro = res.Spend
}

func fillLLM(rep *LLMReport, res *llm.Result) {
	for _, v := range res.Verdicts {
		if v.Outcome == llm.OutcomeJudged && v.Verdict != nil {
			rep.Judged++
			if v.Verdict.Related {
				rep.Positive++
			} else {
				rep.Negative++
			}
		}
	}
	rep.Denied = res.Denied
	rep.Failed = res.Failed
	rep.Capped = res.Capped
	rep.Requests = res.Requests
	rep.Retries = res.Retries
	rep.Repairs = res.Repairs
	rep.SpendMicro = res.Spend
}
