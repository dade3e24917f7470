package embedding

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/goleak"

	"corr/internal/budget"
	"corr/internal/evidence"
	"corr/internal/metrics"
	"corr/internal/prefilter"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

var tierTime = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func tierItem(source, id, title string) *evidence.Evidence {
	return &evidence.Evidence{
		Source:    source,
		Kind:      evidence.KindCommit,
		ID:        id,
		Author:    "alice",
		Timestamp: tierTime,
		Title:     title,
	}
}

func pairOf(a, b *evidence.Evidence) prefilter.Pair {
	lo, hi := evidence.OrderPair(a.Fingerprint(), b.Fingerprint())
	return prefilter.Pair{A: lo, B: hi}
}

type tierFixture struct {
	tier     *Tier
	provider *StubProvider
	cache    *Cache
	ledger   *budget.Ledger
	pricing  budget.Pricing
	rep      *metrics.MemReporter
}

func newTierFixture(t *testing.T, capUSD float64, cfg TierConfig) *tierFixture {
	t.Helper()

	provider := NewStubProvider("fixture")
	cache, err := NewCache("")
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	ledger, err := budget.NewLedger(budget.Config{CapMicro: budget.FromUSD(capUSD)}, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	pricing := budget.NewPricing(0.01, 0, 0)
	rep := metrics.NewMemReporter()

	tier, err := NewTier(provider, cache, ledger, pricing, cfg, nil, rep)
	if err != nil {
		t.Fatalf("NewTier: %v", err)
	}
	return &tierFixture{
		tier:     tier,
		provider: provider,
		cache:    cache,
		ledger:   ledger,
		pricing:  pricing,
		rep:      rep,
	}
}

func TestScoreAcceptsHighSimilarity(t *testing.T) {
	fx := newTierFixture(t, 25, TierConfig{})
	a := tierItem("github", "c1", "Fix login crash")
	b := tierItem("jira", "AUTH-123", "Login crashes on empty password")
	fx.provider.Set(a.EmbeddingText(), []float32{1, 0, 0})
	fx.provider.Set(b.EmbeddingText(), []float32{1, 0, 0})

	arena := evidence.NewArena([]*evidence.Evidence{a, b})
	res, err := fx.tier.Score(context.Background(), arena, []prefilter.Pair{pairOf(a, b)})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	if len(res.Scores) != 1 {
		t.Fatalf("got %d scores, want 1", len(res.Scores))
	}
	sc := res.Scores[0]
	if sc.Outcome != OutcomeAccepted {
		t.Fatalf("outcome = %s, want accepted", sc.Outcome)
	}
	if math.Abs(sc.Cosine-1) > 1e-6 {
		t.Fatalf("cosine = %v, want 1", sc.Cosine)
	}
	if math.Abs(sc.Confidence-0.92) > 1e-6 {
		t.Fatalf("confidence = %v, want 0.92", sc.Confidence)
	}

	if res.CacheHits != 0 || res.CacheMisses != 2 {
		t.Fatalf("cache hits/misses = %d/%d, want 0/2", res.CacheHits, res.CacheMisses)
	}
	if res.Requests != 1 {
		t.Fatalf("requests = %d, want 1", res.Requests)
	}
	wantSpend := fx.pricing.EmbedCost(2 * 200)
	if res.Spend != wantSpend {
		t.Fatalf("spend = %s, want %s", res.Spend, wantSpend)
	}

	snap := fx.ledger.Snapshot()
	if snap.SpentMicro != wantSpend {
		t.Fatalf("ledger spent = %s, want %s", snap.SpentMicro, wantSpend)
	}
	if snap.Counters.EmbedRequests != 1 || snap.Counters.EmbedTokens != 400 {
		t.Fatalf("ledger counters = %+v", snap.Counters)
	}
	if fx.ledger.Outstanding() != 0 {
		t.Fatalf("outstanding reservations = %d, want 0", fx.ledger.Outstanding())
	}
}

func TestScoreConfidenceMapsAffinely(t *testing.T) {
	fx := newTierFixture(t, 25, TierConfig{})
	a := tierItem("github", "c1", "Refactor payment retry")
	b := tierItem("github", "c2", "Add backoff to payment retry")
	fx.provider.Set(a.EmbeddingText(), []float32{1, 0, 0})
	fx.provider.Set(b.EmbeddingText(), []float32{0.91, 0.4146143, 0})

	arena := evidence.NewArena([]*evidence.Evidence{a, b})
	res, err := fx.tier.Score(context.Background(), arena, []prefilter.Pair{pairOf(a, b)})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	sc := res.Scores[0]
	if sc.Outcome != OutcomeAccepted {
		t.Fatalf("outcome = %s, want accepted (cosine %v)", sc.Outcome, sc.Cosine)
	}
	// Cosine 0.91 sits halfway through [0.82, 1.0], so confidence lands
	// halfway through [0.75, 0.92].
	if math.Abs(sc.Confidence-0.835) > 1e-3 {
		t.Fatalf("confidence = %v, want 0.835", sc.Confidence)
	}
}

func TestScorePromotesAmbiguousBand(t *testing.T) {
	fx := newTierFixture(t, 25, TierConfig{})
	a := tierItem("github", "c1", "Tune worker pool size")
	b := tierItem("slack", "msg-9", "Discussing queue backlogs")
	fx.provider.Set(a.EmbeddingText(), []float32{1, 0, 0})
	fx.provider.Set(b.EmbeddingText(), []float32{0.7, 0.7141428, 0})

	arena := evidence.NewArena([]*evidence.Evidence{a, b})
	res, err := fx.tier.Score(context.Background(), arena, []prefilter.Pair{pairOf(a, b)})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	sc := res.Scores[0]
	if sc.Outcome != OutcomePromoted {
		t.Fatalf("outcome = %s, want promoted (cosine %v)", sc.Outcome, sc.Cosine)
	}
	if sc.Confidence != 0 {
		t.Fatalf("promoted pair carries confidence %v", sc.Confidence)
	}
}

func TestScoreRejectsDissimilar(t *testing.T) {
	fx := newTierFixture(t, 25, TierConfig{})
	a := tierItem("github", "c1", "Fix login crash")
	b := tierItem("jira", "PERF-77", "Slow dashboard rendering")
	fx.provider.Set(a.EmbeddingText(), []float32{1, 0, 0})
	fx.provider.Set(b.EmbeddingText(), []float32{0, 1, 0})

	arena := evidence.NewArena([]*evidence.Evidence{a, b})
	res, err := fx.tier.Score(context.Background(), arena, []prefilter.Pair{pairOf(a, b)})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.Scores[0].Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Scores[0].Outcome)
	}
}

func TestScoreSkipsShortCircuitPairs(t *testing.T) {
	fx := newTierFixture(t, 25, TierConfig{})
	a := tierItem("github", "c1", "Fix login crash (AUTH-123)")
	b := tierItem("jira", "AUTH-123", "Login crashes on empty password")
	c := tierItem("github", "c2", "Tune worker pool size")
	d := tierItem("slack", "msg-9", "Worker pool discussion")

	sc := pairOf(a, b)
	sc.ShortCircuit = true
	pairs := []prefilter.Pair{sc, pairOf(c, d)}

	arena := evidence.NewArena([]*evidence.Evidence{a, b, c, d})
	res, err := fx.tier.Score(context.Background(), arena, pairs)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	if len(res.Scores) != 1 {
		t.Fatalf("got %d scores, want only the non-short-circuited pair", len(res.Scores))
	}
	wantA, wantB := evidence.OrderPair(c.Fingerprint(), d.Fingerprint())
	if res.Scores[0].A != wantA || res.Scores[0].B != wantB {
		t.Fatalf("scored pair = (%s, %s), want (%s, %s)", res.Scores[0].A, res.Scores[0].B, wantA, wantB)
	}

	var embedded int
	for _, batch := range fx.provider.Batches() {
		embedded += len(batch)
	}
	if embedded != 2 {
		t.Fatalf("embedded %d texts, want 2: short-circuited items must not be embedded", embedded)
	}
}

func TestScoreReusesCachedVectors(t *testing.T) {
	fx := newTierFixture(t, 25, TierConfig{})
	a := tierItem("github", "c1", "Fix login crash")
	b := tierItem("jira", "AUTH-123", "Login crashes on empty password")
	arena := evidence.NewArena([]*evidence.Evidence{a, b})
	pairs := []prefilter.Pair{pairOf(a, b)}

	first, err := fx.tier.Score(context.Background(), arena, pairs)
	if err != nil {
		t.Fatalf("first Score: %v", err)
	}
	if first.Requests != 1 || first.CacheMisses != 2 {
		t.Fatalf("first run: requests=%d misses=%d", first.Requests, first.CacheMisses)
	}

	second, err := fx.tier.Score(context.Background(), arena, pairs)
	if err != nil {
		t.Fatalf("second Score: %v", err)
	}
	if second.CacheHits != 2 || second.CacheMisses != 0 {
		t.Fatalf("second run: hits=%d misses=%d, want 2/0", second.CacheHits, second.CacheMisses)
	}
	if second.Requests != 0 || second.Spend != 0 {
		t.Fatalf("second run paid: requests=%d spend=%s", second.Requests, second.Spend)
	}
	if fx.provider.Calls() != 1 {
		t.Fatalf("provider called %d times, want 1", fx.provider.Calls())
	}
	if second.Scores[0].Outcome != first.Scores[0].Outcome {
		t.Fatalf("cached verdict %s differs from fresh verdict %s", second.Scores[0].Outcome, first.Scores[0].Outcome)
	}
}

func TestScoreCacheSharedAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	a := tierItem("github", "c1", "Fix login crash")
	b := tierItem("jira", "AUTH-123", "Login crashes on empty password")
	arena := evidence.NewArena([]*evidence.Evidence{a, b})
	pairs := []prefilter.Pair{pairOf(a, b)}

	firstCache, err := NewCache(dir)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	firstLedger, err := budget.NewLedger(budget.Config{CapMicro: budget.FromUSD(25)}, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	firstProvider := NewStubProvider("fixture")
	firstTier, err := NewTier(firstProvider, firstCache, firstLedger, budget.NewPricing(0.01, 0, 0), TierConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("NewTier: %v", err)
	}
	if _, err := firstTier.Score(context.Background(), arena, pairs); err != nil {
		t.Fatalf("first Score: %v", err)
	}

	// A second tier over the same directory stands in for a later process.
	secondCache, err := NewCache(dir)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	secondLedger, err := budget.NewLedger(budget.Config{CapMicro: budget.FromUSD(25)}, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	secondProvider := NewStubProvider("fixture")
	secondTier, err := NewTier(secondProvider, secondCache, secondLedger, budget.NewPricing(0.01, 0, 0), TierConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("NewTier: %v", err)
	}

	res, err := secondTier.Score(context.Background(), arena, pairs)
	if err != nil {
		t.Fatalf("second Score: %v", err)
	}
	if res.CacheHits != 2 || res.CacheMisses != 0 {
		t.Fatalf("hits=%d misses=%d, want 2/0", res.CacheHits, res.CacheMisses)
	}
	if secondProvider.Calls() != 0 {
		t.Fatalf("provider called %d times, want 0", secondProvider.Calls())
	}
	if secondLedger.Snapshot().SpentMicro != 0 {
		t.Fatalf("cached run spent %s", secondLedger.Snapshot().SpentMicro)
	}
}

func TestScoreProviderFailureIsRecoverable(t *testing.T) {
	fx := newTierFixture(t, 25, TierConfig{})
	fx.provider.SetError(errors.New("quota exhausted"))

	a := tierItem("github", "c1", "Fix login crash")
	b := tierItem("jira", "AUTH-123", "Login crashes on empty password")
	arena := evidence.NewArena([]*evidence.Evidence{a, b})

	res, err := fx.tier.Score(context.Background(), arena, []prefilter.Pair{pairOf(a, b)})
	if err != nil {
		t.Fatalf("provider failure must not fail the tier: %v", err)
	}

	if res.FailedBatches != 1 {
		t.Fatalf("failed batches = %d, want 1", res.FailedBatches)
	}
	if res.Scores[0].Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", res.Scores[0].Outcome)
	}
	if res.Spend != 0 || res.Requests != 0 {
		t.Fatalf("failed batch still spent: requests=%d spend=%s", res.Requests, res.Spend)
	}

	snap := fx.ledger.Snapshot()
	if snap.SpentMicro != 0 || snap.ReservedMicro != 0 {
		t.Fatalf("ledger not clean after failure: %+v", snap)
	}
	if fx.ledger.Outstanding() != 0 {
		t.Fatalf("outstanding reservations = %d, want 0", fx.ledger.Outstanding())
	}
}

func TestScoreBudgetDenialSkipsBatch(t *testing.T) {
	fx := newTierFixture(t, 0, TierConfig{})
	a := tierItem("github", "c1", "Fix login crash")
	b := tierItem("jira", "AUTH-123", "Login crashes on empty password")
	arena := evidence.NewArena([]*evidence.Evidence{a, b})

	res, err := fx.tier.Score(context.Background(), arena, []prefilter.Pair{pairOf(a, b)})
	if err != nil {
		t.Fatalf("budget denial must not fail the tier: %v", err)
	}

	if res.DeniedBatches != 1 {
		t.Fatalf("denied batches = %d, want 1", res.DeniedBatches)
	}
	if res.Scores[0].Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", res.Scores[0].Outcome)
	}
	if fx.provider.Calls() != 0 {
		t.Fatalf("provider called despite denial")
	}
	if fx.ledger.Level() != budget.LevelExhausted {
		t.Fatalf("level = %s, want exhausted", fx.ledger.Level())
	}
}

func TestScoreBatchCompositionDeterministic(t *testing.T) {
	fx := newTierFixture(t, 25, TierConfig{BatchSize: 2, Workers: 1})
	items := []*evidence.Evidence{
		tierItem("github", "c1", "alpha"),
		tierItem("github", "c2", "bravo"),
		tierItem("github", "c3", "charlie"),
		tierItem("github", "c4", "delta"),
		tierItem("github", "c5", "echo"),
	}
	arena := evidence.NewArena(items)
	pairs := []prefilter.Pair{
		pairOf(items[0], items[1]),
		pairOf(items[2], items[3]),
		pairOf(items[3], items[4]),
	}

	if _, err := fx.tier.Score(context.Background(), arena, pairs); err != nil {
		t.Fatalf("Score: %v", err)
	}

	var got []string
	for _, batch := range fx.provider.Batches() {
		if len(batch) > 2 {
			t.Fatalf("batch of %d items exceeds configured size 2", len(batch))
		}
		got = append(got, batch...)
	}

	// With one worker and sorted misses, batches walk the arena in
	// fingerprint order.
	var want []string
	for _, fp := range arena.Fingerprints() {
		want = append(want, arena.Get(fp).EmbeddingText())
	}
	if len(got) != len(want) {
		t.Fatalf("embedded %d texts, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("batch order diverged at %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScorePartialBatchFailure(t *testing.T) {
	stub := NewStubProvider("fixture")
	items := []*evidence.Evidence{
		tierItem("github", "c1", "alpha"),
		tierItem("github", "c2", "bravo"),
		tierItem("github", "c3", "charlie"),
		tierItem("github", "c4", "delta"),
	}
	arena := evidence.NewArena(items)
	provider := &flakyProvider{StubProvider: stub, failText: items[2].EmbeddingText()}

	cache, err := NewCache("")
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	ledger, err := budget.NewLedger(budget.Config{CapMicro: budget.FromUSD(25)}, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	tier, err := NewTier(provider, cache, ledger, budget.NewPricing(0.01, 0, 0), TierConfig{BatchSize: 1, Workers: 1}, nil, nil)
	if err != nil {
		t.Fatalf("NewTier: %v", err)
	}

	pairs := []prefilter.Pair{
		pairOf(items[0], items[1]),
		pairOf(items[2], items[3]),
	}
	res, err := tier.Score(context.Background(), arena, pairs)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	if res.FailedBatches != 1 {
		t.Fatalf("failed batches = %d, want 1", res.FailedBatches)
	}
	if res.Requests != 3 {
		t.Fatalf("requests = %d, want 3", res.Requests)
	}
	if len(res.Scores) != 2 {
		t.Fatalf("got %d scores, want 2", len(res.Scores))
	}

	byPair := make(map[[2]evidence.Fingerprint]Outcome, len(res.Scores))
	for _, sc := range res.Scores {
		byPair[[2]evidence.Fingerprint{sc.A, sc.B}] = sc.Outcome
	}
	healthyA, healthyB := evidence.OrderPair(items[0].Fingerprint(), items[1].Fingerprint())
	brokenA, brokenB := evidence.OrderPair(items[2].Fingerprint(), items[3].Fingerprint())
	if byPair[[2]evidence.Fingerprint{brokenA, brokenB}] != OutcomeSkipped {
		t.Fatal("pair touching the failed batch was not skipped")
	}
	if byPair[[2]evidence.Fingerprint{healthyA, healthyB}] == OutcomeSkipped {
		t.Fatal("healthy pair was skipped")
	}
	if ledger.Outstanding() != 0 {
		t.Fatalf("outstanding reservations = %d, want 0", ledger.Outstanding())
	}
}

type flakyProvider struct {
	*StubProvider
	failText string
}

func (p *flakyProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, text := range texts {
		if text == p.failText {
			return nil, errors.New("synthetic provider failure")
		}
	}
	return p.StubProvider.EmbedBatch(ctx, texts)
}

func TestScoreCancelledBeforeStart(t *testing.T) {
	fx := newTierFixture(t, 25, TierConfig{})
	a := tierItem("github", "c1", "Fix login crash")
	b := tierItem("jira", "AUTH-123", "Login crashes on empty password")
	arena := evidence.NewArena([]*evidence.Evidence{a, b})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.tier.Score(ctx, arena, []prefilter.Pair{pairOf(a, b)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if fx.ledger.Outstanding() != 0 {
		t.Fatalf("outstanding reservations = %d, want 0", fx.ledger.Outstanding())
	}
}

type blockingProvider struct {
	dims int
}

func (p *blockingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *blockingProvider) Dimensions() int { return p.dims }
func (p *blockingProvider) Name() string    { return "stub:blocking" }

func TestScoreCancelledMidFlight(t *testing.T) {
	cache, err := NewCache("")
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	ledger, err := budget.NewLedger(budget.Config{CapMicro: budget.FromUSD(25)}, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	tier, err := NewTier(&blockingProvider{dims: 8}, cache, ledger, budget.NewPricing(0.01, 0, 0), TierConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("NewTier: %v", err)
	}

	a := tierItem("github", "c1", "Fix login crash")
	b := tierItem("jira", "AUTH-123", "Login crashes on empty password")
	arena := evidence.NewArena([]*evidence.Evidence{a, b})

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(30*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	_, err = tier.Score(ctx, arena, []prefilter.Pair{pairOf(a, b)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if ledger.Outstanding() != 0 {
		t.Fatalf("reservation leaked across cancellation: %d outstanding", ledger.Outstanding())
	}
	if ledger.Snapshot().SpentMicro != 0 {
		t.Fatalf("cancelled call spent %s", ledger.Snapshot().SpentMicro)
	}
}

func TestScoreEmptyInput(t *testing.T) {
	fx := newTierFixture(t, 25, TierConfig{})
	arena := evidence.NewArena(nil)

	res, err := fx.tier.Score(context.Background(), arena, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(res.Scores) != 0 || res.Requests != 0 || res.Spend != 0 {
		t.Fatalf("empty input produced work: %+v", res)
	}
	if fx.provider.Calls() != 0 {
		t.Fatal("provider called for empty input")
	}
}

func TestScoreRecordsMetrics(t *testing.T) {
	fx := newTierFixture(t, 25, TierConfig{})
	a := tierItem("github", "c1", "Fix login crash")
	b := tierItem("jira", "AUTH-123", "Login crashes on empty password")
	arena := evidence.NewArena([]*evidence.Evidence{a, b})
	pairs := []prefilter.Pair{pairOf(a, b)}

	if _, err := fx.tier.Score(context.Background(), arena, pairs); err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got := fx.rep.Counter("embed.requests"); got != 1 {
		t.Fatalf("embed.requests = %d, want 1", got)
	}
	if got := fx.rep.Counter("embed.items"); got != 2 {
		t.Fatalf("embed.items = %d, want 2", got)
	}
	if got := fx.rep.Counter("embed.cache_misses"); got != 2 {
		t.Fatalf("embed.cache_misses = %d, want 2", got)
	}

	if _, err := fx.tier.Score(context.Background(), arena, pairs); err != nil {
		t.Fatalf("second Score: %v", err)
	}
	if got := fx.rep.Counter("embed.cache_hits"); got != 2 {
		t.Fatalf("embed.cache_hits = %d, want 2 after warm run", got)
	}
}

func TestScoreOrdersScores(t *testing.T) {
	fx := newTierFixture(t, 25, TierConfig{})
	items := []*evidence.Evidence{
		tierItem("github", "c1", "alpha"),
		tierItem("github", "c2", "bravo"),
		tierItem("github", "c3", "charlie"),
		tierItem("github", "c4", "delta"),
	}
	arena := evidence.NewArena(items)
	pairs := []prefilter.Pair{
		pairOf(items[2], items[3]),
		pairOf(items[0], items[1]),
		pairOf(items[1], items[2]),
	}

	res, err := fx.tier.Score(context.Background(), arena, pairs)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	for i := 1; i < len(res.Scores); i++ {
		prev, cur := res.Scores[i-1], res.Scores[i]
		if prev.A > cur.A || (prev.A == cur.A && prev.B > cur.B) {
			t.Fatalf("scores out of order at %d: (%s,%s) before (%s,%s)", i, prev.A, prev.B, cur.A, cur.B)
		}
	}
}
