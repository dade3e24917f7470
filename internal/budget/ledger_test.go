package budget

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testLedger(t *testing.T, capUSD float64, opts ...Option) *Ledger {
	t.Helper()
	l, err := NewLedger(Config{CapMicro: FromUSD(capUSD)}, nil, opts...)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func TestReserveCommitAccounting(t *testing.T) {
	l := testLedger(t, 10)

	h, err := l.Reserve(FromUSD(2))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	snap := l.Snapshot()
	if snap.ReservedMicro != FromUSD(2) || snap.SpentMicro != 0 {
		t.Fatalf("after reserve: %+v", snap)
	}

	if err := l.Commit(h, FromUSD(1.5), Usage{LLMTokens: 800, LLMRequests: 1}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	snap = l.Snapshot()
	if snap.ReservedMicro != 0 {
		t.Errorf("reservation not cleared: %+v", snap)
	}
	if snap.SpentMicro != FromUSD(1.5) {
		t.Errorf("spent = %v, want %v", snap.SpentMicro, FromUSD(1.5))
	}
	if snap.Counters.LLMTokens != 800 || snap.Counters.LLMRequests != 1 {
		t.Errorf("counters not recorded: %+v", snap.Counters)
	}
	if l.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", l.Outstanding())
	}
}

func TestReleaseReturnsReservation(t *testing.T) {
	l := testLedger(t, 10)
	h, err := l.Reserve(FromUSD(4))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	snap := l.Snapshot()
	if snap.ReservedMicro != 0 || snap.SpentMicro != 0 {
		t.Errorf("release did not restore state: %+v", snap)
	}
	if err := l.Release(h); !errors.Is(err, ErrInvariant) {
		t.Errorf("double release = %v, want ErrInvariant", err)
	}
}

func TestReserveDeniesOverCap(t *testing.T) {
	l := testLedger(t, 1)

	if _, err := l.Reserve(FromUSD(0.9)); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := l.Reserve(FromUSD(0.2)); !errors.Is(err, ErrDenied) {
		t.Errorf("over-cap reserve = %v, want ErrDenied", err)
	}
	if err := l.Project(FromUSD(0.2)); !errors.Is(err, ErrDenied) {
		t.Errorf("over-cap project = %v, want ErrDenied", err)
	}
	if err := l.Project(FromUSD(0.05)); err != nil {
		t.Errorf("within-cap project = %v, want nil", err)
	}
}

func TestCommitOverrunRecordsActualSpend(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l, err := NewLedger(Config{CapMicro: FromUSD(1)}, zap.New(core))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	h, err := l.Reserve(FromUSD(0.10))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := l.Commit(h, FromUSD(0.95), Usage{LLMRequests: 1}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap := l.Snapshot()
	if snap.SpentMicro != FromUSD(0.95) {
		t.Errorf("spent = %v, want the actual charge %v", snap.SpentMicro, FromUSD(0.95))
	}
	if snap.ReservedMicro != 0 {
		t.Errorf("reservation not cleared: %+v", snap)
	}
	// The overrun lands at 95% of the cap, so the next admission check
	// already sees it.
	if got := l.Level(); got != LevelNoLLM {
		t.Errorf("level = %v, want no_llm after the overrun", got)
	}
	if _, err := l.Reserve(FromUSD(0.10)); !errors.Is(err, ErrDenied) {
		t.Errorf("reserve past the cap = %v, want ErrDenied", err)
	}

	entries := logs.FilterMessage("commit exceeded reservation").All()
	if len(entries) != 1 {
		t.Fatalf("got %d overrun warnings, want 1", len(entries))
	}
	over, ok := entries[0].ContextMap()["overshoot_usd"].(float64)
	if !ok || math.Abs(over-0.85) > 1e-9 {
		t.Errorf("overshoot_usd = %v, want 0.85", entries[0].ContextMap()["overshoot_usd"])
	}
}

func TestCommitUnknownHandle(t *testing.T) {
	l := testLedger(t, 1)
	if err := l.Commit(Handle{}, FromUSD(0.1), Usage{}); !errors.Is(err, ErrInvariant) {
		t.Errorf("commit unknown = %v, want ErrInvariant", err)
	}
}

func TestDegradationLadder(t *testing.T) {
	l := testLedger(t, 1)

	spend := func(usd float64) {
		t.Helper()
		h, err := l.Reserve(FromUSD(usd))
		if err != nil {
			t.Fatalf("Reserve(%v): %v", usd, err)
		}
		if err := l.Commit(h, FromUSD(usd), Usage{}); err != nil {
			t.Fatalf("Commit(%v): %v", usd, err)
		}
	}

	if got := l.Level(); got != LevelNormal {
		t.Fatalf("fresh ledger level = %v, want normal", got)
	}
	spend(0.74)
	if got := l.Level(); got != LevelNormal {
		t.Errorf("at 74%% level = %v, want normal", got)
	}
	spend(0.02) // 76%
	if got := l.Level(); got != LevelWarn {
		t.Errorf("at 76%% level = %v, want warn", got)
	}
	spend(0.15) // 91%
	if got := l.Level(); got != LevelNoLLM {
		t.Errorf("at 91%% level = %v, want no_llm", got)
	}
	spend(0.09) // 100%
	if got := l.Level(); got != LevelExhausted {
		t.Errorf("at 100%% level = %v, want exhausted", got)
	}
}

func TestZeroCapIsExhausted(t *testing.T) {
	l := testLedger(t, 0)
	if got := l.Level(); got != LevelExhausted {
		t.Errorf("zero cap level = %v, want exhausted", got)
	}
	if _, err := l.Reserve(FromUSD(0.01)); !errors.Is(err, ErrDenied) {
		t.Errorf("reserve on zero cap = %v, want ErrDenied", err)
	}
	// A zero-cost reservation is still legal bookkeeping.
	if err := l.Project(0); err != nil {
		t.Errorf("zero-cost project on zero cap = %v, want nil", err)
	}
}

func TestMonthlyRollover(t *testing.T) {
	current := time.Date(2025, 3, 28, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	dir := t.TempDir()
	l, err := NewLedger(Config{CapMicro: FromUSD(10), Dir: dir}, nil, WithClock(now))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	h, _ := l.Reserve(FromUSD(3))
	if err := l.Commit(h, FromUSD(3), Usage{EmbedRequests: 2}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if snap := l.Snapshot(); snap.Month != "202503" || snap.SpentMicro != FromUSD(3) {
		t.Fatalf("march snapshot: %+v", snap)
	}

	mu.Lock()
	current = time.Date(2025, 4, 1, 0, 0, 1, 0, time.UTC)
	mu.Unlock()

	snap := l.Snapshot()
	if snap.Month != "202504" {
		t.Fatalf("month after rollover = %q, want 202504", snap.Month)
	}
	if snap.SpentMicro != 0 || snap.Counters.EmbedRequests != 0 {
		t.Errorf("fresh month carries spend: %+v", snap)
	}

	// The archived month must still be on disk.
	data, err := os.ReadFile(filepath.Join(dir, "ledger-202503.json"))
	if err != nil {
		t.Fatalf("archived ledger missing: %v", err)
	}
	if len(data) == 0 {
		t.Error("archived ledger empty")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{CapMicro: FromUSD(5), Dir: dir}

	l1, err := NewLedger(cfg, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	h, _ := l1.Reserve(FromUSD(1))
	if err := l1.Commit(h, FromUSD(1), Usage{LLMRequests: 3}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Leave a reservation dangling, as a crash would.
	if _, err := l1.Reserve(FromUSD(2)); err != nil {
		t.Fatalf("dangling reserve: %v", err)
	}

	l2, err := NewLedger(cfg, nil)
	if err != nil {
		t.Fatalf("NewLedger restart: %v", err)
	}
	snap := l2.Snapshot()
	if snap.SpentMicro != FromUSD(1) {
		t.Errorf("restarted spend = %v, want %v", snap.SpentMicro, FromUSD(1))
	}
	if snap.ReservedMicro != 0 {
		t.Errorf("stale reservation survived restart: %+v", snap)
	}
	if snap.Counters.LLMRequests != 3 {
		t.Errorf("counters lost on restart: %+v", snap.Counters)
	}
}

// TestBudgetSafetyUnderConcurrency hammers the ledger from many
// goroutines and checks the cap invariant at every observation point.
func TestBudgetSafetyUnderConcurrency(t *testing.T) {
	capMicro := FromUSD(1)
	l := testLedger(t, 1)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				cost := Micro(rng.Int63n(int64(FromUSD(0.02))))
				h, err := l.Reserve(cost)
				if err != nil {
					continue
				}
				if rng.Intn(2) == 0 {
					actual := cost - Micro(rng.Int63n(int64(cost)+1))
					if err := l.Commit(h, actual, Usage{}); err != nil {
						t.Errorf("Commit: %v", err)
						return
					}
				} else {
					if err := l.Release(h); err != nil {
						t.Errorf("Release: %v", err)
						return
					}
				}
				snap := l.Snapshot()
				if snap.SpentMicro+snap.ReservedMicro > capMicro {
					t.Errorf("cap exceeded: spent %v + reserved %v > cap %v",
						snap.SpentMicro, snap.ReservedMicro, capMicro)
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()

	snap := l.Snapshot()
	if snap.SpentMicro > capMicro {
		t.Errorf("final spend %v over cap %v", snap.SpentMicro, capMicro)
	}
	if l.Outstanding() != 0 {
		t.Errorf("outstanding reservations leaked: %d", l.Outstanding())
	}
}
