package prefilter

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"corr/internal/evidence"
)

var t0 = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

type mapResolver map[string]string

func (m mapResolver) Resolve(source, handle string) (string, bool) {
	v, ok := m[source+"/"+handle]
	return v, ok
}

func ev(source string, kind evidence.Kind, id, author, title string, ts time.Time) *evidence.Evidence {
	return &evidence.Evidence{
		ID:        id,
		Source:    source,
		Kind:      kind,
		Author:    author,
		Timestamp: ts,
		Title:     title,
	}
}

func newFilter(t *testing.T, cfg Config, resolve IdentityResolver) *Filter {
	t.Helper()
	f, err := New(cfg, resolve, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return f
}

func runPairs(t *testing.T, f *Filter, items ...*evidence.Evidence) []Pair {
	t.Helper()
	pairs, err := f.Pairs(context.Background(), evidence.NewArena(items))
	if err != nil {
		t.Fatalf("Pairs failed: %v", err)
	}
	return pairs
}

func pairBetween(t *testing.T, pairs []Pair, a, b *evidence.Evidence) *Pair {
	t.Helper()
	fa, fb := evidence.OrderPair(a.Fingerprint(), b.Fingerprint())
	for i := range pairs {
		if pairs[i].A == fa && pairs[i].B == fb {
			return &pairs[i]
		}
	}
	t.Fatalf("no pair between %s and %s in %d pairs", a.ID, b.ID, len(pairs))
	return nil
}

func TestExplicitIssueKeyReference(t *testing.T) {
	commit := ev("github", evidence.KindCommit, "9f2c1ab34", "alice", "Fix login crash (AUTH-123)", t0)
	ticket := ev("jira", evidence.KindTicket, "AUTH-123", "alice", "Login crashes on empty password",
		time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC))
	other := ev("jira", evidence.KindTicket, "PAY-77", "bob", "Chargeback report wrong currency", t0.Add(time.Hour))

	f := newFilter(t, Config{}, nil)
	pairs := runPairs(t, f, commit, ticket, other)

	p := pairBetween(t, pairs, commit, ticket)
	if !p.Has(RuleExplicitRef) {
		t.Errorf("rules = %v, want explicit_reference", p.Rules)
	}
	if !p.ShortCircuit {
		t.Error("explicit reference should short-circuit the paid tiers")
	}
	if p.MatchedKey != "AUTH-123" {
		t.Errorf("MatchedKey = %q, want AUTH-123", p.MatchedKey)
	}
	// 26h apart, outside the author window.
	if p.Has(RuleSameAuthor) {
		t.Errorf("author rule fired outside its window: %v", p.Rules)
	}
	for _, got := range pairs {
		if got.A == other.Fingerprint() || got.B == other.Fingerprint() {
			t.Errorf("unrelated ticket paired: %+v", got)
		}
	}
}

func TestExplicitCommitHashReference(t *testing.T) {
	commit := ev("github", evidence.KindCommit, "abc1234def56789", "alice", "Tighten retry backoff", t0)
	note := ev("slack", evidence.KindMessage, "m-81", "bob", "deploy note",
		t0.Add(2*time.Hour))
	note.Body = "rolled out abc1234de to prod, watching error rates"

	f := newFilter(t, Config{}, nil)
	pairs := runPairs(t, f, commit, note)

	p := pairBetween(t, pairs, commit, note)
	if !p.Has(RuleExplicitRef) || !p.ShortCircuit {
		t.Errorf("hash reference should short-circuit, got %+v", p)
	}
	if p.MatchedKey != "abc1234de" {
		t.Errorf("MatchedKey = %q, want the cited prefix", p.MatchedKey)
	}
}

func TestAllDigitTokenIsNotACommitReference(t *testing.T) {
	commit := ev("github", evidence.KindCommit, "20260826123abc", "alice", "Pin build snapshot", t0)
	note := ev("slack", evidence.KindMessage, "m-82", "bob", "release note", t0.Add(2*time.Hour))
	note.Body = "cut the 20260826 snapshot, rollout starts tomorrow"

	f := newFilter(t, Config{}, nil)
	pairs := runPairs(t, f, commit, note)

	// The date is a prefix of the commit id and sits inside the hex
	// alphabet, but a token without a letter never names a commit.
	for _, p := range pairs {
		if p.Has(RuleExplicitRef) {
			t.Errorf("all-digit token matched as a commit reference: %+v", p)
		}
	}
}

func TestExplicitMergeRequestReference(t *testing.T) {
	mr := ev("gitlab", evidence.KindMergeRequest, "42", "alice", "Add payment retry budget", t0)
	mr.Attrs = map[string]evidence.AttrValue{evidence.AttrProject: evidence.String("platform/api")}
	comment := ev("gitlab", evidence.KindComment, "c-7", "bob", "review follow-up", t0.Add(30*time.Minute))
	comment.Body = "addressed in platform/api!42"

	foreign := ev("gitlab", evidence.KindMergeRequest, "platform/docs!42", "carol", "Unrelated docs change", t0)
	foreign.Attrs = map[string]evidence.AttrValue{evidence.AttrProject: evidence.String("platform/docs")}

	f := newFilter(t, Config{}, nil)
	pairs := runPairs(t, f, mr, comment, foreign)

	p := pairBetween(t, pairs, mr, comment)
	if !p.Has(RuleExplicitRef) {
		t.Errorf("rules = %v, want explicit_reference", p.Rules)
	}
	for _, got := range pairs {
		fa, fb := evidence.OrderPair(comment.Fingerprint(), foreign.Fingerprint())
		if got.A == fa && got.B == fb && got.Has(RuleExplicitRef) {
			t.Error("prefixed MR reference crossed a project boundary")
		}
	}
}

func TestSameAuthorCrossSource(t *testing.T) {
	commit := ev("github", evidence.KindCommit, "c1", "alice", "Rework session cache", t0)
	msg := ev("slack", evidence.KindMessage, "m1", "alice", "standup update", t0.Add(3*time.Hour))
	stranger := ev("slack", evidence.KindMessage, "m2", "bob", "lunch plans", t0.Add(time.Hour))

	f := newFilter(t, Config{}, nil)
	pairs := runPairs(t, f, commit, msg, stranger)

	p := pairBetween(t, pairs, commit, msg)
	if !p.Has(RuleSameAuthor) {
		t.Errorf("rules = %v, want same_author_temporal", p.Rules)
	}
	if p.ShortCircuit {
		t.Error("author rule must not short-circuit")
	}
	want := 1 - 3.0/24.0
	if got := p.Strength[RuleSameAuthor]; got < want-1e-9 || got > want+1e-9 {
		t.Errorf("strength = %v, want %v", got, want)
	}
	for _, got := range pairs {
		if got.A == stranger.Fingerprint() || got.B == stranger.Fingerprint() {
			t.Errorf("different author paired: %+v", got)
		}
	}
}

func TestSameAuthorSameSourceExcluded(t *testing.T) {
	a := ev("github", evidence.KindCommit, "c1", "alice", "Extract retry helper", t0)
	b := ev("github", evidence.KindTicket, "T-1", "alice", "Flaky checkout test", t0.Add(time.Hour))

	f := newFilter(t, Config{}, nil)
	pairs := runPairs(t, f, a, b)

	for _, p := range pairs {
		if p.Has(RuleSameAuthor) {
			t.Errorf("same-source pair matched the cross-source rule: %+v", p)
		}
	}
}

func TestRapidIterationSameKind(t *testing.T) {
	a := ev("github", evidence.KindCommit, "c1", "alice", "Extract retry helper", t0)
	b := ev("github", evidence.KindCommit, "c2", "alice", "Wire helper into worker", t0.Add(2*time.Hour))
	slow := ev("github", evidence.KindCommit, "c3", "alice", "Unrelated cleanup sweep", t0.Add(20*time.Hour))

	f := newFilter(t, Config{}, nil)
	pairs := runPairs(t, f, a, b, slow)

	p := pairBetween(t, pairs, a, b)
	if !p.Has(RuleRapidPair) {
		t.Errorf("rules = %v, want rapid_iteration", p.Rules)
	}
	if p.Has(RuleSameAuthor) {
		t.Error("same-source pair must not carry the cross-source tag")
	}
	for _, got := range pairs {
		if (got.A == slow.Fingerprint() || got.B == slow.Fingerprint()) && got.Has(RuleRapidPair) {
			t.Errorf("20h gap inside the rapid window: %+v", got)
		}
	}
}

func TestBranchTicketMatch(t *testing.T) {
	commit := ev("github", evidence.KindCommit, "c1", "bob", "Guard token refresh path", t0)
	commit.Attrs = map[string]evidence.AttrValue{
		evidence.AttrBranch: evidence.String("auth-123-token-refresh"),
	}
	ticket := ev("jira", evidence.KindTicket, "AUTH-123", "alice", "Sessions dropped after refresh",
		t0.Add(-48*time.Hour))

	f := newFilter(t, Config{}, nil)
	pairs := runPairs(t, f, commit, ticket)

	p := pairBetween(t, pairs, commit, ticket)
	if !p.Has(RuleBranchTicket) {
		t.Errorf("rules = %v, want branch_ticket_match", p.Rules)
	}
	if p.ShortCircuit {
		t.Error("branch match alone must not short-circuit")
	}
	if p.MatchedKey != "AUTH-123" {
		t.Errorf("MatchedKey = %q, want AUTH-123", p.MatchedKey)
	}
}

func TestTitleOverlap(t *testing.T) {
	a := ev("github", evidence.KindCommit, "c1", "alice", "Refactor payment retry in worker", t0)
	b := ev("github", evidence.KindCommit, "c2", "bob", "Refactor payment retry backoff", t0.Add(26*time.Hour))
	c := ev("jira", evidence.KindTicket, "OPS-9", "carol", "Rotate staging certificates", t0)

	f := newFilter(t, Config{}, nil)
	pairs := runPairs(t, f, a, b, c)

	p := pairBetween(t, pairs, a, b)
	if !p.Has(RuleTitleOverlap) {
		t.Errorf("rules = %v, want ngram_overlap", p.Rules)
	}
	if p.Jaccard < 0.35 {
		t.Errorf("Jaccard = %v, want >= threshold", p.Jaccard)
	}
	if p.Strength[RuleTitleOverlap] != p.Jaccard {
		t.Errorf("strength %v should equal the jaccard score %v", p.Strength[RuleTitleOverlap], p.Jaccard)
	}
	for _, got := range pairs {
		if (got.A == c.Fingerprint() || got.B == c.Fingerprint()) && got.Has(RuleTitleOverlap) {
			t.Errorf("dissimilar title paired: %+v", got)
		}
	}
}

func TestIdentityMapResolvesHandles(t *testing.T) {
	resolver := mapResolver{
		"github/alice8": "person:alice",
		"jira/alice.w":  "person:alice",
	}
	commit := ev("github", evidence.KindCommit, "c1", "alice8", "Patch session TTL", t0)
	ticket := ev("jira", evidence.KindTicket, "OPS-4", "alice.w", "Sessions expiring early", t0.Add(time.Hour))
	unmapped := ev("jira", evidence.KindTicket, "OPS-5", "ghost", "Password reset redesign", t0.Add(time.Hour))

	f := newFilter(t, Config{}, resolver)
	pairs := runPairs(t, f, commit, ticket, unmapped)

	p := pairBetween(t, pairs, commit, ticket)
	if !p.Has(RuleSameAuthor) {
		t.Errorf("mapped handles should correlate, rules = %v", p.Rules)
	}
	for _, got := range pairs {
		if (got.A == unmapped.Fingerprint() || got.B == unmapped.Fingerprint()) && got.Has(RuleSameAuthor) {
			t.Errorf("unmapped handle joined an author pair: %+v", got)
		}
	}
}

func TestRuleUnionOnOnePair(t *testing.T) {
	commit := ev("github", evidence.KindCommit, "c1", "alice", "AUTH-123 guard refresh", t0)
	commit.Attrs = map[string]evidence.AttrValue{
		evidence.AttrBranch: evidence.String("auth-123-guard"),
	}
	ticket := ev("jira", evidence.KindTicket, "AUTH-123", "alice", "Sessions dropped after refresh",
		t0.Add(-2*time.Hour))

	f := newFilter(t, Config{}, nil)
	pairs := runPairs(t, f, commit, ticket)

	if len(pairs) != 1 {
		t.Fatalf("expected one deduplicated pair, got %d", len(pairs))
	}
	p := pairs[0]
	for _, want := range []Rule{RuleExplicitRef, RuleBranchTicket, RuleSameAuthor} {
		if !p.Has(want) {
			t.Errorf("rules = %v, missing %s", p.Rules, want)
		}
	}
	if !p.ShortCircuit {
		t.Error("explicit reference in the union should keep the short-circuit")
	}
}

func TestPairsDeterministic(t *testing.T) {
	items := []*evidence.Evidence{
		ev("github", evidence.KindCommit, "c1", "alice", "Refactor payment retry in worker", t0),
		ev("github", evidence.KindCommit, "c2", "alice", "Refactor payment retry backoff", t0.Add(time.Hour)),
		ev("jira", evidence.KindTicket, "PAY-1", "alice", "Payment retries exhaust budget", t0.Add(2*time.Hour)),
		ev("slack", evidence.KindMessage, "m1", "bob", "retry rollout thread", t0.Add(3*time.Hour)),
	}

	f := newFilter(t, Config{}, nil)
	first := runPairs(t, f, items...)
	second := runPairs(t, f, items...)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("pair output not deterministic (-first +second):\n%s", diff)
	}
}

func TestSmallArenas(t *testing.T) {
	f := newFilter(t, Config{}, nil)

	if pairs := runPairs(t, f); pairs != nil {
		t.Errorf("empty arena produced pairs: %+v", pairs)
	}
	only := ev("github", evidence.KindCommit, "c1", "alice", "Lone change", t0)
	if pairs := runPairs(t, f, only); pairs != nil {
		t.Errorf("single item produced pairs: %+v", pairs)
	}
}

func TestPairsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newFilter(t, Config{}, nil)
	arena := evidence.NewArena([]*evidence.Evidence{
		ev("github", evidence.KindCommit, "c1", "alice", "One", t0),
		ev("github", evidence.KindCommit, "c2", "alice", "Two", t0.Add(time.Hour)),
	})
	if _, err := f.Pairs(ctx, arena); err == nil {
		t.Error("expected cancellation error")
	}
}
