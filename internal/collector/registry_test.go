package collector_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"corr/internal/collector"
	"corr/internal/evidence"
	"corr/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// funcAdapter is a scriptable test double for the collector protocol.
type funcAdapter struct {
	name    string
	collect func(ctx context.Context, req collector.Request, emit func(*evidence.Evidence) error) error
}

func (f *funcAdapter) Name() string { return f.name }

func (f *funcAdapter) Capabilities() collector.Capabilities {
	return collector.Capabilities{Kinds: []evidence.Kind{evidence.KindCommit}}
}

func (f *funcAdapter) Collect(ctx context.Context, req collector.Request, emit func(*evidence.Evidence) error) error {
	return f.collect(ctx, req, emit)
}

func (f *funcAdapter) Health(context.Context) collector.Health {
	return collector.Health{OK: true, Detail: "test double"}
}

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func commit(source, id string, ts time.Time) *evidence.Evidence {
	return &evidence.Evidence{
		ID:        id,
		Source:    source,
		Kind:      evidence.KindCommit,
		Author:    "alice",
		Timestamp: ts,
		Title:     "change " + id,
	}
}

func emitting(name string, items ...*evidence.Evidence) *funcAdapter {
	return &funcAdapter{
		name: name,
		collect: func(ctx context.Context, req collector.Request, emit func(*evidence.Evidence) error) error {
			for _, it := range items {
				if err := emit(it); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newRegistry(t *testing.T, timeout time.Duration, adapters ...collector.Collector) *collector.Registry {
	t.Helper()
	r := collector.NewRegistry(timeout, zap.NewNop(), nil)
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			t.Fatalf("Register(%s) failed: %v", a.Name(), err)
		}
	}
	return r
}

func TestCollectMergesAdapterStreams(t *testing.T) {
	r := newRegistry(t, time.Second,
		emitting("github", commit("github", "c1", base), commit("github", "c2", base.Add(time.Hour))),
		emitting("jira", commit("jira", "T-1", base.Add(2*time.Hour))),
	)

	res, err := r.Collect(context.Background(), collector.Request{})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(res.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(res.Items))
	}
	if len(res.Failures) != 0 {
		t.Fatalf("expected no failures, got %+v", res.Failures)
	}
	for i := 1; i < len(res.Items); i++ {
		if res.Items[i-1].Fingerprint() >= res.Items[i].Fingerprint() {
			t.Fatalf("items not sorted by fingerprint at %d", i)
		}
	}
}

func TestCollectIsolatesAdapterFailure(t *testing.T) {
	failing := &funcAdapter{
		name: "jira",
		collect: func(context.Context, collector.Request, func(*evidence.Evidence) error) error {
			return collector.NewError("jira", collector.FailAuth, "token expired")
		},
	}
	r := newRegistry(t, time.Second,
		emitting("github", commit("github", "c1", base), commit("github", "c2", base.Add(time.Hour))),
		failing,
	)

	res, err := r.Collect(context.Background(), collector.Request{})
	if err != nil {
		t.Fatalf("Collect should isolate adapter failures, got error: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("healthy adapter items lost: got %d items", len(res.Items))
	}
	if len(res.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %+v", res.Failures)
	}
	f := res.Failures[0]
	if f.Source != "jira" || f.Kind != collector.FailAuth {
		t.Errorf("failure = %+v, want source jira kind auth", f)
	}
	if !strings.Contains(f.Detail, "token expired") {
		t.Errorf("failure detail %q should carry the adapter reason", f.Detail)
	}
}

func TestCollectTimesOutSlowAdapter(t *testing.T) {
	slow := &funcAdapter{
		name: "slack",
		collect: func(ctx context.Context, _ collector.Request, _ func(*evidence.Evidence) error) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	r := newRegistry(t, 30*time.Millisecond,
		emitting("github", commit("github", "c1", base)),
		slow,
	)

	res, err := r.Collect(context.Background(), collector.Request{})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("expected 1 item from the fast adapter, got %d", len(res.Items))
	}
	if len(res.Failures) != 1 || res.Failures[0].Kind != collector.FailTimeout {
		t.Fatalf("expected a timeout failure for slack, got %+v", res.Failures)
	}
}

func TestCollectDeduplicatesAcrossAdapters(t *testing.T) {
	early := commit("github", "c1", base)
	late := commit("github", "c1", base.Add(time.Hour))
	late.Title = "change c1 (amended)"

	r := newRegistry(t, time.Second,
		emitting("mirror-a", early),
		emitting("mirror-b", late),
	)

	res, err := r.Collect(context.Background(), collector.Request{})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	// Same (source, kind, id) from both adapters collapses to one.
	if len(res.Items) != 1 {
		t.Fatalf("expected duplicate collapsed, got %d items", len(res.Items))
	}
	if res.Items[0].Title != "change c1 (amended)" {
		t.Errorf("dedup kept %q, want the later record", res.Items[0].Title)
	}
}

func TestCollectDeduplicateKeepsLaterTimestamp(t *testing.T) {
	early := commit("github", "c1", base)
	late := commit("github", "c1", base.Add(time.Hour))
	late.Title = "change c1 (amended)"

	r := newRegistry(t, time.Second, emitting("github", late, early))

	res, err := r.Collect(context.Background(), collector.Request{})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("expected 1 item after dedup, got %d", len(res.Items))
	}
	if !res.Items[0].Timestamp.Equal(base.Add(time.Hour)) {
		t.Errorf("dedup kept timestamp %v, want the later one", res.Items[0].Timestamp)
	}
	if res.Items[0].Title != "change c1 (amended)" {
		t.Errorf("dedup kept title %q, want the later record", res.Items[0].Title)
	}
}

func TestCollectSkipsInvalidItems(t *testing.T) {
	missingID := commit("github", "", base)
	r := newRegistry(t, time.Second,
		emitting("github", missingID, commit("github", "c2", base)),
	)

	res, err := r.Collect(context.Background(), collector.Request{})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("expected invalid item skipped, got %d items", len(res.Items))
	}
	if res.Skipped["github"] != 1 {
		t.Errorf("Skipped[github] = %d, want 1", res.Skipped["github"])
	}
}

func TestCollectUnknownSource(t *testing.T) {
	r := newRegistry(t, time.Second, emitting("github"))
	_, err := r.Collect(context.Background(), collector.Request{Sources: []string{"gitlab"}})
	if err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestCollectSourceSubset(t *testing.T) {
	r := newRegistry(t, time.Second,
		emitting("github", commit("github", "c1", base)),
		emitting("jira", commit("jira", "T-1", base)),
	)

	res, err := r.Collect(context.Background(), collector.Request{Sources: []string{"jira"}})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Source != "jira" {
		t.Fatalf("expected only jira items, got %+v", res.Items)
	}
}

func TestCollectCancellation(t *testing.T) {
	blocking := &funcAdapter{
		name: "slow",
		collect: func(ctx context.Context, _ collector.Request, _ func(*evidence.Evidence) error) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	r := newRegistry(t, time.Minute, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	defer cancel()

	_, err := r.Collect(ctx, collector.Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRegistryFreezesAfterFirstCollect(t *testing.T) {
	r := newRegistry(t, time.Second, emitting("github"))
	if _, err := r.Collect(context.Background(), collector.Request{}); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	err := r.Register(emitting("late"))
	if err == nil || !strings.Contains(err.Error(), "frozen") {
		t.Fatalf("expected frozen registry error, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := collector.NewRegistry(time.Second, zap.NewNop(), nil)
	if err := r.Register(emitting("")); err == nil {
		t.Error("expected error for empty adapter name")
	}
	if err := r.Register(emitting("github")); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := r.Register(emitting("github")); err == nil {
		t.Error("expected error for duplicate adapter name")
	}
	got := r.List()
	if len(got) != 1 || got[0] != "github" {
		t.Errorf("List() = %v, want [github]", got)
	}
}

func TestCollectReportsMetrics(t *testing.T) {
	rep := metrics.NewMemReporter()
	r := collector.NewRegistry(time.Second, zap.NewNop(), rep)
	if err := r.Register(emitting("github", commit("github", "c1", base))); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := r.Collect(context.Background(), collector.Request{}); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if n := rep.Counter("collect.items", metrics.T("source", "github")); n != 1 {
		t.Errorf("collect.items{source=github} = %d, want 1", n)
	}
}

func TestRegistryHealth(t *testing.T) {
	r := newRegistry(t, time.Second, emitting("github"))
	h, err := r.Health(context.Background(), "github")
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if !h.OK {
		t.Errorf("Health = %+v, want OK", h)
	}
	if _, err := r.Health(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown adapter")
	}
}
