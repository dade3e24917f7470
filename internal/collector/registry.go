package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"corr/internal/evidence"
	"corr/internal/metrics"
)

// SourceFailure is a partial-collection entry on the run result: the
// named source contributed nothing (or stopped early) for this reason.
type SourceFailure struct {
	Source string      `json:"source"`
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

// Result is the merged output of one fan-out collection.
type Result struct {
	Items    []*evidence.Evidence
	Failures []SourceFailure
	// Skipped counts items dropped at ingest for failing validation,
	// keyed by source.
	Skipped map[string]int
}

// Registry holds the registered adapters. Registration happens during
// startup; the set freezes at the first Collect so lookups afterwards
// take no lock.
type Registry struct {
	mu       sync.Mutex
	adapters map[string]Collector
	order    []string
	frozen   bool

	timeout  time.Duration
	log      *zap.Logger
	reporter metrics.Reporter
}

// NewRegistry creates an empty registry. timeout bounds each adapter's
// Collect call independently.
func NewRegistry(timeout time.Duration, log *zap.Logger, reporter metrics.Reporter) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if reporter == nil {
		reporter = metrics.Nop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		adapters: make(map[string]Collector),
		timeout:  timeout,
		log:      log,
		reporter: reporter,
	}
}

// Register adds an adapter. Duplicate names and registration after the
// first Collect are programming errors.
func (r *Registry) Register(c Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry frozen: cannot register %q after first collect", c.Name())
	}
	name := c.Name()
	if name == "" {
		return errors.New("collector has empty name")
	}
	if _, dup := r.adapters[name]; dup {
		return fmt.Errorf("collector %q already registered", name)
	}
	r.adapters[name] = c
	r.order = append(r.order, name)
	sort.Strings(r.order)
	return nil
}

// List returns the registered adapter names in sorted order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Lookup returns a registered adapter by name.
func (r *Registry) Lookup(name string) (Collector, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.adapters[name]
	return c, ok
}

// Health checks one adapter.
func (r *Registry) Health(ctx context.Context, name string) (Health, error) {
	c, ok := r.Lookup(name)
	if !ok {
		return Health{}, fmt.Errorf("no collector named %q", name)
	}
	return c.Health(ctx), nil
}

// selected resolves the adapter set for a request, freezing the
// registry on first use.
func (r *Registry) selected(req Request) ([]Collector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true

	names := req.Sources
	if len(names) == 0 {
		names = r.order
	}
	out := make([]Collector, 0, len(names))
	for _, n := range names {
		c, ok := r.adapters[n]
		if !ok {
			return nil, fmt.Errorf("no collector named %q", n)
		}
		out = append(out, c)
	}
	return out, nil
}

// Collect fans the request out to every selected adapter in parallel,
// with an independent timeout per adapter, and merges the streams.
// Adapter failures are isolated into Result.Failures; the returned error
// is non-nil only for cancellation or an unknown requested source.
// Merged items are deduplicated by fingerprint (conflicts keep the later
// timestamp) and sorted by fingerprint so downstream stages see a
// deterministic order.
func (r *Registry) Collect(ctx context.Context, req Request) (*Result, error) {
	adapters, err := r.selected(req)
	if err != nil {
		return nil, err
	}

	result := &Result{Skipped: make(map[string]int)}
	if len(adapters) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	byFP := make(map[evidence.Fingerprint]*evidence.Evidence)
	addFailure := func(f SourceFailure) {
		mu.Lock()
		result.Failures = append(result.Failures, f)
		mu.Unlock()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, adapter := range adapters {
		eg.Go(func() error {
			start := time.Now()
			name := adapter.Name()
			callCtx, cancel := context.WithTimeout(egCtx, r.timeout)
			defer cancel()

			count := 0
			err := adapter.Collect(callCtx, req, func(item *evidence.Evidence) error {
				if err := callCtx.Err(); err != nil {
					return err
				}
				item.CanonicalizeTimestamp()
				if verr := item.Validate(); verr != nil {
					mu.Lock()
					result.Skipped[name]++
					mu.Unlock()
					r.log.Warn("dropping invalid evidence",
						zap.String("source", name), zap.Error(verr))
					return nil
				}
				fp := item.Fingerprint()
				mu.Lock()
				if prev, ok := byFP[fp]; !ok || item.Timestamp.After(prev.Timestamp) {
					byFP[fp] = item
				}
				mu.Unlock()
				count++
				return nil
			})
			r.reporter.Timing("collect.adapter", time.Since(start), metrics.T("source", name))
			r.reporter.Count("collect.items", int64(count), metrics.T("source", name))

			switch {
			case err == nil:
			case errors.Is(err, context.Canceled) && ctx.Err() != nil:
				// The whole run is being cancelled; let Wait surface it.
				return err
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				addFailure(SourceFailure{Source: name, Kind: FailTimeout,
					Detail: fmt.Sprintf("no response within %s", r.timeout)})
			default:
				var cerr *Error
				if errors.As(err, &cerr) {
					addFailure(SourceFailure{Source: name, Kind: cerr.Kind, Detail: cerr.Detail})
				} else {
					addFailure(SourceFailure{Source: name, Kind: FailUnavailable, Detail: err.Error()})
				}
			}
			// Adapter failures never cancel sibling collectors.
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Items = make([]*evidence.Evidence, 0, len(byFP))
	for _, item := range byFP {
		result.Items = append(result.Items, item)
	}
	sort.Slice(result.Items, func(i, j int) bool {
		return result.Items[i].Fingerprint() < result.Items[j].Fingerprint()
	})
	sort.Slice(result.Failures, func(i, j int) bool {
		return result.Failures[i].Source < result.Failures[j].Source
	})
	return result, nil
}
