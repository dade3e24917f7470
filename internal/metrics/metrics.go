// Package metrics defines the reporter interface the pipeline emits
// through. The core holds no metrics state of its own; callers inject a
// Reporter and route the stream wherever they like. ZapReporter logs the
// stream, MemReporter accumulates it for tests and for the run report.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tag is one dimension attached to a metric event.
type Tag struct {
	Key   string
	Value string
}

// T is shorthand for constructing a Tag.
func T(key, value string) Tag { return Tag{Key: key, Value: value} }

// Reporter consumes the pipeline's metric stream. Implementations must be
// safe for concurrent use; tiers report from worker goroutines.
type Reporter interface {
	// Count adds delta to a named counter.
	Count(name string, delta int64, tags ...Tag)
	// Gauge records the latest value of a named quantity.
	Gauge(name string, value float64, tags ...Tag)
	// Timing records an elapsed duration for a named phase.
	Timing(name string, d time.Duration, tags ...Tag)
}

// Nop is a Reporter that discards everything.
type Nop struct{}

func (Nop) Count(string, int64, ...Tag)          {}
func (Nop) Gauge(string, float64, ...Tag)        {}
func (Nop) Timing(string, time.Duration, ...Tag) {}

// ZapReporter logs every metric event at debug level.
type ZapReporter struct {
	log *zap.Logger
}

// NewZapReporter wraps a logger as a Reporter.
func NewZapReporter(log *zap.Logger) *ZapReporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapReporter{log: log}
}

func tagFields(tags []Tag) []zap.Field {
	fields := make([]zap.Field, 0, len(tags))
	for _, t := range tags {
		fields = append(fields, zap.String(t.Key, t.Value))
	}
	return fields
}

func (r *ZapReporter) Count(name string, delta int64, tags ...Tag) {
	r.log.Debug("metric.count", append([]zap.Field{zap.String("name", name), zap.Int64("delta", delta)}, tagFields(tags)...)...)
}

func (r *ZapReporter) Gauge(name string, value float64, tags ...Tag) {
	r.log.Debug("metric.gauge", append([]zap.Field{zap.String("name", name), zap.Float64("value", value)}, tagFields(tags)...)...)
}

func (r *ZapReporter) Timing(name string, d time.Duration, tags ...Tag) {
	r.log.Debug("metric.timing", append([]zap.Field{zap.String("name", name), zap.Duration("elapsed", d)}, tagFields(tags)...)...)
}

// MemReporter accumulates metric events in memory. The orchestrator uses
// one per run to assemble the run report; tests snapshot it directly.
type MemReporter struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
	timings  map[string]time.Duration
}

// NewMemReporter returns an empty accumulator.
func NewMemReporter() *MemReporter {
	return &MemReporter{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		timings:  make(map[string]time.Duration),
	}
}

// key folds tags into the metric name so distinct tag sets accumulate
// separately but deterministically.
func key(name string, tags []Tag) string {
	if len(tags) == 0 {
		return name
	}
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		parts = append(parts, t.Key+"="+t.Value)
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func (r *MemReporter) Count(name string, delta int64, tags ...Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key(name, tags)] += delta
}

func (r *MemReporter) Gauge(name string, value float64, tags ...Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key(name, tags)] = value
}

func (r *MemReporter) Timing(name string, d time.Duration, tags ...Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings[key(name, tags)] += d
}

// Counter returns the accumulated value of a counter, zero when unset.
func (r *MemReporter) Counter(name string, tags ...Tag) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[key(name, tags)]
}

// GaugeValue returns the last recorded gauge value.
func (r *MemReporter) GaugeValue(name string, tags ...Tag) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[key(name, tags)]
}

// TimingValue returns the accumulated duration for a phase.
func (r *MemReporter) TimingValue(name string, tags ...Tag) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timings[key(name, tags)]
}

// Counters returns a copy of all counters keyed by folded name.
func (r *MemReporter) Counters() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Timings returns a copy of all accumulated timings.
func (r *MemReporter) Timings() map[string]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Duration, len(r.timings))
	for k, v := range r.timings {
		out[k] = v
	}
	return out
}

// Fanout duplicates the stream to several reporters, letting a run feed
// its MemReporter and the process-wide ZapReporter at once.
type Fanout []Reporter

func (f Fanout) Count(name string, delta int64, tags ...Tag) {
	for _, r := range f {
		r.Count(name, delta, tags...)
	}
}

func (f Fanout) Gauge(name string, value float64, tags ...Tag) {
	for _, r := range f {
		r.Gauge(name, value, tags...)
	}
}

func (f Fanout) Timing(name string, d time.Duration, tags ...Tag) {
	for _, r := range f {
		r.Timing(name, d, tags...)
	}
}
