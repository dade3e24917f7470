package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"corr/internal/budget"
	"corr/internal/collector"
	"corr/internal/evidence"
	"corr/internal/store"
)

// ReportVersion is the schema version stamped on every persisted run
// report. Bump it when a field changes meaning, never reuse a number.
const ReportVersion = 1

// Warning is a structured non-fatal problem surfaced on the run report.
type Warning struct {
	Category string `json:"category"`
	Source   string `json:"source,omitempty"`
	Detail   string `json:"detail"`
}

// Warning categories. CLI output and tests match on these, so they are
// part of the report schema.
const (
	WarnPartialCollection = "partial_collection"
	WarnEmbeddingDegraded = "embedding_degraded"
	WarnLLMSkipped        = "llm_skipped"
	WarnBudget            = "budget"
	WarnPersistence       = "persistence"
)

// CollectionReport summarizes the input-resolution step.
type CollectionReport struct {
	Provided  int `json:"provided"`
	Collected int `json:"collected"`
	// Items is the deduplicated count the pipeline actually ran over.
	Items    int                       `json:"items"`
	Skipped  map[string]int            `json:"skipped,omitempty"`
	Failures []collector.SourceFailure `json:"failures,omitempty"`
}

// EmbeddingReport summarizes the similarity tier.
type EmbeddingReport struct {
	Pairs         int          `json:"pairs"`
	Accepted      int          `json:"accepted"`
	Promoted      int          `json:"promoted"`
	Rejected      int          `json:"rejected"`
	Skipped       int          `json:"skipped"`
	CacheHits     int          `json:"cache_hits"`
	CacheMisses   int          `json:"cache_misses"`
	Requests      int          `json:"requests"`
	DeniedBatches int          `json:"denied_batches"`
	FailedBatches int          `json:"failed_batches"`
	SpendMicro    budget.Micro `json:"spend_micro"`
}

// LLMReport summarizes the adjudication tier.
type LLMReport struct {
	Candidates int          `json:"candidates"`
	Judged     int          `json:"judged"`
	Positive   int          `json:"positive"`
	Negative   int          `json:"negative"`
	Denied     int          `json:"denied"`
	Failed     int          `json:"failed"`
	Capped     int          `json:"capped"`
	Requests   int          `json:"requests"`
	Retries    int          `json:"retries"`
	Repairs    int          `json:"repairs"`
	SpendMicro budget.Micro `json:"spend_micro"`
}

// Report is the canonical machine artifact of one run: what ran, what it
// cost, what came out, and every warning along the way. Persisted as a
// JSON document keyed by run id.
type Report struct {
	Version       int    `json:"version"`
	RunID         string `json:"run_id"`
	State         State  `json:"state"`
	RequestedMode Mode   `json:"requested_mode"`
	// Mode is the path the run actually took: "llm", "rules", or
	// "degraded" when a paid path was cut short mid-run.
	Mode      string           `json:"mode"`
	Identity  string           `json:"identity,omitempty"`
	Window    *evidence.Window `json:"window,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	WallMS    int64            `json:"wall_ms"`
	StageMS   map[string]int64 `json:"stage_ms"`

	Collection    CollectionReport `json:"collection"`
	Pairs         int              `json:"pairs"`
	ShortCircuits int              `json:"short_circuits"`
	Embedding     EmbeddingReport  `json:"embedding"`
	LLM           LLMReport        `json:"llm"`

	Relationships int            `json:"relationships"`
	ByMethod      map[string]int `json:"relationships_by_method,omitempty"`
	Stories       int            `json:"stories"`

	ProjectedMicro budget.Micro `json:"projected_micro"`
	SpentMicro     budget.Micro `json:"spent_micro"`
	CacheHitRate   float64      `json:"cache_hit_rate"`

	Warnings []Warning `json:"warnings,omitempty"`
	Error    string    `json:"error,omitempty"`
	Replay   bool      `json:"replay,omitempty"`
}

func reportKey(id string) string       { return "run/" + id + "/report" }
func relationshipKey(id string) string { return "run/" + id + "/relationships" }
func evidenceKey(id string) string     { return "run/" + id + "/evidence" }

// persist writes the run's artifacts. The report goes last so it can
// carry any persistence warnings from the other two writes.
func (r *Runner) persist(ctx context.Context, resp *Response, items []*evidence.Evidence) {
	if r.store == nil {
		return
	}
	id := resp.Report.RunID

	put := func(key string, v any) {
		data, err := json.Marshal(v)
		if err == nil {
			err = r.store.Put(ctx, key, data)
		}
		if err != nil {
			r.log.Warn("run artifact not persisted",
				zap.String("key", key),
				zap.Error(err))
			resp.Report.Warnings = append(resp.Report.Warnings, Warning{
				Category: WarnPersistence,
				Detail:   fmt.Sprintf("%s: %v", key, err),
			})
		}
	}

	put(relationshipKey(id), resp.Relationships)
	put(evidenceKey(id), items)
	put(reportKey(id), resp.Report)
}

// LoadReport fetches a persisted run report.
func (r *Runner) LoadReport(ctx context.Context, runID string) (*Report, error) {
	if r.store == nil {
		return nil, fmt.Errorf("%w: no store configured", ErrInvalidInput)
	}
	data, err := r.store.Get(ctx, reportKey(runID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown run %q", ErrInvalidInput, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", runID, err)
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", runID, err)
	}
	return &rep, nil
}

// Replay rebuilds stories and insights from a persisted run's
// relationships and evidence snapshot, without touching any provider or
// the ledger. Grouping and enrichment are pure, so a replay over
// unchanged artifacts reproduces the original stories exactly.
func (r *Runner) Replay(ctx context.Context, runID string) (*Response, error) {
	if r.store == nil {
		return nil, fmt.Errorf("%w: no store configured", ErrInvalidInput)
	}

	load := func(key string, v any) error {
		data, err := r.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: unknown run %q", ErrInvalidInput, runID)
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", key, err)
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	}

	var rels []evidence.Relationship
	if err := load(relationshipKey(runID), &rels); err != nil {
		return nil, err
	}
	var items []*evidence.Evidence
	if err := load(evidenceKey(runID), &items); err != nil {
		return nil, err
	}

	arena := evidence.NewArena(items)
	stories := r.grouper.Group(arena, rels)
	insights := r.enricher.EnrichAll(arena, stories, rels)

	rep := &Report{
		Version:       ReportVersion,
		RunID:         runID,
		State:         StateDone,
		Mode:          string(ModeRules),
		StartedAt:     r.now().UTC(),
		StageMS:       map[string]int64{},
		Replay:        true,
		Relationships: len(rels),
		ByMethod:      countByMethod(rels),
		Stories:       len(stories),
	}
	rep.Collection.Items = arena.Len()

	r.log.Info("replay complete",
		zap.String("run_id", runID),
		zap.Int("relationships", len(rels)),
		zap.Int("stories", len(stories)))

	return &Response{
		Relationships: rels,
		Stories:       stories,
		Insights:      insights,
		Report:        rep,
	}, nil
}

func countByMethod(rels []evidence.Relationship) map[string]int {
	if len(rels) == 0 {
		return nil
	}
	out := make(map[string]int, 3)
	for _, rel := range rels {
		out[string(rel.Method)]++
	}
	return out
}
