// Package correlate drives the correlation pipeline end to end: resolve
// input, normalize, pre-filter, project cost, run the paid tiers, then
// score, group, and enrich. The orchestrator is the single policy point
// that turns component trouble into either degraded success or a fatal
// run error; every tier below it only reports what happened.
package correlate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corr/internal/budget"
	"corr/internal/collector"
	"corr/internal/embedding"
	"corr/internal/evidence"
	"corr/internal/insight"
	"corr/internal/llm"
	"corr/internal/metrics"
	"corr/internal/prefilter"
	"corr/internal/score"
	"corr/internal/store"
	"corr/internal/story"
)

var (
	// ErrInvalidInput marks a malformed request or malformed provided
	// evidence. Fatal: the run produces no partial result.
	ErrInvalidInput = errors.New("invalid correlation input")
	// ErrBudgetDenied marks an explicitly requested paid mode the
	// ledger cannot fund. Auto mode never returns it; it falls back to
	// the free path instead.
	ErrBudgetDenied = errors.New("budget denied for requested mode")
	// ErrCancelled marks cooperative cancellation or deadline expiry.
	// All outstanding reservations are released before it is returned.
	ErrCancelled = errors.New("run cancelled")
)

// Mode selects which tiers a run may use.
type Mode string

const (
	// ModeAuto lets projection and the budget ladder decide.
	ModeAuto Mode = "auto"
	// ModeLLM demands the paid path and fails when it cannot be funded.
	ModeLLM Mode = "llm"
	// ModeRules runs the free tier only.
	ModeRules Mode = "rules"
)

func (m Mode) valid() bool {
	switch m {
	case ModeAuto, ModeLLM, ModeRules:
		return true
	}
	return false
}

// State is the run's position in its lifecycle. Terminal states are
// DONE, DEGRADED, and FAILED.
type State string

const (
	StateNew        State = "NEW"
	StateCollecting State = "COLLECTING"
	StateFiltering  State = "FILTERING"
	StateEmbedding  State = "EMBEDDING"
	StateLLM        State = "LLM"
	StateScoring    State = "SCORING"
	StateGrouping   State = "GROUPING"
	StateEnriching  State = "ENRICHING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
	StateDegraded   State = "DEGRADED"
)

// Request describes one correlation run. Items supplies evidence
// directly; Identity plus Window collects through the registry. Both
// forms combine: collected and provided items are merged and
// deduplicated before the pipeline runs.
type Request struct {
	Items    []*evidence.Evidence
	Identity string
	Window   evidence.Window
	// Sources restricts collection to the named adapters; empty means
	// every registered adapter.
	Sources []string
	// Mode defaults to auto.
	Mode Mode
	// MaxCost caps this run's projected spend. Zero leaves the monthly
	// ledger as the only limit.
	MaxCost budget.Micro
}

// Response is the assembled result of one run.
type Response struct {
	Relationships []evidence.Relationship
	Stories       []evidence.Story
	Insights      []insight.Insights
	Report        *Report
}

// Deps are the collaborators a Runner orchestrates. Registry, Filter,
// Scorer, Grouper, Enricher, and Ledger are required. Embedding and LLM
// are optional; when Embedding is nil every run takes the free path.
// Store is optional; without it runs are not persisted and Replay is
// unavailable. Log and Reporter default to no-ops, Clock to time.Now.
type Deps struct {
	Registry  *collector.Registry
	Filter    *prefilter.Filter
	Embedding *embedding.Tier
	LLM       *llm.Tier
	Scorer    *score.Scorer
	Grouper   *story.Grouper
	Enricher  *insight.Enricher
	Ledger    *budget.Ledger
	Projector *Projector
	Store     store.Store
	Log       *zap.Logger
	Reporter  metrics.Reporter
	Clock     func() time.Time
}

// Config bounds a single run.
type Config struct {
	// Deadline is the wall-clock bound per run; zero means 30s.
	Deadline time.Duration
	// BodyLimit caps item bodies in runes before the paid tiers; zero
	// means 4000, negative disables truncation.
	BodyLimit int
}

func (c *Config) applyDefaults() {
	if c.Deadline <= 0 {
		c.Deadline = 30 * time.Second
	}
	if c.BodyLimit == 0 {
		c.BodyLimit = 4000
	}
}

// Runner executes correlation requests. Safe for concurrent use: runs
// share only the ledger, the embedding cache, the registry, and the
// projector's moving averages, each of which synchronizes itself.
type Runner struct {
	registry  *collector.Registry
	filter    *prefilter.Filter
	embed     *embedding.Tier
	llm       *llm.Tier
	scorer    *score.Scorer
	grouper   *story.Grouper
	enricher  *insight.Enricher
	ledger    *budget.Ledger
	projector *Projector
	store     store.Store
	cfg       Config
	log       *zap.Logger
	rep       metrics.Reporter
	now       func() time.Time
}

// New validates the dependency set and returns a ready Runner.
func New(deps Deps, cfg Config) (*Runner, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("correlate runner requires a collector registry")
	case deps.Filter == nil:
		return nil, fmt.Errorf("correlate runner requires a pre-filter")
	case deps.Scorer == nil:
		return nil, fmt.Errorf("correlate runner requires a scorer")
	case deps.Grouper == nil:
		return nil, fmt.Errorf("correlate runner requires a grouper")
	case deps.Enricher == nil:
		return nil, fmt.Errorf("correlate runner requires an enricher")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("correlate runner requires a budget ledger")
	}
	if (deps.Embedding != nil || deps.LLM != nil) && deps.Projector == nil {
		return nil, fmt.Errorf("correlate runner requires a projector when paid tiers are configured")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Reporter == nil {
		deps.Reporter = metrics.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	cfg.applyDefaults()
	return &Runner{
		registry:  deps.Registry,
		filter:    deps.Filter,
		embed:     deps.Embedding,
		llm:       deps.LLM,
		scorer:    deps.Scorer,
		grouper:   deps.Grouper,
		enricher:  deps.Enricher,
		ledger:    deps.Ledger,
		projector: deps.Projector,
		store:     deps.Store,
		cfg:       cfg,
		log:       deps.Log,
		rep:       deps.Reporter,
		now:       deps.Clock,
	}, nil
}

// BudgetStatus returns the ledger's point-in-time snapshot.
func (r *Runner) BudgetStatus() budget.Snapshot {
	return r.ledger.Snapshot()
}

// runNamespace anchors deterministic run ids. Never change it: persisted
// reports are keyed by ids derived from it.
var runNamespace = uuid.MustParse("7d44a3b2-9c1e-45d6-8a07-3f2b6c0d9e51")

// runID derives the deterministic id of a run from its identity, window,
// mode, and resolved item set. Re-running the same request over the same
// items yields the same id, which makes reports and replays addressable.
func runID(req Request, fps []evidence.Fingerprint) string {
	var buf bytes.Buffer
	buf.WriteString(req.Identity)
	buf.WriteByte(0)
	if req.Window.Valid() {
		buf.WriteString(req.Window.From.UTC().Format(time.RFC3339))
		buf.WriteByte(0)
		buf.WriteString(req.Window.To.UTC().Format(time.RFC3339))
	}
	buf.WriteByte(0)
	buf.WriteString(string(req.Mode))
	buf.WriteByte(0)
	var b [8]byte
	for _, fp := range fps {
		binary.LittleEndian.PutUint64(b[:], uint64(fp))
		buf.Write(b[:])
	}
	return uuid.NewSHA1(runNamespace, buf.Bytes()).String()
}
