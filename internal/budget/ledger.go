// Package budget implements the monthly spend ledger: the single source
// of truth for AI spend, with reserve/commit/release semantics and the
// degradation ladder the orchestrator consults before every paid call.
package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDenied is returned when a projection or reservation would push
// committed plus outstanding spend over the monthly cap.
var ErrDenied = errors.New("budget denied")

// ErrInvariant is returned when ledger state goes somewhere it never
// legally can (negative counters, unknown handles double-released).
// Callers treat it as a bug, not a condition to retry.
var ErrInvariant = errors.New("ledger invariant violation")

// Level is a rung on the degradation ladder.
type Level int

const (
	LevelNormal    Level = iota // all tiers available
	LevelWarn                   // >=75% used: prefer cache-only embeddings
	LevelNoLLM                  // >=90% used: LLM tier disabled
	LevelExhausted              // >=100% used (or zero cap): rule-based only
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarn:
		return "warn"
	case LevelNoLLM:
		return "no_llm"
	case LevelExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Counters tracks usage volume alongside spend.
type Counters struct {
	EmbedTokens   int64 `json:"embed_tokens"`
	EmbedRequests int64 `json:"embed_requests"`
	LLMTokens     int64 `json:"llm_tokens"`
	LLMRequests   int64 `json:"llm_requests"`
}

// Usage is the per-call volume recorded at commit time.
type Usage struct {
	EmbedTokens   int64
	EmbedRequests int64
	LLMTokens     int64
	LLMRequests   int64
}

// monthRecord is the persisted shape, one JSON document per month.
type monthRecord struct {
	Month         string   `json:"month"`
	SpentMicro    Micro    `json:"spent_micro"`
	ReservedMicro Micro    `json:"reserved_micro"`
	CapMicro      Micro    `json:"cap_micro"`
	Counters      Counters `json:"counters"`
}

// Snapshot is a point-in-time copy of ledger state.
type Snapshot struct {
	Month         string   `json:"month"`
	SpentMicro    Micro    `json:"spent_micro"`
	ReservedMicro Micro    `json:"reserved_micro"`
	CapMicro      Micro    `json:"cap_micro"`
	Counters      Counters `json:"counters"`
	Level         Level    `json:"-"`
	LevelName     string   `json:"level"`
}

// Handle identifies an outstanding reservation.
type Handle = uuid.UUID

// Config tunes the ledger.
type Config struct {
	CapMicro Micro
	// Ladder thresholds as fractions of the cap.
	WarnFraction    float64
	LLMCutFraction  float64
	HardCutFraction float64
	// Dir persists one JSON document per month; empty keeps the ledger
	// in memory only.
	Dir string
}

// Ledger is the process-wide spend accounting for the active month. All
// operations hold one mutex and do O(1) work inside it; reservations are
// short-lived so contention stays negligible.
type Ledger struct {
	mu           sync.Mutex
	rec          monthRecord
	reservations map[Handle]Micro
	cfg          Config
	log          *zap.Logger
	now          func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects the time source, for tests and rollover control.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger opens the ledger for the current UTC month, loading persisted
// state from cfg.Dir when present. Reservations are process-local and are
// never restored: a crashed process's reservations are implicitly
// released.
func NewLedger(cfg Config, log *zap.Logger, opts ...Option) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		reservations: make(map[Handle]Micro),
		cfg:          cfg,
		log:          log,
		now:          time.Now,
	}
	if l.cfg.WarnFraction <= 0 {
		l.cfg.WarnFraction = 0.75
	}
	if l.cfg.LLMCutFraction <= 0 {
		l.cfg.LLMCutFraction = 0.90
	}
	if l.cfg.HardCutFraction <= 0 {
		l.cfg.HardCutFraction = 1.00
	}
	for _, opt := range opts {
		opt(l)
	}

	month := monthKey(l.now())
	l.rec = monthRecord{Month: month, CapMicro: cfg.CapMicro}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
		if err := l.loadLocked(month); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func monthKey(t time.Time) string {
	return t.UTC().Format("200601")
}

func (l *Ledger) path(month string) string {
	return filepath.Join(l.cfg.Dir, "ledger-"+month+".json")
}

func (l *Ledger) loadLocked(month string) error {
	data, err := os.ReadFile(l.path(month))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	var rec monthRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("parse ledger %s: %w", l.path(month), err)
	}
	if rec.SpentMicro < 0 {
		return fmt.Errorf("%w: persisted spend is negative", ErrInvariant)
	}
	rec.Month = month
	rec.CapMicro = l.cfg.CapMicro
	// Reservations do not survive a restart.
	rec.ReservedMicro = 0
	l.rec = rec
	return nil
}

func (l *Ledger) saveLocked() {
	if l.cfg.Dir == "" {
		return
	}
	data, err := json.MarshalIndent(l.rec, "", "  ")
	if err != nil {
		l.log.Error("ledger marshal failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(l.path(l.rec.Month), data, 0644); err != nil {
		l.log.Error("ledger write failed", zap.Error(err), zap.String("path", l.path(l.rec.Month)))
	}
}

// rolloverLocked archives the old record and opens a fresh one when the
// UTC month has changed since the last operation. Outstanding
// reservations carry into the new month so their commit or release still
// balances.
func (l *Ledger) rolloverLocked() {
	month := monthKey(l.now())
	if month == l.rec.Month {
		return
	}
	l.saveLocked()
	l.log.Info("ledger month rollover",
		zap.String("from", l.rec.Month),
		zap.String("to", month),
		zap.Float64("spent_usd", l.rec.SpentMicro.USD()))
	l.rec = monthRecord{
		Month:         month,
		CapMicro:      l.cfg.CapMicro,
		ReservedMicro: l.rec.ReservedMicro,
	}
	l.saveLocked()
}

func (l *Ledger) levelLocked() Level {
	capMicro := l.rec.CapMicro
	if capMicro <= 0 {
		return LevelExhausted
	}
	used := float64(l.rec.SpentMicro + l.rec.ReservedMicro)
	frac := used / float64(capMicro)
	switch {
	case frac >= l.cfg.HardCutFraction:
		return LevelExhausted
	case frac >= l.cfg.LLMCutFraction:
		return LevelNoLLM
	case frac >= l.cfg.WarnFraction:
		return LevelWarn
	}
	return LevelNormal
}

// Project answers whether a cost could be reserved right now without
// reserving it. The orchestrator must not start a paid tier when Project
// denies its projected cost.
func (l *Ledger) Project(cost Micro) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	if cost < 0 {
		return fmt.Errorf("%w: negative projection", ErrInvariant)
	}
	if l.rec.SpentMicro+l.rec.ReservedMicro+cost > l.rec.CapMicro {
		return fmt.Errorf("%w: projected %s exceeds remaining budget", ErrDenied, cost)
	}
	return nil
}

// Reserve atomically sets aside cost against the cap. The caller must
// pair every successful Reserve with exactly one Commit or Release.
func (l *Ledger) Reserve(cost Micro) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	if cost < 0 {
		return Handle{}, fmt.Errorf("%w: negative reservation", ErrInvariant)
	}
	if l.rec.SpentMicro+l.rec.ReservedMicro+cost > l.rec.CapMicro {
		return Handle{}, fmt.Errorf("%w: reserve %s over cap", ErrDenied, cost)
	}
	h := uuid.New()
	l.reservations[h] = cost
	l.rec.ReservedMicro += cost
	return h, nil
}

// Commit converts a reservation into actual spend and records usage
// volume. Actual spend above the reserved amount is still recorded; the
// ledger reports reality, the reservation only gated admission.
func (l *Ledger) Commit(h Handle, actual Micro, usage Usage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	reserved, ok := l.reservations[h]
	if !ok {
		return fmt.Errorf("%w: commit of unknown reservation %s", ErrInvariant, h)
	}
	if actual < 0 {
		return fmt.Errorf("%w: negative commit", ErrInvariant)
	}
	delete(l.reservations, h)
	l.rec.ReservedMicro -= reserved
	if l.rec.ReservedMicro < 0 {
		return fmt.Errorf("%w: reserved went negative", ErrInvariant)
	}
	l.rec.SpentMicro += actual
	if actual > reserved {
		l.log.Warn("commit exceeded reservation",
			zap.Float64("reserved_usd", reserved.USD()),
			zap.Float64("actual_usd", actual.USD()),
			zap.Float64("overshoot_usd", (actual-reserved).USD()))
	}
	l.rec.Counters.EmbedTokens += usage.EmbedTokens
	l.rec.Counters.EmbedRequests += usage.EmbedRequests
	l.rec.Counters.LLMTokens += usage.LLMTokens
	l.rec.Counters.LLMRequests += usage.LLMRequests
	l.saveLocked()
	return nil
}

// Release abandons a reservation without spending.
func (l *Ledger) Release(h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	reserved, ok := l.reservations[h]
	if !ok {
		return fmt.Errorf("%w: release of unknown reservation %s", ErrInvariant, h)
	}
	delete(l.reservations, h)
	l.rec.ReservedMicro -= reserved
	if l.rec.ReservedMicro < 0 {
		return fmt.Errorf("%w: reserved went negative", ErrInvariant)
	}
	l.saveLocked()
	return nil
}

// Snapshot returns a copy of the active month's state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	lvl := l.levelLocked()
	return Snapshot{
		Month:         l.rec.Month,
		SpentMicro:    l.rec.SpentMicro,
		ReservedMicro: l.rec.ReservedMicro,
		CapMicro:      l.rec.CapMicro,
		Counters:      l.rec.Counters,
		Level:         lvl,
		LevelName:     lvl.String(),
	}
}

// Level reports the current rung of the degradation ladder.
func (l *Ledger) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()
	return l.levelLocked()
}

// Outstanding reports the number of live reservations, for tests and the
// run report's leak check.
func (l *Ledger) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reservations)
}
