// Package insight derives presentation-ready analysis from a work story:
// a phased timeline, the technologies touched, collaboration indicators,
// and pattern flags. Everything here is a pure function of the story, its
// evidence items, and the relationships that formed it, so enrichment can
// rerun on stored data and reproduce identical output.
package insight

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"corr/internal/evidence"
)

// Flag marks a recognized activity pattern on a story.
type Flag string

const (
	// FlagBugFixCluster fires when at least three items tied by solves
	// relationships land inside one week.
	FlagBugFixCluster Flag = "bug_fix_cluster"
	// FlagReviewHeavy fires when discussion outnumbers code changes two
	// to one.
	FlagReviewHeavy Flag = "review_heavy"
	// FlagSpecLed fires when a document precedes the first code change
	// by at least a day.
	FlagSpecLed Flag = "spec_led"
)

// Event is one timeline entry.
type Event struct {
	Fingerprint evidence.Fingerprint `json:"fingerprint"`
	Timestamp   time.Time            `json:"timestamp"`
	Kind        evidence.Kind        `json:"kind"`
	Source      string               `json:"source"`
	Title       string               `json:"title,omitempty"`
	// SincePrev is the gap to the previous event, zero for the first.
	SincePrev time.Duration `json:"since_prev,omitempty"`
	// PhaseStart marks the event that opens a phase.
	PhaseStart bool `json:"phase_start,omitempty"`
}

// Phase is a stretch of the timeline without a long quiet gap.
type Phase struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Events int       `json:"events"`
}

// Technology is one detected technology with its mention count.
type Technology struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Collaboration summarizes who worked together and how.
type Collaboration struct {
	Authors     int `json:"authors"`
	CrossSource int `json:"cross_source"`
	CommentLike int `json:"comment_like"`
}

// Insights is the full enrichment for one story.
type Insights struct {
	StoryID       string        `json:"story_id"`
	Timeline      []Event       `json:"timeline"`
	Phases        []Phase       `json:"phases,omitempty"`
	Technologies  []Technology  `json:"technologies,omitempty"`
	Collaboration Collaboration `json:"collaboration"`
	Flags         []Flag        `json:"flags,omitempty"`
}

// Config tunes enrichment. Zero values take defaults.
type Config struct {
	// PhaseGap is the quiet stretch that opens a new phase. Default 72h.
	PhaseGap time.Duration
	// BugFixCount and BugFixWindow tune the bug-fix cluster flag: this
	// many solves-linked items inside the window. Defaults 3 and 168h.
	BugFixCount  int
	BugFixWindow time.Duration
	// ReviewFactor is the comment-to-code-change ratio that marks a
	// story review heavy. Default 2.
	ReviewFactor float64
	// SpecLead is how far a document must precede the first code change
	// for the spec-led flag. Default 24h.
	SpecLead time.Duration
}

func (c *Config) applyDefaults() {
	if c.PhaseGap <= 0 {
		c.PhaseGap = 72 * time.Hour
	}
	if c.BugFixCount <= 0 {
		c.BugFixCount = 3
	}
	if c.BugFixWindow <= 0 {
		c.BugFixWindow = 7 * 24 * time.Hour
	}
	if c.ReviewFactor <= 0 {
		c.ReviewFactor = 2
	}
	if c.SpecLead <= 0 {
		c.SpecLead = 24 * time.Hour
	}
}

// Enricher computes insights for stories.
type Enricher struct {
	cfg Config
	log *zap.Logger
}

// New returns an enricher. log may be nil.
func New(cfg Config, log *zap.Logger) *Enricher {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Enricher{cfg: cfg, log: log}
}

// EnrichAll enriches every story against the same arena and relationship
// set.
func (e *Enricher) EnrichAll(arena *evidence.Arena, stories []evidence.Story, rels []evidence.Relationship) []Insights {
	out := make([]Insights, 0, len(stories))
	for _, st := range stories {
		out = append(out, e.Enrich(arena, st, rels))
	}
	return out
}

// Enrich computes the insights for one story. Relationships whose
// endpoints are not both story members are ignored.
func (e *Enricher) Enrich(arena *evidence.Arena, st evidence.Story, rels []evidence.Relationship) Insights {
	members := make(map[evidence.Fingerprint]bool, len(st.Members))
	items := make([]*evidence.Evidence, 0, len(st.Members))
	for _, fp := range st.Members {
		members[fp] = true
		if it := arena.Get(fp); it != nil {
			items = append(items, it)
		}
	}
	scoped := make([]evidence.Relationship, 0, len(rels))
	for _, r := range rels {
		if members[r.A] && members[r.B] {
			scoped = append(scoped, r)
		}
	}

	ins := Insights{StoryID: st.ID}
	ins.Timeline, ins.Phases = e.timeline(items)
	ins.Technologies = technologies(items)
	ins.Collaboration = collaboration(arena, items, scoped)
	ins.Flags = e.flags(arena, items, scoped, ins.Collaboration)
	return ins
}

// timeline orders the items and cuts phases at quiet gaps.
func (e *Enricher) timeline(items []*evidence.Evidence) ([]Event, []Phase) {
	if len(items) == 0 {
		return nil, nil
	}
	sorted := make([]*evidence.Evidence, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].Fingerprint() < sorted[j].Fingerprint()
	})

	events := make([]Event, 0, len(sorted))
	var phases []Phase
	for i, it := range sorted {
		ev := Event{
			Fingerprint: it.Fingerprint(),
			Timestamp:   it.Timestamp,
			Kind:        it.Kind,
			Source:      it.Source,
			Title:       it.Title,
		}
		if i == 0 {
			ev.PhaseStart = true
			phases = append(phases, Phase{Start: it.Timestamp, End: it.Timestamp, Events: 1})
		} else {
			ev.SincePrev = it.Timestamp.Sub(sorted[i-1].Timestamp)
			if ev.SincePrev > e.cfg.PhaseGap {
				ev.PhaseStart = true
				phases = append(phases, Phase{Start: it.Timestamp, End: it.Timestamp, Events: 1})
			} else {
				last := &phases[len(phases)-1]
				last.End = it.Timestamp
				last.Events++
			}
		}
		events = append(events, ev)
	}
	return events, phases
}

// collaboration counts distinct authors, links that cross sources, and
// discussion items.
func collaboration(arena *evidence.Arena, items []*evidence.Evidence, rels []evidence.Relationship) Collaboration {
	var c Collaboration
	authors := make(map[string]bool)
	for _, it := range items {
		if it.Author != "" {
			authors[it.Author] = true
		}
		if it.Kind.IsCommentLike() {
			c.CommentLike++
		}
	}
	c.Authors = len(authors)
	for _, r := range rels {
		a, b := arena.Get(r.A), arena.Get(r.B)
		if a != nil && b != nil && a.Source != b.Source {
			c.CrossSource++
		}
	}
	return c
}

// flags evaluates the pattern detectors.
func (e *Enricher) flags(arena *evidence.Arena, items []*evidence.Evidence, rels []evidence.Relationship, collab Collaboration) []Flag {
	var flags []Flag
	if e.bugFixCluster(arena, rels) {
		flags = append(flags, FlagBugFixCluster)
	}

	codeChanges := 0
	var firstCode, firstDoc time.Time
	for _, it := range items {
		if it.Kind.IsCodeChange() {
			codeChanges++
			if firstCode.IsZero() || it.Timestamp.Before(firstCode) {
				firstCode = it.Timestamp
			}
		}
		if it.Kind == evidence.KindDocument {
			if firstDoc.IsZero() || it.Timestamp.Before(firstDoc) {
				firstDoc = it.Timestamp
			}
		}
	}
	if collab.CommentLike > 0 && float64(collab.CommentLike) >= e.cfg.ReviewFactor*float64(codeChanges) {
		flags = append(flags, FlagReviewHeavy)
	}
	if !firstDoc.IsZero() && !firstCode.IsZero() && firstCode.Sub(firstDoc) >= e.cfg.SpecLead {
		flags = append(flags, FlagSpecLed)
	}
	return flags
}

// bugFixCluster reports whether enough items joined by solves
// relationships fall inside one rolling window.
func (e *Enricher) bugFixCluster(arena *evidence.Arena, rels []evidence.Relationship) bool {
	fixed := make(map[evidence.Fingerprint]bool)
	for _, r := range rels {
		if r.Type != evidence.RelSolves {
			continue
		}
		fixed[r.A] = true
		fixed[r.B] = true
	}
	if len(fixed) < e.cfg.BugFixCount {
		return false
	}
	times := make([]time.Time, 0, len(fixed))
	for fp := range fixed {
		if it := arena.Get(fp); it != nil {
			times = append(times, it.Timestamp)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := range times {
		n := 0
		for j := i; j < len(times) && times[j].Sub(times[i]) <= e.cfg.BugFixWindow; j++ {
			n++
		}
		if n >= e.cfg.BugFixCount {
			return true
		}
	}
	return false
}
