// Package evidence defines the canonical data model shared by every stage
// of the correlation pipeline: evidence items, typed relationships, and
// work stories. This package exists to break import cycles between the
// collectors, the tiered correlators, and the orchestrator. Types here are
// foundational data structures with no complex dependencies.
package evidence

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

// Kind classifies an evidence item by the shape of activity it records.
type Kind string

const (
	KindCommit       Kind = "commit"
	KindMergeRequest Kind = "merge_request"
	KindTicket       Kind = "ticket"
	KindComment      Kind = "comment"
	KindMessage      Kind = "message"
	KindDocument     Kind = "document"
)

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCommit, KindMergeRequest, KindTicket, KindComment, KindMessage, KindDocument:
		return true
	}
	return false
}

// IsCodeChange reports whether the kind represents a change to code.
func (k Kind) IsCodeChange() bool {
	return k == KindCommit || k == KindMergeRequest
}

// IsCommentLike reports whether the kind represents discussion rather than
// an artifact.
func (k Kind) IsCommentLike() bool {
	return k == KindComment || k == KindMessage
}

// IsTracker reports whether the kind originates from an issue tracker.
func (k Kind) IsTracker() bool {
	return k == KindTicket
}

// ErrInvalid is the root cause of every evidence validation failure.
// Callers match it with errors.Is.
var ErrInvalid = errors.New("invalid evidence")

// Fingerprint is the stable 64-bit identity hash of an evidence item,
// computed over (source, kind, id). It is the deduplication key at ingest
// and the content-address for cached embeddings, so its derivation must
// not change between releases.
type Fingerprint uint64

// String renders the fingerprint as fixed-width hex, the form used in
// cache keys and story ids.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// Evidence is the atomic record of one engineering activity: a commit, a
// ticket, a review comment, a chat message, a design document. Items are
// immutable once created; replacement is by a new id.
type Evidence struct {
	ID        string               `json:"id"`
	Source    string               `json:"source"`
	Kind      Kind                 `json:"kind"`
	Author    string               `json:"author,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	Title     string               `json:"title"`
	Body      string               `json:"body,omitempty"`
	URL       string               `json:"url,omitempty"`
	Attrs     map[string]AttrValue `json:"attrs,omitempty"`
}

// Fingerprint returns the stable identity hash over (source, kind, id).
// FNV-1a with a zero separator between fields keeps the hash stable and
// cheap; collisions across a member's evidence set are negligible at the
// target scale.
func (e *Evidence) Fingerprint() Fingerprint {
	h := fnv.New64a()
	h.Write([]byte(e.Source))
	h.Write([]byte{0})
	h.Write([]byte(string(e.Kind)))
	h.Write([]byte{0})
	h.Write([]byte(e.ID))
	return Fingerprint(h.Sum64())
}

// Validate checks the invariants every pipeline stage relies on. All
// failures wrap ErrInvalid.
func (e *Evidence) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: item %q has no source", ErrInvalid, e.ID)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: item %q has unknown kind %q", ErrInvalid, e.ID, e.Kind)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: item %q has no timestamp", ErrInvalid, e.ID)
	}
	if e.Title == "" && e.Body == "" {
		return fmt.Errorf("%w: item %q has neither title nor body", ErrInvalid, e.ID)
	}
	return nil
}

// CanonicalizeTimestamp normalizes the timestamp to UTC so items from
// different sources are comparable. Collectors call this before handing
// items to the registry.
func (e *Evidence) CanonicalizeTimestamp() {
	e.Timestamp = e.Timestamp.UTC()
}

// TruncateBody caps the body at limit runes. Applied before any
// cost-bearing operation so provider spend is bounded by configuration,
// not by source verbosity.
func (e *Evidence) TruncateBody(limit int) {
	if limit <= 0 {
		return
	}
	runes := []rune(e.Body)
	if len(runes) > limit {
		e.Body = string(runes[:limit])
	}
}

// EmbeddingText is the canonical text embedded for similarity scoring.
// Title and body are joined with a newline; the body must already be
// truncated.
func (e *Evidence) EmbeddingText() string {
	if e.Body == "" {
		return e.Title
	}
	return e.Title + "\n" + e.Body
}

// timestampLayouts are the accepted wire formats, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a source timestamp string and normalizes it to
// UTC. Returns an error wrapping ErrInvalid when no layout matches.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrInvalid, s)
}

// Window is a half-open time range [From, To) used to scope collection
// and correlation requests.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Valid reports whether the window is non-empty and ordered.
func (w Window) Valid() bool {
	return !w.From.IsZero() && !w.To.IsZero() && w.From.Before(w.To)
}
