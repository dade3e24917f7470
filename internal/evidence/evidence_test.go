package evidence

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func sampleEvidence() *Evidence {
	return &Evidence{
		ID:        "abc123",
		Source:    "github",
		Kind:      KindCommit,
		Author:    "alice",
		Timestamp: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
		Title:     "Fix login crash (AUTH-123)",
		Body:      "Handles empty password on the login path.",
	}
}

func TestFingerprintStableAndDistinct(t *testing.T) {
	e := sampleEvidence()
	fp1 := e.Fingerprint()
	fp2 := e.Fingerprint()
	if fp1 != fp2 {
		t.Fatalf("fingerprint not stable: %v vs %v", fp1, fp2)
	}

	other := sampleEvidence()
	other.ID = "abc124"
	if other.Fingerprint() == fp1 {
		t.Error("different ids produced the same fingerprint")
	}

	// Same id under a different kind must not collide either.
	ticket := sampleEvidence()
	ticket.Kind = KindTicket
	if ticket.Fingerprint() == fp1 {
		t.Error("different kinds produced the same fingerprint")
	}
}

func TestFingerprintSeparatorMatters(t *testing.T) {
	a := &Evidence{ID: "b", Source: "a", Kind: KindCommit, Timestamp: time.Now(), Title: "x"}
	b := &Evidence{ID: "", Source: "ab", Kind: KindCommit, Timestamp: time.Now(), Title: "x"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("field boundary not separated in hash input")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Evidence)
		wantOK bool
	}{
		{"valid", func(e *Evidence) {}, true},
		{"missing id", func(e *Evidence) { e.ID = "" }, false},
		{"missing source", func(e *Evidence) { e.Source = "" }, false},
		{"unknown kind", func(e *Evidence) { e.Kind = "tweet" }, false},
		{"zero timestamp", func(e *Evidence) { e.Timestamp = time.Time{} }, false},
		{"no text at all", func(e *Evidence) { e.Title = ""; e.Body = "" }, false},
		{"body only", func(e *Evidence) { e.Title = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := sampleEvidence()
			tt.mutate(e)
			err := e.Validate()
			if tt.wantOK && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.wantOK {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("error %v does not wrap ErrInvalid", err)
				}
			}
		})
	}
}

func TestTruncateBodyRuneSafe(t *testing.T) {
	e := sampleEvidence()
	e.Body = strings.Repeat("é", 100)
	e.TruncateBody(10)
	if got := len([]rune(e.Body)); got != 10 {
		t.Errorf("truncated to %d runes, want 10", got)
	}

	e.Body = "short"
	e.TruncateBody(100)
	if e.Body != "short" {
		t.Errorf("short body modified: %q", e.Body)
	}

	e.Body = "untouched"
	e.TruncateBody(0)
	if e.Body != "untouched" {
		t.Errorf("zero limit should disable truncation, got %q", e.Body)
	}
}

func TestParseTimestampNormalizesUTC(t *testing.T) {
	got, err := ParseTimestamp("2025-03-10T12:00:00+02:00")
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	want := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("got %v, want %v in UTC", got, want)
	}

	if _, err := ParseTimestamp("next tuesday"); !errors.Is(err, ErrInvalid) {
		t.Errorf("unparseable timestamp should wrap ErrInvalid, got %v", err)
	}
}

func TestOrderPair(t *testing.T) {
	a, b := OrderPair(Fingerprint(9), Fingerprint(3))
	if a != 3 || b != 9 {
		t.Errorf("OrderPair(9,3) = (%v,%v), want (3,9)", a, b)
	}
	a, b = OrderPair(Fingerprint(3), Fingerprint(9))
	if a != 3 || b != 9 {
		t.Errorf("OrderPair(3,9) = (%v,%v), want (3,9)", a, b)
	}
}

func TestArenaDeduplicationPicksLater(t *testing.T) {
	early := sampleEvidence()
	late := sampleEvidence()
	late.Timestamp = early.Timestamp.Add(time.Hour)
	late.Body = "updated body"
	other := sampleEvidence()
	other.ID = "zzz"

	arena := NewArena([]*Evidence{early, late, other})
	if arena.Len() != 2 {
		t.Fatalf("arena has %d items, want 2", arena.Len())
	}
	got := arena.Get(early.Fingerprint())
	if got == nil || got.Body != "updated body" {
		t.Errorf("dedup kept the earlier item: %+v", got)
	}
}

func TestArenaSpan(t *testing.T) {
	a := sampleEvidence()
	b := sampleEvidence()
	b.ID = "later"
	b.Timestamp = a.Timestamp.Add(48 * time.Hour)

	arena := NewArena([]*Evidence{a, b})
	min, max := arena.Span([]Fingerprint{a.Fingerprint(), b.Fingerprint()})
	if !min.Equal(a.Timestamp) || !max.Equal(b.Timestamp) {
		t.Errorf("span = [%v, %v], want [%v, %v]", min, max, a.Timestamp, b.Timestamp)
	}
}

func TestStoryIDOrderIndependent(t *testing.T) {
	members := []Fingerprint{111, 222, 333}
	shuffled := []Fingerprint{333, 111, 222}
	if StoryID(members) != StoryID(shuffled) {
		t.Error("story id depends on member order")
	}
	if StoryID(members) == StoryID([]Fingerprint{111, 222}) {
		t.Error("different member sets share a story id")
	}
}

func TestEmbeddingText(t *testing.T) {
	e := sampleEvidence()
	want := e.Title + "\n" + e.Body
	if got := e.EmbeddingText(); got != want {
		t.Errorf("EmbeddingText() = %q, want %q", got, want)
	}
	e.Body = ""
	if got := e.EmbeddingText(); got != e.Title {
		t.Errorf("EmbeddingText() with empty body = %q, want title only", got)
	}
}

func TestWindowContains(t *testing.T) {
	w := Window{
		From: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	if !w.Contains(w.From) {
		t.Error("window should include its lower bound")
	}
	if w.Contains(w.To) {
		t.Error("window should exclude its upper bound")
	}
	if !w.Valid() {
		t.Error("ordered non-empty window reported invalid")
	}
	if (Window{From: w.To, To: w.From}).Valid() {
		t.Error("reversed window reported valid")
	}
}
