package llm

import (
	"strings"
	"testing"
	"time"

	"corr/internal/evidence"
)

func promptItem() *evidence.Evidence {
	return &evidence.Evidence{
		Source:    "github",
		Kind:      evidence.KindCommit,
		ID:        "9f2c1ab34",
		Author:    "alice8",
		Timestamp: time.Date(2025, 3, 10, 14, 22, 0, 0, time.UTC),
		Title:     "Fix login crash (AUTH-123)",
		Body:      "Null check on empty password before hashing.",
	}
}

func TestRenderCardFields(t *testing.T) {
	card := renderCard(promptItem(), 1200)
	for _, want := range []string{
		"source: github",
		"kind: commit",
		"id: 9f2c1ab34",
		"author: alice8",
		"timestamp: 2025-03-10T14:22:00Z",
		"title: Fix login crash (AUTH-123)",
		"Null check on empty password",
	} {
		if !strings.Contains(card, want) {
			t.Fatalf("card missing %q:\n%s", want, card)
		}
	}
}

func TestRenderCardBounded(t *testing.T) {
	e := promptItem()
	e.Body = strings.Repeat("long body ", 500)
	card := renderCard(e, 1200)
	if n := len([]rune(card)); n > 1200 {
		t.Fatalf("card length = %d runes, want <= 1200", n)
	}
}

func TestRenderCardOmitsEmptySections(t *testing.T) {
	e := promptItem()
	e.Author = ""
	e.Body = ""
	card := renderCard(e, 1200)
	if strings.Contains(card, "author:") {
		t.Fatal("card has an author line for an authorless item")
	}
	if strings.Contains(card, "body:") {
		t.Fatal("card has a body section for a bodyless item")
	}
}

func TestBuildPrompt(t *testing.T) {
	a := promptItem()
	b := promptItem()
	b.Source = "jira"
	b.Kind = evidence.KindTicket
	b.ID = "AUTH-123"
	b.Title = "Login crashes on empty password"

	prompt := buildPrompt(a, b, 1200)
	if !strings.Contains(prompt, "Record A:") || !strings.Contains(prompt, "Record B:") {
		t.Fatalf("prompt missing record sections:\n%s", prompt)
	}
	if strings.Index(prompt, "Fix login crash") > strings.Index(prompt, "Login crashes on empty password") {
		t.Fatal("record A does not precede record B")
	}
}

func TestRepairPromptCarriesContext(t *testing.T) {
	original := buildPrompt(promptItem(), promptItem(), 1200)
	repair := repairPrompt(original, "Sure! They look related.")
	if !strings.Contains(repair, "Sure! They look related.") {
		t.Fatal("repair prompt drops the previous reply")
	}
	if !strings.Contains(repair, "Record A:") {
		t.Fatal("repair prompt drops the original question")
	}
	if !strings.Contains(repair, "ONLY the JSON object") {
		t.Fatal("repair prompt drops the format reminder")
	}
}

func TestSystemPromptNamesContract(t *testing.T) {
	sys := systemPrompt(280)
	for _, want := range []string{"related", "confidence", "rationale", "280", "solves", "co_authored"} {
		if !strings.Contains(sys, want) {
			t.Fatalf("system prompt missing %q", want)
		}
	}
}
