package llm

import (
	"fmt"
	"strings"
	"time"

	"corr/internal/evidence"
)

// systemPrompt states the judgment task and the exact reply contract.
func systemPrompt(rationaleLimit int) string {
	return fmt.Sprintf(`You compare two engineering activity records and decide whether they describe connected work.

Reply with a single JSON object and nothing else:
{"related": <bool>, "type": <string>, "confidence": <number>, "rationale": <string>}

"type" must be one of: solves, references, duplicates, sequential, discusses, co_authored. Leave it empty when related is false.
"confidence" is your certainty in [0, 1].
"rationale" is one short sentence of at most %d characters.`, rationaleLimit)
}

// renderCard formats one evidence item as a compact card of at most limit
// runes. The hard bound keeps prompt size, and with it cost, configured
// rather than source-driven.
func renderCard(e *evidence.Evidence, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "source: %s\n", e.Source)
	fmt.Fprintf(&b, "kind: %s\n", e.Kind)
	fmt.Fprintf(&b, "id: %s\n", e.ID)
	if e.Author != "" {
		fmt.Fprintf(&b, "author: %s\n", e.Author)
	}
	fmt.Fprintf(&b, "timestamp: %s\n", e.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "title: %s\n", e.Title)
	if e.Body != "" {
		fmt.Fprintf(&b, "body:\n%s\n", e.Body)
	}

	card := b.String()
	if limit > 0 {
		runes := []rune(card)
		if len(runes) > limit {
			card = string(runes[:limit])
		}
	}
	return card
}

// buildPrompt renders the two cards into the user prompt.
func buildPrompt(a, b *evidence.Evidence, cardLimit int) string {
	var sb strings.Builder
	sb.WriteString("Record A:\n")
	sb.WriteString(renderCard(a, cardLimit))
	sb.WriteString("\nRecord B:\n")
	sb.WriteString(renderCard(b, cardLimit))
	sb.WriteString("\nAre these two records connected?")
	return sb.String()
}

// repairPrompt re-asks the same question after an unparseable reply.
func repairPrompt(original, badReply string) string {
	var sb strings.Builder
	sb.WriteString("Your previous reply could not be parsed as the required JSON object.\n")
	sb.WriteString("Previous reply:\n")
	sb.WriteString(badReply)
	sb.WriteString("\n\nAnswer again. Reply with ONLY the JSON object, no prose and no code fences.\n\n")
	sb.WriteString(original)
	return sb.String()
}
