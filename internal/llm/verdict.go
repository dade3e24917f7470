package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"corr/internal/evidence"
)

// Verdict is the model's answer about one pair. A verdict with Related
// false is negative evidence and is kept, not discarded; the scorer dampens
// other methods with it.
type Verdict struct {
	Related    bool                  `json:"related"`
	Type       evidence.RelationType `json:"type"`
	Confidence float64               `json:"confidence"`
	Rationale  string                `json:"rationale"`
}

// ParseVerdict validates a model reply against the verdict contract.
// Confidence is clamped into [0, 1] and the rationale truncated to
// rationaleLimit runes; structural problems are errors so the caller can
// issue the one repair re-ask.
func ParseVerdict(text string, rationaleLimit int) (*Verdict, error) {
	cleaned := stripFences(text)
	if cleaned == "" {
		return nil, fmt.Errorf("empty verdict")
	}

	var v Verdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return nil, fmt.Errorf("verdict is not valid JSON: %w", err)
	}

	if v.Related {
		if !v.Type.Valid() {
			return nil, fmt.Errorf("verdict has unknown relation type %q", v.Type)
		}
	} else {
		v.Type = ""
	}

	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}

	if rationaleLimit > 0 {
		runes := []rune(v.Rationale)
		if len(runes) > rationaleLimit {
			v.Rationale = string(runes[:rationaleLimit])
		}
	}
	return &v, nil
}

// stripFences unwraps a markdown code fence if the model added one despite
// the JSON response mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
