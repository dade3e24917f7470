// Package llm renders the final verdict on pairs the cheaper tiers could
// not settle. Each judgment is one structured completion over two compact
// evidence cards; calls are rate limited, reserved against the budget
// ledger, retried once on transient failure, and re-asked once when the
// reply is not valid JSON.
package llm

import (
	"context"
	"errors"
)

// ErrTransient marks failures worth one retry: rate limits, 5xx, transport
// errors. ErrFatal marks failures that will not improve on retry.
var (
	ErrTransient = errors.New("transient llm failure")
	ErrFatal     = errors.New("llm request rejected")
)

// Usage is the provider-reported token volume of one completion.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// CompletionRequest is one structured-output prompt.
type CompletionRequest struct {
	System string
	Prompt string
	// MaxOutputTokens caps the reply size per call.
	MaxOutputTokens int
}

// Completion is a model reply plus its measured usage. Usage may be zero
// when the provider omits metadata; callers then fall back to estimates.
type Completion struct {
	Text  string
	Usage Usage
}

// Client is a minimal structured-completion client.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Model() string
}
