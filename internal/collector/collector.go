// Package collector defines the adapter protocol evidence sources plug
// in through, and the registry that fans collection out across them.
// Adapters are registered at startup; one failing source never aborts a
// run, it surfaces as a partial-collection warning on the result.
package collector

import (
	"context"
	"fmt"
	"time"

	"corr/internal/evidence"
)

// FailureKind classifies why an adapter could not deliver.
type FailureKind string

const (
	FailAuth           FailureKind = "auth"
	FailRateLimited    FailureKind = "rate_limited"
	FailUnavailable    FailureKind = "unavailable"
	FailInvalidRequest FailureKind = "invalid_request"
	FailTimeout        FailureKind = "timeout"
)

// Error is the typed failure an adapter returns from Collect or Health.
type Error struct {
	Source     string
	Kind       FailureKind
	Detail     string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("collector %s: %s: %s (retry after %s)", e.Source, e.Kind, e.Detail, e.RetryAfter)
	}
	return fmt.Sprintf("collector %s: %s: %s", e.Source, e.Kind, e.Detail)
}

// NewError constructs a typed adapter failure.
func NewError(source string, kind FailureKind, detail string) *Error {
	return &Error{Source: source, Kind: kind, Detail: detail}
}

// Capabilities declares what an adapter can produce.
type Capabilities struct {
	Kinds              []evidence.Kind
	SupportsUserWindow bool
}

// Request scopes one collection call.
type Request struct {
	Identity string
	Window   evidence.Window
	// Sources restricts collection to the named adapters; empty means
	// every registered adapter.
	Sources []string
}

// Health is an adapter liveness report.
type Health struct {
	OK     bool
	Detail string
}

// Collector is the protocol each source adapter implements. Collect
// pushes items through emit; the stream is finite and non-restartable
// within one call. Emit returns an error when the consumer has stopped,
// at which point the adapter must return promptly.
type Collector interface {
	Name() string
	Capabilities() Capabilities
	Collect(ctx context.Context, req Request, emit func(*evidence.Evidence) error) error
	Health(ctx context.Context) Health
}
