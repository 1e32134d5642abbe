// Package llm defines the Supervisor capability the deliberation engine
// consumes and thin provider adapters implementing it. The engine never
// interprets provider-specific failures; adapters collapse them into
// SupervisorError with retryability and rate-limit bits.
package llm

import (
	"context"
	"fmt"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// Supervisor is an external LLM reviewer with a chat capability and an
// availability probe.
type Supervisor interface {
	// Name returns the supervisor's unique name.
	Name() string
	// Provider returns the provider tag used for quota accounting.
	Provider() string
	// Chat sends the message sequence and returns the reply text.
	Chat(ctx context.Context, messages []models.Message) (string, error)
	// Available reports whether the supervisor can currently serve calls.
	Available(ctx context.Context) bool
}

// SupervisorError is the generic failure signal surfaced by chat calls.
type SupervisorError struct {
	Supervisor  string
	Retryable   bool
	RateLimited bool
	Err         error
}

// Error implements the error interface.
func (e *SupervisorError) Error() string {
	return fmt.Sprintf("supervisor %s: %v", e.Supervisor, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SupervisorError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a rate-limited supervisor failure.
func IsRateLimited(err error) bool {
	if se, ok := err.(*SupervisorError); ok {
		return se.RateLimited
	}
	return false
}
