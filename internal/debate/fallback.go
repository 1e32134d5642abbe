package debate

import (
	"context"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// ChatWithFallback sends one chat through the lead supervisor, then the
// configured fallback chain, then any remaining registered supervisor in
// sorted order. Returns the reply and the name of the supervisor that
// answered, or nil when every attempt failed.
func (o *Orchestrator) ChatWithFallback(ctx context.Context, messages []models.Message) (*FallbackResult, error) {
	tried := make(map[string]bool)

	order := make([]string, 0, 4)
	if o.config.Lead != "" {
		order = append(order, o.config.Lead)
	}
	order = append(order, o.config.FallbackChain...)
	order = append(order, o.Supervisors()...)

	var lastErr error
	for _, name := range order {
		if tried[name] {
			continue
		}
		tried[name] = true

		o.mu.RLock()
		sup, ok := o.supervisors[name]
		o.mu.RUnlock()
		if !ok {
			continue
		}
		if !sup.Available(ctx) {
			continue
		}

		text, err := o.callSupervisor(ctx, sup, messages)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return &FallbackResult{Supervisor: name, Text: text}, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// FallbackResult names the supervisor that produced a fallback reply.
type FallbackResult struct {
	Supervisor string `json:"supervisor"`
	Text       string `json:"text"`
}
