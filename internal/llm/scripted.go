package llm

import (
	"context"
	"sync"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// ScriptedSupervisor is an in-memory Supervisor used by tests across the
// repository. Replies are returned in order; when the script runs out the
// last reply repeats. A nil ChatErr and empty script yields an empty reply.
type ScriptedSupervisor struct {
	SupervisorName string
	ProviderTag    string
	Replies        []string
	ChatErr        error
	Unavailable    bool

	mu    sync.Mutex
	calls int
	seen  [][]models.Message
}

// NewScriptedSupervisor creates a scripted supervisor with the given
// replies.
func NewScriptedSupervisor(name, provider string, replies ...string) *ScriptedSupervisor {
	return &ScriptedSupervisor{SupervisorName: name, ProviderTag: provider, Replies: replies}
}

// Name returns the supervisor's unique name.
func (s *ScriptedSupervisor) Name() string { return s.SupervisorName }

// Provider returns the provider tag.
func (s *ScriptedSupervisor) Provider() string { return s.ProviderTag }

// Chat returns the next scripted reply or the configured error.
func (s *ScriptedSupervisor) Chat(ctx context.Context, messages []models.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &SupervisorError{Supervisor: s.SupervisorName, Retryable: true, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, messages)
	s.calls++

	if s.ChatErr != nil {
		return "", s.ChatErr
	}
	if len(s.Replies) == 0 {
		return "", nil
	}
	idx := s.calls - 1
	if idx >= len(s.Replies) {
		idx = len(s.Replies) - 1
	}
	return s.Replies[idx], nil
}

// Available reports the configured availability.
func (s *ScriptedSupervisor) Available(ctx context.Context) bool {
	return !s.Unavailable
}

// Calls returns how many chat calls the supervisor has served.
func (s *ScriptedSupervisor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// LastMessages returns the message sequence of the most recent chat call.
func (s *ScriptedSupervisor) LastMessages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) == 0 {
		return nil
	}
	return s.seen[len(s.seen)-1]
}
