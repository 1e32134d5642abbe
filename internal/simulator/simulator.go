// Package simulator replays stored debates under alternative consensus
// rules and team compositions, and synthesizes whole debates without any
// network I/O.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/consensus"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// RecordSource fetches stored debates for replay. history.Store satisfies
// it.
type RecordSource interface {
	Get(ctx context.Context, id string) (*models.DebateRecord, error)
}

// Simulator replays and synthesizes debates.
type Simulator struct {
	source RecordSource
	log    *logrus.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a simulator over the given record source.
func NewSimulator(source RecordSource, log *logrus.Logger) *Simulator {
	if log == nil {
		log = logrus.New()
	}
	return &Simulator{
		source: source,
		log:    log,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed makes subsequent randomized simulations deterministic.
func (s *Simulator) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
}

// ReplayConfig overrides aspects of a stored debate during replay. A zero
// value replays the debate as recorded.
type ReplayConfig struct {
	Mode models.ConsensusMode `json:"mode,omitempty"`
	Team []string             `json:"team,omitempty"`
}

// RoundComparison pairs one round's original votes with the replayed set.
type RoundComparison struct {
	Round         int                    `json:"round"`
	OriginalVotes models.RoundVotes      `json:"original_votes"`
	ReplayVotes   models.RoundVotes      `json:"replay_votes"`
	Outcome       consensus.RoundOutcome `json:"outcome"`
	Changed       bool                   `json:"changed"`
}

// ReplayResult is the outcome of re-running a stored debate.
type ReplayResult struct {
	DebateID        string                 `json:"debate_id"`
	Mode            models.ConsensusMode   `json:"mode"`
	Team            []string               `json:"team"`
	Rounds          []RoundComparison      `json:"rounds"`
	Outcome         consensus.RoundOutcome `json:"outcome"`
	OriginalOutcome consensus.RoundOutcome `json:"original_outcome"`
	OutcomeChanged  bool                   `json:"outcome_changed"`
	Analysis        string                 `json:"analysis"`
}

// Replay re-applies a consensus evaluator over a stored debate's per-round
// votes, stopping at the first decisive round.
func (s *Simulator) Replay(ctx context.Context, debateID string, config ReplayConfig) (*ReplayResult, error) {
	record, err := s.source.Get(ctx, debateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load debate %s: %w", debateID, err)
	}

	mode := record.Meta.ConsensusMode
	if config.Mode != "" {
		if !config.Mode.IsValid() {
			return nil, fmt.Errorf("unknown consensus mode: %s", config.Mode)
		}
		mode = config.Mode
	}

	rounds := record.RoundVotes
	if len(rounds) == 0 {
		rounds = []models.RoundVotes{votesToMap(record.Decision.Votes)}
	}

	result := &ReplayResult{
		DebateID:        debateID,
		Mode:            mode,
		Team:            config.Team,
		OriginalOutcome: outcomeOfRecord(record),
	}

	outcome := consensus.OutcomeContinue
	for i, original := range rounds {
		replayVotes := filterVotes(original, config.Team)
		outcome = consensus.EvaluateRound(mapToVotes(replayVotes), mode)
		result.Rounds = append(result.Rounds, RoundComparison{
			Round:         i + 1,
			OriginalVotes: original,
			ReplayVotes:   replayVotes,
			Outcome:       outcome,
			Changed:       !sameVoters(original, replayVotes),
		})
		if outcome != consensus.OutcomeContinue {
			break
		}
	}

	result.Outcome = outcome
	result.OutcomeChanged = outcome != result.OriginalOutcome
	result.Analysis = s.analyze(record, config, result)
	return result, nil
}

// analyze writes the short human-readable summary of a replay.
func (s *Simulator) analyze(record *models.DebateRecord, config ReplayConfig, result *ReplayResult) string {
	var lines []string

	if config.Mode != "" && config.Mode != record.Meta.ConsensusMode {
		verdict := "the outcome held"
		if result.OutcomeChanged {
			verdict = "the outcome changed"
		}
		lines = append(lines, fmt.Sprintf("Consensus mode %s (originally %s): %s.",
			config.Mode, record.Meta.ConsensusMode, verdict))
	}

	if len(config.Team) > 0 {
		removed := len(record.Meta.Supervisors) - len(config.Team)
		if removed > 0 {
			lines = append(lines, fmt.Sprintf("Team reduced by %d supervisor(s) from the original %d.",
				removed, len(record.Meta.Supervisors)))
		}
	}

	switch result.Outcome {
	case consensus.OutcomeDeadlock:
		lines = append(lines, "Replay deadlocked. A tie-breaking mode such as hybrid-ceo-majority would force a verdict.")
	case consensus.OutcomeContinue:
		lines = append(lines, "No round was decisive. More rounds or a less strict mode would be needed.")
	default:
		if result.OutcomeChanged {
			lines = append(lines, fmt.Sprintf("Replay reached %s where the original debate was %s.",
				result.Outcome, result.OriginalOutcome))
		} else {
			lines = append(lines, fmt.Sprintf("Replay confirmed the original %s outcome.", result.Outcome))
		}
	}
	return strings.Join(lines, " ")
}

// SimulationConfig drives a synthetic debate.
type SimulationConfig struct {
	Topic         string                 `json:"topic"`
	Context       string                 `json:"context,omitempty"`
	Mode          models.ConsensusMode   `json:"mode"`
	Team          []string               `json:"team"`
	MaxRounds     int                    `json:"max_rounds"`
	MockResponses map[string]models.Vote `json:"mock_responses,omitempty"`
	Randomize     bool                   `json:"randomize"`
	BiasToward    string                 `json:"bias_toward,omitempty"` // approve or reject
}

// SimulatedRound is one synthesized round with its outcome.
type SimulatedRound struct {
	Round   int                    `json:"round"`
	Votes   models.RoundVotes      `json:"votes"`
	Outcome consensus.RoundOutcome `json:"outcome"`
}

// SimulationResult is a complete synthetic debate.
type SimulationResult struct {
	ID             string                 `json:"id"`
	Topic          string                 `json:"topic"`
	Mode           models.ConsensusMode   `json:"mode"`
	Rounds         []SimulatedRound       `json:"rounds"`
	Outcome        consensus.RoundOutcome `json:"outcome"`
	RoundsRun      int                    `json:"rounds_run"`
	TotalTokens    int                    `json:"total_tokens"`
	TotalLatencyMs int64                  `json:"total_latency_ms"`
}

// Simulate synthesizes a debate with sampled or mocked votes, stopping at
// the first decisive round.
func (s *Simulator) Simulate(config SimulationConfig) (*SimulationResult, error) {
	if len(config.Team) == 0 {
		return nil, fmt.Errorf("simulation requires a non-empty team")
	}
	mode := config.Mode
	if mode == "" {
		mode = models.ConsensusSimpleMajority
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("unknown consensus mode: %s", mode)
	}
	maxRounds := config.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 3
	}

	result := &SimulationResult{
		ID:    models.NewSimulationID(),
		Topic: config.Topic,
		Mode:  mode,
	}

	outcome := consensus.OutcomeContinue
	for round := 1; round <= maxRounds; round++ {
		votes := make(models.RoundVotes, len(config.Team))
		for _, name := range config.Team {
			vote := s.sampleVote(name, config)
			votes[name] = vote
			result.TotalTokens += s.sampleInt(200, 700)
			result.TotalLatencyMs += vote.ResponseTime.Milliseconds()
		}
		outcome = consensus.EvaluateRound(mapToVotes(votes), mode)
		result.Rounds = append(result.Rounds, SimulatedRound{Round: round, Votes: votes, Outcome: outcome})
		result.RoundsRun = round
		if outcome != consensus.OutcomeContinue {
			break
		}
	}

	result.Outcome = outcome
	return result, nil
}

func (s *Simulator) sampleVote(name string, config SimulationConfig) models.Vote {
	if mock, ok := config.MockResponses[name]; ok {
		mock.Supervisor = name
		if mock.Weight == 0 {
			mock.Weight = 1
		}
		return mock
	}

	approved := true
	if config.Randomize {
		p := 0.5
		switch config.BiasToward {
		case "approve":
			p = 0.6
		case "reject":
			p = 0.4
		}
		approved = s.sampleFloat() < p
	}

	return models.Vote{
		Supervisor:   name,
		Approved:     approved,
		Confidence:   0.6 + s.sampleFloat()*0.4,
		Weight:       1,
		Comment:      "simulated vote",
		ResponseTime: time.Duration(s.sampleInt(500, 2500)) * time.Millisecond,
	}
}

func (s *Simulator) sampleFloat() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) sampleInt(min, max int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return min + s.rng.Intn(max-min+1)
}

func votesToMap(votes []models.Vote) models.RoundVotes {
	m := make(models.RoundVotes, len(votes))
	for _, v := range votes {
		m[v.Supervisor] = v
	}
	return m
}

func mapToVotes(m models.RoundVotes) []models.Vote {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	votes := make([]models.Vote, 0, len(m))
	for _, name := range names {
		votes = append(votes, m[name])
	}
	return votes
}

func filterVotes(m models.RoundVotes, team []string) models.RoundVotes {
	if len(team) == 0 {
		return m
	}
	keep := make(map[string]bool, len(team))
	for _, name := range team {
		keep[name] = true
	}
	filtered := make(models.RoundVotes)
	for name, vote := range m {
		if keep[name] {
			filtered[name] = vote
		}
	}
	return filtered
}

func sameVoters(a, b models.RoundVotes) bool {
	if len(a) != len(b) {
		return false
	}
	for name := range a {
		if _, ok := b[name]; !ok {
			return false
		}
	}
	return true
}

func outcomeOfRecord(record *models.DebateRecord) consensus.RoundOutcome {
	if record.Decision.Approved {
		return consensus.OutcomeApproved
	}
	return consensus.OutcomeRejected
}
