package simulator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/consensus"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// Scenario is a named replay variation.
type Scenario struct {
	Name   string       `json:"name"`
	Config ReplayConfig `json:"config"`
}

// WhatIfResult pairs a scenario with its replay outcome.
type WhatIfResult struct {
	Scenario string        `json:"scenario"`
	Result   *ReplayResult `json:"result"`
}

// WhatIf replays a stored debate under each scenario in sequence.
func (s *Simulator) WhatIf(ctx context.Context, debateID string, scenarios []Scenario) ([]WhatIfResult, error) {
	results := make([]WhatIfResult, 0, len(scenarios))
	for _, scenario := range scenarios {
		replay, err := s.Replay(ctx, debateID, scenario.Config)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: %w", scenario.Name, err)
		}
		results = append(results, WhatIfResult{Scenario: scenario.Name, Result: replay})
	}
	return results, nil
}

// ModeOutcome is how one consensus mode resolved a replayed debate.
type ModeOutcome struct {
	Outcome      consensus.RoundOutcome `json:"outcome"`
	RoundsNeeded int                    `json:"rounds_needed"`
}

// CompareConsensusModes replays a stored debate under every supported
// consensus mode. Replays are independent, so they run in parallel.
func (s *Simulator) CompareConsensusModes(ctx context.Context, debateID string) (map[models.ConsensusMode]ModeOutcome, error) {
	var mu sync.Mutex
	results := make(map[models.ConsensusMode]ModeOutcome, len(models.AllConsensusModes))

	g, ctx := errgroup.WithContext(ctx)
	for _, mode := range models.AllConsensusModes {
		mode := mode
		g.Go(func() error {
			replay, err := s.Replay(ctx, debateID, ReplayConfig{Mode: mode})
			if err != nil {
				return err
			}
			mu.Lock()
			results[mode] = ModeOutcome{Outcome: replay.Outcome, RoundsNeeded: len(replay.Rounds)}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// maxTeamCombinations caps the subset search so a pathological team size
// cannot hang the caller.
const maxTeamCombinations = 65536

// FindOptimalTeam enumerates subsets of the original team of at least
// minSize and returns the first one whose replay reaches the target
// outcome, or nil when no subset does.
func (s *Simulator) FindOptimalTeam(ctx context.Context, debateID string, target consensus.RoundOutcome, minSize int) ([]string, error) {
	record, err := s.source.Get(ctx, debateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load debate %s: %w", debateID, err)
	}

	team := record.Meta.Supervisors
	if minSize <= 0 {
		minSize = 1
	}
	total := 1 << len(team)
	if total > maxTeamCombinations {
		return nil, fmt.Errorf("team of %d exceeds the combination limit", len(team))
	}

	for mask := 1; mask < total; mask++ {
		subset := make([]string, 0, len(team))
		for i, name := range team {
			if mask&(1<<i) != 0 {
				subset = append(subset, name)
			}
		}
		if len(subset) < minSize {
			continue
		}
		replay, err := s.Replay(ctx, debateID, ReplayConfig{Team: subset})
		if err != nil {
			return nil, err
		}
		if replay.Outcome == target {
			return subset, nil
		}
	}
	return nil, nil
}
