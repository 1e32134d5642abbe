package consensus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

func vote(name string, approved bool, confidence, weight float64) models.Vote {
	return models.Vote{Supervisor: name, Approved: approved, Confidence: confidence, Weight: weight}
}

func TestSimpleConsensus(t *testing.T) {
	votes := []models.Vote{
		vote("A", true, 0.9, 1),
		vote("B", true, 0.8, 1),
		vote("C", false, 0.5, 1),
	}
	assert.InDelta(t, 0.6667, SimpleConsensus(votes), 1e-4)
	assert.Zero(t, SimpleConsensus(nil))
}

func TestWeightedConsensus(t *testing.T) {
	votes := []models.Vote{
		vote("A", true, 0.9, 1),
		vote("B", true, 0.8, 1),
		vote("C", false, 0.5, 1),
	}
	// (0.9 + 0.8) / 3
	assert.InDelta(t, 0.5667, WeightedConsensus(votes), 1e-4)
	assert.Zero(t, WeightedConsensus(nil))
}

func TestEvaluate_WeightedModeScenario(t *testing.T) {
	votes := []models.Vote{
		vote("A", true, 0.9, 1),
		vote("B", true, 0.8, 1),
		vote("C", false, 0.5, 1),
	}
	result := Evaluate(votes, Config{Mode: models.ConsensusWeighted, Threshold: 0.5})
	assert.True(t, result.Approved)
}

func TestEvaluate_Unanimous(t *testing.T) {
	votes := []models.Vote{
		vote("A", true, 0.9, 1),
		vote("B", true, 0.9, 1),
		vote("C", false, 0.5, 1),
	}
	result := Evaluate(votes, Config{Mode: models.ConsensusUnanimous})
	assert.False(t, result.Approved)
	assert.Contains(t, strings.ToLower(result.Reasoning), "unanimous")
	assert.Empty(t, StrongDissent(votes))
}

func TestEvaluate_Supermajority(t *testing.T) {
	approve2of3 := []models.Vote{
		vote("A", true, 0.9, 1),
		vote("B", true, 0.9, 1),
		vote("C", false, 0.9, 1),
	}
	// ceil(3 * 0.667) = 3, so 2/3 fails.
	result := Evaluate(approve2of3, Config{Mode: models.ConsensusSupermajority})
	assert.False(t, result.Approved)

	approve3of4 := append(approve2of3, vote("D", true, 0.8, 1))
	approve3of4[2].Approved = true
	result = Evaluate(approve3of4, Config{Mode: models.ConsensusSupermajority})
	assert.True(t, result.Approved)
}

func TestEvaluate_CEOVeto(t *testing.T) {
	votes := []models.Vote{
		vote("GPT-4", true, 0.9, 1.0),
		vote("Claude", false, 0.95, 1.5),
		vote("Gemini", true, 0.8, 1.0),
	}
	result := Evaluate(votes, Config{Mode: models.ConsensusCEOVeto, Lead: "Claude"})
	require.False(t, result.Approved)
	assert.True(t, strings.HasPrefix(result.Reasoning, "CEO Veto:"))
}

func TestEvaluate_CEOVetoWithoutHighConfidenceLead(t *testing.T) {
	votes := []models.Vote{
		vote("GPT-4", true, 0.9, 1),
		vote("Claude", false, 0.5, 1),
		vote("Gemini", true, 0.8, 1),
	}
	result := Evaluate(votes, Config{Mode: models.ConsensusCEOVeto, Lead: "Claude"})
	assert.True(t, result.Approved)
}

func TestEvaluate_CEOOverride(t *testing.T) {
	votes := []models.Vote{
		vote("GPT-4", true, 0.9, 1),
		vote("Claude", false, 0.6, 1),
	}
	result := Evaluate(votes, Config{Mode: models.ConsensusCEOOverride, Lead: "Claude"})
	assert.False(t, result.Approved)
}

func TestEvaluate_CEOOverrideMissingLeadFallsToWeighted(t *testing.T) {
	votes := []models.Vote{
		vote("A", true, 0.9, 1),
		vote("B", false, 0.4, 1),
	}
	result := Evaluate(votes, Config{Mode: models.ConsensusCEOOverride, Lead: "Claude"})
	// Weighted: 0.9/2 = 0.45 < 0.5 threshold.
	assert.False(t, result.Approved)
	assert.Contains(t, result.Reasoning, "Weighted")
}

func TestEvaluate_HybridClearMajority(t *testing.T) {
	votes := []models.Vote{
		vote("A", true, 0.9, 1),
		vote("B", true, 0.9, 1),
		vote("C", true, 0.9, 1),
		vote("D", false, 0.9, 1),
	}
	result := Evaluate(votes, Config{Mode: models.ConsensusHybridCEOMajority, Lead: "D"})
	assert.True(t, result.Approved)
}

func TestEvaluate_HybridLeadBreaksTie(t *testing.T) {
	votes := []models.Vote{
		vote("A", true, 0.9, 1),
		vote("B", false, 0.9, 1),
	}
	result := Evaluate(votes, Config{Mode: models.ConsensusHybridCEOMajority, Lead: "B"})
	assert.False(t, result.Approved)
}

func TestEvaluate_HybridApproveOnTieWithoutLead(t *testing.T) {
	votes := []models.Vote{
		vote("A", true, 0.9, 1),
		vote("B", false, 0.9, 1),
	}
	result := Evaluate(votes, Config{Mode: models.ConsensusHybridCEOMajority})
	assert.True(t, result.Approved)
}

func TestEvaluate_RankedChoice(t *testing.T) {
	votes := []models.Vote{
		vote("A", true, 0.5, 1),
		vote("B", false, 0.9, 1),
	}
	result := Evaluate(votes, Config{Mode: models.ConsensusRankedChoice})
	assert.False(t, result.Approved)

	votes[1].Confidence = 0.4
	result = Evaluate(votes, Config{Mode: models.ConsensusRankedChoice})
	assert.True(t, result.Approved)
}

func TestStrongDissent(t *testing.T) {
	long := strings.Repeat("x", 400)
	votes := []models.Vote{
		vote("A", true, 0.95, 1),
		{Supervisor: "B", Approved: false, Confidence: 0.9, Weight: 1, Comment: long},
		{Supervisor: "C", Approved: false, Confidence: 0.6, Weight: 1, Comment: "mild concern"},
	}
	dissent := StrongDissent(votes)
	require.Len(t, dissent, 1)
	assert.True(t, strings.HasPrefix(dissent[0], "B: "))
	assert.LessOrEqual(t, len(dissent[0]), 300+len("B: "))
}

func TestSummarize(t *testing.T) {
	votes := []models.Vote{
		vote("A", true, 0.9, 1),
		{Supervisor: "B", Approved: false, Confidence: 0.8, Weight: 1, Comment: "risky change"},
	}
	config := Config{Mode: models.ConsensusWeighted, Lead: "A"}
	result := Evaluate(votes, config)
	summary := Summarize(votes, config, result)

	assert.Contains(t, summary, "Simple consensus")
	assert.Contains(t, summary, "Lead supervisor: A")
	assert.Contains(t, summary, "Strong dissent")
	assert.Contains(t, summary, "B: risky change")
}

func TestEvaluateRound(t *testing.T) {
	mixed := []models.Vote{
		vote("A", true, 0.9, 1),
		vote("B", true, 0.8, 1),
		vote("C", false, 0.5, 1),
	}

	assert.Equal(t, OutcomeApproved, EvaluateRound(mixed, models.ConsensusSimpleMajority))
	assert.Equal(t, OutcomeDeadlock, EvaluateRound(mixed, models.ConsensusUnanimous))
	assert.Equal(t, OutcomeContinue, EvaluateRound(nil, models.ConsensusSimpleMajority))

	split := []models.Vote{
		vote("A", true, 0.9, 1),
		vote("B", false, 0.9, 1),
	}
	assert.Equal(t, OutcomeContinue, EvaluateRound(split, models.ConsensusSimpleMajority))

	vetoed := []models.Vote{
		vote("A", true, 0.9, 1),
		vote("B", true, 0.9, 1),
		vote("C", false, 0.95, 1),
	}
	assert.Equal(t, OutcomeRejected, EvaluateRound(vetoed, models.ConsensusCEOVeto))

	// Weighted: approve mass 1.7 of 2.2 total ≈ 0.77 > 0.6.
	assert.Equal(t, OutcomeApproved, EvaluateRound(mixed, models.ConsensusWeighted))
}

func TestSingleSupervisorUnanimous(t *testing.T) {
	approve := []models.Vote{vote("Solo", true, 0.9, 1)}
	reject := []models.Vote{vote("Solo", false, 0.9, 1)}

	assert.True(t, Evaluate(approve, Config{Mode: models.ConsensusUnanimous}).Approved)
	assert.False(t, Evaluate(reject, Config{Mode: models.ConsensusUnanimous}).Approved)
}
