package consensus

import (
	"math"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// RoundOutcome is the per-round verdict used by the simulator: a round
// either resolves the debate or lets it continue.
type RoundOutcome string

const (
	OutcomeApproved RoundOutcome = "approved"
	OutcomeRejected RoundOutcome = "rejected"
	OutcomeDeadlock RoundOutcome = "deadlock"
	OutcomeContinue RoundOutcome = "continue"
)

// EvaluateRound maps one round's votes to an outcome under the given mode.
// Modes without a dedicated per-round rule use the majority rule.
func EvaluateRound(votes []models.Vote, mode models.ConsensusMode) RoundOutcome {
	if len(votes) == 0 {
		return OutcomeContinue
	}
	switch mode {
	case models.ConsensusUnanimous:
		return roundUnanimous(votes)
	case models.ConsensusSupermajority:
		return roundSupermajority(votes)
	case models.ConsensusWeighted, models.ConsensusRankedChoice:
		return roundWeighted(votes)
	case models.ConsensusCEOVeto, models.ConsensusCEOOverride:
		return roundVeto(votes)
	default:
		return roundMajority(votes)
	}
}

// roundMajority resolves on a strict majority either way.
func roundMajority(votes []models.Vote) RoundOutcome {
	approvals := countApprovals(votes)
	rejections := len(votes) - approvals
	half := float64(len(votes)) / 2
	switch {
	case float64(approvals) > half:
		return OutcomeApproved
	case float64(rejections) > half:
		return OutcomeRejected
	default:
		return OutcomeContinue
	}
}

// roundUnanimous resolves only when every vote agrees; a split vote is a
// deadlock.
func roundUnanimous(votes []models.Vote) RoundOutcome {
	approvals := countApprovals(votes)
	switch approvals {
	case len(votes):
		return OutcomeApproved
	case 0:
		return OutcomeRejected
	default:
		return OutcomeDeadlock
	}
}

// roundSupermajority resolves at 67% agreement either way.
func roundSupermajority(votes []models.Vote) RoundOutcome {
	approvals := countApprovals(votes)
	rejections := len(votes) - approvals
	needed := int(math.Ceil(float64(len(votes)) * 0.67))
	switch {
	case approvals >= needed:
		return OutcomeApproved
	case rejections >= needed:
		return OutcomeRejected
	default:
		return OutcomeContinue
	}
}

// roundWeighted resolves when one side carries more than 60% of the
// confidence-weighted mass.
func roundWeighted(votes []models.Vote) RoundOutcome {
	var approveWeight, rejectWeight float64
	for _, v := range votes {
		w := v.Weight * v.Confidence
		if v.Approved {
			approveWeight += w
		} else {
			rejectWeight += w
		}
	}
	total := approveWeight + rejectWeight
	if total == 0 {
		return OutcomeContinue
	}
	switch {
	case approveWeight/total > 0.6:
		return OutcomeApproved
	case rejectWeight/total > 0.6:
		return OutcomeRejected
	default:
		return OutcomeContinue
	}
}

// roundVeto rejects on any high-confidence rejection, otherwise falls back
// to majority.
func roundVeto(votes []models.Vote) RoundOutcome {
	for _, v := range votes {
		if !v.Approved && v.Confidence > 0.9 {
			return OutcomeRejected
		}
	}
	return roundMajority(votes)
}
