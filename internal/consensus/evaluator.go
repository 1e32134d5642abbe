// Package consensus reduces final supervisor votes to a single decision
// under one of eight tally rules, and provides the per-round outcome
// evaluators used by the simulator.
package consensus

import (
	"fmt"
	"math"
	"strings"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// DefaultThreshold applies when the caller does not configure one.
const DefaultThreshold = 0.5

// strongDissentConfidence is the cutoff above which a rejection counts as
// strong dissent.
const strongDissentConfidence = 0.7

// Config parameterizes an evaluation.
type Config struct {
	Mode      models.ConsensusMode `json:"mode"`
	Threshold float64              `json:"threshold"`
	Lead      string               `json:"lead,omitempty"`
}

// Result is the outcome of applying a consensus rule.
type Result struct {
	Approved  bool   `json:"approved"`
	Reasoning string `json:"reasoning"`
}

// SimpleConsensus returns approvals divided by total votes (0 for no votes).
func SimpleConsensus(votes []models.Vote) float64 {
	if len(votes) == 0 {
		return 0
	}
	return float64(countApprovals(votes)) / float64(len(votes))
}

// WeightedConsensus returns Σ(weight·confidence | approved) / Σ(weight),
// or 0 when total weight is zero.
func WeightedConsensus(votes []models.Vote) float64 {
	var approvedWeight, totalWeight float64
	for _, v := range votes {
		totalWeight += v.Weight
		if v.Approved {
			approvedWeight += v.Weight * v.Confidence
		}
	}
	if totalWeight == 0 {
		return 0
	}
	return approvedWeight / totalWeight
}

// StrongDissent collects rejection comments with confidence above 0.7,
// excerpted to 300 characters.
func StrongDissent(votes []models.Vote) []string {
	var dissent []string
	for _, v := range votes {
		if v.Approved || v.Confidence <= strongDissentConfidence {
			continue
		}
		comment := v.Comment
		if len(comment) > 300 {
			comment = comment[:300]
		}
		dissent = append(dissent, fmt.Sprintf("%s: %s", v.Supervisor, comment))
	}
	return dissent
}

func countApprovals(votes []models.Vote) int {
	n := 0
	for _, v := range votes {
		if v.Approved {
			n++
		}
	}
	return n
}

func leadVote(votes []models.Vote, lead string) *models.Vote {
	if lead == "" {
		return nil
	}
	for i := range votes {
		if votes[i].Supervisor == lead {
			return &votes[i]
		}
	}
	return nil
}

// Evaluate applies the configured consensus rule to the vote list.
func Evaluate(votes []models.Vote, config Config) Result {
	if config.Threshold == 0 {
		config.Threshold = DefaultThreshold
	}

	switch config.Mode {
	case models.ConsensusSupermajority:
		return evaluateSupermajority(votes)
	case models.ConsensusUnanimous:
		return evaluateUnanimous(votes)
	case models.ConsensusWeighted:
		return evaluateWeighted(votes, config.Threshold)
	case models.ConsensusCEOOverride:
		return evaluateCEOOverride(votes, config)
	case models.ConsensusCEOVeto:
		return evaluateCEOVeto(votes, config.Lead)
	case models.ConsensusHybridCEOMajority:
		return evaluateHybrid(votes, config.Lead)
	case models.ConsensusRankedChoice:
		return evaluateRankedChoice(votes)
	default:
		return evaluateSimpleMajority(votes, config.Threshold)
	}
}

func evaluateSimpleMajority(votes []models.Vote, threshold float64) Result {
	approvals := countApprovals(votes)
	ratio := SimpleConsensus(votes)
	approved := len(votes) > 0 && ratio >= threshold
	return Result{
		Approved: approved,
		Reasoning: fmt.Sprintf("Simple majority: %d/%d approvals (%.1f%%, threshold %.0f%%)",
			approvals, len(votes), ratio*100, threshold*100),
	}
}

func evaluateSupermajority(votes []models.Vote) Result {
	approvals := countApprovals(votes)
	needed := int(math.Ceil(float64(len(votes)) * 0.667))
	approved := len(votes) > 0 && approvals >= needed
	return Result{
		Approved: approved,
		Reasoning: fmt.Sprintf("Supermajority: %d/%d approvals, %d required",
			approvals, len(votes), needed),
	}
}

func evaluateUnanimous(votes []models.Vote) Result {
	approvals := countApprovals(votes)
	approved := len(votes) > 0 && approvals == len(votes)
	return Result{
		Approved: approved,
		Reasoning: fmt.Sprintf("Unanimous rule: %d/%d approvals, all required",
			approvals, len(votes)),
	}
}

func evaluateWeighted(votes []models.Vote, threshold float64) Result {
	weighted := WeightedConsensus(votes)
	approved := weighted >= threshold && len(votes) > 0
	return Result{
		Approved: approved,
		Reasoning: fmt.Sprintf("Weighted consensus %.4f against threshold %.2f",
			weighted, threshold),
	}
}

func evaluateCEOOverride(votes []models.Vote, config Config) Result {
	lead := leadVote(votes, config.Lead)
	if lead == nil {
		// No lead vote present: fall through to weighted, never to
		// simple majority.
		result := evaluateWeighted(votes, config.Threshold)
		result.Reasoning = "CEO Override unavailable (no lead vote); " + result.Reasoning
		return result
	}
	verdict := "REJECT"
	if lead.Approved {
		verdict = "APPROVE"
	}
	return Result{
		Approved: lead.Approved,
		Reasoning: fmt.Sprintf("CEO Override: lead %s decides %s (confidence %.2f)",
			lead.Supervisor, verdict, lead.Confidence),
	}
}

func evaluateCEOVeto(votes []models.Vote, lead string) Result {
	majority := evaluateSimpleMajority(votes, DefaultThreshold)
	lv := leadVote(votes, lead)
	if lv != nil && !lv.Approved && lv.Confidence >= 0.7 {
		return Result{
			Approved: false,
			Reasoning: fmt.Sprintf("CEO Veto: lead %s rejected with confidence %.2f, overriding majority (%s)",
				lv.Supervisor, lv.Confidence, majority.Reasoning),
		}
	}
	majority.Reasoning = "Majority with veto power: " + majority.Reasoning
	return majority
}

func evaluateHybrid(votes []models.Vote, lead string) Result {
	approvals := countApprovals(votes)
	rejections := len(votes) - approvals

	if diff := approvals - rejections; diff > 1 || diff < -1 {
		return Result{
			Approved: approvals > rejections,
			Reasoning: fmt.Sprintf("Hybrid: clear majority %d approvals vs %d rejections",
				approvals, rejections),
		}
	}
	if lv := leadVote(votes, lead); lv != nil {
		verdict := "REJECT"
		if lv.Approved {
			verdict = "APPROVE"
		}
		return Result{
			Approved: lv.Approved,
			Reasoning: fmt.Sprintf("Hybrid: no clear majority (%d vs %d), lead %s breaks tie with %s",
				approvals, rejections, lv.Supervisor, verdict),
		}
	}
	return Result{
		Approved: true,
		Reasoning: fmt.Sprintf("Hybrid: no clear majority (%d vs %d) and no lead vote; defaulting to approve",
			approvals, rejections),
	}
}

func evaluateRankedChoice(votes []models.Vote) Result {
	var approveScore, rejectScore float64
	for _, v := range votes {
		if v.Approved {
			approveScore += v.Weight * v.Confidence
		} else {
			rejectScore += v.Weight * v.Confidence
		}
	}
	return Result{
		Approved: approveScore >= rejectScore,
		Reasoning: fmt.Sprintf("Ranked choice: approve score %.3f vs reject score %.3f",
			approveScore, rejectScore),
	}
}

// Summarize builds the human-readable reasoning block attached to a
// Decision: the mode result, tallies, dissent bullets and per-vote
// excerpts.
func Summarize(votes []models.Vote, config Config, result Result) string {
	var sb strings.Builder
	sb.WriteString(result.Reasoning)
	sb.WriteString(fmt.Sprintf("\nSimple consensus: %.4f | Weighted consensus: %.4f",
		SimpleConsensus(votes), WeightedConsensus(votes)))
	if config.Lead != "" {
		sb.WriteString(fmt.Sprintf("\nLead supervisor: %s", config.Lead))
	}
	if dissent := StrongDissent(votes); len(dissent) > 0 {
		sb.WriteString("\nStrong dissent:")
		for _, d := range dissent {
			sb.WriteString("\n  - " + d)
		}
	}
	for _, v := range votes {
		verdict := "REJECT"
		if v.Approved {
			verdict = "APPROVE"
		}
		comment := v.Comment
		if len(comment) > 120 {
			comment = comment[:120] + "..."
		}
		sb.WriteString(fmt.Sprintf("\n%s: %s (%.2f) %s", v.Supervisor, verdict, v.Confidence, comment))
	}
	return sb.String()
}
