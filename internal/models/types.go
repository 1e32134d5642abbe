package models

import (
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Message roles accepted by supervisor chat calls.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single role-tagged turn in a supervisor conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Task is a development task submitted for deliberation. It is created by
// the caller and immutable for the lifetime of a debate.
type Task struct {
	ID          string   `json:"id" db:"id"`
	Description string   `json:"description" db:"description"`
	Context     string   `json:"context" db:"context"`
	Files       []string `json:"files" db:"files"`
}

// Vote is a supervisor's final verdict on a task. Weight is a snapshot of
// the orchestrator's weight for that supervisor at debate start.
type Vote struct {
	Supervisor   string        `json:"supervisor" db:"supervisor"`
	Approved     bool          `json:"approved" db:"approved"`
	Confidence   float64       `json:"confidence" db:"confidence"`
	Weight       float64       `json:"weight" db:"weight"`
	Comment      string        `json:"comment" db:"comment"`
	ResponseTime time.Duration `json:"response_time" db:"response_time"`
}

// Decision is the reduced outcome of a debate.
type Decision struct {
	Approved          bool     `json:"approved" db:"approved"`
	Consensus         float64  `json:"consensus" db:"consensus"`
	WeightedConsensus float64  `json:"weighted_consensus" db:"weighted_consensus"`
	Votes             []Vote   `json:"votes" db:"votes"`
	Reasoning         string   `json:"reasoning" db:"reasoning"`
	StrongDissent     []string `json:"strong_dissent,omitempty" db:"strong_dissent"`
}

// DebateMeta carries contextual metadata frozen into a DebateRecord.
type DebateMeta struct {
	Rounds           int           `json:"rounds" db:"rounds"`
	ConsensusMode    ConsensusMode `json:"consensus_mode" db:"consensus_mode"`
	Lead             string        `json:"lead,omitempty" db:"lead"`
	SelectionSummary string        `json:"selection_summary,omitempty" db:"selection_summary"`
	Duration         time.Duration `json:"duration" db:"duration"`
	Supervisors      []string      `json:"supervisors" db:"supervisors"`
	SessionID        string        `json:"session_id,omitempty" db:"session_id"`
	TaskType         TaskType      `json:"task_type,omitempty" db:"task_type"`
}

// DebateRecord is an immutable snapshot of a completed debate. RoundVotes
// holds the per-round vote maps when the producer tracked them; replay
// falls back to the final votes as a single round when it is empty.
type DebateRecord struct {
	ID         string       `json:"id" db:"id"`
	Timestamp  time.Time    `json:"timestamp" db:"timestamp"`
	Task       Task         `json:"task" db:"task"`
	Decision   Decision     `json:"decision" db:"decision"`
	Meta       DebateMeta   `json:"meta" db:"meta"`
	RoundVotes []RoundVotes `json:"round_votes,omitempty" db:"round_votes"`
}

// RoundVotes maps supervisor name to its vote within one simulated or
// replayed round.
type RoundVotes map[string]Vote

// ConsensusMode selects the tally rule applied to final votes.
type ConsensusMode string

const (
	ConsensusSimpleMajority    ConsensusMode = "simple-majority"
	ConsensusSupermajority     ConsensusMode = "supermajority"
	ConsensusUnanimous         ConsensusMode = "unanimous"
	ConsensusWeighted          ConsensusMode = "weighted"
	ConsensusCEOOverride       ConsensusMode = "ceo-override"
	ConsensusCEOVeto           ConsensusMode = "ceo-veto"
	ConsensusHybridCEOMajority ConsensusMode = "hybrid-ceo-majority"
	ConsensusRankedChoice      ConsensusMode = "ranked-choice"
)

// AllConsensusModes lists every supported mode in wire order.
var AllConsensusModes = []ConsensusMode{
	ConsensusSimpleMajority,
	ConsensusSupermajority,
	ConsensusUnanimous,
	ConsensusWeighted,
	ConsensusCEOOverride,
	ConsensusCEOVeto,
	ConsensusHybridCEOMajority,
	ConsensusRankedChoice,
}

// IsValid reports whether the mode is one of the eight supported rules.
func (m ConsensusMode) IsValid() bool {
	for _, known := range AllConsensusModes {
		if m == known {
			return true
		}
	}
	return false
}

// TaskType classifies a task for dynamic team selection.
type TaskType string

const (
	TaskSecurityAudit TaskType = "security-audit"
	TaskUIDesign      TaskType = "ui-design"
	TaskBugFix        TaskType = "bug-fix"
	TaskDocumentation TaskType = "documentation"
	TaskTesting       TaskType = "testing"
	TaskArchitecture  TaskType = "architecture"
	TaskPerformance   TaskType = "performance"
	TaskAPIDesign     TaskType = "api-design"
	TaskCodeReview    TaskType = "code-review"
	TaskRefactoring   TaskType = "refactoring"
	TaskGeneral       TaskType = "general"
)

// AllTaskTypes lists every known task type.
var AllTaskTypes = []TaskType{
	TaskSecurityAudit,
	TaskUIDesign,
	TaskBugFix,
	TaskDocumentation,
	TaskTesting,
	TaskArchitecture,
	TaskPerformance,
	TaskAPIDesign,
	TaskCodeReview,
	TaskRefactoring,
	TaskGeneral,
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		sb.WriteByte(base36Alphabet[rand.Intn(len(base36Alphabet))])
	}
	return sb.String()
}

// NewDebateRecordID generates a record identifier of the form
// debate_{base36(now)}_{6-char base36 random}.
func NewDebateRecordID() string {
	return "debate_" + strconv.FormatInt(time.Now().UnixMilli(), 36) + "_" + randomBase36(6)
}

// NewWorkspaceID generates a workspace identifier (ws_ prefix).
func NewWorkspaceID() string {
	return "ws_" + strconv.FormatInt(time.Now().UnixMilli(), 36) + "_" + randomBase36(6)
}

// NewSimulationID generates a simulation identifier (sim_ prefix).
func NewSimulationID() string {
	return "sim_" + strconv.FormatInt(time.Now().UnixMilli(), 36) + "_" + randomBase36(6)
}
