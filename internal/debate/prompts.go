package debate

import (
	"fmt"
	"strings"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// roundSuffix asks for a refined position in rounds after the first.
const roundSuffix = "Considering the above opinions, provide your refined assessment."

// votePrompt instructs the exact reply format the parser accepts.
const votePrompt = `The debate has concluded. Cast your final vote on the task using exactly this format:

VOTE: [APPROVE/REJECT]
CONFIDENCE: [0.0-1.0]
REASONING: [your reasoning]`

// systemPrompt frames a supervisor's reviewer role.
const systemPrompt = "You are a senior software supervisor reviewing a development task. " +
	"Assess it rigorously and justify your position."

// formatTask builds the initial user message for round one.
func formatTask(task models.Task) string {
	var sb strings.Builder
	sb.WriteString("Development Task Review\n\n")
	sb.WriteString(fmt.Sprintf("Task ID: %s\n", task.ID))
	sb.WriteString(fmt.Sprintf("Description: %s\n", task.Description))
	if task.Context != "" {
		sb.WriteString(fmt.Sprintf("Context: %s\n", task.Context))
	}
	if len(task.Files) > 0 {
		sb.WriteString("Files Affected:\n")
		sb.WriteString(strings.Join(task.Files, "\n"))
		sb.WriteString("\n")
	}
	sb.WriteString("\nAs a reviewing supervisor, analyze this task covering: ")
	sb.WriteString("1) code quality, 2) risks, 3) suggested improvements, 4) your approval recommendation.")
	return sb.String()
}

// formatRoundContext appends a round's collected opinions to the running
// debate context.
func formatRoundContext(round int, opinions []opinion) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n\n--- Round %d opinions ---\n", round))
	for _, op := range opinions {
		sb.WriteString(fmt.Sprintf("[%s]:\n%s\n\n", op.Supervisor, op.Text))
	}
	return sb.String()
}

// buildRoundMessages assembles the message sequence for a refinement round.
func buildRoundMessages(debateContext string) []models.Message {
	return []models.Message{
		{Role: models.RoleSystem, Content: systemPrompt},
		{Role: models.RoleUser, Content: debateContext + "\n" + roundSuffix},
	}
}

// buildVoteMessages assembles the final voting message sequence.
func buildVoteMessages(debateContext string) []models.Message {
	return []models.Message{
		{Role: models.RoleSystem, Content: systemPrompt},
		{Role: models.RoleUser, Content: debateContext + "\n\n" + votePrompt},
	}
}
