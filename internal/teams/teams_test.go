package teams

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

func TestDetectTaskType(t *testing.T) {
	tests := []struct {
		name     string
		task     models.Task
		expected models.TaskType
	}{
		{
			name: "security audit",
			task: models.Task{
				Description: "Review login handler for sql injection and xss",
				Context:     "auth middleware was recently changed",
			},
			expected: models.TaskSecurityAudit,
		},
		{
			name: "ui design from files",
			task: models.Task{
				Description: "Adjust the button layout",
				Files:       []string{"src/App.tsx", "styles/main.css"},
			},
			expected: models.TaskUIDesign,
		},
		{
			name: "bug fix",
			task: models.Task{
				Description: "Fix crash on startup, error in init with stack trace attached",
			},
			expected: models.TaskBugFix,
		},
		{
			name: "documentation",
			task: models.Task{
				Description: "Update the readme",
				Files:       []string{"README.md"},
			},
			expected: models.TaskDocumentation,
		},
		{
			name: "testing from file names",
			task: models.Task{
				Description: "add coverage",
				Files:       []string{"pkg/store/store_test.go", "web/api.test.ts"},
			},
			expected: models.TaskTesting,
		},
		{
			name: "performance",
			task: models.Task{
				Description: "Reduce tail latency and improve throughput of the ingest path",
			},
			expected: models.TaskPerformance,
		},
		{
			name:     "general when nothing matches",
			task:     models.Task{Description: "hello world"},
			expected: models.TaskGeneral,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DetectTaskType(tt.task)
			assert.Equal(t, tt.expected, result.Type)
			assert.GreaterOrEqual(t, result.Confidence, 0.0)
			assert.LessOrEqual(t, result.Confidence, 1.0)
		})
	}
}

func TestDetectTaskType_ConfidenceIsShareOfScores(t *testing.T) {
	result := DetectTaskType(models.Task{
		Description: "fix the crash caused by a sql injection vulnerability",
	})
	// Both bug-fix and security-audit score; confidence must be a proper
	// fraction of the total.
	assert.Less(t, result.Confidence, 1.0)
	assert.Greater(t, result.Confidence, 0.0)
}

func TestSelector_TemplateMatch(t *testing.T) {
	s := NewSelector(DefaultProfiles(), DefaultTemplates(), nil)

	task := models.Task{Description: "audit auth flow for xss and sql injection vulnerabilities"}
	sel := s.SelectTeam(task, []string{"Claude", "GPT-4", "DeepSeek", "Gemini"})

	assert.Equal(t, models.TaskSecurityAudit, sel.Type)
	assert.Equal(t, []string{"Claude", "GPT-4", "DeepSeek"}, sel.Team)
	assert.Equal(t, "Claude", sel.Lead)
	assert.Equal(t, models.ConsensusCEOVeto, sel.Mode)
	assert.Contains(t, sel.Reasoning, "security-council")
}

func TestSelector_IntersectsWithAvailability(t *testing.T) {
	s := NewSelector(nil, DefaultTemplates(), nil)

	task := models.Task{Description: "audit for sql injection"}
	sel := s.SelectTeam(task, []string{"GPT-4", "DeepSeek"})

	assert.Equal(t, []string{"GPT-4", "DeepSeek"}, sel.Team)
	// Template lead Claude is down; the first available team member leads.
	assert.Equal(t, "GPT-4", sel.Lead)
}

func TestSelector_EmptyIntersectionFallsBackToAvailable(t *testing.T) {
	s := NewSelector(nil, DefaultTemplates(), nil)

	task := models.Task{Description: "audit for sql injection"}
	sel := s.SelectTeam(task, []string{"Mistral"})

	assert.Equal(t, []string{"Mistral"}, sel.Team)
	assert.Empty(t, sel.Lead)
}

func TestSelector_Disabled(t *testing.T) {
	s := NewSelector(nil, DefaultTemplates(), nil)
	s.SetEnabled(false)

	sel := s.SelectTeam(models.Task{Description: "audit sql injection"}, []string{"A", "B"})
	assert.Equal(t, []string{"A", "B"}, sel.Team)
	assert.Empty(t, sel.Lead)
	assert.Equal(t, models.ConsensusWeighted, sel.Mode)
	assert.Equal(t, models.TaskGeneral, sel.Type)
	assert.Zero(t, sel.Confidence)
}

func TestSelector_NoTemplateMatch(t *testing.T) {
	s := NewSelector(nil, nil, nil)

	sel := s.SelectTeam(models.Task{Description: "whatever"}, []string{"A"})
	require.Equal(t, []string{"A"}, sel.Team)
	assert.Equal(t, models.ConsensusWeighted, sel.Mode)
}
