// Package teams classifies tasks and selects the supervisor team, lead and
// consensus mode used for a debate.
package teams

import (
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// DetectionResult is the outcome of task-type detection.
type DetectionResult struct {
	Type       models.TaskType `json:"type"`
	Confidence float64         `json:"confidence"`
}

// taskKeywords maps each task type to the keyword set scored against the
// task's description and context.
var taskKeywords = map[models.TaskType][]string{
	models.TaskSecurityAudit: {"sql injection", "xss", "csrf", "auth", "vulnerab", "exploit", "sanitiz", "security"},
	models.TaskUIDesign:      {"button", "layout", "component", "styling", "responsive", "accessibility", "user interface"},
	models.TaskBugFix:        {"crash", "fix", "error", "bug", "broken", "regression", "stack trace", "panic"},
	models.TaskDocumentation: {"readme", "documentation", "docs", "changelog", "tutorial", "guide"},
	models.TaskTesting:       {"test", "coverage", "assertion", "mock", "fixture", "unit test", "integration test"},
	models.TaskArchitecture:  {"microservice", "design", "scalab", "architecture", "refactor the system", "modular", "boundary"},
	models.TaskPerformance:   {"latency", "throughput", "slow", "optimize", "profiling", "benchmark", "memory usage"},
	models.TaskAPIDesign:     {"endpoint", "rest", "graphql", "api", "schema", "versioning", "contract"},
	models.TaskCodeReview:    {"review", "pull request", "diff", "merge"},
	models.TaskRefactoring:   {"refactor", "cleanup", "rename", "extract", "simplify", "dead code"},
}

// taskFileHints maps file extensions and filename fragments to the task
// types they suggest.
var taskFileHints = map[models.TaskType][]string{
	models.TaskUIDesign:      {".css", ".scss", ".tsx", ".jsx", ".vue"},
	models.TaskDocumentation: {".md", ".rst", "readme"},
	models.TaskTesting:       {".test.", "_test.", ".spec."},
}

// DetectTaskType scores every known task type against the task's
// description, context and file names. Confidence is the winning score
// over the sum of all scores; ties break alphabetically.
func DetectTaskType(task models.Task) DetectionResult {
	text := strings.ToLower(task.Description + " " + task.Context)
	files := make([]string, len(task.Files))
	for i, f := range task.Files {
		files[i] = strings.ToLower(filepath.Base(f))
	}

	scores := make(map[models.TaskType]float64)
	for taskType, keywords := range taskKeywords {
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				scores[taskType]++
			}
		}
	}
	for taskType, hints := range taskFileHints {
		for _, f := range files {
			for _, hint := range hints {
				if strings.Contains(f, hint) {
					scores[taskType]++
				}
			}
		}
	}

	if len(scores) == 0 {
		return DetectionResult{Type: models.TaskGeneral, Confidence: 0}
	}

	types := make([]models.TaskType, 0, len(scores))
	var total float64
	for taskType, score := range scores {
		types = append(types, taskType)
		total += score
	}
	sort.Slice(types, func(i, j int) bool {
		if scores[types[i]] != scores[types[j]] {
			return scores[types[i]] > scores[types[j]]
		}
		return types[i] < types[j]
	})

	top := types[0]
	confidence := scores[top] / total
	confidence = math.Max(0, math.Min(1, confidence))
	return DetectionResult{Type: top, Confidence: confidence}
}
