package teams

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// SupervisorProfile describes a supervisor's strengths for team scoring.
type SupervisorProfile struct {
	Name      string   `json:"name" yaml:"name"`
	Provider  string   `json:"provider" yaml:"provider"`
	Strengths []string `json:"strengths" yaml:"strengths"`
}

// TeamTemplate binds task types to an ordered supervisor team, a lead and
// a preferred consensus mode.
type TeamTemplate struct {
	Name        string               `json:"name" yaml:"name"`
	TaskTypes   []models.TaskType    `json:"task_types" yaml:"task_types"`
	Supervisors []string             `json:"supervisors" yaml:"supervisors"`
	Lead        string               `json:"lead" yaml:"lead"`
	Mode        models.ConsensusMode `json:"mode" yaml:"mode"`
}

// Selection is the result of dynamic team selection.
type Selection struct {
	Team       []string             `json:"team"`
	Lead       string               `json:"lead,omitempty"`
	Mode       models.ConsensusMode `json:"mode"`
	Type       models.TaskType      `json:"type"`
	Confidence float64              `json:"confidence"`
	Reasoning  string               `json:"reasoning"`
}

// Selector picks teams from templates based on detected task type and the
// live availability set.
type Selector struct {
	mu        sync.RWMutex
	enabled   bool
	profiles  map[string]SupervisorProfile
	templates []TeamTemplate
	logger    *logrus.Logger
}

// NewSelector creates a selector from profiles and templates.
func NewSelector(profiles []SupervisorProfile, templates []TeamTemplate, logger *logrus.Logger) *Selector {
	if logger == nil {
		logger = logrus.New()
	}
	byName := make(map[string]SupervisorProfile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	return &Selector{
		enabled:   true,
		profiles:  byName,
		templates: templates,
		logger:    logger,
	}
}

// SetEnabled toggles dynamic selection. Disabled, SelectTeam returns the
// full availability set under weighted consensus.
func (s *Selector) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// Profiles returns the registered supervisor profiles.
func (s *Selector) Profiles() []SupervisorProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SupervisorProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

// templateFor finds the first template covering the task type.
func (s *Selector) templateFor(taskType models.TaskType) *TeamTemplate {
	for i := range s.templates {
		for _, t := range s.templates[i].TaskTypes {
			if t == taskType {
				return &s.templates[i]
			}
		}
	}
	return nil
}

// SelectTeam detects the task type and resolves the team against the live
// availability set. With selection disabled or no matching template, every
// available supervisor debates under weighted consensus.
func (s *Selector) SelectTeam(task models.Task, available []string) Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fallback := Selection{
		Team:       append([]string(nil), available...),
		Mode:       models.ConsensusWeighted,
		Type:       models.TaskGeneral,
		Confidence: 0,
		Reasoning:  "Dynamic selection inactive; using all available supervisors",
	}
	if !s.enabled {
		return fallback
	}

	detected := DetectTaskType(task)
	template := s.templateFor(detected.Type)
	if template == nil {
		return fallback
	}

	availSet := make(map[string]bool, len(available))
	for _, name := range available {
		availSet[name] = true
	}

	team := make([]string, 0, len(template.Supervisors))
	for _, name := range template.Supervisors {
		if availSet[name] {
			team = append(team, name)
		}
	}

	lead := ""
	if len(team) == 0 {
		// Template names nobody who is up; fall back to anyone available.
		team = append(team, available...)
		s.logger.Warnf("template %q has no available supervisors, using availability set", template.Name)
	} else {
		lead = team[0]
		if availSet[template.Lead] {
			lead = template.Lead
		}
	}

	mode := template.Mode
	if !mode.IsValid() {
		mode = models.ConsensusWeighted
	}

	return Selection{
		Team:       team,
		Lead:       lead,
		Mode:       mode,
		Type:       detected.Type,
		Confidence: detected.Confidence,
		Reasoning: fmt.Sprintf("Detected %s task (confidence %.2f); applied team template %q",
			detected.Type, detected.Confidence, template.Name),
	}
}

// DefaultTemplates returns a starter template set covering the built-in
// task types.
func DefaultTemplates() []TeamTemplate {
	return []TeamTemplate{
		{
			Name:        "security-council",
			TaskTypes:   []models.TaskType{models.TaskSecurityAudit},
			Supervisors: []string{"Claude", "GPT-4", "DeepSeek"},
			Lead:        "Claude",
			Mode:        models.ConsensusCEOVeto,
		},
		{
			Name:        "frontend-panel",
			TaskTypes:   []models.TaskType{models.TaskUIDesign},
			Supervisors: []string{"GPT-4", "Gemini", "Claude"},
			Lead:        "GPT-4",
			Mode:        models.ConsensusSimpleMajority,
		},
		{
			Name:        "stability-board",
			TaskTypes:   []models.TaskType{models.TaskBugFix, models.TaskTesting},
			Supervisors: []string{"DeepSeek", "Claude", "Qwen"},
			Lead:        "DeepSeek",
			Mode:        models.ConsensusWeighted,
		},
		{
			Name:        "architecture-review",
			TaskTypes:   []models.TaskType{models.TaskArchitecture, models.TaskAPIDesign, models.TaskRefactoring},
			Supervisors: []string{"Claude", "GPT-4", "Gemini", "DeepSeek"},
			Lead:        "Claude",
			Mode:        models.ConsensusHybridCEOMajority,
		},
		{
			Name:        "performance-panel",
			TaskTypes:   []models.TaskType{models.TaskPerformance},
			Supervisors: []string{"DeepSeek", "GPT-4", "Qwen"},
			Lead:        "DeepSeek",
			Mode:        models.ConsensusWeighted,
		},
		{
			Name:        "docs-panel",
			TaskTypes:   []models.TaskType{models.TaskDocumentation},
			Supervisors: []string{"Gemini", "Claude"},
			Lead:        "Gemini",
			Mode:        models.ConsensusSimpleMajority,
		},
		{
			Name:        "review-board",
			TaskTypes:   []models.TaskType{models.TaskCodeReview},
			Supervisors: []string{"Claude", "GPT-4", "Gemini"},
			Lead:        "Claude",
			Mode:        models.ConsensusWeighted,
		},
	}
}

// DefaultProfiles returns profiles for the built-in supervisor roster.
func DefaultProfiles() []SupervisorProfile {
	return []SupervisorProfile{
		{Name: "Claude", Provider: "anthropic", Strengths: []string{"reasoning", "security", "architecture"}},
		{Name: "GPT-4", Provider: "openai", Strengths: []string{"general", "ui", "api-design"}},
		{Name: "Gemini", Provider: "gemini", Strengths: []string{"documentation", "multimodal"}},
		{Name: "DeepSeek", Provider: "deepseek", Strengths: []string{"code", "performance", "debugging"}},
		{Name: "Qwen", Provider: "qwen", Strengths: []string{"code", "testing"}},
	}
}
