// Package debate implements the multi-round deliberation state machine:
// team planning, parallel opinion rounds, final voting and consensus
// reduction.
package debate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/consensus"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/events"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/llm"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/metrics"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/quota"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/teams"
)

// Recorder persists completed debates. The history package provides the
// production implementation.
type Recorder interface {
	Save(ctx context.Context, record *models.DebateRecord) error
}

// Config configures the orchestrator.
type Config struct {
	MaxRounds      int                  `json:"max_rounds" yaml:"max_rounds"`
	Mode           models.ConsensusMode `json:"mode" yaml:"mode"`
	Threshold      float64              `json:"threshold" yaml:"threshold"`
	Lead           string               `json:"lead,omitempty" yaml:"lead"`
	SessionID      string               `json:"session_id,omitempty" yaml:"session_id"`
	PersistHistory bool                 `json:"persist_history" yaml:"persist_history"`
	FallbackChain  []string             `json:"fallback_chain,omitempty" yaml:"fallback_chain"`
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		MaxRounds: 3,
		Mode:      models.ConsensusWeighted,
		Threshold: consensus.DefaultThreshold,
	}
}

// Orchestrator drives debates across registered supervisors. One debate
// per task identifier may be active at a time.
type Orchestrator struct {
	config Config

	mu          sync.RWMutex
	supervisors map[string]llm.Supervisor
	weights     map[string]float64

	activeMu sync.Mutex
	active   map[string]bool

	selector *teams.Selector
	quota    *quota.Manager
	recorder Recorder
	bus      *events.Bus
	logger   *logrus.Logger
}

// NewOrchestrator creates an orchestrator. selector, quotaManager,
// recorder and bus are all optional collaborators.
func NewOrchestrator(config Config, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	if config.MaxRounds <= 0 {
		config.MaxRounds = 3
	}
	if config.Mode == "" {
		config.Mode = models.ConsensusWeighted
	}
	if config.Threshold == 0 {
		config.Threshold = consensus.DefaultThreshold
	}
	return &Orchestrator{
		config:      config,
		supervisors: make(map[string]llm.Supervisor),
		weights:     make(map[string]float64),
		active:      make(map[string]bool),
		logger:      logger,
	}
}

// SetSelector attaches a dynamic team selector.
func (o *Orchestrator) SetSelector(s *teams.Selector) { o.selector = s }

// SetQuotaManager attaches the quota gate.
func (o *Orchestrator) SetQuotaManager(q *quota.Manager) { o.quota = q }

// SetRecorder attaches the debate history store.
func (o *Orchestrator) SetRecorder(r Recorder) { o.recorder = r }

// SetBus attaches the event bus.
func (o *Orchestrator) SetBus(b *events.Bus) { o.bus = b }

// RegisterSupervisor adds a supervisor to the roster with weight 1.0.
func (o *Orchestrator) RegisterSupervisor(sup llm.Supervisor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.supervisors[sup.Name()] = sup
	if _, ok := o.weights[sup.Name()]; !ok {
		o.weights[sup.Name()] = 1.0
	}
}

// UnregisterSupervisor removes a supervisor from the roster.
func (o *Orchestrator) UnregisterSupervisor(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.supervisors, name)
	delete(o.weights, name)
}

// SetWeight sets a supervisor's vote weight, clamped to [0, 2]. Debates
// already in flight keep the snapshot taken at their start.
func (o *Orchestrator) SetWeight(name string, weight float64) {
	if weight < 0 {
		weight = 0
	}
	if weight > 2 {
		weight = 2
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.weights[name] = weight
}

// Weight returns a supervisor's current weight (1.0 when unset).
func (o *Orchestrator) Weight(name string) float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if w, ok := o.weights[name]; ok {
		return w
	}
	return 1.0
}

// Supervisors returns the registered supervisor names, sorted.
func (o *Orchestrator) Supervisors() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.supervisors))
	for name := range o.supervisors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// opinion is one supervisor's contribution to a round.
type opinion struct {
	Supervisor string
	Text       string
	Failed     bool
}

// Debate runs the full deliberation for a task and returns the decision.
// Zero available supervisors auto-approve by design: the council never
// blocks the pipeline when nothing can speak. Callers wanting fail-closed
// behavior must gate outside.
func (o *Orchestrator) Debate(ctx context.Context, task models.Task) (*models.Decision, error) {
	if !o.acquire(task.ID) {
		return nil, fmt.Errorf("debate already active for task %s", task.ID)
	}
	defer o.release(task.ID)

	start := time.Now()
	o.emit(events.EventDebateStarted, map[string]interface{}{"task_id": task.ID})

	// Plan: probe availability in parallel, then select the team.
	available := o.probeAvailability(ctx)
	selection := o.selectTeam(task, available)

	if len(selection.Team) == 0 {
		decision := &models.Decision{
			Approved:          true,
			Consensus:         1.0,
			WeightedConsensus: 1.0,
			Votes:             []models.Vote{},
			Reasoning:         "No supervisors available - auto-approving",
		}
		o.logger.Warnf("no supervisors available for task %s, auto-approving", task.ID)
		o.finalize(ctx, task, decision, selection, 0, start)
		return decision, nil
	}

	weights := o.snapshotWeights(selection.Team)
	team := o.resolveTeam(selection.Team)

	// Rounds: opinions accumulate into a running context; failures never
	// halt the debate.
	debateContext := formatTask(task)
	anySucceeded := false
	roundsRun := 0
	for round := 1; round <= o.config.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var messages []models.Message
		if round == 1 {
			messages = []models.Message{
				{Role: models.RoleSystem, Content: systemPrompt},
				{Role: models.RoleUser, Content: debateContext},
			}
		} else {
			messages = buildRoundMessages(debateContext)
		}

		opinions := o.fanOut(ctx, team, messages)
		roundsRun = round

		collected := make([]opinion, 0, len(opinions))
		for _, op := range opinions {
			if op.Failed {
				if round == 1 {
					// Round one keeps a stub so the council knows who was
					// silent; later rounds drop failures entirely.
					collected = append(collected, opinion{Supervisor: op.Supervisor, Text: "[Unable to provide opinion]"})
				}
				continue
			}
			anySucceeded = true
			collected = append(collected, op)
		}
		if len(collected) > 0 {
			debateContext += formatRoundContext(round, collected)
		}

		o.emit(events.EventDebateRoundCompleted, map[string]interface{}{
			"task_id": task.ID,
			"round":   round,
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Vote round.
	votes, anyVoted := o.collectVotes(ctx, team, weights, debateContext)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !anySucceeded && !anyVoted {
		decision := &models.Decision{
			Approved:  false,
			Consensus: 0,
			Votes:     votes,
			Reasoning: "all supervisors unreachable",
		}
		o.emit(events.EventDebateFailed, map[string]interface{}{"task_id": task.ID})
		metrics.DebatesCompleted.WithLabelValues("failed").Inc()
		return decision, nil
	}

	// Finalize.
	cfg := consensus.Config{Mode: selection.Mode, Threshold: o.config.Threshold, Lead: selection.Lead}
	result := consensus.Evaluate(votes, cfg)
	decision := &models.Decision{
		Approved:          result.Approved,
		Consensus:         consensus.SimpleConsensus(votes),
		WeightedConsensus: consensus.WeightedConsensus(votes),
		Votes:             votes,
		Reasoning:         consensus.Summarize(votes, cfg, result),
		StrongDissent:     consensus.StrongDissent(votes),
	}

	o.finalize(ctx, task, decision, selection, roundsRun, start)
	return decision, nil
}

func (o *Orchestrator) acquire(taskID string) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if o.active[taskID] {
		return false
	}
	o.active[taskID] = true
	return true
}

func (o *Orchestrator) release(taskID string) {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	delete(o.active, taskID)
}

// probeAvailability checks every registered supervisor in parallel,
// ignoring failures.
func (o *Orchestrator) probeAvailability(ctx context.Context) []string {
	o.mu.RLock()
	sups := make([]llm.Supervisor, 0, len(o.supervisors))
	for _, s := range o.supervisors {
		sups = append(sups, s)
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan string, len(sups))
	for _, sup := range sups {
		wg.Add(1)
		go func(s llm.Supervisor) {
			defer wg.Done()
			if s.Available(ctx) {
				results <- s.Name()
			}
		}(sup)
	}
	wg.Wait()
	close(results)

	available := make([]string, 0, len(sups))
	for name := range results {
		available = append(available, name)
	}
	sort.Strings(available)
	return available
}

func (o *Orchestrator) selectTeam(task models.Task, available []string) teams.Selection {
	if o.selector != nil {
		return o.selector.SelectTeam(task, available)
	}
	return teams.Selection{
		Team:      available,
		Lead:      o.config.Lead,
		Mode:      o.config.Mode,
		Type:      models.TaskGeneral,
		Reasoning: "Static configuration (dynamic selection disabled)",
	}
}

// snapshotWeights freezes team weights at debate start. Later edits never
// retroactively affect this debate.
func (o *Orchestrator) snapshotWeights(team []string) map[string]float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	snapshot := make(map[string]float64, len(team))
	for _, name := range team {
		w, ok := o.weights[name]
		if !ok {
			w = 1.0
		}
		snapshot[name] = w
	}
	return snapshot
}

func (o *Orchestrator) resolveTeam(names []string) []llm.Supervisor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	team := make([]llm.Supervisor, 0, len(names))
	for _, name := range names {
		if sup, ok := o.supervisors[name]; ok {
			team = append(team, sup)
		}
	}
	return team
}

// fanOut issues the same message sequence to every team member in
// parallel and waits for all to settle.
func (o *Orchestrator) fanOut(ctx context.Context, team []llm.Supervisor, messages []models.Message) []opinion {
	results := make([]opinion, len(team))
	var wg sync.WaitGroup
	for i, sup := range team {
		wg.Add(1)
		go func(idx int, s llm.Supervisor) {
			defer wg.Done()
			text, err := o.callSupervisor(ctx, s, messages)
			if err != nil {
				results[idx] = opinion{Supervisor: s.Name(), Failed: true}
				return
			}
			results[idx] = opinion{Supervisor: s.Name(), Text: text}
		}(i, sup)
	}
	wg.Wait()
	return results
}

// callSupervisor wraps one chat call with the quota gate and accounting.
// A quota denial is a skip, never a sleep.
func (o *Orchestrator) callSupervisor(ctx context.Context, sup llm.Supervisor, messages []models.Message) (string, error) {
	provider := sup.Provider()
	if o.quota != nil {
		check := o.quota.Check(provider)
		if !check.Allowed {
			metrics.QuotaDenials.WithLabelValues(provider).Inc()
			o.logger.Debugf("quota denied %s (%s): wait %dms", sup.Name(), check.Reason, check.WaitMs)
			return "", fmt.Errorf("quota denied for %s: %s", provider, check.Reason)
		}
		o.quota.Start(provider)
	}

	start := time.Now()
	text, err := sup.Chat(ctx, messages)
	latency := time.Since(start).Milliseconds()

	if o.quota != nil {
		if err != nil && llm.IsRateLimited(err) {
			o.quota.RecordRateLimitError(provider)
		}
		o.quota.Record(provider, estimateTokens(messages, text), latency, err == nil)
	}
	if err != nil {
		o.logger.WithError(err).Warnf("supervisor %s chat failed", sup.Name())
		return "", err
	}
	return text, nil
}

// estimateTokens approximates token usage from text length.
func estimateTokens(messages []models.Message, reply string) int {
	chars := len(reply)
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}

// collectVotes runs the final voting round and parses every reply. Failed
// calls become synthetic reject votes so the tally always covers the team.
func (o *Orchestrator) collectVotes(ctx context.Context, team []llm.Supervisor, weights map[string]float64, debateContext string) ([]models.Vote, bool) {
	messages := buildVoteMessages(debateContext)

	type voteResult struct {
		vote models.Vote
		ok   bool
	}
	results := make([]voteResult, len(team))
	var wg sync.WaitGroup
	for i, sup := range team {
		wg.Add(1)
		go func(idx int, s llm.Supervisor) {
			defer wg.Done()
			start := time.Now()
			text, err := o.callSupervisor(ctx, s, messages)
			elapsed := time.Since(start)
			if err != nil {
				results[idx] = voteResult{vote: models.Vote{
					Supervisor:   s.Name(),
					Approved:     false,
					Confidence:   0.5,
					Weight:       weights[s.Name()],
					Comment:      "Failed to vote",
					ResponseTime: elapsed,
				}}
				return
			}
			parsed := ParseVote(text)
			if parsed.Heuristic {
				kind := "heuristic"
				if !parsed.Approved {
					kind = "default_reject"
				}
				metrics.VoteParseFallbacks.WithLabelValues(kind).Inc()
				o.logger.Warnf("vote from %s parsed without canonical marker (%s)", s.Name(), kind)
			}
			results[idx] = voteResult{vote: models.Vote{
				Supervisor:   s.Name(),
				Approved:     parsed.Approved,
				Confidence:   parsed.Confidence,
				Weight:       weights[s.Name()],
				Comment:      parsed.Comment,
				ResponseTime: elapsed,
			}, ok: true}
		}(i, sup)
	}
	wg.Wait()

	votes := make([]models.Vote, len(results))
	anyVoted := false
	for i, r := range results {
		votes[i] = r.vote
		if r.ok {
			anyVoted = true
		}
	}
	return votes, anyVoted
}

// finalize persists the record, emits events and accounts metrics.
func (o *Orchestrator) finalize(ctx context.Context, task models.Task, decision *models.Decision, selection teams.Selection, rounds int, start time.Time) {
	outcome := "rejected"
	if decision.Approved {
		outcome = "approved"
	}
	metrics.DebatesCompleted.WithLabelValues(outcome).Inc()

	participants := make([]string, 0, len(decision.Votes))
	for _, v := range decision.Votes {
		participants = append(participants, v.Supervisor)
	}

	if o.config.PersistHistory && o.recorder != nil {
		record := &models.DebateRecord{
			ID:        models.NewDebateRecordID(),
			Timestamp: time.Now().UTC(),
			Task:      task,
			Decision:  *decision,
			Meta: models.DebateMeta{
				Rounds:           rounds,
				ConsensusMode:    selection.Mode,
				Lead:             selection.Lead,
				SelectionSummary: selection.Reasoning,
				Duration:         time.Since(start),
				Supervisors:      participants,
				SessionID:        o.config.SessionID,
				TaskType:         selection.Type,
			},
		}
		if err := o.recorder.Save(ctx, record); err != nil {
			o.logger.WithError(err).Error("failed to persist debate record")
		}
	}

	o.emit(events.EventDebateCompleted, map[string]interface{}{
		"task_id":  task.ID,
		"approved": decision.Approved,
		"duration": time.Since(start).String(),
	})
}

func (o *Orchestrator) emit(t events.EventType, payload interface{}) {
	if o.bus != nil {
		o.bus.Emit(t, "debate", payload)
	}
}
