// Package health tracks per-session liveness over HTTP checks and drives
// automatic restarts with exponential backoff.
package health

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/events"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/metrics"
)

// Status is a session's health state.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusUnresponsive Status = "unresponsive"
	// StatusCrashed is terminal: restart attempts are exhausted.
	StatusCrashed Status = "crashed"
)

// RestartFunc attempts to restart a session. It reports whether the
// restart succeeded.
type RestartFunc func(sessionID, reason string) bool

// Config tunes the monitor.
type Config struct {
	Interval           time.Duration `json:"interval" yaml:"interval"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	MaxFailures        int           `json:"max_failures" yaml:"max_failures"`
	MaxRestartAttempts int           `json:"max_restart_attempts" yaml:"max_restart_attempts"`
	RestartDelay       time.Duration `json:"restart_delay" yaml:"restart_delay"`
	BackoffMultiplier  float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxBackoff         time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		Timeout:            5 * time.Second,
		MaxFailures:        3,
		MaxRestartAttempts: 3,
		RestartDelay:       2 * time.Second,
		BackoffMultiplier:  2.0,
		MaxBackoff:         60 * time.Second,
	}
}

// SessionInfo is the externally visible state of a monitored session.
type SessionInfo struct {
	ID                  string    `json:"id"`
	Port                int       `json:"port"`
	HealthEndpoint      string    `json:"health_endpoint"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RestartCount        int       `json:"restart_count"`
	LastChecked         time.Time `json:"last_checked,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

type sessionState struct {
	mu sync.Mutex
	SessionInfo
	recovering bool
}

// Monitor performs periodic parallel health checks on registered sessions.
type Monitor struct {
	config  Config
	restart RestartFunc
	bus     *events.Bus
	client  *http.Client
	logger  *logrus.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionState

	stopCh  chan struct{}
	stopped sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// NewMonitor creates a health monitor. restart and bus may be nil; without
// a restart function unresponsive sessions go straight to crashed.
func NewMonitor(config Config, restart RestartFunc, bus *events.Bus, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 3
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &Monitor{
		config:   config,
		restart:  restart,
		bus:      bus,
		client:   &http.Client{},
		logger:   logger,
		sessions: make(map[string]*sessionState),
		stopCh:   make(chan struct{}),
	}
}

// Register adds a session to the watch list in the healthy state.
func (m *Monitor) Register(sessionID string, port int, healthEndpoint string) {
	if healthEndpoint == "" {
		healthEndpoint = "/health"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &sessionState{
		SessionInfo: SessionInfo{
			ID:             sessionID,
			Port:           port,
			HealthEndpoint: healthEndpoint,
			Status:         StatusHealthy,
		},
	}
}

// Unregister removes a session from the watch list.
func (m *Monitor) Unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Session returns a snapshot of one session's state.
func (m *Monitor) Session(sessionID string) (SessionInfo, bool) {
	m.mu.RLock()
	state, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return SessionInfo{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.SessionInfo, true
}

// Sessions returns a snapshot of every monitored session.
func (m *Monitor) Sessions() []SessionInfo {
	m.mu.RLock()
	states := make([]*sessionState, 0, len(m.sessions))
	for _, state := range m.sessions {
		states = append(states, state)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		infos = append(infos, state.SessionInfo)
		state.mu.Unlock()
	}
	return infos
}

// Start launches the periodic check loop.
func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopped.Add(1)
	go m.loop()
}

// Stop halts the check loop and waits for in-flight work.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()
	m.stopped.Wait()
}

func (m *Monitor) loop() {
	defer m.stopped.Done()
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CheckAll()
		case <-m.stopCh:
			return
		}
	}
}

// CheckAll checks every registered session in parallel and waits for all
// checks to settle.
func (m *Monitor) CheckAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			m.CheckSession(sessionID)
		}(id)
	}
	wg.Wait()
}

// CheckSession performs one health check and applies the state machine.
func (m *Monitor) CheckSession(sessionID string) {
	m.mu.RLock()
	state, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	state.mu.Lock()
	if state.Status == StatusCrashed {
		state.mu.Unlock()
		return
	}
	url := fmt.Sprintf("http://localhost:%d%s", state.Port, state.HealthEndpoint)
	state.mu.Unlock()

	err := m.probe(url)

	state.mu.Lock()
	state.LastChecked = time.Now()
	if err == nil {
		state.ConsecutiveFailures = 0
		state.LastError = ""
		changed := state.Status != StatusHealthy
		state.Status = StatusHealthy
		state.mu.Unlock()
		if changed {
			m.emitUpdate(sessionID, StatusHealthy)
		}
		return
	}

	state.ConsecutiveFailures++
	state.LastError = err.Error()
	if state.ConsecutiveFailures >= m.config.MaxFailures {
		firstEntry := state.Status != StatusUnresponsive
		state.Status = StatusUnresponsive
		startRecovery := firstEntry && !state.recovering
		if startRecovery {
			state.recovering = true
		}
		state.mu.Unlock()

		m.emitUpdate(sessionID, StatusUnresponsive)
		m.emitError(sessionID, "session unresponsive", true)
		if startRecovery {
			m.stopped.Add(1)
			go m.recover(state)
		}
		return
	}

	state.Status = StatusDegraded
	state.mu.Unlock()
	m.emitUpdate(sessionID, StatusDegraded)
}

// probe issues the GET. Any 2xx is healthy; the body is never read.
func (m *Monitor) probe(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// recover retries the restart callback with exponential backoff until it
// succeeds or attempts run out.
func (m *Monitor) recover(state *sessionState) {
	defer m.stopped.Done()
	defer func() {
		state.mu.Lock()
		state.recovering = false
		state.mu.Unlock()
	}()

	for {
		state.mu.Lock()
		sessionID := state.ID
		count := state.RestartCount
		state.mu.Unlock()

		if m.restart == nil || count >= m.config.MaxRestartAttempts {
			m.crash(state)
			return
		}

		delay := m.backoffDelay(count)
		select {
		case <-time.After(delay):
		case <-m.stopCh:
			return
		}

		ok := m.restart(sessionID, "health check failures exceeded threshold")

		state.mu.Lock()
		state.RestartCount++
		if ok {
			state.ConsecutiveFailures = 0
			state.Status = StatusHealthy
			state.mu.Unlock()
			metrics.SessionRestarts.WithLabelValues("success").Inc()
			m.logger.WithField("session_id", sessionID).Info("Session restarted")
			m.emitUpdate(sessionID, StatusHealthy)
			return
		}
		exhausted := state.RestartCount >= m.config.MaxRestartAttempts
		state.mu.Unlock()

		metrics.SessionRestarts.WithLabelValues("failure").Inc()
		m.logger.WithField("session_id", sessionID).Warn("Session restart failed")
		if exhausted {
			m.crash(state)
			return
		}
	}
}

func (m *Monitor) crash(state *sessionState) {
	state.mu.Lock()
	state.Status = StatusCrashed
	sessionID := state.ID
	state.mu.Unlock()

	m.logger.WithField("session_id", sessionID).Error("Session crashed, restart attempts exhausted")
	m.emitUpdate(sessionID, StatusCrashed)
	m.emitError(sessionID, "restart attempts exhausted", false)
}

func (m *Monitor) backoffDelay(restartCount int) time.Duration {
	delay := float64(m.config.RestartDelay) * math.Pow(m.config.BackoffMultiplier, float64(restartCount))
	if max := float64(m.config.MaxBackoff); m.config.MaxBackoff > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

func (m *Monitor) emitUpdate(sessionID string, status Status) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(events.EventSessionUpdate, "health", map[string]interface{}{
		"session_id": sessionID,
		"status":     string(status),
	})
}

func (m *Monitor) emitError(sessionID, message string, recoverable bool) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(events.EventSessionError, "health", map[string]interface{}{
		"session_id":  sessionID,
		"message":     message,
		"recoverable": recoverable,
	})
}
