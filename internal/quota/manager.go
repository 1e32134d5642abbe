// Package quota enforces per-provider request, token and cost limits over
// sliding minute/hour/civil-day windows, with concurrency caps and
// rate-limit throttling.
package quota

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/events"
)

// Limits holds the per-provider limit set. Zero values mean "not
// configured" for token limits and cost; request limits of zero fall back
// to the generic default.
type Limits struct {
	RequestsPerMinute int     `json:"requests_per_minute" yaml:"requests_per_minute"`
	RequestsPerHour   int     `json:"requests_per_hour" yaml:"requests_per_hour"`
	TokensPerMinute   int     `json:"tokens_per_minute" yaml:"tokens_per_minute"`
	TokensPerDay      int     `json:"tokens_per_day" yaml:"tokens_per_day"`
	MaxConcurrent     int     `json:"max_concurrent" yaml:"max_concurrent"`
	CostPer1kTokens   float64 `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
}

// Config configures the quota manager.
type Config struct {
	Enabled          bool              `json:"enabled" yaml:"enabled"`
	AutoThrottle     bool              `json:"auto_throttle" yaml:"auto_throttle"`
	ThrottleDuration time.Duration     `json:"throttle_duration" yaml:"throttle_duration"`
	AlertThreshold   float64           `json:"alert_threshold" yaml:"alert_threshold"`
	DailyBudgetUSD   float64           `json:"daily_budget_usd" yaml:"daily_budget_usd"`
	RetentionHours   int               `json:"retention_hours" yaml:"retention_hours"`
	Limits           map[string]Limits `json:"limits" yaml:"limits"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		AutoThrottle:     true,
		ThrottleDuration: 60 * time.Second,
		AlertThreshold:   0.8,
		RetentionHours:   24,
	}
}

// requestSample is one completed call, retained for success-rate and
// latency statistics only.
type requestSample struct {
	Timestamp time.Time
	Tokens    int
	LatencyMs int64
	Success   bool
}

// UsageSnapshot is a copy of a provider's current window counters.
type UsageSnapshot struct {
	Provider           string    `json:"provider"`
	RequestsThisMinute int       `json:"requests_this_minute"`
	RequestsThisHour   int       `json:"requests_this_hour"`
	RequestsToday      int       `json:"requests_today"`
	TokensThisMinute   int       `json:"tokens_this_minute"`
	TokensToday        int       `json:"tokens_today"`
	Concurrent         int       `json:"concurrent"`
	DailyCost          float64   `json:"daily_cost"`
	Throttled          bool      `json:"throttled"`
	ThrottleEnd        time.Time `json:"throttle_end,omitempty"`
	MinuteStart        time.Time `json:"minute_start"`
	HourStart          time.Time `json:"hour_start"`
	DayStart           time.Time `json:"day_start"`
}

// CheckResult is the outcome of an admission check.
type CheckResult struct {
	Allowed  bool          `json:"allowed"`
	Reason   string        `json:"reason,omitempty"`
	WaitMs   int64         `json:"wait_ms,omitempty"`
	Snapshot UsageSnapshot `json:"snapshot"`
}

// providerState carries one provider's usage, guarded by its own mutex so
// check/start/record never race a window rollover.
type providerState struct {
	mu sync.Mutex

	provider           string
	limits             Limits
	requestsThisMinute int
	requestsThisHour   int
	requestsToday      int
	tokensThisMinute   int
	tokensToday        int
	minuteStart        time.Time
	hourStart          time.Time
	dayStart           time.Time
	concurrent         int
	dailyCost          float64
	throttled          bool
	throttleEnd        time.Time
	history            []requestSample
}

// Manager is the quota manager. A process typically holds one instance
// shared by all debates.
type Manager struct {
	mu        sync.Mutex
	config    Config
	providers map[string]*providerState
	globalDay time.Time
	globalUSD float64
	bus       *events.Bus
	logger    *logrus.Logger
	now       func() time.Time
}

// NewManager creates a quota manager. bus may be nil when no subscribers
// are interested in quota events.
func NewManager(config Config, bus *events.Bus, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if config.ThrottleDuration == 0 {
		config.ThrottleDuration = 60 * time.Second
	}
	if config.AlertThreshold == 0 {
		config.AlertThreshold = 0.8
	}
	if config.RetentionHours == 0 {
		config.RetentionHours = 24
	}
	return &Manager{
		config:    config,
		providers: make(map[string]*providerState),
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

// SetEnabled toggles enforcement without touching counters.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	changed := m.config.Enabled != enabled
	m.config.Enabled = enabled
	m.mu.Unlock()
	if changed {
		m.emit(events.EventQuotaConfigChanged, map[string]interface{}{"enabled": enabled})
	}
}

// SetLimits replaces a provider's limit set at runtime.
func (m *Manager) SetLimits(provider string, limits Limits) {
	state := m.state(provider)
	state.mu.Lock()
	state.limits = limits
	state.mu.Unlock()
	m.emit(events.EventQuotaConfigChanged, map[string]interface{}{"provider": provider, "limits": limits})
}

func (m *Manager) state(provider string) *providerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.providers[provider]
	if !ok {
		now := m.now()
		state = &providerState{
			provider:    provider,
			limits:      m.limitsFor(provider),
			minuteStart: now,
			hourStart:   now,
			dayStart:    startOfDay(now),
		}
		m.providers[provider] = state
	}
	return state
}

func (m *Manager) limitsFor(provider string) Limits {
	if l, ok := m.config.Limits[provider]; ok {
		return l
	}
	if l, ok := defaultLimits[provider]; ok {
		return l
	}
	return genericLimits
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

// rollWindows resets any window whose boundary the clock has crossed.
// Callers must hold state.mu.
func (s *providerState) rollWindows(now time.Time) {
	if now.Sub(s.minuteStart) >= time.Minute {
		s.minuteStart = now
		s.requestsThisMinute = 0
		s.tokensThisMinute = 0
	}
	if now.Sub(s.hourStart) >= time.Hour {
		s.hourStart = now
		s.requestsThisHour = 0
	}
	if day := startOfDay(now); !day.Equal(s.dayStart) {
		s.dayStart = day
		s.requestsToday = 0
		s.tokensToday = 0
		s.dailyCost = 0
	}
}

func (s *providerState) snapshot() UsageSnapshot {
	return UsageSnapshot{
		Provider:           s.provider,
		RequestsThisMinute: s.requestsThisMinute,
		RequestsThisHour:   s.requestsThisHour,
		RequestsToday:      s.requestsToday,
		TokensThisMinute:   s.tokensThisMinute,
		TokensToday:        s.tokensToday,
		Concurrent:         s.concurrent,
		DailyCost:          s.dailyCost,
		Throttled:          s.throttled,
		ThrottleEnd:        s.throttleEnd,
		MinuteStart:        s.minuteStart,
		HourStart:          s.hourStart,
		DayStart:           s.dayStart,
	}
}

// Check runs the admission gate for one prospective call. It never blocks;
// denials carry a wait hint in milliseconds.
func (m *Manager) Check(provider string) CheckResult {
	m.mu.Lock()
	enabled := m.config.Enabled
	alertThreshold := m.config.AlertThreshold
	budget := m.config.DailyBudgetUSD
	m.mu.Unlock()

	state := m.state(provider)
	state.mu.Lock()
	defer state.mu.Unlock()

	now := m.now()
	state.rollWindows(now)

	if !enabled {
		return CheckResult{Allowed: true, Snapshot: state.snapshot()}
	}

	if state.throttled {
		if now.Before(state.throttleEnd) {
			return CheckResult{
				Allowed:  false,
				Reason:   "provider throttled after rate limit error",
				WaitMs:   state.throttleEnd.Sub(now).Milliseconds(),
				Snapshot: state.snapshot(),
			}
		}
		state.throttled = false
		state.throttleEnd = time.Time{}
		m.emit(events.EventQuotaUnthrottled, map[string]interface{}{"provider": provider})
	}

	limits := state.limits
	if limits.MaxConcurrent > 0 && state.concurrent >= limits.MaxConcurrent {
		return CheckResult{
			Allowed:  false,
			Reason:   "max concurrent requests reached",
			WaitMs:   1000,
			Snapshot: state.snapshot(),
		}
	}

	if limits.RequestsPerMinute > 0 && state.requestsThisMinute >= limits.RequestsPerMinute {
		return CheckResult{
			Allowed:  false,
			Reason:   "requests per minute limit reached",
			WaitMs:   (time.Minute - now.Sub(state.minuteStart)).Milliseconds(),
			Snapshot: state.snapshot(),
		}
	}

	if limits.RequestsPerHour > 0 && state.requestsThisHour >= limits.RequestsPerHour {
		return CheckResult{
			Allowed:  false,
			Reason:   "requests per hour limit reached",
			WaitMs:   (time.Hour - now.Sub(state.hourStart)).Milliseconds(),
			Snapshot: state.snapshot(),
		}
	}

	if limits.TokensPerMinute > 0 && state.tokensThisMinute >= limits.TokensPerMinute {
		return CheckResult{
			Allowed:  false,
			Reason:   "tokens per minute limit reached",
			WaitMs:   (time.Minute - now.Sub(state.minuteStart)).Milliseconds(),
			Snapshot: state.snapshot(),
		}
	}

	if limits.TokensPerDay > 0 && state.tokensToday >= limits.TokensPerDay {
		return CheckResult{
			Allowed:  false,
			Reason:   "tokens per day limit reached",
			WaitMs:   state.dayStart.AddDate(0, 0, 1).Sub(now).Milliseconds(),
			Snapshot: state.snapshot(),
		}
	}

	if budget > 0 {
		m.mu.Lock()
		m.rollGlobalDay(now)
		over := m.globalUSD >= budget
		m.mu.Unlock()
		if over {
			return CheckResult{
				Allowed:  false,
				Reason:   "daily budget exhausted",
				WaitMs:   startOfDay(now).AddDate(0, 0, 1).Sub(now).Milliseconds(),
				Snapshot: state.snapshot(),
			}
		}
	}

	m.maybeAlert(state, limits, alertThreshold)
	return CheckResult{Allowed: true, Snapshot: state.snapshot()}
}

// maybeAlert emits an alert event when any utilization crosses the
// threshold. Callers hold state.mu.
func (m *Manager) maybeAlert(state *providerState, limits Limits, threshold float64) {
	type dim struct {
		name  string
		used  float64
		limit float64
	}
	dims := []dim{
		{"requests_per_minute", float64(state.requestsThisMinute), float64(limits.RequestsPerMinute)},
		{"requests_per_hour", float64(state.requestsThisHour), float64(limits.RequestsPerHour)},
		{"tokens_per_minute", float64(state.tokensThisMinute), float64(limits.TokensPerMinute)},
		{"tokens_per_day", float64(state.tokensToday), float64(limits.TokensPerDay)},
	}
	for _, d := range dims {
		if d.limit <= 0 {
			continue
		}
		if util := d.used / d.limit; util >= threshold {
			m.emit(events.EventQuotaAlert, map[string]interface{}{
				"provider":    state.provider,
				"dimension":   d.name,
				"utilization": util,
			})
			return
		}
	}
}

func (m *Manager) rollGlobalDay(now time.Time) {
	if day := startOfDay(now); !day.Equal(m.globalDay) {
		m.globalDay = day
		m.globalUSD = 0
	}
}

// Start reserves a concurrency slot for an admitted call.
func (m *Manager) Start(provider string) {
	state := m.state(provider)
	state.mu.Lock()
	state.concurrent++
	state.mu.Unlock()
}

// Record accounts a completed call: window counters, cost, history sample.
// It also releases the concurrency slot taken by Start.
func (m *Manager) Record(provider string, tokens int, latencyMs int64, success bool) {
	state := m.state(provider)
	state.mu.Lock()
	now := m.now()
	state.rollWindows(now)

	if state.concurrent > 0 {
		state.concurrent--
	}
	state.requestsThisMinute++
	state.requestsThisHour++
	state.requestsToday++
	state.tokensThisMinute += tokens
	state.tokensToday += tokens

	var cost float64
	if state.limits.CostPer1kTokens > 0 && tokens > 0 {
		cost = float64(tokens) / 1000 * state.limits.CostPer1kTokens
		state.dailyCost += cost
	}

	state.history = append(state.history, requestSample{
		Timestamp: now,
		Tokens:    tokens,
		LatencyMs: latencyMs,
		Success:   success,
	})
	state.trimHistory(now, m.retention())
	state.mu.Unlock()

	if cost > 0 {
		m.mu.Lock()
		m.rollGlobalDay(now)
		m.globalUSD += cost
		m.mu.Unlock()
	}

	m.emit(events.EventQuotaRequest, map[string]interface{}{
		"provider": provider,
		"tokens":   tokens,
		"success":  success,
	})
}

func (m *Manager) retention() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Duration(m.config.RetentionHours) * time.Hour
}

func (s *providerState) trimHistory(now time.Time, retention time.Duration) {
	cutoff := now.Add(-retention)
	idx := 0
	for idx < len(s.history) && s.history[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		s.history = s.history[idx:]
	}
}

// RecordRateLimitError marks a provider as rate-limited upstream. With
// auto-throttle on, further calls are denied until the throttle expires.
func (m *Manager) RecordRateLimitError(provider string) {
	m.mu.Lock()
	auto := m.config.AutoThrottle
	dur := m.config.ThrottleDuration
	m.mu.Unlock()
	if !auto {
		return
	}

	state := m.state(provider)
	state.mu.Lock()
	state.throttled = true
	state.throttleEnd = m.now().Add(dur)
	end := state.throttleEnd
	state.mu.Unlock()

	m.logger.Warnf("provider %s throttled until %s after upstream rate limit", provider, end.Format(time.RFC3339))
	m.emit(events.EventQuotaThrottled, map[string]interface{}{
		"provider":     provider,
		"throttle_end": end,
	})
}

// Unthrottle clears a provider throttle immediately (admin override).
func (m *Manager) Unthrottle(provider string) {
	state := m.state(provider)
	state.mu.Lock()
	was := state.throttled
	state.throttled = false
	state.throttleEnd = time.Time{}
	state.mu.Unlock()
	if was {
		m.emit(events.EventQuotaUnthrottled, map[string]interface{}{"provider": provider})
	}
}

// Usage returns a snapshot of a provider's current counters, rolling
// windows first.
func (m *Manager) Usage(provider string) UsageSnapshot {
	state := m.state(provider)
	state.mu.Lock()
	defer state.mu.Unlock()
	state.rollWindows(m.now())
	return state.snapshot()
}

// ProviderStats summarizes the retained request history.
type ProviderStats struct {
	Provider     string  `json:"provider"`
	Requests     int     `json:"requests"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	TotalTokens  int     `json:"total_tokens"`
}

// Stats computes success rate and latency statistics over the retained
// history window.
func (m *Manager) Stats(provider string) ProviderStats {
	state := m.state(provider)
	state.mu.Lock()
	defer state.mu.Unlock()
	state.trimHistory(m.now(), m.retention())

	stats := ProviderStats{Provider: provider, Requests: len(state.history)}
	if len(state.history) == 0 {
		return stats
	}
	var ok int
	var latency int64
	for _, s := range state.history {
		if s.Success {
			ok++
		}
		latency += s.LatencyMs
		stats.TotalTokens += s.Tokens
	}
	stats.SuccessRate = float64(ok) / float64(len(state.history))
	stats.AvgLatencyMs = float64(latency) / float64(len(state.history))
	return stats
}

// Reset clears a single provider's counters, throttle and history.
func (m *Manager) Reset(provider string) {
	state := m.state(provider)
	state.mu.Lock()
	defer state.mu.Unlock()
	now := m.now()
	state.requestsThisMinute = 0
	state.requestsThisHour = 0
	state.requestsToday = 0
	state.tokensThisMinute = 0
	state.tokensToday = 0
	state.dailyCost = 0
	state.concurrent = 0
	state.throttled = false
	state.throttleEnd = time.Time{}
	state.history = nil
	state.minuteStart = now
	state.hourStart = now
	state.dayStart = startOfDay(now)
}

// ResetAll clears every provider and the global daily cost.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.globalUSD = 0
	m.mu.Unlock()
	for _, name := range names {
		m.Reset(name)
	}
}

func (m *Manager) emit(t events.EventType, payload interface{}) {
	if m.bus != nil {
		m.bus.Emit(t, "quota", payload)
	}
}
