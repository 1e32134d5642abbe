package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/events"
)

// fakeClock lets tests drive window rollovers deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
func (c *fakeClock) Set(t time.Time)         { c.now = t }

func newTestManager(config Config, bus *events.Bus) (*Manager, *fakeClock) {
	m := NewManager(config, bus, nil)
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)}
	m.now = clock.Now
	return m, clock
}

func TestManager_AllowsUnderLimits(t *testing.T) {
	m, _ := newTestManager(DefaultConfig(), nil)

	result := m.Check("openai")
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Reason)
}

func TestManager_RequestsPerMinuteBlock(t *testing.T) {
	config := DefaultConfig()
	config.Limits = map[string]Limits{"p": {RequestsPerMinute: 2, MaxConcurrent: 10}}
	m, clock := newTestManager(config, nil)

	for i := 0; i < 2; i++ {
		require.True(t, m.Check("p").Allowed)
		m.Start("p")
		m.Record("p", 100, 50, true)
	}
	clock.Advance(10 * time.Second)

	result := m.Check("p")
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "requests per minute")
	assert.Equal(t, int64(50000), result.WaitMs)
}

func TestManager_MinuteWindowRollover(t *testing.T) {
	config := DefaultConfig()
	config.Limits = map[string]Limits{"p": {RequestsPerMinute: 1}}
	m, clock := newTestManager(config, nil)

	m.Start("p")
	m.Record("p", 10, 5, true)
	require.False(t, m.Check("p").Allowed)

	// Just before the boundary the window still blocks.
	clock.Advance(59 * time.Second)
	require.False(t, m.Check("p").Allowed)

	clock.Advance(2 * time.Second)
	result := m.Check("p")
	assert.True(t, result.Allowed)
	assert.Equal(t, 0, result.Snapshot.RequestsThisMinute)
}

func TestManager_ConcurrencyCap(t *testing.T) {
	config := DefaultConfig()
	config.Limits = map[string]Limits{"p": {MaxConcurrent: 2}}
	m, _ := newTestManager(config, nil)

	m.Start("p")
	m.Start("p")
	result := m.Check("p")
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "concurrent")
	assert.Equal(t, int64(1000), result.WaitMs)

	m.Record("p", 10, 5, true)
	assert.True(t, m.Check("p").Allowed)
}

func TestManager_ThrottleAndExpiry(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	sub := bus.Subscribe(events.EventQuotaThrottled, events.EventQuotaUnthrottled)
	defer sub.Close()

	config := DefaultConfig()
	config.ThrottleDuration = 30 * time.Second
	m, clock := newTestManager(config, bus)

	m.RecordRateLimitError("p")

	ev := <-sub.Events()
	assert.Equal(t, events.EventQuotaThrottled, ev.Type)

	result := m.Check("p")
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "throttled")
	assert.Equal(t, int64(30000), result.WaitMs)

	clock.Advance(31 * time.Second)
	assert.True(t, m.Check("p").Allowed)

	ev = <-sub.Events()
	assert.Equal(t, events.EventQuotaUnthrottled, ev.Type)
}

func TestManager_AutoThrottleDisabled(t *testing.T) {
	config := DefaultConfig()
	config.AutoThrottle = false
	m, _ := newTestManager(config, nil)

	m.RecordRateLimitError("p")
	assert.True(t, m.Check("p").Allowed)
}

func TestManager_Unthrottle(t *testing.T) {
	m, _ := newTestManager(DefaultConfig(), nil)

	m.RecordRateLimitError("p")
	require.False(t, m.Check("p").Allowed)

	m.Unthrottle("p")
	assert.True(t, m.Check("p").Allowed)
}

func TestManager_CostAccountingAndBudget(t *testing.T) {
	config := DefaultConfig()
	config.DailyBudgetUSD = 0.05
	config.Limits = map[string]Limits{"p": {CostPer1kTokens: 0.03, MaxConcurrent: 10}}
	m, _ := newTestManager(config, nil)

	m.Start("p")
	m.Record("p", 1000, 100, true) // $0.03
	require.True(t, m.Check("p").Allowed)

	m.Start("p")
	m.Record("p", 1000, 100, true) // $0.06 total
	result := m.Check("p")
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "budget")
	assert.InDelta(t, 0.06, result.Snapshot.DailyCost, 1e-9)
}

func TestManager_TokenLimits(t *testing.T) {
	config := DefaultConfig()
	config.Limits = map[string]Limits{"p": {TokensPerMinute: 500, MaxConcurrent: 10}}
	m, _ := newTestManager(config, nil)

	m.Start("p")
	m.Record("p", 600, 100, true)

	result := m.Check("p")
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "tokens per minute")
}

func TestManager_DayWindowResetsAtMidnight(t *testing.T) {
	config := DefaultConfig()
	config.Limits = map[string]Limits{"p": {TokensPerDay: 100, MaxConcurrent: 10}}
	m, clock := newTestManager(config, nil)

	m.Start("p")
	m.Record("p", 150, 10, true)
	require.False(t, m.Check("p").Allowed)

	// Crossing the civil-day boundary clears daily counters.
	clock.Set(time.Date(2026, 3, 11, 0, 0, 1, 0, time.Local))
	result := m.Check("p")
	assert.True(t, result.Allowed)
	assert.Equal(t, 0, result.Snapshot.TokensToday)
}

func TestManager_DisabledAllowsEverything(t *testing.T) {
	config := DefaultConfig()
	config.Limits = map[string]Limits{"p": {RequestsPerMinute: 1}}
	m, _ := newTestManager(config, nil)

	m.Start("p")
	m.Record("p", 10, 5, true)
	require.False(t, m.Check("p").Allowed)

	m.SetEnabled(false)
	assert.True(t, m.Check("p").Allowed)

	// Re-enabling leaves counters untouched.
	m.SetEnabled(true)
	usage := m.Usage("p")
	assert.Equal(t, 1, usage.RequestsThisMinute)
	assert.False(t, m.Check("p").Allowed)
}

func TestManager_AlertEmittedAtThreshold(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	sub := bus.Subscribe(events.EventQuotaAlert)
	defer sub.Close()

	config := DefaultConfig()
	config.AlertThreshold = 0.5
	config.Limits = map[string]Limits{"p": {RequestsPerMinute: 4, MaxConcurrent: 10}}
	m, _ := newTestManager(config, bus)

	m.Start("p")
	m.Record("p", 10, 5, true)
	m.Start("p")
	m.Record("p", 10, 5, true)

	require.True(t, m.Check("p").Allowed)

	select {
	case ev := <-sub.Events():
		payload := ev.Payload.(map[string]interface{})
		assert.Equal(t, "p", payload["provider"])
		assert.GreaterOrEqual(t, payload["utilization"].(float64), 0.5)
	case <-time.After(time.Second):
		t.Fatal("expected alert event")
	}
}

func TestManager_Stats(t *testing.T) {
	m, _ := newTestManager(DefaultConfig(), nil)

	m.Start("p")
	m.Record("p", 100, 200, true)
	m.Start("p")
	m.Record("p", 300, 400, false)

	stats := m.Stats("p")
	assert.Equal(t, 2, stats.Requests)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 300, stats.AvgLatencyMs, 1e-9)
	assert.Equal(t, 400, stats.TotalTokens)
}

func TestManager_HistoryRetention(t *testing.T) {
	config := DefaultConfig()
	config.RetentionHours = 1
	m, clock := newTestManager(config, nil)

	m.Start("p")
	m.Record("p", 100, 200, true)
	clock.Advance(2 * time.Hour)

	stats := m.Stats("p")
	assert.Equal(t, 0, stats.Requests)
}

func TestManager_UnknownProviderInheritsGenericDefaults(t *testing.T) {
	m, _ := newTestManager(DefaultConfig(), nil)
	state := m.state("never-heard-of-it")
	assert.Equal(t, genericLimits, state.limits)
}

func TestManager_ResetAll(t *testing.T) {
	m, _ := newTestManager(DefaultConfig(), nil)

	m.Start("a")
	m.Record("a", 100, 5, true)
	m.Start("b")
	m.Record("b", 100, 5, true)

	m.ResetAll()
	assert.Equal(t, 0, m.Usage("a").RequestsThisMinute)
	assert.Equal(t, 0, m.Usage("b").RequestsThisMinute)
}
