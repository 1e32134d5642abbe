package health

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/events"
)

func createTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testConfig() Config {
	config := DefaultConfig()
	config.Timeout = time.Second
	config.RestartDelay = time.Millisecond
	config.MaxBackoff = 10 * time.Millisecond
	return config
}

func serverPort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func TestCheckSession_Healthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	monitor := NewMonitor(testConfig(), nil, nil, createTestLogger())
	monitor.Register("s1", serverPort(t, server), "/health")
	monitor.CheckSession("s1")

	info, ok := monitor.Session("s1")
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, info.Status)
	assert.Zero(t, info.ConsecutiveFailures)
}

func TestCheckSession_DegradedThenRecovers(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	monitor := NewMonitor(testConfig(), nil, nil, createTestLogger())
	monitor.Register("s1", serverPort(t, server), "/health")

	monitor.CheckSession("s1")
	info, _ := monitor.Session("s1")
	assert.Equal(t, StatusDegraded, info.Status)
	assert.Equal(t, 1, info.ConsecutiveFailures)

	healthy.Store(true)
	monitor.CheckSession("s1")
	info, _ = monitor.Session("s1")
	assert.Equal(t, StatusHealthy, info.Status)
	assert.Zero(t, info.ConsecutiveFailures)
}

func TestCheckSession_UnresponsiveTriggersRestart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	restarted := make(chan string, 1)
	restart := func(sessionID, reason string) bool {
		restarted <- sessionID
		return true
	}

	monitor := NewMonitor(testConfig(), restart, nil, createTestLogger())
	monitor.Register("s1", serverPort(t, server), "/health")

	for i := 0; i < 3; i++ {
		monitor.CheckSession("s1")
	}

	select {
	case id := <-restarted:
		assert.Equal(t, "s1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("restart callback was never invoked")
	}

	require.Eventually(t, func() bool {
		info, _ := monitor.Session("s1")
		return info.Status == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)

	info, _ := monitor.Session("s1")
	assert.Equal(t, 1, info.RestartCount)
	assert.Zero(t, info.ConsecutiveFailures)
}

func TestCheckSession_CrashAfterExhaustedRestarts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	bus := events.NewBus(nil)
	defer bus.Close()
	sub := bus.Subscribe(events.EventSessionError)
	defer sub.Close()

	var attempts atomic.Int32
	restart := func(sessionID, reason string) bool {
		attempts.Add(1)
		return false
	}

	config := testConfig()
	config.MaxRestartAttempts = 2
	monitor := NewMonitor(config, restart, bus, createTestLogger())
	monitor.Register("s1", serverPort(t, server), "/health")

	for i := 0; i < 3; i++ {
		monitor.CheckSession("s1")
	}

	require.Eventually(t, func() bool {
		info, _ := monitor.Session("s1")
		return info.Status == StatusCrashed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), attempts.Load())

	// The terminal crash carries a non-recoverable error event.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			payload := ev.Payload.(map[string]interface{})
			if payload["recoverable"] == false {
				return
			}
		case <-deadline:
			t.Fatal("no non-recoverable error event observed")
		}
	}
}

func TestCheckSession_CrashedIsTerminal(t *testing.T) {
	monitor := NewMonitor(testConfig(), nil, nil, createTestLogger())
	monitor.Register("s1", 1, "/health")
	monitor.sessions["s1"].Status = StatusCrashed

	monitor.CheckSession("s1")
	info, _ := monitor.Session("s1")
	assert.Equal(t, StatusCrashed, info.Status)
	assert.True(t, info.LastChecked.IsZero())
}

func TestCheckAll_Parallel(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Path] = true
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	monitor := NewMonitor(testConfig(), nil, nil, createTestLogger())
	port := serverPort(t, server)
	monitor.Register("a", port, "/health/a")
	monitor.Register("b", port, "/health/b")
	monitor.CheckAll()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen["/health/a"])
	assert.True(t, seen["/health/b"])
}

func TestBackoffDelay(t *testing.T) {
	config := DefaultConfig()
	config.RestartDelay = time.Second
	config.BackoffMultiplier = 2
	config.MaxBackoff = 5 * time.Second
	monitor := NewMonitor(config, nil, nil, createTestLogger())

	assert.Equal(t, time.Second, monitor.backoffDelay(0))
	assert.Equal(t, 2*time.Second, monitor.backoffDelay(1))
	assert.Equal(t, 4*time.Second, monitor.backoffDelay(2))
	assert.Equal(t, 5*time.Second, monitor.backoffDelay(3))
}

func TestStartStop(t *testing.T) {
	config := testConfig()
	config.Interval = 10 * time.Millisecond

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	monitor := NewMonitor(config, nil, nil, createTestLogger())
	monitor.Register("s1", serverPort(t, server), "/health")
	monitor.Start()

	require.Eventually(t, func() bool {
		info, _ := monitor.Session("s1")
		return !info.LastChecked.IsZero()
	}, 2*time.Second, 5*time.Millisecond)

	monitor.Stop()
}
