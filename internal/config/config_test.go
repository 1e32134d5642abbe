package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

const sampleYAML = `
debate:
  max_rounds: 2
  mode: supermajority
  threshold: 0.6
smart_team: true
providers:
  anthropic:
    api_key: ${TEST_ANTHROPIC_KEY}
    model: claude-sonnet
    enabled: true
  openai:
    api_key: literal-key
    model: gpt-4
    enabled: true
history:
  backend: sqlite
  path: /tmp/test-history.db
  retention_days: 30
  max_records: 500
server:
  port: 9000
`

func TestLoadFromString(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "secret-key")

	loader := NewLoader("unused.yaml")
	config, err := loader.LoadFromString(sampleYAML)
	require.NoError(t, err)

	assert.Equal(t, 2, config.Debate.MaxRounds)
	assert.Equal(t, models.ConsensusSupermajority, config.Debate.Mode)
	assert.InDelta(t, 0.6, config.Debate.Threshold, 1e-9)
	assert.True(t, config.SmartTeam)
	assert.Equal(t, "secret-key", config.Providers["anthropic"].APIKey)
	assert.Equal(t, "literal-key", config.Providers["openai"].APIKey)
	assert.Equal(t, 30, config.History.RetentionDays)
	assert.Equal(t, 9000, config.Server.Port)
	assert.Same(t, config, loader.GetConfig())
}

func TestLoadAppliesDefaults(t *testing.T) {
	loader := NewLoader("unused.yaml")
	config, err := loader.LoadFromString("providers: {}\n")
	require.NoError(t, err)

	assert.Equal(t, 3, config.Debate.MaxRounds)
	assert.Equal(t, models.ConsensusWeighted, config.Debate.Mode)
	assert.Equal(t, "sqlite", config.History.Backend)
	assert.NotEmpty(t, config.History.Path)
	assert.Equal(t, "127.0.0.1", config.Server.Host)
	assert.Equal(t, 8420, config.Server.Port)
	assert.Positive(t, config.Health.MaxFailures)
	assert.Positive(t, config.Logs.MaxLogsPerSession)
	assert.NotEmpty(t, config.Sessions.Path)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTOPILOT_DEBATE_ROUNDS", "5")
	t.Setenv("AUTOPILOT_CONSENSUS", "unanimous")
	t.Setenv("AUTOPILOT_SMART_PILOT", "true")
	t.Setenv("XAI_API_KEY", "grok-key")
	t.Setenv("MOONSHOT_MODEL", "kimi-latest")
	t.Setenv("KIMI_API_KEY", "kimi-key")

	loader := NewLoader("unused.yaml")
	config, err := loader.LoadFromString("providers: {}\n")
	require.NoError(t, err)

	assert.Equal(t, 5, config.Debate.MaxRounds)
	assert.Equal(t, models.ConsensusUnanimous, config.Debate.Mode)
	assert.True(t, config.SmartTeam)
	assert.Equal(t, "grok-key", config.Providers["grok"].APIKey)
	assert.True(t, config.Providers["grok"].Enabled)
	assert.Equal(t, "kimi-key", config.Providers["kimi"].APIKey)
	assert.Equal(t, "kimi-latest", config.Providers["kimi"].Model)
}

func TestEnvOverrideIgnoresInvalidValues(t *testing.T) {
	t.Setenv("AUTOPILOT_DEBATE_ROUNDS", "not-a-number")
	t.Setenv("AUTOPILOT_CONSENSUS", "mob-rule")

	loader := NewLoader("unused.yaml")
	config, err := loader.LoadFromString("providers: {}\n")
	require.NoError(t, err)

	assert.Equal(t, 3, config.Debate.MaxRounds)
	assert.Equal(t, models.ConsensusWeighted, config.Debate.Mode)
}

func TestValidate(t *testing.T) {
	loader := NewLoader("unused.yaml")

	_, err := loader.LoadFromString("debate:\n  mode: mob-rule\n")
	assert.ErrorContains(t, err, "unknown consensus mode")

	_, err = loader.LoadFromString("history:\n  backend: cassandra\n")
	assert.ErrorContains(t, err, "unknown history backend")

	_, err = loader.LoadFromString("history:\n  backend: postgres\n")
	assert.ErrorContains(t, err, "requires a dsn")

	_, err = loader.LoadFromString("providers:\n  skynet:\n    api_key: x\n")
	assert.ErrorContains(t, err, "unknown provider")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	t.Setenv("TEST_ANTHROPIC_KEY", "from-file-test")

	loader := NewLoader(path)
	config, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file-test", config.Providers["anthropic"].APIKey)

	missing := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = missing.Load()
	assert.ErrorContains(t, err, "does not exist")
}

func TestEnabledProviders(t *testing.T) {
	loader := NewLoader("unused.yaml")
	config, err := loader.LoadFromString(`
providers:
  openai:
    api_key: key
    enabled: true
  gemini:
    api_key: ""
    enabled: true
  deepseek:
    api_key: key
    enabled: false
`)
	require.NoError(t, err)

	enabled := config.EnabledProviders()
	assert.Len(t, enabled, 1)
	assert.Contains(t, enabled, "openai")
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autopilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debate:\n  max_rounds: 1\n"), 0o644))

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	watcher, err := NewWatcher(loader, func(c *Config) { changed <- c }, logger)
	require.NoError(t, err)
	watcher.Start()
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("debate:\n  max_rounds: 7\n"), 0o644))

	select {
	case config := <-changed:
		assert.Equal(t, 7, config.Debate.MaxRounds)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never delivered the reloaded config")
	}
}
