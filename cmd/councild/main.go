// Command councild runs the multi-supervisor deliberation daemon: it wires
// the quota manager, team selector, debate orchestrator, history store and
// session health monitor behind the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/config"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/debate"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/events"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/health"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/history"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/httpapi"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/llm"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/logring"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/quota"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/sessionstore"
	"github.com/robertpelloni/opencode-autopilot-sub000/internal/teams"
)

func main() {
	configPath := flag.String("config", "autopilot.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("failed to load .env file")
	}

	if err := run(*configPath, logger); err != nil {
		logger.WithError(err).Fatal("councild exited with error")
	}
}

func run(configPath string, logger *logrus.Logger) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(nil)
	defer bus.Close()

	quotaManager := quota.NewManager(cfg.Quota, bus, logger)

	store, err := openHistory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	orchestrator := debate.NewOrchestrator(cfg.Debate, logger)
	orchestrator.SetQuotaManager(quotaManager)
	orchestrator.SetRecorder(store)
	orchestrator.SetBus(bus)

	if cfg.SmartTeam {
		selector := teams.NewSelector(teams.DefaultProfiles(), teams.DefaultTemplates(), logger)
		orchestrator.SetSelector(selector)
	}

	registerSupervisors(orchestrator, cfg, logger)

	sessions, err := sessionstore.NewStore(cfg.Sessions, logger)
	if err != nil {
		return err
	}
	sessions.Start()
	defer sessions.Stop()

	logs := logring.NewRing(cfg.Logs, logger)
	logs.Start()
	defer logs.Stop()

	monitor := health.NewMonitor(cfg.Health, nil, bus, logger)
	monitor.Start()
	defer monitor.Stop()
	for _, session := range sessions.Resumable() {
		logger.WithField("session_id", session.ID).Info("Resuming persisted session")
		monitor.Register(session.ID, session.Port, "")
	}

	watcher, err := config.NewWatcher(loader, func(next *config.Config) {
		for provider, limits := range next.Quota.Limits {
			quotaManager.SetLimits(provider, limits)
		}
		quotaManager.SetEnabled(next.Quota.Enabled)
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("config hot reload disabled")
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	api := httpapi.NewServer(orchestrator, logger)
	api.SetHistory(store)
	api.SetQuotaManager(quotaManager)
	api.SetHealthMonitor(monitor)
	api.SetBus(bus)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.WithField("addr", addr).Info("councild listening")
	return api.Serve(ctx, addr)
}

func openHistory(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (history.Store, error) {
	retention := cfg.History.Retention()
	switch cfg.History.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return history.NewPostgresStore(ctx, pool, retention, logger)
	default:
		return history.NewSQLiteStore(cfg.History.Path, retention, logger)
	}
}

func registerSupervisors(orchestrator *debate.Orchestrator, cfg *config.Config, logger *logrus.Logger) {
	for provider, pc := range cfg.EnabledProviders() {
		sup, err := buildSupervisor(provider, pc, logger)
		if err != nil {
			logger.WithError(err).Warnf("skipping provider %s", provider)
			continue
		}
		orchestrator.RegisterSupervisor(sup)
		logger.WithFields(logrus.Fields{
			"provider": provider,
			"model":    pc.Model,
		}).Info("Registered supervisor")
	}
}

// supervisorNames maps providers onto the display names the default team
// templates expect.
// defaultBaseURLs are the chat-completions endpoints for the OpenAI-style
// providers when the config does not override them.
var defaultBaseURLs = map[string]string{
	"deepseek": "https://api.deepseek.com/v1",
	"qwen":     "https://dashscope.aliyuncs.com/compatible-mode/v1",
	"kimi":     "https://api.moonshot.ai/v1",
	"grok":     "https://api.x.ai/v1",
}

var supervisorNames = map[string]string{
	"anthropic": "Claude",
	"openai":    "GPT-4",
	"gemini":    "Gemini",
	"deepseek":  "DeepSeek",
	"qwen":      "Qwen",
	"kimi":      "Kimi",
	"grok":      "Grok",
}

func buildSupervisor(provider string, pc config.ProviderConfig, logger *logrus.Logger) (llm.Supervisor, error) {
	name := supervisorNames[provider]
	switch provider {
	case "anthropic":
		return llm.NewAnthropicSupervisor(llm.AnthropicConfig{
			Name:    name,
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey,
			Model:   pc.Model,
		}, logger), nil
	case "gemini":
		return llm.NewGeminiSupervisor(llm.GeminiConfig{
			Name:    name,
			BaseURL: pc.BaseURL,
			APIKey:  pc.APIKey,
			Model:   pc.Model,
		}, logger), nil
	case "openai", "deepseek", "qwen", "kimi", "grok":
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURLs[provider]
		}
		return llm.NewOpenAICompatibleSupervisor(llm.OpenAICompatibleConfig{
			Name:     name,
			Provider: provider,
			BaseURL:  baseURL,
			APIKey:   pc.APIKey,
			Model:    pc.Model,
		}, logger), nil
	default:
		return nil, fmt.Errorf("no adapter for provider %s", provider)
	}
}
