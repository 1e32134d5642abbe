package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/robertpelloni/opencode-autopilot-sub000/internal/models"
)

// AnthropicConfig configures an Anthropic-style supervisor.
type AnthropicConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// AnthropicSupervisor implements Supervisor over the Anthropic messages API.
type AnthropicSupervisor struct {
	config AnthropicConfig
	client *http.Client
	logger *logrus.Logger
}

// NewAnthropicSupervisor creates a supervisor backed by the Anthropic API.
func NewAnthropicSupervisor(config AnthropicConfig, logger *logrus.Logger) *AnthropicSupervisor {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.anthropic.com/v1"
	}
	if config.Model == "" {
		config.Model = "claude-sonnet-4-5-20250929"
	}
	return &AnthropicSupervisor{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Name returns the supervisor's unique name.
func (s *AnthropicSupervisor) Name() string { return s.config.Name }

// Provider returns the provider tag.
func (s *AnthropicSupervisor) Provider() string { return "anthropic" }

type anthropicRequest struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	Messages  []models.Message `json:"messages"`
	MaxTokens int              `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Chat sends the message sequence to the messages endpoint. System-role
// messages are lifted into the top-level system field as the API requires.
func (s *AnthropicSupervisor) Chat(ctx context.Context, messages []models.Message) (string, error) {
	req := anthropicRequest{Model: s.config.Model, MaxTokens: 4096}
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, m)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", &SupervisorError{Supervisor: s.config.Name, Err: err}
	}

	url := strings.TrimRight(s.config.BaseURL, "/") + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &SupervisorError{Supervisor: s.config.Name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", s.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", &SupervisorError{Supervisor: s.config.Name, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &SupervisorError{Supervisor: s.config.Name, Retryable: true, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPStatus(s.config.Name, resp.StatusCode, data)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &SupervisorError{Supervisor: s.config.Name, Err: fmt.Errorf("decode response: %w", err)}
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &SupervisorError{Supervisor: s.config.Name, Err: fmt.Errorf("no text content in response")}
	}
	return sb.String(), nil
}

// Available reports whether the supervisor has credentials configured. The
// Anthropic API has no cheap unauthenticated probe, so availability is a
// local credential check.
func (s *AnthropicSupervisor) Available(ctx context.Context) bool {
	return s.config.APIKey != ""
}
