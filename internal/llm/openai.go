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

// OpenAICompatibleConfig configures an OpenAI-compatible supervisor. The
// same adapter serves openai, deepseek, qwen, kimi and grok deployments by
// pointing BaseURL at the provider's chat-completions endpoint.
type OpenAICompatibleConfig struct {
	Name     string
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// OpenAICompatibleSupervisor implements Supervisor over the OpenAI chat
// completions wire format.
type OpenAICompatibleSupervisor struct {
	config OpenAICompatibleConfig
	client *http.Client
	logger *logrus.Logger
}

// NewOpenAICompatibleSupervisor creates a supervisor for any OpenAI-style
// provider endpoint.
func NewOpenAICompatibleSupervisor(config OpenAICompatibleConfig, logger *logrus.Logger) *OpenAICompatibleSupervisor {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	return &OpenAICompatibleSupervisor{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Name returns the supervisor's unique name.
func (s *OpenAICompatibleSupervisor) Name() string { return s.config.Name }

// Provider returns the provider tag.
func (s *OpenAICompatibleSupervisor) Provider() string { return s.config.Provider }

type openAIChatRequest struct {
	Model    string           `json:"model"`
	Messages []models.Message `json:"messages"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Chat sends the message sequence to the chat completions endpoint.
func (s *OpenAICompatibleSupervisor) Chat(ctx context.Context, messages []models.Message) (string, error) {
	body, err := json.Marshal(openAIChatRequest{Model: s.config.Model, Messages: messages})
	if err != nil {
		return "", &SupervisorError{Supervisor: s.config.Name, Err: err}
	}

	url := strings.TrimRight(s.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &SupervisorError{Supervisor: s.config.Name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	resp, err := s.client.Do(req)
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

	var parsed openAIChatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &SupervisorError{Supervisor: s.config.Name, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &SupervisorError{Supervisor: s.config.Name, Err: fmt.Errorf("empty choices in response")}
	}
	return parsed.Choices[0].Message.Content, nil
}

// Available probes the provider's models endpoint.
func (s *OpenAICompatibleSupervisor) Available(ctx context.Context) bool {
	if s.config.APIKey == "" {
		return false
	}
	url := strings.TrimRight(s.config.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.WithError(err).Debugf("availability probe failed for %s", s.config.Name)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// classifyHTTPStatus maps a provider HTTP status to a SupervisorError with
// retryability and rate-limit bits set.
func classifyHTTPStatus(name string, status int, body []byte) *SupervisorError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	se := &SupervisorError{
		Supervisor: name,
		Err:        fmt.Errorf("provider returned status %d: %s", status, msg),
	}
	switch {
	case status == http.StatusTooManyRequests:
		se.Retryable = true
		se.RateLimited = true
	case status >= 500:
		se.Retryable = true
	}
	return se
}
