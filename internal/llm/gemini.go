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

// GeminiConfig configures a Gemini-style supervisor.
type GeminiConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// GeminiSupervisor implements Supervisor over the Gemini generateContent API.
type GeminiSupervisor struct {
	config GeminiConfig
	client *http.Client
	logger *logrus.Logger
}

// NewGeminiSupervisor creates a supervisor backed by the Gemini API.
func NewGeminiSupervisor(config GeminiConfig, logger *logrus.Logger) *GeminiSupervisor {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if config.Model == "" {
		config.Model = "gemini-2.0-flash"
	}
	return &GeminiSupervisor{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Name returns the supervisor's unique name.
func (s *GeminiSupervisor) Name() string { return s.config.Name }

// Provider returns the provider tag.
func (s *GeminiSupervisor) Provider() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Chat sends the message sequence to the generateContent endpoint. Roles
// are mapped to Gemini's user/model vocabulary; system messages become the
// system instruction.
func (s *GeminiSupervisor) Chat(ctx context.Context, messages []models.Message) (string, error) {
	req := geminiRequest{}
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			if req.SystemInstruction == nil {
				req.SystemInstruction = &geminiContent{}
			}
			req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, geminiPart{Text: m.Content})
		case models.RoleAssistant:
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", &SupervisorError{Supervisor: s.config.Name, Err: err}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(s.config.BaseURL, "/"), s.config.Model, s.config.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &SupervisorError{Supervisor: s.config.Name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &SupervisorError{Supervisor: s.config.Name, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", &SupervisorError{Supervisor: s.config.Name, Err: fmt.Errorf("empty candidates in response")}
	}
	var sb strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

// Available reports whether credentials are configured.
func (s *GeminiSupervisor) Available(ctx context.Context) bool {
	return s.config.APIKey != ""
}
