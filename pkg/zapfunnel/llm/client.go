// Package llm implements the completion client used to generate assistant
// replies. Uses the OpenAI-compatible chat completions format, which works
// with OpenAI, Anthropic proxies, GLM (api.z.ai), and any compatible endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured means the client is missing a base URL or API key. It is
// a configuration problem, not a transient one; callers must not retry.
var ErrNotConfigured = errors.New("llm: missing base URL or API key")

// Config holds the completion endpoint settings.
type Config struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`

	// RequestTimeout bounds each completion call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Temperature for completions. Zero means let the server decide.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the completion length. Zero means let the server decide.
	MaxTokens int `yaml:"max_tokens"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://api.openai.com/v1",
		Model:          "gpt-4o-mini",
		RequestTimeout: 60 * time.Second,
		Temperature:    0.7,
	}
}

// Client sends single-turn chat completions to an OpenAI-compatible API.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	timeout    time.Duration
	temp       float64
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a completion client from config.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = def.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = def.Model
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = def.RequestTimeout
	}

	return &Client{
		baseURL:   baseURL,
		model:     model,
		apiKey:    cfg.APIKey,
		timeout:   timeout,
		temp:      cfg.Temperature,
		maxTokens: cfg.MaxTokens,
		httpClient: &http.Client{
			// No global timeout here; each call uses context.WithTimeout.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// ---------- Wire types (OpenAI-compatible) ----------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// GatewayError captures a non-2xx response from the completion API.
type GatewayError struct {
	Status int
	Body   string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("llm: API returned %d: %s", e.Status, truncate(e.Body, 200))
}

// Complete sends a single-turn completion and returns the assistant text.
// Returns ErrNotConfigured when no API key is set, and *GatewayError on
// non-2xx responses so the caller can fall back.
func (c *Client) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	if c.apiKey == "" || c.baseURL == "" {
		return "", ErrNotConfigured
	}

	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userMessage})

	reqBody := chatRequest{
		Model:    c.model,
		Messages: messages,
	}
	if c.temp > 0 {
		t := c.temp
		reqBody.Temperature = &t
	}
	if c.maxTokens > 0 {
		m := c.maxTokens
		reqBody.MaxTokens = &m
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending chat completion",
		"model", c.model,
		"system_len", len(systemPrompt),
		"message_len", len(userMessage),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("completion API error",
			"model", c.model,
			"status", resp.StatusCode,
			"body", truncate(bodyStr, 500),
		)
		return "", &GatewayError{Status: resp.StatusCode, Body: bodyStr}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parsing response: %w (body: %s)", err, truncate(bodyStr, 200))
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm: API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: empty response (body: %s)", truncate(bodyStr, 200))
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)

	c.logger.Info("chat completion done",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens,
		"finish_reason", parsed.Choices[0].FinishReason,
	)

	return content, nil
}

// truncate shortens s to max runes for log and error messages.
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
