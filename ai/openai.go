// Package ai provides the LLM backends behind the fabric's natural-language
// interpretation layer: an OpenAI-compatible HTTP client for production and
// a scripted client for tests and offline development.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joshuawlim/kenny/core"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient implements core.AIClient against any chat-completions
// compatible endpoint (OpenAI, Azure, local inference servers).
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     core.Logger
	maxRetries int
}

// ClientOption configures an OpenAIClient.
type ClientOption func(*OpenAIClient)

// WithAPIKey sets the bearer token. Defaults to OPENAI_API_KEY.
func WithAPIKey(key string) ClientOption {
	return func(c *OpenAIClient) { c.apiKey = key }
}

// WithBaseURL points the client at a non-default endpoint, e.g. a local
// inference server.
func WithBaseURL(url string) ClientOption {
	return func(c *OpenAIClient) { c.baseURL = url }
}

// WithModel sets the default model for requests that don't name one.
func WithModel(model string) ClientOption {
	return func(c *OpenAIClient) { c.model = model }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *OpenAIClient) { c.httpClient = client }
}

// WithLogger sets the structured logger.
func WithLogger(logger core.Logger) ClientOption {
	return func(c *OpenAIClient) { c.logger = logger }
}

// WithMaxRetries sets how many times transient failures are retried.
func WithMaxRetries(n int) ClientOption {
	return func(c *OpenAIClient) { c.maxRetries = n }
}

// NewOpenAIClient creates a client. Without options it reads OPENAI_API_KEY
// and OPENAI_BASE_URL from the environment.
func NewOpenAIClient(opts ...ClientOption) *OpenAIClient {
	c := &OpenAIClient{
		apiKey:  os.Getenv("OPENAI_API_KEY"),
		baseURL: os.Getenv("OPENAI_BASE_URL"),
		model:   "gpt-4o-mini",
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:     &core.NoOpLogger{},
		maxRetries: 2,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
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

// GenerateResponse sends a chat completion request.
func (c *OpenAIClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not configured")
	}
	if options == nil {
		options = &core.AIOptions{}
	}
	model := options.Model
	if model == "" {
		model = c.model
	}

	messages := []chatMessage{}
	if options.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: options.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		resp, err := c.send(ctx, body)
		if err != nil {
			lastErr = err
			continue
		}

		c.logger.Debug("LLM request completed", map[string]interface{}{
			"operation":   "ai_request",
			"model":       model,
			"duration_ms": time.Since(start).Milliseconds(),
			"tokens":      resp.Usage.TotalTokens,
		})
		return resp, nil
	}
	return nil, fmt.Errorf("llm request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *OpenAIClient) send(ctx context.Context, body []byte) (*core.AIResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return nil, fmt.Errorf("llm API error (%d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return nil, fmt.Errorf("llm API returned status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm response contained no choices")
	}

	return &core.AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}
