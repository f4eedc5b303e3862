package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/joshuawlim/kenny/core"
)

// MockRule maps a prompt substring to a canned completion.
type MockRule struct {
	Contains string
	Response string
}

// MockClient is a deterministic core.AIClient for tests and offline
// development. Rules are checked in order; the first whose Contains
// substring appears in the prompt wins. With no matching rule the client
// returns Default, or an error if Default is empty.
type MockClient struct {
	Rules   []MockRule
	Default string

	mu      sync.Mutex
	Prompts []string
}

// NewMockClient creates a mock with the given rules.
func NewMockClient(rules ...MockRule) *MockClient {
	return &MockClient{Rules: rules}
}

// GenerateResponse returns the first matching canned response.
func (m *MockClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.Prompts = append(m.Prompts, prompt)
	m.mu.Unlock()

	for _, rule := range m.Rules {
		if strings.Contains(prompt, rule.Contains) {
			return m.respond(rule.Response, options), nil
		}
	}
	if m.Default != "" {
		return m.respond(m.Default, options), nil
	}
	return nil, fmt.Errorf("no mock rule matches prompt")
}

func (m *MockClient) respond(content string, options *core.AIOptions) *core.AIResponse {
	model := "mock"
	if options != nil && options.Model != "" {
		model = options.Model
	}
	return &core.AIResponse{
		Content: content,
		Model:   model,
		Usage: core.TokenUsage{
			PromptTokens:     len(strings.Fields(content)),
			CompletionTokens: len(strings.Fields(content)),
			TotalTokens:      2 * len(strings.Fields(content)),
		},
	}
}

// CallCount returns how many prompts the mock has served.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Prompts)
}
