package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Selection is the structured output the LLM must produce for a query: one
// capability verb, its parameters, and the model's own confidence.
type Selection struct {
	Verb       string                 `json:"verb"`
	Parameters map[string]interface{} `json:"parameters"`
	Confidence float64                `json:"confidence"`
	Reasoning  string                 `json:"reasoning,omitempty"`
}

// selectionSchema is the meta-schema every LLM selection must satisfy.
const selectionSchema = `{
  "type": "object",
  "required": ["verb", "parameters", "confidence"],
  "properties": {
    "verb": {"type": "string", "minLength": 1},
    "parameters": {"type": "object"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"}
  }
}`

var compiledSelectionSchema = mustCompileSchema("selection.json", selectionSchema)

// Interpreter turns a natural-language utterance into a capability
// Selection using the agent's own capability catalog as the tool set.
// On an invalid LLM response it re-asks once with a strict restatement,
// then falls back to a rule-based keyword classifier.
type Interpreter struct {
	ai     AIClient
	model  string
	logger Logger
}

// NewInterpreter builds an interpreter over an AI client. ai may be nil, in
// which case only the rule-based classifier runs.
func NewInterpreter(ai AIClient, model string, logger Logger) *Interpreter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Interpreter{ai: ai, model: model, logger: logger}
}

// Interpret selects a capability for the utterance. The returned error is
// ErrInterpretationFailed only when both the LLM path and the rule-based
// classifier fail to produce a selection.
func (i *Interpreter) Interpret(ctx context.Context, query string, catalog []CapabilityDescriptor) (*Selection, error) {
	if i.ai != nil {
		sel, err := i.interpretLLM(ctx, query, catalog)
		if err == nil {
			return sel, nil
		}
		i.logger.Warn("LLM interpretation failed, using rule-based classifier", map[string]interface{}{
			"operation": "interpret",
			"error":     err.Error(),
		})
	}
	if sel := i.classifyByRules(query, catalog); sel != nil {
		return sel, nil
	}
	return nil, NewFabricError("interpreter.Interpret", KindLLMInterpretationFailed, ErrInterpretationFailed)
}

func (i *Interpreter) interpretLLM(ctx context.Context, query string, catalog []CapabilityDescriptor) (*Selection, error) {
	prompt := i.buildPrompt(query, catalog)

	sel, err := i.askOnce(ctx, prompt, catalog)
	if err == nil {
		return sel, nil
	}

	// One re-ask with a strict restatement before falling back.
	strict := prompt + "\n\nYour previous answer was not valid. Respond with ONLY a single JSON object matching the required shape. No prose, no markdown fences."
	return i.askOnce(ctx, strict, catalog)
}

func (i *Interpreter) askOnce(ctx context.Context, prompt string, catalog []CapabilityDescriptor) (*Selection, error) {
	resp, err := i.ai.GenerateResponse(ctx, prompt, &AIOptions{
		Model:        i.model,
		Temperature:  0.1,
		MaxTokens:    500,
		SystemPrompt: "You select exactly one capability for a user request and emit a single JSON object.",
	})
	if err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}
	return i.validateSelection(resp.Content, catalog)
}

func (i *Interpreter) validateSelection(content string, catalog []CapabilityDescriptor) (*Selection, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode selection: %w", err)
	}
	if err := compiledSelectionSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("selection schema: %w", err)
	}
	var sel Selection
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return nil, fmt.Errorf("decode selection: %w", err)
	}
	for _, cap := range catalog {
		if cap.Verb == sel.Verb {
			return &sel, nil
		}
	}
	return nil, fmt.Errorf("selected verb %q not in catalog", sel.Verb)
}

// buildPrompt renders the capability catalog as the tool set for the model.
func (i *Interpreter) buildPrompt(query string, catalog []CapabilityDescriptor) string {
	var sb strings.Builder
	sb.WriteString("Available capabilities:\n")
	for _, cap := range catalog {
		sb.WriteString("- verb: ")
		sb.WriteString(cap.Verb)
		if cap.Description != "" {
			sb.WriteString("\n  description: ")
			sb.WriteString(cap.Description)
		}
		if len(cap.InputSchema) > 0 {
			sb.WriteString("\n  input_schema: ")
			sb.Write(cap.InputSchema)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nUser request: ")
	sb.WriteString(query)
	sb.WriteString("\n\nRespond with a single JSON object: {\"verb\": <one of the verbs above>, \"parameters\": <object matching the verb's input_schema>, \"confidence\": <0..1>, \"reasoning\": <short string, optional>}")
	return sb.String()
}

// classifyByRules matches query keywords against verbs and descriptions.
// It is the last-resort classifier, so matches carry low confidence.
func (i *Interpreter) classifyByRules(query string, catalog []CapabilityDescriptor) *Selection {
	words := strings.Fields(strings.ToLower(query))
	best := -1
	bestScore := 0
	for idx, cap := range catalog {
		score := 0
		verbParts := strings.FieldsFunc(strings.ToLower(cap.Verb), func(r rune) bool {
			return r == '.' || r == '_'
		})
		descWords := strings.Fields(strings.ToLower(cap.Description))
		for _, w := range words {
			for _, vp := range verbParts {
				if w == vp || strings.HasPrefix(w, vp) || strings.HasPrefix(vp, w) {
					score += 2
				}
			}
			for _, dw := range descWords {
				if w == dw && len(w) > 3 {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = idx, score
		}
	}
	if best < 0 {
		return nil
	}
	return &Selection{
		Verb:       catalog[best].Verb,
		Parameters: map[string]interface{}{},
		Confidence: 0.4,
		Reasoning:  "keyword match",
	}
}

// extractJSONObject pulls the first balanced JSON object out of model
// output that may be wrapped in prose or markdown fences.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
