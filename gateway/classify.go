package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/joshuawlim/kenny/core"
)

const (
	classificationTTL    = 60 * time.Second
	directRouteThreshold = 0.8
)

// RoutePath is how the gateway decided to serve a request.
type RoutePath string

const (
	PathDirect      RoutePath = "direct"
	PathCoordinator RoutePath = "coordinator"
)

// Classification is the gateway's routing decision for one utterance.
type Classification struct {
	Path       RoutePath `json:"path"`
	Verb       string    `json:"verb,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"` // rules | llm | fallback
}

// classifier decides direct-vs-coordinator, caching identical utterances
// for a short TTL.
type classifier struct {
	ai       core.AIClient
	model    string
	snapshot *registrySnapshot
	logger   core.Logger

	mu    sync.Mutex
	cache map[string]cachedClassification
}

type cachedClassification struct {
	result   Classification
	cachedAt time.Time
}

func newClassifier(ai core.AIClient, model string, snapshot *registrySnapshot, logger core.Logger) *classifier {
	return &classifier{
		ai:       ai,
		model:    model,
		snapshot: snapshot,
		logger:   logger,
		cache:    make(map[string]cachedClassification),
	}
}

// Classify maps an utterance to a routing decision. Rules run first, the
// LLM next; anything ambiguous or multi-capability goes to the coordinator.
func (c *classifier) Classify(ctx context.Context, utterance string) Classification {
	key := classificationKey(utterance)
	c.mu.Lock()
	if cached, ok := c.cache[key]; ok && time.Since(cached.cachedAt) < classificationTTL {
		c.mu.Unlock()
		return cached.result
	}
	c.mu.Unlock()

	result := c.classify(ctx, utterance)

	c.mu.Lock()
	c.cache[key] = cachedClassification{result: result, cachedAt: time.Now()}
	// Opportunistic eviction keeps the map bounded.
	if len(c.cache) > 1024 {
		for k, v := range c.cache {
			if time.Since(v.cachedAt) >= classificationTTL {
				delete(c.cache, k)
			}
		}
	}
	c.mu.Unlock()
	return result
}

func (c *classifier) classify(ctx context.Context, utterance string) Classification {
	catalog, err := c.snapshot.Capabilities(ctx)
	if err != nil {
		return Classification{Path: PathCoordinator, Source: "fallback"}
	}

	if cls, ok := c.classifyByRules(utterance, catalog); ok {
		return cls
	}
	if c.ai != nil {
		if cls, err := c.classifyByLLM(ctx, utterance, catalog); err == nil {
			return cls
		} else {
			c.logger.Warn("LLM classification failed", map[string]interface{}{
				"operation": "classify",
				"error":     err.Error(),
			})
		}
	}
	return Classification{Path: PathCoordinator, Confidence: 0, Source: "fallback"}
}

// classifyByRules matches utterance words against verbs; a single dominant
// verb above the threshold routes direct, provided the target is eligible.
func (c *classifier) classifyByRules(utterance string, catalog []core.CapabilityRef) (Classification, bool) {
	lower := strings.ToLower(utterance)

	// Composition words force orchestration.
	for _, marker := range []string{" and ", " then ", " after ", " also "} {
		if strings.Contains(lower, marker) {
			return Classification{Path: PathCoordinator, Confidence: 0.9, Source: "rules"}, true
		}
	}

	words := strings.Fields(lower)
	type scored struct {
		ref   core.CapabilityRef
		score int
	}
	best := scored{}
	second := 0
	seen := make(map[string]bool)
	for _, ref := range catalog {
		if seen[ref.Verb] {
			continue
		}
		seen[ref.Verb] = true
		score := 0
		parts := strings.FieldsFunc(strings.ToLower(ref.Verb), func(r rune) bool {
			return r == '.' || r == '_'
		})
		for _, w := range words {
			for _, part := range parts {
				if w == part || strings.HasPrefix(w, part) || strings.HasPrefix(part, w) {
					score++
				}
			}
		}
		if score > best.score {
			second = best.score
			best = scored{ref: ref, score: score}
		} else if score > second {
			second = score
		}
	}

	if best.score >= 2 && best.score > second {
		if c.directEligible(best.ref) {
			return Classification{
				Path:       PathDirect,
				Verb:       best.ref.Verb,
				AgentID:    best.ref.AgentID,
				Confidence: 0.85,
				Source:     "rules",
			}, true
		}
		return Classification{Path: PathCoordinator, Verb: best.ref.Verb, Confidence: 0.85, Source: "rules"}, true
	}
	return Classification{}, false
}

type llmClassification struct {
	Verb       string  `json:"verb"`
	Composite  bool    `json:"composite"`
	Confidence float64 `json:"confidence"`
}

func (c *classifier) classifyByLLM(ctx context.Context, utterance string, catalog []core.CapabilityRef) (Classification, error) {
	var sb strings.Builder
	sb.WriteString("Capability verbs:\n")
	seen := make(map[string]bool)
	for _, ref := range catalog {
		if !seen[ref.Verb] {
			seen[ref.Verb] = true
			sb.WriteString("- ")
			sb.WriteString(ref.Verb)
			sb.WriteString("\n")
		}
	}
	fmt.Fprintf(&sb, "\nUser request: %s\n\n", utterance)
	sb.WriteString(`Respond with one JSON object {"verb": <single best verb or "">, "composite": <true if the request needs more than one capability>, "confidence": <0..1>}.`)

	resp, err := c.ai.GenerateResponse(ctx, sb.String(), &core.AIOptions{
		Model:        c.model,
		Temperature:  0.1,
		MaxTokens:    150,
		SystemPrompt: "You route personal-assistant requests to a single capability or an orchestrator.",
	})
	if err != nil {
		return Classification{}, err
	}
	raw := extractJSONObject(resp.Content)
	if raw == "" {
		return Classification{}, fmt.Errorf("no JSON object in classifier response")
	}
	var parsed llmClassification
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Classification{}, fmt.Errorf("decode classification: %w", err)
	}

	if parsed.Composite || parsed.Verb == "" || parsed.Confidence < directRouteThreshold {
		return Classification{Path: PathCoordinator, Verb: parsed.Verb, Confidence: parsed.Confidence, Source: "llm"}, nil
	}
	for _, ref := range catalog {
		if ref.Verb == parsed.Verb && c.directEligible(ref) {
			return Classification{
				Path:       PathDirect,
				Verb:       ref.Verb,
				AgentID:    ref.AgentID,
				Confidence: parsed.Confidence,
				Source:     "llm",
			}, nil
		}
	}
	return Classification{Path: PathCoordinator, Verb: parsed.Verb, Confidence: parsed.Confidence, Source: "llm"}, nil
}

// directEligible allows direct routing only to basic agents or to
// intelligent-service verbs explicitly marked safe for it.
func (c *classifier) directEligible(ref core.CapabilityRef) bool {
	manifest := c.snapshot.Manifest(ref.AgentID)
	if manifest == nil {
		return false
	}
	if manifest.AgentType == core.AgentTypeBasic {
		return true
	}
	cap := manifest.Capability(ref.Verb)
	return cap != nil && cap.DirectRoutable
}

func classificationKey(utterance string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(utterance))))
	return hex.EncodeToString(sum[:])
}

// extractJSONObject pulls the first balanced JSON object out of model
// output that may be wrapped in prose.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
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
