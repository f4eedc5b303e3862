package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/joshuawlim/kenny/core"
)

const defaultInflightMax = 256

// Config sizes the gateway.
type Config struct {
	Port           int    `yaml:"port"`
	RegistryURL    string `yaml:"registry_url"`
	CoordinatorURL string `yaml:"coordinator_url"`
	LLMModel       string `yaml:"llm_model"`
	InflightMax    int    `yaml:"inflight_max"`
}

// DefaultConfig returns gateway defaults.
func DefaultConfig() Config {
	return Config{
		Port:           8000,
		RegistryURL:    "http://localhost:8001",
		CoordinatorURL: "http://localhost:8002",
		LLMModel:       "gpt-4o-mini",
		InflightMax:    defaultInflightMax,
	}
}

// Gateway is the fabric's front door.
type Gateway struct {
	config     Config
	snapshot   *registrySnapshot
	classifier *classifier
	httpClient *http.Client
	logger     core.Logger

	inflight chan struct{}

	frozenMu sync.RWMutex
	frozen   map[string]bool

	limiterMu sync.Mutex
	limiters  map[string]*tokenBucket
}

// New creates a gateway. ai may be nil (rule-based classification only).
func New(config Config, ai core.AIClient, logger core.Logger) *Gateway {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if config.InflightMax <= 0 {
		config.InflightMax = defaultInflightMax
	}
	registryClient := core.NewHTTPRegistryClient(config.RegistryURL, logger)
	snapshot := newRegistrySnapshot(registryClient, logger)
	return &Gateway{
		config:     config,
		snapshot:   snapshot,
		classifier: newClassifier(ai, config.LLMModel, snapshot, logger),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		inflight:   make(chan struct{}, config.InflightMax),
		frozen:     make(map[string]bool),
		limiters:   make(map[string]*tokenBucket),
	}
}

// Freeze pauses new accepts for a service. Wired as the security plane's
// freeze hook.
func (g *Gateway) Freeze(serviceID string) {
	g.frozenMu.Lock()
	g.frozen[serviceID] = true
	g.frozenMu.Unlock()
	g.logger.Warn("Service frozen at gateway", map[string]interface{}{
		"operation":  "freeze",
		"service_id": serviceID,
	})
}

// Unfreeze resumes accepts for a service.
func (g *Gateway) Unfreeze(serviceID string) {
	g.frozenMu.Lock()
	delete(g.frozen, serviceID)
	g.frozenMu.Unlock()
}

func (g *Gateway) isFrozen(serviceID string) bool {
	g.frozenMu.RLock()
	defer g.frozenMu.RUnlock()
	return g.frozen[serviceID]
}

// RateLimit installs a token bucket for a service. Wired as the security
// plane's rate_limit hook.
func (g *Gateway) RateLimit(serviceID string, ratePerSecond float64, burst int) {
	g.limiterMu.Lock()
	g.limiters[serviceID] = newTokenBucket(ratePerSecond, burst)
	g.limiterMu.Unlock()
}

func (g *Gateway) admitService(serviceID string) bool {
	g.limiterMu.Lock()
	bucket, ok := g.limiters[serviceID]
	g.limiterMu.Unlock()
	if !ok {
		return true
	}
	return bucket.take()
}

// admit reserves an inflight slot; the caller must release() on completion.
func (g *Gateway) admit() (release func(), ok bool) {
	select {
	case g.inflight <- struct{}{}:
		return func() { <-g.inflight }, true
	default:
		return nil, false
	}
}

// QueryResponse is the unified /query response shape.
type QueryResponse struct {
	Result         json.RawMessage `json:"result"`
	ExecutionPath  []string        `json:"execution_path"`
	DurationMs     int64           `json:"duration_ms"`
	Classification Classification  `json:"classification"`
}

// HandleQuery serves the unified entry: classify, then either call the
// capability directly or forward to the coordinator. If the coordinator is
// unreachable the gateway degrades to best-effort direct routing.
func (g *Gateway) HandleQuery(ctx context.Context, query string, queryContext map[string]interface{}) (*QueryResponse, error) {
	start := time.Now()
	cls := g.classifier.Classify(ctx, query)

	if cls.Path == PathDirect {
		result, err := g.callDirect(ctx, cls, query, queryContext)
		if err != nil {
			return nil, err
		}
		return &QueryResponse{
			Result:         result,
			ExecutionPath:  []string{"gateway", "agent:" + cls.AgentID},
			DurationMs:     time.Since(start).Milliseconds(),
			Classification: cls,
		}, nil
	}

	result, err := g.callCoordinator(ctx, query, queryContext)
	if err != nil {
		if core.KindOf(err) != core.KindUpstreamUnavailable {
			return nil, err
		}
		// Coordinator down: retry the direct path if we can classify
		// confidently, otherwise surface the outage.
		if cls.Verb != "" && cls.Confidence >= directRouteThreshold {
			direct := cls
			direct.Path = PathDirect
			if direct.AgentID == "" {
				refs, lerr := g.snapshot.Lookup(ctx, cls.Verb)
				if lerr == nil && len(refs) > 0 {
					direct.AgentID = refs[0].AgentID
				}
			}
			if direct.AgentID != "" {
				if value, derr := g.callDirect(ctx, direct, query, queryContext); derr == nil {
					return &QueryResponse{
						Result:         value,
						ExecutionPath:  []string{"gateway", "degraded-direct", "agent:" + direct.AgentID},
						DurationMs:     time.Since(start).Milliseconds(),
						Classification: direct,
					}, nil
				}
			}
		}
		return nil, &core.FabricError{
			Op:      "gateway.HandleQuery",
			Kind:    core.KindUpstreamUnavailable,
			Message: "coordinator_unavailable",
			Err:     err,
		}
	}
	return &QueryResponse{
		Result:         result,
		ExecutionPath:  []string{"gateway", "coordinator"},
		DurationMs:     time.Since(start).Milliseconds(),
		Classification: cls,
	}, nil
}

// callDirect invokes the classified agent's NL query endpoint so the
// agent's own interpretation layer extracts parameters.
func (g *Gateway) callDirect(ctx context.Context, cls Classification, query string, queryContext map[string]interface{}) (json.RawMessage, error) {
	if g.isFrozen(cls.AgentID) {
		return nil, core.NewFabricError("gateway.callDirect", core.KindPolicyBlocked, core.ErrPolicyBlocked)
	}
	if !g.admitService(cls.AgentID) {
		return nil, core.NewFabricError("gateway.callDirect", core.KindOverloaded, core.ErrOverloaded)
	}

	refs, err := g.snapshot.Lookup(ctx, cls.Verb)
	if err != nil {
		return nil, err
	}
	var baseURL string
	for _, ref := range refs {
		if ref.AgentID == cls.AgentID {
			baseURL = ref.BaseURL
			break
		}
	}
	if baseURL == "" {
		return nil, core.NewFabricError("gateway.callDirect", core.KindAgentUnknown, core.ErrAgentNotFound)
	}

	payload, err := json.Marshal(map[string]interface{}{"query": query, "context": queryContext})
	if err != nil {
		return nil, fmt.Errorf("marshal direct query: %w", err)
	}
	return g.postJSON(ctx, baseURL+"/query", payload)
}

// CallAgent serves the explicit direct route with no classification.
func (g *Gateway) CallAgent(ctx context.Context, agentID, verb string, params map[string]interface{}) (json.RawMessage, error) {
	if g.isFrozen(agentID) {
		return nil, core.NewFabricError("gateway.CallAgent", core.KindPolicyBlocked, core.ErrPolicyBlocked)
	}
	if !g.admitService(agentID) {
		return nil, core.NewFabricError("gateway.CallAgent", core.KindOverloaded, core.ErrOverloaded)
	}
	summary, err := g.snapshot.registry.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]interface{}{"parameters": params})
	if err != nil {
		return nil, fmt.Errorf("marshal agent call: %w", err)
	}
	endpoint := fmt.Sprintf("%s/capabilities/%s", summary.BaseURL, url.PathEscape(verb))
	return g.postJSON(ctx, endpoint, payload)
}

func (g *Gateway) callCoordinator(ctx context.Context, query string, queryContext map[string]interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{"query": query, "context": queryContext})
	if err != nil {
		return nil, fmt.Errorf("marshal coordinator request: %w", err)
	}
	return g.postJSON(ctx, g.config.CoordinatorURL+"/process", payload)
}

func (g *Gateway) postJSON(ctx context.Context, endpoint string, payload []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := core.CorrelationFrom(ctx); id != "" {
		req.Header.Set(core.CorrelationHeader, id)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, core.NewFabricError("gateway.postJSON", core.KindUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var envelope core.ErrorEnvelope
		if json.Unmarshal(body.Bytes(), &envelope) == nil && envelope.ErrorKind != "" {
			return nil, &core.FabricError{Op: "gateway.postJSON", Kind: envelope.ErrorKind, Message: envelope.Message}
		}
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	return json.RawMessage(body.Bytes()), nil
}

// tokenBucket is the rate_limit response action's enforcement primitive.
type tokenBucket struct {
	mu       sync.Mutex
	rate     float64
	burst    float64
	tokens   float64
	lastFill time.Time
}

func newTokenBucket(ratePerSecond float64, burst int) *tokenBucket {
	return &tokenBucket{
		rate:     ratePerSecond,
		burst:    float64(burst),
		tokens:   float64(burst),
		lastFill: time.Now(),
	}
}

func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.tokens += now.Sub(b.lastFill).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastFill = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
