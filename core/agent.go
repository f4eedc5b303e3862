package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Agent is the contract every capability-providing service implements.
type Agent interface {
	HandleCapability(ctx context.Context, verb string, params map[string]interface{}, opts ...CallOption) (*CallResult, error)
	Query(ctx context.Context, query string, queryContext map[string]interface{}) (*ConfidenceResult, error)
	Health() HealthReport
}

// CallResult is the outcome of one capability call through the base.
type CallResult struct {
	Value          RawResult  `json:"value"`
	CacheTierHit   *CacheTier `json:"cache_tier_hit"`
	Confidence     float64    `json:"confidence,omitempty"`
	FallbackUsed   bool       `json:"fallback_used,omitempty"`
	FallbackReason string     `json:"fallback_reason,omitempty"`
}

// CallOption tunes a single capability call.
type CallOption func(*callOptions)

type callOptions struct {
	bypassCache   bool
	minConfidence float64
}

// WithCacheBypass forces handler execution and a fresh write-through.
func WithCacheBypass() CallOption {
	return func(o *callOptions) { o.bypassCache = true }
}

// WithCallMinConfidence overrides the confidence threshold for this call.
func WithCallMinConfidence(min float64) CallOption {
	return func(o *callOptions) { o.minConfidence = min }
}

// ParamBroadener relaxes over-specific parameters for the first fallback
// stage. Returning nil means the call has no broader form.
type ParamBroadener func(params map[string]interface{}) map[string]interface{}

type capability struct {
	descriptor  CapabilityDescriptor
	handler     CapabilityHandler
	intelligent bool
	alternative string // fallback verb on the same agent
	broadener   ParamBroadener
	defaults    map[string]interface{}
}

// AgentService is the reusable base every agent embeds or composes. It
// supplies capability dispatch, the tiered semantic cache, the LLM
// interpretation layer, registry-mediated dependency calls, and the HTTP
// surface; implementers supply domain capability handlers.
type AgentService struct {
	ID        string
	Name      string
	Config    *Config
	Logger    Logger
	Telemetry Telemetry
	AI        AIClient
	Registry  RegistryClient

	cache       *TieredCache
	warmer      *CacheWarmer
	interpreter *Interpreter

	mu           sync.RWMutex
	capabilities map[string]*capability
	capOrder     []string
	dependencies map[string]*Dependency

	server             *http.Server
	mux                *http.ServeMux
	registeredPatterns map[string]bool
	serverStarted      bool

	httpClient *http.Client

	warmCancel context.CancelFunc
}

// NewAgentService creates an agent base from config. Cache tiers and the
// registry client are wired during Initialize.
func NewAgentService(config *Config) *AgentService {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Name == "" {
		config.Name = "kenny-agent"
	}
	if config.ID == "" {
		config.ID = fmt.Sprintf("%s-%s", config.Name, uuid.New().String()[:8])
	}
	return &AgentService{
		ID:                 config.ID,
		Name:               config.Name,
		Config:             config,
		Logger:             &NoOpLogger{},
		Telemetry:          &NoOpTelemetry{},
		capabilities:       make(map[string]*capability),
		dependencies:       make(map[string]*Dependency),
		mux:                http.NewServeMux(),
		registeredPatterns: make(map[string]bool),
		httpClient:         &http.Client{Timeout: 30 * time.Second},
	}
}

// CapabilityOption tunes capability registration.
type CapabilityOption func(*capability)

// WithAlternative names another verb on this agent to try when the primary
// handler errs or falls short of the confidence threshold.
func WithAlternative(verb string) CapabilityOption {
	return func(c *capability) { c.alternative = verb }
}

// WithBroadener installs the parameter-relaxing first fallback stage.
func WithBroadener(fn ParamBroadener) CapabilityOption {
	return func(c *capability) { c.broadener = fn }
}

// RegisterCapability registers a basic capability handler.
func (a *AgentService) RegisterCapability(desc CapabilityDescriptor, handler CapabilityHandler, opts ...CapabilityOption) {
	a.register(desc, handler, false, opts...)
}

// RegisterIntelligentCapability registers a handler returning a
// *ConfidenceResult; the base applies the confidence/fallback policy.
func (a *AgentService) RegisterIntelligentCapability(desc CapabilityDescriptor, handler CapabilityHandler, opts ...CapabilityOption) {
	a.register(desc, handler, true, opts...)
}

func (a *AgentService) register(desc CapabilityDescriptor, handler CapabilityHandler, intelligent bool, opts ...CapabilityOption) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cap := &capability{
		descriptor:  desc,
		handler:     handler,
		intelligent: intelligent,
		defaults:    desc.SchemaDefaults(),
	}
	for _, opt := range opts {
		opt(cap)
	}
	if _, exists := a.capabilities[desc.Verb]; !exists {
		a.capOrder = append(a.capOrder, desc.Verb)
	}
	a.capabilities[desc.Verb] = cap

	a.Logger.Info("Registered capability", map[string]interface{}{
		"operation":   "register_capability",
		"verb":        desc.Verb,
		"intelligent": intelligent,
	})
}

// Catalog returns the capability descriptors in registration order.
func (a *AgentService) Catalog() []CapabilityDescriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	catalog := make([]CapabilityDescriptor, 0, len(a.capOrder))
	for _, verb := range a.capOrder {
		catalog = append(catalog, a.capabilities[verb].descriptor)
	}
	return catalog
}

// Manifest assembles the registration payload from the agent's identity and
// capability catalog.
func (a *AgentService) Manifest() *AgentManifest {
	agentType := AgentTypeBasic
	if a.AI != nil {
		agentType = AgentTypeIntelligent
	}
	return &AgentManifest{
		AgentID:      a.ID,
		DisplayName:  a.Name,
		Version:      "1.0.0",
		AgentType:    agentType,
		Capabilities: a.Catalog(),
		HealthCheck: HealthCheckSpec{
			Endpoint:        fmt.Sprintf("%s/health", a.baseURL()),
			IntervalSeconds: 30,
		},
	}
}

func (a *AgentService) baseURL() string {
	addr := a.Config.Address
	if addr == "" {
		addr = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", addr, a.Config.Port)
}

// Initialize wires the cache tiers, interpreter, and warmer, and registers
// the agent with the registry. A missing Redis or registry degrades
// gracefully: the agent still serves with the tiers it could build.
func (a *AgentService) Initialize(ctx context.Context) error {
	a.Logger.Info("Initializing agent", map[string]interface{}{
		"operation": "initialize",
		"id":        a.ID,
		"name":      a.Name,
	})

	if a.cache == nil {
		a.cache = a.buildCache()
	}
	a.interpreter = NewInterpreter(a.AI, a.Config.LLM.Model, a.Logger)

	if a.Registry == nil && a.Config.Registry.BaseURL != "" {
		a.Registry = NewHTTPRegistryClient(a.Config.Registry.BaseURL, a.Logger)
	}
	if a.Registry != nil {
		manifest := a.Manifest()
		if _, err := a.Registry.Register(ctx, manifest, a.baseURL(), manifest.HealthCheck.Endpoint); err != nil {
			a.Logger.Error("Failed to register with registry", map[string]interface{}{
				"operation": "initialize",
				"error":     err.Error(),
			})
			// Continue anyway - the registry may come up later.
		}
	}

	a.startWarmer()
	return nil
}

func (a *AgentService) buildCache() *TieredCache {
	l1 := NewL1Cache(a.Config.Cache.L1.Capacity, a.Config.Cache.L1.TTL, a.Config.Cache.L1.LFUWeight)

	var l2 TierStore
	if a.Config.Cache.L2.Endpoint != "" {
		redis, err := NewRedisClient(RedisClientOptions{
			RedisURL:  a.Config.Cache.L2.Endpoint,
			DB:        RedisDBCache,
			Namespace: "kenny:" + a.ID,
			PoolSize:  a.Config.Cache.L2.PoolSize,
		})
		if err != nil {
			a.Logger.Warn("L2 cache unavailable, continuing without it", map[string]interface{}{
				"operation": "build_cache",
				"error":     err.Error(),
			})
		} else {
			l2 = NewL2Cache(redis, a.Config.Cache.L2.TTL, a.Logger)
		}
	}

	var l3 TierStore
	if a.Config.Cache.L3.Path != "" {
		persistent, err := NewL3Cache(a.Config.Cache.L3.Path, a.Config.Cache.L3.TTL, a.Logger)
		if err != nil {
			a.Logger.Warn("L3 cache unavailable, continuing without it", map[string]interface{}{
				"operation": "build_cache",
				"error":     err.Error(),
			})
		} else {
			l3 = persistent
		}
	}

	return NewTieredCache(a.Logger, l1, l2, l3)
}

func (a *AgentService) startWarmer() {
	static := make([]WarmCall, 0, len(a.Config.Cache.WarmPatterns))
	for _, p := range a.Config.Cache.WarmPatterns {
		var call WarmCall
		if err := json.Unmarshal([]byte(p), &call); err != nil || call.Verb == "" {
			a.Logger.Warn("Skipping unparseable warm pattern", map[string]interface{}{
				"operation": "start_warmer",
				"pattern":   p,
			})
			continue
		}
		static = append(static, call)
	}
	a.warmer = NewCacheWarmer(a.Config.Cache.WarmInterval, a.Config.Cache.WarmTopK, static,
		func(ctx context.Context, call WarmCall) error {
			_, err := a.HandleCapability(ctx, call.Verb, call.Params, WithCacheBypass())
			return err
		}, a.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	a.warmCancel = cancel
	go a.warmer.Run(ctx)
}

// HandleCapability dispatches verb to its handler with caching, input
// validation, and the per-capability timeout.
func (a *AgentService) HandleCapability(ctx context.Context, verb string, params map[string]interface{}, opts ...CallOption) (*CallResult, error) {
	options := &callOptions{minConfidence: a.Config.LLM.MinConfidence}
	for _, opt := range opts {
		opt(options)
	}
	if min, ok := params["min_confidence"].(float64); ok {
		options.minConfidence = min
		// The caller's map is not ours to mutate.
		stripped := make(map[string]interface{}, len(params)-1)
		for k, v := range params {
			if k != "min_confidence" {
				stripped[k] = v
			}
		}
		params = stripped
	}

	a.mu.RLock()
	cap, ok := a.capabilities[verb]
	a.mu.RUnlock()
	if !ok {
		return nil, NewFabricError("agent.HandleCapability", KindCapabilityUnknown, ErrCapabilityNotFound)
	}

	ctx, span := a.Telemetry.StartSpan(ctx, "capability."+verb)
	defer span.End()
	span.SetAttribute("capability.verb", verb)

	if err := cap.descriptor.ValidateInput(params); err != nil {
		return nil, &FabricError{Op: "agent.HandleCapability", Kind: KindManifestInvalid, Message: err.Error(), Err: ErrManifestInvalid}
	}

	fingerprint := Fingerprint(a.ID, verb, params, cap.defaults)
	if !options.bypassCache {
		if entry, tier, _ := a.cache.Lookup(ctx, fingerprint); entry != nil {
			a.observe(verb, params)
			hit := tier
			return &CallResult{Value: entry.Value, CacheTierHit: &hit, Confidence: entry.Confidence}, nil
		}
	}

	timeout := a.Config.HTTP.CapabilityTimeout
	if cap.descriptor.SLA != nil && cap.descriptor.SLA.MaxLatencyMs > 0 {
		timeout = time.Duration(cap.descriptor.SLA.MaxLatencyMs) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := a.executeWithConfidence(callCtx, cap, params, options)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	a.cacheResult(ctx, cap, fingerprint, verb, params, result)
	a.observe(verb, params)
	return result, nil
}

// cacheResult writes a handler success through all tiers. Cancelled
// requests skip the write so partial work is never cached.
func (a *AgentService) cacheResult(ctx context.Context, cap *capability, fingerprint, verb string, params map[string]interface{}, result *CallResult) {
	if ctx.Err() != nil {
		return
	}
	entry := &CacheEntry{
		Fingerprint: fingerprint,
		Key:         cacheKey(a.ID, verb, params, cap.defaults),
		Value:       result.Value,
		StoredAt:    time.Now(),
		Confidence:  result.Confidence,
		TimeHints:   timeHints(params),
	}
	if err := a.cache.Write(ctx, entry); err != nil {
		a.Logger.Warn("Cache write-through failed", map[string]interface{}{
			"operation": "cache_write",
			"verb":      verb,
			"error":     err.Error(),
		})
	}
}

func (a *AgentService) observe(verb string, params map[string]interface{}) {
	if a.warmer != nil {
		a.warmer.Observe(WarmCall{Verb: verb, Params: params})
	}
}

// Query is the intelligent path: interpret the utterance against the
// capability catalog, execute the selection, and fold the interpretation
// confidence into the result.
func (a *AgentService) Query(ctx context.Context, query string, queryContext map[string]interface{}) (*ConfidenceResult, error) {
	llmCtx, cancel := context.WithTimeout(ctx, a.Config.LLM.Timeout)
	sel, err := a.interpreter.Interpret(llmCtx, query, a.Catalog())
	cancel()
	if err != nil {
		return nil, err
	}

	params := sel.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	for k, v := range queryContext {
		if _, exists := params[k]; !exists {
			params[k] = v
		}
	}

	result, err := a.HandleCapability(ctx, sel.Verb, params)
	if err != nil {
		return nil, err
	}

	confidence := sel.Confidence
	if result.Confidence > 0 && result.Confidence < confidence {
		confidence = result.Confidence
	}
	fallbackUsed := result.FallbackUsed || sel.Reasoning == "keyword match"
	reason := result.FallbackReason
	if reason == "" && sel.Reasoning == "keyword match" {
		reason = "rule-based classification"
	}
	return &ConfidenceResult{
		Value:          result.Value,
		Confidence:     confidence,
		FallbackUsed:   fallbackUsed,
		FallbackReason: reason,
	}, nil
}

// CacheLookup exposes the tiered cache read path.
func (a *AgentService) CacheLookup(ctx context.Context, fingerprint string) (*CacheEntry, CacheTier, error) {
	return a.cache.Lookup(ctx, fingerprint)
}

// CachePut stores a value under fingerprint in all tiers.
func (a *AgentService) CachePut(ctx context.Context, fingerprint, key string, value RawResult) error {
	return a.cache.Write(ctx, &CacheEntry{
		Fingerprint: fingerprint,
		Key:         key,
		Value:       value,
		StoredAt:    time.Now(),
	})
}

// InvalidatePattern removes matching entries from all tiers.
func (a *AgentService) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	return a.cache.InvalidatePattern(ctx, pattern)
}

// Health reports the agent's own view of its state.
func (a *AgentService) Health() HealthReport {
	checks := []HealthCheck{
		{Name: "capabilities", Healthy: len(a.Catalog()) > 0},
	}
	state := HealthHealthy
	for _, c := range checks {
		if !c.Healthy {
			state = HealthDegraded
		}
	}
	return HealthReport{State: state, Checks: checks}
}

// Stop shuts down the HTTP server, the warmer, and deregisters.
func (a *AgentService) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.warmCancel != nil {
		a.warmCancel()
	}
	if a.Registry != nil {
		if err := a.Registry.Deregister(ctx, a.ID); err != nil {
			a.Logger.Error("Failed to deregister", map[string]interface{}{
				"operation": "stop",
				"error":     err.Error(),
			})
		}
	}
	if a.server != nil {
		shutdownCtx := ctx
		if a.Config.HTTP.ShutdownTimeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(ctx, a.Config.HTTP.ShutdownTimeout)
			defer cancel()
		}
		a.serverStarted = false
		return a.server.Shutdown(shutdownCtx)
	}
	return nil
}

// cacheKey builds the human-meaningful invalidation key
// agent_id:verb:normalized-params.
func cacheKey(agentID, verb string, params, defaults map[string]interface{}) string {
	normalized := NormalizeParams(params, defaults)
	parts := make([]string, 0, len(normalized))
	for k, v := range normalized {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	// Deterministic order for glob matching.
	sortStrings(parts)
	return agentID + ":" + verb + ":" + strings.Join(parts, ",")
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// timeHints extracts timestamps referenced by the call parameters for
// time-pattern invalidation.
func timeHints(params map[string]interface{}) []time.Time {
	var hints []time.Time
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339, t); err == nil {
				hints = append(hints, ts)
			}
		case time.Time:
			hints = append(hints, t)
		case map[string]interface{}:
			for _, mv := range t {
				walk(mv)
			}
		case []interface{}:
			for _, sv := range t {
				walk(sv)
			}
		}
	}
	walk(params)
	return hints
}
