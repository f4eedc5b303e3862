package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshuawlim/kenny/core"
	"github.com/joshuawlim/kenny/security"
)

// Config sizes the registry.
type Config struct {
	Port         int            `yaml:"port"`
	PollInterval time.Duration  `yaml:"poll_interval"`
	PollTimeout  time.Duration  `yaml:"poll_timeout"`
	RedisURL     string         `yaml:"redis_url"`
	Security     security.Config `yaml:"security"`
}

// DefaultConfig returns registry defaults.
func DefaultConfig() Config {
	return Config{
		Port:         8001,
		PollInterval: 30 * time.Second,
		PollTimeout:  5 * time.Second,
	}
}

// LoadConfigFile overlays a YAML config file onto cfg.
func LoadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Registry owns the RegistryRecord store and the capability index. Writes
// are serialized per instance; reads take a shared lock.
type Registry struct {
	config Config
	logger core.Logger
	store  RecordStore
	plane  *security.Plane

	mu      sync.RWMutex
	records map[string]*Record
	byVerb  map[string][]*Record

	pollers  map[string]context.CancelFunc
	pollWG   sync.WaitGroup
	pollCtx  context.Context
	pollStop context.CancelFunc

	watchers  map[chan *SystemHealthSnapshot]struct{}
	watcherMu sync.Mutex
}

// New creates a registry. store may be nil (in-memory only); plane may be
// nil (a plane with an empty allowlist is created, denying all egress).
func New(config Config, store RecordStore, plane *security.Plane, logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if store == nil {
		store = NewMemoryRecordStore()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 30 * time.Second
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 5 * time.Second
	}
	if plane == nil {
		plane = security.NewPlane(config.Security, nil, security.ActionHooks{}, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		config:   config,
		logger:   logger,
		store:    store,
		plane:    plane,
		records:  make(map[string]*Record),
		byVerb:   make(map[string][]*Record),
		pollers:  make(map[string]context.CancelFunc),
		pollCtx:  ctx,
		pollStop: cancel,
		watchers: make(map[chan *SystemHealthSnapshot]struct{}),
	}
}

// Plane exposes the security plane for the HTTP layer.
func (r *Registry) Plane() *security.Plane { return r.plane }

// Recover reloads persisted records and restarts their pollers. Recovered
// records come back with unknown health until the first poll lands.
func (r *Registry) Recover(ctx context.Context) error {
	records, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("registry recovery: %w", err)
	}
	for _, rec := range records {
		r.mu.Lock()
		r.insertLocked(rec)
		r.mu.Unlock()
		r.startPoller(rec)
	}
	r.logger.Info("Registry state recovered", map[string]interface{}{
		"operation": "recover",
		"agents":    len(records),
	})
	return nil
}

// RegisterResult is the successful registration response.
type RegisterResult struct {
	AgentID      string    `json:"agent_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register validates and stores a manifest. A re-register for an existing
// agent_id supersedes the prior record and resets health to unknown;
// re-registering an older version than the current record conflicts.
func (r *Registry) Register(ctx context.Context, manifest *core.AgentManifest, baseURL, healthEndpoint string) (*RegisterResult, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if domain, ok := r.plane.Allowlist().CoversDomains(manifest.EgressDomains); !ok {
		return nil, &core.FabricError{
			Op:      "registry.Register",
			Kind:    core.KindEgressForbidden,
			ID:      manifest.AgentID,
			Message: fmt.Sprintf("egress domain %q not in allowlist", domain),
			Err:     core.ErrEgressForbidden,
		}
	}

	r.mu.Lock()
	if existing, ok := r.records[manifest.AgentID]; ok {
		if versionLess(manifest.Version, existing.Manifest.Version) {
			r.mu.Unlock()
			return nil, &core.FabricError{
				Op:      "registry.Register",
				Kind:    core.KindConflict,
				ID:      manifest.AgentID,
				Message: fmt.Sprintf("version %s is older than registered %s", manifest.Version, existing.Manifest.Version),
				Err:     core.ErrAlreadyRegistered,
			}
		}
		r.removeLocked(manifest.AgentID)
	}
	rec := newRecord(manifest, baseURL, healthEndpoint)
	r.insertLocked(rec)
	r.mu.Unlock()

	if err := r.store.Save(ctx, rec); err != nil {
		r.logger.Error("Failed to persist registry record", map[string]interface{}{
			"operation": "register",
			"agent_id":  manifest.AgentID,
			"error":     err.Error(),
		})
	}
	r.startPoller(rec)

	r.logger.Info("Agent registered", map[string]interface{}{
		"operation":    "register",
		"agent_id":     manifest.AgentID,
		"capabilities": len(manifest.Capabilities),
	})
	return &RegisterResult{AgentID: manifest.AgentID, RegisteredAt: rec.RegisteredAt}, nil
}

// Deregister removes an agent and stops its poller.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	_, ok := r.records[agentID]
	if ok {
		r.removeLocked(agentID)
	}
	r.mu.Unlock()
	if !ok {
		return core.NewFabricError("registry.Deregister", core.KindAgentUnknown, core.ErrAgentNotFound)
	}
	r.stopPoller(agentID)
	if err := r.store.Remove(ctx, agentID); err != nil {
		r.logger.Error("Failed to remove persisted record", map[string]interface{}{
			"operation": "deregister",
			"agent_id":  agentID,
			"error":     err.Error(),
		})
	}
	r.logger.Info("Agent deregistered", map[string]interface{}{
		"operation": "deregister",
		"agent_id":  agentID,
	})
	return nil
}

// GetAgent returns one agent's summary including its manifest.
func (r *Registry) GetAgent(agentID string) (*core.AgentSummary, error) {
	r.mu.RLock()
	rec, ok := r.records[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, core.NewFabricError("registry.GetAgent", core.KindAgentUnknown, core.ErrAgentNotFound)
	}
	return rec.Summary(true), nil
}

// ListAgents returns summaries for every registered agent, sorted by id.
func (r *Registry) ListAgents() []*core.AgentSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.AgentSummary, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Summary(false))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ListCapabilities returns every advertised capability across all agents.
func (r *Registry) ListCapabilities() []core.CapabilityRef {
	r.mu.RLock()
	verbs := make([]string, 0, len(r.byVerb))
	for verb := range r.byVerb {
		verbs = append(verbs, verb)
	}
	r.mu.RUnlock()
	sort.Strings(verbs)

	var out []core.CapabilityRef
	for _, verb := range verbs {
		out = append(out, r.LookupCapability(verb)...)
	}
	return out
}

// LookupCapability resolves the agents advertising verb, best candidate
// first: healthy > degraded > unhealthy/unknown, then lower p95 latency,
// then lexicographic agent_id.
func (r *Registry) LookupCapability(verb string) []core.CapabilityRef {
	r.mu.RLock()
	candidates := append([]*Record(nil), r.byVerb[verb]...)
	r.mu.RUnlock()

	type ranked struct {
		rec  *Record
		tier int
		p95  time.Duration
	}
	rankedCandidates := make([]ranked, 0, len(candidates))
	for _, rec := range candidates {
		rankedCandidates = append(rankedCandidates, ranked{
			rec:  rec,
			tier: healthTier(rec.HealthStatus()),
			p95:  rec.Perf().Stats().P95Latency,
		})
	}
	sort.Slice(rankedCandidates, func(i, j int) bool {
		a, b := rankedCandidates[i], rankedCandidates[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.p95 != b.p95 {
			return a.p95 < b.p95
		}
		return a.rec.Manifest.AgentID < b.rec.Manifest.AgentID
	})

	out := make([]core.CapabilityRef, 0, len(rankedCandidates))
	for _, rc := range rankedCandidates {
		cap := rc.rec.Manifest.Capability(verb)
		ref := core.CapabilityRef{
			Verb:         verb,
			AgentID:      rc.rec.Manifest.AgentID,
			BaseURL:      rc.rec.BaseURL,
			HealthStatus: rc.rec.HealthStatus(),
		}
		if cap != nil {
			ref.SafetyAnnotations = cap.SafetyAnnotations
		}
		out = append(out, ref)
	}
	return out
}

// EvaluateEgress delegates to the security plane.
func (r *Registry) EvaluateEgress(ctx context.Context, serviceID, destination string, port int, bypassToken string) core.EgressDecision {
	return r.plane.Evaluate(ctx, serviceID, destination, port, bypassToken)
}

// Stop shuts down every poller.
func (r *Registry) Stop() {
	r.pollStop()
	r.pollWG.Wait()
}

func healthTier(s core.HealthStatus) int {
	switch s {
	case core.HealthHealthy:
		return 0
	case core.HealthDegraded:
		return 1
	default:
		return 2
	}
}

// versionLess does a best-effort dotted-numeric comparison; non-numeric
// segments fall back to string comparison.
func versionLess(a, b string) bool {
	as, bs := splitVersion(a), splitVersion(b)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}
	return len(as) < len(bs)
}

func splitVersion(v string) []int {
	var parts []int
	n := 0
	valid := false
	for i := 0; i <= len(v); i++ {
		if i < len(v) && v[i] >= '0' && v[i] <= '9' {
			n = n*10 + int(v[i]-'0')
			valid = true
			continue
		}
		if valid {
			parts = append(parts, n)
		}
		n = 0
		valid = false
	}
	return parts
}

// insertLocked adds a record to the primary map and capability index.
// Caller holds r.mu.
func (r *Registry) insertLocked(rec *Record) {
	r.records[rec.Manifest.AgentID] = rec
	for _, cap := range rec.Manifest.Capabilities {
		r.byVerb[cap.Verb] = append(r.byVerb[cap.Verb], rec)
	}
}

// removeLocked removes a record from the primary map and capability index.
// Caller holds r.mu.
func (r *Registry) removeLocked(agentID string) {
	rec, ok := r.records[agentID]
	if !ok {
		return
	}
	delete(r.records, agentID)
	for _, cap := range rec.Manifest.Capabilities {
		refs := r.byVerb[cap.Verb]
		kept := refs[:0]
		for _, ref := range refs {
			if ref != rec {
				kept = append(kept, ref)
			}
		}
		if len(kept) == 0 {
			delete(r.byVerb, cap.Verb)
		} else {
			r.byVerb[cap.Verb] = kept
		}
	}
}
