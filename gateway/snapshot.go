// Package gateway implements the fabric's front door: it classifies each
// request as a direct capability call or an orchestrated plan, invokes the
// right path, and streams results.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/joshuawlim/kenny/core"
)

const snapshotTTL = 5 * time.Minute

// registrySnapshot caches the gateway's view of agents and capabilities so
// a registry outage degrades to recently-known routing instead of failing.
type registrySnapshot struct {
	registry *core.HTTPRegistryClient
	logger   core.Logger

	mu           sync.RWMutex
	agents       []core.AgentSummary
	capabilities []core.CapabilityRef
	manifests    map[string]*core.AgentManifest
	fetchedAt    time.Time
}

func newRegistrySnapshot(registry *core.HTTPRegistryClient, logger core.Logger) *registrySnapshot {
	return &registrySnapshot{
		registry:  registry,
		logger:    logger,
		manifests: make(map[string]*core.AgentManifest),
	}
}

// refresh pulls a fresh snapshot; a failure keeps the prior one as long as
// it is inside the TTL.
func (s *registrySnapshot) refresh(ctx context.Context) error {
	agents, err := s.registry.ListAgents(ctx)
	if err != nil {
		return err
	}
	capabilities, err := s.registry.ListCapabilities(ctx)
	if err != nil {
		return err
	}

	manifests := make(map[string]*core.AgentManifest, len(agents))
	for _, a := range agents {
		summary, err := s.registry.GetAgent(ctx, a.AgentID)
		if err == nil && summary.Manifest != nil {
			manifests[a.AgentID] = summary.Manifest
		}
	}

	s.mu.Lock()
	s.agents = agents
	s.capabilities = capabilities
	s.manifests = manifests
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Agents returns the current agent list, refreshing when possible and
// serving the stale snapshot inside its TTL when the registry is down.
func (s *registrySnapshot) Agents(ctx context.Context) ([]core.AgentSummary, error) {
	if err := s.refresh(ctx); err != nil {
		if agents, ok := s.stale(func() interface{} { return s.agents }); ok {
			return agents.([]core.AgentSummary), nil
		}
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agents, nil
}

// Capabilities behaves like Agents for the capability list.
func (s *registrySnapshot) Capabilities(ctx context.Context) ([]core.CapabilityRef, error) {
	if err := s.refresh(ctx); err != nil {
		if caps, ok := s.stale(func() interface{} { return s.capabilities }); ok {
			return caps.([]core.CapabilityRef), nil
		}
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities, nil
}

// Lookup resolves a verb, preferring live registry data.
func (s *registrySnapshot) Lookup(ctx context.Context, verb string) ([]core.CapabilityRef, error) {
	refs, err := s.registry.LookupCapability(ctx, verb)
	if err == nil {
		return refs, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if time.Since(s.fetchedAt) > snapshotTTL {
		return nil, err
	}
	var out []core.CapabilityRef
	for _, ref := range s.capabilities {
		if ref.Verb == verb {
			out = append(out, ref)
		}
	}
	if len(out) == 0 {
		return nil, core.NewFabricError("gateway.snapshot", core.KindCapabilityUnknown, core.ErrCapabilityNotFound)
	}
	return out, nil
}

// Manifest returns the cached manifest for an agent, if known.
func (s *registrySnapshot) Manifest(agentID string) *core.AgentManifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifests[agentID]
}

func (s *registrySnapshot) stale(get func() interface{}) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fetchedAt.IsZero() || time.Since(s.fetchedAt) > snapshotTTL {
		return nil, false
	}
	s.logger.Warn("Registry unreachable, serving cached snapshot", map[string]interface{}{
		"operation": "snapshot_fallback",
		"age_s":     int(time.Since(s.fetchedAt).Seconds()),
	})
	return get(), true
}
