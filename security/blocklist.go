package security

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// blockSnapshot is an immutable view of the block state. Readers grab the
// current snapshot once per egress evaluation; writers install a fresh copy.
type blockSnapshot struct {
	services     map[string]time.Time // service_id -> expiry
	destinations map[string]time.Time // destination -> expiry
}

// BypassToken is an admin-issued exemption for one service+destination
// pair. Tokens never outlive their 60-minute cap.
type BypassToken struct {
	Token       string    `json:"token"`
	ServiceID   string    `json:"service_id"`
	Destination string    `json:"destination"`
	ExpiresAt   time.Time `json:"expires_at"`
}

const maxBypassTTL = 60 * time.Minute

// BlockList tracks blocked services and destinations with expiry, plus
// bypass tokens. Reads are lock-free over a copy-on-write snapshot so an
// egress evaluation always sees consistent state.
type BlockList struct {
	snapshot atomic.Value // *blockSnapshot

	mu     sync.Mutex // serializes writers
	tokens map[string]*BypassToken
}

// NewBlockList creates an empty block list.
func NewBlockList() *BlockList {
	b := &BlockList{tokens: make(map[string]*BypassToken)}
	b.snapshot.Store(&blockSnapshot{
		services:     map[string]time.Time{},
		destinations: map[string]time.Time{},
	})
	return b
}

func (b *BlockList) current() *blockSnapshot {
	return b.snapshot.Load().(*blockSnapshot)
}

// mutate installs a new snapshot built from the current one.
func (b *BlockList) mutate(fn func(s *blockSnapshot)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.current()
	next := &blockSnapshot{
		services:     make(map[string]time.Time, len(old.services)),
		destinations: make(map[string]time.Time, len(old.destinations)),
	}
	now := time.Now()
	for k, v := range old.services {
		if v.After(now) {
			next.services[k] = v
		}
	}
	for k, v := range old.destinations {
		if v.After(now) {
			next.destinations[k] = v
		}
	}
	fn(next)
	b.snapshot.Store(next)
}

// BlockService forbids all egress from serviceID for ttl. Re-blocking an
// already-blocked service extends the expiry rather than stacking.
func (b *BlockList) BlockService(serviceID string, ttl time.Duration) {
	expiry := time.Now().Add(ttl)
	b.mutate(func(s *blockSnapshot) {
		if existing, ok := s.services[serviceID]; !ok || expiry.After(existing) {
			s.services[serviceID] = expiry
		}
	})
}

// BlockDestination forbids all egress to destination for ttl.
func (b *BlockList) BlockDestination(destination string, ttl time.Duration) {
	expiry := time.Now().Add(ttl)
	b.mutate(func(s *blockSnapshot) {
		if existing, ok := s.destinations[destination]; !ok || expiry.After(existing) {
			s.destinations[destination] = expiry
		}
	})
}

// UnblockService lifts a service block immediately.
func (b *BlockList) UnblockService(serviceID string) {
	b.mutate(func(s *blockSnapshot) { delete(s.services, serviceID) })
}

// UnblockDestination lifts a destination block immediately.
func (b *BlockList) UnblockDestination(destination string) {
	b.mutate(func(s *blockSnapshot) { delete(s.destinations, destination) })
}

// ServiceBlocked reports whether serviceID is currently blocked.
func (b *BlockList) ServiceBlocked(serviceID string) bool {
	expiry, ok := b.current().services[serviceID]
	return ok && expiry.After(time.Now())
}

// DestinationBlocked reports whether destination is currently blocked.
func (b *BlockList) DestinationBlocked(destination string) bool {
	expiry, ok := b.current().destinations[destination]
	return ok && expiry.After(time.Now())
}

// IssueBypass mints a bypass token for one service+destination pair. TTLs
// above the 60-minute cap are clamped.
func (b *BlockList) IssueBypass(serviceID, destination string, ttl time.Duration) *BypassToken {
	if ttl <= 0 || ttl > maxBypassTTL {
		ttl = maxBypassTTL
	}
	token := &BypassToken{
		Token:       uuid.New().String(),
		ServiceID:   serviceID,
		Destination: destination,
		ExpiresAt:   time.Now().Add(ttl),
	}
	b.mu.Lock()
	b.tokens[token.Token] = token
	b.mu.Unlock()
	return token
}

// BypassValid reports whether token exempts serviceID→destination right now.
func (b *BlockList) BypassValid(token, serviceID, destination string) bool {
	b.mu.Lock()
	t, ok := b.tokens[token]
	if ok && time.Now().After(t.ExpiresAt) {
		delete(b.tokens, token)
		ok = false
	}
	b.mu.Unlock()
	return ok && t.ServiceID == serviceID && t.Destination == destination
}
