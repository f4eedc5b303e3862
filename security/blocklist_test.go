package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBlockListExtendNotStack verifies re-blocking extends the expiry
// instead of stacking, and never shortens it.
func TestBlockListExtendNotStack(t *testing.T) {
	b := NewBlockList()

	b.BlockService("svc-a", time.Hour)
	first := b.current().services["svc-a"]

	b.BlockService("svc-a", 2*time.Hour)
	second := b.current().services["svc-a"]
	assert.True(t, second.After(first), "longer re-block extends the expiry")

	b.BlockService("svc-a", time.Minute)
	third := b.current().services["svc-a"]
	assert.Equal(t, second, third, "shorter re-block leaves the expiry alone")
}

// TestBlockListExpiry verifies expired blocks stop matching and get pruned
// on the next mutation.
func TestBlockListExpiry(t *testing.T) {
	b := NewBlockList()
	b.BlockDestination("evil.example", -time.Second)
	assert.False(t, b.DestinationBlocked("evil.example"))

	b.BlockDestination("other.example", time.Hour)
	_, present := b.current().destinations["evil.example"]
	assert.False(t, present, "expired entries are dropped when the snapshot is rebuilt")
}

// TestBlockListUnblock verifies immediate lifting.
func TestBlockListUnblock(t *testing.T) {
	b := NewBlockList()
	b.BlockService("svc-a", time.Hour)
	require.True(t, b.ServiceBlocked("svc-a"))
	b.UnblockService("svc-a")
	assert.False(t, b.ServiceBlocked("svc-a"))
}

// TestBypassTokens covers scoping and the 60-minute TTL cap.
func TestBypassTokens(t *testing.T) {
	b := NewBlockList()

	token := b.IssueBypass("svc-a", "api.example.com", 24*time.Hour)
	assert.WithinDuration(t, time.Now().Add(maxBypassTTL), token.ExpiresAt, 5*time.Second,
		"TTL above the cap is clamped to 60 minutes")

	assert.True(t, b.BypassValid(token.Token, "svc-a", "api.example.com"))
	assert.False(t, b.BypassValid(token.Token, "svc-b", "api.example.com"), "wrong service")
	assert.False(t, b.BypassValid(token.Token, "svc-a", "other.example.com"), "wrong destination")
	assert.False(t, b.BypassValid("nonsense", "svc-a", "api.example.com"))
}

// TestBypassTokenExpiry verifies expired tokens are rejected and removed.
func TestBypassTokenExpiry(t *testing.T) {
	b := NewBlockList()
	token := b.IssueBypass("svc-a", "api.example.com", time.Minute)
	token.ExpiresAt = time.Now().Add(-time.Second)

	assert.False(t, b.BypassValid(token.Token, "svc-a", "api.example.com"))
	// A second check confirms the token was purged, not just rejected.
	b.mu.Lock()
	_, present := b.tokens[token.Token]
	b.mu.Unlock()
	assert.False(t, present)
}
