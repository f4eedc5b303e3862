package core

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// TestFingerprintNormalization verifies that calls differing only in
// representation produce identical fingerprints.
func TestFingerprintNormalization(t *testing.T) {
	base := Fingerprint("mail-agent", "messages.search",
		map[string]interface{}{"query": "invoices", "limit": float64(10)}, nil)

	tests := []struct {
		name   string
		params map[string]interface{}
		equal  bool
	}{
		{
			name:   "identical params",
			params: map[string]interface{}{"query": "invoices", "limit": float64(10)},
			equal:  true,
		},
		{
			name:   "string case and whitespace",
			params: map[string]interface{}{"query": "  Invoices ", "limit": float64(10)},
			equal:  true,
		},
		{
			name:   "int vs float",
			params: map[string]interface{}{"query": "invoices", "limit": 10},
			equal:  true,
		},
		{
			name:   "different query",
			params: map[string]interface{}{"query": "receipts", "limit": float64(10)},
			equal:  false,
		},
		{
			name:   "extra parameter",
			params: map[string]interface{}{"query": "invoices", "limit": float64(10), "from": "anna"},
			equal:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := Fingerprint("mail-agent", "messages.search", tt.params, nil)
			if tt.equal {
				assert.Equal(t, base, fp)
			} else {
				assert.NotEqual(t, base, fp)
			}
		})
	}
}

// TestFingerprintSchemaDefaults verifies that a parameter explicitly set to
// its schema default fingerprints the same as omitting it.
func TestFingerprintSchemaDefaults(t *testing.T) {
	defaults := map[string]interface{}{"limit": float64(10), "mailbox": "inbox"}

	implicit := Fingerprint("a", "messages.search", map[string]interface{}{"query": "x"}, defaults)
	explicit := Fingerprint("a", "messages.search",
		map[string]interface{}{"query": "x", "limit": 10, "mailbox": "inbox"}, defaults)
	overridden := Fingerprint("a", "messages.search",
		map[string]interface{}{"query": "x", "limit": 25}, defaults)

	assert.Equal(t, implicit, explicit)
	assert.NotEqual(t, implicit, overridden)
}

// TestFingerprintTimeEncoding verifies that equivalent time encodings
// normalize to one fingerprint.
func TestFingerprintTimeEncoding(t *testing.T) {
	instant := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	offset := instant.In(time.FixedZone("CEST", 2*3600))

	asString := Fingerprint("a", "calendar.read", map[string]interface{}{"at": instant.Format(time.RFC3339)}, nil)
	asTime := Fingerprint("a", "calendar.read", map[string]interface{}{"at": instant}, nil)
	asOffset := Fingerprint("a", "calendar.read", map[string]interface{}{"at": offset.Format(time.RFC3339)}, nil)

	assert.Equal(t, asString, asTime)
	assert.Equal(t, asString, asOffset)
}

// TestFingerprintScopesByAgentAndVerb verifies the key includes identity.
func TestFingerprintScopesByAgentAndVerb(t *testing.T) {
	params := map[string]interface{}{"query": "x"}
	assert.NotEqual(t,
		Fingerprint("agent-a", "messages.search", params, nil),
		Fingerprint("agent-b", "messages.search", params, nil))
	assert.NotEqual(t,
		Fingerprint("agent-a", "messages.search", params, nil),
		Fingerprint("agent-a", "messages.list", params, nil))
}

// TestFingerprintKeyOrderProperty checks that parameter insertion order can
// never influence the fingerprint.
func TestFingerprintKeyOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("insertion order is irrelevant", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := make(map[string]interface{})
			reverse := make(map[string]interface{})
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				forward[keys[i]] = values[i]
			}
			for i := n - 1; i >= 0; i-- {
				reverse[keys[i]] = values[i]
			}
			return Fingerprint("a", "v", forward, nil) == Fingerprint("a", "v", reverse, nil)
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("normalization is idempotent", prop.ForAll(
		func(keys []string, values []string) bool {
			params := make(map[string]interface{})
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			for i := 0; i < n; i++ {
				params[keys[i]] = values[i]
			}
			once := NormalizeParams(params, nil)
			twice := NormalizeParams(once, nil)
			return canonicalJSON(once) == canonicalJSON(twice)
		},
		gen.SliceOf(gen.Identifier()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
