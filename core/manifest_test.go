package core

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() *AgentManifest {
	return &AgentManifest{
		AgentID:     "mail-agent",
		DisplayName: "Mail Agent",
		Version:     "1.2.0",
		AgentType:   AgentTypeBasic,
		Capabilities: []CapabilityDescriptor{
			{Verb: "messages.search", SafetyAnnotations: []SafetyAnnotation{SafetyReadOnly}},
		},
		HealthCheck: HealthCheckSpec{Endpoint: "http://localhost:8010/health", IntervalSeconds: 30},
	}
}

// TestManifestValidate covers the structural rules registration enforces.
func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AgentManifest)
		wantErr bool
		path    string
	}{
		{
			name:   "valid manifest",
			mutate: func(m *AgentManifest) {},
		},
		{
			name:    "missing agent_id",
			mutate:  func(m *AgentManifest) { m.AgentID = "" },
			wantErr: true,
		},
		{
			name:    "agent_id with uppercase",
			mutate:  func(m *AgentManifest) { m.AgentID = "MailAgent" },
			wantErr: true,
		},
		{
			name:    "missing version",
			mutate:  func(m *AgentManifest) { m.Version = "" },
			wantErr: true,
		},
		{
			name:    "unknown agent type",
			mutate:  func(m *AgentManifest) { m.AgentType = "superagent" },
			wantErr: true,
		},
		{
			name:    "no capabilities",
			mutate:  func(m *AgentManifest) { m.Capabilities = nil },
			wantErr: true,
		},
		{
			name: "verb without namespace",
			mutate: func(m *AgentManifest) {
				m.Capabilities[0].Verb = "search"
			},
			wantErr: true,
			path:    "$/capabilities/0/verb",
		},
		{
			name: "duplicate verb",
			mutate: func(m *AgentManifest) {
				m.Capabilities = append(m.Capabilities, m.Capabilities[0])
			},
			wantErr: true,
			path:    "$/capabilities/1/verb",
		},
		{
			name: "malformed input schema",
			mutate: func(m *AgentManifest) {
				m.Capabilities[0].InputSchema = json.RawMessage(`{"type": `)
			},
			wantErr: true,
		},
		{
			name:    "missing health endpoint",
			mutate:  func(m *AgentManifest) { m.HealthCheck.Endpoint = "" },
			wantErr: true,
		},
		{
			name: "unknown safety annotation",
			mutate: func(m *AgentManifest) {
				m.Capabilities[0].SafetyAnnotations = []SafetyAnnotation{"mostly_harmless"}
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)
			err := m.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrManifestInvalid), "validation errors must unwrap to ErrManifestInvalid")
			var ve *ManifestValidationError
			require.True(t, errors.As(err, &ve))
			assert.NotEmpty(t, ve.Path)
			if tt.path != "" {
				assert.Equal(t, tt.path, ve.Path)
			}
		})
	}
}

// TestCapabilityLookup verifies descriptor lookup and approval detection.
func TestCapabilityLookup(t *testing.T) {
	m := validManifest()
	m.Capabilities = append(m.Capabilities, CapabilityDescriptor{
		Verb:              "messages.send",
		SafetyAnnotations: []SafetyAnnotation{SafetyWriteRequiresApproval},
	})

	assert.NotNil(t, m.Capability("messages.search"))
	assert.Nil(t, m.Capability("messages.delete"))

	assert.False(t, m.Capability("messages.search").RequiresApproval())
	assert.True(t, m.Capability("messages.send").RequiresApproval())
}

// TestValidateInput checks parameter validation against the input schema.
func TestValidateInput(t *testing.T) {
	desc := &CapabilityDescriptor{
		Verb: "messages.search",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["query"],
			"properties": {
				"query": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1}
			}
		}`),
	}

	assert.NoError(t, desc.ValidateInput(map[string]interface{}{"query": "x", "limit": 5}))
	assert.Error(t, desc.ValidateInput(map[string]interface{}{"limit": 5}), "missing required query")
	assert.Error(t, desc.ValidateInput(map[string]interface{}{"query": "x", "limit": 0}), "limit below minimum")

	// No schema means anything goes.
	open := &CapabilityDescriptor{Verb: "messages.list"}
	assert.NoError(t, open.ValidateInput(map[string]interface{}{"whatever": true}))
}

// TestSchemaDefaults verifies default extraction used by fingerprinting.
func TestSchemaDefaults(t *testing.T) {
	desc := &CapabilityDescriptor{
		Verb: "messages.search",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"limit": {"type": "integer", "default": 10},
				"mailbox": {"type": "string", "default": "inbox"}
			}
		}`),
	}
	defaults := desc.SchemaDefaults()
	assert.Equal(t, float64(10), defaults["limit"])
	assert.Equal(t, "inbox", defaults["mailbox"])
	assert.NotContains(t, defaults, "query")
}
