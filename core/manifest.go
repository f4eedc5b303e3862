package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// AgentType distinguishes plain capability servers from LLM-backed ones.
type AgentType string

const (
	AgentTypeBasic       AgentType = "basic"
	AgentTypeIntelligent AgentType = "intelligent_service"
)

// SafetyAnnotation is a declared property of a capability that informs policy.
type SafetyAnnotation string

const (
	SafetyReadOnly              SafetyAnnotation = "read_only"
	SafetyWriteRequiresApproval SafetyAnnotation = "write_requires_approval"
	SafetyLocalOnly             SafetyAnnotation = "local_only"
	SafetyNoEgress              SafetyAnnotation = "no_egress"
)

// SLA carries the latency targets a capability advertises.
type SLA struct {
	TargetLatencyMs int `json:"target_latency_ms"`
	MaxLatencyMs    int `json:"max_latency_ms"`
}

// CapabilityDescriptor describes one operation an agent provides.
type CapabilityDescriptor struct {
	Verb              string             `json:"verb"`
	InputSchema       json.RawMessage    `json:"input_schema,omitempty"`
	OutputSchema      json.RawMessage    `json:"output_schema,omitempty"`
	SafetyAnnotations []SafetyAnnotation `json:"safety_annotations,omitempty"`
	Description       string             `json:"description,omitempty"`
	SLA               *SLA               `json:"sla,omitempty"`

	// DirectRoutable marks an intelligent_service verb as safe for the
	// gateway to invoke without going through the coordinator.
	DirectRoutable bool `json:"direct_routable,omitempty"`
}

// HealthCheckSpec tells the registry where and how often to poll.
type HealthCheckSpec struct {
	Endpoint        string `json:"endpoint"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
}

// AgentManifest is the self-description an agent registers with.
type AgentManifest struct {
	AgentID       string                 `json:"agent_id"`
	DisplayName   string                 `json:"display_name"`
	Version       string                 `json:"version"`
	Description   string                 `json:"description,omitempty"`
	AgentType     AgentType              `json:"agent_type"`
	Capabilities  []CapabilityDescriptor `json:"capabilities"`
	DataScopes    []string               `json:"data_scopes,omitempty"`
	ToolAccess    []string               `json:"tool_access,omitempty"`
	EgressDomains []string               `json:"egress_domains,omitempty"`
	HealthCheck   HealthCheckSpec        `json:"health_check"`
}

// ManifestValidationError pinpoints the failing manifest field.
type ManifestValidationError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (e *ManifestValidationError) Error() string {
	return fmt.Sprintf("manifest invalid at %s: %s", e.Path, e.Reason)
}

func (e *ManifestValidationError) Unwrap() error { return ErrManifestInvalid }

// manifestSchema is the JSON Schema every registration payload must satisfy.
// Structural checks (verb format, schema well-formedness) that JSON Schema
// cannot express are applied afterwards in Validate.
const manifestSchema = `{
  "type": "object",
  "required": ["agent_id", "display_name", "version", "agent_type", "capabilities", "health_check"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9._-]*$"},
    "display_name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "agent_type": {"enum": ["basic", "intelligent_service"]},
    "capabilities": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["verb"],
        "properties": {
          "verb": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "safety_annotations": {
            "type": "array",
            "items": {"enum": ["read_only", "write_requires_approval", "local_only", "no_egress"]}
          },
          "sla": {
            "type": "object",
            "properties": {
              "target_latency_ms": {"type": "integer", "minimum": 0},
              "max_latency_ms": {"type": "integer", "minimum": 0}
            }
          },
          "direct_routable": {"type": "boolean"}
        }
      }
    },
    "data_scopes": {"type": "array", "items": {"type": "string"}},
    "tool_access": {"type": "array", "items": {"type": "string"}},
    "egress_domains": {"type": "array", "items": {"type": "string"}},
    "health_check": {
      "type": "object",
      "required": ["endpoint"],
      "properties": {
        "endpoint": {"type": "string", "minLength": 1},
        "interval_seconds": {"type": "integer", "minimum": 1}
      }
    }
  }
}`

var verbPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)

var compiledManifestSchema = mustCompileSchema("manifest.json", manifestSchema)

func mustCompileSchema(name, doc string) *jsonschema.Schema {
	var schemaDoc any
	if err := json.Unmarshal([]byte(doc), &schemaDoc); err != nil {
		panic(fmt.Sprintf("unmarshal %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, schemaDoc); err != nil {
		panic(fmt.Sprintf("add %s resource: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile %s: %v", name, err))
	}
	return schema
}

// Validate checks the manifest against the manifest schema and the
// structural rules the schema cannot express. It returns a
// *ManifestValidationError describing the first violation found.
func (m *AgentManifest) Validate() error {
	raw, err := json.Marshal(m)
	if err != nil {
		return &ManifestValidationError{Path: "$", Reason: err.Error()}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ManifestValidationError{Path: "$", Reason: err.Error()}
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			return &ManifestValidationError{
				Path:   "$/" + strings.Join(leaf.InstanceLocation, "/"),
				Reason: leaf.Error(),
			}
		}
		return &ManifestValidationError{Path: "$", Reason: err.Error()}
	}

	seen := make(map[string]bool, len(m.Capabilities))
	for i, cap := range m.Capabilities {
		path := fmt.Sprintf("$/capabilities/%d/verb", i)
		if !verbPattern.MatchString(cap.Verb) {
			return &ManifestValidationError{Path: path, Reason: "verb must be namespaced, e.g. messages.search"}
		}
		if seen[cap.Verb] {
			return &ManifestValidationError{Path: path, Reason: "duplicate verb in manifest"}
		}
		seen[cap.Verb] = true
		if len(cap.InputSchema) > 0 && !json.Valid(cap.InputSchema) {
			return &ManifestValidationError{Path: fmt.Sprintf("$/capabilities/%d/input_schema", i), Reason: "input_schema is not valid JSON"}
		}
		if len(cap.OutputSchema) > 0 && !json.Valid(cap.OutputSchema) {
			return &ManifestValidationError{Path: fmt.Sprintf("$/capabilities/%d/output_schema", i), Reason: "output_schema is not valid JSON"}
		}
	}
	return nil
}

// Capability returns the descriptor for verb, or nil if not advertised.
func (m *AgentManifest) Capability(verb string) *CapabilityDescriptor {
	for i := range m.Capabilities {
		if m.Capabilities[i].Verb == verb {
			return &m.Capabilities[i]
		}
	}
	return nil
}

// RequiresApproval reports whether any capability carries the
// write_requires_approval annotation.
func (c *CapabilityDescriptor) RequiresApproval() bool {
	for _, a := range c.SafetyAnnotations {
		if a == SafetyWriteRequiresApproval {
			return true
		}
	}
	return false
}

// ValidateInput validates params against the capability's input schema.
func (c *CapabilityDescriptor) ValidateInput(params map[string]interface{}) error {
	if len(c.InputSchema) == 0 {
		return nil
	}
	var schemaDoc any
	if err := json.Unmarshal(c.InputSchema, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal input schema for %s: %w", c.Verb, err)
	}
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource("input.json", schemaDoc); err != nil {
		return fmt.Errorf("add input schema for %s: %w", c.Verb, err)
	}
	schema, err := comp.Compile("input.json")
	if err != nil {
		return fmt.Errorf("compile input schema for %s: %w", c.Verb, err)
	}
	// Round-trip through JSON so numbers decode the way the validator expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// SchemaDefaults extracts the default values declared by the capability's
// input schema. Fingerprinting drops parameters equal to their default.
func (c *CapabilityDescriptor) SchemaDefaults() map[string]interface{} {
	defaults := make(map[string]interface{})
	if len(c.InputSchema) == 0 {
		return defaults
	}
	var schema struct {
		Properties map[string]struct {
			Default interface{} `json:"default"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(c.InputSchema, &schema); err != nil {
		return defaults
	}
	for name, prop := range schema.Properties {
		if prop.Default != nil {
			defaults[name] = prop.Default
		}
	}
	return defaults
}
