// Package safety provides the tool registry and the safety controller
// that gates every tool invocation: input validation, rate limiting,
// risk classification, approval, and auditing.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/dimensigon/aishell/core"
)

// RiskLevel classifies how dangerous a tool is to run.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) valid() bool {
	switch r {
	case RiskSafe, RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// RateLimit caps invocations per caller within a fixed window that
// starts at the caller's first request.
// A zero Requests disables limiting for the tool.
type RateLimit struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// ToolDescriptor describes a registered tool.
type ToolDescriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"input_schema,omitempty"`
	RiskLevel   RiskLevel          `json:"risk_level"`
	RateLimit   RateLimit          `json:"rate_limit"`

	// RequiresApproval forces the approval gate for medium-risk tools
	// that would otherwise auto-approve.
	RequiresApproval bool `json:"requires_approval"`
}

// ToolHandler executes a tool call. Implementations must be idempotent:
// the controller replays cached results for a repeated idempotency key
// but does not pass the key to the handler.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RegisteredTool pairs a descriptor with its handler.
type RegisteredTool struct {
	Descriptor ToolDescriptor
	Handler    ToolHandler
}

// ToolRegistry is the catalog of callable tools.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]*RegisteredTool
	logger core.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger core.Logger) *ToolRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("core/safety")
	}
	return &ToolRegistry{
		tools:  make(map[string]*RegisteredTool),
		logger: logger,
	}
}

// SchemaOf derives a JSON schema from a Go struct type, for use as a
// tool's input schema.
func SchemaOf(v interface{}) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return reflector.Reflect(v)
}

// Register adds a tool. Duplicate names and malformed descriptors are
// rejected.
func (r *ToolRegistry) Register(descriptor ToolDescriptor, handler ToolHandler) error {
	if descriptor.Name == "" {
		return core.Errorf(core.KindSchemaViolation, "tool name is required")
	}
	if handler == nil {
		return core.Errorf(core.KindSchemaViolation, "tool %q: handler is required", descriptor.Name)
	}
	if !descriptor.RiskLevel.valid() {
		return core.Errorf(core.KindSchemaViolation, "tool %q: unknown risk level %q", descriptor.Name, descriptor.RiskLevel)
	}
	if descriptor.RateLimit.Requests > 0 && descriptor.RateLimit.Window <= 0 {
		return core.Errorf(core.KindSchemaViolation, "tool %q: rate limit window must be positive", descriptor.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[descriptor.Name]; exists {
		return core.NewError("registry.Register", core.KindSchemaViolation,
			fmt.Errorf("%w: %s", core.ErrDuplicateTool, descriptor.Name))
	}
	r.tools[descriptor.Name] = &RegisteredTool{Descriptor: descriptor, Handler: handler}

	r.logger.Info("Tool registered", map[string]interface{}{
		"tool":       descriptor.Name,
		"risk_level": string(descriptor.RiskLevel),
	})
	return nil
}

// Get returns a registered tool by name.
func (r *ToolRegistry) Get(name string) (*RegisteredTool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, core.NewError("registry.Get", core.KindSchemaViolation,
			fmt.Errorf("%w: %s", core.ErrToolNotFound, name))
	}
	return tool, nil
}

// List returns all descriptors, in no particular order.
func (r *ToolRegistry) List() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor)
	}
	return out
}

// ValidateInput checks params structurally against the tool's input
// schema: required properties must be present and primitive types must
// match. Tools with no schema accept anything.
func ValidateInput(schema *jsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	for _, required := range schema.Required {
		if _, ok := params[required]; !ok {
			return core.Errorf(core.KindSchemaViolation, "missing required parameter %q", required)
		}
	}

	if schema.Properties == nil {
		return nil
	}
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		value, ok := params[pair.Key]
		if !ok || value == nil {
			continue
		}
		if err := checkType(pair.Key, pair.Value.Type, value); err != nil {
			return err
		}
	}

	if schema.AdditionalProperties != nil && schema.AdditionalProperties == jsonschema.FalseSchema {
		for key := range params {
			if _, ok := schema.Properties.Get(key); !ok {
				return core.Errorf(core.KindSchemaViolation, "unknown parameter %q", key)
			}
		}
	}

	return nil
}

func checkType(name, schemaType string, value interface{}) error {
	switch schemaType {
	case "string":
		if _, ok := value.(string); !ok {
			return core.Errorf(core.KindSchemaViolation, "parameter %q: expected string, got %T", name, value)
		}
	case "integer":
		switch value.(type) {
		case int, int32, int64, float64:
		default:
			return core.Errorf(core.KindSchemaViolation, "parameter %q: expected integer, got %T", name, value)
		}
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
		default:
			return core.Errorf(core.KindSchemaViolation, "parameter %q: expected number, got %T", name, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return core.Errorf(core.KindSchemaViolation, "parameter %q: expected boolean, got %T", name, value)
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return core.Errorf(core.KindSchemaViolation, "parameter %q: expected array, got %T", name, value)
		}
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return core.Errorf(core.KindSchemaViolation, "parameter %q: expected object, got %T", name, value)
		}
	}
	return nil
}
