package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/dimensigon/aishell/core"
)

func echoHandler(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return params, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewToolRegistry(nil)

	err := r.Register(ToolDescriptor{Name: "echo", RiskLevel: RiskSafe}, echoHandler)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tool, err := r.Get("echo")
	if err != nil || tool.Descriptor.Name != "echo" {
		t.Errorf("Get failed: %v", err)
	}

	if _, err := r.Get("missing"); !errors.Is(err, core.ErrToolNotFound) {
		t.Errorf("Expected ErrToolNotFound, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewToolRegistry(nil)
	_ = r.Register(ToolDescriptor{Name: "echo", RiskLevel: RiskSafe}, echoHandler)

	err := r.Register(ToolDescriptor{Name: "echo", RiskLevel: RiskLow}, echoHandler)
	if !errors.Is(err, core.ErrDuplicateTool) {
		t.Errorf("Expected ErrDuplicateTool, got %v", err)
	}
}

func TestRegistryRejectsMalformedDescriptors(t *testing.T) {
	r := NewToolRegistry(nil)

	cases := []struct {
		name       string
		descriptor ToolDescriptor
		handler    ToolHandler
	}{
		{"empty name", ToolDescriptor{RiskLevel: RiskSafe}, echoHandler},
		{"nil handler", ToolDescriptor{Name: "t", RiskLevel: RiskSafe}, nil},
		{"bad risk", ToolDescriptor{Name: "t", RiskLevel: "extreme"}, echoHandler},
		{"rate limit without window", ToolDescriptor{Name: "t", RiskLevel: RiskSafe, RateLimit: RateLimit{Requests: 5}}, echoHandler},
	}
	for _, tc := range cases {
		if err := r.Register(tc.descriptor, tc.handler); err == nil {
			t.Errorf("%s: expected rejection", tc.name)
		}
	}
}

type queryInput struct {
	Statement string `json:"statement" jsonschema:"required"`
	Limit     int    `json:"limit,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

func TestValidateInputAgainstReflectedSchema(t *testing.T) {
	schema := SchemaOf(&queryInput{})

	if err := ValidateInput(schema, map[string]interface{}{
		"statement": "SELECT 1",
		"limit":     10,
		"dry_run":   true,
	}); err != nil {
		t.Errorf("Valid input rejected: %v", err)
	}

	err := ValidateInput(schema, map[string]interface{}{"limit": 10})
	if core.KindOf(err) != core.KindSchemaViolation {
		t.Errorf("Missing required field must be SchemaViolation, got %v", err)
	}

	err = ValidateInput(schema, map[string]interface{}{
		"statement": "SELECT 1",
		"limit":     "ten",
	})
	if core.KindOf(err) != core.KindSchemaViolation {
		t.Errorf("Type mismatch must be SchemaViolation, got %v", err)
	}
}

func TestValidateInputNilSchemaAcceptsAnything(t *testing.T) {
	if err := ValidateInput(nil, map[string]interface{}{"anything": 1}); err != nil {
		t.Errorf("Nil schema must accept anything: %v", err)
	}
}
