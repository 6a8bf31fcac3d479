package mcp

import (
	"encoding/json"
	"strings"
	"testing"
)

func echoSchema() *SchemaNode {
	return &SchemaNode{
		Type: SchemaObject,
		Properties: map[string]*SchemaNode{
			"text":  {Type: SchemaString, Description: "text to echo"},
			"count": {Type: SchemaInteger},
			"loud":  {Type: SchemaBoolean},
			"tags": {
				Type:  SchemaArray,
				Items: &SchemaNode{Type: SchemaString},
			},
			"options": {
				Type: SchemaObject,
				Properties: map[string]*SchemaNode{
					"mode": {Type: SchemaString, Enum: []string{"fast", "slow"}},
				},
			},
		},
		Required: []string{"text"},
	}
}

func TestSchemaCheck(t *testing.T) {
	if err := echoSchema().Check(); err != nil {
		t.Fatalf("Check on valid schema: %v", err)
	}

	tests := []struct {
		name    string
		node    *SchemaNode
		wantErr string
	}{
		{
			name:    "unknown type",
			node:    &SchemaNode{Type: "tuple"},
			wantErr: "unknown schema type",
		},
		{
			name: "required without property",
			node: &SchemaNode{
				Type:     SchemaObject,
				Required: []string{"missing"},
			},
			wantErr: "required property",
		},
		{
			name: "bad nested type",
			node: &SchemaNode{
				Type: SchemaObject,
				Properties: map[string]*SchemaNode{
					"x": {Type: SchemaArray, Items: &SchemaNode{Type: "blob"}},
				},
			},
			wantErr: "unknown schema type",
		},
		{
			name: "nil node passes",
			node: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.node.Check()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Check: %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Check: %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaValidate(t *testing.T) {
	schema := echoSchema()

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{
			name: "valid minimal",
			args: map[string]any{"text": "hi"},
		},
		{
			name: "valid full",
			args: map[string]any{
				"text":    "hi",
				"count":   float64(3),
				"loud":    true,
				"tags":    []any{"a", "b"},
				"options": map[string]any{"mode": "fast"},
			},
		},
		{
			name:    "missing required",
			args:    map[string]any{"count": float64(1)},
			wantErr: `missing required property "text"`,
		},
		{
			name:    "wrong type",
			args:    map[string]any{"text": 42},
			wantErr: "expected string",
		},
		{
			name:    "fractional integer",
			args:    map[string]any{"text": "hi", "count": 1.5},
			wantErr: "expected integer",
		},
		{
			name:    "bad array element",
			args:    map[string]any{"text": "hi", "tags": []any{"a", 7}},
			wantErr: "element 1",
		},
		{
			name:    "enum violation",
			args:    map[string]any{"text": "hi", "options": map[string]any{"mode": "warp"}},
			wantErr: "not in enum",
		},
		{
			name: "unknown property passes through",
			args: map[string]any{"text": "hi", "extra": "anything"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.Validate(tt.args)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate: %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateArguments_NoSchema(t *testing.T) {
	tool := &ToolDescriptor{Name: "anything"}
	if err := ValidateArguments(tool, map[string]any{"whatever": 1}); err != nil {
		t.Errorf("tool without schema should accept anything: %v", err)
	}
}

func TestSchemaRoundTrip(t *testing.T) {
	// Schemas arrive as raw JSON from tools/list; the recursive structure
	// must survive decoding.
	raw := `{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "text to echo"},
			"nested": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {"n": {"type": "number"}},
					"required": ["n"]
				}
			}
		},
		"required": ["text"]
	}`

	var node SchemaNode
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := node.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}

	inner := node.Properties["nested"].Items
	if inner == nil || inner.Type != SchemaObject {
		t.Fatalf("nested item schema not decoded: %+v", inner)
	}
	if len(inner.Required) != 1 || inner.Required[0] != "n" {
		t.Errorf("nested required = %v, want [n]", inner.Required)
	}

	err := node.Validate(map[string]any{
		"text":   "hi",
		"nested": []any{map[string]any{"n": 1.0}, map[string]any{}},
	})
	if err == nil || !strings.Contains(err.Error(), "element 1") {
		t.Errorf("Validate: %v, want nested element error", err)
	}
}
