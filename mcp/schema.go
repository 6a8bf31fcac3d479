package mcp

import (
	"encoding/json"
	"fmt"
)

// Schema node kinds. These are the JSON Schema type tags the tool servers
// actually emit; anything else fails validation at parse time.
const (
	SchemaString  = "string"
	SchemaNumber  = "number"
	SchemaInteger = "integer"
	SchemaBoolean = "boolean"
	SchemaArray   = "array"
	SchemaObject  = "object"
)

// SchemaNode is one node of a tool's parameter schema: a recursive
// tagged-variant tree of string/number/boolean/array/object nodes.
// Array nodes describe their elements via Items; object nodes describe
// their fields via Properties and Required.
type SchemaNode struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Enum        []string               `json:"enum,omitempty"`
	Items       *SchemaNode            `json:"items,omitempty"`
	Properties  map[string]*SchemaNode `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Default     any                    `json:"default,omitempty"`
}

// Check verifies the node tree is structurally sound: known type tags,
// array nodes carry element schemas where present, required names exist
// in properties.
func (n *SchemaNode) Check() error {
	if n == nil {
		return nil
	}
	switch n.Type {
	case SchemaString, SchemaNumber, SchemaInteger, SchemaBoolean:
	case SchemaArray:
		if err := n.Items.Check(); err != nil {
			return err
		}
	case SchemaObject:
		for name, prop := range n.Properties {
			if prop == nil {
				return fmt.Errorf("property %q has no schema", name)
			}
			if err := prop.Check(); err != nil {
				return fmt.Errorf("property %q: %w", name, err)
			}
		}
		for _, req := range n.Required {
			if _, ok := n.Properties[req]; !ok {
				return fmt.Errorf("required property %q not declared", req)
			}
		}
	default:
		return fmt.Errorf("unknown schema type %q", n.Type)
	}
	return nil
}

// Validate checks value against the node structurally. It is a pre-dispatch
// check only; the child remains the authority on argument semantics.
func (n *SchemaNode) Validate(value any) error {
	if n == nil {
		return nil
	}
	switch n.Type {
	case SchemaString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		if len(n.Enum) > 0 {
			for _, allowed := range n.Enum {
				if s == allowed {
					return nil
				}
			}
			return fmt.Errorf("value %q not in enum %v", s, n.Enum)
		}
	case SchemaNumber:
		switch value.(type) {
		case float64, float32, int, int64, json.Number:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case SchemaInteger:
		switch v := value.(type) {
		case int, int64:
		case json.Number:
			if _, err := v.Int64(); err != nil {
				return fmt.Errorf("expected integer, got %v", v)
			}
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("expected integer, got %v", v)
			}
		default:
			return fmt.Errorf("expected integer, got %T", value)
		}
	case SchemaBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case SchemaArray:
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
		if n.Items != nil {
			for i, item := range items {
				if err := n.Items.Validate(item); err != nil {
					return fmt.Errorf("element %d: %w", i, err)
				}
			}
		}
	case SchemaObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
		for _, req := range n.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("missing required property %q", req)
			}
		}
		for name, v := range obj {
			prop, known := n.Properties[name]
			if !known {
				// Unknown properties pass through; the child decides.
				continue
			}
			if err := prop.Validate(v); err != nil {
				return fmt.Errorf("property %q: %w", name, err)
			}
		}
	default:
		return fmt.Errorf("unknown schema type %q", n.Type)
	}
	return nil
}

// ValidateArguments checks args against a tool's input schema before
// dispatch. A tool without a schema accepts anything.
func ValidateArguments(tool *ToolDescriptor, args map[string]any) error {
	if tool.InputSchema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.InputSchema.Validate(args)
}
