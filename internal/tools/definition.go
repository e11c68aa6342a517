// Package tools defines the tool contract consumed by the agent loop and
// the registry that validates and dispatches calls.
package tools

import (
	"context"

	"github.com/altermind/altermind/internal/providers"
)

// Param describes one operation parameter.
type Param struct {
	Type        string   `json:"type"` // "string", "number", "boolean"
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Operation is one callable operation of a tool.
type Operation struct {
	Description string           `json:"description,omitempty"`
	Params      map[string]Param `json:"params,omitempty"`
	Required    []string         `json:"required,omitempty"`
}

// Definition is the JSON-schema-like descriptor for a tool. A tool exposes
// one or more operations selected by the "operation" argument.
type Definition struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Operations  map[string]Operation `json:"operations"`
}

// Tool executes operations against a session. Execute returns the string
// output sent back to the model; structured output is serialized to JSON by
// the tool itself.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, args map[string]interface{}, sessionID string) (string, error)
}

// Validator is implemented by tools that need checks beyond the generic
// schema validation.
type Validator interface {
	Validate(args map[string]interface{}) error
}

// ProviderSchema flattens the definition into the single-object JSON schema
// providers expect: an "operation" enum plus the union of all operation
// parameters.
func (d Definition) ProviderSchema() providers.ToolSchema {
	props := map[string]interface{}{}
	var ops []string
	for name := range d.Operations {
		ops = append(ops, name)
	}

	if len(d.Operations) > 1 || (len(d.Operations) == 1 && !hasOnlyDefault(d.Operations)) {
		props["operation"] = map[string]interface{}{
			"type":        "string",
			"enum":        ops,
			"description": "Operation to perform",
		}
	}

	for _, op := range d.Operations {
		for pname, p := range op.Params {
			entry := map[string]interface{}{"type": p.Type}
			if p.Description != "" {
				entry["description"] = p.Description
			}
			if len(p.Enum) > 0 {
				entry["enum"] = p.Enum
			}
			props[pname] = entry
		}
	}

	required := []string{}
	if _, ok := props["operation"]; ok {
		required = append(required, "operation")
	}
	// A single-operation tool's required parameters are required at the top
	// level; with several operations only "operation" is marked required.
	if len(d.Operations) == 1 {
		for _, op := range d.Operations {
			required = append(required, op.Required...)
		}
	}

	return providers.ToolSchema{
		Name:        d.Name,
		Description: d.Description,
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func hasOnlyDefault(ops map[string]Operation) bool {
	_, ok := ops["default"]
	return ok && len(ops) == 1
}
