package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/altermind/altermind/internal/store"
)

type stubTool struct {
	def      Definition
	validate func(map[string]interface{}) error
}

func (t *stubTool) Definition() Definition { return t.def }

func (t *stubTool) Execute(ctx context.Context, args map[string]interface{}, sessionID string) (string, error) {
	return "ok", nil
}

func (t *stubTool) Validate(args map[string]interface{}) error {
	if t.validate != nil {
		return t.validate(args)
	}
	return nil
}

func multiOpTool() *stubTool {
	return &stubTool{def: Definition{
		Name:        "pager",
		Description: "paging ops",
		Operations: map[string]Operation{
			"open": {
				Params:   map[string]Param{"url": {Type: "string"}},
				Required: []string{"url"},
			},
			"scroll": {
				Params:   map[string]Param{"direction": {Type: "string", Enum: []string{"up", "down"}}},
				Required: []string{"direction"},
			},
		},
	}}
}

func TestValidate(t *testing.T) {
	r := NewRegistry()
	r.Register(multiOpTool())

	tests := []struct {
		name    string
		call    store.ToolCall
		wantErr string
	}{
		{"unknown tool", store.ToolCall{Name: "nope"}, "unknown tool"},
		{"missing operation", store.ToolCall{Name: "pager", Arguments: map[string]interface{}{}}, `missing required parameter "operation"`},
		{"unknown operation", store.ToolCall{Name: "pager", Arguments: map[string]interface{}{"operation": "fly"}}, "unknown operation"},
		{"missing required param", store.ToolCall{Name: "pager", Arguments: map[string]interface{}{"operation": "open"}}, "missing required parameter"},
		{"enum violation", store.ToolCall{Name: "pager", Arguments: map[string]interface{}{"operation": "scroll", "direction": "sideways"}}, "must be one of"},
		{"valid open", store.ToolCall{Name: "pager", Arguments: map[string]interface{}{"operation": "open", "url": "https://x"}}, ""},
		{"valid scroll", store.ToolCall{Name: "pager", Arguments: map[string]interface{}{"operation": "scroll", "direction": "down"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.call)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCustomValidator(t *testing.T) {
	r := NewRegistry()
	tool := &stubTool{
		def: Definition{
			Name:       "strict",
			Operations: map[string]Operation{"default": {Params: map[string]Param{"n": {Type: "number"}}}},
		},
		validate: func(args map[string]interface{}) error {
			if n, _ := args["n"].(float64); n < 0 {
				return fmt.Errorf("n must be non-negative")
			}
			return nil
		},
	}
	r.Register(tool)

	if err := r.Validate(store.ToolCall{Name: "strict", Arguments: map[string]interface{}{"n": float64(-1)}}); err == nil {
		t.Error("custom validator not consulted")
	}
	if err := r.Validate(store.ToolCall{Name: "strict", Arguments: map[string]interface{}{"n": float64(3)}}); err != nil {
		t.Errorf("valid call rejected: %v", err)
	}
}

func TestProviderSchema(t *testing.T) {
	schema := multiOpTool().Definition().ProviderSchema()
	if schema.Name != "pager" {
		t.Errorf("name = %q", schema.Name)
	}
	props, ok := schema.Parameters["properties"].(map[string]interface{})
	if !ok {
		t.Fatal("no properties")
	}
	opEntry, ok := props["operation"].(map[string]interface{})
	if !ok {
		t.Fatal("multi-op tool must expose an operation parameter")
	}
	enum, _ := opEntry["enum"].([]string)
	if len(enum) != 2 {
		t.Errorf("operation enum = %v", enum)
	}
	if _, ok := props["url"]; !ok {
		t.Error("union of op params must include url")
	}
	if _, ok := props["direction"]; !ok {
		t.Error("union of op params must include direction")
	}
}

func TestSchemasOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{def: Definition{Name: "b", Operations: map[string]Operation{"default": {}}}})
	r.Register(&stubTool{def: Definition{Name: "a", Operations: map[string]Operation{"default": {}}}})

	schemas := r.Schemas()
	if len(schemas) != 2 || schemas[0].Name != "b" || schemas[1].Name != "a" {
		t.Errorf("schemas must keep registration order: %+v", schemas)
	}
}

func TestSingleOpToolNeedsNoOperationArg(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{def: Definition{
		Name: "echo",
		Operations: map[string]Operation{
			"default": {Params: map[string]Param{"x": {Type: "string"}}, Required: []string{"x"}},
		},
	}})

	if err := r.Validate(store.ToolCall{Name: "echo", Arguments: map[string]interface{}{"x": "hi"}}); err != nil {
		t.Errorf("single-op call rejected: %v", err)
	}
	if err := r.Validate(store.ToolCall{Name: "echo", Arguments: map[string]interface{}{}}); err == nil {
		t.Error("missing required param accepted")
	}
}
