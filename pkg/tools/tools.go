// Package tools connects the assistant to external data tools. It defines the
// invoker and catalog contracts consumed by the plan executor and provides an
// MCP backed implementation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Spec describes one callable tool as advertised by its source.
type Spec struct {
	Source      string         `json:"source"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Invoker calls a tool by name with a key/value input object.
type Invoker interface {
	CallTool(ctx context.Context, name string, input map[string]any) (*mcp.CallToolResult, error)
}

// Catalog lists the tools currently available across every connected source.
type Catalog interface {
	Tools(ctx context.Context) ([]Spec, error)
}

// StaticCatalog is a fixed Catalog.
type StaticCatalog []Spec

func (c StaticCatalog) Tools(context.Context) ([]Spec, error) {
	return c, nil
}

// InputFields renders the tool's input signature as "name(type)" pairs in
// name order. Fields without a declared type are rendered as 未知类型.
func (s Spec) InputFields() []string {
	props := s.InputSchema
	if nested, ok := s.InputSchema["properties"].(map[string]any); ok {
		props = nested
	} else if isSchema(s.InputSchema) {
		return nil
	}

	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	sort.Strings(names)

	fields := make([]string, 0, len(names))
	for _, k := range names {
		typ := "未知类型"
		switch v := props[k].(type) {
		case map[string]any:
			if t, ok := v["type"].(string); ok && t != "" {
				typ = t
			}
		case string:
			if v != "" {
				typ = v
			}
		}
		fields = append(fields, fmt.Sprintf("%s(%s)", k, typ))
	}
	return fields
}

// FormatCatalog renders the textual tool catalog embedded in the planning prompt:
//
//	- name: description | 输入字段: a(string), b(integer)
func FormatCatalog(specs []Spec) string {
	var b strings.Builder
	for _, s := range specs {
		fields := "无输入字段"
		if f := s.InputFields(); len(f) > 0 {
			fields = strings.Join(f, ", ")
		}
		fmt.Fprintf(&b, "- %s: %s | 输入字段: %s\n", s.Name, s.Description, fields)
	}
	return b.String()
}

// schemaMap converts whatever shape the SDK hands us for an input schema into
// a plain JSON object.
func schemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// isSchema reports whether m reads as a JSON Schema rather than a bare field
// map. Keyword values are checked by shape so a field named "type" or
// "description" in a bare map still counts as a field.
func isSchema(m map[string]any) bool {
	for _, k := range []string{"type", "$schema", "description"} {
		if _, ok := m[k].(string); ok {
			return true
		}
	}
	_, ok := m["required"].([]any)
	return ok
}
