// Package plan models multi-step answer plans produced by the planning model
// and executes them step by step, threading named result variables between
// steps.
package plan

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// ActionKind is the closed set of step actions.
type ActionKind int

const (
	KindUnrecognized ActionKind = iota
	KindCallTool
	KindLLMAnswer
	KindRiskAnalyst
)

// Wire names of the action kinds.
const (
	ActionCallTool    = "call_tool"
	ActionLLMAnswer   = "llm_answer"
	ActionRiskAnalyst = "risk_analyst"
)

// ParseAction maps a wire action name to its kind.
func ParseAction(action string) ActionKind {
	switch strings.TrimSpace(action) {
	case ActionCallTool:
		return KindCallTool
	case ActionLLMAnswer:
		return KindLLMAnswer
	case ActionRiskAnalyst:
		return KindRiskAnalyst
	default:
		return KindUnrecognized
	}
}

func (k ActionKind) String() string {
	switch k {
	case KindCallTool:
		return ActionCallTool
	case KindLLMAnswer:
		return ActionLLMAnswer
	case KindRiskAnalyst:
		return ActionRiskAnalyst
	default:
		return "unrecognized"
	}
}

// Plan is an ordered list of steps answering one user turn.
type Plan struct {
	Steps       []Step `json:"plan"`
	Explanation string `json:"explanation"`

	// Raw is the model output the plan was parsed from.
	Raw string `json:"-"`
}

// JSON renders the steps for the turn trace.
func (p Plan) JSON() string {
	steps := p.Steps
	if steps == nil {
		steps = []Step{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(steps); err != nil {
		return "[]"
	}
	return strings.TrimSpace(buf.String())
}

// Step is one unit of plan execution.
type Step struct {
	Action      string `json:"action"`
	Tool        string `json:"tool,omitempty"`
	Input       Input  `json:"input"`
	ResultVar   string `json:"result_var,omitempty"`
	Description string `json:"description,omitempty"`
}

// Kind classifies the step's action.
func (s Step) Kind() ActionKind {
	return ParseAction(s.Action)
}

// Input is a step payload: either a key/value object or free text.
type Input struct {
	Fields map[string]any
	Text   string
}

// ObjectInput builds an object input.
func ObjectInput(fields map[string]any) Input { return Input{Fields: fields} }

// TextInput builds a free-text input.
func TextInput(text string) Input { return Input{Text: text} }

// IsObject reports whether the input is the key/value form.
func (in Input) IsObject() bool { return in.Fields != nil }

// String renders the input as the text handed to a model: free text as is,
// objects as JSON.
func (in Input) String() string {
	if !in.IsObject() {
		return in.Text
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(in.Fields); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

// References lists the variable names the input refers to: top-level string
// field values, or the whole free text, that carry the '$' sentinel.
func (in Input) References() []string {
	var refs []string
	if !in.IsObject() {
		if isReference(in.Text) {
			refs = append(refs, strings.TrimSpace(in.Text))
		}
		return refs
	}
	for _, v := range in.Fields {
		if s, ok := v.(string); ok && isReference(s) {
			refs = append(refs, s)
		}
	}
	sort.Strings(refs)
	return refs
}

func isReference(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) > 1 && s[0] == '$' && !strings.ContainsAny(s, " \t\n")
}

func (in Input) MarshalJSON() ([]byte, error) {
	if in.IsObject() {
		return json.Marshal(in.Fields)
	}
	if in.Text == "" {
		return []byte("null"), nil
	}
	return json.Marshal(in.Text)
}

// UnmarshalJSON accepts an object, a string or null. Any other JSON value is
// kept verbatim as free text.
func (in *Input) UnmarshalJSON(data []byte) error {
	*in = Input{}

	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return nil
	case trimmed[0] == '{':
		fields := map[string]any{}
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return err
		}
		in.Fields = fields
		return nil
	case trimmed[0] == '"':
		return json.Unmarshal(trimmed, &in.Text)
	default:
		in.Text = string(trimmed)
		return nil
	}
}

// Bindings maps result variable names to the values bound to them.
type Bindings map[string]string

// Resolve returns a copy of in with every whole value that names a bound
// variable replaced by that variable's value. Unbound names pass through as
// literals.
func (b Bindings) Resolve(in Input) Input {
	if !in.IsObject() {
		if v, ok := b[strings.TrimSpace(in.Text)]; ok && in.Text != "" {
			return TextInput(v)
		}
		return in
	}

	out := make(map[string]any, len(in.Fields))
	for k, v := range in.Fields {
		if s, ok := v.(string); ok {
			if bound, ok := b[s]; ok {
				out[k] = bound
				continue
			}
		}
		out[k] = v
	}
	return ObjectInput(out)
}
