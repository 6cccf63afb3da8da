package plan

import (
	"fmt"
	"strings"
)

// Validate reports structural problems in p without rejecting it: duplicate
// or malformed result variables, call_tool steps without a tool and
// references that no earlier step (or prior binding) satisfies. Steps are
// numbered from 1.
func Validate(p Plan, prior Bindings) []string {
	var warnings []string

	declared := make(map[string]int)
	for i, s := range p.Steps {
		if s.ResultVar != "" {
			if _, ok := declared[s.ResultVar]; !ok {
				declared[s.ResultVar] = i + 1
			}
		}
	}

	bound := make(map[string]int)
	for i, s := range p.Steps {
		n := i + 1

		if s.Kind() == KindCallTool && strings.TrimSpace(s.Tool) == "" {
			warnings = append(warnings, fmt.Sprintf("step %d: call_tool without a tool name", n))
		}

		for _, ref := range s.Input.References() {
			if _, ok := bound[ref]; ok {
				continue
			}
			if _, ok := prior[ref]; ok {
				continue
			}
			if at, ok := declared[ref]; ok {
				warnings = append(warnings, fmt.Sprintf("step %d: %s is only bound later, by step %d", n, ref, at))
				continue
			}
			warnings = append(warnings, fmt.Sprintf("step %d: %s is not bound by any earlier step", n, ref))
		}

		if s.ResultVar == "" {
			continue
		}
		if !validVarName(s.ResultVar) {
			warnings = append(warnings, fmt.Sprintf("step %d: result_var %q must be a single '$' followed by a name", n, s.ResultVar))
		}
		if at, ok := bound[s.ResultVar]; ok {
			warnings = append(warnings, fmt.Sprintf("step %d: result_var %s already bound by step %d", n, s.ResultVar, at))
			continue
		}
		bound[s.ResultVar] = n
	}

	return warnings
}

func validVarName(v string) bool {
	return len(v) > 1 && v[0] == '$' && strings.Count(v, "$") == 1 && !strings.ContainsAny(v, " \t\n")
}
