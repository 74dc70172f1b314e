package eval

import "github.com/aledsdavies/sievevm/core/bytecode"

// resolveTemplate evaluates a compiled StringTemplate against the
// evaluator's current variable stores (spec.md §3 "Variable stores").
func (e *Evaluator) resolveTemplate(t bytecode.StringTemplate) string {
	switch t.Kind {
	case bytecode.TplText:
		return t.Text
	case bytecode.TplLocalVariable:
		if t.Index >= 0 && t.Index < len(e.localVars) {
			return e.localVars[t.Index]
		}
		return ""
	case bytecode.TplMatchVariable:
		if t.Index >= 0 && t.Index < len(e.matchVars) {
			return e.matchVars[t.Index]
		}
		return ""
	case bytecode.TplGlobalVariable:
		return e.globalVars[t.Name]
	case bytecode.TplEnvironmentVariable:
		v, _ := e.rt.Environment.Lookup(t.Name)
		return v
	case bytecode.TplList:
		var out string
		for _, p := range t.List {
			out += e.resolveTemplate(p)
		}
		return out
	default:
		return ""
	}
}

func (e *Evaluator) resolveTemplates(ts []bytecode.StringTemplate) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = e.resolveTemplate(t)
	}
	return out
}

// assignLocal writes value into local slot idx of the current script,
// first truncating it to Runtime.MaxVariableSize bytes when that limit
// is set; an out-of-range idx is ignored.
func (e *Evaluator) assignLocal(idx int, value string) {
	if max := e.rt.MaxVariableSize; max > 0 && len(value) > max {
		value = value[:max]
	}
	if idx >= 0 && idx < len(e.localVars) {
		e.localVars[idx] = value
	}
}

func (e *Evaluator) setMatchVars(captures []string) {
	for i := 0; i < len(e.matchVars); i++ {
		if i < len(captures) {
			e.matchVars[i] = captures[i]
		} else {
			e.matchVars[i] = ""
		}
	}
}
