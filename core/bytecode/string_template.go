package bytecode

// StringTemplateKind is the sum-type tag for StringTemplate.
type StringTemplateKind uint8

const (
	TplText StringTemplateKind = iota
	TplLocalVariable
	TplMatchVariable
	TplGlobalVariable
	TplEnvironmentVariable
	TplList
)

// StringTemplate is the compiled form of a source string literal
// (spec.md §3). Invariant: no List contains a nested List — the
// interpolator flattens one level deep as it builds the template.
type StringTemplate struct {
	Kind  StringTemplateKind
	Text  string           // TplText: fully-resolved literal bytes
	Index int              // TplLocalVariable / TplMatchVariable: slot index
	Name  string           // TplGlobalVariable / TplEnvironmentVariable: lowercased name
	List  []StringTemplate // TplList: concatenation sequence
}

// Text builds a TplText template, collapsing to the literal itself.
func Text(s string) StringTemplate { return StringTemplate{Kind: TplText, Text: s} }

// LocalVar builds a TplLocalVariable template.
func LocalVar(idx int) StringTemplate { return StringTemplate{Kind: TplLocalVariable, Index: idx} }

// MatchVar builds a TplMatchVariable template.
func MatchVar(idx int) StringTemplate { return StringTemplate{Kind: TplMatchVariable, Index: idx} }

// GlobalVar builds a TplGlobalVariable template; name is expected
// already-lowercased by the caller (the compiler lowercases on
// registration, per spec.md §3's "Global: keyed by lowercased name").
func GlobalVar(name string) StringTemplate {
	return StringTemplate{Kind: TplGlobalVariable, Name: name}
}

// EnvVar builds a TplEnvironmentVariable template.
func EnvVar(name string) StringTemplate {
	return StringTemplate{Kind: TplEnvironmentVariable, Name: name}
}

// List builds a TplList template, flattening a lone single-element
// list and refusing nested lists (inlining them instead) so the
// "no nested List" invariant holds regardless of how callers assemble
// pieces.
func List(parts ...StringTemplate) StringTemplate {
	if len(parts) == 1 {
		return parts[0]
	}
	flat := make([]StringTemplate, 0, len(parts))
	for _, p := range parts {
		if p.Kind == TplList {
			flat = append(flat, p.List...)
		} else {
			flat = append(flat, p)
		}
	}
	return StringTemplate{Kind: TplList, List: flat}
}

// MatchVariableRefs reports every match-variable index textually
// referenced anywhere within the template (including nested lists),
// used by the compiler to grow a test's CaptureMask retroactively.
func MatchVariableRefs(t StringTemplate) []int {
	var out []int
	var walk func(StringTemplate)
	walk = func(t StringTemplate) {
		switch t.Kind {
		case TplMatchVariable:
			out = append(out, t.Index)
		case TplList:
			for _, p := range t.List {
				walk(p)
			}
		}
	}
	walk(t)
	return out
}
