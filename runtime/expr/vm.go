package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// VarLookup resolves a bare identifier referenced from expression text
// (tagged-argument numeric expressions, plug-in parameters) to a value.
type VarLookup interface {
	LookupVar(name string) (Value, bool)
}

// ValueKind is the tagged-union discriminant for expr values.
type ValueKind int

const (
	KindNumber ValueKind = iota
	KindString
	KindArray
)

// Value is a runtime expr value: exactly one of Num, Str, Arr is live,
// selected by Kind.
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
	Arr  []Value
}

func Num(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func Str(s string) Value  { return Value{Kind: KindString, Str: s} }
func Arr(v []Value) Value { return Value{Kind: KindArray, Arr: v} }

// Suspended is returned by Run when it hits a Call to a function id the
// VM does not itself know how to evaluate. The host resolves the call
// out-of-band and calls Resume with the result; the saved program
// counter points at the call instruction, and Resume pushes the result
// in its place and continues with the instruction after it.
type Suspended struct {
	FuncName string
	Args     []Value
	pc       int
	stack    []Value
}

// VM evaluates a compiled []Op vector. It is re-entrant across
// suspend/resume: a Suspended value captures everything needed to
// continue.
type VM struct {
	ops    []Op
	vars   VarLookup
	caller func(name string, args []Value) (Value, bool)
}

// New builds a VM over a compiled op vector. caller, if non-nil, is
// consulted for every Call before falling back to suspension — this is
// how a host can supply built-in functions (e.g. "len", "upper")
// without going through the full suspend/resume round trip.
func New(ops []Op, vars VarLookup, caller func(name string, args []Value) (Value, bool)) *VM {
	return &VM{ops: ops, vars: vars, caller: caller}
}

// Run evaluates the op vector from the start. It returns either a
// final Value, or a *Suspended describing the unresolved call.
func (m *VM) Run() (Value, *Suspended, error) {
	return m.run(0, nil)
}

// Resume continues a previously suspended run, substituting result for
// the call that caused the suspension.
func (m *VM) Resume(s *Suspended, result Value) (Value, *Suspended, error) {
	stack := append(append([]Value{}, s.stack...), result)
	return m.run(s.pc+1, stack)
}

func (m *VM) run(pc int, stack []Value) (Value, *Suspended, error) {
	for pc < len(m.ops) {
		op := m.ops[pc]
		switch op.Kind {
		case OpPushConst:
			if op.IsStr {
				stack = append(stack, Str(op.Str))
			} else {
				stack = append(stack, Num(op.Num))
			}

		case OpPushVar:
			if m.vars == nil {
				stack = append(stack, Str(""))
				break
			}
			v, ok := m.vars.LookupVar(op.Var)
			if !ok {
				stack = append(stack, Str(""))
			} else {
				stack = append(stack, v)
			}

		case OpUnary:
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			switch op.Un {
			case UnNeg:
				stack = append(stack, Num(-toNum(top)))
			case UnNot:
				stack = append(stack, boolVal(!truthy(top)))
			case UnBool:
				stack = append(stack, boolVal(truthy(top)))
			}

		case OpBinary:
			b := stack[len(stack)-1]
			a := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			stack = append(stack, evalBinary(op.Bin, a, b))

		case OpArrayBuild:
			n := op.ArrayN
			items := append([]Value{}, stack[len(stack)-n:]...)
			stack = stack[:len(stack)-n]
			stack = append(stack, Arr(items))

		case OpArrayAccess:
			idx := stack[len(stack)-1]
			arr := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			i := int(toNum(idx))
			if arr.Kind != KindArray || i < 0 || i >= len(arr.Arr) {
				stack = append(stack, Str(""))
			} else {
				stack = append(stack, arr.Arr[i])
			}

		case OpCall:
			args := append([]Value{}, stack[len(stack)-op.NumArgs:]...)
			stack = stack[:len(stack)-op.NumArgs]
			if m.caller != nil {
				if v, ok := m.caller(op.FuncName, args); ok {
					stack = append(stack, v)
					break
				}
			}
			return Value{}, &Suspended{
				FuncName: op.FuncName,
				Args:     args,
				pc:       pc,
				stack:    append([]Value{}, stack...),
			}, nil

		case OpJmpIfFalse:
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !truthy(top) {
				stack = append(stack, Num(0))
				pc += op.Offset
			}

		case OpJmpIfTrue:
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if truthy(top) {
				stack = append(stack, Num(1))
				pc += op.Offset
			}

		default:
			return Value{}, nil, fmt.Errorf("expr: unknown op kind %d", op.Kind)
		}
		pc++
	}
	if len(stack) != 1 {
		return Value{}, nil, fmt.Errorf("expr: malformed program, stack has %d values at exit", len(stack))
	}
	return stack[0], nil, nil
}

func boolVal(b bool) Value {
	if b {
		return Num(1)
	}
	return Num(0)
}

func truthy(v Value) bool {
	switch v.Kind {
	case KindNumber:
		return v.Num != 0
	case KindString:
		return v.Str != "" && v.Str != "0"
	case KindArray:
		return len(v.Arr) > 0
	}
	return false
}

// toNum coerces a value to a number. Unparsable strings yield 0, never
// an error — this is an arithmetic sub-language embedded in a
// fault-tolerant filter language, not a typed host language.
func toNum(v Value) float64 {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0
		}
		return n
	case KindArray:
		return float64(len(v.Arr))
	}
	return 0
}

func asString(v Value) string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindArray:
		parts := make([]string, len(v.Arr))
		for i, e := range v.Arr {
			parts[i] = asString(e)
		}
		return strings.Join(parts, ",")
	}
	return ""
}

// bothNumeric reports whether both values are directly numeric or
// string-shaped numerics, in which case comparisons use numeric order;
// otherwise comparisons fall back to lexicographic order on the string
// form (spec.md §4.3).
func bothNumeric(a, b Value) (float64, float64, bool) {
	an, aok := numericOf(a)
	bn, bok := numericOf(b)
	if aok && bok {
		return an, bn, true
	}
	return 0, 0, false
}

func numericOf(v Value) (float64, bool) {
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func evalBinary(op BinOp, a, b Value) Value {
	switch op {
	case BinAdd:
		if a.Kind == KindArray || b.Kind == KindArray {
			return Arr(appendValue(a, b))
		}
		if an, bn, ok := bothNumeric(a, b); ok {
			return Num(saturatingAdd(an, bn))
		}
		return Str(asString(a) + asString(b))
	case BinSub:
		return Num(saturatingAdd(toNum(a), -toNum(b)))
	case BinMul:
		return Num(saturatingMul(toNum(a), toNum(b)))
	case BinDiv:
		d := toNum(b)
		if d == 0 {
			return Num(0)
		}
		return Num(toNum(a) / d)
	case BinAnd:
		return boolVal(truthy(a) && truthy(b))
	case BinOr:
		return boolVal(truthy(a) || truthy(b))
	case BinXor:
		return Num(float64(int64(toNum(a)) ^ int64(toNum(b))))
	case BinEq:
		return boolVal(compareValues(a, b) == 0)
	case BinNe:
		return boolVal(compareValues(a, b) != 0)
	case BinLt:
		return boolVal(compareValues(a, b) < 0)
	case BinLe:
		return boolVal(compareValues(a, b) <= 0)
	case BinGt:
		return boolVal(compareValues(a, b) > 0)
	case BinGe:
		return boolVal(compareValues(a, b) >= 0)
	}
	return Num(0)
}

// appendValue implements array+scalar append: either operand already
// an array contributes its elements, a bare scalar contributes itself.
func appendValue(a, b Value) []Value {
	var out []Value
	if a.Kind == KindArray {
		out = append(out, a.Arr...)
	} else {
		out = append(out, a)
	}
	if b.Kind == KindArray {
		out = append(out, b.Arr...)
	} else {
		out = append(out, b)
	}
	return out
}

func compareValues(a, b Value) int {
	if an, bn, ok := bothNumeric(a, b); ok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(asString(a), asString(b))
}

// saturatingAdd/saturatingMul clamp to the float64 finite range instead
// of overflowing to +/-Inf, matching the "saturating integer
// arithmetic" rule for the expression sub-language (spec.md §4.3).
func saturatingAdd(a, b float64) float64 {
	r := a + b
	if math.IsInf(r, 1) {
		return math.MaxFloat64
	}
	if math.IsInf(r, -1) {
		return -math.MaxFloat64
	}
	return r
}

func saturatingMul(a, b float64) float64 {
	r := a * b
	if math.IsInf(r, 1) {
		return math.MaxFloat64
	}
	if math.IsInf(r, -1) {
		return -math.MaxFloat64
	}
	return r
}
