// Package interp implements the Sieve string micro-language (spec.md
// §4.2, C2): ${var} interpolation, ${hex:..}/${unicode:..} escapes and
// fault-tolerant fallback to literal text on anything ill-formed. It
// runs once per quoted-or-heredoc string literal during compilation.
package interp

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/diag"
)

// Resolver classifies a bare "${name}" reference as local or global,
// using whatever scope/global-registration bookkeeping the compiler's
// current block stack holds (spec.md §4.2).
type Resolver interface {
	// LocalSlot reports the dense local-variable slot for name in the
	// currently open scope, if one has been declared.
	LocalSlot(name string) (int, bool)

	// IsDeclaredGlobal reports whether name has been registered as a
	// global anywhere in the script so far.
	IsDeclaredGlobal(name string) bool
}

// Result is the outcome of interpolating one string literal: the
// compiled template plus every match-variable index textually
// referenced, so the compiler can retroactively grow the capture mask
// of whichever tests are still open (spec.md §4.4/§9).
type Result struct {
	Template  bytecode.StringTemplate
	MatchRefs []int
}

// Interpolate compiles raw (the literal's decoded-from-source text,
// quotes already stripped by the lexer) into a StringTemplate.
func Interpolate(raw string, r Resolver) (Result, error) {
	var parts []bytecode.StringTemplate
	var matchRefs []int

	i := 0
	var lit strings.Builder
	flushLit := func() {
		if lit.Len() > 0 {
			parts = append(parts, bytecode.Text(lit.String()))
			lit.Reset()
		}
	}

	for i < len(raw) {
		if raw[i] == '$' && i+1 < len(raw) && raw[i+1] == '{' {
			end := strings.IndexByte(raw[i+2:], '}')
			if end < 0 {
				// Unterminated ${...}: spec.md test vector "${hex:40" is
				// a literal — the rest of the string is literal text.
				lit.WriteString(raw[i:])
				i = len(raw)
				break
			}
			content := raw[i+2 : i+2+end]
			piece, refs, matched, err := resolveBraced(content, r)
			if err != nil {
				return Result{}, err
			}
			if !matched {
				// Ill-formed ${...}: reinterpreted as literal text, no
				// failure (spec.md §4.2).
				lit.WriteString(raw[i : i+2+end+1])
			} else {
				flushLit()
				parts = append(parts, piece)
				matchRefs = append(matchRefs, refs...)
			}
			i = i + 2 + end + 1
			continue
		}
		lit.WriteByte(raw[i])
		i++
	}
	flushLit()

	return Result{Template: bytecode.List(parts...), MatchRefs: matchRefs}, nil
}

var identRe = func(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || (i > 0 && c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// resolveBraced interprets the content of one "${...}" (without the
// delimiters). matched=false means "treat the whole thing as literal
// text", per the fault-tolerant rule; err is only returned for the
// two named hard failures (invalid match variable, invalid unicode
// sequence).
func resolveBraced(content string, r Resolver) (piece bytecode.StringTemplate, matchRefs []int, matched bool, err error) {
	lower := strings.ToLower(content)

	switch {
	case strings.HasPrefix(lower, "hex:"):
		raw, ok := decodeHexEscape(content[4:])
		if !ok {
			return bytecode.StringTemplate{}, nil, false, nil
		}
		return recurseDecoded(raw, r)

	case strings.HasPrefix(lower, "unicode:"):
		raw, ok, bad := decodeUnicodeEscape(content[8:])
		if bad {
			return bytecode.StringTemplate{}, nil, false, &diag.CompileError{
				Kind:    diag.ErrInvalidUnicodeSequence,
				Message: "invalid unicode scalar value in ${unicode:...} escape",
			}
		}
		if !ok {
			return bytecode.StringTemplate{}, nil, false, nil
		}
		return recurseDecoded(raw, r)

	case isAllDigits(content):
		n, convErr := strconv.Atoi(content)
		if convErr != nil {
			return bytecode.StringTemplate{}, nil, false, nil
		}
		if n >= bytecode.MaxMatchVariables {
			return bytecode.StringTemplate{}, nil, false, &diag.CompileError{
				Kind:    diag.ErrInvalidMatchVariable,
				Message: "match variable index must be less than 63",
			}
		}
		return bytecode.MatchVar(n), []int{n}, true, nil

	case strings.HasPrefix(lower, "global.") && identRe(content[7:]):
		return bytecode.GlobalVar(strings.ToLower(content[7:])), nil, true, nil

	case strings.HasPrefix(lower, "env.") && identRe(content[4:]):
		return bytecode.EnvVar(content[4:]), nil, true, nil

	case identRe(content):
		if idx, ok := r.LocalSlot(content); ok {
			return bytecode.LocalVar(idx), nil, true, nil
		}
		if r.IsDeclaredGlobal(content) {
			return bytecode.GlobalVar(strings.ToLower(content)), nil, true, nil
		}
		// Undeclared bare name: treated as an implicit global that
		// reads as empty string until set, matching the variables
		// extension's "undefined reads as empty" behavior.
		return bytecode.GlobalVar(strings.ToLower(content)), nil, true, nil
	}

	return bytecode.StringTemplate{}, nil, false, nil
}

// recurseDecoded re-tokenizes a hex/unicode-decoded byte run for
// embedded ${...} references, exactly one level deep (spec.md §4.2:
// "Encoded forms recurse one level").
func recurseDecoded(raw []byte, r Resolver) (bytecode.StringTemplate, []int, bool, error) {
	res, err := interpolateOnce(string(raw), r)
	if err != nil {
		return bytecode.StringTemplate{}, nil, false, err
	}
	return res.Template, res.MatchRefs, true, nil
}

// interpolateOnce is Interpolate without further recursion, used for
// the single allowed recursion level so decoded hex/unicode text may
// itself contain "${var}" but not another "${hex:...}" inside that.
func interpolateOnce(raw string, r Resolver) (Result, error) {
	var parts []bytecode.StringTemplate
	var matchRefs []int
	i := 0
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, bytecode.Text(lit.String()))
			lit.Reset()
		}
	}
	for i < len(raw) {
		if raw[i] == '$' && i+1 < len(raw) && raw[i+1] == '{' {
			end := strings.IndexByte(raw[i+2:], '}')
			if end < 0 {
				lit.WriteString(raw[i:])
				i = len(raw)
				break
			}
			content := raw[i+2 : i+2+end]
			if isAllDigits(content) {
				n, convErr := strconv.Atoi(content)
				if convErr == nil && n < bytecode.MaxMatchVariables {
					flush()
					parts = append(parts, bytecode.MatchVar(n))
					matchRefs = append(matchRefs, n)
					i = i + 2 + end + 1
					continue
				}
			} else if identRe(content) {
				flush()
				if idx, ok := r.LocalSlot(content); ok {
					parts = append(parts, bytecode.LocalVar(idx))
				} else {
					parts = append(parts, bytecode.GlobalVar(strings.ToLower(content)))
				}
				i = i + 2 + end + 1
				continue
			}
			lit.WriteString(raw[i : i+2+end+1])
			i = i + 2 + end + 1
			continue
		}
		lit.WriteByte(raw[i])
		i++
	}
	flush()
	return Result{Template: bytecode.List(parts...), MatchRefs: matchRefs}, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// decodeHexEscape parses whitespace-separated 2-digit hex byte pairs.
func decodeHexEscape(s string) ([]byte, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, false
	}
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		if len(f) != 2 {
			return nil, false
		}
		b, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, false
		}
		out = append(out, byte(b))
	}
	return out, true
}

// decodeUnicodeEscape parses whitespace-separated hex Unicode scalar
// values. bad=true signals the hard InvalidUnicodeSequence failure
// (surrogate or out-of-range codepoint); ok=false (bad=false) signals
// "not parseable at all", which degrades to literal text instead.
func decodeUnicodeEscape(s string) (out []byte, ok bool, bad bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, false, false
	}
	var buf []byte
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 16, 32)
		if err != nil {
			return nil, false, false
		}
		r := rune(v)
		if v > 0x10FFFF || (v >= 0xD800 && v <= 0xDFFF) {
			return nil, false, true
		}
		var tmp [utf8.UTFMax]byte
		n := utf8.EncodeRune(tmp[:], r)
		buf = append(buf, tmp[:n]...)
	}
	return buf, true, false
}
