package glob

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/diag"
)

// Equal implements the "is" match type under a comparator: exact
// collation equality, never substring containment.
func Equal(c bytecode.Comparator, a, b string) (bool, error) {
	switch c.Kind {
	case bytecode.ComparatorOctet:
		return a == b, nil
	case bytecode.ComparatorAsciiCaseMap:
		return strings.EqualFold(a, b), nil
	case bytecode.ComparatorAsciiNumeric:
		return numericValue(a) == numericValue(b), nil
	default:
		return false, unsupportedComparator(c)
	}
}

// Contains implements the "contains" match type: a appears as a
// substring of b under the comparator's collation.
func Contains(c bytecode.Comparator, needle, haystack string) (bool, error) {
	switch c.Kind {
	case bytecode.ComparatorOctet:
		return strings.Contains(haystack, needle), nil
	case bytecode.ComparatorAsciiCaseMap:
		return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle)), nil
	case bytecode.ComparatorAsciiNumeric:
		// "contains" on a numeric comparator degenerates to equality —
		// i;ascii-numeric has no notion of substring.
		return numericValue(needle) == numericValue(haystack), nil
	default:
		return false, unsupportedComparator(c)
	}
}

// Matches implements the ":matches" glob match type, returning the
// ordered wildcard captures on success.
func Matches(c bytecode.Comparator, pattern, subject string) (captures []string, ok bool, err error) {
	switch c.Kind {
	case bytecode.ComparatorOctet:
		captures, ok = Match(pattern, subject)
		return captures, ok, nil
	case bytecode.ComparatorAsciiCaseMap:
		captures, ok = Match(strings.ToLower(pattern), strings.ToLower(subject))
		return captures, ok, nil
	default:
		return nil, false, unsupportedComparator(c)
	}
}

// Regex implements the ":regex" match type (the regex extension),
// returning the whole-match plus submatch captures.
func Regex(c bytecode.Comparator, pattern, subject string) (captures []string, ok bool, err error) {
	flags := ""
	if c.Kind == bytecode.ComparatorAsciiCaseMap {
		flags = "(?i)"
	}
	re, compileErr := regexp.Compile(flags + pattern)
	if compileErr != nil {
		return nil, false, &diag.RuntimeError{
			Kind:    diag.ErrInvalidInstruction,
			Message: "invalid regular expression: " + compileErr.Error(),
			Cause:   compileErr,
		}
	}
	m := re.FindStringSubmatch(subject)
	if m == nil {
		return nil, false, nil
	}
	return m, true, nil
}

// Relational implements i;ascii-numeric / i;ascii-casemap / i;octet
// ordering for :count and :value relational tests (the relational
// extension). Unparsable numerics compare as +Inf, so a non-numeric
// value is never "less than" any numeric one (spec.md §4.5).
func Relational(c bytecode.Comparator, op bytecode.RelOp, a, b string) (bool, error) {
	var cmp int
	switch c.Kind {
	case bytecode.ComparatorOctet:
		cmp = strings.Compare(a, b)
	case bytecode.ComparatorAsciiCaseMap:
		cmp = strings.Compare(strings.ToLower(a), strings.ToLower(b))
	case bytecode.ComparatorAsciiNumeric:
		na, nb := numericValue(a), numericValue(b)
		switch {
		case na < nb:
			cmp = -1
		case na > nb:
			cmp = 1
		default:
			cmp = 0
		}
	default:
		return false, unsupportedComparator(c)
	}
	switch op {
	case bytecode.RelEq:
		return cmp == 0, nil
	case bytecode.RelNe:
		return cmp != 0, nil
	case bytecode.RelGt:
		return cmp > 0, nil
	case bytecode.RelGe:
		return cmp >= 0, nil
	case bytecode.RelLt:
		return cmp < 0, nil
	case bytecode.RelLe:
		return cmp <= 0, nil
	}
	return false, nil
}

// numericValue parses the leading decimal digits of s as i;ascii-numeric
// does; a string with no leading digit is +Inf, which sorts after every
// parseable numeric value (spec.md §4.5 / RFC 5231 §4).
func numericValue(s string) float64 {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return math.Inf(1)
	}
	n, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return math.Inf(1)
	}
	return n
}

func unsupportedComparator(c bytecode.Comparator) error {
	return &diag.RuntimeError{
		Kind:    diag.ErrUnsupportedComparatorRT,
		Message: "comparator not supported at runtime: " + c.String(),
	}
}
