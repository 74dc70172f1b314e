package eval

import (
	"strconv"
	"strings"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/runtime/glob"
)

// evalMatch applies a MatchType against every (value, key) pair,
// returning the first hit (RFC 5228's "at least one value, at least
// one key" semantics) plus any wildcard/regex captures it produced.
func evalMatch(comparator bytecode.Comparator, match bytecode.MatchType, values, keys []string) (bool, []string, error) {
	switch match.Kind {
	case bytecode.MatchIs:
		for _, v := range values {
			for _, k := range keys {
				ok, err := glob.Equal(comparator, v, k)
				if err != nil {
					return false, nil, err
				}
				if ok {
					return true, nil, nil
				}
			}
		}
		return false, nil, nil
	case bytecode.MatchContains:
		for _, v := range values {
			for _, k := range keys {
				ok, err := glob.Contains(comparator, k, v)
				if err != nil {
					return false, nil, err
				}
				if ok {
					return true, nil, nil
				}
			}
		}
		return false, nil, nil
	case bytecode.MatchMatches:
		for _, v := range values {
			for _, k := range keys {
				caps, ok, err := glob.Matches(comparator, k, v)
				if err != nil {
					return false, nil, err
				}
				if ok {
					// ${0} is the whole matched value; wildcard captures
					// start at ${1}.
					return true, append([]string{v}, caps...), nil
				}
			}
		}
		return false, nil, nil
	case bytecode.MatchRegex:
		for _, v := range values {
			for _, k := range keys {
				caps, ok, err := glob.Regex(comparator, k, v)
				if err != nil {
					return false, nil, err
				}
				if ok {
					return true, caps, nil
				}
			}
		}
		return false, nil, nil
	case bytecode.MatchCount:
		count := strconv.Itoa(len(values))
		for _, k := range keys {
			ok, err := glob.Relational(comparator, match.RelOp, count, k)
			if err != nil {
				return false, nil, err
			}
			if ok {
				return true, nil, nil
			}
		}
		return false, nil, nil
	case bytecode.MatchValue:
		for _, v := range values {
			for _, k := range keys {
				ok, err := glob.Relational(comparator, match.RelOp, v, k)
				if err != nil {
					return false, nil, err
				}
				if ok {
					return true, nil, nil
				}
			}
		}
		return false, nil, nil
	default:
		return false, nil, nil
	}
}

// flattenFlagArgs applies RFC 5232's runtime tokenization rule: a
// single resolved string is split on whitespace into individual flag
// names, while an already-multi-element list is used element-wise.
func flattenFlagArgs(resolved []string) []string {
	if len(resolved) == 1 {
		return strings.Fields(resolved[0])
	}
	return resolved
}

func matchesContentType(ct string, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	ct = strings.ToLower(ct)
	for _, w := range wanted {
		w = strings.ToLower(w)
		if ct == w || strings.HasPrefix(ct, w+"/") {
			return true
		}
	}
	return false
}
