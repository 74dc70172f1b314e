// Package glob implements the Sieve wildcard pattern language used by
// :matches (spec.md §4.5, C5): "*" matches any run of characters
// (including none), "?" matches exactly one character, everything else
// matches itself literally. Captures are the substrings consumed by
// each individual "*" or "?" token, numbered left to right starting at
// 1 — spec.md's test vectors require a capture per wildcard character
// even when two appear back to back ("??" captures two single-byte
// strings, not one two-byte string), and require "*" to be able to
// give characters back to a later wildcard on backtrack, so matching
// is a recursive backtracking automaton rather than a greedy scan.
package glob

// Match reports whether subject matches pattern in full, and if so the
// capture for each wildcard token ("*" or "?") in the order it appears
// in pattern. Capture index 0 corresponds to the first wildcard token,
// matching Sieve's ${1} numbering (the caller offsets by one when
// binding into match variables).
func Match(pattern, subject string) (captures []string, ok bool) {
	m := &matcher{pat: pattern, sub: subject}
	if !m.match(0, 0) {
		return nil, false
	}
	return m.captures, true
}

type matcher struct {
	pat, sub string
	captures []string
}

func (m *matcher) match(pi, si int) bool {
	if pi == len(m.pat) {
		return si == len(m.sub)
	}
	switch m.pat[pi] {
	case '*':
		for n := 0; si+n <= len(m.sub); n++ {
			saved := append([]string{}, m.captures...)
			m.captures = append(m.captures, m.sub[si:si+n])
			if m.match(pi+1, si+n) {
				return true
			}
			m.captures = saved
		}
		return false
	case '?':
		if si >= len(m.sub) {
			return false
		}
		saved := append([]string{}, m.captures...)
		m.captures = append(m.captures, m.sub[si:si+1])
		if m.match(pi+1, si+1) {
			return true
		}
		m.captures = saved
		return false
	default:
		if si >= len(m.sub) || m.sub[si] != m.pat[pi] {
			return false
		}
		return m.match(pi+1, si+1)
	}
}
