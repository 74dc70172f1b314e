package eval

import (
	"strings"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/host"
)

// selectedParts returns the parts a header/body test iterates: just
// the current part, or the current part plus every descendant in tree
// order when :anychild is set (spec.md §4.7 "header").
func (e *Evaluator) selectedParts(anychild bool) []host.PartID {
	if !anychild {
		return []host.PartID{e.currentPart}
	}
	var parts []host.PartID
	var walk func(p host.PartID)
	walk = func(p host.PartID) {
		parts = append(parts, p)
		for _, c := range e.message.SubpartIDs(p) {
			walk(c)
		}
	}
	walk(e.currentPart)
	return parts
}

// collectHeaderValues gathers every occurrence of every named header
// across the selected parts, then applies the optional index selector.
func (e *Evaluator) collectHeaderValues(names []string, anychild bool, idx bytecode.Index) []string {
	parts := e.selectedParts(anychild)
	var all []string
	for _, name := range names {
		var occ []string
		for _, p := range parts {
			for i := 0; ; i++ {
				v, ok := e.message.HeaderRaw(p, name, i)
				if !ok {
					break
				}
				occ = append(occ, v)
			}
		}
		all = append(all, applyIndex(occ, idx)...)
	}
	return all
}

// applyIndex implements spec.md §3's signed selector: positive counts
// from the top, :last flips to counting from the bottom, absent
// selects everything.
func applyIndex(vals []string, idx bytecode.Index) []string {
	if !idx.Set {
		return vals
	}
	n := idx.Value
	if n == 0 {
		n = 1
	}
	var pos int
	if idx.IsLast {
		pos = len(vals) - n
	} else {
		pos = n - 1
	}
	if pos < 0 || pos >= len(vals) {
		return nil
	}
	return []string{vals[pos]}
}

func localPart(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}

func domainPart(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

func userPart(addr string) string {
	lp := localPart(addr)
	if i := strings.IndexByte(lp, '+'); i >= 0 {
		return lp[:i]
	}
	return lp
}

func detailPart(addr string) string {
	lp := localPart(addr)
	if i := strings.IndexByte(lp, '+'); i >= 0 {
		return lp[i+1:]
	}
	return ""
}

// addressPartValue extracts the :all/:localpart/:domain/:user/:detail
// slice of a parsed address (spec.md §4.7 "address").
func addressPartValue(a host.Address, part bytecode.AddressPart) string {
	switch part {
	case bytecode.AddrLocalPart:
		return localPart(a.Address)
	case bytecode.AddrDomain:
		return domainPart(a.Address)
	case bytecode.AddrUser:
		return userPart(a.Address)
	case bytecode.AddrDetail:
		return detailPart(a.Address)
	default:
		return a.Address
	}
}

// collectAddressValues parses the named headers as address lists and
// extracts the requested part from each entry.
func (e *Evaluator) collectAddressValues(names []string, anychild bool, idx bytecode.Index, part bytecode.AddressPart) []string {
	parts := e.selectedParts(anychild)
	var all []string
	for _, name := range names {
		var occ []string
		for _, p := range parts {
			for _, a := range e.message.AddressList(p, name) {
				occ = append(occ, addressPartValue(a, part))
			}
		}
		all = append(all, applyIndex(occ, idx)...)
	}
	return all
}
