// Package bytecode defines the immutable data model a compiled Sieve
// script is made of: instructions, test specifications, string
// templates and the capability set. These are closed sum types —
// dispatch on them is a flat switch, never an interface method set.
package bytecode

// MaxMatchVariables is the highest match-variable index a script may
// reference. Bit 63 of the capture mask is reserved, so indices run
// 0..62 inclusive; ${63} or higher is a compile error, never silently
// clamped.
const MaxMatchVariables = 63

// Comparator selects the collation algorithm used by a test's match.
type Comparator struct {
	Kind ComparatorKind
	Name string // set only when Kind == ComparatorOther
}

type ComparatorKind uint8

const (
	ComparatorOctet ComparatorKind = iota
	ComparatorAsciiCaseMap
	ComparatorAsciiNumeric
	ComparatorOther
)

func (c Comparator) String() string {
	switch c.Kind {
	case ComparatorOctet:
		return "i;octet"
	case ComparatorAsciiCaseMap:
		return "i;ascii-casemap"
	case ComparatorAsciiNumeric:
		return "i;ascii-numeric"
	default:
		return c.Name
	}
}

// DefaultComparator is the comparator a test uses when none is given.
var DefaultComparator = Comparator{Kind: ComparatorAsciiCaseMap}

// RelOp is a relational operator for :count/:value match types.
type RelOp uint8

const (
	RelEq RelOp = iota
	RelNe
	RelGt
	RelGe
	RelLt
	RelLe
)

// MatchTypeKind is the sum-type tag for MatchType.
type MatchTypeKind uint8

const (
	MatchIs MatchTypeKind = iota
	MatchContains
	MatchMatches
	MatchRegex
	MatchValue
	MatchCount
	MatchList
)

// MatchType carries the match-type tag plus whatever payload that tag
// needs. CaptureMask is computed entirely at compile time (spec.md
// §4.4/§9): bit N is set iff a textual ${N} reference appears after
// the owning test and before its enclosing block closes.
type MatchType struct {
	Kind        MatchTypeKind
	RelOp       RelOp  // valid when Kind == MatchValue or MatchCount
	CaptureMask uint64 // valid when Kind == MatchMatches or MatchRegex
}

// Capability is a closed set of Sieve extensions plus an escape hatch
// for unrecognized names (still trackable, still failing require
// validation against the runtime allow-list at execution).
type Capability struct {
	Kind CapabilityKind
	Name string // set only when Kind == CapOther
}

type CapabilityKind uint8

const (
	CapFileinto CapabilityKind = iota
	CapReject
	CapEnvelope
	CapBody
	CapVariables
	CapRelational
	CapComparatorNumeric // i;ascii-numeric
	CapRegex
	CapDuplicate
	CapEditheader
	CapForEveryPart
	CapMime
	CapInclude
	CapImap4Flags
	CapSubaddress
	CapDate
	CapIndex
	CapCopy
	CapEnotify // notify
	CapVacation
	CapVacationSeconds
	CapMailbox
	CapMboxMetadata
	CapServerMetadata
	CapSpamtest
	CapVirustest
	CapEnvironment
	CapIhave
	CapConvert
	CapSpecialUse
	CapMailboxID
	CapExtLists
	CapRedirectDSN
	CapRedirectDeliverBy
	CapOther
)

func (c Capability) String() string {
	if c.Kind == CapOther {
		return c.Name
	}
	return capabilityNames[c.Kind]
}

var capabilityNames = map[CapabilityKind]string{
	CapFileinto:          "fileinto",
	CapReject:            "reject",
	CapEnvelope:          "envelope",
	CapBody:              "body",
	CapVariables:         "variables",
	CapRelational:        "relational",
	CapComparatorNumeric: "comparator-i;ascii-numeric",
	CapRegex:             "regex",
	CapDuplicate:         "duplicate",
	CapEditheader:        "editheader",
	CapForEveryPart:      "foreverypart",
	CapMime:              "mime",
	CapInclude:           "include",
	CapImap4Flags:        "imap4flags",
	CapSubaddress:        "subaddress",
	CapDate:              "date",
	CapIndex:             "index",
	CapCopy:              "copy",
	CapEnotify:           "enotify",
	CapVacation:          "vacation",
	CapVacationSeconds:   "vacation-seconds",
	CapMailbox:           "mailbox",
	CapMboxMetadata:      "mboxmetadata",
	CapServerMetadata:    "servermetadata",
	CapSpamtest:          "spamtest",
	CapVirustest:         "virustest",
	CapEnvironment:       "environment",
	CapIhave:             "ihave",
	CapConvert:           "convert",
	CapSpecialUse:        "special-use",
	CapMailboxID:         "mailboxid",
	CapExtLists:          "extlists",
	CapRedirectDSN:       "redirect-dsn",
	CapRedirectDeliverBy: "redirect-deliverby",
}

// CapabilityByName resolves a require() string to a Capability,
// falling back to CapOther for unrecognized names (still tracked so
// runtime can reject it against the allow-list).
func CapabilityByName(name string) Capability {
	for kind, n := range capabilityNames {
		if n == name {
			return Capability{Kind: kind}
		}
	}
	return Capability{Kind: CapOther, Name: name}
}

// CapabilitySet is a deduplicated, order-preserving collection of
// Capability, backing the single Require instruction idempotent-merge
// property (spec.md §8.3).
type CapabilitySet struct {
	items []Capability
	seen  map[string]bool
}

func NewCapabilitySet() *CapabilitySet {
	return &CapabilitySet{seen: make(map[string]bool)}
}

// Add merges a capability in, returning false if it was already present.
func (s *CapabilitySet) Add(c Capability) bool {
	key := c.String()
	if s.seen[key] {
		return false
	}
	s.seen[key] = true
	s.items = append(s.items, c)
	return true
}

func (s *CapabilitySet) Contains(c Capability) bool {
	return s.seen[c.String()]
}

func (s *CapabilitySet) Items() []Capability {
	return s.items
}

func (s *CapabilitySet) Len() int {
	return len(s.items)
}
