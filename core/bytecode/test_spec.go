package bytecode

// TestKind enumerates every test a TestSpec can describe (spec.md §4.7,
// C7). AllOf/AnyOf/Not are not members here — they never reach a
// TestSpec because the compiler lowers them to Test+Jz/Jnz sequences
// before an Instruction is ever emitted (spec.md §4.4).
type TestKind uint8

const (
	TestTrue TestKind = iota
	TestFalse
	TestHeader
	TestAddress
	TestEnvelope
	TestExists
	TestSize
	TestBody
	TestString
	TestDate
	TestCurrentDate
	TestDuplicate
	TestHasFlag
	TestMailboxExists
	TestEnvironment
	TestMetadata
	TestServerMetadata
	TestSpamtest
	TestVirustest
	TestIhave
	TestValidNotifyMethod
	TestNotifyMethodCapability
	TestSpecialUseExists
	TestMailboxIDExists
	TestValidExtList
	TestListContains
)

func (k TestKind) String() string {
	if int(k) < len(testKindNames) {
		return testKindNames[k]
	}
	return "Unknown"
}

var testKindNames = [...]string{
	"True", "False", "Header", "Address", "Envelope", "Exists", "Size",
	"Body", "String", "Date", "CurrentDate", "Duplicate", "HasFlag",
	"MailboxExists", "Environment", "Metadata", "ServerMetadata",
	"Spamtest", "Virustest", "Ihave", "ValidNotifyMethod",
	"NotifyMethodCapability", "SpecialUseExists", "MailboxIDExists",
	"ValidExtList", "ListContains",
}

// AddressPart selects which slice of a parsed address the address
// test matches against.
type AddressPart uint8

const (
	AddrAll AddressPart = iota
	AddrLocalPart
	AddrDomain
	AddrUser
	AddrDetail
)

// Index is an optional 1-based, signed selector (spec.md §3: "positive
// = from top, negative = from bottom, None = all").
type Index struct {
	Set    bool
	Value  int
	IsLast bool // :last sets the sign without the caller supplying a literal negative
}

// BodyTransform selects how a body test extracts text before matching.
type BodyTransform uint8

const (
	BodyRaw BodyTransform = iota
	BodyText
	BodyContent
)

// DatePart selects which field of a date value the date test inspects.
type DatePart uint8

const (
	DateYear DatePart = iota
	DateMonth
	DateDay
	DateDateOnly
	DateJulian
	DateHour
	DateMinute
	DateSecond
	DateTime
	DateISO8601
	DateStd11
	DateZone
	DateWeekday
)

// DateZoneMode selects the time zone the date test converts into.
type DateZoneMode uint8

const (
	ZoneOriginal DateZoneMode = iota // :originalzone
	ZoneFixed                        // :zone "+hhmm"
	ZoneLocal                        // neither tag given
)

// TestSpec is the structural sum over every test kind (spec.md §3).
// Only the fields relevant to Kind are populated; dispatch is a flat
// switch in runtime/eval.
type TestSpec struct {
	Kind       TestKind
	Comparator Comparator
	Match      MatchType
	Negate     bool // is_not, carried through for free (spec.md §4.7)

	Headers []StringTemplate // header/address/exists/body(:content)/addheader names
	Keys    []StringTemplate // comparison keys ("values" in RFC terms)
	Source  []StringTemplate // string test source strings; envelope part names

	Index    Index
	MIME     bool // :mime
	AnyChild bool // :anychild

	AddressPart AddressPart // address test only

	BodyTransform BodyTransform // body test only
	ContentTypes  []string      // body :content "ct" list

	DatePart     DatePart // date/currentdate
	DateZoneMode DateZoneMode
	DateZone     string // "+hhmm" literal, when DateZoneMode == ZoneFixed
	DateHeader   string // date test's header name ("" for currentdate)

	DuplicateID     StringTemplate // :uniqueid / header-derived id expression
	DuplicateExpiry int            // seconds, 0 = default
	DuplicateLast   bool

	FlagVar []StringTemplate // hasflag variable-list argument

	ListNames []StringTemplate // valid_ext_list / :list envelope lookups

	RawArgs []StringTemplate // catch-all for metadata/spamtest/ihave style tests
}
