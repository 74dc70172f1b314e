package bytecode

// Pos is a zero-based index into an instruction vector — the
// evaluator's program counter type, and every jump target (spec.md
// §3, "Instruction position").
type Pos int

// InstructionKind is the sum-type tag for Instruction. Categories
// mirror spec.md §3: Control, then one variant per action in §6.
type InstructionKind uint8

const (
	// Control
	OpJmp InstructionKind = iota
	OpJz
	OpJnz
	OpTest
	OpClear
	OpRequire
	OpInvalid
	OpStop
	OpReturn
	OpForEveryPart
	OpForEveryPartPush
	OpForEveryPartPop
	OpInclude

	// Actions
	OpKeep
	OpFileInto
	OpRedirect
	OpReject
	OpDiscard
	OpSet
	OpAddHeader
	OpDeleteHeader
	OpReplace
	OpEnclose
	OpExtractText
	OpConvert
	OpSetFlag
	OpAddFlag
	OpRemoveFlag
	OpNotify
	OpVacation
)

func (k InstructionKind) String() string {
	if name, ok := instructionKindNames[k]; ok {
		return name
	}
	return "Unknown"
}

var instructionKindNames = map[InstructionKind]string{
	OpJmp:              "Jmp",
	OpJz:               "Jz",
	OpJnz:              "Jnz",
	OpTest:             "Test",
	OpClear:            "Clear",
	OpRequire:          "Require",
	OpInvalid:          "Invalid",
	OpStop:             "Stop",
	OpReturn:           "Return",
	OpForEveryPart:     "ForEveryPart",
	OpForEveryPartPush: "ForEveryPartPush",
	OpForEveryPartPop:  "ForEveryPartPop",
	OpInclude:          "Include",
	OpKeep:             "Keep",
	OpFileInto:         "FileInto",
	OpRedirect:         "Redirect",
	OpReject:           "Reject",
	OpDiscard:          "Discard",
	OpSet:              "Set",
	OpAddHeader:        "AddHeader",
	OpDeleteHeader:     "DeleteHeader",
	OpReplace:          "Replace",
	OpEnclose:          "Enclose",
	OpExtractText:      "ExtractText",
	OpConvert:          "Convert",
	OpSetFlag:          "SetFlag",
	OpAddFlag:          "AddFlag",
	OpRemoveFlag:       "RemoveFlag",
	OpNotify:           "Notify",
	OpVacation:         "Vacation",
}

// SetModifierKind enumerates the `set` action's string modifiers.
// Priority order is fixed by spec.md §4.7: case-change (upper/lower)
// > first-char case > quote-regex > quote-wildcard > encode-url >
// length; the compiler sorts Instruction.SetModifiers into this order
// once, so the evaluator applies them left to right with no further
// bookkeeping.
type SetModifierKind uint8

const (
	ModUpper         SetModifierKind = iota // priority 20
	ModLower                                // priority 20 (only one case-change wins)
	ModFirstUpper                           // priority 30
	ModFirstLower                           // priority 30
	ModQuoteRegex                           // priority 40
	ModQuoteWildcard                        // priority 41
	ModEncodeURL                            // priority 42
	ModLength                               // priority 50 (last: replaces value with its length)
)

// ModifierPriority returns the fixed sort key for a modifier kind.
func ModifierPriority(k SetModifierKind) int {
	switch k {
	case ModUpper, ModLower:
		return 20
	case ModFirstUpper, ModFirstLower:
		return 30
	case ModQuoteRegex:
		return 40
	case ModQuoteWildcard:
		return 41
	case ModEncodeURL:
		return 42
	case ModLength:
		return 50
	default:
		return 99
	}
}

// FileIntoArgs is shared by the fileinto action and by notify/vacation's
// :fcc argument (spec.md "FCC: auxiliary mailbox delivery attached to
// notify or vacation").
type FileIntoArgs struct {
	Folder     StringTemplate
	Copy       bool
	Create     bool
	FlagsVar   []StringTemplate
	MailboxID  StringTemplate
	SpecialUse StringTemplate
}

// RedirectArgs carries every tag the redirect action accepts.
type RedirectArgs struct {
	Address        StringTemplate
	Copy           bool
	List           bool
	Notify         StringTemplate
	Ret            StringTemplate
	ByTimeRelative int // seconds, 0 = unset
	ByTimeAbsolute StringTemplate
	ByMode         string // "notify" | "default"
	ByTrace        int    // hop count, 0 = unset
}

// EditHeaderArgs is shared shape for addheader/deleteheader matching.
type EditHeaderArgs struct {
	Name       StringTemplate
	Value      StringTemplate   // addheader only
	Patterns   []StringTemplate // deleteheader only
	Last       bool
	Index      Index
	MIME       bool
	AnyChild   bool
	Comparator Comparator
	Match      MatchType
}

// NotifyArgs carries the enotify (RFC 5435/5436) action's arguments.
type NotifyArgs struct {
	Method     StringTemplate
	From       StringTemplate
	Importance StringTemplate
	Message    StringTemplate
	Fcc        *FileIntoArgs
}

// VacationArgs carries the vacation (RFC 5230) action's arguments.
type VacationArgs struct {
	Subject   StringTemplate
	From      StringTemplate
	Handle    StringTemplate
	Days      int // default 7 when unset (0)
	Addresses []StringTemplate
	MIME      bool
	Reason    StringTemplate
	Fcc       *FileIntoArgs
}

// MimeEditArgs covers replace/enclose (RFC 5703 mime extension).
type MimeEditArgs struct {
	Subject  StringTemplate
	From     StringTemplate // enclose only
	MIMEType string
	Content  StringTemplate
}

// ExtractTextArgs covers the extracttext action.
type ExtractTextArgs struct {
	VarName  string
	VarIndex int // dense local slot VarName was declared to, mirrors SetIndex
	First    int // :first N, 0 = unlimited
}

// ConvertArgs covers the convert action.
type ConvertArgs struct {
	FromType string
	ToType   string
	Params   []StringTemplate
}

// IncludeArgs covers the include action.
type IncludeArgs struct {
	Script   StringTemplate
	Personal bool // :personal (vs :global)
	Optional bool
	Once     bool
}

// Instruction is the flat tagged union the compiler emits and the
// evaluator dispatches over (spec.md §3, §9: "Flat bytecode over AST
// walk"). Only the fields relevant to Kind are populated.
type Instruction struct {
	Kind InstructionKind
	Line int // source line, for Invalid/diagnostics

	Target Pos // Jmp/Jz/Jnz target; ForEveryPart jz_pos

	Test TestSpec // OpTest

	ClearMatchMask  uint64 // OpClear
	ClearLocalIdx   int    // OpClear
	ClearLocalCount int    // OpClear

	RequireCaps []Capability // OpRequire

	InvalidName string // OpInvalid

	ForEveryPartPopCount int // OpForEveryPartPop

	Include IncludeArgs // OpInclude

	KeepFlags []StringTemplate // OpKeep :flags

	FileInto FileIntoArgs // OpFileInto
	Redirect RedirectArgs // OpRedirect

	RejectMessage  StringTemplate // OpReject
	RejectExtended bool           // true => ereject

	SetName      string            // OpSet
	SetIndex     int               // OpSet: dense local slot SetName was declared to
	SetValue     StringTemplate    // OpSet
	SetModifiers []SetModifierKind // OpSet, priority-sorted at compile time

	EditHeader EditHeaderArgs // OpAddHeader / OpDeleteHeader

	MimeEdit    MimeEditArgs    // OpReplace / OpEnclose
	ExtractText ExtractTextArgs // OpExtractText
	Convert     ConvertArgs     // OpConvert

	FlagTarget string           // OpSetFlag/OpAddFlag/OpRemoveFlag: "" => __flags
	FlagValues []StringTemplate // OpSetFlag/OpAddFlag/OpRemoveFlag

	Notify   NotifyArgs   // OpNotify
	Vacation VacationArgs // OpVacation
}

// Script is the immutable artifact produced by the compiler (spec.md
// §3). Many evaluator instances may run the same Script concurrently;
// it is never mutated after Compile returns.
type Script struct {
	Instructions         []Instruction
	NumLocalVars         int
	NumMatchVars         int
	RequiredCapabilities []Capability
}
