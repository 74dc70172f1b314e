package host

import "github.com/aledsdavies/sievevm/core/bytecode"

// EventKind is the sum-type tag for Event (spec.md §6.3).
type EventKind uint8

const (
	EventIncludeScript EventKind = iota
	EventMailboxExists
	EventListContains
	EventDuplicateID
	EventSetEnvelope
	EventKeep
	EventFileInto
	EventSendMessage
	EventNotify
	EventDiscard
	EventReject
	EventCreatedMessage
	EventMailboxIDExists
	EventMetadata
	EventServerMetadata
	EventSpamtest
	EventVirustest
	EventSpecialUseExists
	EventValidExtList
	EventFunction
)

// Event is a host callback request the evaluator returns instead of
// an immediate result (spec.md §5: "the evaluator suspends only
// between instructions, at the moment an Event is produced"). Exactly
// one Event is pending per Run call; the next Event is not produced
// until the caller supplies an Input for this one.
type Event struct {
	Kind EventKind

	// EventIncludeScript
	ScriptName     string
	ScriptPersonal bool
	ScriptOptional bool

	// EventMailboxExists / EventSpecialUseExists / EventMailboxIDExists
	MailboxNames []string

	// EventListContains / EventValidExtList
	ListNames []string
	Values    []string

	// EventDuplicateID
	DuplicateID     string
	DuplicateExpiry int
	DuplicateLast   bool

	// EventSetEnvelope
	EnvelopeKey   string
	EnvelopeValue string

	// EventFileInto (also used to report Keep's implicit folder)
	Folder string
	Flags  []string

	// EventSendMessage / EventNotify / EventCreatedMessage
	Message *DerivedMessage

	// EventReject
	RejectMessage  string
	RejectExtended bool

	// EventMetadata / EventServerMetadata
	MetadataMailbox string
	MetadataName    string

	// EventFunction
	FunctionID   string
	FunctionArgs []Value
}

// DerivedMessage is the assembled message notify/vacation produce
// before it is handed to the host (spec.md §4.7: "assemble a derived
// message; emit CreatedMessage + SendMessage + optional FileInto
// events in order").
type DerivedMessage struct {
	ID          string // correlation id, see runtime/eval notify/vacation
	From        string
	To          []string
	Subject     string
	Body        string
	MIME        bool
	Method      string // notify method URI, e.g. "mailto:"
	Importance  string
	Fcc         *bytecode.FileIntoArgs
}

// InputKind is the sum-type tag for Input, the host's reply to an
// Event.
type InputKind uint8

const (
	InputBool InputKind = iota
	InputScript
	InputValue
)

// Input resumes a suspended evaluator. The evaluator interprets it
// according to which Event it is resuming.
type Input struct {
	Kind InputKind

	Bool bool

	// Script is the compiled child script for an EventIncludeScript
	// resume; nil + Bool=false means "omit the include" and is only
	// valid when the include was declared :optional (spec.md §6.3).
	Script *bytecode.Script

	// Value resumes EventFunction with a result.
	Value Value
}

// ValueKind is the sum type backing expression values (spec.md §4.3).
type ValueKind uint8

const (
	ValueString ValueKind = iota
	ValueInt
	ValueFloat
	ValueArray
)

// Value is a runtime value of the expression sub-language.
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Array []Value
}
