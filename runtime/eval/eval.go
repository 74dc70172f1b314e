// Package eval implements the single-threaded Sieve evaluator (spec.md
// §4.6-§4.7, C6/C7/C8): a program counter over a compiled Script's flat
// instruction vector, the variable stores and part iterator spec.md §3
// names, and the suspend/resume contract around host.Event/host.Input.
// Dispatch is a flat switch over bytecode.InstructionKind and
// bytecode.TestKind throughout — there is no open polymorphism here
// (spec.md §9).
package eval

import (
	"log/slog"
	"strings"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/diag"
	"github.com/aledsdavies/sievevm/core/host"
)

// Environment is the two-layer read-only overlay spec.md §3 describes:
// an instance layer (per-deployment) and a runtime-configured layer,
// consulted in that order.
type Environment struct {
	Instance map[string]string
	Runtime  map[string]string
}

func (e Environment) Lookup(name string) (string, bool) {
	if v, ok := e.Instance[name]; ok {
		return v, true
	}
	if v, ok := e.Runtime[name]; ok {
		return v, true
	}
	return "", false
}

// Metrics is the optional instrumentation hook wired to
// prometheus/client_golang by cmd/sievevm; nil-safe everywhere in the
// evaluator.
type Metrics interface {
	InstructionDispatched()
	CPUBudgetRemaining(n int)
}

// Runtime is the shared, read-mostly configuration object many
// Evaluator instances may read concurrently (spec.md §5 "Shared
// resources"); it is never mutated once evaluation begins.
type Runtime struct {
	Allowlist         map[string]bool
	Environment       Environment
	IncludeCache      map[string]*bytecode.Script
	MaxInstructions   int
	MaxIncludeScripts int
	MaxRedirects      int
	MaxVariableSize   int
	Metrics           Metrics
	Logger            *slog.Logger
}

// NewRuntime builds a Runtime with spec.md §6.1's conservative
// defaults; callers override fields as needed.
func NewRuntime() *Runtime {
	return &Runtime{
		Allowlist:         make(map[string]bool),
		IncludeCache:      make(map[string]*bytecode.Script),
		MaxInstructions:   100000,
		MaxIncludeScripts: 10,
		MaxRedirects:      10,
		MaxVariableSize:   32768,
	}
}

func (r *Runtime) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// scriptFrame is one entry of the script-include call stack (spec.md
// §3 "Script stack frame").
type scriptFrame struct {
	script        *bytecode.Script
	returnPC      bytecode.Pos
	savedLocals   []string
	savedMatch    []string
	partIterDepth int // part-iterator stack depth owned by this frame
}

// partIterator is one foreverypart loop's cursor (spec.md §3 "Part
// iterator state"): the parts still to be visited, in tree order.
type partIterator struct {
	pending []host.PartID
}

// pendingEvent remembers enough about a just-issued Event to interpret
// its Input reply correctly on resume.
type pendingEvent struct {
	kind      host.EventKind
	testIsNot bool // Test-originated events: XOR this onto the bool reply
	testPos   bytecode.Pos

	// followup holds vacation's CreatedMessage/SendMessage/FileInto
	// events, queued only if the host's DuplicateId reply says "not a
	// duplicate" (spec.md §4.7 "vacation").
	followup []*host.Event
}

// Evaluator is one single-threaded run of a compiled Script against one
// message. It is not safe for concurrent use; independent filter runs
// use independent Evaluators (spec.md §5).
type Evaluator struct {
	rt      *Runtime
	message host.Message

	script       *bytecode.Script
	instructions []bytecode.Instruction
	pc           bytecode.Pos
	testResult   bool

	scriptStack []scriptFrame

	localVars  []string
	matchVars  []string
	globalVars map[string]string
	flagVars   map[string][]string // "" => implicit __flags
	envelope   map[string]string

	currentPart host.PartID
	partIters   []partIterator

	actions []Action

	budget int

	pending    *pendingEvent
	eventQueue []*host.Event // remaining events of a multi-event action (notify/vacation)

	redirectCount      int
	seenFolders        map[string]bool // fileinto dedup
	keptImplicit       bool            // implicit keep still standing
	rejected           bool            // reject/ereject fired: no further delivery actions
	lastFunctionResult host.Value      // most recent EventFunction reply

	userAddress  string // script-owner address, for redirect loop protection
	envelopeFrom string
}

// New creates an Evaluator ready to run script against message.
// userAddress/envelopeFrom feed redirect loop protection (spec.md
// §4.7 "loop protection drops redirects whose address matches the
// script user or the envelope-from").
func New(rt *Runtime, script *bytecode.Script, message host.Message, userAddress, envelopeFrom string) *Evaluator {
	return &Evaluator{
		rt:           rt,
		message:      message,
		script:       script,
		instructions: script.Instructions,
		localVars:    make([]string, script.NumLocalVars),
		matchVars:    make([]string, script.NumMatchVars),
		globalVars:   make(map[string]string),
		flagVars:     make(map[string][]string),
		envelope:     map[string]string{"from": envelopeFrom},
		seenFolders:  make(map[string]bool),
		keptImplicit: true,
		budget:       rt.MaxInstructions,
		userAddress:  userAddress,
		envelopeFrom: envelopeFrom,
	}
}

func (e *Evaluator) flagVar(name string) []string { return e.flagVars[strings.ToLower(name)] }

// Result is what Run/Resume return: either a pending host Event, a
// terminal error, or (both nil) completion — at which point Actions
// holds the final action list (spec.md §4.6 "Program termination").
type Result struct {
	Event *host.Event
	Err   error
}

// Done reports whether evaluation has finished (no pending event, no
// error carried forward from the last step).
func (r Result) Done() bool { return r.Event == nil && r.Err == nil }

// Actions returns the accumulated action list. Only meaningful once
// Run/Resume returns a Result with Done() true.
func (e *Evaluator) Actions() []Action { return e.actions }

// Run begins (or continues, if already suspended with no reply)
// evaluation, dispatching instructions until the script halts, an
// error occurs, or an Event needs a reply.
func (e *Evaluator) Run() Result {
	if e.pending != nil {
		return Result{Err: &diag.RuntimeError{Kind: diag.ErrIllegalAction, Message: "Run called while an Event is still pending; call Resume"}}
	}
	return e.loop()
}

// Resume supplies the host's reply to the most recently issued Event
// and continues evaluation.
func (e *Evaluator) Resume(in host.Input) Result {
	if e.pending == nil {
		return Result{Err: &diag.RuntimeError{Kind: diag.ErrIllegalAction, Message: "Resume called with no pending Event"}}
	}
	p := e.pending
	e.pending = nil

	switch p.kind {
	case host.EventIncludeScript:
		if in.Kind == host.InputScript && in.Script != nil {
			e.pushInclude(in.Script)
		} else if !in.Bool {
			// :optional include omitted; fall through past it, already
			// positioned at pc (post-increment done before suspend).
		} else {
			return Result{Err: &diag.RuntimeError{Kind: diag.ErrIllegalAction, Message: "include reply missing script"}}
		}
	case host.EventDuplicateID:
		if len(p.followup) > 0 {
			// vacation's suppression check: Bool true means "is a
			// duplicate", so the reply message is not sent.
			if !in.Bool {
				e.eventQueue = append(e.eventQueue, p.followup...)
			}
		} else {
			e.testResult = in.Bool != p.testIsNot
		}
	case host.EventKeep, host.EventFileInto, host.EventSendMessage, host.EventNotify,
		host.EventDiscard, host.EventReject, host.EventCreatedMessage, host.EventSetEnvelope:
		// ack-only events: the host has carried out the recorded action,
		// no test_result effect.
	case host.EventFunction:
		e.lastFunctionResult = in.Value
	default:
		e.testResult = in.Bool != p.testIsNot
	}

	return e.loop()
}

// queueActionEvents hands the first of a multi-event action's events
// back as this step's result and stashes the rest for loop to drain
// one per Resume, before the next instruction is ever reached.
func (e *Evaluator) queueActionEvents(events []*host.Event) (*host.Event, error) {
	e.pc++
	if len(events) == 0 {
		return nil, nil
	}
	e.eventQueue = events[1:]
	e.pending = &pendingEvent{kind: events[0].Kind}
	return events[0], nil
}

func (e *Evaluator) pushInclude(child *bytecode.Script) {
	if len(e.scriptStack) >= e.rt.MaxIncludeScripts {
		e.testResult = false
		return
	}
	e.scriptStack = append(e.scriptStack, scriptFrame{
		script: e.script, returnPC: e.pc,
		savedLocals: e.localVars, savedMatch: e.matchVars,
		partIterDepth: len(e.partIters),
	})
	e.script = child
	e.instructions = child.Instructions
	e.localVars = make([]string, child.NumLocalVars)
	e.matchVars = make([]string, child.NumMatchVars)
	e.pc = 0
}

func (e *Evaluator) popInclude() bool {
	if len(e.scriptStack) == 0 {
		return false
	}
	frame := e.scriptStack[len(e.scriptStack)-1]
	e.scriptStack = e.scriptStack[:len(e.scriptStack)-1]
	for len(e.partIters) > frame.partIterDepth {
		e.partIters = e.partIters[:len(e.partIters)-1]
	}
	e.script = frame.script
	e.instructions = frame.script.Instructions
	e.localVars = frame.savedLocals
	e.matchVars = frame.savedMatch
	e.pc = frame.returnPC
	return true
}

// loop is the step function spec.md §9 insists on: no async, no
// recursion into the host — each call to dispatch advances pc (or sets
// e.pending and returns a suspend Result).
func (e *Evaluator) loop() Result {
	for {
		if len(e.eventQueue) > 0 {
			ev := e.eventQueue[0]
			e.eventQueue = e.eventQueue[1:]
			e.pending = &pendingEvent{kind: ev.Kind}
			return Result{Event: ev}
		}
		if e.budget <= 0 {
			return Result{Err: &diag.RuntimeError{Kind: diag.ErrCPULimitReached, Message: "instruction budget exhausted"}}
		}
		if int(e.pc) >= len(e.instructions) {
			if e.popInclude() {
				continue
			}
			return Result{}
		}
		e.budget--
		if e.rt.Metrics != nil {
			e.rt.Metrics.InstructionDispatched()
			e.rt.Metrics.CPUBudgetRemaining(e.budget)
		}

		in := e.instructions[e.pc]
		ev, err := e.dispatch(in)
		if err != nil {
			return Result{Err: err}
		}
		if ev != nil {
			return Result{Event: ev}
		}
	}
}

// dispatch executes exactly one instruction, advancing e.pc itself
// (instructions that don't jump must increment it). Returning a
// non-nil Event means the evaluator has already advanced pc past the
// suspending instruction, per spec.md §4.6's "Test... Event (suspend:
// pc++ first...)".
func (e *Evaluator) dispatch(in bytecode.Instruction) (*host.Event, error) {
	switch in.Kind {
	case bytecode.OpJmp:
		e.pc = in.Target
		return nil, nil
	case bytecode.OpJz:
		if !e.testResult {
			e.pc = in.Target
		} else {
			e.pc++
		}
		return nil, nil
	case bytecode.OpJnz:
		if e.testResult {
			e.pc = in.Target
		} else {
			e.pc++
		}
		return nil, nil
	case bytecode.OpTest:
		return e.dispatchTest(in)
	case bytecode.OpClear:
		for i := in.ClearLocalIdx; i < in.ClearLocalIdx+in.ClearLocalCount && i < len(e.localVars); i++ {
			e.localVars[i] = ""
		}
		for i := 0; i < len(e.matchVars) && i < 64; i++ {
			if in.ClearMatchMask&(1<<uint(i)) != 0 {
				e.matchVars[i] = ""
			}
		}
		e.pc++
		return nil, nil
	case bytecode.OpForEveryPartPush:
		e.partIters = append(e.partIters, partIterator{pending: e.message.SubpartIDs(e.currentPart)})
		e.pc++
		return nil, nil
	case bytecode.OpForEveryPart:
		it := &e.partIters[len(e.partIters)-1]
		if len(it.pending) == 0 {
			e.pc = in.Target
			return nil, nil
		}
		e.currentPart = it.pending[0]
		it.pending = it.pending[1:]
		e.pc++
		return nil, nil
	case bytecode.OpForEveryPartPop:
		n := in.ForEveryPartPopCount
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n && len(e.partIters) > 0; i++ {
			e.partIters = e.partIters[:len(e.partIters)-1]
		}
		e.pc++
		return nil, nil
	case bytecode.OpInclude:
		name := e.resolveTemplate(in.Include.Script)
		if cached, ok := e.rt.IncludeCache[name]; ok {
			e.pc++
			e.pushInclude(cached)
			return nil, nil
		}
		e.pc++
		e.pending = &pendingEvent{kind: host.EventIncludeScript}
		return &host.Event{Kind: host.EventIncludeScript, ScriptName: name, ScriptPersonal: in.Include.Personal, ScriptOptional: in.Include.Optional}, nil
	case bytecode.OpReturn:
		if !e.popInclude() {
			e.pc = bytecode.Pos(len(e.instructions))
		}
		return nil, nil
	case bytecode.OpStop:
		e.pc = bytecode.Pos(len(e.instructions))
		e.scriptStack = nil
		return nil, nil
	case bytecode.OpRequire:
		for _, capa := range in.RequireCaps {
			if capa.Kind == bytecode.CapOther {
				return nil, &diag.RuntimeError{Kind: diag.ErrCapabilityNotSupported, Message: capa.Name}
			}
			if !e.rt.Allowlist[capa.String()] {
				return nil, &diag.RuntimeError{Kind: diag.ErrCapabilityNotAllowed, Message: capa.String()}
			}
		}
		e.pc++
		return nil, nil
	case bytecode.OpInvalid:
		return nil, &diag.RuntimeError{Kind: diag.ErrInvalidInstruction, Message: in.InvalidName}
	default:
		return e.dispatchAction(in)
	}
}
