package eval

import (
	"strconv"
	"strings"
	"time"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/host"
	"github.com/aledsdavies/sievevm/runtime/glob"
)

// dispatchTest evaluates one Test instruction (spec.md §4.7). Most
// kinds resolve synchronously against the message/runtime state and
// set e.testResult directly; a handful suspend with a host Event and
// remember spec.Negate as testIsNot so Resume can XOR it back in.
func (e *Evaluator) dispatchTest(in bytecode.Instruction) (*host.Event, error) {
	spec := in.Test

	switch spec.Kind {
	case bytecode.TestTrue:
		e.setTestResult(true, spec.Negate)
		return nil, nil
	case bytecode.TestFalse:
		e.setTestResult(false, spec.Negate)
		return nil, nil
	case bytecode.TestHeader:
		names := e.resolveTemplates(spec.Headers)
		values := e.collectHeaderValues(names, spec.AnyChild, spec.Index)
		return e.finishTest(spec, values, e.resolveTemplates(spec.Keys))
	case bytecode.TestAddress:
		names := e.resolveTemplates(spec.Headers)
		values := e.collectAddressValues(names, spec.AnyChild, spec.Index, spec.AddressPart)
		return e.finishTest(spec, values, e.resolveTemplates(spec.Keys))
	case bytecode.TestEnvelope:
		sources := e.resolveTemplates(spec.Source)
		var values []string
		for _, s := range sources {
			raw := e.envelope[strings.ToLower(s)]
			values = append(values, addressPartValue(host.Address{Address: raw}, spec.AddressPart))
		}
		return e.finishTest(spec, values, e.resolveTemplates(spec.Keys))
	case bytecode.TestExists:
		names := e.resolveTemplates(spec.Headers)
		ok := true
		for _, n := range names {
			if _, present := e.message.HeaderRaw(e.currentPart, n, 0); !present {
				ok = false
				break
			}
		}
		e.setTestResult(ok, spec.Negate)
		return nil, nil
	case bytecode.TestSize:
		size := int64(len(e.message.RawBytes()))
		keyStr := e.resolveTemplate(firstOrZero(spec.Keys))
		n, _ := strconv.ParseInt(keyStr, 10, 64)
		var result bool
		switch spec.Match.RelOp {
		case bytecode.RelLt:
			result = size < n
		default:
			result = size > n
		}
		e.setTestResult(result, spec.Negate)
		return nil, nil
	case bytecode.TestBody:
		values := e.bodyValues(spec.BodyTransform, spec.ContentTypes)
		return e.finishTest(spec, values, e.resolveTemplates(spec.Keys))
	case bytecode.TestString:
		values := e.resolveTemplates(spec.Source)
		return e.finishTest(spec, values, e.resolveTemplates(spec.Keys))
	case bytecode.TestDate:
		return e.dispatchDateTest(spec, false)
	case bytecode.TestCurrentDate:
		return e.dispatchDateTest(spec, true)
	case bytecode.TestEnvironment:
		name := e.resolveTemplate(firstOrZero(spec.RawArgs))
		value, _ := e.rt.Environment.Lookup(name)
		return e.finishTest(spec, []string{value}, e.resolveTemplates(spec.Keys))
	case bytecode.TestHasFlag:
		var flags []string
		varNames := e.resolveTemplates(spec.FlagVar)
		if len(varNames) == 0 {
			flags = e.flagVar("")
		} else {
			for _, vn := range varNames {
				flags = append(flags, e.flagVar(vn)...)
			}
		}
		candidates := flattenFlagArgs(e.resolveTemplates(spec.Keys))
		result := false
		for _, cand := range candidates {
			for _, f := range flags {
				ok, err := glob.Equal(spec.Comparator, f, cand)
				if err != nil {
					return nil, err
				}
				if ok {
					result = true
				}
			}
		}
		e.setTestResult(result, spec.Negate)
		return nil, nil
	case bytecode.TestIhave:
		ok := true
		for _, t := range spec.RawArgs {
			name := e.resolveTemplate(t)
			if !e.rt.Allowlist[name] {
				ok = false
				break
			}
		}
		e.setTestResult(ok, spec.Negate)
		return nil, nil
	case bytecode.TestDuplicate:
		id := e.resolveTemplate(spec.DuplicateID)
		e.pending = &pendingEvent{kind: host.EventDuplicateID, testIsNot: spec.Negate}
		e.pc++
		return &host.Event{Kind: host.EventDuplicateID, DuplicateID: id, DuplicateExpiry: spec.DuplicateExpiry, DuplicateLast: spec.DuplicateLast}, nil
	case bytecode.TestMailboxExists:
		return e.suspendWithNames(host.EventMailboxExists, e.resolveTemplates(spec.Headers), spec.Negate)
	case bytecode.TestMailboxIDExists:
		return e.suspendWithNames(host.EventMailboxIDExists, e.resolveTemplates(spec.Headers), spec.Negate)
	case bytecode.TestSpecialUseExists:
		return e.suspendWithNames(host.EventSpecialUseExists, e.resolveTemplates(spec.Headers), spec.Negate)
	case bytecode.TestValidExtList:
		e.pending = &pendingEvent{kind: host.EventValidExtList, testIsNot: spec.Negate}
		e.pc++
		return &host.Event{Kind: host.EventValidExtList, ListNames: e.resolveTemplates(spec.ListNames)}, nil
	case bytecode.TestMetadata:
		e.pending = &pendingEvent{kind: host.EventMetadata, testIsNot: spec.Negate}
		names := e.resolveTemplates(spec.RawArgs)
		ev := &host.Event{Kind: host.EventMetadata, Values: e.resolveTemplates(spec.Keys)}
		if len(names) > 0 {
			ev.MetadataMailbox = names[0]
		}
		if len(names) > 1 {
			ev.MetadataName = names[1]
		}
		e.pc++
		return ev, nil
	case bytecode.TestServerMetadata:
		e.pending = &pendingEvent{kind: host.EventServerMetadata, testIsNot: spec.Negate}
		name := e.resolveTemplate(firstOrZero(spec.RawArgs))
		e.pc++
		return &host.Event{Kind: host.EventServerMetadata, MetadataName: name, Values: e.resolveTemplates(spec.Keys)}, nil
	case bytecode.TestSpamtest:
		e.pending = &pendingEvent{kind: host.EventSpamtest, testIsNot: spec.Negate}
		e.pc++
		return &host.Event{Kind: host.EventSpamtest, Values: e.resolveTemplates(spec.Keys)}, nil
	case bytecode.TestVirustest:
		e.pending = &pendingEvent{kind: host.EventVirustest, testIsNot: spec.Negate}
		e.pc++
		return &host.Event{Kind: host.EventVirustest, Values: e.resolveTemplates(spec.Keys)}, nil
	case bytecode.TestValidNotifyMethod:
		ok := true
		for _, uri := range e.resolveTemplates(spec.Headers) {
			if !validNotifyMethodURI(uri) {
				ok = false
				break
			}
		}
		e.setTestResult(ok, spec.Negate)
		return nil, nil
	case bytecode.TestNotifyMethodCapability:
		args := e.resolveTemplates(spec.RawArgs)
		capability := ""
		if len(args) > 1 {
			capability = args[1]
		}
		keys := e.resolveTemplates(spec.Keys)
		result := strings.EqualFold(capability, "online") && containsFold(keys, "maybe")
		e.setTestResult(result, spec.Negate)
		return nil, nil
	default:
		e.setTestResult(false, spec.Negate)
		return nil, nil
	}
}

// setTestResult writes value XOR negate into test_result and advances
// pc (spec.md §4.7: "is_not carry-through lets negation be free").
func (e *Evaluator) setTestResult(value, negate bool) {
	e.testResult = value != negate
	e.pc++
}

// finishTest runs the common match pipeline (evalMatch against the
// test's comparator/match type) and records any wildcard/regex
// captures it produced.
func (e *Evaluator) finishTest(spec bytecode.TestSpec, values, keys []string) (*host.Event, error) {
	result, captures, err := evalMatch(spec.Comparator, spec.Match, values, keys)
	if err != nil {
		return nil, err
	}
	if captures != nil {
		e.setMatchVars(captures)
	}
	e.setTestResult(result, spec.Negate)
	return nil, nil
}

func (e *Evaluator) suspendWithNames(kind host.EventKind, names []string, negate bool) (*host.Event, error) {
	e.pending = &pendingEvent{kind: kind, testIsNot: negate}
	e.pc++
	return &host.Event{Kind: kind, MailboxNames: names}, nil
}

func (e *Evaluator) dispatchDateTest(spec bytecode.TestSpec, current bool) (*host.Event, error) {
	var t time.Time
	if current {
		t = time.Now()
	} else {
		raw, _ := e.message.HeaderRaw(e.currentPart, spec.DateHeader, 0)
		parsed, ok := e.message.ParseDate(raw)
		if !ok {
			e.setTestResult(false, spec.Negate)
			return nil, nil
		}
		t = parsed
	}
	t = applyZone(t, spec.DateZoneMode, spec.DateZone)
	value := datePartString(t, spec.DatePart)
	return e.finishTest(spec, []string{value}, e.resolveTemplates(spec.Keys))
}

// maxBodyNestLevels bounds how deep a body test descends into nested
// MIME parts, matching MAX_NEST_LEVELS in the original Rust runtime's
// body test (src/runtime/tests/test_body.rs) so a pathologically
// nested multipart message can't make a single body test unbounded.
const maxBodyNestLevels = 3

func (e *Evaluator) bodyValues(transform bytecode.BodyTransform, contentTypes []string) []string {
	parts := e.nestedParts(e.currentPart, maxBodyNestLevels)
	var out []string
	for _, p := range parts {
		if transform == bytecode.BodyContent && !matchesContentType(e.message.ContentType(p), contentTypes) {
			continue
		}
		out = append(out, e.message.BodyText(p))
	}
	return out
}

// nestedParts walks part's subtree up to maxDepth levels deep,
// root included at depth 0.
func (e *Evaluator) nestedParts(part host.PartID, maxDepth int) []host.PartID {
	parts := []host.PartID{part}
	if maxDepth <= 0 {
		return parts
	}
	for _, c := range e.message.SubpartIDs(part) {
		parts = append(parts, e.nestedParts(c, maxDepth-1)...)
	}
	return parts
}

func firstOrZero(ts []bytecode.StringTemplate) bytecode.StringTemplate {
	if len(ts) == 0 {
		return bytecode.StringTemplate{}
	}
	return ts[0]
}

func containsFold(xs []string, want string) bool {
	for _, x := range xs {
		if strings.EqualFold(x, want) {
			return true
		}
	}
	return false
}

func validNotifyMethodURI(uri string) bool {
	i := strings.IndexByte(uri, ':')
	if i <= 0 {
		return false
	}
	switch strings.ToLower(uri[:i]) {
	case "mailto", "tel", "sms", "xmpp", "http", "https":
		return true
	default:
		return false
	}
}
