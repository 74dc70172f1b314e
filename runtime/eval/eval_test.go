package eval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/host"
)

// fakeMessage is a minimal in-memory host.Message for exercising the
// evaluator without a real MIME parser.
type fakeMessage struct {
	headers  map[host.PartID][]host.HeaderField
	addrs    map[host.PartID]map[string][]host.Address
	body     map[host.PartID]string
	subparts map[host.PartID][]host.PartID
	raw      []byte
}

func newFakeMessage() *fakeMessage {
	return &fakeMessage{
		headers:  make(map[host.PartID][]host.HeaderField),
		addrs:    make(map[host.PartID]map[string][]host.Address),
		body:     make(map[host.PartID]string),
		subparts: make(map[host.PartID][]host.PartID),
	}
}

func (m *fakeMessage) addHeader(part host.PartID, name, value string) {
	m.headers[part] = append(m.headers[part], host.HeaderField{Name: name, Value: value})
}

func (m *fakeMessage) RawBytes() []byte { return m.raw }

func (m *fakeMessage) PartIDs() []host.PartID {
	out := []host.PartID{0}
	out = append(out, m.subparts[0]...)
	return out
}

func (m *fakeMessage) PartHeaders(part host.PartID) []host.HeaderField { return m.headers[part] }

func (m *fakeMessage) HeaderRaw(part host.PartID, name string, index int) (string, bool) {
	n := 0
	for _, h := range m.headers[part] {
		if equalFoldASCII(h.Name, name) {
			if n == index {
				return h.Value, true
			}
			n++
		}
	}
	return "", false
}

func (m *fakeMessage) AddressList(part host.PartID, name string) []host.Address {
	if byName, ok := m.addrs[part]; ok {
		return byName[name]
	}
	return nil
}

func (m *fakeMessage) ContentType(part host.PartID) string { return "text/plain" }

func (m *fakeMessage) ContentTypeParam(part host.PartID, param string) (string, bool) {
	return "", false
}

func (m *fakeMessage) BodyText(part host.PartID) string { return m.body[part] }

func (m *fakeMessage) BodyHTML(part host.PartID) string { return "" }

func (m *fakeMessage) SubpartIDs(part host.PartID) []host.PartID { return m.subparts[part] }

func (m *fakeMessage) TextToHTML(s string) string { return s }

func (m *fakeMessage) HTMLToText(s string) string { return s }

func (m *fakeMessage) ParseDate(raw string) (time.Time, bool) {
	t, err := time.Parse(time.RFC1123Z, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (m *fakeMessage) ParseMessageID(raw string) []string { return []string{raw} }

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func testRuntime() *Runtime {
	rt := NewRuntime()
	rt.Allowlist["fileinto"] = true
	rt.Allowlist["reject"] = true
	rt.Allowlist["envelope"] = true
	rt.Allowlist["vacation"] = true
	rt.Allowlist["imap4flags"] = true
	return rt
}

func runToCompletion(t *testing.T, e *Evaluator) Result {
	t.Helper()
	res := e.Run()
	for res.Event != nil {
		switch res.Event.Kind {
		case host.EventDuplicateID:
			res = e.Resume(host.Input{Bool: false}) // "not a duplicate"
		default:
			res = e.Resume(host.Input{Bool: true})
		}
	}
	require.NoError(t, res.Err)
	return res
}

// A script of [Test(true,negate=false), Jz skip, Keep, skip:] always
// keeps; this is the smallest end-to-end loop exercising dispatch,
// OpTest and an action's suspend/ack round trip.
func TestRunKeepAction(t *testing.T) {
	msg := newFakeMessage()
	script := &bytecode.Script{
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpTest, Test: bytecode.TestSpec{Kind: bytecode.TestTrue}},
			{Kind: bytecode.OpJz, Target: 3},
			{Kind: bytecode.OpKeep},
			{Kind: bytecode.OpStop},
		},
	}
	e := New(testRuntime(), script, msg, "user@example.org", "sender@example.org")
	res := runToCompletion(t, e)
	require.True(t, res.Done())

	actions := e.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, ActionKeep, actions[0].Kind)
}

func TestFileIntoCancelsImplicitKeepAndDedupsFolder(t *testing.T) {
	msg := newFakeMessage()
	script := &bytecode.Script{
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpFileInto, FileInto: bytecode.FileIntoArgs{Folder: bytecode.Text("Archive")}},
			{Kind: bytecode.OpFileInto, FileInto: bytecode.FileIntoArgs{Folder: bytecode.Text("Archive")}},
		},
	}
	e := New(testRuntime(), script, msg, "user@example.org", "sender@example.org")
	res := runToCompletion(t, e)
	require.True(t, res.Done())

	actions := e.Actions()
	require.Len(t, actions, 1, "second fileinto to the same folder must not duplicate")
	assert.Equal(t, "Archive", actions[0].Folder)
	assert.False(t, e.keptImplicit)
}

func TestFileIntoWithCopyKeepsImplicitKeep(t *testing.T) {
	msg := newFakeMessage()
	script := &bytecode.Script{
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpFileInto, FileInto: bytecode.FileIntoArgs{Folder: bytecode.Text("Archive"), Copy: true}},
		},
	}
	e := New(testRuntime(), script, msg, "user@example.org", "sender@example.org")
	res := runToCompletion(t, e)
	require.True(t, res.Done())
	assert.True(t, e.keptImplicit)
}

func TestRedirectLoopProtectionDropsSelfAddress(t *testing.T) {
	msg := newFakeMessage()
	script := &bytecode.Script{
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpRedirect, Redirect: bytecode.RedirectArgs{Address: bytecode.Text("user@example.org")}},
		},
	}
	e := New(testRuntime(), script, msg, "user@example.org", "sender@example.org")
	res := runToCompletion(t, e)
	require.True(t, res.Done())
	assert.Empty(t, e.Actions())
	assert.True(t, e.keptImplicit)
}

func TestRejectStopsFurtherDeliveryActions(t *testing.T) {
	msg := newFakeMessage()
	script := &bytecode.Script{
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpReject, RejectMessage: bytecode.Text("no thanks")},
			{Kind: bytecode.OpFileInto, FileInto: bytecode.FileIntoArgs{Folder: bytecode.Text("Archive")}},
		},
	}
	e := New(testRuntime(), script, msg, "user@example.org", "sender@example.org")
	res := runToCompletion(t, e)
	require.True(t, res.Done())

	actions := e.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, ActionReject, actions[0].Kind)
	assert.Equal(t, "no thanks", actions[0].RejectMessage)
}

func TestHeaderTestPopulatesMatchVariables(t *testing.T) {
	msg := newFakeMessage()
	msg.addHeader(0, "Subject", "hello world")
	script := &bytecode.Script{
		NumMatchVars: 2,
		NumLocalVars: 1,
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
				Kind:       bytecode.TestHeader,
				Comparator: bytecode.DefaultComparator,
				Match:      bytecode.MatchType{Kind: bytecode.MatchMatches},
				Headers:    []bytecode.StringTemplate{bytecode.Text("Subject")},
				Keys:       []bytecode.StringTemplate{bytecode.Text("* *")},
			}},
			{Kind: bytecode.OpJz, Target: 3},
			{Kind: bytecode.OpSet, SetIndex: 0, SetValue: bytecode.MatchVar(1)},
			{Kind: bytecode.OpStop},
		},
	}
	e := New(testRuntime(), script, msg, "user@example.org", "sender@example.org")
	res := runToCompletion(t, e)
	require.True(t, res.Done())
	assert.Equal(t, "hello", e.localVars[0])
}

func TestSetModifiersApplyInPriorityOrder(t *testing.T) {
	script := &bytecode.Script{
		NumLocalVars: 1,
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpSet, SetIndex: 0, SetValue: bytecode.Text("hello"),
				SetModifiers: []bytecode.SetModifierKind{bytecode.ModUpper, bytecode.ModLength}},
		},
	}
	e := New(testRuntime(), script, newFakeMessage(), "user@example.org", "sender@example.org")
	res := runToCompletion(t, e)
	require.True(t, res.Done())
	assert.Equal(t, "5", e.localVars[0])
}

func TestFlagActionsSetAddRemove(t *testing.T) {
	script := &bytecode.Script{
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpSetFlag, FlagValues: []bytecode.StringTemplate{bytecode.Text(`\Seen \Flagged`)}},
			{Kind: bytecode.OpAddFlag, FlagValues: []bytecode.StringTemplate{bytecode.Text(`\Answered`)}},
			{Kind: bytecode.OpRemoveFlag, FlagValues: []bytecode.StringTemplate{bytecode.Text(`\Flagged`)}},
		},
	}
	e := New(testRuntime(), script, newFakeMessage(), "user@example.org", "sender@example.org")
	res := runToCompletion(t, e)
	require.True(t, res.Done())
	assert.ElementsMatch(t, []string{`\Seen`, `\Answered`}, e.flagVar(""))
}

func TestVacationSuppressedOnDuplicate(t *testing.T) {
	script := &bytecode.Script{
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpVacation, Vacation: bytecode.VacationArgs{
				From:   bytecode.Text("me@example.org"),
				Reason: bytecode.Text("I am out"),
			}},
		},
	}
	e := New(testRuntime(), script, newFakeMessage(), "user@example.org", "sender@example.org")

	res := e.Run()
	require.NotNil(t, res.Event)
	assert.Equal(t, host.EventDuplicateID, res.Event.Kind)

	res = e.Resume(host.Input{Bool: true}) // host says: yes, a duplicate
	require.True(t, res.Done())
	assert.Empty(t, e.Actions(), "a vacation action produces no recorded Action, only derived-message events")
}

func TestVacationSendsWhenNotDuplicate(t *testing.T) {
	script := &bytecode.Script{
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpVacation, Vacation: bytecode.VacationArgs{
				From:   bytecode.Text("me@example.org"),
				Reason: bytecode.Text("I am out"),
			}},
		},
	}
	e := New(testRuntime(), script, newFakeMessage(), "user@example.org", "sender@example.org")

	res := e.Run()
	require.NotNil(t, res.Event)
	require.Equal(t, host.EventDuplicateID, res.Event.Kind)

	res = e.Resume(host.Input{Bool: false}) // not a duplicate
	require.NotNil(t, res.Event)
	assert.Equal(t, host.EventCreatedMessage, res.Event.Kind)

	res = e.Resume(host.Input{Bool: true})
	require.NotNil(t, res.Event)
	assert.Equal(t, host.EventSendMessage, res.Event.Kind)

	res = e.Resume(host.Input{Bool: true})
	assert.True(t, res.Done())
}

func TestInstructionBudgetExhausted(t *testing.T) {
	script := &bytecode.Script{
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpJmp, Target: 0},
		},
	}
	rt := testRuntime()
	rt.MaxInstructions = 5
	e := New(rt, script, newFakeMessage(), "user@example.org", "sender@example.org")
	res := e.Run()
	require.Error(t, res.Err)
}

func TestEnvironmentTestDoesNotReuseMetadataKind(t *testing.T) {
	script := &bytecode.Script{
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
				Kind:       bytecode.TestEnvironment,
				Comparator: bytecode.DefaultComparator,
				Match:      bytecode.MatchType{Kind: bytecode.MatchIs},
				RawArgs:    []bytecode.StringTemplate{bytecode.Text("domain")},
				Keys:       []bytecode.StringTemplate{bytecode.Text("example.org")},
			}},
			{Kind: bytecode.OpJz, Target: 3},
			{Kind: bytecode.OpKeep},
			{Kind: bytecode.OpStop},
		},
	}
	rt := testRuntime()
	rt.Environment = Environment{Instance: map[string]string{"domain": "example.org"}}
	e := New(rt, script, newFakeMessage(), "user@example.org", "sender@example.org")
	res := runToCompletion(t, e)
	require.True(t, res.Done())
	require.Len(t, e.Actions(), 1)
	assert.Equal(t, ActionKeep, e.Actions()[0].Kind)
}

func TestForEveryPartVisitsEveryDescendant(t *testing.T) {
	msg := newFakeMessage()
	msg.subparts[0] = []host.PartID{1, 2}
	msg.body[1] = "part one"
	msg.body[2] = "part two"

	script := &bytecode.Script{
		NumLocalVars: 1,
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpForEveryPartPush},
			{Kind: bytecode.OpForEveryPart, Target: 4},
			{Kind: bytecode.OpExtractText, ExtractText: bytecode.ExtractTextArgs{VarIndex: 0}},
			{Kind: bytecode.OpJmp, Target: 1},
			{Kind: bytecode.OpForEveryPartPop, ForEveryPartPopCount: 1},
		},
	}
	e := New(testRuntime(), script, msg, "user@example.org", "sender@example.org")
	res := runToCompletion(t, e)
	require.True(t, res.Done())
	assert.Equal(t, "part two", e.localVars[0], "the last visited part's text should remain")
}
