package compiler

import (
	"testing"

	"github.com/aledsdavies/sievevm/core/bytecode"
)

func compileOK(t *testing.T, src string) *bytecode.Script {
	t.Helper()
	script, errs := Compile([]byte(src), nil, DefaultLimits)
	if len(errs) != 0 {
		t.Fatalf("unexpected compile errors for %q: %v", src, errs)
	}
	return script
}

func TestKeepIsDefaultScript(t *testing.T) {
	script := compileOK(t, `keep;`)
	var sawKeep, sawStop bool
	for _, in := range script.Instructions {
		if in.Kind == bytecode.OpKeep {
			sawKeep = true
		}
		if in.Kind == bytecode.OpStop {
			sawStop = true
		}
	}
	if !sawKeep || !sawStop {
		t.Fatalf("expected OpKeep and trailing OpStop, got %+v", script.Instructions)
	}
}

func TestRequireMergesIdempotently(t *testing.T) {
	script := compileOK(t, `
		require ["fileinto"];
		require "fileinto";
		require ["fileinto", "reject"];
		if header :contains "subject" "test" {
			fileinto "INBOX";
		}
	`)
	if script.Instructions[0].Kind != bytecode.OpRequire {
		t.Fatalf("expected instruction 0 to be OpRequire, got %v", script.Instructions[0].Kind)
	}
	caps := script.Instructions[0].RequireCaps
	if len(caps) != 2 {
		t.Fatalf("expected exactly 2 merged capabilities, got %d: %v", len(caps), caps)
	}
}

func TestIfElsifElseJumpTargetsAreWellFormed(t *testing.T) {
	script := compileOK(t, `
		if header :contains "subject" "a" {
			stop;
		} elsif header :contains "subject" "b" {
			discard;
		} else {
			keep;
		}
	`)
	for i, in := range script.Instructions {
		switch in.Kind {
		case bytecode.OpJmp, bytecode.OpJz, bytecode.OpJnz:
			if int(in.Target) <= i || int(in.Target) > len(script.Instructions) {
				t.Fatalf("instruction %d (%v) has out-of-range/backward target %d", i, in.Kind, in.Target)
			}
		}
	}
}

func TestAnyofLowersToOrShortCircuit(t *testing.T) {
	script := compileOK(t, `
		if anyof (header :contains "subject" "a", header :contains "subject" "b") {
			keep;
		}
	`)
	var sawJnz bool
	for _, in := range script.Instructions {
		if in.Kind == bytecode.OpJnz {
			sawJnz = true
		}
	}
	if !sawJnz {
		t.Fatalf("expected anyof to lower to a Jnz short-circuit, got %+v", script.Instructions)
	}
}

func TestAllofLowersToAndShortCircuit(t *testing.T) {
	script := compileOK(t, `
		if allof (header :contains "subject" "a", header :contains "subject" "b") {
			keep;
		}
	`)
	var sawJz bool
	for _, in := range script.Instructions {
		if in.Kind == bytecode.OpJz {
			sawJz = true
		}
	}
	if !sawJz {
		t.Fatalf("expected allof to lower to a Jz short-circuit, got %+v", script.Instructions)
	}
}

func TestNotAnyofDeMorgansIntoAllofOfNegatedChildren(t *testing.T) {
	script := compileOK(t, `
		if not anyof (header :contains "subject" "a", header :contains "subject" "b") {
			keep;
		}
	`)
	var testCount int
	for _, in := range script.Instructions {
		if in.Kind == bytecode.OpTest {
			testCount++
			if !in.Test.Negate {
				t.Fatalf("expected each child of not-anyof to carry Negate=true, got %+v", in.Test)
			}
		}
	}
	if testCount != 2 {
		t.Fatalf("expected 2 Test instructions, got %d", testCount)
	}
}

func TestCaptureMaskGrowsFromMatchVariableReference(t *testing.T) {
	script := compileOK(t, `
		if header :matches "subject" "*" {
			fileinto "${1}";
		}
	`)
	var found bool
	for _, in := range script.Instructions {
		if in.Kind == bytecode.OpTest && in.Test.Kind == bytecode.TestHeader {
			found = true
			if in.Test.Match.CaptureMask&(1<<1) == 0 {
				t.Fatalf("expected capture mask bit 1 set, got %064b", in.Test.Match.CaptureMask)
			}
		}
	}
	if !found {
		t.Fatalf("expected a header Test instruction")
	}
}

func TestAnychildWithoutMimeIsRejected(t *testing.T) {
	_, errs := Compile([]byte(`
		require "mime";
		if header :anychild :contains "subject" "x" {
			keep;
		}
	`), nil, DefaultLimits)
	if len(errs) == 0 {
		t.Fatalf("expected :anychild without :mime to fail to compile")
	}
}

func TestUndeclaredCapabilityIsRejected(t *testing.T) {
	_, errs := Compile([]byte(`
		if envelope :contains "from" "x" {
			keep;
		}
	`), nil, DefaultLimits)
	if len(errs) == 0 {
		t.Fatalf("expected envelope test without require \"envelope\" to fail")
	}
}

func TestForEveryPartBreak(t *testing.T) {
	script := compileOK(t, `
		require "foreverypart";
		foreverypart {
			if header :contains "content-type" "text/plain" {
				break;
			}
			keep;
		}
	`)
	var sawPush, sawPop bool
	for _, in := range script.Instructions {
		if in.Kind == bytecode.OpForEveryPartPush {
			sawPush = true
		}
		if in.Kind == bytecode.OpForEveryPartPop {
			sawPop = true
		}
	}
	if !sawPush || !sawPop {
		t.Fatalf("expected matching ForEveryPartPush/Pop, got %+v", script.Instructions)
	}
}

func TestBreakOutsideForEveryPartIsRejected(t *testing.T) {
	_, errs := Compile([]byte(`break;`), nil, DefaultLimits)
	if len(errs) == 0 {
		t.Fatalf("expected break outside foreverypart to fail")
	}
}

func TestSetAndStringTestRoundTrip(t *testing.T) {
	script := compileOK(t, `
		require "variables";
		set "name" "value";
		if string :is "${name}" "value" {
			keep;
		}
	`)
	var sawSet bool
	for _, in := range script.Instructions {
		if in.Kind == bytecode.OpSet {
			sawSet = true
			if in.SetName != "name" {
				t.Fatalf("expected lowercased variable name, got %q", in.SetName)
			}
		}
	}
	if !sawSet {
		t.Fatalf("expected an OpSet instruction")
	}
}

func TestVacationDefaultsToSevenDays(t *testing.T) {
	script := compileOK(t, `
		require "vacation";
		vacation "I am out of office";
	`)
	var found bool
	for _, in := range script.Instructions {
		if in.Kind == bytecode.OpVacation {
			found = true
			if in.Vacation.Days != 7 {
				t.Fatalf("expected default vacation days 7, got %d", in.Vacation.Days)
			}
		}
	}
	if !found {
		t.Fatalf("expected an OpVacation instruction")
	}
}

func TestFileIntoRequiresCapability(t *testing.T) {
	_, errs := Compile([]byte(`fileinto "INBOX.sub";`), nil, DefaultLimits)
	if len(errs) == 0 {
		t.Fatalf("expected fileinto without require \"fileinto\" to fail")
	}
}

func TestEndToEndMultiRuleScript(t *testing.T) {
	script := compileOK(t, `
		require ["fileinto", "envelope", "imap4flags"];

		if envelope :is "from" "boss@example.com" {
			setflag "\\Flagged";
			fileinto "Priority";
			stop;
		} elsif header :matches "subject" "[SPAM]*" {
			discard;
		} else {
			keep;
		}
	`)
	if len(script.Instructions) == 0 {
		t.Fatalf("expected a non-empty instruction stream")
	}
	if script.Instructions[len(script.Instructions)-1].Kind != bytecode.OpStop {
		t.Fatalf("expected the script to end with OpStop")
	}
}
