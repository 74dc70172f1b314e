package compiler

import (
	"bytes"
	"testing"
)

// sieveAlphabet narrows random fuzz bytes down to characters that
// actually appear in Sieve source, the same "map random bytes onto a
// small alphabet" trick the original Rust fuzz target
// (fuzz/fuzz_targets/sieve.rs, SIEVE_ALPHABET) uses to spend more of
// the fuzzer's budget on inputs that exercise the grammar instead of
// the lexer's generic reject path.
var sieveAlphabet = []byte("0123abcd;\"\\ {}[](),\n:$#*?")

func toSieveAlphabet(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = sieveAlphabet[int(b)%len(sieveAlphabet)]
	}
	return out
}

func addCompilerSeedCorpus(f *testing.F) {
	f.Add([]byte(""))
	f.Add([]byte("keep;"))
	f.Add([]byte("discard;"))
	f.Add([]byte(`require ["fileinto"]; if header :contains "subject" "test" { fileinto "INBOX.test"; }`))
	f.Add([]byte(`if anyof (true, false) { keep; } else { discard; }`))
	f.Add([]byte(`require ["variables"]; set "x" "y"; if string :is "${x}" "y" { keep; }`))
	f.Add([]byte(`if header :matches "subject" "*" { addheader "X-Foo" "${1}"; }`))
	f.Add([]byte("if { keep; }"))
	f.Add([]byte("require [;"))
	f.Add([]byte(`if anyof(anyof(anyof(true)))  { keep; }`))
	f.Add(bytes.Repeat([]byte("("), 200))
	f.Add(bytes.Repeat([]byte("{"), 200))
}

// FuzzCompileNoPanic verifies the compiler never panics, only ever
// returning compile errors, for arbitrary byte input — mirrors the
// no-panic fuzz functions in the teacher's runtime/parser/fuzz_test.go.
func FuzzCompileNoPanic(f *testing.F) {
	addCompilerSeedCorpus(f)

	f.Fuzz(func(t *testing.T, input []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Compile panicked on %q: %v", input, r)
			}
		}()
		Compile(input, nil, DefaultLimits)
		Compile(toSieveAlphabet(input), nil, DefaultLimits)
	})
}

// FuzzCompileDeterministic verifies compiling the same source twice
// produces the same instruction count and the same error set.
func FuzzCompileDeterministic(f *testing.F) {
	addCompilerSeedCorpus(f)

	f.Fuzz(func(t *testing.T, input []byte) {
		src := toSieveAlphabet(input)
		script1, errs1 := Compile(src, nil, DefaultLimits)
		script2, errs2 := Compile(src, nil, DefaultLimits)

		if len(errs1) != len(errs2) {
			t.Fatalf("non-deterministic error count for %q: %d vs %d", src, len(errs1), len(errs2))
		}
		if (script1 == nil) != (script2 == nil) {
			t.Fatalf("non-deterministic compile success for %q", src)
		}
		if script1 != nil && len(script1.Instructions) != len(script2.Instructions) {
			t.Fatalf("non-deterministic instruction count for %q: %d vs %d",
				src, len(script1.Instructions), len(script2.Instructions))
		}
	})
}
