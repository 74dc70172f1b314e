package glob

import (
	"reflect"
	"testing"

	"github.com/aledsdavies/sievevm/core/bytecode"
)

func TestMatchCaptureVectors(t *testing.T) {
	tests := []struct {
		subject, pattern string
		wantCaptures     []string
		wantOK           bool
	}{
		{"frop:frup:frop", "*:*:*", []string{"frop", "frup", "frop"}, true},
		{"klopfropstroptop", "*fr??*top", []string{"klop", "o", "p", "strop"}, true},
		{"hello", "hello", nil, true},
		{"hello", "h*o", []string{"ell"}, true},
		{"hello", "h?llo", []string{"e"}, true},
		{"hello", "x*", nil, false},
		{"", "*", []string{""}, true},
	}
	for _, tt := range tests {
		got, ok := Match(tt.pattern, tt.subject)
		if ok != tt.wantOK {
			t.Errorf("Match(%q,%q) ok=%v, want %v", tt.pattern, tt.subject, ok, tt.wantOK)
			continue
		}
		if ok && !reflect.DeepEqual(got, tt.wantCaptures) {
			t.Errorf("Match(%q,%q) captures=%v, want %v", tt.pattern, tt.subject, got, tt.wantCaptures)
		}
	}
}

func TestRelationalAsciiNumeric(t *testing.T) {
	c := bytecode.Comparator{Kind: bytecode.ComparatorAsciiNumeric}
	ok, err := Relational(c, bytecode.RelLt, "9", "10")
	if err != nil || !ok {
		t.Fatalf("9 < 10 numeric = %v, %v", ok, err)
	}
	ok, err = Relational(c, bytecode.RelLt, "abc", "5")
	if err != nil || ok {
		t.Fatalf("abc < 5 numeric should be false (abc -> +Inf), got %v, %v", ok, err)
	}
	ok, err = Relational(c, bytecode.RelGt, "abc", "999999")
	if err != nil || !ok {
		t.Fatalf("abc > 999999 numeric should be true (abc -> +Inf), got %v, %v", ok, err)
	}
}

func TestEqualCaseMap(t *testing.T) {
	c := bytecode.Comparator{Kind: bytecode.ComparatorAsciiCaseMap}
	ok, err := Equal(c, "Hello", "hello")
	if err != nil || !ok {
		t.Fatalf("ascii-casemap equal = %v, %v", ok, err)
	}
	oct := bytecode.Comparator{Kind: bytecode.ComparatorOctet}
	ok, err = Equal(oct, "Hello", "hello")
	if err != nil || ok {
		t.Fatalf("octet equal should be case-sensitive, got %v, %v", ok, err)
	}
}

func TestRegexCaptures(t *testing.T) {
	c := bytecode.Comparator{Kind: bytecode.ComparatorAsciiCaseMap}
	caps, ok, err := Regex(c, `(\w+)@(\w+)`, "user@HOST")
	if err != nil {
		t.Fatalf("Regex error: %v", err)
	}
	if !ok || len(caps) != 3 {
		t.Fatalf("Regex captures = %v, ok=%v", caps, ok)
	}
}
