package serialize_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledsdavies/sievevm/core/bytecode"
	"github.com/aledsdavies/sievevm/core/serialize"
)

func sampleScript() *bytecode.Script {
	return &bytecode.Script{
		NumLocalVars: 2,
		NumMatchVars: 3,
		RequiredCapabilities: []bytecode.Capability{
			{Kind: bytecode.CapFileinto},
			{Kind: bytecode.CapEnvelope},
		},
		Instructions: []bytecode.Instruction{
			{Kind: bytecode.OpTest, Test: bytecode.TestSpec{
				Kind:       bytecode.TestHeader,
				Comparator: bytecode.DefaultComparator,
				Match:      bytecode.MatchType{Kind: bytecode.MatchContains},
				Headers:    []bytecode.StringTemplate{bytecode.Text("Subject")},
				Keys:       []bytecode.StringTemplate{bytecode.Text("urgent")},
			}},
			{Kind: bytecode.OpJz, Target: 3},
			{Kind: bytecode.OpFileInto, FileInto: bytecode.FileIntoArgs{Folder: bytecode.Text("Urgent")}},
			{Kind: bytecode.OpStop},
		},
	}
}

// TestRoundTrip verifies deserialize(serialize(s)) reproduces s exactly
// (spec.md §8.1's round-trip property).
func TestRoundTrip(t *testing.T) {
	want := sampleScript()

	var buf bytes.Buffer
	digest, err := serialize.Write(&buf, want)
	require.NoError(t, err)

	got, readDigest, err := serialize.Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, digest, readDigest)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripEmptyScript(t *testing.T) {
	want := &bytecode.Script{}

	data, err := serialize.Marshal(want)
	require.NoError(t, err)

	got, _, err := serialize.Unmarshal(data)
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvelopePrefixAndVersion(t *testing.T) {
	data, err := serialize.Marshal(sampleScript())
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 34)
	assert.Equal(t, byte(serialize.PrefixByte), data[0])
	assert.Equal(t, byte(serialize.Version), data[1])
}

func TestRejectsWrongPrefix(t *testing.T) {
	data, err := serialize.Marshal(sampleScript())
	require.NoError(t, err)
	data[0] = 0x00

	_, _, err = serialize.Unmarshal(data)
	require.Error(t, err)
}

func TestRejectsCorruptBody(t *testing.T) {
	data, err := serialize.Marshal(sampleScript())
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF

	_, _, err = serialize.Unmarshal(data)
	require.Error(t, err)
}

// TestDeterministicEncoding verifies identical scripts encode to
// identical bytes, the "deterministic encoding" spec.md §6.4 requires.
func TestDeterministicEncoding(t *testing.T) {
	a, err := serialize.Marshal(sampleScript())
	require.NoError(t, err)
	b, err := serialize.Marshal(sampleScript())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
