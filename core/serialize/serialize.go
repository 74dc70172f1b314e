// Package serialize implements the versioned binary envelope spec.md
// §6.4 describes for a compiled Script: a two-byte prefix identifying
// the format, a digest for a cheap equality fast-path, and a
// deterministic encoding of the instruction stream and counters.
// Grounded on the teacher's core/planfmt writer/reader pair, collapsed
// from planfmt's magic+length-prefixed custom binary layout to a CBOR
// body (this module has no streaming-decode requirement planfmt's
// length-prefixed sections exist for).
package serialize

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/aledsdavies/sievevm/core/bytecode"
)

// Prefix identifies this module's envelope format (spec.md §6.4:
// "two-byte prefix [0xFF, VERSION]"). Deserialization rejects any
// other first byte.
const PrefixByte = 0xFF

// Version is the current envelope format version.
const Version = 1

var canonicalEncMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

// Write serializes script into w as
// [0xFF][Version][digest(32)][canonical CBOR body], returning the
// BLAKE2b-256 digest of the body (the round-trip equality fast-path
// the teacher's plan-hash pattern also provides).
func Write(w io.Writer, script *bytecode.Script) ([32]byte, error) {
	body, err := canonicalEncMode.Marshal(script)
	if err != nil {
		return [32]byte{}, fmt.Errorf("serialize: encode body: %w", err)
	}

	digest := blake2b.Sum256(body)

	var preamble bytes.Buffer
	preamble.WriteByte(PrefixByte)
	preamble.WriteByte(Version)
	preamble.Write(digest[:])
	if _, err := w.Write(preamble.Bytes()); err != nil {
		return [32]byte{}, fmt.Errorf("serialize: write preamble: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return [32]byte{}, fmt.Errorf("serialize: write body: %w", err)
	}
	return digest, nil
}

// Marshal is the in-memory convenience form of Write.
func Marshal(script *bytecode.Script) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := Write(&buf, script); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read deserializes a Script from r, verifying the prefix, version and
// digest before decoding the body. Returns the verified digest
// alongside the script.
func Read(r io.Reader) (*bytecode.Script, [32]byte, error) {
	var preamble [34]byte
	if _, err := io.ReadFull(r, preamble[:]); err != nil {
		return nil, [32]byte{}, fmt.Errorf("serialize: read preamble: %w", err)
	}
	if preamble[0] != PrefixByte {
		return nil, [32]byte{}, fmt.Errorf("serialize: invalid prefix 0x%02x, expected 0x%02x", preamble[0], PrefixByte)
	}
	if preamble[1] != Version {
		return nil, [32]byte{}, fmt.Errorf("serialize: unsupported version %d, expected %d", preamble[1], Version)
	}
	var wantDigest [32]byte
	copy(wantDigest[:], preamble[2:34])

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("serialize: read body: %w", err)
	}

	gotDigest := blake2b.Sum256(body)
	if gotDigest != wantDigest {
		return nil, [32]byte{}, fmt.Errorf("serialize: digest mismatch, envelope is corrupt")
	}

	var script bytecode.Script
	if err := cbor.Unmarshal(body, &script); err != nil {
		return nil, [32]byte{}, fmt.Errorf("serialize: decode body: %w", err)
	}
	return &script, gotDigest, nil
}

// Unmarshal is the in-memory convenience form of Read.
func Unmarshal(data []byte) (*bytecode.Script, [32]byte, error) {
	return Read(bytes.NewReader(data))
}
