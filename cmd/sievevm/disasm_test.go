package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aledsdavies/sievevm/core/bytecode"
)

func TestCapabilityNames(t *testing.T) {
	names := capabilityNames([]bytecode.Capability{
		{Kind: bytecode.CapFileinto},
		{Kind: bytecode.CapEnvelope},
	})
	assert.Equal(t, []string{"fileinto", "envelope"}, names)
}

func TestDisasmOneJump(t *testing.T) {
	line := disasmOne(bytecode.Instruction{Kind: bytecode.OpJz, Target: 7})
	assert.Contains(t, line, "Jz")
	assert.Contains(t, line, "-> 7")
}

func TestDisasmOneTest(t *testing.T) {
	line := disasmOne(bytecode.Instruction{Kind: bytecode.OpTest, Test: bytecode.TestSpec{Kind: bytecode.TestHeader}})
	assert.True(t, strings.Contains(line, "Header"))
}

func TestDisasmOneUnlistedKindFallsBackToKindName(t *testing.T) {
	line := disasmOne(bytecode.Instruction{Kind: bytecode.OpStop})
	assert.Equal(t, "Stop", line)
}
