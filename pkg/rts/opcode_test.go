package rts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeInstructionsRoundTrip(t *testing.T) {
	prog := []Instruction{
		{Op: OpPushNum, Arg: 42},
		{Op: OpPushNum, Arg: -7},
		{Op: OpAdd},
		{Op: OpHalt},
	}
	wire := EncodeInstructions(prog)
	assert.Equal(t, len(prog)*instrWireSize, len(wire))

	decoded := DecodeInstructions(wire)
	assert.Equal(t, prog, decoded)
}

func TestDecodeInstructionsEmpty(t *testing.T) {
	assert.Empty(t, DecodeInstructions(nil))
}
