package rts

import "encoding/binary"

// Opcode is one bytecode instruction's operation. The original's
// instruction set (integer arithmetic/comparison, bit ops, string
// ops, conditional branches, immediate pushes, typed heap load/store,
// value-type conversions, formatted print, capture yank/skip, peek/seek,
// scan, shmr, dict, expect, time, halt) is represented 1:1 below.
type Opcode byte

const (
	OpHalt Opcode = iota
	OpPushNum
	OpPushStr
	OpPushBin
	OpPop
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpCmpEQ
	OpCmpNE
	OpCmpLT
	OpCmpLE
	OpCmpGT
	OpCmpGE
	OpBitAnd
	OpBitOr
	OpBitXor
	OpBitNot
	OpShl
	OpShr
	OpStrEq
	OpStrConcat
	OpStrLen
	OpStrSlice
	OpJmp
	OpJmpIfZero
	OpLoad
	OpStore
	OpAtoi
	OpItoa
	OpBtoi
	OpItob
	OpAtob
	OpBtoa
	OpHtoi
	OpPrint
	OpYank
	OpSkip
	OpPeek
	OpSeek
	OpScan
	OpSHMR
	OpDictSave
	OpDictFind
	OpExpect
	OpTime
)

// Instruction is one decoded bytecode instruction: an opcode plus a single
// int64 operand (an immediate, a string-table index, a variable id, a
// jump target, or a byte count, depending on the opcode).
type Instruction struct {
	Op  Opcode
	Arg int64
}

const instrWireSize = 9 // 1 opcode byte + 8 big-endian operand bytes

// EncodeInstructions serializes a program to the bytecode section's wire
// form.
func EncodeInstructions(prog []Instruction) []byte {
	out := make([]byte, 0, len(prog)*instrWireSize)
	var buf [8]byte
	for _, in := range prog {
		out = append(out, byte(in.Op))
		binary.BigEndian.PutUint64(buf[:], uint64(in.Arg))
		out = append(out, buf[:]...)
	}
	return out
}

// DecodeInstructions parses a bytecode section back into a program.
func DecodeInstructions(data []byte) []Instruction {
	n := len(data) / instrWireSize
	prog := make([]Instruction, 0, n)
	for i := 0; i < n; i++ {
		off := i * instrWireSize
		op := Opcode(data[off])
		arg := int64(binary.BigEndian.Uint64(data[off+1 : off+9]))
		prog = append(prog, Instruction{Op: op, Arg: arg})
	}
	return prog
}
