// Package insn decodes raw 64-bit eBPF instruction words into a typed
// representation. It maps raw words onto the upstream opcode vocabulary
// (github.com/cilium/ebpf/asm), whose constants the other packages then
// switch on: the opcode table itself is treated as a given external
// constant, not something this analyzer redefines.
package insn

import (
	"fmt"

	"github.com/cilium/ebpf/asm"
	"github.com/pkg/errors"
)

// Reg is a general purpose eBPF register index, R0 through R10.
type Reg uint8

const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
)

func (r Reg) String() string { return fmt.Sprintf("r%d", uint8(r)) }

// Valid reports whether r names one of the 11 eBPF registers.
func (r Reg) Valid() bool { return r <= R10 }

// PseudoCall discriminates the three kinds of BPF_CALL per the src_reg
// field of the call instruction.
type PseudoCall uint8

const (
	PseudoHelperCall PseudoCall = 0 // ordinary helper-id call
	PseudoCallLocal  PseudoCall = 1 // BPF_PSEUDO_CALL: call to a subprog
	PseudoKfuncCall  PseudoCall = 2 // BPF_PSEUDO_KFUNC_CALL
)

// Mode is the addressing mode of a memory instruction (BPF_LD/LDX/ST/STX).
type Mode uint8

const (
	ImmMode  Mode = 0x00
	AbsMode  Mode = 0x20 // legacy packet access, out of core per spec
	IndMode  Mode = 0x40 // legacy packet access, out of core per spec
	MemMode  Mode = 0x60
	XAddMode Mode = 0xc0 // BPF_ATOMIC
)

// classMask/sizeMask/modeMask/sourceMask/opMask carve up the opcode byte.
// Layout matches the classic eBPF encoding: class occupies the low 3
// bits for every instruction; for ALU/JMP classes, bit 3 is the source
// and bits 4-7 are the operation; for memory classes, bits 3-4 are the
// size and bits 5-7 are the addressing mode.
const (
	classMask  = 0x07
	sourceMask = 0x08
	opMask     = 0xf0
	sizeMask   = 0x18
	modeMask   = 0xe0
)

func isALUClass(c asm.Class) bool {
	return c == asm.ALUClass || c == asm.ALU64Class
}

func isJumpClass(c asm.Class) bool {
	return c == asm.JumpClass || c == asm.Jump32Class
}

func isMemClass(c asm.Class) bool {
	return c == asm.LdClass || c == asm.LdXClass || c == asm.StClass || c == asm.StXClass
}

// Insn is a single decoded eBPF instruction. PC is the index of its
// first word in the caller's word stream — for the two-slot LD_IMM_DW
// form, the second (padding) word still occupies a PC slot because
// jump offsets in the eBPF ISA are counted in 8-byte word units,
// including padding words.
type Insn struct {
	PC     int
	Class  asm.Class
	Size   asm.Size
	Mode   Mode
	Source asm.Source
	ALUOp  asm.ALUOp
	JumpOp asm.JumpOp
	Dst    Reg
	Src    Reg
	Offset int16
	Imm    int32
	Imm64  int64 // populated only when Wide is true
	Wide   bool
	Pseudo PseudoCall // meaningful only when JumpOp == asm.Call
}

// IsALU reports whether this instruction belongs to an ALU class (32 or
// 64 bit).
func (i Insn) IsALU() bool { return isALUClass(i.Class) }

// IsJump reports whether this instruction belongs to a jump class (32 or
// 64 bit conditional/unconditional jump, call, or exit).
func (i Insn) IsJump() bool { return isJumpClass(i.Class) }

// IsMem reports whether this instruction is a load or store.
func (i Insn) IsMem() bool { return isMemClass(i.Class) }

// Is64 reports whether an ALU or jump instruction operates on the full
// 64-bit register rather than its low 32 bits.
func (i Insn) Is64() bool { return i.Class == asm.ALU64Class || i.Class == asm.JumpClass }

// IsLegacyPacketAccess reports whether this is a BPF_ABS/BPF_IND load,
// the legacy direct-packet-access instructions. Spec.md marks their
// semantics out of core; the decoder still classifies them so malformed
// instruction detection and CFG flagging both still work, but no ALU or
// jump transfer function gives them meaning.
func (i Insn) IsLegacyPacketAccess() bool {
	return i.Class == asm.LdClass && (i.Mode == AbsMode || i.Mode == IndMode)
}

// decodeWord splits the 64-bit instruction word into its raw byte fields.
// Layout (little-endian, host-native per spec.md §6): opcode, then a
// packed src:4|dst:4 nibble byte, then a little-endian int16 offset,
// then a little-endian int32 immediate.
func decodeWord(word uint64) (opcode byte, dst, src Reg, offset int16, imm int32) {
	opcode = byte(word)
	regs := byte(word >> 8)
	dst = Reg(regs & 0x0f)
	src = Reg(regs >> 4)
	offset = int16(uint16(word >> 16))
	imm = int32(uint32(word >> 32))
	return
}

// Decode classifies a single 64-bit instruction word. It does not handle
// the two-slot LD_IMM_DW form — use DecodeProgram for a full word stream.
func Decode(word uint64) (Insn, error) {
	opcode, dst, src, offset, imm := decodeWord(word)
	class := asm.Class(opcode & classMask)

	if !dst.Valid() || !src.Valid() {
		return Insn{}, errors.Errorf("malformed instruction: register field out of range (dst=%d src=%d)", dst, src)
	}

	out := Insn{Class: class, Dst: dst, Src: src, Offset: offset, Imm: imm}

	switch {
	case isALUClass(class):
		out.Source = asm.Source(opcode & sourceMask)
		out.ALUOp = asm.ALUOp(opcode & opMask)
		if out.Source == asm.ImmSource && src != R0 {
			return Insn{}, errors.Errorf("malformed instruction: imm-sourced ALU op must have src=0, got %d", src)
		}
	case isJumpClass(class):
		out.Source = asm.Source(opcode & sourceMask)
		out.JumpOp = asm.JumpOp(opcode & opMask)
		if out.JumpOp == asm.Call && out.Source == asm.ImmSource {
			out.Pseudo = PseudoCall(src)
		}
		if out.JumpOp == asm.Exit && (dst != R0 || src != R0 || offset != 0 || imm != 0) {
			return Insn{}, errors.New("malformed instruction: BPF_EXIT must have all unused fields zero")
		}
	case isMemClass(class):
		out.Size = asm.Size(opcode & sizeMask)
		out.Mode = Mode(opcode & modeMask)
	default:
		return Insn{}, errors.Errorf("malformed instruction: unrecognized class %#x", byte(class))
	}

	return out, nil
}

// DecodeProgram decodes an entire word stream, resolving the two-slot
// LD_IMM_DW form into a single wide Insn. Every Insn.PC is the index of
// the word it starts at; decode order determines the instruction that
// jump offsets (also counted in word units) must resolve into — callers
// index back into this slice by PC, not by position, because a wide
// instruction consumes two word slots but appears once in the result.
func DecodeProgram(words []uint64) ([]Insn, error) {
	out := make([]Insn, 0, len(words))
	for pc := 0; pc < len(words); pc++ {
		i, err := Decode(words[pc])
		if err != nil {
			return nil, errors.Wrapf(err, "pc %d", pc)
		}
		i.PC = pc

		isWideLoad := i.Class == asm.LdClass && i.Mode == ImmMode && i.Size == asm.DWord
		if isWideLoad {
			if pc+1 >= len(words) {
				return nil, errors.Errorf("pc %d: LD_IMM_DW missing second slot", pc)
			}
			second := words[pc+1]
			opcode2, dst2, src2, offset2, imm2 := decodeWord(second)
			if opcode2 != 0 || dst2 != R0 || src2 != R0 || offset2 != 0 {
				return nil, errors.Errorf("pc %d: LD_IMM_DW second slot must be all zero except its immediate", pc)
			}
			i.Imm64 = int64(uint64(uint32(imm2))<<32 | uint64(uint32(i.Imm)))
			i.Wide = true
			pc++ // consume the padding word
		}

		out = append(out, i)
	}
	return out, nil
}
