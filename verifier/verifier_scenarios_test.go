package verifier

import (
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/require"

	"bpfverify/internal/helper"
	"bpfverify/internal/insn"
	"bpfverify/internal/region"
)

// encode packs a slice of instructions built at the insn.Insn level back
// into the raw little-endian word stream Verify consumes, mirroring the
// byte layout internal/insn.decodeWord expects: opcode, src:4|dst:4,
// offset (int16), imm (int32).
func encode(insns []insn.Insn) []uint64 {
	out := make([]uint64, len(insns))
	for idx, i := range insns {
		var opcode byte
		switch {
		case i.IsALU():
			opcode = byte(i.Class) | byte(i.Source) | byte(i.ALUOp)
		case i.IsJump():
			opcode = byte(i.Class) | byte(i.Source) | byte(i.JumpOp)
		default:
			opcode = byte(i.Class) | byte(i.Size) | byte(i.Mode)
		}
		var src insn.Reg = i.Src
		if i.IsJump() && i.JumpOp == asm.Call && i.Source == asm.ImmSource {
			src = insn.Reg(i.Pseudo)
		}
		regsByte := byte(src)<<4 | byte(i.Dst)
		out[idx] = uint64(opcode) |
			uint64(regsByte)<<8 |
			uint64(uint16(i.Offset))<<16 |
			uint64(uint32(i.Imm))<<32
	}
	return out
}

func mov64Imm(dst insn.Reg, imm int32) insn.Insn {
	return insn.Insn{Class: asm.ALU64Class, ALUOp: asm.Mov, Source: asm.ImmSource, Dst: dst, Imm: imm}
}

func mov64Reg(dst, src insn.Reg) insn.Insn {
	return insn.Insn{Class: asm.ALU64Class, ALUOp: asm.Mov, Source: asm.RegSource, Dst: dst, Src: src}
}

func alu64Imm(op asm.ALUOp, dst insn.Reg, imm int32) insn.Insn {
	return insn.Insn{Class: asm.ALU64Class, ALUOp: op, Source: asm.ImmSource, Dst: dst, Imm: imm}
}

func alu64Reg(op asm.ALUOp, dst, src insn.Reg) insn.Insn {
	return insn.Insn{Class: asm.ALU64Class, ALUOp: op, Source: asm.RegSource, Dst: dst, Src: src}
}

func jumpImm(op asm.JumpOp, dst insn.Reg, imm int32, offset int16) insn.Insn {
	return insn.Insn{Class: asm.JumpClass, JumpOp: op, Source: asm.ImmSource, Dst: dst, Imm: imm, Offset: offset}
}

func jumpReg(op asm.JumpOp, dst, src insn.Reg, offset int16) insn.Insn {
	return insn.Insn{Class: asm.JumpClass, JumpOp: op, Source: asm.RegSource, Dst: dst, Src: src, Offset: offset}
}

func ja(offset int16) insn.Insn {
	return insn.Insn{Class: asm.JumpClass, JumpOp: asm.Ja, Offset: offset}
}

func exitInsn() insn.Insn {
	return insn.Insn{Class: asm.JumpClass, JumpOp: asm.Exit}
}

func callHelper(id int32) insn.Insn {
	return insn.Insn{Class: asm.JumpClass, JumpOp: asm.Call, Source: asm.ImmSource, Pseudo: insn.PseudoHelperCall, Imm: id}
}

func loadMem(size asm.Size, dst, src insn.Reg, offset int16) insn.Insn {
	return insn.Insn{Class: asm.LdXClass, Size: size, Mode: insn.MemMode, Dst: dst, Src: src, Offset: offset}
}

func storeRegMem(size asm.Size, dst, src insn.Reg, offset int16) insn.Insn {
	return insn.Insn{Class: asm.StXClass, Size: size, Mode: insn.MemMode, Dst: dst, Src: src, Offset: offset}
}

func storeImmMem(size asm.Size, dst insn.Reg, offset int16, imm int32) insn.Insn {
	return insn.Insn{Class: asm.StClass, Size: size, Mode: insn.MemMode, Dst: dst, Offset: offset, Imm: imm}
}

// TestConstantRangeLoopAccepts is the bounded-counter loop: R1 climbs
// from 0 to 16 purely by path unrolling, no widening required.
func TestConstantRangeLoopAccepts(t *testing.T) {
	program := []insn.Insn{
		mov64Imm(insn.R1, 0),              // pc0
		jumpImm(asm.JGE, insn.R1, 16, 2),  // pc1: goto pc4 (end) if R1 >= 16
		alu64Imm(asm.Add, insn.R1, 1),     // pc2
		ja(-3),                            // pc3: goto pc1
		mov64Imm(insn.R0, 0),              // pc4: end
		exitInsn(),                        // pc5
	}
	res, err := Verify(encode(program), DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, ResultAccept, res.Kind())
}

// TestUnboundedPacketWalkRejectsOnFirstDeref is the packet-pointer walk
// with no bounds check before the first load: the byte-wide load at
// offset 0 of a zero-SizeMin packet region is never provably in bounds,
// so it rejects before the loop's comparison is ever reached.
func TestUnboundedPacketWalkRejectsOnFirstDeref(t *testing.T) {
	program := []insn.Insn{
		loadMem(asm.Byte, insn.R2, insn.R1, 0),      // pc0 (L): R2 = *(u8*)(R1+0)
		alu64Imm(asm.Add, insn.R1, 1),               // pc1: R1 += 1
		jumpReg(asm.JLT, insn.R1, insn.R3, -3),      // pc2: if R1 < R3 goto L
		mov64Imm(insn.R0, 0),                        // pc3
		exitInsn(),                                  // pc4
	}
	pktRegion := region.Region{
		Kind: region.KindPacketData, SizeMin: 0, SizeMax: 1500, AllowArithmetic: true,
	}
	cfg := DefaultConfig(
		WithEntryArg(0, EntryArg{Kind: helper.ArgPtrToPacket, Region: pktRegion}),
		WithEntryArg(2, EntryArg{Kind: helper.ArgPtrToPacket, Region: pktRegion}),
	)
	res, err := Verify(encode(program), cfg)
	require.NoError(t, err)
	require.Equal(t, ResultReject, res.Kind())
	require.Equal(t, RejectMemory, res.Reject().Kind)
}

// TestDivisionByPossiblyZeroRejects checks an Unknown-scalar divisor
// against the default reject-on-maybe-zero policy.
func TestDivisionByPossiblyZeroRejects(t *testing.T) {
	program := []insn.Insn{
		mov64Imm(insn.R2, 100),                 // pc0
		alu64Reg(asm.Div, insn.R2, insn.R1),    // pc1: R2 /= R1
		mov64Imm(insn.R0, 0),                   // pc2
		exitInsn(),                             // pc3
	}
	cfg := DefaultConfig(WithEntryArg(0, EntryArg{Kind: helper.ArgAnyScalar}))
	res, err := Verify(encode(program), cfg)
	require.NoError(t, err)
	require.Equal(t, ResultReject, res.Kind())
	require.Equal(t, RejectArithmetic, res.Reject().Kind)
}

// TestSpillAndReloadPreservesRefinementAccepts spills an Unknown u32
// helper return to the stack, reloads it, narrows it on the not-taken
// edge of a JGT, and uses the narrowed value as an offset into a
// 1024-byte region: the access is only provably in bounds because the
// reload carries the same refinement the direct register value would.
func TestSpillAndReloadPreservesRefinementAccepts(t *testing.T) {
	program := []insn.Insn{
		mov64Reg(insn.R6, insn.R3),                       // pc0: save the buffer pointer into a callee-saved register
		callHelper(7),                                    // pc1: R0 = call helper_unknown_u32 (clobbers R1-R5)
		mov64Reg(insn.R1, insn.R0),                        // pc2: R1 = R0
		storeRegMem(asm.DWord, insn.R10, insn.R1, 8),      // pc3: *(u64*)(r10+8) = R1
		loadMem(asm.DWord, insn.R2, insn.R10, 8),          // pc4: R2 = *(u64*)(r10+8)
		jumpImm(asm.JGT, insn.R2, 1000, 2),                // pc5: if R2 > 1000 goto done
		alu64Reg(asm.Add, insn.R6, insn.R2),               // pc6: R6 += R2
		loadMem(asm.Byte, insn.R4, insn.R6, 0),            // pc7: R4 = *(u8*)(R6+0)
		exitInsn(),                                        // pc8: done
	}
	bufRegion := region.Region{
		Kind: region.KindHeapObject, SizeMin: 1024, SizeMax: 1024, SizeExact: true, AllowArithmetic: true,
	}
	cfg := DefaultConfig(
		WithEntryArg(2, EntryArg{Kind: helper.ArgPtrToMem, Region: bufRegion}),
		WithHelper(7, helper.Signature{
			Args:         [5]helper.ArgKind{helper.ArgIgnored, helper.ArgIgnored, helper.ArgIgnored, helper.ArgIgnored, helper.ArgIgnored},
			SizeArgIndex: [5]int{-1, -1, -1, -1, -1},
			Return:       helper.RetInteger,
		}),
	)
	res, err := Verify(encode(program), cfg)
	require.NoError(t, err)
	require.Equal(t, ResultAccept, res.Kind())
}

// TestUninitializedReadRejects moves a never-written register into R0:
// the very first instruction rejects, kind=Type.
func TestUninitializedReadRejects(t *testing.T) {
	program := []insn.Insn{
		mov64Reg(insn.R0, insn.R3), // pc0: R3 was never written
		exitInsn(),                 // pc1
	}
	res, err := Verify(encode(program), DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, ResultReject, res.Kind())
	require.Equal(t, RejectType, res.Reject().Kind)
}

// TestHelperNullCheckAccepts only dereferences a maybe-null helper
// return on the branch where it has been proven non-null.
func TestHelperNullCheckAccepts(t *testing.T) {
	program := []insn.Insn{
		mov64Imm(insn.R1, 5),                     // pc0: R1 = map_fd_imm
		mov64Reg(insn.R2, insn.R10),               // pc1: R2 = &stack_key
		callHelper(1),                             // pc2: R0 = call map_lookup
		jumpImm(asm.JEq, insn.R0, 0, 1),           // pc3: if R0 == 0 goto done
		storeImmMem(asm.Word, insn.R0, 0, 42),     // pc4: *(u32*)(R0+0) = 42
		exitInsn(),                                // pc5: done
	}
	cfg := DefaultConfig(WithHelper(1, helper.Signature{
		Args:         [5]helper.ArgKind{helper.ArgAnyScalar, helper.ArgPtrToMapKey, helper.ArgIgnored, helper.ArgIgnored, helper.ArgIgnored},
		ArgSizes:     [5]uint32{0, 8, 0, 0, 0},
		SizeArgIndex: [5]int{-1, -1, -1, -1, -1},
		Return:       helper.RetPtrToMapValueOrNull,
		ReturnRegionTemplate: region.Region{
			Kind: region.KindMapValue, SizeMin: 4, SizeMax: 4, SizeExact: true, AllowArithmetic: true, Writable: true,
		},
	}))
	res, err := Verify(encode(program), cfg)
	require.NoError(t, err)
	require.Equal(t, ResultAccept, res.Kind())
}
