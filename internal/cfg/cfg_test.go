package cfg

import (
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/require"

	"bpfverify/internal/insn"
)

func mov64(dst insn.Reg, imm int32, pc int) insn.Insn {
	return insn.Insn{PC: pc, Class: asm.ALU64Class, ALUOp: asm.Mov, Source: asm.ImmSource, Dst: dst, Imm: imm}
}

func exitInsn(pc int) insn.Insn {
	return insn.Insn{PC: pc, Class: asm.JumpClass, JumpOp: asm.Exit}
}

func ja(pc int, offset int16) insn.Insn {
	return insn.Insn{PC: pc, Class: asm.JumpClass, JumpOp: asm.Ja, Offset: offset}
}

func jeq(pc int, offset int16) insn.Insn {
	return insn.Insn{PC: pc, Class: asm.JumpClass, JumpOp: asm.JEq, Offset: offset}
}

func callLocal(pc int, offset int16) insn.Insn {
	return insn.Insn{PC: pc, Class: asm.JumpClass, JumpOp: asm.Call, Source: asm.ImmSource, Pseudo: insn.PseudoCallLocal, Offset: offset}
}

func TestBuildStraightLineProgram(t *testing.T) {
	insns := []insn.Insn{mov64(insn.R0, 0, 0), exitInsn(1)}
	g, err := Build(insns)
	require.NoError(t, err)
	require.Len(t, g.Subprogs(), 1)
	require.Equal(t, []int{1}, g.Successors(0))
	require.Nil(t, g.Successors(1))
}

func TestBuildRejectsUnreachableInstruction(t *testing.T) {
	insns := []insn.Insn{ja(0, 1), mov64(insn.R0, 0, 1), exitInsn(2)}
	_, err := Build(insns)
	require.Error(t, err)
}

func TestBuildRejectsJumpOutOfSubprog(t *testing.T) {
	insns := []insn.Insn{
		callLocal(0, 1), // subprog at pc 2
		exitInsn(1),
		jeq(2, 5), // target pc 8, out of range entirely
		exitInsn(3),
	}
	_, err := Build(insns)
	require.Error(t, err)
}

func TestBuildRejectsMissingTerminator(t *testing.T) {
	insns := []insn.Insn{mov64(insn.R0, 0, 0)}
	_, err := Build(insns)
	require.Error(t, err)
}

func TestBuildSegmentsSubprogsOnPseudoCall(t *testing.T) {
	insns := []insn.Insn{
		callLocal(0, 1), // calls pc 2
		exitInsn(1),
		mov64(insn.R0, 7, 2),
		exitInsn(3),
	}
	g, err := Build(insns)
	require.NoError(t, err)
	require.Len(t, g.Subprogs(), 2)

	sp0, ok := g.SubprogContaining(0)
	require.True(t, ok)
	require.Equal(t, 0, sp0.Entry)

	sp1, ok := g.SubprogContaining(2)
	require.True(t, ok)
	require.Equal(t, 2, sp1.Entry)
}

func TestBuildConditionalJumpHasTwoSuccessors(t *testing.T) {
	insns := []insn.Insn{
		jeq(0, 1), // target = nextPC(0)+1 = 1+1 = 2
		mov64(insn.R0, 1, 1),
		exitInsn(2),
	}
	g, err := Build(insns)
	require.NoError(t, err)
	succs := g.Successors(0)
	require.ElementsMatch(t, []int{1, 2}, succs)
}

func TestBuildFlagsTailCall(t *testing.T) {
	insns := []insn.Insn{
		{PC: 0, Class: asm.JumpClass, JumpOp: asm.Call, Source: asm.ImmSource, Pseudo: insn.PseudoHelperCall, Imm: tailCallHelperID},
		exitInsn(1),
	}
	g, err := Build(insns)
	require.NoError(t, err)
	require.True(t, g.Subprogs()[0].HasTailCall)
}
