package alu

import (
	"testing"

	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/require"

	"bpfverify/internal/insn"
	"bpfverify/internal/ptrstate"
	"bpfverify/internal/region"
	"bpfverify/internal/scalar"
	"bpfverify/internal/value"
)

func alu64(op asm.ALUOp, source asm.Source) insn.Insn {
	return insn.Insn{Class: asm.ALU64Class, ALUOp: op, Source: source}
}

func TestApplyAddScalars(t *testing.T) {
	dst := value.FromScalar(scalar.Exact(3))
	src := value.FromScalar(scalar.Exact(4))
	out, err := Apply(alu64(asm.Add, asm.RegSource), dst, src, region.NewArena(), Options{})
	require.NoError(t, err)
	require.True(t, out.Scalar.Contains(7))
}

func TestApplyMovImmCreatesFreshExact(t *testing.T) {
	out, err := Apply(alu64(asm.Mov, asm.ImmSource), value.Uninitialized(), value.TrackedValue{}, region.NewArena(), Options{})
	require.NoError(t, err)
	require.True(t, out.IsScalar())
}

func TestApplyMovRegCopiesPointerLineage(t *testing.T) {
	p := ptrstate.Pointer{Region: 2, ID: 99, Offset: scalar.Exact(0)}
	src := value.FromPointer(p)
	out, err := Apply(alu64(asm.Mov, asm.RegSource), value.Uninitialized(), src, region.NewArena(), Options{})
	require.NoError(t, err)
	require.True(t, out.IsPointer())
	require.Equal(t, uint32(99), out.Pointer.ID)
}

func Test32BitMovOfPointerRejected(t *testing.T) {
	i := insn.Insn{Class: asm.ALUClass, ALUOp: asm.Mov, Source: asm.RegSource}
	p := value.FromPointer(ptrstate.Pointer{Region: 1})
	_, err := Apply(i, value.Uninitialized(), p, region.NewArena(), Options{})
	require.Error(t, err)
}

func TestApplyNegIsArithmeticNegation(t *testing.T) {
	dst := value.FromScalar(scalar.Exact(5))
	out, err := Apply(insn.Insn{Class: asm.ALU64Class, ALUOp: asm.Neg}, dst, value.TrackedValue{}, region.NewArena(), Options{})
	require.NoError(t, err)
	require.True(t, out.Scalar.Contains(uint64(int64(-5))))
}

func TestApplyDivByPossiblyZeroRejectedByDefault(t *testing.T) {
	dst := value.FromScalar(scalar.Exact(10))
	src := value.FromScalar(scalar.Unknown())
	_, err := Apply(alu64(asm.Div, asm.RegSource), dst, src, region.NewArena(), Options{DivZero: DivZeroReject})
	require.Error(t, err)

	out, err := Apply(alu64(asm.Div, asm.RegSource), dst, src, region.NewArena(), Options{DivZero: DivZeroRewriteToZero})
	require.NoError(t, err)
	require.True(t, out.IsScalar())
}

func TestApplyShiftOutOfRangeRejected(t *testing.T) {
	dst := value.FromScalar(scalar.Exact(1))
	src := value.FromScalar(scalar.Exact(64))
	_, err := Apply(alu64(asm.Lsh, asm.RegSource), dst, src, region.NewArena(), Options{})
	require.Error(t, err)
}

func TestApplyPointerPlusScalar(t *testing.T) {
	a := region.NewArena()
	id := a.Alloc(region.Region{Kind: region.KindStack, SizeMin: 512, SizeMax: 512, SizeExact: true, AllowArithmetic: true})
	p := value.FromPointer(ptrstate.Pointer{Region: id, Offset: scalar.Exact(0), Attrs: ptrstate.Attrs{Arith: ptrstate.ArithAllowed}})
	off := value.FromScalar(scalar.Exact(8))
	out, err := Apply(alu64(asm.Add, asm.RegSource), p, off, a, Options{})
	require.NoError(t, err)
	require.True(t, out.IsPointer())
	require.True(t, out.Pointer.Offset.Contains(8))
}

func TestApplyPointerMinusPointerRequiresSameRegionAndLeaks(t *testing.T) {
	a := region.NewArena()
	id := a.Alloc(region.Region{Kind: region.KindStack, SizeMin: 512, SizeMax: 512, SizeExact: true})
	p1 := value.FromPointer(ptrstate.Pointer{Region: id, Offset: scalar.Exact(16)})
	p2 := value.FromPointer(ptrstate.Pointer{Region: id, Offset: scalar.Exact(8)})

	_, err := Apply(alu64(asm.Sub, asm.RegSource), p1, p2, a, Options{AllowPtrLeaks: false})
	require.Error(t, err)

	out, err := Apply(alu64(asm.Sub, asm.RegSource), p1, p2, a, Options{AllowPtrLeaks: true})
	require.NoError(t, err)
	require.True(t, out.IsScalar())
	require.True(t, out.Scalar.Contains(8))
}

func TestApplyPointerPlusPointerRejected(t *testing.T) {
	a := region.NewArena()
	id := a.Alloc(region.Region{Kind: region.KindStack, SizeMin: 512, SizeMax: 512})
	p1 := value.FromPointer(ptrstate.Pointer{Region: id})
	p2 := value.FromPointer(ptrstate.Pointer{Region: id})
	_, err := Apply(alu64(asm.Add, asm.RegSource), p1, p2, a, Options{})
	require.Error(t, err)
}

func TestApplyAtomicAddCollapsesToUnknown(t *testing.T) {
	mem := value.FromScalar(scalar.Exact(1))
	operand := value.FromScalar(scalar.Exact(2))
	newMem, fetched, err := ApplyAtomic(AtomicAdd, mem, operand, true)
	require.NoError(t, err)
	require.True(t, newMem.IsScalar())
	require.True(t, fetched.IsScalar())
}

func TestApplyAtomicOnPointerRejected(t *testing.T) {
	mem := value.FromPointer(ptrstate.Pointer{})
	_, _, err := ApplyAtomic(AtomicAdd, mem, value.FromScalar(scalar.Exact(1)), false)
	require.Error(t, err)
}
