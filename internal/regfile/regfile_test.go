package regfile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bpfverify/internal/insn"
	"bpfverify/internal/ptrstate"
	"bpfverify/internal/region"
	"bpfverify/internal/scalar"
	"bpfverify/internal/value"
)

func TestRegisterFileR10ReadsFrameBaseAndRejectsWrite(t *testing.T) {
	base := ptrstate.Pointer{Region: 0, Offset: scalar.Exact(0)}
	rf := NewRegisterFile(base)

	v, err := rf.Read(insn.R10)
	require.NoError(t, err)
	require.True(t, v.IsPointer())
	require.Equal(t, base.Region, v.Pointer.Region)

	require.Error(t, rf.Write(insn.R10, value.FromScalar(scalar.Exact(1))))
}

func TestRegisterFileReadUninitializedFails(t *testing.T) {
	rf := NewRegisterFile(ptrstate.Pointer{})
	_, err := rf.Read(insn.R1)
	require.Error(t, err)
}

func TestRegisterFileWriteThenRead(t *testing.T) {
	rf := NewRegisterFile(ptrstate.Pointer{})
	require.NoError(t, rf.Write(insn.R1, value.FromScalar(scalar.Exact(42))))
	v, err := rf.Read(insn.R1)
	require.NoError(t, err)
	require.True(t, v.IsScalar())
	require.True(t, v.Scalar.Contains(42))
}

func TestRegisterFileInvalidateThenReadFails(t *testing.T) {
	rf := NewRegisterFile(ptrstate.Pointer{})
	require.NoError(t, rf.Write(insn.R2, value.FromScalar(scalar.Exact(1))))
	rf.Invalidate(insn.R2, "map value freed")
	_, err := rf.Read(insn.R2)
	require.Error(t, err)
}

func TestRegisterFileCloneIsIndependent(t *testing.T) {
	rf := NewRegisterFile(ptrstate.Pointer{})
	require.NoError(t, rf.Write(insn.R3, value.FromScalar(scalar.Exact(7))))
	clone := rf.Clone()
	require.NoError(t, clone.Write(insn.R3, value.FromScalar(scalar.Exact(9))))

	v, _ := rf.Read(insn.R3)
	require.True(t, v.Scalar.Contains(7))
	require.False(t, v.Scalar.Contains(9))
}

var plainStack = region.Region{Kind: region.KindStack, SizeMin: 512, SizeMax: 512, SizeExact: true, Writable: true, AllowPointerSpill: true}

func TestStackFrameCleanSpillRoundTrips(t *testing.T) {
	f := NewStackFrame(512)
	v := value.FromScalar(scalar.Exact(123))
	require.NoError(t, f.Store(496, 8, v, plainStack))

	got, err := f.Load(496, 8, plainStack)
	require.NoError(t, err)
	require.True(t, got.IsScalar())
	require.True(t, got.Scalar.Contains(123))
}

func TestStackFramePointerSpillRequiresPermission(t *testing.T) {
	f := NewStackFrame(512)
	noSpill := region.Region{Kind: region.KindStack, SizeMin: 512, SizeMax: 512, SizeExact: true, Writable: true}
	p := value.FromPointer(ptrstate.Pointer{Region: 1, Offset: scalar.Exact(0)})
	require.Error(t, f.Store(8, 8, p, noSpill))
	require.NoError(t, f.Store(8, 8, p, plainStack))
}

func TestStackFramePartialOverwriteInvalidatesSpill(t *testing.T) {
	f := NewStackFrame(512)
	require.NoError(t, f.Store(0, 8, value.FromScalar(scalar.Exact(1)), plainStack))
	require.NoError(t, f.Store(0, 1, value.FromScalar(scalar.Exact(2)), plainStack))

	// The clean spill at offset 0 is gone, but every byte in range is
	// still a plain DataByte, so a full-width read degrades to an
	// unknown scalar instead of the exact value 1 it used to return.
	got, err := f.Load(0, 8, plainStack)
	require.NoError(t, err)
	require.True(t, got.IsScalar())
	require.False(t, got.Scalar.Contains(1) && got.Scalar.Tnum.IsConst())

	got, err = f.Load(1, 1, plainStack)
	require.NoError(t, err)
	require.True(t, got.IsScalar())
}

func TestStackFrameUninitializedReadRejected(t *testing.T) {
	f := NewStackFrame(512)
	_, err := f.Load(0, 4, plainStack)
	require.Error(t, err)
}

func TestStackFrameMisalignedRejectedUnlessPermitted(t *testing.T) {
	f := NewStackFrame(512)
	require.NoError(t, f.Store(0, 4, value.FromScalar(scalar.Exact(1)), plainStack))
	_, err := f.Load(1, 2, plainStack)
	require.Error(t, err)

	unaligned := plainStack
	unaligned.AllowUnaligned = true
	require.NoError(t, f.Store(0, 4, value.FromScalar(scalar.Exact(1)), unaligned))
	_, err = f.Load(1, 2, unaligned)
	require.NoError(t, err)
}

func TestStackFramePartialReadOfPointerSpillRejected(t *testing.T) {
	f := NewStackFrame(512)
	p := value.FromPointer(ptrstate.Pointer{Region: 1, Offset: scalar.Exact(0)})
	require.NoError(t, f.Store(0, 8, p, plainStack))
	_, err := f.Load(0, 4, plainStack)
	require.Error(t, err)
}

func TestStackFrameOutOfBoundsRejected(t *testing.T) {
	f := NewStackFrame(512)
	require.Error(t, f.Store(510, 8, value.FromScalar(scalar.Exact(1)), plainStack))
	_, err := f.Load(-1, 1, plainStack)
	require.Error(t, err)
}
