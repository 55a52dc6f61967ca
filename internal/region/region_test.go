package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaAllocAndGet(t *testing.T) {
	a := NewArena()
	id := a.Alloc(Region{Kind: KindStack, SizeMin: 512, SizeMax: 512, SizeExact: true, AllowArithmetic: true, Writable: true})
	r, version, ok := a.Get(id)
	require.True(t, ok)
	require.Equal(t, KindStack, r.Kind)
	require.Zero(t, version)
}

func TestInvalidateBumpsVersionAndFailsCheck(t *testing.T) {
	a := NewArena()
	id := a.Alloc(Region{Kind: KindPacketData, SizeMin: 64, SizeMax: 1500})
	v0 := a.CurrentVersion(id)

	ok, _ := a.CheckVersion(id, v0)
	require.True(t, ok)

	a.Invalidate(id, "packet moved")
	ok, reason := a.CheckVersion(id, v0)
	require.False(t, ok)
	require.Equal(t, "packet moved", reason)
}

func TestInBoundsIsConservativeOnDynamicSize(t *testing.T) {
	r := Region{SizeMin: 10, SizeMax: 1500}
	require.True(t, r.InBounds(0, 10))
	require.False(t, r.InBounds(0, 11))
	require.False(t, r.InBounds(-1, 1))
}

func TestCloneIsIndependent(t *testing.T) {
	a := NewArena()
	id := a.Alloc(Region{Kind: KindHeapObject, SizeMin: 8, SizeMax: 8, SizeExact: true})
	b := a.Clone()
	b.Invalidate(id, "freed on the clone only")

	_, reason := b.CheckVersion(id, 0)
	require.Equal(t, "freed on the clone only", reason)

	ok, _ := a.CheckVersion(id, 0)
	require.True(t, ok)
}
