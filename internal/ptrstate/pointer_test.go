package ptrstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bpfverify/internal/scalar"
)

func TestAddPreservesAttrsAndLineage(t *testing.T) {
	p := Pointer{Region: 3, Offset: scalar.Exact(0), Attrs: Attrs{Arith: ArithAllowed}, ID: 9}
	out := Add(p, scalar.Exact(8))
	require.Equal(t, p.Region, out.Region)
	require.Equal(t, p.ID, out.ID)
	require.True(t, out.Offset.Contains(8))
}

func TestSubPointerRequiresSameRegionAndLeaksAllowed(t *testing.T) {
	a := Pointer{Region: 1, Offset: scalar.Exact(16)}
	b := Pointer{Region: 1, Offset: scalar.Exact(8)}

	_, err := SubPointer(a, b, false)
	require.Error(t, err)

	diff, err := SubPointer(a, b, true)
	require.NoError(t, err)
	require.True(t, diff.Contains(8))

	c := Pointer{Region: 2, Offset: scalar.Exact(8)}
	_, err = SubPointer(a, c, true)
	require.Error(t, err)
}

func TestNullCheckNarrowing(t *testing.T) {
	p := Pointer{Attrs: Attrs{Null: MaybeNull}}
	require.Equal(t, DefinitelyNull, NullCheckTrue(p).Attrs.Null)
	require.Equal(t, NonNull, NullCheckFalse(p).Attrs.Null)
	require.False(t, MayDeref(NullCheckTrue(p)))
	require.True(t, MayDeref(NullCheckFalse(p)))
}
