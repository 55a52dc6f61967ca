package tnum

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInvariantHolds(t *testing.T) {
	cases := []Tnum{
		Const(0), Const(1), Unknown(),
		Join(Const(3), Const(5)),
		Add(Unknown(), Const(1)),
		Mul(Unknown(), Const(4)),
	}
	for _, tn := range cases {
		require.Zero(t, tn.Value&tn.Mask, "value/mask must not overlap: %+v", tn)
	}
}

func TestConstRoundtrip(t *testing.T) {
	tn := Const(1234)
	require.True(t, tn.IsConst())
	require.Equal(t, uint64(1234), tn.ConstValue())
	require.True(t, tn.Contains(1234))
	require.False(t, tn.Contains(1235))
}

func TestRangeCoversBounds(t *testing.T) {
	r := Range(10, 13)
	require.True(t, r.Contains(10))
	require.True(t, r.Contains(13))
	require.Zero(t, r.Value&r.Mask)
}

func TestJoinIsSuperset(t *testing.T) {
	a := Const(3)
	b := Const(5)
	j := Join(a, b)
	require.True(t, j.Contains(3))
	require.True(t, j.Contains(5))
}

// concreteMembers enumerates the (bounded) concretization of a tnum by
// sampling random assignments of its unknown bits, per spec.md §8's
// "drawing random concrete values within the abstract sets" methodology.
func concreteMembers(t Tnum, rng *rand.Rand, n int) []uint64 {
	out := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		free := rng.Uint64() & t.Mask
		out = append(out, t.Value|free)
	}
	return out
}

func TestSoundnessOfBinaryOps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ops := []struct {
		name     string
		abstract func(a, b Tnum) Tnum
		concrete func(a, b uint64) uint64
	}{
		{"add", Add, func(a, b uint64) uint64 { return a + b }},
		{"sub", Sub, func(a, b uint64) uint64 { return a - b }},
		{"and", And, func(a, b uint64) uint64 { return a & b }},
		{"or", Or, func(a, b uint64) uint64 { return a | b }},
		{"xor", Xor, func(a, b uint64) uint64 { return a ^ b }},
		{"mul", Mul, func(a, b uint64) uint64 { return a * b }},
	}

	seeds := []Tnum{
		Unknown(),
		Const(7),
		{Value: 0x10, Mask: 0x0f},
		{Value: 0xf0, Mask: 0x0f},
	}

	for _, op := range ops {
		for _, a := range seeds {
			for _, b := range seeds {
				abstractResult := op.abstract(a, b)
				require.Zerof(t, abstractResult.Value&abstractResult.Mask, "%s produced invalid tnum", op.name)

				for _, a0 := range concreteMembers(a, rng, 20) {
					for _, b0 := range concreteMembers(b, rng, 5) {
						got := op.concrete(a0, b0)
						require.Truef(t, abstractResult.Contains(got),
							"%s(%#x,%#x)=%#x not contained in abstract result {%#x,%#x}",
							op.name, a0, b0, got, abstractResult.Value, abstractResult.Mask)
					}
				}
			}
		}
	}
}

func TestShiftsSoundness(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	seeds := []Tnum{Unknown(), Const(0x80), {Value: 0x100, Mask: 0x0ff}}
	for _, a := range seeds {
		for shift := uint(0); shift < 8; shift++ {
			lsh := Lsh(a, shift)
			rsh := Rsh(a, shift)
			arsh := Arsh(a, shift, 64)
			for _, a0 := range concreteMembers(a, rng, 30) {
				require.True(t, lsh.Contains(a0<<shift))
				require.True(t, rsh.Contains(a0>>shift))
				require.True(t, arsh.Contains(uint64(int64(a0)>>shift)))
			}
		}
	}
}
