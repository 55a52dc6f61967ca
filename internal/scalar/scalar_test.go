package scalar

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExactIsConsistent(t *testing.T) {
	s := Exact(42)
	r, ok := s.SyncBounds()
	require.True(t, ok)
	require.Equal(t, uint64(42), r.UMin)
	require.Equal(t, uint64(42), r.UMax)
	require.Equal(t, int64(42), r.SMin)
	require.Zero(t, r.Tnum.Value&r.Tnum.Mask)
}

func TestUnknownIsConsistent(t *testing.T) {
	s := Unknown()
	r, ok := s.SyncBounds()
	require.True(t, ok)
	require.True(t, r.Contains(0))
	require.True(t, r.Contains(^uint64(0)))
}

func TestNarrowEmptyIntersection(t *testing.T) {
	a := Exact(1)
	b := Exact(2)
	_, ok := Narrow(a, b)
	require.False(t, ok)
}

func TestNarrowNonEmptyIntersection(t *testing.T) {
	a := Unknown()
	b, ok := Narrow(a, Exact(10))
	require.True(t, ok)
	require.True(t, b.Contains(10))
	require.False(t, b.Contains(11))
}

func concreteMembers(s Scalar, rng *rand.Rand, n int) []uint64 {
	out := make([]uint64, 0, n)
	attempts := 0
	for len(out) < n && attempts < n*50 {
		attempts++
		free := rng.Uint64() & s.Tnum.Mask
		v := s.Tnum.Value | free
		if s.Contains(v) {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		out = append(out, s.Tnum.Value)
	}
	return out
}

func TestSoundnessOfArithmetic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	seeds := []Scalar{
		Exact(3),
		Exact(100),
		func() Scalar { s, _ := Narrow(Unknown(), Exact(0)); return s }(),
	}
	rangeSeed, ok := func() (Scalar, bool) {
		s := Unknown()
		s.UMin, s.UMax = 0, 1000
		s.SMin, s.SMax = 0, 1000
		return s.SyncBounds()
	}()
	require.True(t, ok)
	seeds = append(seeds, rangeSeed)

	ops := []struct {
		name     string
		abstract func(a, b Scalar) Scalar
		concrete func(a, b uint64) uint64
	}{
		{"add", Add, func(a, b uint64) uint64 { return a + b }},
		{"sub", Sub, func(a, b uint64) uint64 { return a - b }},
		{"and", And, func(a, b uint64) uint64 { return a & b }},
		{"or", Or, func(a, b uint64) uint64 { return a | b }},
		{"xor", Xor, func(a, b uint64) uint64 { return a ^ b }},
	}

	for _, op := range ops {
		for _, a := range seeds {
			for _, b := range seeds {
				result := op.abstract(a, b)
				for _, a0 := range concreteMembers(a, rng, 10) {
					for _, b0 := range concreteMembers(b, rng, 5) {
						got := op.concrete(a0, b0)
						require.Truef(t, result.Contains(got),
							"%s(%d,%d)=%d not in abstract result", op.name, a0, b0, got)
					}
				}
			}
		}
	}
}

func TestShiftInRangeRejectsOverWidth(t *testing.T) {
	require.False(t, ShiftInRange(Exact(64), 64))
	require.False(t, ShiftInRange(Exact(65), 32))
	require.True(t, ShiftInRange(Exact(10), 64))
}

func TestNegIsArithmeticNegation(t *testing.T) {
	n := Neg(Exact(5))
	require.True(t, n.Contains(uint64(int64(-5))))
}

func TestZeroExtend32ClearsUpperHalf(t *testing.T) {
	s := Exact(0xffffffff00000001)
	z := ZeroExtend32(s)
	require.True(t, z.Contains(1))
	require.False(t, z.Contains(0xffffffff00000001))
}
