// Package scalar implements the scalar abstract domain from spec.md §4.C:
// a tnum paired with four interval pairs (signed/unsigned, 64/32-bit),
// kept in mutual consistency by SyncBounds. Like internal/tnum, this is a
// closed custom numeric domain with no natural third-party library home
// (not even github.com/cilium/ebpf ships it — tnum/interval tracking is
// kernel-verifier-internal, never exposed as a reusable Go package).
package scalar

import (
	"math"

	"bpfverify/internal/tnum"
)

// Scalar is the 7-field abstract scalar state from spec.md §3.
type Scalar struct {
	Tnum  tnum.Tnum
	SMin  int64
	SMax  int64
	UMin  uint64
	UMax  uint64
	S32Min int32
	S32Max int32
	U32Min uint32
	U32Max uint32
}

// Exact returns the scalar pinpointing the single concrete value c.
func Exact(c uint64) Scalar {
	s := Scalar{
		Tnum: tnum.Const(c),
		SMin: int64(c), SMax: int64(c),
		UMin: c, UMax: c,
		S32Min: int32(uint32(c)), S32Max: int32(uint32(c)),
		U32Min: uint32(c), U32Max: uint32(c),
	}
	return s
}

// Unknown returns the scalar representing every possible u64.
func Unknown() Scalar {
	return Scalar{
		Tnum: tnum.Unknown(),
		SMin: math.MinInt64, SMax: math.MaxInt64,
		UMin: 0, UMax: math.MaxUint64,
		S32Min: math.MinInt32, S32Max: math.MaxInt32,
		U32Min: 0, U32Max: math.MaxUint32,
	}
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
func maxI32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
func minI32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// SyncBounds iteratively tightens the tnum and all four interval pairs
// against each other until a fixed point, per spec.md §4.C. It returns
// false if the fields are mutually unsatisfiable (no concrete u64 can
// satisfy all of them simultaneously) — callers treat that as an
// infeasible branch, not a crash.
func (s Scalar) SyncBounds() (Scalar, bool) {
	for i := 0; i < 8; i++ {
		before := s

		// tnum -> unsigned bounds: clearing (resp. setting) every
		// unknown bit gives the tightest achievable min (resp. max)
		// consistent with the known bits.
		tMin := s.Tnum.Value
		tMax := s.Tnum.Value | s.Tnum.Mask
		s.UMin = maxU64(s.UMin, tMin)
		s.UMax = minU64(s.UMax, tMax)

		if s.UMin > s.UMax {
			return s, false
		}

		// unsigned bounds -> tnum: bits that are fixed across the whole
		// [UMin,UMax] span are knowable.
		s.Tnum = tnum.Join(s.Tnum, tnum.Range(s.UMin, s.UMax))
		// tnum.Join above only widens; narrow back down using the
		// interval-derived tnum directly intersected bit by bit against
		// the existing one so known bits from either source are kept.
		rangeTn := tnum.Range(s.UMin, s.UMax)
		narrowedMask := s.Tnum.Mask & rangeTn.Mask
		narrowedValue := s.Tnum.Value &^ narrowedMask
		if narrowedValue&^rangeTn.Mask != rangeTn.Value&^rangeTn.Mask {
			// disagreement between the two sources on a bit both claim
			// to know: unsatisfiable.
			return s, false
		}
		s.Tnum = tnum.Tnum{Value: narrowedValue, Mask: narrowedMask}

		// signed <-> unsigned crossover: only valid once the sign bit is
		// pinned down by the unsigned range (i.e. umin and umax agree on
		// bit 63), otherwise the signed and unsigned views overlap two
		// disjoint concrete ranges and can't be merged.
		const signBit = uint64(1) << 63
		if (s.UMin&signBit == 0) == (s.UMax&signBit == 0) {
			s.SMin = maxI64(s.SMin, int64(s.UMin))
			s.SMax = minI64(s.SMax, int64(s.UMax))
		}
		if s.SMin >= 0 && s.SMax >= 0 {
			s.UMin = maxU64(s.UMin, uint64(s.SMin))
			s.UMax = minU64(s.UMax, uint64(s.SMax))
		}
		if s.SMin > s.SMax {
			return s, false
		}

		// 32-bit projections: clamp into the low 32 bits from the tnum.
		t32Min := uint32(s.Tnum.Value)
		t32Max := uint32(s.Tnum.Value | s.Tnum.Mask)
		s.U32Min = maxU32(s.U32Min, t32Min)
		s.U32Max = minU32(s.U32Max, t32Max)
		if s.U32Min > s.U32Max {
			return s, false
		}
		const signBit32 = uint32(1) << 31
		if (s.U32Min&signBit32 == 0) == (s.U32Max&signBit32 == 0) {
			s.S32Min = maxI32(s.S32Min, int32(s.U32Min))
			s.S32Max = minI32(s.S32Max, int32(s.U32Max))
		}
		if s.S32Min >= 0 && s.S32Max >= 0 {
			s.U32Min = maxU32(s.U32Min, uint32(s.S32Min))
			s.U32Max = minU32(s.U32Max, uint32(s.S32Max))
		}
		if s.S32Min > s.S32Max {
			return s, false
		}

		if before == s {
			break
		}
	}
	return s, true
}

// Contains reports whether v is consistent with every one of s's fields
// simultaneously, i.e. whether v is a member of s's concretization.
func (s Scalar) Contains(v uint64) bool {
	return s.Tnum.Contains(v) &&
		v >= s.UMin && v <= s.UMax &&
		int64(v) >= s.SMin && int64(v) <= s.SMax &&
		uint32(v) >= s.U32Min && uint32(v) <= s.U32Max &&
		int32(uint32(v)) >= s.S32Min && int32(uint32(v)) <= s.S32Max
}

// Narrow intersects two scalars field by field, returning ok=false if
// the intersection is empty — the mechanism branch narrowing
// (internal/jump) uses to detect an infeasible edge.
func Narrow(a, b Scalar) (Scalar, bool) {
	// a bit known in both tnums but with different values: no common member
	if (a.Tnum.Value^b.Tnum.Value)&^(a.Tnum.Mask|b.Tnum.Mask) != 0 {
		return Scalar{}, false
	}
	out := Scalar{
		Tnum: tnum.Tnum{
			Value: a.Tnum.Value | b.Tnum.Value,
			Mask:  a.Tnum.Mask & b.Tnum.Mask,
		},
		SMin: maxI64(a.SMin, b.SMin), SMax: minI64(a.SMax, b.SMax),
		UMin: maxU64(a.UMin, b.UMin), UMax: minU64(a.UMax, b.UMax),
		S32Min: maxI32(a.S32Min, b.S32Min), S32Max: minI32(a.S32Max, b.S32Max),
		U32Min: maxU32(a.U32Min, b.U32Min), U32Max: minU32(a.U32Max, b.U32Max),
	}
	if out.Tnum.Value&out.Tnum.Mask != 0 {
		return Scalar{}, false
	}
	return out.SyncBounds()
}

func add64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// Add returns the scalar over-approximating a+b.
func Add(a, b Scalar) Scalar {
	out := Scalar{Tnum: tnum.Add(a.Tnum, b.Tnum)}
	smin, okMin := add64(a.SMin, b.SMin)
	smax, okMax := add64(a.SMax, b.SMax)
	if okMin && okMax {
		out.SMin, out.SMax = smin, smax
	} else {
		out.SMin, out.SMax = math.MinInt64, math.MaxInt64 // a bound overflowed: sums may wrap anywhere
	}
	if a.UMax <= math.MaxUint64-b.UMax {
		out.UMin = a.UMin + b.UMin
		out.UMax = a.UMax + b.UMax
	} else {
		out.UMin, out.UMax = 0, math.MaxUint64 // unsigned wraparound: can't assert a floor or ceiling
	}
	out.S32Min, out.S32Max = math.MinInt32, math.MaxInt32
	out.U32Min, out.U32Max = 0, math.MaxUint32
	if r, ok := out.SyncBounds(); ok {
		return r
	}
	return Unknown()
}

// Sub returns the scalar over-approximating a-b.
func Sub(a, b Scalar) Scalar {
	out := Scalar{Tnum: tnum.Sub(a.Tnum, b.Tnum)}
	out.SMin, out.SMax = math.MinInt64, math.MaxInt64
	if b.SMin != math.MinInt64 {
		smin, okMin := add64(a.SMin, -b.SMax)
		smax, okMax := add64(a.SMax, -b.SMin)
		if okMin && okMax {
			out.SMin, out.SMax = smin, smax
		}
	}
	if a.UMin >= b.UMax {
		out.UMin = a.UMin - b.UMax
		out.UMax = a.UMax - b.UMin
	} else {
		out.UMin, out.UMax = 0, math.MaxUint64 // some differences wrap below zero
	}
	out.S32Min, out.S32Max = math.MinInt32, math.MaxInt32
	out.U32Min, out.U32Max = 0, math.MaxUint32
	if r, ok := out.SyncBounds(); ok {
		return r
	}
	return Unknown()
}

// Mul returns the scalar over-approximating a*b, conservatively falling
// back to a wide unsigned bound derived from the operand magnitudes
// whenever a tight interval isn't derivable, and otherwise tracking the
// tnum precisely via internal/tnum's shift-add construction.
func Mul(a, b Scalar) Scalar {
	out := Scalar{Tnum: tnum.Mul(a.Tnum, b.Tnum)}
	out.SMin, out.SMax = math.MinInt64, math.MaxInt64
	if a.UMax != 0 && b.UMax != 0 && a.UMax <= math.MaxUint64/b.UMax {
		out.UMax = a.UMax * b.UMax
	} else {
		out.UMax = math.MaxUint64
	}
	out.UMin = 0
	if a.UMin != 0 && b.UMin != 0 {
		out.UMin = a.UMin * b.UMin
		if out.UMin/a.UMin != b.UMin {
			out.UMin = 0 // overflowed, can't assert a floor
		}
	}
	out.S32Min, out.S32Max = math.MinInt32, math.MaxInt32
	out.U32Min, out.U32Max = 0, math.MaxUint32
	if r, ok := out.SyncBounds(); ok {
		return r
	}
	return Unknown()
}

// And returns the scalar over-approximating a&b.
func And(a, b Scalar) Scalar { return fromTnum(tnum.And(a.Tnum, b.Tnum)) }

// Or returns the scalar over-approximating a|b.
func Or(a, b Scalar) Scalar { return fromTnum(tnum.Or(a.Tnum, b.Tnum)) }

// Xor returns the scalar over-approximating a^b.
func Xor(a, b Scalar) Scalar { return fromTnum(tnum.Xor(a.Tnum, b.Tnum)) }

func fromTnum(t tnum.Tnum) Scalar {
	out := Scalar{
		Tnum: t,
		SMin: math.MinInt64, SMax: math.MaxInt64,
		UMin: t.Value, UMax: t.Value | t.Mask,
		S32Min: math.MinInt32, S32Max: math.MaxInt32,
		U32Min: uint32(t.Value), U32Max: uint32(t.Value | t.Mask),
	}
	if r, ok := out.SyncBounds(); ok {
		return r
	}
	return Unknown()
}

// ShiftInRange reports whether every concrete possibility of the shift
// amount scalar is within [0, width), as required before Lsh/Rsh/Arsh
// may be applied (spec.md §4.C: "Shifts reject when the shift amount's
// concrete possibilities exceed the operand width").
func ShiftInRange(amount Scalar, width uint64) bool {
	return amount.UMin < width && amount.UMax < width
}

// Lsh returns the scalar over-approximating a logical left shift of a by
// every concrete value in amount. Caller must have verified
// ShiftInRange(amount, width) first.
func Lsh(a Scalar, amount Scalar) Scalar {
	return joinOverShiftAmounts(amount, func(shift uint) Scalar {
		return fromTnum(tnum.Lsh(a.Tnum, shift))
	})
}

// Rsh returns the scalar over-approximating a logical right shift of a
// by every concrete value in amount.
func Rsh(a Scalar, amount Scalar) Scalar {
	return joinOverShiftAmounts(amount, func(shift uint) Scalar {
		return fromTnum(tnum.Rsh(a.Tnum, shift))
	})
}

// Arsh returns the scalar over-approximating an arithmetic right shift
// of a by every concrete value in amount, over a register of the given
// bit width (32 or 64).
func Arsh(a Scalar, amount Scalar, width uint) Scalar {
	return joinOverShiftAmounts(amount, func(shift uint) Scalar {
		return fromTnum(tnum.Arsh(a.Tnum, shift, width))
	})
}

// joinOverShiftAmounts evaluates f at every concrete shift amount in
// amount's range and joins the results, or just at the single concrete
// amount when amount is exact.
func joinOverShiftAmounts(amount Scalar, f func(shift uint) Scalar) Scalar {
	if amount.Tnum.IsConst() {
		return f(uint(amount.Tnum.ConstValue()))
	}
	acc := f(uint(amount.UMin))
	for shift := amount.UMin + 1; shift <= amount.UMax; shift++ {
		acc = joinScalar(acc, f(uint(shift)))
	}
	return acc
}

func joinScalar(a, b Scalar) Scalar {
	out := Scalar{
		Tnum:   tnum.Join(a.Tnum, b.Tnum),
		SMin:   minI64(a.SMin, b.SMin),
		SMax:   maxI64(a.SMax, b.SMax),
		UMin:   minU64(a.UMin, b.UMin),
		UMax:   maxU64(a.UMax, b.UMax),
		S32Min: minI32(a.S32Min, b.S32Min),
		S32Max: maxI32(a.S32Max, b.S32Max),
		U32Min: minU32(a.U32Min, b.U32Min),
		U32Max: maxU32(a.U32Max, b.U32Max),
	}
	if r, ok := out.SyncBounds(); ok {
		return r
	}
	return Unknown()
}

// Neg returns the scalar over-approximating arithmetic negation (-a),
// per spec.md §4.G's "NEG is DST := -DST (arithmetic negation)".
func Neg(a Scalar) Scalar { return Sub(Exact(0), a) }

// ZeroExtend32 clears the upper 32 bits, per spec.md §4.G's "32-bit ALU
// classes zero-extend the 32-bit result into the 64-bit register".
func ZeroExtend32(a Scalar) Scalar {
	return fromTnum(tnum.Tnum{
		Value: a.Tnum.Value & 0xffffffff,
		Mask:  a.Tnum.Mask & 0xffffffff,
	})
}
