// Package jump implements the per-condition narrowing transfer
// functions for conditional branches, per spec.md §4.H: given the two
// operand scalars (or pointers) of a comparison, compute the refined
// operand state on each of the taken/not-taken edges, and report
// whether either edge is provably infeasible.
package jump

import (
	"math"

	"bpfverify/internal/ptrstate"
	"bpfverify/internal/scalar"
)

// Edge is one side of a branch: the narrowed operand pair, and whether
// that side can be reached by any concrete state consistent with the
// pre-branch operands.
type Edge struct {
	A, B     scalar.Scalar
	Feasible bool
}

// Narrowing is the result of evaluating a comparison's both edges.
type Narrowing struct {
	True, False Edge
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

func withUnsignedRange(lo, hi uint64) scalar.Scalar {
	s := scalar.Unknown()
	s.UMin, s.UMax = lo, hi
	return s
}

func withSignedRange(lo, hi int64) scalar.Scalar {
	s := scalar.Unknown()
	s.SMin, s.SMax = lo, hi
	return s
}

func narrowOrInfeasible(s scalar.Scalar, bounds scalar.Scalar) (scalar.Scalar, bool) {
	return scalar.Narrow(s, bounds)
}

// NarrowUnsignedLE implements spec.md §4.H's worked example for `A <= B`
// (unsigned): on the overlap of the two ranges, each operand's bound is
// tightened toward the other; outside the overlap, one edge is wholly
// infeasible.
func NarrowUnsignedLE(a, b scalar.Scalar) Narrowing {
	amin, amax := a.UMin, a.UMax
	bmin, bmax := b.UMin, b.UMax

	if amax <= bmin {
		return Narrowing{True: Edge{A: a, B: b, Feasible: true}, False: Edge{Feasible: false}}
	}
	if bmax < amin {
		return Narrowing{True: Edge{Feasible: false}, False: Edge{A: a, B: b, Feasible: true}}
	}

	iMin := maxU64(amin, bmin)
	iMax := minU64(amax, bmax)

	trueA, okA := narrowOrInfeasible(a, withUnsignedRange(amin, iMax))
	trueB, okB := narrowOrInfeasible(b, withUnsignedRange(iMin, bmax))

	falseOK := true
	falseLo := amin
	if bmin == math.MaxUint64 {
		falseOK = false
	} else {
		falseLo = maxU64(amin, bmin+1)
	}
	falseHi := bmax
	if amax == 0 {
		falseOK = false
	} else {
		falseHi = minU64(bmax, amax-1)
	}

	var falseA, falseB scalar.Scalar
	okFA, okFB := false, false
	if falseOK {
		falseA, okFA = narrowOrInfeasible(a, withUnsignedRange(falseLo, amax))
		falseB, okFB = narrowOrInfeasible(b, withUnsignedRange(bmin, falseHi))
	}

	return Narrowing{
		True:  Edge{A: trueA, B: trueB, Feasible: okA && okB},
		False: Edge{A: falseA, B: falseB, Feasible: falseOK && okFA && okFB},
	}
}

// NarrowSignedLT implements the signed strict `A < B` comparison,
// analogous to NarrowUnsignedLE but over the SMin/SMax interval pair.
func NarrowSignedLT(a, b scalar.Scalar) Narrowing {
	amin, amax := a.SMin, a.SMax
	bmin, bmax := b.SMin, b.SMax

	if amax < bmin {
		return Narrowing{True: Edge{A: a, B: b, Feasible: true}, False: Edge{Feasible: false}}
	}
	if bmax <= amin {
		return Narrowing{True: Edge{Feasible: false}, False: Edge{A: a, B: b, Feasible: true}}
	}

	trueAmax, trueOK1 := amax, true
	if bmax == math.MinInt64 {
		trueOK1 = false
	} else {
		trueAmax = minI64(amax, bmax-1)
	}
	trueBmin, trueOK2 := bmin, true
	if amin == math.MaxInt64 {
		trueOK2 = false
	} else {
		trueBmin = maxI64(bmin, amin+1)
	}

	var trueA, trueB scalar.Scalar
	okA, okB := false, false
	if trueOK1 && trueOK2 {
		trueA, okA = narrowOrInfeasible(a, withSignedRange(amin, trueAmax))
		trueB, okB = narrowOrInfeasible(b, withSignedRange(trueBmin, bmax))
	}

	falseAmin := maxI64(amin, bmin)
	falseBmax := minI64(bmax, amax)
	falseA, okFA := narrowOrInfeasible(a, withSignedRange(falseAmin, amax))
	falseB, okFB := narrowOrInfeasible(b, withSignedRange(bmin, falseBmax))

	return Narrowing{
		True:  Edge{A: trueA, B: trueB, Feasible: trueOK1 && trueOK2 && okA && okB},
		False: Edge{A: falseA, B: falseB, Feasible: okFA && okFB},
	}
}

// NarrowEqual implements `A == B`: the true edge intersects both
// operands down to their shared tnum and interval state; the false edge
// is infeasible only when both operands are known, equal constants
// (spec.md §4.H "on A!=B edge apply only if both operands are known
// constants").
func NarrowEqual(a, b scalar.Scalar) Narrowing {
	n, ok := scalar.Narrow(a, b)
	falseEdge := Edge{A: a, B: b, Feasible: true}
	if a.Tnum.IsConst() && b.Tnum.IsConst() && a.Tnum.ConstValue() == b.Tnum.ConstValue() {
		falseEdge.Feasible = false
	}
	return Narrowing{
		True:  Edge{A: n, B: n, Feasible: ok},
		False: falseEdge,
	}
}

// NarrowNotEqual implements `A != B`, the mirror of NarrowEqual: the
// true (taken) edge is infeasible only when both operands are known,
// equal constants; the false (not-taken, i.e. A==B) edge narrows fully.
func NarrowNotEqual(a, b scalar.Scalar) Narrowing {
	trueEdge := Edge{A: a, B: b, Feasible: true}
	if a.Tnum.IsConst() && b.Tnum.IsConst() && a.Tnum.ConstValue() == b.Tnum.ConstValue() {
		trueEdge.Feasible = false
	}
	n, ok := scalar.Narrow(a, b)
	return Narrowing{
		True:  trueEdge,
		False: Edge{A: n, B: n, Feasible: ok},
	}
}

// PointerEdges is the pointer analog of Narrowing for a null check.
type PointerEdges struct {
	True, False ptrstate.Pointer
}

// NarrowPointerNullCheck implements spec.md §4.H's "pointer null-check":
// `reg == 0` on a maybe-null pointer sets the true edge definitely-null
// and the false edge definitely-non-null.
func NarrowPointerNullCheck(p ptrstate.Pointer) PointerEdges {
	return PointerEdges{True: ptrstate.NullCheckTrue(p), False: ptrstate.NullCheckFalse(p)}
}

// NarrowPacketBound implements spec.md §4.H's packet-pointer pattern:
// `pkt + k <= pkt_end` refines the allowed byte-read range of pkt on
// the success edge by intersecting pkt's offset with the proven bound.
// The verifier also applies it to strict `<` comparisons, treating them
// as `<=` (sound, one byte less precise).
func NarrowPacketBound(pkt ptrstate.Pointer, k int64, pktEnd ptrstate.Pointer) ptrstate.Pointer {
	bound := scalar.Sub(pktEnd.Offset, scalar.Exact(uint64(k)))
	narrowed, ok := scalar.Narrow(pkt.Offset, withUnsignedRange(0, bound.UMax))
	if !ok {
		return pkt
	}
	out := pkt
	out.Offset = narrowed
	return out
}

// Location identifies one tracked-value slot so PropagateLineage can
// report which locations it rewrote, without depending on the
// verifier's State type.
type Location struct {
	IsRegister bool
	Register   uint8 // valid when IsRegister
	StackSlot  int   // 8-byte aligned offset, valid when !IsRegister
}

// Carrier is the minimal surface PropagateLineage needs from a VM
// state: enumerate every tracked value with its location, and rewrite
// one by location. The verifier package's State implements this.
type Carrier interface {
	EachTracked(func(loc Location, originID uint32, isPointer bool))
	Narrow(loc Location, newOffset scalar.Scalar)
}

// PropagateLineage walks every location in c sharing originID and
// applies newOffset to its pointer offset, per spec.md §4.H "Lineage
// propagation ... any other register or stack spill slot with the same
// lineage id is refined identically".
func PropagateLineage(c Carrier, originID uint32, newOffset scalar.Scalar) {
	var matches []Location
	c.EachTracked(func(loc Location, id uint32, isPointer bool) {
		if isPointer && id == originID {
			matches = append(matches, loc)
		}
	})
	for _, loc := range matches {
		c.Narrow(loc, newOffset)
	}
}
