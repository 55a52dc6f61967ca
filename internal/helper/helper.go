// Package helper implements the helper-call protocol from spec.md
// §4.I: each declared helper binds R1..R5 to typed argument slots,
// validates the bound TrackedValues against those declared kinds,
// clobbers the caller-saved registers, and types R0 from the helper's
// declared return kind.
package helper

import (
	"fmt"

	"github.com/pkg/errors"

	"bpfverify/internal/ptrstate"
	"bpfverify/internal/region"
	"bpfverify/internal/scalar"
	"bpfverify/internal/value"
)

// ArgKind is one of spec.md §4.I's declared argument kinds.
type ArgKind uint8

const (
	ArgIgnored ArgKind = iota
	ArgAnyScalar
	ArgConstSize
	ArgPtrToMem
	ArgPtrToUninitMem
	ArgPtrToMapKey
	ArgPtrToMapValue
	ArgPtrToPacket
)

func (k ArgKind) String() string {
	switch k {
	case ArgIgnored:
		return "ignored"
	case ArgAnyScalar:
		return "any-scalar"
	case ArgConstSize:
		return "const-size"
	case ArgPtrToMem:
		return "ptr-to-mem"
	case ArgPtrToUninitMem:
		return "ptr-to-uninit-mem"
	case ArgPtrToMapKey:
		return "ptr-to-map-key"
	case ArgPtrToMapValue:
		return "ptr-to-map-value"
	case ArgPtrToPacket:
		return "ptr-to-packet"
	default:
		return fmt.Sprintf("arg-kind(%d)", uint8(k))
	}
}

func (k ArgKind) isPointerKind() bool {
	switch k {
	case ArgPtrToMem, ArgPtrToUninitMem, ArgPtrToMapKey, ArgPtrToMapValue, ArgPtrToPacket:
		return true
	default:
		return false
	}
}

// ReturnKind is one of spec.md §4.I's declared return kinds.
type ReturnKind uint8

const (
	RetInteger ReturnKind = iota
	RetPtrToMapValueOrNull
	RetVoid
)

// Signature declares one helper's calling convention, per spec.md §4.I.
type Signature struct {
	Args [5]ArgKind
	// ArgSizes gives a fixed access size for a pointer argument; ignored
	// when SizeArgIndex names a paired const-size argument instead.
	ArgSizes [5]uint32
	// SizeArgIndex[i], when >= 0, names the index of the ArgConstSize
	// argument that supplies the access size for pointer argument i.
	SizeArgIndex [5]int

	Return ReturnKind
	// ReturnRegionTemplate is allocated as a fresh region when Return is
	// RetPtrToMapValueOrNull (spec.md §4.I.4 "possibly maybe-null pointer
	// to a fresh region id").
	ReturnRegionTemplate region.Region

	// Predicate is an optional extra check beyond per-argument kind
	// matching (spec.md §4.I "optional extra predicates").
	Predicate func(args [5]value.TrackedValue) error

	// InvalidatesRegion, when true, invalidates the region referenced by
	// the pointer in InvalidateArgIndex after a successful call, per
	// spec.md §4.I.5 ("packet moved").
	InvalidatesRegion  bool
	InvalidateArgIndex int
	InvalidateReason   string
}

// CallResult tells the caller (the verifier's step function) what to do
// to the register file and arena after a successful Call.
type CallResult struct {
	R0 value.TrackedValue

	ShouldInvalidateRegion bool
	InvalidateRegion       region.ID
	InvalidateReason       string
}

func kindMatches(arg ArgKind, regionKind region.Kind) bool {
	switch arg {
	case ArgPtrToMapValue:
		return regionKind == region.KindMapValue
	case ArgPtrToPacket:
		return regionKind == region.KindPacketData
	default:
		return regionKind != region.KindMapFD
	}
}

// Call implements spec.md §4.I steps 1-5 in order. Clobbering R1..R5 in
// the register file is the caller's responsibility (it is unconditional
// on any successful call, not something Call itself needs to report).
func Call(sig Signature, args [5]value.TrackedValue, arena *region.Arena) (CallResult, error) {
	for i, kind := range sig.Args {
		if err := checkArg(i, kind, sig, args, arena); err != nil {
			return CallResult{}, err
		}
	}

	if sig.Predicate != nil {
		if err := sig.Predicate(args); err != nil {
			return CallResult{}, errors.Wrap(err, "helper predicate")
		}
	}

	res := CallResult{R0: returnValue(sig, arena)}

	if sig.InvalidatesRegion {
		target := args[sig.InvalidateArgIndex]
		if target.IsPointer() {
			res.ShouldInvalidateRegion = true
			res.InvalidateRegion = target.Pointer.Region
			res.InvalidateReason = sig.InvalidateReason
		}
	}

	return res, nil
}

func checkArg(i int, kind ArgKind, sig Signature, args [5]value.TrackedValue, arena *region.Arena) error {
	v := args[i]

	switch {
	case kind == ArgIgnored:
		return nil

	case kind == ArgAnyScalar || kind == ArgConstSize:
		if !v.IsScalar() {
			return errors.Errorf("argument %d: expected %s, got %s", i+1, kind, v.Kind)
		}
		return nil

	case kind.isPointerKind():
		if !v.IsPointer() {
			return errors.Errorf("argument %d: expected %s, got %s", i+1, kind, v.Kind)
		}
		r, _, ok := arena.Get(v.Pointer.Region)
		if !ok {
			return errors.Errorf("argument %d: pointer references an unknown region", i+1)
		}
		if !kindMatches(kind, r.Kind) {
			return errors.Errorf("argument %d: region kind %s does not satisfy %s", i+1, r.Kind, kind)
		}

		size := sig.ArgSizes[i]
		if sig.SizeArgIndex[i] >= 0 {
			sizeArg := args[sig.SizeArgIndex[i]]
			if !sizeArg.IsScalar() || !sizeArg.Scalar.Tnum.IsConst() {
				return errors.Errorf("argument %d: paired size argument is not a known constant", i+1)
			}
			size = uint32(sizeArg.Scalar.Tnum.ConstValue())
		}

		if !v.Pointer.Offset.Tnum.IsConst() {
			return errors.Errorf("argument %d: pointer offset is not statically known", i+1)
		}
		off := int64(v.Pointer.Offset.Tnum.ConstValue())
		if !r.InBounds(off, size) {
			return errors.Errorf("argument %d: access [%d, %d) is not provably within its region", i+1, off, off+int64(size))
		}
		return nil

	default:
		return errors.Errorf("argument %d: unrecognized argument kind %s", i+1, kind)
	}
}

func returnValue(sig Signature, arena *region.Arena) value.TrackedValue {
	switch sig.Return {
	case RetPtrToMapValueOrNull:
		id := arena.Alloc(sig.ReturnRegionTemplate)
		return value.FromPointer(ptrstate.Pointer{
			Region:  id,
			Version: arena.CurrentVersion(id),
			Offset:  scalar.Exact(0),
			Attrs:   ptrstate.Attrs{Null: ptrstate.MaybeNull, Arith: ptrstate.ArithAllowed},
			// A freshly allocated region id doubles as this pointer's
			// lineage id: two pointers minted from distinct regions are
			// definitionally distinct origins, and every copy of this
			// pointer keeps the same Region until a narrowing step
			// rewrites Offset, so id is stable across the pointer's life.
			ID: uint32(id),
		})
	case RetVoid:
		return value.Uninitialized()
	default:
		return value.FromScalar(scalar.Unknown())
	}
}
