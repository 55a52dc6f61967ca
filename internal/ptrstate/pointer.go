// Package ptrstate implements the typed-pointer abstract domain from
// spec.md §3/§4.D: a region reference, a variable scalar offset, and
// nullability/mutability/arithmetic attribute flags.
package ptrstate

import (
	"github.com/pkg/errors"

	"bpfverify/internal/region"
	"bpfverify/internal/scalar"
)

// Nullability is a three-valued lattice: a pointer is definitely
// non-null, maybe-null (unknown), or definitely-null.
type Nullability uint8

const (
	NonNull Nullability = iota
	MaybeNull
	DefinitelyNull
)

// Mutability restricts writes independent of the region's own
// writability, e.g. a read-only map value pointer even though the
// region variant in general supports writable values.
type Mutability uint8

const (
	ReadWrite Mutability = iota
	ReadOnly
)

// ArithPermission controls whether pointer+scalar arithmetic is allowed
// at all for a given pointer (spec.md §3 PointerState.attrs).
type ArithPermission uint8

const (
	ArithAllowed ArithPermission = iota
	ArithForbidden
)

// Attrs bundles the three pointer attribute flags.
type Attrs struct {
	Null  Nullability
	Mut   Mutability
	Arith ArithPermission
}

// Pointer is the abstract pointer value from spec.md §3.
type Pointer struct {
	Region  region.ID
	Version uint32 // the region's arena version observed when this pointer was minted
	Offset  scalar.Scalar
	Attrs   Attrs
	// ID is the lineage id: pointers that are copies of the same origin
	// without intervening modification share this value (spec.md §3,
	// used by internal/jump's lineage propagation).
	ID uint32
}

// Add returns the pointer after adding s to its offset, per spec.md
// §4.D. Add itself only performs the offset arithmetic and
// preserves attrs/lineage — it is the caller's (internal/alu's) job to
// reject when arithmetic isn't permitted or when the result provably
// escapes the region.
func Add(p Pointer, s scalar.Scalar) Pointer {
	out := p
	out.Offset = scalar.Add(p.Offset, s)
	return out
}

// Sub returns the pointer after subtracting s from its offset.
func Sub(p Pointer, s scalar.Scalar) Pointer {
	out := p
	out.Offset = scalar.Sub(p.Offset, s)
	return out
}

// SubPointer implements spec.md §4.D's "pointer - pointer" rule: only
// meaningful, and only permitted, when both pointers reference the same
// region and the host configuration allows pointer leaks.
func SubPointer(a, b Pointer, allowPtrLeaks bool) (scalar.Scalar, error) {
	if !allowPtrLeaks {
		return scalar.Scalar{}, errors.New("pointer subtraction requires allow_ptr_leaks")
	}
	if a.Region != b.Region {
		return scalar.Scalar{}, errors.Errorf("pointer subtraction across distinct regions (%d vs %d)", a.Region, b.Region)
	}
	return scalar.Sub(a.Offset, b.Offset), nil
}

// CanArith reports whether pointer arithmetic is permitted on p at all,
// independent of the resulting offset's bounds.
func CanArith(p Pointer, r region.Region) bool {
	return p.Attrs.Arith == ArithAllowed && r.AllowArithmetic
}

// NullCheckTrue returns the pointer narrowed for the "reg == 0" true
// edge: definitely null. Per spec.md §4.H "Pointer null-check".
func NullCheckTrue(p Pointer) Pointer {
	out := p
	out.Attrs.Null = DefinitelyNull
	return out
}

// NullCheckFalse returns the pointer narrowed for the "reg == 0" false
// edge: definitely non-null.
func NullCheckFalse(p Pointer) Pointer {
	out := p
	out.Attrs.Null = NonNull
	return out
}

// MayDeref reports whether p may be dereferenced at all: a definitely-
// null pointer can never be read or written.
func MayDeref(p Pointer) bool {
	return p.Attrs.Null != DefinitelyNull
}
