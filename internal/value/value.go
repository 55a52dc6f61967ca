// Package value defines TrackedValue, the sum type held by every
// register and stack spill slot (spec.md §3). It is a tagged variant
// over explicit enum + struct fields, not an interface hierarchy — new
// kinds are added by extending the Kind enum and the switches that
// dispatch on it (spec.md §9 "Tagged variants over inheritance").
package value

import (
	"bpfverify/internal/ptrstate"
	"bpfverify/internal/scalar"
)

// Kind tags which variant of TrackedValue is populated.
type Kind uint8

const (
	KindUninitialized Kind = iota
	KindScalar
	KindPointer
	KindInvalidated
)

func (k Kind) String() string {
	switch k {
	case KindUninitialized:
		return "uninitialized"
	case KindScalar:
		return "scalar"
	case KindPointer:
		return "pointer"
	case KindInvalidated:
		return "invalidated"
	default:
		return "unknown-kind"
	}
}

// TrackedValue is the value held by a register or stack spill slot
// (spec.md §3). Exactly one of Scalar/Pointer/InvalidReason is
// meaningful, selected by Kind.
type TrackedValue struct {
	Kind          Kind
	Scalar        scalar.Scalar
	Pointer       ptrstate.Pointer
	InvalidReason string
}

// Uninitialized returns the TrackedValue representing a register that
// has never been written.
func Uninitialized() TrackedValue { return TrackedValue{Kind: KindUninitialized} }

// FromScalar wraps a scalar.Scalar as a TrackedValue.
func FromScalar(s scalar.Scalar) TrackedValue { return TrackedValue{Kind: KindScalar, Scalar: s} }

// FromPointer wraps a ptrstate.Pointer as a TrackedValue.
func FromPointer(p ptrstate.Pointer) TrackedValue { return TrackedValue{Kind: KindPointer, Pointer: p} }

// Invalidated returns the TrackedValue recorded when an operation voids
// a previously valid value; any later read of it must reject.
func Invalidated(reason string) TrackedValue {
	return TrackedValue{Kind: KindInvalidated, InvalidReason: reason}
}

// IsScalar reports whether v currently holds a scalar.
func (v TrackedValue) IsScalar() bool { return v.Kind == KindScalar }

// IsPointer reports whether v currently holds a pointer.
func (v TrackedValue) IsPointer() bool { return v.Kind == KindPointer }
