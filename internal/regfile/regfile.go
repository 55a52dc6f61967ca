// Package regfile implements the register file and per-call stack frame
// from spec.md §3/§4.E: ten general registers plus a read-only frame
// pointer, and a byte-tagged stack with 8-byte aligned spill slots.
package regfile

import (
	"github.com/pkg/errors"

	"bpfverify/internal/insn"
	"bpfverify/internal/ptrstate"
	"bpfverify/internal/region"
	"bpfverify/internal/scalar"
	"bpfverify/internal/value"
)

// RegisterFile holds R0..R10. R10 is not stored as an ordinary slot: it
// is synthesized on Read from FrameBase and rejected on Write, per
// spec.md §3 ("R10 is read-only and always holds a pointer into the
// current stack frame ... writes to R10 are rejected").
type RegisterFile struct {
	slots     [10]value.TrackedValue // R0..R9
	FrameBase ptrstate.Pointer       // what R10 reads as
}

// NewRegisterFile returns a register file with every general register
// Uninitialized and R10 bound to frameBase.
func NewRegisterFile(frameBase ptrstate.Pointer) *RegisterFile {
	rf := &RegisterFile{FrameBase: frameBase}
	for i := range rf.slots {
		rf.slots[i] = value.Uninitialized()
	}
	return rf
}

// Read returns r's current value. Reading an Uninitialized or
// Invalidated register is an error, per spec.md §3/§4.E, except R10
// which always succeeds.
func (rf *RegisterFile) Read(r insn.Reg) (value.TrackedValue, error) {
	if r == insn.R10 {
		return value.FromPointer(rf.FrameBase), nil
	}
	v := rf.slots[r]
	switch v.Kind {
	case value.KindUninitialized:
		return value.TrackedValue{}, errors.Errorf("read of uninitialized register %s", r)
	case value.KindInvalidated:
		return value.TrackedValue{}, errors.Errorf("read of invalidated register %s: %s", r, v.InvalidReason)
	default:
		return v, nil
	}
}

// Write sets r's value. Writing R10 is always rejected.
func (rf *RegisterFile) Write(r insn.Reg, v value.TrackedValue) error {
	if r == insn.R10 {
		return errors.New("write to r10 is not permitted")
	}
	rf.slots[r] = v
	return nil
}

// Invalidate marks r as Invalidated with reason, without checking its
// current value — used when a helper call invalidates a transient
// region's referents (spec.md §4.I.5).
func (rf *RegisterFile) Invalidate(r insn.Reg, reason string) {
	if r == insn.R10 {
		return
	}
	rf.slots[r] = value.Invalidated(reason)
}

// Clone returns an independent copy, per spec.md §3's "Cloning a VM
// state ... performs a deep copy". RegisterFile has no reference types
// that need special handling, so a value copy suffices.
func (rf *RegisterFile) Clone() *RegisterFile {
	out := *rf
	return &out
}

// ByteTagKind classifies one byte of the stack frame, per spec.md §3.
type ByteTagKind uint8

const (
	Undefined ByteTagKind = iota
	DataByte
	PtrByte
)

// ByteTag is one stack byte's metadata. SlotStart is the 8-byte aligned
// offset of the spill slot this byte belongs to, valid whenever Kind is
// PtrByte or this byte is part of a clean scalar spill recorded in
// Slots; -1 means "not part of a tracked spill" (an ordinary data byte
// written by a narrow store).
type ByteTag struct {
	Kind      ByteTagKind
	SlotStart int
}

// StackFrame is one call's 512-byte (by default) stack, per spec.md §3.
type StackFrame struct {
	Bytes []ByteTag
	// Slots maps an 8-byte aligned offset to the exact TrackedValue
	// spilled there, present only while that slot holds a clean,
	// untouched spill (spec.md §3 "Spills are invalidated when any byte
	// of the slot is overwritten").
	Slots map[int]value.TrackedValue
}

// NewStackFrame returns an all-Undefined stack frame of the given size.
func NewStackFrame(size uint32) *StackFrame {
	bytes := make([]ByteTag, size)
	for i := range bytes {
		bytes[i] = ByteTag{Kind: Undefined, SlotStart: -1}
	}
	return &StackFrame{Bytes: bytes, Slots: map[int]value.TrackedValue{}}
}

// Clone deep-copies the frame for a forked VM state.
func (f *StackFrame) Clone() *StackFrame {
	out := &StackFrame{Bytes: make([]ByteTag, len(f.Bytes)), Slots: make(map[int]value.TrackedValue, len(f.Slots))}
	copy(out.Bytes, f.Bytes)
	for k, v := range f.Slots {
		out.Slots[k] = v
	}
	return out
}

func aligned8(offset int64) bool { return offset >= 0 && offset%8 == 0 }

func (f *StackFrame) inRange(offset int64, size uint32) bool {
	return offset >= 0 && offset+int64(size) <= int64(len(f.Bytes))
}

func (f *StackFrame) invalidateOverlappingSlots(offset int64, size uint32) {
	lo := offset - 7
	if lo < 0 {
		lo = 0
	}
	for slotStart := range f.Slots {
		slotEnd := int64(slotStart) + 8
		if int64(slotStart) < offset+int64(size) && slotEnd > offset {
			delete(f.Slots, slotStart)
		}
	}
}

// Store writes v into the stack frame at [offset, offset+size). A full
// 8-byte aligned store of a Scalar or a permitted Pointer records a
// clean spill slot; any other write (narrower, misaligned, or a
// partial overlap) invalidates whichever spill slots it touches and
// marks the written bytes as plain DataByte, per spec.md §3/§4.E.
func (f *StackFrame) Store(offset int64, size uint32, v value.TrackedValue, r region.Region) error {
	if !f.inRange(offset, size) {
		return errors.Errorf("stack store out of bounds at offset %d size %d", offset, size)
	}
	if size > 1 && offset%int64(size) != 0 && !r.AllowUnaligned {
		return errors.Errorf("misaligned stack store at offset %d size %d", offset, size)
	}

	if v.IsPointer() && (size != 8 || !aligned8(offset)) {
		return errors.New("pointer store to stack must be 8-byte aligned")
	}
	if v.IsPointer() && !r.AllowPointerSpill {
		return errors.New("this stack frame does not permit pointer spills")
	}

	f.invalidateOverlappingSlots(offset, size)

	if size == 8 && aligned8(offset) && (v.IsScalar() || v.IsPointer()) {
		kind := DataByte
		if v.IsPointer() {
			kind = PtrByte
		}
		for i := int64(0); i < 8; i++ {
			f.Bytes[offset+i] = ByteTag{Kind: kind, SlotStart: int(offset)}
		}
		f.Slots[int(offset)] = v
		return nil
	}

	for i := int64(0); i < int64(size); i++ {
		f.Bytes[offset+i] = ByteTag{Kind: DataByte, SlotStart: -1}
	}
	return nil
}

// Load reads [offset, offset+size) from the stack frame, per spec.md
// §4.E: an exact clean spill slot match returns the stored TrackedValue
// verbatim; any other fully-DataByte range yields an unknown scalar of
// the requested width; a range touching Undefined or a non-matching
// PtrByte is rejected.
func (f *StackFrame) Load(offset int64, size uint32, r region.Region) (value.TrackedValue, error) {
	if !f.inRange(offset, size) {
		return value.TrackedValue{}, errors.Errorf("stack load out of bounds at offset %d size %d", offset, size)
	}
	if size > 1 && offset%int64(size) != 0 && !r.AllowUnaligned {
		return value.TrackedValue{}, errors.Errorf("misaligned stack load at offset %d size %d", offset, size)
	}

	if size == 8 && aligned8(offset) {
		if spilled, ok := f.Slots[int(offset)]; ok {
			return spilled, nil
		}
	}

	for i := int64(0); i < int64(size); i++ {
		tag := f.Bytes[offset+i]
		switch tag.Kind {
		case Undefined:
			return value.TrackedValue{}, errors.Errorf("read of uninitialized stack byte at offset %d", offset+i)
		case PtrByte:
			return value.TrackedValue{}, errors.Errorf("partial read of a pointer spill at offset %d", offset+i)
		}
	}
	return value.FromScalar(scalar.Unknown()), nil
}
