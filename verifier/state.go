package verifier

import (
	"bpfverify/internal/insn"
	"bpfverify/internal/jump"
	"bpfverify/internal/ptrstate"
	"bpfverify/internal/region"
	"bpfverify/internal/regfile"
	"bpfverify/internal/scalar"
	"bpfverify/internal/value"
)

// stackActivation is one call-stack entry, pushed on BPF_CALL
// PSEUDO_CALL and popped on the matching EXIT. savedR6..savedR9 hold
// the caller's callee-saved registers to restore on return; returnPC is
// where to resume the caller; callerStack/callerFrame let R10 and
// memory access revert to the caller's own frame (spec.md §3 "VM state
// ... a call-stack: frame activation records").
type stackActivation struct {
	returnPC        int
	savedR6         value.TrackedValue
	savedR7         value.TrackedValue
	savedR8         value.TrackedValue
	savedR9         value.TrackedValue
	callerStack     *regfile.StackFrame
	callerFrame     region.ID
	callerFrameBase ptrstate.Pointer
}

// State is one node of the branch-exploration tree: an independently
// owned register file, stack, and call stack, plus a reference to the
// per-state region arena (invalidation is state-local, so the arena
// cannot be shared across forks). The decoded program and its CFG are
// shared by reference across every State descended from the same
// Verify call.
type State struct {
	PC        int
	Regs      *regfile.RegisterFile
	Stack     *regfile.StackFrame
	Frame     region.ID // the region.ID backing the current stack frame, for R10
	CallStack []stackActivation
	Arena     *region.Arena

	// Budget is shared by every State forked from a common ancestor,
	// since the instruction-visit budget spec.md §4.I describes is
	// enforced across the whole exploration tree, not per branch.
	Budget *int
}

// Clone deep-copies s for a forked branch, per spec.md §3's "cloning a
// VM state performs a deep copy".
func (s *State) Clone() *State {
	cs := make([]stackActivation, len(s.CallStack))
	for i, f := range s.CallStack {
		cs[i] = f
		cs[i].callerStack = f.callerStack.Clone()
	}
	return &State{
		PC:        s.PC,
		Regs:      s.Regs.Clone(),
		Stack:     s.Stack.Clone(),
		Frame:     s.Frame,
		CallStack: cs,
		Arena:     s.Arena.Clone(),
		Budget:    s.Budget,
	}
}

// EachTracked implements jump.Carrier: it reports every register and
// every clean stack spill slot currently holding a pointer, along with
// that pointer's lineage id, so internal/jump.PropagateLineage can
// narrow every alias of a just-bounds-checked pointer in one pass.
func (s *State) EachTracked(fn func(loc jump.Location, originID uint32, isPointer bool)) {
	for r := insn.R0; r <= insn.R9; r++ {
		v, err := s.Regs.Read(r)
		if err != nil || !v.IsPointer() {
			continue
		}
		fn(jump.Location{IsRegister: true, Register: uint8(r)}, v.Pointer.ID, true)
	}
	for slot, v := range s.Stack.Slots {
		if v.IsPointer() {
			fn(jump.Location{IsRegister: false, StackSlot: slot}, v.Pointer.ID, true)
		}
	}
}

// Narrow implements jump.Carrier: it rewrites the pointer offset held at
// loc, leaving every other attribute (region, lineage id, attrs) alone.
func (s *State) Narrow(loc jump.Location, newOffset scalar.Scalar) {
	if loc.IsRegister {
		r := insn.Reg(loc.Register)
		v, err := s.Regs.Read(r)
		if err != nil || !v.IsPointer() {
			return
		}
		v.Pointer.Offset = newOffset
		_ = s.Regs.Write(r, v)
		return
	}
	v, ok := s.Stack.Slots[loc.StackSlot]
	if !ok || !v.IsPointer() {
		return
	}
	v.Pointer.Offset = newOffset
	s.Stack.Slots[loc.StackSlot] = v
}
