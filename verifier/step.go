package verifier

import (
	"github.com/cilium/ebpf/asm"
	"github.com/pkg/errors"

	"bpfverify/internal/alu"
	"bpfverify/internal/cfg"
	"bpfverify/internal/helper"
	"bpfverify/internal/insn"
	"bpfverify/internal/jump"
	"bpfverify/internal/ptrstate"
	"bpfverify/internal/region"
	"bpfverify/internal/regfile"
	"bpfverify/internal/scalar"
	"bpfverify/internal/value"
)

// execCtx bundles the read-only context every step() call needs beyond
// the state it's stepping: the program's CFG, the host configuration,
// and the region ids minted once for pointer-typed context fields so
// repeated loads of the same field see the same region and lineage
// instead of fabricating a fresh one on every access.
type execCtx struct {
	graph        *cfg.Graph
	config       Config
	fieldRegions map[uint32]region.ID
}

// stepResult tells the work-list driver in verify.go what to do next
// with the state that was stepped.
type stepResult struct {
	// Next holds the state(s) to continue exploring: one for
	// straight-line or unconditional flow, two for a feasible
	// conditional branch, zero when the state terminated.
	Next []*State
	// Done is set when execution reached EXIT at call-stack depth 0.
	Done   bool
	Return scalar.Scalar
}

// tailCallHelperID mirrors internal/cfg's constant: the Linux
// BPF_FUNC_tail_call id, handled as a conservative unknown-effect call
// here since no caller-supplied Signature models its may-not-return
// semantics.
const tailCallHelperID = 12

func step(ec execCtx, s *State) (stepResult, error) {
	i, ok := ec.graph.InsnAt(s.PC)
	if !ok {
		return stepResult{}, newReject(RejectCFG, s.PC, "no instruction at pc %d", s.PC)
	}

	switch {
	case i.IsALU():
		return stepALU(ec, s, i)
	case i.IsMem():
		return stepMem(ec, s, i)
	case i.IsJump():
		return stepJump(ec, s, i)
	default:
		return stepResult{}, newReject(RejectMalformed, s.PC, "unrecognized instruction class at pc %d", s.PC)
	}
}

// fallthroughTo advances s to its single CFG successor and returns it as
// the sole continuation.
func fallthroughTo(ec execCtx, s *State) (stepResult, error) {
	succs := ec.graph.Successors(s.PC)
	if len(succs) != 1 {
		return stepResult{}, newReject(RejectCFG, s.PC, "expected exactly one successor at pc %d, got %d", s.PC, len(succs))
	}
	s.PC = succs[0]
	return stepResult{Next: []*State{s}}, nil
}

// immScalar extends an instruction's 32-bit immediate field to the
// scalar it represents: sign-extended to 64 bits for the 64-bit ALU and
// JMP classes (BPF_ALU64/BPF_JMP, per the ISA's BPF_K semantics),
// zero-extended for the 32-bit classes, whose results are truncated to
// the low 32 bits regardless.
func immScalar(i insn.Insn) scalar.Scalar {
	if i.Is64() {
		return scalar.Exact(uint64(int64(i.Imm)))
	}
	return scalar.Exact(uint64(uint32(i.Imm)))
}

func readOperand(s *State, i insn.Insn) (value.TrackedValue, error) {
	if i.Source == asm.ImmSource {
		return value.FromScalar(immScalar(i)), nil
	}
	return s.Regs.Read(i.Src)
}

func stepALU(ec execCtx, s *State, i insn.Insn) (stepResult, error) {
	// MOV fully overwrites dst and never reads its prior value, so a
	// MOV into a still-uninitialized register must not itself reject.
	var dst value.TrackedValue
	var err error
	if i.ALUOp != asm.Mov {
		dst, err = s.Regs.Read(i.Dst)
		if err != nil {
			return stepResult{}, wrapReject(RejectType, s.PC, err, "alu dst operand")
		}
	}
	src, err := readOperand(s, i)
	if err != nil {
		return stepResult{}, wrapReject(RejectType, s.PC, err, "alu src operand")
	}

	out, err := alu.Apply(i, dst, src, s.Arena, alu.Options{
		AllowPtrLeaks: ec.config.AllowPtrLeaks,
		DivZero:       ec.config.DivZero,
	})
	if err != nil {
		return stepResult{}, wrapReject(RejectArithmetic, s.PC, err, "alu")
	}
	if err := s.Regs.Write(i.Dst, out); err != nil {
		return stepResult{}, wrapReject(RejectType, s.PC, err, "alu dst write")
	}
	return fallthroughTo(ec, s)
}

func accessSize(sz asm.Size) uint32 {
	switch sz {
	case asm.Byte:
		return 1
	case asm.Half:
		return 2
	case asm.Word:
		return 4
	default:
		return 8
	}
}

// pointerInBounds checks the access [p.Offset, p.Offset+size) against r
// using the worst-case (maximum) possible offset, so the access is only
// accepted when every concrete offset consistent with p is in bounds.
func pointerInBounds(p ptrstate.Pointer, r region.Region, size uint32) bool {
	if p.Offset.UMax > uint64(^int64(0)) {
		return false
	}
	return r.InBounds(int64(p.Offset.UMax), size)
}

func resolvePointerMem(ec execCtx, s *State, reg insn.Reg, offset int16) (value.TrackedValue, region.Region, error) {
	v, err := s.Regs.Read(reg)
	if err != nil {
		return value.TrackedValue{}, region.Region{}, err
	}
	if !v.IsPointer() {
		return value.TrackedValue{}, region.Region{}, errors.Errorf("register %s does not hold a pointer", reg)
	}
	r, _, ok := s.Arena.Get(v.Pointer.Region)
	if !ok {
		return value.TrackedValue{}, region.Region{}, errors.Errorf("pointer references an unknown region")
	}
	if valid, reason := s.Arena.CheckVersion(v.Pointer.Region, v.Pointer.Version); !valid {
		return value.TrackedValue{}, region.Region{}, errors.Errorf("stale pointer: %s", reason)
	}
	if !ptrstate.MayDeref(v.Pointer) {
		return value.TrackedValue{}, region.Region{}, errors.New("dereference of a definitely-null pointer")
	}
	if v.Pointer.Attrs.Null != ptrstate.NonNull {
		return value.TrackedValue{}, region.Region{}, errors.New("dereference of a pointer that has not been null-checked")
	}
	adjusted := v
	adjusted.Pointer.Offset = scalar.Add(v.Pointer.Offset, scalar.Exact(uint64(int64(offset))))
	return adjusted, r, nil
}

func stepMem(ec execCtx, s *State, i insn.Insn) (stepResult, error) {
	if i.IsLegacyPacketAccess() {
		return stepResult{}, newReject(RejectMemory, s.PC, "legacy packet access instructions (BPF_ABS/BPF_IND) are not supported")
	}

	if i.Class == asm.LdClass && i.Mode == insn.ImmMode {
		if !i.Wide {
			return stepResult{}, newReject(RejectMalformed, s.PC, "non-wide BPF_LD|BPF_IMM is not a valid instruction form")
		}
		if err := s.Regs.Write(i.Dst, value.FromScalar(scalar.Exact(uint64(i.Imm64)))); err != nil {
			return stepResult{}, wrapReject(RejectType, s.PC, err, "ld_imm_dw")
		}
		return fallthroughTo(ec, s)
	}

	if i.Mode == insn.XAddMode {
		return stepAtomic(ec, s, i)
	}

	if i.Mode != insn.MemMode {
		return stepResult{}, newReject(RejectMalformed, s.PC, "unrecognized memory addressing mode")
	}

	size := accessSize(i.Size)

	switch i.Class {
	case asm.LdXClass:
		v, r, err := resolvePointerMem(ec, s, i.Src, i.Offset)
		if err != nil {
			return stepResult{}, wrapReject(RejectMemory, s.PC, err, "load address")
		}
		out, err := loadFrom(ec, s, v.Pointer, r, size)
		if err != nil {
			return stepResult{}, wrapReject(RejectMemory, s.PC, err, "load")
		}
		if err := s.Regs.Write(i.Dst, out); err != nil {
			return stepResult{}, wrapReject(RejectType, s.PC, err, "load dst write")
		}
		return fallthroughTo(ec, s)

	case asm.StClass, asm.StXClass:
		var toStore value.TrackedValue
		var err error
		if i.Class == asm.StClass {
			toStore = value.FromScalar(scalar.Exact(uint64(uint32(i.Imm))))
		} else {
			toStore, err = s.Regs.Read(i.Src)
			if err != nil {
				return stepResult{}, wrapReject(RejectType, s.PC, err, "store src operand")
			}
		}
		v, r, err := resolvePointerMem(ec, s, i.Dst, i.Offset)
		if err != nil {
			return stepResult{}, wrapReject(RejectMemory, s.PC, err, "store address")
		}
		if err := storeTo(s, v.Pointer, r, size, toStore); err != nil {
			return stepResult{}, wrapReject(RejectMemory, s.PC, err, "store")
		}
		return fallthroughTo(ec, s)

	default:
		return stepResult{}, newReject(RejectMalformed, s.PC, "unrecognized memory instruction class")
	}
}

func loadFrom(ec execCtx, s *State, p ptrstate.Pointer, r region.Region, size uint32) (value.TrackedValue, error) {
	switch r.Kind {
	case region.KindStack:
		if p.Region != s.Frame {
			return value.TrackedValue{}, errors.New("stack access through a pointer into a different call frame")
		}
		if !p.Offset.Tnum.IsConst() {
			return value.TrackedValue{}, errors.New("stack offset must be statically known")
		}
		return s.Stack.Load(int64(p.Offset.Tnum.ConstValue()), size, r)

	case region.KindContext:
		return loadContextField(ec, p, size)

	default:
		if !pointerInBounds(p, r, size) {
			return value.TrackedValue{}, errors.New("access is not provably within region bounds")
		}
		return value.FromScalar(scalar.Unknown()), nil
	}
}

func loadContextField(ec execCtx, p ptrstate.Pointer, size uint32) (value.TrackedValue, error) {
	if !p.Offset.Tnum.IsConst() {
		return value.TrackedValue{}, errors.New("context field offset must be statically known")
	}
	off := uint32(p.Offset.Tnum.ConstValue())
	field, ok := ec.config.ContextFields[off]
	if !ok {
		return value.TrackedValue{}, errors.Errorf("offset %d is not a declared context field", off)
	}
	if field.Size != size {
		return value.TrackedValue{}, errors.Errorf("context field at offset %d is %d bytes wide, accessed as %d", off, field.Size, size)
	}
	if !field.IsPointer {
		return value.FromScalar(scalar.Unknown()), nil
	}
	regionID, ok := ec.fieldRegions[off]
	if !ok {
		return value.TrackedValue{}, errors.Errorf("offset %d has no region registered for its pointer field", off)
	}
	return value.FromPointer(ptrstate.Pointer{
		Region: regionID,
		Offset: scalar.Exact(0),
		Attrs:  ptrstate.Attrs{Null: ptrstate.MaybeNull, Arith: ptrstate.ArithAllowed},
		ID:     off, // every load of the same field shares one lineage
	}), nil
}

func storeTo(s *State, p ptrstate.Pointer, r region.Region, size uint32, v value.TrackedValue) error {
	if !r.Writable {
		return errors.New("region is not writable")
	}
	switch r.Kind {
	case region.KindStack:
		if p.Region != s.Frame {
			return errors.New("stack access through a pointer into a different call frame")
		}
		if !p.Offset.Tnum.IsConst() {
			return errors.New("stack offset must be statically known")
		}
		return s.Stack.Store(int64(p.Offset.Tnum.ConstValue()), size, v, r)
	case region.KindContext:
		return errors.New("writes to context fields are not permitted")
	default:
		if v.IsPointer() {
			return errors.New("pointer spills are only permitted on the stack")
		}
		if !pointerInBounds(p, r, size) {
			return errors.New("access is not provably within region bounds")
		}
		return nil
	}
}

// Raw BPF_ATOMIC sub-op encodings from the kernel's linux/bpf.h, since
// cilium/ebpf/asm's typed helpers don't expose the bare immediate this
// analyzer needs to classify: BPF_ADD/OR/AND/XOR are shared with the
// ordinary ALU op encoding; BPF_FETCH (0x01) is an orthogonal flag;
// BPF_XCHG and BPF_CMPXCHG are full byte values, not flag combinations.
const (
	bpfAtomicAdd     = 0x00
	bpfAtomicOr      = 0x40
	bpfAtomicAnd     = 0x50
	bpfAtomicXor     = 0xa0
	bpfAtomicFetch   = 0x01
	bpfAtomicXchg    = 0xe1
	bpfAtomicCmpXchg = 0xf1
)

func decodeAtomic(imm int32) (op alu.AtomicOp, fetch bool, err error) {
	raw := uint32(imm)
	switch raw {
	case bpfAtomicXchg:
		return alu.AtomicXchg, true, nil
	case bpfAtomicCmpXchg:
		return alu.AtomicCmpXchg, true, nil
	}
	fetch = raw&bpfAtomicFetch != 0
	switch raw &^ bpfAtomicFetch {
	case bpfAtomicAdd:
		return alu.AtomicAdd, fetch, nil
	case bpfAtomicOr:
		return alu.AtomicOr, fetch, nil
	case bpfAtomicAnd:
		return alu.AtomicAnd, fetch, nil
	case bpfAtomicXor:
		return alu.AtomicXor, fetch, nil
	default:
		return 0, false, errors.Errorf("unrecognized atomic sub-op %#x", raw)
	}
}

func stepAtomic(ec execCtx, s *State, i insn.Insn) (stepResult, error) {
	size := accessSize(i.Size)
	op, fetch, err := decodeAtomic(i.Imm)
	if err != nil {
		return stepResult{}, wrapReject(RejectMalformed, s.PC, err, "atomic")
	}

	v, r, err := resolvePointerMem(ec, s, i.Dst, i.Offset)
	if err != nil {
		return stepResult{}, wrapReject(RejectMemory, s.PC, err, "atomic address")
	}
	if r.Kind != region.KindStack {
		return stepResult{}, newReject(RejectMemory, s.PC, "atomic ops are only supported against stack-resident memory")
	}
	if v.Pointer.Region != s.Frame || !v.Pointer.Offset.Tnum.IsConst() {
		return stepResult{}, newReject(RejectMemory, s.PC, "atomic target must be a statically known offset into the current frame")
	}
	offset := int64(v.Pointer.Offset.Tnum.ConstValue())

	mem, err := s.Stack.Load(offset, size, r)
	if err != nil {
		return stepResult{}, wrapReject(RejectMemory, s.PC, err, "atomic read")
	}
	operand, err := s.Regs.Read(i.Src)
	if err != nil {
		return stepResult{}, wrapReject(RejectType, s.PC, err, "atomic operand")
	}

	newMem, fetched, err := alu.ApplyAtomic(op, mem, operand, fetch)
	if err != nil {
		return stepResult{}, wrapReject(RejectArithmetic, s.PC, err, "atomic")
	}
	if err := s.Stack.Store(offset, size, newMem, r); err != nil {
		return stepResult{}, wrapReject(RejectMemory, s.PC, err, "atomic write-back")
	}
	if fetch {
		if err := s.Regs.Write(i.Src, fetched); err != nil {
			return stepResult{}, wrapReject(RejectType, s.PC, err, "atomic fetch write")
		}
	}
	return fallthroughTo(ec, s)
}

func swapNarrowing(n jump.Narrowing) jump.Narrowing {
	n.True.A, n.True.B = n.True.B, n.True.A
	n.False.A, n.False.B = n.False.B, n.False.A
	return n
}

func negateNarrowing(n jump.Narrowing) jump.Narrowing {
	n.True, n.False = n.False, n.True
	return n
}

// unsignedCompare derives every unsigned comparison op from
// internal/jump's single NarrowUnsignedLE primitive, keeping the
// operands in (a,b) order so the caller can assign Edge.A/Edge.B
// straight back into a's and b's registers.
func unsignedCompare(op asm.JumpOp, a, b scalar.Scalar) jump.Narrowing {
	switch op {
	case asm.JLE:
		return jump.NarrowUnsignedLE(a, b)
	case asm.JGE:
		return swapNarrowing(jump.NarrowUnsignedLE(b, a))
	case asm.JGT:
		return negateNarrowing(jump.NarrowUnsignedLE(a, b))
	default: // asm.JLT
		return swapNarrowing(negateNarrowing(jump.NarrowUnsignedLE(b, a)))
	}
}

func signedCompare(op asm.JumpOp, a, b scalar.Scalar) jump.Narrowing {
	switch op {
	case asm.JSLT:
		return jump.NarrowSignedLT(a, b)
	case asm.JSGT:
		return swapNarrowing(jump.NarrowSignedLT(b, a))
	case asm.JSGE:
		return negateNarrowing(jump.NarrowSignedLT(a, b))
	default: // asm.JSLE
		return swapNarrowing(negateNarrowing(jump.NarrowSignedLT(b, a)))
	}
}

// jset conservatively evaluates `dst & src` against zero: it only
// proves an edge infeasible when one operand is the known constant 0,
// in which case the test can never be true.
func jset(a, b scalar.Scalar) jump.Narrowing {
	alwaysZero := a.Tnum.IsConst() && a.Tnum.ConstValue() == 0 ||
		b.Tnum.IsConst() && b.Tnum.ConstValue() == 0
	return jump.Narrowing{
		True:  jump.Edge{A: a, B: b, Feasible: !alwaysZero},
		False: jump.Edge{A: a, B: b, Feasible: true},
	}
}

func stepJump(ec execCtx, s *State, i insn.Insn) (stepResult, error) {
	switch i.JumpOp {
	case asm.Exit:
		return stepExit(s)
	case asm.Ja:
		return fallthroughTo(ec, s)
	case asm.Call:
		return stepCall(ec, s, i)
	default:
		return stepConditional(ec, s, i)
	}
}

func stepExit(s *State) (stepResult, error) {
	r0, err := s.Regs.Read(insn.R0)
	if err != nil {
		return stepResult{}, wrapReject(RejectType, s.PC, err, "exit without a live r0")
	}
	if len(s.CallStack) == 0 {
		if !r0.IsScalar() {
			return stepResult{}, newReject(RejectType, s.PC, "program exit requires r0 to hold a scalar")
		}
		return stepResult{Done: true, Return: r0.Scalar}, nil
	}

	frame := s.CallStack[len(s.CallStack)-1]
	s.CallStack = s.CallStack[:len(s.CallStack)-1]
	s.Stack = frame.callerStack
	s.Frame = frame.callerFrame
	s.Regs.FrameBase = frame.callerFrameBase
	_ = s.Regs.Write(insn.R6, frame.savedR6)
	_ = s.Regs.Write(insn.R7, frame.savedR7)
	_ = s.Regs.Write(insn.R8, frame.savedR8)
	_ = s.Regs.Write(insn.R9, frame.savedR9)
	s.PC = frame.returnPC
	return stepResult{Next: []*State{s}}, nil
}

func stepCall(ec execCtx, s *State, i insn.Insn) (stepResult, error) {
	switch i.Pseudo {
	case insn.PseudoCallLocal:
		return stepCallLocal(ec, s, i)
	case insn.PseudoKfuncCall:
		return conservativeCall(ec, s)
	default:
		return stepCallHelper(ec, s, i)
	}
}

func stepCallLocal(ec execCtx, s *State, i insn.Insn) (stepResult, error) {
	if len(s.CallStack) >= int(ec.config.MaxCallDepth) {
		return stepResult{}, newReject(RejectResource, s.PC, "call depth exceeds max_call_depth (%d)", ec.config.MaxCallDepth)
	}
	target := s.PC + 1 + int(i.Offset)
	if _, ok := ec.graph.InsnAt(target); !ok {
		return stepResult{}, newReject(RejectCFG, s.PC, "call target pc %d is not a valid instruction", target)
	}

	r6, _ := s.Regs.Read(insn.R6)
	r7, _ := s.Regs.Read(insn.R7)
	r8, _ := s.Regs.Read(insn.R8)
	r9, _ := s.Regs.Read(insn.R9)
	s.CallStack = append(s.CallStack, stackActivation{
		returnPC:        s.PC + 1,
		savedR6:         r6,
		savedR7:         r7,
		savedR8:         r8,
		savedR9:         r9,
		callerStack:     s.Stack,
		callerFrame:     s.Frame,
		callerFrameBase: s.Regs.FrameBase,
	})

	newFrame := s.Arena.Alloc(region.Region{
		Kind: region.KindStack, SizeMin: ec.config.MaxStackDepth, SizeMax: ec.config.MaxStackDepth,
		SizeExact: true, Writable: true, AllowArithmetic: true, AllowPointerSpill: true,
		Name: "stack",
	})
	s.Stack = regfile.NewStackFrame(ec.config.MaxStackDepth)
	s.Frame = newFrame
	s.Regs.FrameBase = ptrstate.Pointer{
		Region: newFrame,
		Offset: scalar.Exact(0),
		Attrs:  ptrstate.Attrs{Null: ptrstate.NonNull, Arith: ptrstate.ArithAllowed},
		ID:     uint32(newFrame),
	}
	s.PC = target
	return stepResult{Next: []*State{s}}, nil
}

func conservativeCall(ec execCtx, s *State) (stepResult, error) {
	if err := s.Regs.Write(insn.R0, value.FromScalar(scalar.Unknown())); err != nil {
		return stepResult{}, wrapReject(RejectType, s.PC, err, "call r0")
	}
	s.Regs.Invalidate(insn.R1, "clobbered by call")
	s.Regs.Invalidate(insn.R2, "clobbered by call")
	s.Regs.Invalidate(insn.R3, "clobbered by call")
	s.Regs.Invalidate(insn.R4, "clobbered by call")
	s.Regs.Invalidate(insn.R5, "clobbered by call")
	return fallthroughTo(ec, s)
}

func stepCallHelper(ec execCtx, s *State, i insn.Insn) (stepResult, error) {
	if i.Imm == tailCallHelperID {
		return conservativeCall(ec, s)
	}
	sig, ok := ec.config.Helpers[i.Imm]
	if !ok {
		return stepResult{}, newReject(RejectType, s.PC, "call to unregistered helper id %d", i.Imm)
	}

	argRegs := [5]insn.Reg{insn.R1, insn.R2, insn.R3, insn.R4, insn.R5}
	var args [5]value.TrackedValue
	for idx, r := range argRegs {
		v, err := s.Regs.Read(r)
		if err != nil {
			if sig.Args[idx] == helper.ArgIgnored {
				args[idx] = value.Uninitialized()
				continue
			}
			return stepResult{}, wrapReject(RejectType, s.PC, err, "helper argument register")
		}
		args[idx] = v
	}

	res, err := helper.Call(sig, args, s.Arena)
	if err != nil {
		return stepResult{}, wrapReject(RejectType, s.PC, err, "helper call")
	}

	if res.ShouldInvalidateRegion {
		s.Arena.Invalidate(res.InvalidateRegion, res.InvalidateReason)
	}
	if err := s.Regs.Write(insn.R0, res.R0); err != nil {
		return stepResult{}, wrapReject(RejectType, s.PC, err, "helper r0 write")
	}
	s.Regs.Invalidate(insn.R1, "clobbered by call")
	s.Regs.Invalidate(insn.R2, "clobbered by call")
	s.Regs.Invalidate(insn.R3, "clobbered by call")
	s.Regs.Invalidate(insn.R4, "clobbered by call")
	s.Regs.Invalidate(insn.R5, "clobbered by call")
	return fallthroughTo(ec, s)
}

func stepConditional(ec execCtx, s *State, i insn.Insn) (stepResult, error) {
	succs := ec.graph.Successors(s.PC)
	if len(succs) != 2 {
		return stepResult{}, newReject(RejectCFG, s.PC, "conditional jump does not have two successors")
	}
	fallPC, takenPC := succs[0], succs[1]

	dst, err := s.Regs.Read(i.Dst)
	if err != nil {
		return stepResult{}, wrapReject(RejectType, s.PC, err, "branch dst operand")
	}
	src, err := readOperand(s, i)
	if err != nil {
		return stepResult{}, wrapReject(RejectType, s.PC, err, "branch src operand")
	}

	if dst.IsPointer() && i.Source == asm.ImmSource && i.Imm == 0 && (i.JumpOp == asm.JEq || i.JumpOp == asm.JNE) {
		return stepPointerNullBranch(ec, s, i, dst.Pointer, fallPC, takenPC)
	}

	if dst.IsPointer() && src.IsPointer() {
		return stepPointerCompareBranch(ec, s, i, dst.Pointer, src.Pointer, fallPC, takenPC)
	}

	if !dst.IsScalar() || !src.IsScalar() {
		return stepResult{}, newReject(RejectType, s.PC, "conditional jump on a non-scalar, non-null-check operand")
	}

	var n jump.Narrowing
	switch i.JumpOp {
	case asm.JEq:
		n = jump.NarrowEqual(dst.Scalar, src.Scalar)
	case asm.JNE:
		n = jump.NarrowNotEqual(dst.Scalar, src.Scalar)
	case asm.JSET:
		n = jset(dst.Scalar, src.Scalar)
	case asm.JGT, asm.JGE, asm.JLT, asm.JLE:
		n = unsignedCompare(i.JumpOp, dst.Scalar, src.Scalar)
	case asm.JSGT, asm.JSGE, asm.JSLT, asm.JSLE:
		n = signedCompare(i.JumpOp, dst.Scalar, src.Scalar)
	default:
		return stepResult{}, newReject(RejectMalformed, s.PC, "unrecognized jump op")
	}

	var next []*State
	if n.True.Feasible {
		taken := s.Clone()
		taken.PC = takenPC
		_ = taken.Regs.Write(i.Dst, value.FromScalar(n.True.A))
		if i.Source == asm.RegSource {
			_ = taken.Regs.Write(i.Src, value.FromScalar(n.True.B))
		}
		next = append(next, taken)
	}
	if n.False.Feasible {
		fall := s
		if len(next) > 0 {
			fall = s.Clone()
		}
		fall.PC = fallPC
		_ = fall.Regs.Write(i.Dst, value.FromScalar(n.False.A))
		if i.Source == asm.RegSource {
			_ = fall.Regs.Write(i.Src, value.FromScalar(n.False.B))
		}
		next = append(next, fall)
	}
	if len(next) == 0 {
		return stepResult{}, newReject(RejectCFG, s.PC, "both branch edges are infeasible")
	}
	return stepResult{Next: next}, nil
}

func stepPointerNullBranch(ec execCtx, s *State, i insn.Insn, p ptrstate.Pointer, fallPC, takenPC int) (stepResult, error) {
	edges := jump.NarrowPointerNullCheck(p)
	// JEq's taken edge is the null case; JNE's taken edge is non-null.
	takenPtr, fallPtr := edges.True, edges.False
	if i.JumpOp == asm.JNE {
		takenPtr, fallPtr = edges.False, edges.True
	}

	taken := s.Clone()
	taken.PC = takenPC
	applyPointerEdge(taken, i.Dst, p, takenPtr)

	fall := s
	fall.PC = fallPC
	applyPointerEdge(fall, i.Dst, p, fallPtr)

	return stepResult{Next: []*State{taken, fall}}, nil
}

// stepPointerCompareBranch handles a conditional jump comparing two
// pointer registers, the packet-bound-check idiom `if pkt <= pkt_end
// goto L`. JLE/JLT narrow the dst operand and JGE/JGT narrow the src
// operand on their taken edge; the strict forms are narrowed exactly like
// their non-strict counterparts (`<` is treated as `<=`), which is sound
// but gives up one byte of precision. The not-taken edge is not refined.
func stepPointerCompareBranch(ec execCtx, s *State, i insn.Insn, a, b ptrstate.Pointer, fallPC, takenPC int) (stepResult, error) {
	if i.Source != asm.RegSource {
		return stepResult{}, newReject(RejectType, s.PC, "pointer comparison requires a register operand")
	}

	taken := s.Clone()
	taken.PC = takenPC
	switch i.JumpOp {
	case asm.JLE, asm.JLT:
		applyPointerEdge(taken, i.Dst, a, jump.NarrowPacketBound(a, 0, b))
	case asm.JGE, asm.JGT:
		applyPointerEdge(taken, i.Src, b, jump.NarrowPacketBound(b, 0, a))
	}

	fall := s
	fall.PC = fallPC
	return stepResult{Next: []*State{taken, fall}}, nil
}

func applyPointerEdge(s *State, r insn.Reg, orig ptrstate.Pointer, narrowed ptrstate.Pointer) {
	_ = s.Regs.Write(r, value.FromPointer(narrowed))
	jump.PropagateLineage(s, orig.ID, narrowed.Offset)
}
