// Package alu implements the ALU transfer function from spec.md §4.G: a
// table-driven dispatch on instruction class × ALU op over TrackedValue
// operands instead of concrete machine words.
package alu

import (
	"github.com/pkg/errors"

	"github.com/cilium/ebpf/asm"

	"bpfverify/internal/insn"
	"bpfverify/internal/ptrstate"
	"bpfverify/internal/region"
	"bpfverify/internal/scalar"
	"bpfverify/internal/value"
)

// DivZeroPolicy controls how Apply handles a divisor whose interval
// includes zero, per spec.md §4.G.
type DivZeroPolicy uint8

const (
	// DivZeroReject rejects the instruction outright.
	DivZeroReject DivZeroPolicy = iota
	// DivZeroRewriteToZero continues with a tainted unknown result
	// instead of rejecting, per the host's "rewrite to zero-check" opt-in.
	DivZeroRewriteToZero
)

// Options carries the handful of host-configuration knobs Apply needs,
// kept local to this package rather than depending on the top-level
// verifier Config (which in turn depends on this package).
type Options struct {
	AllowPtrLeaks bool
	DivZero       DivZeroPolicy
}

func width(class asm.Class) uint64 {
	if class == asm.ALU64Class {
		return 64
	}
	return 32
}

// Apply computes the result of a binary ALU instruction over tracked
// operands, per spec.md §4.G. For unary ops (Neg, Mov, End) src is
// unused except where the instruction's own semantics call for it (Mov
// reg-to-reg copies src entirely).
func Apply(i insn.Insn, dst, src value.TrackedValue, arena *region.Arena, opts Options) (value.TrackedValue, error) {
	if !i.IsALU() {
		return value.TrackedValue{}, errors.Errorf("pc %d: not an ALU instruction", i.PC)
	}

	if i.ALUOp == asm.Mov {
		return applyMov(i, src, opts)
	}
	if i.ALUOp == asm.Neg {
		if !dst.IsScalar() {
			return value.TrackedValue{}, errors.Errorf("pc %d: NEG on a non-scalar register", i.PC)
		}
		return finishScalar(i, scalar.Neg(dst.Scalar)), nil
	}

	// Pointer/scalar matrix (spec.md §4.G): pointer arithmetic only
	// through Add/Sub; everything else on a pointer operand is rejected.
	if dst.IsPointer() || src.IsPointer() {
		return applyPointerMatrix(i, dst, src, arena, opts)
	}

	if !dst.IsScalar() || !src.IsScalar() {
		return value.TrackedValue{}, errors.Errorf("pc %d: ALU operand is neither scalar nor pointer", i.PC)
	}

	a, b := dst.Scalar, src.Scalar
	switch i.ALUOp {
	case asm.Add:
		return finishScalar(i, scalar.Add(a, b)), nil
	case asm.Sub:
		return finishScalar(i, scalar.Sub(a, b)), nil
	case asm.Mul:
		return finishScalar(i, scalar.Mul(a, b)), nil
	case asm.Or:
		return finishScalar(i, scalar.Or(a, b)), nil
	case asm.And:
		return finishScalar(i, scalar.And(a, b)), nil
	case asm.Xor:
		return finishScalar(i, scalar.Xor(a, b)), nil
	case asm.Div, asm.Mod:
		return applyDivMod(i, a, b, opts)
	case asm.Lsh:
		return applyShift(i, a, b, scalar.Lsh)
	case asm.Rsh:
		return applyShift(i, a, b, scalar.Rsh)
	case asm.Arsh:
		w := width(i.Class)
		return applyShift(i, a, b, func(x, amt scalar.Scalar) scalar.Scalar {
			return scalar.Arsh(x, amt, uint(w))
		})
	default:
		// Treated as BPF_END (byte-swap/endianness conversion): the
		// value's concrete bit pattern is unknowable in general, but its
		// width after conversion is still exactly representable.
		return applyEnd(i, a), nil
	}
}

func finishScalar(i insn.Insn, s scalar.Scalar) value.TrackedValue {
	if i.Class == asm.ALUClass {
		s = scalar.ZeroExtend32(s)
	}
	return value.FromScalar(s)
}

func applyMov(i insn.Insn, src value.TrackedValue, opts Options) (value.TrackedValue, error) {
	if i.Source == asm.ImmSource {
		// BPF_K semantics: MOV64's immediate sign-extends to 64 bits;
		// MOV32's is truncated to 32 bits regardless, so zero-extension
		// is equivalent there.
		if i.Class == asm.ALU64Class {
			return finishScalar(i, scalar.Exact(uint64(int64(i.Imm)))), nil
		}
		return finishScalar(i, scalar.Exact(uint64(uint32(i.Imm)))), nil
	}
	// reg->reg MOV copies the source verbatim, including pointer lineage
	// (spec.md §4.G "MOV with reg->reg copies lineage id").
	if src.IsPointer() {
		if i.Class == asm.ALUClass {
			return value.TrackedValue{}, errors.Errorf("pc %d: 32-bit MOV of a pointer is not permitted", i.PC)
		}
		return src, nil
	}
	if src.IsScalar() {
		return finishScalar(i, src.Scalar), nil
	}
	return value.TrackedValue{}, errors.Errorf("pc %d: MOV from an uninitialized or invalidated register", i.PC)
}

func applyEnd(i insn.Insn, a scalar.Scalar) value.TrackedValue {
	bits := uint32(i.Imm)
	switch bits {
	case 16:
		return value.FromScalar(scalar.And(scalar.Unknown(), scalar.Exact(0xffff)))
	case 32:
		return value.FromScalar(scalar.ZeroExtend32(scalar.Unknown()))
	default:
		return value.FromScalar(scalar.Unknown())
	}
}

func applyDivMod(i insn.Insn, a, b scalar.Scalar, opts Options) (value.TrackedValue, error) {
	if b.Contains(0) {
		if opts.DivZero == DivZeroReject {
			return value.TrackedValue{}, errors.Errorf("pc %d: divisor may be zero", i.PC)
		}
		return finishScalar(i, scalar.Unknown()), nil
	}
	// Division result bounds aren't tracked precisely; over-approximate
	// with the full-width unknown scalar, which is always sound.
	return finishScalar(i, scalar.Unknown()), nil
}

func applyShift(i insn.Insn, a, amount scalar.Scalar, f func(a, amount scalar.Scalar) scalar.Scalar) (value.TrackedValue, error) {
	if !scalar.ShiftInRange(amount, width(i.Class)) {
		return value.TrackedValue{}, errors.Errorf("pc %d: shift amount out of range for a %d-bit operand", i.PC, width(i.Class))
	}
	return finishScalar(i, f(a, amount)), nil
}

func applyPointerMatrix(i insn.Insn, dst, src value.TrackedValue, arena *region.Arena, opts Options) (value.TrackedValue, error) {
	if i.ALUOp != asm.Add && i.ALUOp != asm.Sub {
		return value.TrackedValue{}, errors.Errorf("pc %d: only ADD/SUB are permitted on a pointer operand", i.PC)
	}
	if dst.IsPointer() && src.IsPointer() {
		if i.ALUOp != asm.Sub {
			return value.TrackedValue{}, errors.Errorf("pc %d: pointer+pointer is not permitted", i.PC)
		}
		diff, err := ptrstate.SubPointer(dst.Pointer, src.Pointer, opts.AllowPtrLeaks)
		if err != nil {
			return value.TrackedValue{}, errors.Wrapf(err, "pc %d", i.PC)
		}
		return finishScalar(i, diff), nil
	}

	var ptr ptrstate.Pointer
	var off scalar.Scalar
	negateOffset := false
	if dst.IsPointer() {
		ptr, off = dst.Pointer, src.Scalar
		negateOffset = i.ALUOp == asm.Sub
	} else {
		ptr, off = src.Pointer, dst.Scalar
		if i.ALUOp == asm.Sub {
			return value.TrackedValue{}, errors.Errorf("pc %d: scalar - pointer is not permitted", i.PC)
		}
	}

	r, _, ok := arena.Get(ptr.Region)
	if !ok {
		return value.TrackedValue{}, errors.Errorf("pc %d: pointer references an unknown region", i.PC)
	}
	if !ptrstate.CanArith(ptr, r) {
		return value.TrackedValue{}, errors.Errorf("pc %d: pointer arithmetic is not permitted on this pointer", i.PC)
	}

	var out ptrstate.Pointer
	if negateOffset {
		out = ptrstate.Sub(ptr, off)
	} else {
		out = ptrstate.Add(ptr, off)
	}
	if out.Offset.SMax < 0 || out.Offset.SMin > int64(r.SizeMax) {
		return value.TrackedValue{}, errors.Errorf("pc %d: pointer arithmetic result provably escapes its region", i.PC)
	}
	return value.FromPointer(out), nil
}

// AtomicOp identifies a BPF_ATOMIC sub-operation, per the immediate
// field of an STX|BPF_ATOMIC instruction.
type AtomicOp uint8

const (
	AtomicAdd AtomicOp = iota
	AtomicOr
	AtomicAnd
	AtomicXor
	AtomicXchg
	AtomicCmpXchg
)

// ApplyAtomic computes the read-modify-write update for a BPF_ATOMIC
// instruction, per the Open Question decision recorded in DESIGN.md:
// conservatively, the memory location's new tracked value and (when
// fetch is set) the value returned into the source register are both
// collapsed to an unknown scalar, since the abstract domain cannot
// express "the value before this specific concurrent update" precisely.
// Pointer memory locations are rejected outright: an atomic RMW on a
// pointer-typed slot could fabricate an out-of-thin-air pointer value.
func ApplyAtomic(op AtomicOp, mem, operand value.TrackedValue, fetch bool) (newMem value.TrackedValue, fetched value.TrackedValue, err error) {
	if mem.IsPointer() {
		return value.TrackedValue{}, value.TrackedValue{}, errors.New("atomic op on a pointer-typed memory location is not permitted")
	}
	if !mem.IsScalar() {
		return value.TrackedValue{}, value.TrackedValue{}, errors.New("atomic op on an uninitialized or invalidated memory location")
	}
	newMem = value.FromScalar(scalar.Unknown())
	if fetch {
		fetched = value.FromScalar(scalar.Unknown())
	} else {
		fetched = value.Uninitialized()
	}
	return newMem, fetched, nil
}
