// Package verifier wires the ALU transfer function (internal/alu), the
// branch narrowing transfer functions (internal/jump), the helper-call
// protocol (internal/helper), and the control-flow graph (internal/cfg)
// into a single abstract-interpretation sweep over a decoded eBPF
// program (internal/insn), producing either Accept or Reject.
package verifier

import (
	"github.com/cilium/ebpf/asm"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"bpfverify/internal/cfg"
	"bpfverify/internal/helper"
	"bpfverify/internal/insn"
	"bpfverify/internal/ptrstate"
	"bpfverify/internal/region"
	"bpfverify/internal/regfile"
	"bpfverify/internal/scalar"
	"bpfverify/internal/value"
)

// Verify decodes programWords, builds its control-flow graph, and
// explores every reachable VM state from program entry, applying the
// ALU/jump/helper transfer functions at each step. It returns a single
// Accept once every explored path exits cleanly within config's return
// contract and resource limits, or the first Reject encountered.
func Verify(programWords []uint64, config Config) (Result, error) {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	if config.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	runID := uuid.New().String()
	entry := log.WithField("run_id", runID)

	insns, err := insn.DecodeProgram(programWords)
	if err != nil {
		return rejectResult(buildReject(newReject(RejectMalformed, 0, "decode: %s", err), nil, config)), nil
	}

	graph, err := cfg.Build(insns)
	if err != nil {
		return rejectResult(buildReject(wrapReject(RejectCFG, 0, err, "build cfg"), nil, config)), nil
	}

	ec, initial, err := newInitialState(graph, config)
	if err != nil {
		return Result{}, errors.Wrap(err, "constructing initial state")
	}

	budget := 0
	initial.Budget = &budget

	stackDepths := map[int]uint32{}
	helperUses := map[int32]int{}
	visited := map[int]int{}

	worklist := []*State{initial}
	for len(worklist) > 0 {
		s := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		*s.Budget++
		if *s.Budget > int(config.MaxInsnVisits) {
			entry.WithField("pc", s.PC).Warn("exceeded max_insn_visits")
			return rejectResult(buildReject(newReject(RejectResource, s.PC, "exceeded max_insn_visits (%d)", config.MaxInsnVisits), s, config)), nil
		}
		visited[s.PC]++

		if sub, ok := graph.SubprogContaining(s.PC); ok {
			if d := uint32(len(s.CallStack)); d > stackDepths[sub.Index] {
				stackDepths[sub.Index] = d
			}
		}
		if i, ok := graph.InsnAt(s.PC); ok && i.IsJump() && i.JumpOp == asm.Call && i.Pseudo == insn.PseudoHelperCall {
			helperUses[i.Imm]++
		}

		res, err := step(ec, s)
		if err != nil {
			entry.WithField("pc", s.PC).WithError(err).Warn("rejected")
			return rejectResult(buildReject(err, s, config)), nil
		}

		if res.Done {
			if !config.ReturnContract(res.Return) {
				return rejectResult(buildReject(newReject(RejectType, s.PC, "return value does not satisfy the configured return contract"), s, config)), nil
			}
			entry.WithField("pc", s.PC).Debug("state terminated cleanly")
			continue
		}

		if len(res.Next) > 1 {
			entry.WithField("pc", s.PC).Debug("forking branch")
		}
		worklist = append(worklist, res.Next...)
	}

	return acceptResult(Accept{
		MaxStackDepthPerSubprog: stackDepths,
		ReachableInstructions:   len(visited),
		HelperUsageSummary:      helperUses,
	}), nil
}

// buildReject converts a *RejectError (as built by newReject/wrapReject)
// into the public Reject payload, attaching a go-spew dump of the
// rejecting state's registers and stack when the host asked for verbose
// diagnostics. s is nil when rejection happens before any State exists
// (decode or CFG-build failure).
func buildReject(err error, s *State, config Config) Reject {
	var re *RejectError
	if !errors.As(err, &re) {
		return Reject{Kind: RejectMalformed, Message: err.Error()}
	}
	out := Reject{Kind: re.Kind, PC: uint64(re.PC), Message: re.Error()}
	if config.Verbose && s != nil {
		out.Trace = spew.Sdump(s.Regs, s.Stack, s.CallStack)
	}
	return out
}

// newInitialState builds the program-entry State from config's declared
// entry arguments, pre-registering any pointer-typed context fields in
// the arena so repeated loads of the same field see one stable region.
func newInitialState(graph *cfg.Graph, config Config) (execCtx, *State, error) {
	arena := region.NewArena()

	fieldRegions := map[uint32]region.ID{}
	for off, field := range config.ContextFields {
		if !field.IsPointer {
			continue
		}
		id := arena.Alloc(region.Region{
			Kind: field.PointsTo, SizeMin: 0, SizeMax: 1 << 20,
			AllowArithmetic: true, Writable: field.PointsTo != region.KindPacketData,
			Name: "context-field",
		})
		fieldRegions[off] = id
	}

	frameID := arena.Alloc(region.Region{
		Kind: region.KindStack, SizeMin: config.MaxStackDepth, SizeMax: config.MaxStackDepth,
		SizeExact: true, Writable: true, AllowArithmetic: true, AllowPointerSpill: true,
		Name: "stack",
	})
	frameBase := ptrstate.Pointer{
		Region: frameID,
		Offset: scalar.Exact(0),
		Attrs:  ptrstate.Attrs{Null: ptrstate.NonNull, Arith: ptrstate.ArithAllowed},
		ID:     uint32(frameID),
	}

	regs := regfile.NewRegisterFile(frameBase)
	for idx, arg := range config.EntryArgs {
		r := insn.Reg(idx + 1) // R1..R5
		v, err := entryArgValue(arena, arg)
		if err != nil {
			return execCtx{}, nil, err
		}
		if v.Kind == value.KindUninitialized {
			continue
		}
		if err := regs.Write(r, v); err != nil {
			return execCtx{}, nil, err
		}
	}

	s := &State{
		PC:    0,
		Regs:  regs,
		Stack: regfile.NewStackFrame(config.MaxStackDepth),
		Frame: frameID,
		Arena: arena,
	}

	ec := execCtx{graph: graph, config: config, fieldRegions: fieldRegions}
	return ec, s, nil
}

// entryArgValue types one of R1..R5 at program entry from its declared
// EntryArg: an ignored argument leaves the register unbound, a scalar
// kind seeds an Unknown scalar, and a pointer kind allocates a fresh
// arena region to back a non-null pointer of that region's kind.
func entryArgValue(arena *region.Arena, arg EntryArg) (value.TrackedValue, error) {
	switch arg.Kind {
	case helper.ArgIgnored:
		return value.Uninitialized(), nil
	case helper.ArgAnyScalar, helper.ArgConstSize:
		return value.FromScalar(scalar.Unknown()), nil
	default:
		id := arena.Alloc(arg.Region)
		return value.FromPointer(ptrstate.Pointer{
			Region: id,
			Offset: scalar.Exact(0),
			Attrs:  ptrstate.Attrs{Null: ptrstate.NonNull, Arith: ptrstate.ArithAllowed},
			ID:     uint32(id),
		}), nil
	}
}
