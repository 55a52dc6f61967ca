// Package cfg builds the control-flow graph used by the branching driver:
// subprogram segmentation, jump-target resolution, and a reachability
// sweep, per spec.md §4.F. It is a linear pre-pass over the decoded
// instruction stream (internal/insn) and never revisited once built —
// the resulting Graph is shared by reference across every forked VM
// state during verification.
package cfg

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/cilium/ebpf/asm"

	"bpfverify/internal/insn"
)

// tailCallHelperID is the Linux BPF_FUNC_tail_call helper id. A CALL to
// this id is the one ABI-recognized tail call; everything else reaching
// BPF_CALL with the ordinary helper pseudo-source is just a helper.
const tailCallHelperID = 12

// Subprog is one contiguous function discovered during segmentation,
// per spec.md §4.F step 1.
type Subprog struct {
	Index int
	Entry int // PC of the first instruction
	// PCs lists this subprog's instructions in program order.
	PCs []int

	HasTailCall       bool
	HasLegacyPacketOp bool
}

// Graph is the immutable result of Build: the decoded program plus its
// subprogram table and successor/predecessor adjacency.
type Graph struct {
	Insns []insn.Insn

	byPC     map[int]int // instruction PC -> index into Insns
	subprogs []Subprog
	subOfPC  map[int]int // instruction PC -> index into subprogs

	succs map[int][]int
	preds map[int][]int

	reachable map[int]bool
}

// Subprogs returns the discovered subprogram table in entry order.
func (g *Graph) Subprogs() []Subprog { return g.subprogs }

// InsnAt returns the decoded instruction starting at pc.
func (g *Graph) InsnAt(pc int) (insn.Insn, bool) {
	idx, ok := g.byPC[pc]
	if !ok {
		return insn.Insn{}, false
	}
	return g.Insns[idx], true
}

// SubprogContaining returns the subprog that owns pc.
func (g *Graph) SubprogContaining(pc int) (Subprog, bool) {
	idx, ok := g.subOfPC[pc]
	if !ok {
		return Subprog{}, false
	}
	return g.subprogs[idx], true
}

// Successors returns the PCs control may flow to directly from pc.
func (g *Graph) Successors(pc int) []int { return g.succs[pc] }

// Predecessors returns the PCs from which control may flow directly to pc.
func (g *Graph) Predecessors(pc int) []int { return g.preds[pc] }

// Reachable reports whether pc was reached by the DFS from its own
// subprogram's entry.
func (g *Graph) Reachable(pc int) bool { return g.reachable[pc] }

func nextPC(i insn.Insn) int {
	if i.Wide {
		return i.PC + 2
	}
	return i.PC + 1
}

func jumpTarget(i insn.Insn) int { return nextPC(i) + int(i.Offset) }

func isUnconditionalJump(i insn.Insn) bool {
	return i.IsJump() && i.JumpOp == asm.Ja
}

func isTerminal(i insn.Insn) bool {
	return i.IsJump() && i.JumpOp == asm.Exit
}

func isCall(i insn.Insn) bool {
	return i.IsJump() && i.JumpOp == asm.Call
}

// Build performs subprogram segmentation, jump resolution, and
// reachability analysis over a decoded instruction stream, per spec.md
// §4.F.
func Build(insns []insn.Insn) (*Graph, error) {
	if len(insns) == 0 {
		return nil, errors.New("empty program")
	}

	byPC := make(map[int]int, len(insns))
	for idx, i := range insns {
		byPC[i.PC] = idx
	}

	entries := collectSubprogEntries(insns)

	g := &Graph{
		Insns:     insns,
		byPC:      byPC,
		subOfPC:   map[int]int{},
		succs:     map[int][]int{},
		preds:     map[int][]int{},
		reachable: map[int]bool{},
	}

	if err := g.segmentSubprogs(entries); err != nil {
		return nil, err
	}
	if err := g.resolveJumpsAndBuildAdjacency(); err != nil {
		return nil, err
	}
	g.computeReachability()
	if err := g.rejectUnreachable(); err != nil {
		return nil, err
	}

	return g, nil
}

// collectSubprogEntries finds pc 0 plus the target of every
// PSEUDO_CALL, sorted and de-duplicated (spec.md §4.F step 1).
func collectSubprogEntries(insns []insn.Insn) []int {
	entries := []int{0}
	for _, i := range insns {
		if isCall(i) && i.Pseudo == insn.PseudoCallLocal {
			target := jumpTarget(i)
			entries = append(entries, target)
		}
	}
	slices.Sort(entries)
	return slices.Compact(entries)
}

// segmentSubprogs assigns every instruction to the subprog whose entry
// is the greatest entry PC not exceeding the instruction's PC, and
// validates that every declared entry actually lands on an instruction
// boundary.
func (g *Graph) segmentSubprogs(entries []int) error {
	for _, e := range entries {
		if _, ok := g.byPC[e]; !ok {
			return errors.Errorf("subprog entry pc %d does not land on an instruction boundary", e)
		}
	}

	g.subprogs = make([]Subprog, len(entries))
	for idx, e := range entries {
		g.subprogs[idx] = Subprog{Index: idx, Entry: e}
	}

	for _, i := range g.Insns {
		subIdx, ok := slices.BinarySearch(entries, i.PC)
		if !ok {
			// i.PC falls between two entries: it belongs to the subprog
			// whose entry is the largest one at or below i.PC.
			subIdx--
		}
		if subIdx < 0 {
			return errors.Errorf("instruction at pc %d precedes the entry subprog", i.PC)
		}
		g.subOfPC[i.PC] = subIdx
		sp := &g.subprogs[subIdx]
		sp.PCs = append(sp.PCs, i.PC)

		if isCall(i) && i.Pseudo == insn.PseudoHelperCall && i.Imm == tailCallHelperID {
			sp.HasTailCall = true
		}
		if i.IsLegacyPacketAccess() {
			sp.HasLegacyPacketOp = true
		}
	}

	for idx := range g.subprogs {
		if len(g.subprogs[idx].PCs) == 0 {
			return errors.Errorf("subprog %d (entry pc %d) has no instructions", idx, g.subprogs[idx].Entry)
		}
		last := g.Insns[g.byPC[g.subprogs[idx].PCs[len(g.subprogs[idx].PCs)-1]]]
		if !isTerminal(last) && !isUnconditionalJump(last) {
			return errors.Errorf("subprog %d (entry pc %d) does not terminate in an explicit exit or unconditional jump", idx, g.subprogs[idx].Entry)
		}
	}
	return nil
}

// resolveJumpsAndBuildAdjacency validates that every jump target lands
// inside the same subprog as its source (spec.md §4.F step 2) and
// records successor/predecessor edges for the branching driver.
func (g *Graph) resolveJumpsAndBuildAdjacency() error {
	for _, i := range g.Insns {
		var succs []int

		switch {
		case isTerminal(i):
			// no successors

		case i.IsJump() && i.JumpOp == asm.Call:
			succs = append(succs, nextPC(i))

		case isUnconditionalJump(i):
			target := jumpTarget(i)
			if err := g.checkSameSubprog(i.PC, target); err != nil {
				return err
			}
			succs = append(succs, target)

		case i.IsJump():
			target := jumpTarget(i)
			if err := g.checkSameSubprog(i.PC, target); err != nil {
				return err
			}
			succs = append(succs, nextPC(i), target)

		default:
			succs = append(succs, nextPC(i))
		}

		for _, s := range succs {
			if _, ok := g.byPC[s]; !ok {
				return errors.Errorf("pc %d: control flow falls off the end of the program or into a mid-instruction word at pc %d", i.PC, s)
			}
		}

		g.succs[i.PC] = succs
		for _, s := range succs {
			g.preds[s] = append(g.preds[s], i.PC)
		}
	}
	return nil
}

func (g *Graph) checkSameSubprog(from, to int) error {
	fromSub, ok1 := g.subOfPC[from]
	toSub, ok2 := g.subOfPC[to]
	if !ok1 || !ok2 || fromSub != toSub {
		return errors.Errorf("jump at pc %d targets pc %d outside its subprog", from, to)
	}
	return nil
}

// computeReachability runs a DFS from every subprog's own entry,
// per spec.md §4.F step 3.
func (g *Graph) computeReachability() {
	for _, sp := range g.subprogs {
		stack := []int{sp.Entry}
		for len(stack) > 0 {
			pc := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if g.reachable[pc] {
				continue
			}
			g.reachable[pc] = true
			stack = append(stack, g.succs[pc]...)
		}
	}
}

func (g *Graph) rejectUnreachable() error {
	for _, i := range g.Insns {
		if !g.reachable[i.PC] {
			return errors.Errorf("unreachable instruction at pc %d", i.PC)
		}
	}
	return nil
}
