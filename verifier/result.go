package verifier

import "fmt"

// RejectKind is spec.md §7's rejection taxonomy.
type RejectKind int

const (
	RejectMalformed RejectKind = iota
	RejectCFG
	RejectType
	RejectMemory
	RejectArithmetic
	RejectResource
)

func (k RejectKind) String() string {
	switch k {
	case RejectMalformed:
		return "malformed"
	case RejectCFG:
		return "cfg"
	case RejectType:
		return "type"
	case RejectMemory:
		return "memory"
	case RejectArithmetic:
		return "arithmetic"
	case RejectResource:
		return "resource"
	default:
		return fmt.Sprintf("reject-kind(%d)", int(k))
	}
}

// Reject is the verifier's rejection payload, per spec.md §6's Output.
type Reject struct {
	Kind    RejectKind
	PC      uint64
	Message string
	// Trace holds a go-spew dump of the rejecting state, populated only
	// when Config.Verbose is set.
	Trace string
}

// Accept is the verifier's acceptance payload, per spec.md §6's Output.
type Accept struct {
	MaxStackDepthPerSubprog map[int]uint32
	ReachableInstructions   int
	HelperUsageSummary      map[int32]int
}

// ResultKind discriminates Result's two variants.
type ResultKind int

const (
	ResultAccept ResultKind = iota
	ResultReject
)

// Result is the tagged union spec.md §6 describes as the verifier's
// only output: either Accept or Reject, never both, never partial.
type Result struct {
	kind   ResultKind
	accept Accept
	reject Reject
}

func (r Result) Kind() ResultKind { return r.kind }
func (r Result) Accept() Accept   { return r.accept }
func (r Result) Reject() Reject   { return r.reject }

func acceptResult(a Accept) Result { return Result{kind: ResultAccept, accept: a} }
func rejectResult(r Reject) Result { return Result{kind: ResultReject, reject: r} }

// RejectError wraps a rejection with a stack-carrying cause from
// github.com/pkg/errors, so `%+v` prints the call chain a rejection
// came from. It is an internal control-flow value within one state's
// walk, never returned from Verify itself — Verify converts it into a
// Reject result.
type RejectError struct {
	Kind RejectKind
	PC   int
	err  error
}

func (e *RejectError) Error() string { return e.err.Error() }
func (e *RejectError) Unwrap() error { return e.err }
func (e *RejectError) Format(s fmt.State, verb rune) {
	if formatter, ok := e.err.(fmt.Formatter); ok {
		formatter.Format(s, verb)
		return
	}
	fmt.Fprint(s, e.err.Error())
}
