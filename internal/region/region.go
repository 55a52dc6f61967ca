// Package region implements the memory-region arena from spec.md §3/§9:
// named memory areas referenced by a stable integer id rather than by
// owning pointer ("arena + integer indices for regions"). Invalidation
// flips a per-region version counter; stale ids are caught at access
// time instead of by ownership tracking.
package region

import "fmt"

// ID is a stable, small integer handle into an Arena. Never a UUID —
// spec.md §9 is explicit that regions are referenced by small integer
// index, not by an opaque owning pointer or globally unique identifier.
type ID uint32

// Kind tags the variant of memory a Region represents, per spec.md §3's
// MemoryRegion variant list.
type Kind uint8

const (
	KindStack Kind = iota
	KindMapFD
	KindMapValue
	KindPacketData
	KindContext
	KindHeapObject
	KindProgramData
)

func (k Kind) String() string {
	switch k {
	case KindStack:
		return "stack"
	case KindMapFD:
		return "map-fd"
	case KindMapValue:
		return "map-value"
	case KindPacketData:
		return "packet-data"
	case KindContext:
		return "context"
	case KindHeapObject:
		return "heap-object"
	case KindProgramData:
		return "program-data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// FieldKind describes a single field of a context-struct region, used to
// type-check loads/stores against the caller-supplied field table
// (spec.md §6 context_fields).
type FieldKind struct {
	Size      uint32
	ReadOnly  bool
	IsPointer bool
	// PointsTo names the region Kind a pointer field refers to, once
	// dereferenced (e.g. a context field that holds the packet-data
	// pointer). Ignored when IsPointer is false.
	PointsTo Kind
}

// Region describes the static shape and access rules of one memory
// region, independent of which VM state currently references it
// (spec.md §3 "Each variant knows its size bound ... and its access
// rules").
type Region struct {
	Kind Kind

	// SizeMin/SizeMax bound the region's byte size. SizeExact is true
	// when SizeMin==SizeMax is the only possible size (e.g. the 512-byte
	// stack frame, a map value of fixed value_size); false for regions
	// with a dynamic size companion (packet data's "end" pointer).
	SizeMin, SizeMax uint32
	SizeExact        bool

	AllowArithmetic bool
	Writable        bool
	// AllowUnaligned permits loads/stores whose offset isn't a multiple
	// of the access size; only the stack frame's own spill-slot accesses
	// are naturally aligned by construction, so this is false for every
	// built-in region kind except where the caller explicitly opts in.
	AllowUnaligned bool
	// AllowPointerSpill permits storing a Pointer TrackedValue into this
	// region at an 8-byte aligned offset (spec.md §3 "Pointer spills are
	// permitted only when the region permits it").
	AllowPointerSpill bool
	// MaybeNull describes the nullability this region's freshly
	// produced pointers start with; a specific Pointer
	// (internal/ptrstate) can later be refined tighter by branch
	// narrowing without changing the region itself.
	MaybeNull bool

	// Fields is populated only for KindContext regions: a byte-offset to
	// FieldKind table supplied by the caller (spec.md §6).
	Fields map[uint32]FieldKind

	// Name is used only for diagnostics.
	Name string
}

// InBounds reports whether the half-open byte range [offset, offset+size)
// is provably within this region for every concrete size the region may
// have. For non-exact-size regions (e.g. packet data), InBounds is
// conservative: it only returns true when offset+size is within
// SizeMin, since SizeMax may not be achieved by the concrete packet at
// runtime — the analyzer must not accept an access that only some
// packet lengths would allow.
func (r Region) InBounds(offset int64, size uint32) bool {
	if offset < 0 {
		return false
	}
	end := offset + int64(size)
	return end <= int64(r.SizeMin)
}

// arenaEntry is one slot in an Arena: the static Region description plus
// a liveness version. A Pointer records the version it observed at
// creation time; a mismatch at access time means the region was
// invalidated in between (spec.md §9).
type arenaEntry struct {
	region     Region
	version    uint32
	invalid    bool
	invalidMsg string
}

// Arena owns every Region discovered during verification of one program,
// indexed by ID. An Arena is never shared across VM states that have
// diverged from a fork in a way that would invalidate one but not the
// other — see State.Clone in verifier/state.go, which calls Arena.Clone.
type Arena struct {
	entries []arenaEntry
}

// NewArena returns an empty arena.
func NewArena() *Arena { return &Arena{} }

// Alloc registers a new region and returns its stable id.
func (a *Arena) Alloc(r Region) ID {
	a.entries = append(a.entries, arenaEntry{region: r})
	return ID(len(a.entries) - 1)
}

// Get returns the Region and its current version for id. ok is false if
// id is out of range.
func (a *Arena) Get(id ID) (Region, uint32, bool) {
	if int(id) < 0 || int(id) >= len(a.entries) {
		return Region{}, 0, false
	}
	e := a.entries[id]
	return e.region, e.version, true
}

// CheckVersion reports whether observedVersion still matches id's
// current version, i.e. whether a Pointer created when the region had
// that version is still valid to dereference. If the region was
// invalidated, the reason is returned.
func (a *Arena) CheckVersion(id ID, observedVersion uint32) (ok bool, reason string) {
	if int(id) < 0 || int(id) >= len(a.entries) {
		return false, "reference to unknown region"
	}
	e := a.entries[id]
	if e.invalid || e.version != observedVersion {
		if e.invalidMsg != "" {
			return false, e.invalidMsg
		}
		return false, "stale reference to reallocated region"
	}
	return true, ""
}

// Invalidate bumps id's version and records reason, so every Pointer
// that observed the prior version is rejected on next access. Used by
// the verifier's helper-call step when internal/helper reports that a
// helper invalidates prior pointers into a transient region (spec.md §4.I.5).
func (a *Arena) Invalidate(id ID, reason string) {
	if int(id) < 0 || int(id) >= len(a.entries) {
		return
	}
	a.entries[id].version++
	a.entries[id].invalid = true
	a.entries[id].invalidMsg = reason
}

// CurrentVersion returns id's live version, used when a fresh Pointer
// into an existing region is minted.
func (a *Arena) CurrentVersion(id ID) uint32 {
	if int(id) < 0 || int(id) >= len(a.entries) {
		return 0
	}
	return a.entries[id].version
}

// Clone deep-copies the arena for a forked VM state (spec.md §3
// "Cloning a VM state ... performs a deep copy").
func (a *Arena) Clone() *Arena {
	out := &Arena{entries: make([]arenaEntry, len(a.entries))}
	copy(out.entries, a.entries)
	return out
}
