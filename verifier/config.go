package verifier

import (
	"bpfverify/internal/alu"
	"bpfverify/internal/helper"
	"bpfverify/internal/region"
	"bpfverify/internal/scalar"
)

// EntryArg describes one of R1..R5's typed signature at program entry,
// per spec.md §6 `entry_args: [ArgKind; 5]`. Region is only consulted
// when Kind names a pointer kind: it is allocated fresh in the arena to
// back the initial pointer value.
type EntryArg struct {
	Kind   helper.ArgKind
	Region region.Region
}

// Config is the verifier's host-supplied configuration, per spec.md
// §6's enumerated fields.
type Config struct {
	AllowPtrLeaks    bool
	AllowPtrToMapArg bool

	MaxInsnVisits  uint32
	MaxCallDepth   uint8
	MaxStackDepth  uint32

	EntryArgs [5]EntryArg
	Helpers   map[int32]helper.Signature

	ContextFields map[uint32]region.FieldKind
	// ReturnContract reports whether v is an acceptable R0 value at a
	// top-level exit, per spec.md §6 `return_contract: ScalarPredicate`.
	ReturnContract func(v scalar.Scalar) bool

	DivZero alu.DivZeroPolicy

	// Verbose attaches a go-spew state dump to Reject.Trace and lowers
	// the run's log level to Debug. The run id appears only on log lines;
	// it is not added to Reject.Message.
	Verbose bool
}

// Option configures a Config via the functional-options pattern.
type Option func(*Config)

func WithAllowPtrLeaks(v bool) Option        { return func(c *Config) { c.AllowPtrLeaks = v } }
func WithAllowPtrToMapArg(v bool) Option     { return func(c *Config) { c.AllowPtrToMapArg = v } }
func WithMaxInsnVisits(n uint32) Option      { return func(c *Config) { c.MaxInsnVisits = n } }
func WithMaxCallDepth(n uint8) Option        { return func(c *Config) { c.MaxCallDepth = n } }
func WithMaxStackDepth(n uint32) Option      { return func(c *Config) { c.MaxStackDepth = n } }
func WithVerbose(v bool) Option              { return func(c *Config) { c.Verbose = v } }
func WithDivZeroPolicy(p alu.DivZeroPolicy) Option {
	return func(c *Config) { c.DivZero = p }
}

func WithEntryArg(index int, arg EntryArg) Option {
	return func(c *Config) {
		if index >= 0 && index < len(c.EntryArgs) {
			c.EntryArgs[index] = arg
		}
	}
}

func WithHelper(id int32, sig helper.Signature) Option {
	return func(c *Config) {
		if c.Helpers == nil {
			c.Helpers = map[int32]helper.Signature{}
		}
		c.Helpers[id] = sig
	}
}

func WithContextField(offset uint32, field region.FieldKind) Option {
	return func(c *Config) {
		if c.ContextFields == nil {
			c.ContextFields = map[uint32]region.FieldKind{}
		}
		c.ContextFields[offset] = field
	}
}

func WithReturnContract(p func(scalar.Scalar) bool) Option {
	return func(c *Config) { c.ReturnContract = p }
}

// DefaultConfig returns the documented defaults (spec.md §6:
// max_call_depth=8, max_stack_depth=512) with opts applied on top.
func DefaultConfig(opts ...Option) Config {
	c := Config{
		MaxInsnVisits: 1_000_000,
		MaxCallDepth:  8,
		MaxStackDepth: 512,
		Helpers:       map[int32]helper.Signature{},
		ContextFields: map[uint32]region.FieldKind{},
		ReturnContract: func(v scalar.Scalar) bool {
			return true
		},
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}
