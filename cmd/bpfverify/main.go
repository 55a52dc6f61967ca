// Command bpfverify is a thin command-line harness around the verifier
// package: it reads a raw little-endian instruction-word file, builds a
// Config from flags, runs Verify, and reports Accept or Reject. No
// analyzer logic lives here; everything below is plumbing.
package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bpfverify/internal/helper"
	"bpfverify/verifier"
)

var (
	programPath   string
	maxInsnVisits uint32
	maxCallDepth  uint8
	maxStackDepth uint32
	allowPtrLeaks bool
	verbose       bool
	scalarArgs    []int
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bpfverify",
		Short: "Run the static verifier over a decoded eBPF program",
		RunE:  runVerify,
	}
	root.Flags().StringVarP(&programPath, "program", "p", "", "path to a raw little-endian instruction-word file (required)")
	root.Flags().Uint32Var(&maxInsnVisits, "max-insn-visits", 1_000_000, "reject once this many instructions have been stepped in total, summed over every forked state")
	root.Flags().Uint8Var(&maxCallDepth, "max-call-depth", 8, "maximum interprocedural call-stack depth")
	root.Flags().Uint32Var(&maxStackDepth, "max-stack-depth", 512, "size in bytes of the simulated stack frame")
	root.Flags().BoolVar(&allowPtrLeaks, "allow-ptr-leaks", false, "permit subtracting two pointers into the same region, yielding a scalar")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "attach a state dump to a rejection and log state forks and terminations")
	root.Flags().IntSliceVar(&scalarArgs, "scalar-arg", nil, "entry register index (1-5) that should be typed as an unconstrained scalar at program entry")
	_ = root.MarkFlagRequired("program")
	return root
}

func runVerify(cmd *cobra.Command, args []string) error {
	words, err := readProgram(programPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", programPath, err)
	}

	opts := []verifier.Option{
		verifier.WithMaxInsnVisits(maxInsnVisits),
		verifier.WithMaxCallDepth(maxCallDepth),
		verifier.WithMaxStackDepth(maxStackDepth),
		verifier.WithAllowPtrLeaks(allowPtrLeaks),
		verifier.WithVerbose(verbose),
	}
	for _, idx := range scalarArgs {
		if idx < 1 || idx > 5 {
			return fmt.Errorf("--scalar-arg %d out of range, want 1-5", idx)
		}
		opts = append(opts, verifier.WithEntryArg(idx-1, verifier.EntryArg{Kind: helper.ArgAnyScalar}))
	}

	res, err := verifier.Verify(words, verifier.DefaultConfig(opts...))
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	switch res.Kind() {
	case verifier.ResultAccept:
		a := res.Accept()
		logrus.WithFields(logrus.Fields{
			"reachable_instructions": a.ReachableInstructions,
			"max_stack_depth":        a.MaxStackDepthPerSubprog,
			"helper_usage":           a.HelperUsageSummary,
		}).Info("accept")
		fmt.Println("accept")
		return nil
	default:
		r := res.Reject()
		logrus.WithFields(logrus.Fields{
			"pc":   r.PC,
			"kind": r.Kind,
		}).Warn("reject")
		fmt.Printf("reject: pc=%d kind=%s: %s\n", r.PC, r.Kind, r.Message)
		if r.Trace != "" {
			fmt.Println(r.Trace)
		}
		return fmt.Errorf("program rejected")
	}
}

// readProgram decodes a flat file of little-endian uint64 instruction
// words, the on-disk form Decode/DecodeProgram expect.
func readProgram(path string) ([]uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("file length %d is not a multiple of 8 bytes", len(raw))
	}
	words := make([]uint64, len(raw)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
	}
	return words, nil
}
