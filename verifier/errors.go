package verifier

import "github.com/pkg/errors"

func newReject(kind RejectKind, pc int, format string, args ...interface{}) error {
	return &RejectError{Kind: kind, PC: pc, err: errors.Errorf(format, args...)}
}

func wrapReject(kind RejectKind, pc int, cause error, message string) error {
	return &RejectError{Kind: kind, PC: pc, err: errors.WithMessage(cause, message)}
}
