// Package vmmerr gives every component in wintrace a shared error
// vocabulary: a stack-trace-carrying wrap for the top level, and a
// typed classification so callers can branch on the §7 error taxonomy
// without string matching.
package vmmerr

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Class is one of the five error categories spec.md §7 names.
type Class int

const (
	// ClassIO is a short read or a virtual-to-physical translation failure.
	ClassIO Class = iota
	// ClassStructural is a magic/bounds/alignment validation failure.
	ClassStructural
	// ClassCap is a resource cap exceeded (an absurd count field, a runaway list).
	ClassCap
	// ClassDependency is a collaborator not being ready (PDB/symbols unavailable).
	ClassDependency
	// ClassCollision is a PID reused with a mismatched DTB.
	ClassCollision
)

func (c Class) String() string {
	switch c {
	case ClassIO:
		return "io"
	case ClassStructural:
		return "structural"
	case ClassCap:
		return "cap-exceeded"
	case ClassDependency:
		return "dependency-not-ready"
	case ClassCollision:
		return "collision"
	default:
		return "unknown"
	}
}

// Classed is an error carrying one of the Class values above plus a
// frame, so a caller that wraps it with fmt.Errorf or go-errors still
// has a stack trace to print. Adapted from commands.ComplexError.
type Classed struct {
	Class   Class
	Message string
	frame   xerrors.Frame
}

// New constructs a Classed error, capturing a stack frame at the call site.
func New(class Class, format string, args ...interface{}) *Classed {
	return &Classed{
		Class:   class,
		Message: fmt.Sprintf(format, args...),
		frame:   xerrors.Caller(1),
	}
}

func (c *Classed) FormatError(p xerrors.Printer) error {
	p.Printf("[%s] %s", c.Class, c.Message)
	c.frame.Format(p)
	return nil
}

func (c *Classed) Format(f fmt.State, verb rune) {
	xerrors.FormatError(c, f, verb)
}

func (c *Classed) Error() string {
	return fmt.Sprintf("[%s] %s", c.Class, c.Message)
}

// Is reports whether err is a Classed error of the given class.
func Is(err error, class Class) bool {
	var ce *Classed
	if xerrors.As(err, &ce) {
		return ce.Class == class
	}
	return false
}

// Wrap wraps err for the sake of showing a stack trace at the top
// level. go-errors does not return nil when wrapping a non-error value,
// so we guard that ourselves (adapted from commands.WrapError).
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 0)
}
