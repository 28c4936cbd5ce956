// Package xerrors adds call-site positions to errors. Wrap and Wrapf record a
// single PC, New, Newf, WithStack, and Join record a full stack. The log
// package renders both.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the stack captured where the error was created.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// wrapped prefixes a message and carries the PC of the Wrap call.
type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error     { return w.err }
func (w *wrapped) PC() uintptr       { return w.pc }
func (w *wrapped) IsXerrorsWrapper() {}

// stackFrom captures the stack starting at the caller of the exported function
// that called it.
func stackFrom(err error) error {
	pcs := make([]uintptr, maxStackDepth)
	// skip runtime.Callers, stackFrom, and the exported constructor
	n := runtime.Callers(3, pcs)
	return &stacked{err: err, pcs: pcs[:n]}
}

func callerPC() uintptr {
	var pcs [1]uintptr
	// skip runtime.Callers, callerPC, and Wrap/Wrapf
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func New(msg string) error { return stackFrom(errors.New(msg)) }

func Newf(format string, args ...any) error { return stackFrom(fmt.Errorf(format, args...)) }

// WithStack attaches a stack to err. nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return stackFrom(err)
}

// EnsureTrace attaches a stack unless some error in the chain already has one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return stackFrom(err)
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: callerPC()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC()}
}

// Join is errors.Join with a stack. It returns nil when every err is nil.
func Join(errs ...error) error {
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	return stackFrom(joined)
}

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
