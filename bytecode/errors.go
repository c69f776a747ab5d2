package bytecode

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Compile errors
// ---------------------------------------------------------------------------

// CompileErrorKind classifies what went wrong during compilation.
type CompileErrorKind int

const (
	CompileUndefinedVariable CompileErrorKind = iota
	CompileTooManyLocals
	CompileTooManyConstants
	CompileArityMismatch
	CompileUnsupportedNode
	CompileInvalidJumpTarget
	CompileNestingTooDeep
)

// CompileError is returned when the compiler rejects a program. Line is
// the 1-based source line when known, 0 otherwise.
type CompileError struct {
	Kind CompileErrorKind
	Msg  string
	Line int
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (at line %d)", e.Msg, e.Line)
	}
	return e.Msg
}

func compileErrf(kind CompileErrorKind, line int, format string, args ...any) *CompileError {
	return &CompileError{Kind: kind, Line: line, Msg: fmt.Sprintf(format, args...)}
}

// AsCompileError extracts a *CompileError from an error chain.
func AsCompileError(err error) (*CompileError, bool) {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

// RuntimeErrorKind classifies a virtual machine fault.
type RuntimeErrorKind int

const (
	RuntimeTypeMismatch RuntimeErrorKind = iota
	RuntimeDivisionByZero
	RuntimeIndexOutOfBounds
	RuntimeKeyNotFound
	RuntimeUnknownVariable
	RuntimeStackOverflow
	RuntimeStackUnderflow
	RuntimeInvalidConstantIndex
	RuntimeInvalidLocalIndex
	RuntimeInvalidInstruction
	RuntimeArityMismatch
	RuntimeUnhandledThrow
)

// RuntimeError is returned when execution faults. Line is taken from the
// chunk's debug line table when present, 0 otherwise. Value carries the
// thrown value for RuntimeUnhandledThrow.
type RuntimeError struct {
	Kind  RuntimeErrorKind
	Msg   string
	Line  int
	Value Value
}

func (e *RuntimeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (at line %d)", e.Msg, e.Line)
	}
	return e.Msg
}

func runtimeErrf(kind RuntimeErrorKind, format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// AsRuntimeError extracts a *RuntimeError from an error chain.
func AsRuntimeError(err error) (*RuntimeError, bool) {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// Serialization errors
// ---------------------------------------------------------------------------

// SerializationErrorKind classifies a binary container fault.
type SerializationErrorKind int

const (
	SerializationInvalidMagic SerializationErrorKind = iota
	SerializationUnsupportedVersion
	SerializationInvalidData
	SerializationIO
)

// SerializationError is returned when reading or writing the binary
// container fails. Err holds the underlying cause for SerializationIO.
type SerializationError struct {
	Kind SerializationErrorKind
	Msg  string
	Err  error
}

func (e *SerializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func serialErrf(kind SerializationErrorKind, format string, args ...any) *SerializationError {
	return &SerializationError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// AsSerializationError extracts a *SerializationError from an error chain.
func AsSerializationError(err error) (*SerializationError, bool) {
	var se *SerializationError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
