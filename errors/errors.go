package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseParse    Phase = "parse"    // binary module decoding
	PhaseValidate Phase = "validate" // structural module validation
	PhaseCompile  Phase = "compile"  // interpreter code preparation
	PhaseLoad     Phase = "load"     // instantiation and module caching
	PhaseDispatch Phase = "dispatch" // entry point resolution and calls
	PhaseTrap     Phase = "trap"     // guest execution
	PhaseDecode   Phase = "decode"   // guest bytes to tokens
	PhaseHost     Phase = "host"     // host function table
)

// Kind categorizes the error
type Kind string

const (
	KindMalformedModule   Kind = "malformed_module"
	KindUnknownEntryPoint Kind = "unknown_entry_point"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindMissingImport     Kind = "missing_import"
	KindMemoryOutOfBounds Kind = "memory_out_of_bounds"
	KindStackViolation    Kind = "stack_violation"
	KindUndefinedCall     Kind = "undefined_call"
	KindExplicitAbort     Kind = "explicit_abort"
	KindUnreachable       Kind = "unreachable"
	KindArithmetic        Kind = "arithmetic"
	KindMalformedOutput   Kind = "malformed_output"
	KindInvalidInput      Kind = "invalid_input"
	KindNotFound          Kind = "not_found"
	KindAllocation        Kind = "allocation"
	KindInternal          Kind = "internal"
)

// NoOffset marks an Error that is not tied to a byte offset.
const NoOffset = -1

// Error is the structured error type used throughout watt
type Error struct {
	Value   any
	Cause   error
	Phase   Phase
	Kind    Kind
	Section string
	Detail  string
	Path    []string
	Offset  int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Section != "" {
		b.WriteString(" in ")
		b.WriteString(e.Section)
		b.WriteString(" section")
	}
	if e.Offset > 0 || (e.Offset == 0 && e.Section != "") {
		fmt.Fprintf(&b, " at offset 0x%x", e.Offset)
	}

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target with an empty
// Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		if t.Phase == "" {
			return e.Kind == t.Kind
		}
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// IsTrap reports whether err is, or wraps, a guest trap.
func IsTrap(err error) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Phase == PhaseTrap {
				return true
			}
			err = e.Cause
			continue
		}
		return false
	}
	return false
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase:  phase,
			Kind:   kind,
			Offset: NoOffset,
		},
	}
}

// Path sets the location path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Section sets the module section name
func (b *Builder) Section(name string) *Builder {
	b.err.Section = name
	return b
}

// Offset sets the byte offset
func (b *Builder) Offset(off int) *Builder {
	b.err.Offset = off
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// MalformedModule creates a module parse or validation error located at a
// section and byte offset.
func MalformedModule(phase Phase, section string, offset int, cause error) *Error {
	e := &Error{
		Phase:   phase,
		Kind:    KindMalformedModule,
		Section: section,
		Offset:  offset,
		Cause:   cause,
	}
	if cause == nil {
		e.Detail = "malformed module"
	}
	return e
}

// UnknownEntryPoint reports a missing export for an entry kind and name.
func UnknownEntryPoint(kind fmt.Stringer, name string) *Error {
	return &Error{
		Phase:  PhaseDispatch,
		Kind:   KindUnknownEntryPoint,
		Detail: fmt.Sprintf("module has no %s entry point %q", kind, name),
		Value:  name,
		Offset: NoOffset,
	}
}

// SignatureMismatch reports a function whose signature does not fit its use.
func SignatureMismatch(phase Phase, name, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindSignatureMismatch,
		Path:   pathOf(name),
		Detail: detail,
		Offset: NoOffset,
	}
}

// Trap creates a guest execution trap.
func Trap(kind Kind, detail string, args ...any) *Error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &Error{
		Phase:  PhaseTrap,
		Kind:   kind,
		Detail: detail,
		Offset: NoOffset,
	}
}

// MemoryOutOfBounds creates a trap for an access of length bytes at offset.
func MemoryOutOfBounds(offset uint64, length uint64, size uint64) *Error {
	return &Error{
		Phase:  PhaseTrap,
		Kind:   KindMemoryOutOfBounds,
		Detail: fmt.Sprintf("access of %d bytes at 0x%x exceeds memory size %d", length, offset, size),
		Value:  offset,
		Offset: NoOffset,
	}
}

// MalformedOutput reports a guest result buffer that is not a valid encoding.
func MalformedOutput(offset int, detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindMalformedOutput,
		Detail: detail,
		Offset: offset,
		Cause:  cause,
	}
}

// MissingImport reports an import the host function table does not provide.
func MissingImport(module, name string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindMissingImport,
		Path:   []string{module, name},
		Detail: fmt.Sprintf("host does not provide %s.%s", module, name),
		Offset: NoOffset,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size, align uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
		Offset: NoOffset,
	}
}

// NotFound creates a not found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
		Value:  name,
		Offset: NoOffset,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
		Offset: NoOffset,
	}
}

func pathOf(name string) []string {
	if name == "" {
		return nil
	}
	return []string{name}
}
