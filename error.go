package pyxm

import (
	"fmt"

	"gitlab.com/tozd/go/errors"

	"github.com/nexaweb/pyxm/syntax"
)

// ErrorKind describes the type of error.
type ErrorKind int

const (
	// Compile-time errors.
	ErrUnterminatedDelimiter ErrorKind = iota + 1
	ErrUnexpectedToken
	ErrForbiddenAccess
	ErrUnbalancedBlock
	ErrMisplacedExtends
	ErrDuplicateBlock

	// Render-time errors.
	ErrUndefinedVariable
	ErrUnknownFilter
	ErrDivisionByZero
	ErrSandboxLimitExceeded
	ErrNotIterable
	ErrCyclicInheritance
	ErrMaxIncludeDepthExceeded
	ErrTemplateNotFound
	ErrInvalidOperation
	ErrBadFilterArgs
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnterminatedDelimiter:
		return "unterminated delimiter"
	case ErrUnexpectedToken:
		return "unexpected token"
	case ErrForbiddenAccess:
		return "forbidden access"
	case ErrUnbalancedBlock:
		return "unbalanced block"
	case ErrMisplacedExtends:
		return "misplaced extends"
	case ErrDuplicateBlock:
		return "duplicate block"
	case ErrUndefinedVariable:
		return "undefined variable"
	case ErrUnknownFilter:
		return "unknown filter"
	case ErrDivisionByZero:
		return "division by zero"
	case ErrSandboxLimitExceeded:
		return "sandbox limit exceeded"
	case ErrNotIterable:
		return "not iterable"
	case ErrCyclicInheritance:
		return "cyclic inheritance"
	case ErrMaxIncludeDepthExceeded:
		return "max include depth exceeded"
	case ErrTemplateNotFound:
		return "template not found"
	case ErrInvalidOperation:
		return "invalid operation"
	case ErrBadFilterArgs:
		return "bad filter arguments"
	default:
		return "error"
	}
}

// IsSyntax reports whether the kind is raised while compiling a template.
func (k ErrorKind) IsSyntax() bool {
	return k >= ErrUnterminatedDelimiter && k <= ErrDuplicateBlock
}

var syntaxKinds = map[syntax.ErrorKind]ErrorKind{
	syntax.ErrUnterminatedDelimiter: ErrUnterminatedDelimiter,
	syntax.ErrUnexpectedToken:       ErrUnexpectedToken,
	syntax.ErrForbiddenAccess:       ErrForbiddenAccess,
	syntax.ErrUnbalancedBlock:       ErrUnbalancedBlock,
	syntax.ErrMisplacedExtends:      ErrMisplacedExtends,
	syntax.ErrDuplicateBlock:        ErrDuplicateBlock,
}

// Error represents an error that occurred during template processing.
type Error struct {
	Kind    ErrorKind
	Message string
	Span    *syntax.Span
	Name    string // template name
	Source  string // template source (for error display)
	Err     error  // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Name != "" && e.Span != nil {
		return fmt.Sprintf("%s: %s: %s (at %s %s)", e.Category(), e.Kind, e.Message, e.Name, e.Span.Start)
	}
	if e.Span != nil {
		return fmt.Sprintf("%s: %s: %s (at %s)", e.Category(), e.Kind, e.Message, e.Span.Start)
	}
	if e.Name != "" {
		return fmt.Sprintf("%s: %s: %s (in %s)", e.Category(), e.Kind, e.Message, e.Name)
	}
	return fmt.Sprintf("%s: %s: %s", e.Category(), e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Category returns "SyntaxError" for compile-time errors and
// "RuntimeError" for everything raised while rendering.
func (e *Error) Category() string {
	if e.Kind.IsSyntax() {
		return "SyntaxError"
	}
	return "RuntimeError"
}

// NewError creates a new error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithSpan adds span information to an error.
func (e *Error) WithSpan(span syntax.Span) *Error {
	e.Span = &span
	return e
}

// WithName adds template name to an error.
func (e *Error) WithName(name string) *Error {
	e.Name = name
	return e
}

// WithSource adds source to an error.
func (e *Error) WithSource(source string) *Error {
	e.Source = source
	return e
}

// WithCause records the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// KindOf returns the kind of a template error anywhere in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return 0
}

// fromSyntaxError converts lexer and parser errors into template errors.
func fromSyntaxError(err error, name, source string) error {
	var serr *syntax.Error
	if !errors.As(err, &serr) {
		return err
	}
	kind, ok := syntaxKinds[serr.Kind]
	if !ok {
		kind = ErrUnexpectedToken
	}
	return NewError(kind, serr.Message).WithSpan(serr.Span).WithName(name).WithSource(source)
}
