package syntax

import "fmt"

// ErrorKind classifies a compile-time failure.
type ErrorKind int

const (
	ErrUnterminatedDelimiter ErrorKind = iota + 1
	ErrUnexpectedToken
	ErrForbiddenAccess
	ErrUnbalancedBlock
	ErrMisplacedExtends
	ErrDuplicateBlock
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
	default:
		return "syntax error"
	}
}

// Error is returned by the lexer and the parser.
type Error struct {
	Kind    ErrorKind
	Message string
	Span    Span
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (at %s)", e.Kind, e.Message, e.Span.Start)
}

// Errorf builds an *Error at span.
func Errorf(kind ErrorKind, span Span, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Span: span}
}
