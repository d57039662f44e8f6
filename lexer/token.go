package lexer

import (
	"fmt"

	"github.com/nexaweb/pyxm/syntax"
)

// TokenKind represents the kind of a token.
type TokenKind int

const (
	// Template data (raw text between tags)
	TokenText TokenKind = iota

	// Delimiters
	TokenExprOpen  // {{
	TokenExprClose // }}
	TokenStmtOpen  // {%
	TokenStmtClose // %}
	TokenComment   // {# ... #}, only with Config.EmitComments

	// Inside tags
	TokenIdent    // names and keywords
	TokenLiteral  // string and number literals
	TokenOperator // + - * / % == != < <= > >= =
	TokenPunct    // . , : | ( ) [ ]
)

func (k TokenKind) String() string {
	switch k {
	case TokenText:
		return "text"
	case TokenExprOpen:
		return "`{{`"
	case TokenExprClose:
		return "`}}`"
	case TokenStmtOpen:
		return "`{%`"
	case TokenStmtClose:
		return "`%}`"
	case TokenComment:
		return "comment"
	case TokenIdent:
		return "identifier"
	case TokenLiteral:
		return "literal"
	case TokenOperator:
		return "operator"
	case TokenPunct:
		return "punctuation"
	default:
		return fmt.Sprintf("token(%d)", int(k))
	}
}

// LiteralKind tells apart the literal tokens.
type LiteralKind int

const (
	LiteralNone LiteralKind = iota
	LiteralString
	LiteralInt
	LiteralFloat
)

// Token represents a single token from the lexer.
type Token struct {
	Kind    TokenKind
	Value   string // decoded string literals, raw text otherwise
	Literal LiteralKind
	Span    Span
}

// Span represents a location range in source code.
type Span = syntax.Span

// Is reports whether the token has the given kind and value.
func (t Token) Is(kind TokenKind, value string) bool {
	return t.Kind == kind && t.Value == value
}

// Describe renders the token for error messages.
func (t Token) Describe() string {
	switch t.Kind {
	case TokenIdent:
		return fmt.Sprintf("identifier `%s`", t.Value)
	case TokenLiteral:
		switch t.Literal {
		case LiteralString:
			return "string"
		case LiteralInt:
			return "integer"
		case LiteralFloat:
			return "float"
		}
		return "literal"
	case TokenOperator, TokenPunct:
		return fmt.Sprintf("`%s`", t.Value)
	case TokenExprClose:
		return "end of output tag"
	case TokenStmtClose:
		return "end of statement tag"
	default:
		return t.Kind.String()
	}
}
