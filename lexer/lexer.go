// Package lexer provides tokenization for PYXM templates.
package lexer

import (
	"strconv"
	"strings"

	"github.com/nexaweb/pyxm/syntax"
)

// Lexer tokenizes PYXM template source code.
type Lexer struct {
	source string
	pos    int
	line   int
	col    int
	start  syntax.Pos
	cfg    Config

	stack                 []lexerState
	open                  Span // span of the delimiter that opened the current tag
	trimLeadingWhitespace bool
	pendingStartMarker    *markerMatch
	exprOnly              bool
}

type lexerState int

const (
	stateTemplate lexerState = iota
	stateExpr
	stateStmt
)

type startMarker int

const (
	markerExpr startMarker = iota
	markerStmt
	markerComment
)

type whitespaceMode int

const (
	wsDefault  whitespaceMode = iota
	wsPreserve                // +
	wsRemove                  // -
)

func whitespaceFromByte(b byte) whitespaceMode {
	switch b {
	case '-':
		return wsRemove
	case '+':
		return wsPreserve
	default:
		return wsDefault
	}
}

// New creates a new Lexer for the given input.
func New(input string, cfg Config) *Lexer {
	return &Lexer{
		source: input,
		line:   1,
		col:    1,
		cfg:    cfg,
		stack:  []lexerState{stateTemplate},
	}
}

// Tokenize returns all tokens from the input.
func Tokenize(input string, cfg Config) ([]Token, error) {
	return New(input, cfg).All()
}

// TokenizeExpression tokenizes a bare expression without surrounding
// delimiters.
func TokenizeExpression(input string) ([]Token, error) {
	l := New(input, Config{})
	l.stack = []lexerState{stateExpr}
	l.exprOnly = true
	return l.All()
}

// All collects all tokens into a slice.
func (l *Lexer) All() ([]Token, error) {
	var tokens []Token
	for {
		tok, err := l.Next()
		if err != nil {
			return nil, err
		}
		if tok == nil {
			break
		}
		tokens = append(tokens, *tok)
	}
	return tokens, nil
}

// Next returns the next token, or nil at end of input.
func (l *Lexer) Next() (*Token, error) {
	for {
		state := l.currentState()
		if l.atEnd() {
			if l.exprOnly {
				return nil, nil
			}
			if state != stateTemplate {
				return nil, l.unterminated(state)
			}
			if l.pendingStartMarker == nil {
				return nil, nil
			}
		}

		var tok *Token
		var cont bool
		var err error

		switch state {
		case stateTemplate:
			tok, cont, err = l.tokenizeRoot()
		case stateExpr, stateStmt:
			tok, cont, err = l.tokenizeTag(state)
		}

		if err != nil {
			return nil, err
		}
		if cont {
			continue
		}
		if tok != nil {
			return tok, nil
		}
		if l.atEnd() && l.currentState() == stateTemplate && l.pendingStartMarker == nil {
			return nil, nil
		}
	}
}

func (l *Lexer) currentState() lexerState {
	if len(l.stack) == 0 {
		return stateTemplate
	}
	return l.stack[len(l.stack)-1]
}

func (l *Lexer) pushState(s lexerState) {
	l.stack = append(l.stack, s)
}

func (l *Lexer) popState() {
	if len(l.stack) > 1 {
		l.stack = l.stack[:len(l.stack)-1]
	}
}

// tokenizeRoot handles template data state.
func (l *Lexer) tokenizeRoot() (*Token, bool, error) {
	if l.pendingStartMarker != nil {
		pm := l.pendingStartMarker
		l.pendingStartMarker = nil
		return l.handleStartMarker(pm.marker, pm.length)
	}

	if l.trimLeadingWhitespace {
		l.trimLeadingWhitespace = false
		l.skipWhitespace()
		if l.atEnd() {
			return nil, false, nil
		}
	}

	l.markStart()

	match := l.findStartMarker()
	if match == nil {
		text := l.advance(len(l.source) - l.pos)
		tok := l.makeToken(TokenText, text)
		return &tok, false, nil
	}

	l.pendingStartMarker = match

	var lead string
	var span Span
	switch match.ws {
	case wsDefault:
		if l.shouldLstrip(match.marker, l.source[:l.pos+match.offset]) {
			peeked := l.rest()[:match.offset]
			trimmed := lstripBlock(peeked)
			lead = l.advance(len(trimmed))
			span = l.span()
			l.advance(len(peeked) - len(trimmed))
		} else {
			lead = l.advance(match.offset)
			span = l.span()
		}
	case wsPreserve:
		lead = l.advance(match.offset)
		span = l.span()
	case wsRemove:
		peeked := l.rest()[:match.offset]
		trimmed := strings.TrimRight(peeked, " \t\n\r")
		lead = l.advance(len(trimmed))
		span = l.span()
		l.advance(len(peeked) - len(trimmed))
	}

	if lead == "" {
		return nil, true, nil
	}
	return &Token{Kind: TokenText, Value: lead, Span: span}, false, nil
}

type markerMatch struct {
	offset int
	marker startMarker
	length int
	ws     whitespaceMode
}

func (l *Lexer) findStartMarker() *markerMatch {
	rest := l.rest()
	offset := 0
	for offset < len(rest) {
		idx := strings.IndexByte(rest[offset:], '{')
		if idx < 0 {
			return nil
		}
		idx += offset
		if idx+1 >= len(rest) {
			return nil
		}

		var marker startMarker
		switch rest[idx+1] {
		case '{':
			marker = markerExpr
		case '%':
			marker = markerStmt
		case '#':
			marker = markerComment
		default:
			offset = idx + 1
			continue
		}

		ws := wsDefault
		if idx+2 < len(rest) {
			ws = whitespaceFromByte(rest[idx+2])
		}
		length := 2
		if ws != wsDefault {
			length++
		}
		return &markerMatch{offset: idx, marker: marker, length: length, ws: ws}
	}
	return nil
}

func (l *Lexer) handleStartMarker(marker startMarker, skip int) (*Token, bool, error) {
	l.markStart()
	switch marker {
	case markerComment:
		body := l.rest()[skip:]
		endIdx := strings.Index(body, commentEnd)
		if endIdx < 0 {
			l.advance(skip)
			l.open = l.span()
			return nil, false, syntax.Errorf(syntax.ErrUnterminatedDelimiter, l.open,
				"comment opened here is never closed")
		}
		ws := wsDefault
		if endIdx > 0 {
			ws = whitespaceFromByte(body[endIdx-1])
		}
		content := body[:endIdx]
		if ws != wsDefault {
			content = content[:len(content)-1]
		}
		l.advance(skip + endIdx + len(commentEnd))
		tok := l.makeToken(TokenComment, content)
		l.handleTailWhitespace(ws)
		if l.cfg.EmitComments {
			return &tok, false, nil
		}
		return nil, true, nil

	case markerExpr:
		l.advance(skip)
		l.open = l.span()
		l.pushState(stateExpr)
		tok := l.makeToken(TokenExprOpen, varStart)
		return &tok, false, nil

	case markerStmt:
		if rawLen, wsStart := skipBasicTag(l.rest()[skip:], "raw"); rawLen > 0 {
			l.advance(skip)
			l.open = l.span()
			l.advance(rawLen)
			return l.handleRawTag(wsStart)
		}
		l.advance(skip)
		l.open = l.span()
		l.pushState(stateStmt)
		tok := l.makeToken(TokenStmtOpen, blockStart)
		return &tok, false, nil
	}
	return nil, false, nil
}

// handleRawTag emits everything up to the matching endraw as one text token.
func (l *Lexer) handleRawTag(wsStart whitespaceMode) (*Token, bool, error) {
	rest := l.rest()
	ptr := 0
	for {
		blockIdx := strings.Index(rest[ptr:], blockStart)
		if blockIdx < 0 {
			return nil, false, syntax.Errorf(syntax.ErrUnterminatedDelimiter, l.open,
				"raw block opened here has no endraw")
		}
		blockIdx += ptr
		afterBlockStart := blockIdx + len(blockStart)
		endrawLen, wsNext := skipBasicTag(rest[afterBlockStart:], "endraw")
		if endrawLen == 0 {
			ptr = afterBlockStart
			continue
		}

		ws := wsDefault
		if afterBlockStart < len(rest) {
			ws = whitespaceFromByte(rest[afterBlockStart])
		}
		result := rest[:blockIdx]

		switch wsStart {
		case wsDefault:
			if l.cfg.Whitespace.TrimBlocks {
				result = strings.TrimPrefix(result, "\r")
				result = strings.TrimPrefix(result, "\n")
			}
		case wsRemove:
			result = strings.TrimLeft(result, " \t\n\r")
		}
		switch ws {
		case wsDefault:
			if l.cfg.Whitespace.LstripBlocks {
				result = lstripBlock(result)
			}
		case wsRemove:
			result = strings.TrimRight(result, " \t\n\r")
		}

		l.markStart()
		l.advance(blockIdx)
		tok := l.makeToken(TokenText, result)
		l.advance(len(blockStart) + endrawLen)
		l.handleTailWhitespace(wsNext)
		return &tok, false, nil
	}
}

// skipBasicTag checks if s starts with a bare tag like "raw" or "endraw"
// followed by the statement end. It returns the consumed length and the
// whitespace mode found before the end delimiter.
func skipBasicTag(s string, name string) (int, whitespaceMode) {
	ptr := s
	if len(ptr) > 0 && (ptr[0] == '-' || ptr[0] == '+') {
		ptr = ptr[1:]
	}
	ptr = strings.TrimLeft(ptr, " \t\n\r")
	if !strings.HasPrefix(ptr, name) {
		return 0, wsDefault
	}
	ptr = ptr[len(name):]
	if len(ptr) > 0 && isIdentPart(ptr[0]) {
		return 0, wsDefault
	}
	ptr = strings.TrimLeft(ptr, " \t\n\r")
	ws := wsDefault
	if len(ptr) > 0 && (ptr[0] == '-' || ptr[0] == '+') {
		ws = whitespaceFromByte(ptr[0])
		ptr = ptr[1:]
	}
	if !strings.HasPrefix(ptr, blockEnd) {
		return 0, wsDefault
	}
	ptr = ptr[len(blockEnd):]
	return len(s) - len(ptr), ws
}

func (l *Lexer) handleTailWhitespace(ws whitespaceMode) {
	switch ws {
	case wsDefault:
		l.skipNewlineIfTrimBlocks()
	case wsRemove:
		l.trimLeadingWhitespace = true
	}
}

func (l *Lexer) skipNewlineIfTrimBlocks() {
	if !l.cfg.Whitespace.TrimBlocks {
		return
	}
	if strings.HasPrefix(l.rest(), "\r") {
		l.advance(1)
	}
	if strings.HasPrefix(l.rest(), "\n") {
		l.advance(1)
	}
}

func (l *Lexer) shouldLstrip(marker startMarker, prefix string) bool {
	if !l.cfg.Whitespace.LstripBlocks || marker == markerExpr {
		return false
	}
	for i := len(prefix) - 1; i >= 0; i-- {
		c := prefix[i]
		if c == '\n' || c == '\r' {
			return true
		} else if c != ' ' && c != '\t' {
			return false
		}
	}
	return true
}

// tokenizeTag handles tokens inside {% %} or {{ }}.
func (l *Lexer) tokenizeTag(state lexerState) (*Token, bool, error) {
	l.skipWhitespace()
	if l.atEnd() {
		if l.exprOnly {
			return nil, false, nil
		}
		return nil, false, l.unterminated(state)
	}

	l.markStart()
	rest := l.rest()

	end := varEnd
	kind := TokenExprClose
	if state == stateStmt {
		end = blockEnd
		kind = TokenStmtClose
	}
	if len(rest) > 1 && (rest[0] == '-' || rest[0] == '+') && strings.HasPrefix(rest[1:], end) {
		ws := whitespaceFromByte(rest[0])
		l.popState()
		l.advance(1 + len(end))
		tok := l.makeToken(kind, rest[:1+len(end)])
		if ws == wsRemove {
			l.trimLeadingWhitespace = true
		}
		return &tok, false, nil
	}
	if strings.HasPrefix(rest, end) {
		l.popState()
		l.advance(len(end))
		tok := l.makeToken(kind, end)
		if state == stateStmt {
			l.skipNewlineIfTrimBlocks()
		}
		return &tok, false, nil
	}
	if !l.exprOnly && isPartialCloser(rest, end) {
		return nil, false, l.unterminated(state)
	}

	if len(rest) >= 2 {
		switch op := rest[:2]; op {
		case "==", "!=", "<=", ">=":
			l.advance(2)
			tok := l.makeToken(TokenOperator, op)
			return &tok, false, nil
		}
	}

	ch := rest[0]
	switch ch {
	case '+', '-', '*', '/', '%', '<', '>', '=':
		l.advance(1)
		tok := l.makeToken(TokenOperator, string(ch))
		return &tok, false, nil
	case '.', ',', ':', '|', '(', ')', '[', ']':
		l.advance(1)
		tok := l.makeToken(TokenPunct, string(ch))
		return &tok, false, nil
	case '"', '\'':
		return l.lexString(ch)
	}

	if isDigit(ch) {
		return l.lexNumber()
	}
	if isIdentStart(ch) {
		return l.lexIdent()
	}

	l.advance(1)
	return nil, false, syntax.Errorf(syntax.ErrUnexpectedToken, l.span(), "unexpected character %q", ch)
}

// lexString lexes a string literal.
func (l *Lexer) lexString(quote byte) (*Token, bool, error) {
	l.advance(1)
	var sb strings.Builder
	for !l.atEnd() {
		ch := l.rest()[0]
		if ch == quote {
			l.advance(1)
			tok := l.makeToken(TokenLiteral, sb.String())
			tok.Literal = LiteralString
			return &tok, false, nil
		}
		if ch != '\\' {
			sb.WriteByte(ch)
			l.advance(1)
			continue
		}

		l.advance(1)
		if l.atEnd() {
			break
		}
		escaped := l.rest()[0]
		l.advance(1)
		switch escaped {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case '\\', '\'', '"':
			sb.WriteByte(escaped)
		case 'u':
			if len(l.rest()) < 4 {
				return nil, false, syntax.Errorf(syntax.ErrUnexpectedToken, l.span(), "invalid unicode escape")
			}
			val, err := strconv.ParseUint(l.rest()[:4], 16, 32)
			if err != nil {
				return nil, false, syntax.Errorf(syntax.ErrUnexpectedToken, l.span(), "invalid unicode escape")
			}
			sb.WriteRune(rune(val))
			l.advance(4)
		default:
			sb.WriteByte('\\')
			sb.WriteByte(escaped)
		}
	}
	return nil, false, syntax.Errorf(syntax.ErrUnexpectedToken, l.span(), "unterminated string literal")
}

// lexNumber lexes an integer or float literal. Underscores may separate digits.
func (l *Lexer) lexNumber() (*Token, bool, error) {
	rest := l.rest()

	type numState int
	const (
		stateInt numState = iota
		stateFraction
		stateExponent
		stateExpSign
	)

	state := stateInt
	n := 0
loop:
	for ; n < len(rest); n++ {
		c := rest[n]
		switch state {
		case stateInt:
			switch {
			case isDigit(c) || c == '_':
			case c == '.' && n+1 < len(rest) && isDigit(rest[n+1]):
				state = stateFraction
			case c == 'e' || c == 'E':
				state = stateExponent
			default:
				break loop
			}
		case stateFraction:
			switch {
			case isDigit(c) || c == '_':
			case c == 'e' || c == 'E':
				state = stateExponent
			default:
				break loop
			}
		case stateExponent:
			if c == '+' || c == '-' || isDigit(c) {
				state = stateExpSign
			} else {
				break loop
			}
		case stateExpSign:
			if !isDigit(c) {
				break loop
			}
		}
	}

	raw := l.advance(n)
	if strings.HasSuffix(raw, "_") {
		return nil, false, syntax.Errorf(syntax.ErrUnexpectedToken, l.span(), "'_' may not occur at end of number")
	}
	clean := strings.ReplaceAll(raw, "_", "")

	if state != stateInt {
		f, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return nil, false, syntax.Errorf(syntax.ErrUnexpectedToken, l.span(), "invalid float literal %q", raw)
		}
		tok := l.makeToken(TokenLiteral, strconv.FormatFloat(f, 'g', -1, 64))
		tok.Literal = LiteralFloat
		return &tok, false, nil
	}

	if _, err := strconv.ParseInt(clean, 10, 64); err != nil {
		return nil, false, syntax.Errorf(syntax.ErrUnexpectedToken, l.span(), "integer literal %q out of range", raw)
	}
	tok := l.makeToken(TokenLiteral, clean)
	tok.Literal = LiteralInt
	return &tok, false, nil
}

// lexIdent lexes an identifier.
func (l *Lexer) lexIdent() (*Token, bool, error) {
	rest := l.rest()
	n := 0
	for n < len(rest) && isIdentPart(rest[n]) {
		n++
	}
	tok := l.makeToken(TokenIdent, l.advance(n))
	return &tok, false, nil
}

func (l *Lexer) unterminated(state lexerState) error {
	what := "output tag"
	if state == stateStmt {
		what = "statement tag"
	}
	return syntax.Errorf(syntax.ErrUnterminatedDelimiter, l.open, "%s opened here is never closed", what)
}

// isPartialCloser reports whether rest is the truncated start of the
// closing delimiter end, optionally preceded by a whitespace control
// marker, with nothing after it.
func isPartialCloser(rest, end string) bool {
	if rest != "" && (rest[0] == '-' || rest[0] == '+') {
		rest = rest[1:]
	}
	return rest != "" && len(rest) < len(end) && strings.HasPrefix(end, rest)
}

// Helper methods

func (l *Lexer) atEnd() bool {
	return l.pos >= len(l.source)
}

func (l *Lexer) rest() string {
	if l.pos >= len(l.source) {
		return ""
	}
	return l.source[l.pos:]
}

func (l *Lexer) advance(n int) string {
	if n <= 0 {
		return ""
	}
	start := l.pos
	end := l.pos + n
	if end > len(l.source) {
		end = len(l.source)
	}
	skipped := l.source[start:end]
	for _, c := range skipped {
		if c == '\n' {
			l.line++
			l.col = 1
		} else {
			l.col++
		}
	}
	l.pos = end
	return skipped
}

func (l *Lexer) markStart() {
	l.start = syntax.Pos{Line: l.line, Col: l.col, Offset: l.pos}
}

func (l *Lexer) span() Span {
	return Span{
		Start: l.start,
		End:   syntax.Pos{Line: l.line, Col: l.col, Offset: l.pos},
	}
}

func (l *Lexer) makeToken(kind TokenKind, value string) Token {
	return Token{Kind: kind, Value: value, Span: l.span()}
}

func (l *Lexer) skipWhitespace() {
	for !l.atEnd() {
		switch l.source[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.advance(1)
		default:
			return
		}
	}
}

func lstripBlock(s string) string {
	trimmed := strings.TrimRight(s, " \t")
	if trimmed == "" || strings.HasSuffix(trimmed, "\n") {
		return trimmed
	}
	return s
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}
