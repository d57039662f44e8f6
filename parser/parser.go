package parser

import (
	"strings"

	"github.com/nexaweb/pyxm/lexer"
	"github.com/nexaweb/pyxm/syntax"
)

const maxRecursion = 150

// DefaultReservedPrefix is the name prefix templates may never reference.
const DefaultReservedPrefix = "_"

// Config controls parsing.
type Config struct {
	Lexer lexer.Config
	// ReservedPrefix rejects variables, attributes, keys and filter names
	// that start with it. Empty disables the check.
	ReservedPrefix string
}

// DefaultConfig returns the default parser configuration.
func DefaultConfig() Config {
	return Config{
		Lexer:          lexer.Config{Whitespace: lexer.DefaultWhitespace()},
		ReservedPrefix: DefaultReservedPrefix,
	}
}

// Parser parses PYXM templates.
type Parser struct {
	tokens   []lexer.Token
	pos      int
	name     string
	cfg      Config
	blocks   map[string]*Block
	open     []openConstruct
	depth    int
	lastSpan Span
	content  bool // a non-whitespace statement was emitted at top level
}

// openConstruct is an entry of the stack of unclosed block statements.
type openConstruct struct {
	keyword string
	span    Span
}

// Parse parses template source into its structural AST.
func Parse(name, source string, cfg Config) (*Template, error) {
	tokens, err := lexer.Tokenize(source, cfg.Lexer)
	if err != nil {
		return nil, err
	}
	p := newParser(name, tokens, cfg)
	return p.parse()
}

// ParseTokens parses an already tokenized template.
func ParseTokens(name string, tokens []lexer.Token, cfg Config) (*Template, error) {
	return newParser(name, tokens, cfg).parse()
}

func newParser(name string, tokens []lexer.Token, cfg Config) *Parser {
	return &Parser{
		tokens: tokens,
		name:   name,
		cfg:    cfg,
		blocks: make(map[string]*Block),
	}
}

func (p *Parser) parse() (*Template, error) {
	body, _, err := p.subparse()
	if err != nil {
		return nil, err
	}
	tmpl := &Template{Name: p.name, Body: body, Blocks: p.blocks}
	for i, stmt := range body {
		if ext, ok := stmt.(*Extends); ok {
			tmpl.Extends = ext
			tmpl.Body = body[i:]
			break
		}
	}
	return tmpl, nil
}

func (p *Parser) current() *lexer.Token {
	if p.pos >= len(p.tokens) {
		return nil
	}
	return &p.tokens[p.pos]
}

func (p *Parser) peek(n int) *lexer.Token {
	if p.pos+n >= len(p.tokens) {
		return nil
	}
	return &p.tokens[p.pos+n]
}

func (p *Parser) advance() *lexer.Token {
	if p.pos >= len(p.tokens) {
		return nil
	}
	tok := &p.tokens[p.pos]
	p.lastSpan = tok.Span
	p.pos++
	return tok
}

func (p *Parser) currentSpan() Span {
	if tok := p.current(); tok != nil {
		return tok.Span
	}
	return p.lastSpan
}

func (p *Parser) expandSpan(start Span) Span {
	return Span{Start: start.Start, End: p.lastSpan.End}
}

func (p *Parser) unexpected(tok *lexer.Token, expected string) error {
	return syntax.Errorf(syntax.ErrUnexpectedToken, tok.Span, "unexpected %s, expected %s", tok.Describe(), expected)
}

func (p *Parser) unexpectedEOF(expected string) error {
	return syntax.Errorf(syntax.ErrUnexpectedToken, p.lastSpan, "unexpected end of input, expected %s", expected)
}

func (p *Parser) expect(kind lexer.TokenKind, value string, expected string) (*lexer.Token, error) {
	tok := p.advance()
	if tok == nil {
		return nil, p.unexpectedEOF(expected)
	}
	if tok.Kind != kind || (value != "" && tok.Value != value) {
		return nil, p.unexpected(tok, expected)
	}
	return tok, nil
}

func (p *Parser) expectIdent(expected string) (string, Span, error) {
	tok, err := p.expect(lexer.TokenIdent, "", expected)
	if err != nil {
		return "", Span{}, err
	}
	return tok.Value, tok.Span, nil
}

// expectName reads an identifier that binds or references a name and
// enforces the reserved prefix on it.
func (p *Parser) expectName(expected string) (string, Span, error) {
	name, span, err := p.expectIdent(expected)
	if err != nil {
		return "", Span{}, err
	}
	if err := p.checkName(name, span); err != nil {
		return "", Span{}, err
	}
	return name, span, nil
}

func (p *Parser) checkName(name string, span Span) error {
	if p.cfg.ReservedPrefix != "" && strings.HasPrefix(name, p.cfg.ReservedPrefix) {
		return syntax.Errorf(syntax.ErrForbiddenAccess, span,
			"access to `%s` is not allowed (names starting with %q are reserved)", name, p.cfg.ReservedPrefix)
	}
	return nil
}

func (p *Parser) skip(kind lexer.TokenKind, value string) bool {
	if tok := p.current(); tok != nil && tok.Is(kind, value) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) skipKeyword(kw string) bool {
	return p.skip(lexer.TokenIdent, kw)
}

func (p *Parser) matches(kind lexer.TokenKind, value string) bool {
	tok := p.current()
	return tok != nil && tok.Is(kind, value)
}

func (p *Parser) matchesKeyword(kw string) bool {
	return p.matches(lexer.TokenIdent, kw)
}

func (p *Parser) expectStmtEnd() error {
	_, err := p.expect(lexer.TokenStmtClose, "", "end of statement tag")
	return err
}

// closers are the statements that end or continue an open construct.
var closers = map[string]string{
	"endif":    "if",
	"elif":     "if",
	"else":     "if or for",
	"endfor":       "for",
	"empty":        "for",
	"endblock":     "block",
	"endcomponent": "component",
	"endslot":      "slot",
}

// subparse collects statements until one of the given keywords opens a
// statement tag. It returns the keyword found, which is consumed along with
// its `{%`. With no keywords it parses until end of input.
func (p *Parser) subparse(endKeywords ...string) ([]Stmt, string, error) {
	var stmts []Stmt

	for {
		tok := p.advance()
		if tok == nil {
			break
		}

		switch tok.Kind {
		case lexer.TokenText:
			stmts = append(stmts, &Text{Raw: tok.Value, span: tok.Span})
			if len(p.open) == 0 && strings.TrimSpace(tok.Value) != "" {
				p.content = true
			}

		case lexer.TokenComment:

		case lexer.TokenExprOpen:
			span := tok.Span
			expr, err := p.parseExpr()
			if err != nil {
				return nil, "", err
			}
			if _, err := p.expect(lexer.TokenExprClose, "", "end of output tag"); err != nil {
				return nil, "", err
			}
			stmts = append(stmts, newOutput(expr, p.expandSpan(span)))
			if len(p.open) == 0 {
				p.content = true
			}

		case lexer.TokenStmtOpen:
			kwTok := p.current()
			if kwTok == nil {
				return nil, "", p.unexpectedEOF("statement keyword")
			}
			if kwTok.Kind == lexer.TokenIdent {
				for _, end := range endKeywords {
					if kwTok.Value == end {
						p.advance()
						return stmts, end, nil
					}
				}
				if opener, ok := closers[kwTok.Value]; ok {
					return nil, "", p.strayCloser(kwTok, opener)
				}
			}
			stmt, err := p.parseStmt(tok.Span)
			if err != nil {
				return nil, "", err
			}
			if stmt != nil {
				stmts = append(stmts, stmt)
			}
			if len(p.open) == 0 {
				if _, isExtends := stmt.(*Extends); !isExtends {
					p.content = true
				}
			}

		default:
			return nil, "", p.unexpected(tok, "text or tag")
		}
	}

	if len(endKeywords) > 0 && len(p.open) > 0 {
		top := p.open[len(p.open)-1]
		return nil, "", syntax.Errorf(syntax.ErrUnbalancedBlock, top.span,
			"`%s` opened at %s is never closed", top.keyword, top.span.Start)
	}
	return stmts, "", nil
}

func (p *Parser) strayCloser(tok *lexer.Token, opener string) error {
	if len(p.open) > 0 {
		top := p.open[len(p.open)-1]
		return syntax.Errorf(syntax.ErrUnbalancedBlock, tok.Span,
			"unexpected `%s`: `%s` opened at %s is still open", tok.Value, top.keyword, top.span.Start)
	}
	return syntax.Errorf(syntax.ErrUnbalancedBlock, tok.Span,
		"`%s` without a matching `%s`", tok.Value, opener)
}

func (p *Parser) pushOpen(keyword string, span Span) {
	p.open = append(p.open, openConstruct{keyword: keyword, span: span})
}

func (p *Parser) popOpen() {
	p.open = p.open[:len(p.open)-1]
}

// newOutput builds an output node. A trailing `raw` or `safe` filter turns
// into the unescaped marker.
func newOutput(expr Expr, span Span) *Output {
	if f, ok := expr.(*Filter); ok && (f.Name == "raw" || f.Name == "safe") && len(f.Args) == 1 {
		return &Output{Expr: f.Args[0], Escape: false, span: span}
	}
	return &Output{Expr: expr, Escape: true, span: span}
}

func (p *Parser) parseStmt(openSpan Span) (Stmt, error) {
	name, span, err := p.expectIdent("statement keyword")
	if err != nil {
		return nil, err
	}
	span = openSpan.Join(span)

	switch name {
	case "if":
		return p.parseIf(span)
	case "for":
		return p.parseFor(span)
	case "block":
		return p.parseBlock(span)
	case "extends":
		return p.parseExtends(span)
	case "include":
		return p.parseInclude(span)
	case "component":
		return p.parseComponent(span)
	case "slot":
		return p.parseSlot(span)
	default:
		return nil, syntax.Errorf(syntax.ErrUnexpectedToken, span, "unknown statement `%s`", name)
	}
}

func (p *Parser) parseIf(span Span) (*If, error) {
	p.pushOpen("if", span)
	defer p.popOpen()

	stmt := &If{}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	for {
		if err := p.expectStmtEnd(); err != nil {
			return nil, err
		}
		body, end, err := p.subparse("elif", "else", "endif")
		if err != nil {
			return nil, err
		}
		stmt.Branches = append(stmt.Branches, IfBranch{Cond: cond, Body: body})

		switch end {
		case "elif":
			if cond, err = p.parseExpr(); err != nil {
				return nil, err
			}
			continue
		case "else":
			if err := p.expectStmtEnd(); err != nil {
				return nil, err
			}
			if stmt.Else, _, err = p.subparse("endif"); err != nil {
				return nil, err
			}
		}
		break
	}
	if err := p.expectStmtEnd(); err != nil {
		return nil, err
	}
	stmt.span = p.expandSpan(span)
	return stmt, nil
}

func (p *Parser) parseFor(span Span) (*For, error) {
	p.pushOpen("for", span)
	defer p.popOpen()

	stmt := &For{}
	first, _, err := p.expectName("loop variable")
	if err != nil {
		return nil, err
	}
	stmt.Var = first
	if p.skip(lexer.TokenPunct, ",") {
		second, _, err := p.expectName("loop variable")
		if err != nil {
			return nil, err
		}
		stmt.KeyVar, stmt.Var = first, second
	}
	if _, err := p.expect(lexer.TokenIdent, "in", "`in`"); err != nil {
		return nil, err
	}
	if stmt.Iter, err = p.parseExpr(); err != nil {
		return nil, err
	}
	if err := p.expectStmtEnd(); err != nil {
		return nil, err
	}

	body, end, err := p.subparse("else", "empty", "endfor")
	if err != nil {
		return nil, err
	}
	stmt.Body = body
	if end != "endfor" {
		if err := p.expectStmtEnd(); err != nil {
			return nil, err
		}
		if stmt.Empty, _, err = p.subparse("endfor"); err != nil {
			return nil, err
		}
	}
	if err := p.expectStmtEnd(); err != nil {
		return nil, err
	}
	stmt.span = p.expandSpan(span)
	return stmt, nil
}

func (p *Parser) parseBlock(span Span) (*Block, error) {
	name, nameSpan, err := p.expectIdent("block name")
	if err != nil {
		return nil, err
	}
	if prev, exists := p.blocks[name]; exists {
		return nil, syntax.Errorf(syntax.ErrDuplicateBlock, nameSpan,
			"block `%s` is already defined at %s", name, prev.span.Start)
	}
	block := &Block{Name: name, span: span}
	p.blocks[name] = block

	if err := p.expectStmtEnd(); err != nil {
		return nil, err
	}

	p.pushOpen("block", span)
	body, _, err := p.subparse("endblock")
	p.popOpen()
	if err != nil {
		return nil, err
	}

	if err := p.closeNamed("block", name, span); err != nil {
		return nil, err
	}

	block.Body = body
	block.span = p.expandSpan(span)
	return block, nil
}

// closeNamed consumes the optional name after an end keyword and the end
// of the tag. A name that differs from the opener's is an error.
func (p *Parser) closeNamed(keyword, name string, span Span) error {
	if tok := p.current(); tok != nil && tok.Kind == lexer.TokenIdent {
		if tok.Value != name {
			return syntax.Errorf(syntax.ErrUnbalancedBlock, tok.Span,
				"`end%s %s` closes %s `%s` opened at %s", keyword, tok.Value, keyword, name, span.Start)
		}
		p.advance()
	}
	return p.expectStmtEnd()
}

func (p *Parser) parseExtends(span Span) (*Extends, error) {
	if len(p.open) > 0 {
		top := p.open[len(p.open)-1]
		return nil, syntax.Errorf(syntax.ErrMisplacedExtends, span,
			"extends is not allowed inside `%s` opened at %s", top.keyword, top.span.Start)
	}
	if p.content {
		return nil, syntax.Errorf(syntax.ErrMisplacedExtends, span, "extends must be the first statement of a template")
	}

	tok, err := p.expect(lexer.TokenLiteral, "", "parent template name")
	if err != nil {
		return nil, err
	}
	if tok.Literal != lexer.LiteralString {
		return nil, p.unexpected(tok, "parent template name")
	}
	if err := p.expectStmtEnd(); err != nil {
		return nil, err
	}
	p.content = true
	return &Extends{Parent: tok.Value, span: p.expandSpan(span)}, nil
}

func (p *Parser) parseInclude(span Span) (*Include, error) {
	stmt := &Include{}
	var err error
	if stmt.Name, err = p.parseExpr(); err != nil {
		return nil, err
	}

	if stmt.With, stmt.Args, err = p.parseWith(); err != nil {
		return nil, err
	}
	stmt.Isolated = p.skipKeyword("only")

	if err := p.expectStmtEnd(); err != nil {
		return nil, err
	}
	stmt.span = p.expandSpan(span)
	return stmt, nil
}

// parseWith reads an optional `with` clause: either a mapping expression or
// a list of `name=expr` bindings.
func (p *Parser) parseWith() (Expr, []IncludeArg, error) {
	if !p.skipKeyword("with") {
		return nil, nil, nil
	}
	cur, next := p.current(), p.peek(1)
	if cur != nil && cur.Kind == lexer.TokenIdent && next != nil && next.Is(lexer.TokenOperator, "=") {
		args, err := p.parseIncludeArgs()
		return nil, args, err
	}
	with, err := p.parseExpr()
	return with, nil, err
}

func (p *Parser) parseComponent(span Span) (*Component, error) {
	name, _, err := p.expectIdent("component name")
	if err != nil {
		return nil, err
	}
	stmt := &Component{Name: name, Fills: make(map[string][]Stmt)}
	if stmt.With, stmt.Args, err = p.parseWith(); err != nil {
		return nil, err
	}
	if err := p.expectStmtEnd(); err != nil {
		return nil, err
	}

	p.pushOpen("component", span)
	body, _, err := p.subparse("endcomponent")
	p.popOpen()
	if err != nil {
		return nil, err
	}
	if err := p.closeNamed("component", name, span); err != nil {
		return nil, err
	}

	var loose []Stmt
	for _, st := range body {
		slot, ok := st.(*Slot)
		if !ok {
			loose = append(loose, st)
			continue
		}
		if _, dup := stmt.Fills[slot.Name]; dup {
			return nil, syntax.Errorf(syntax.ErrDuplicateBlock, slot.span,
				"slot `%s` is filled twice in component `%s`", slot.Name, name)
		}
		stmt.Fills[slot.Name] = slot.Body
	}
	if _, ok := stmt.Fills[DefaultSlotName]; !ok && !blank(loose) {
		stmt.Fills[DefaultSlotName] = loose
	}
	stmt.Body = body
	stmt.span = p.expandSpan(span)
	return stmt, nil
}

// blank reports whether body is only whitespace text.
func blank(body []Stmt) bool {
	for _, st := range body {
		t, ok := st.(*Text)
		if !ok || strings.TrimSpace(t.Raw) != "" {
			return false
		}
	}
	return true
}

func (p *Parser) parseSlot(span Span) (*Slot, error) {
	slot := &Slot{Name: DefaultSlotName}
	if tok := p.current(); tok != nil && tok.Kind == lexer.TokenIdent {
		slot.Name = tok.Value
		p.advance()
	}
	if err := p.expectStmtEnd(); err != nil {
		return nil, err
	}

	p.pushOpen("slot", span)
	body, _, err := p.subparse("endslot")
	p.popOpen()
	if err != nil {
		return nil, err
	}
	if err := p.closeNamed("slot", slot.Name, span); err != nil {
		return nil, err
	}
	slot.Body = body
	slot.span = p.expandSpan(span)
	return slot, nil
}

func (p *Parser) parseIncludeArgs() ([]IncludeArg, error) {
	var args []IncludeArg
	for {
		name, _, err := p.expectName("argument name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(lexer.TokenOperator, "=", "`=`"); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, IncludeArg{Name: name, Value: val})
		if !p.skip(lexer.TokenPunct, ",") {
			return args, nil
		}
	}
}
