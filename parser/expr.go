package parser

import (
	"strconv"

	"github.com/nexaweb/pyxm/lexer"
	"github.com/nexaweb/pyxm/syntax"
)

// reservedWords cannot be used as variable names.
var reservedWords = map[string]bool{
	"and": true, "or": true, "not": true, "if": true, "else": true, "in": true,
}

// ParseExpression parses a standalone expression such as `a + b | upper`.
func ParseExpression(source string, cfg Config) (Expr, error) {
	tokens, err := lexer.TokenizeExpression(source)
	if err != nil {
		return nil, err
	}
	p := newParser("<expression>", tokens, cfg)
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.current(); tok != nil {
		return nil, p.unexpected(tok, "end of expression")
	}
	return expr, nil
}

func (p *Parser) parseExpr() (Expr, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxRecursion {
		return nil, syntax.Errorf(syntax.ErrUnexpectedToken, p.currentSpan(), "expression is nested too deeply")
	}

	span := p.currentSpan()
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.skipKeyword("if") {
		return expr, nil
	}

	test, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	var otherwise Expr
	if p.skipKeyword("else") {
		if otherwise, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	return &CondExpr{Test: test, Then: expr, Else: otherwise, span: p.expandSpan(span)}, nil
}

func (p *Parser) parseOr() (Expr, error) {
	span := p.currentSpan()
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.skipKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: BinOpOr, Left: left, Right: right, span: p.expandSpan(span)}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	span := p.currentSpan()
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.skipKeyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: BinOpAnd, Left: left, Right: right, span: p.expandSpan(span)}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	span := p.currentSpan()
	if p.skipKeyword("not") {
		expr, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryOp{Op: UnaryNot, Expr: expr, span: p.expandSpan(span)}, nil
	}
	return p.parseCompare()
}

var compareOps = map[string]BinOpKind{
	"==": BinOpEq,
	"!=": BinOpNe,
	"<":  BinOpLt,
	"<=": BinOpLte,
	">":  BinOpGt,
	">=": BinOpGte,
}

func (p *Parser) parseCompare() (Expr, error) {
	span := p.currentSpan()
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.current()
		if tok == nil || tok.Kind != lexer.TokenOperator {
			return left, nil
		}
		op, ok := compareOps[tok.Value]
		if !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: op, Left: left, Right: right, span: p.expandSpan(span)}
	}
}

func (p *Parser) parseAdditive() (Expr, error) {
	span := p.currentSpan()
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op BinOpKind
		switch {
		case p.matches(lexer.TokenOperator, "+"):
			op = BinOpAdd
		case p.matches(lexer.TokenOperator, "-"):
			op = BinOpSub
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: op, Left: left, Right: right, span: p.expandSpan(span)}
	}
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	span := p.currentSpan()
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op BinOpKind
		switch {
		case p.matches(lexer.TokenOperator, "*"):
			op = BinOpMul
		case p.matches(lexer.TokenOperator, "/"):
			op = BinOpDiv
		case p.matches(lexer.TokenOperator, "%"):
			op = BinOpRem
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: op, Left: left, Right: right, span: p.expandSpan(span)}
	}
}

func (p *Parser) parseUnary() (Expr, error) {
	span := p.currentSpan()
	if p.skip(lexer.TokenOperator, "-") {
		p.depth++
		defer func() { p.depth-- }()
		if p.depth > maxRecursion {
			return nil, syntax.Errorf(syntax.ErrUnexpectedToken, span, "expression is nested too deeply")
		}
		expr, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryOp{Op: UnaryNeg, Expr: expr, span: p.expandSpan(span)}, nil
	}
	return p.parsePipe()
}

func (p *Parser) parsePipe() (Expr, error) {
	span := p.currentSpan()
	expr, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	for p.skip(lexer.TokenPunct, "|") {
		name, _, err := p.expectName("filter name")
		if err != nil {
			return nil, err
		}
		args := []Expr{expr}
		if p.skip(lexer.TokenPunct, "(") {
			extra, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			args = append(args, extra...)
		}
		expr = &Filter{Name: name, Args: args, span: p.expandSpan(span)}
	}
	return expr, nil
}

// parseArgs parses a comma separated argument list after the opening paren.
func (p *Parser) parseArgs() ([]Expr, error) {
	var args []Expr
	for !p.skip(lexer.TokenPunct, ")") {
		if len(args) > 0 {
			if _, err := p.expect(lexer.TokenPunct, ",", "`,` or `)`"); err != nil {
				return nil, err
			}
		}
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func (p *Parser) parsePostfix() (Expr, error) {
	span := p.currentSpan()
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.skip(lexer.TokenPunct, "."):
			tok := p.advance()
			if tok == nil {
				return nil, p.unexpectedEOF("attribute name")
			}
			switch {
			case tok.Kind == lexer.TokenIdent:
				if err := p.checkName(tok.Value, tok.Span); err != nil {
					return nil, err
				}
				expr = &GetAttr{Expr: expr, Name: tok.Value, span: p.expandSpan(span)}
			case tok.Kind == lexer.TokenLiteral && tok.Literal == lexer.LiteralInt:
				idx, _ := strconv.ParseInt(tok.Value, 10, 64)
				key := &Const{Value: idx, span: tok.Span}
				expr = &GetItem{Expr: expr, Key: key, span: p.expandSpan(span)}
			default:
				return nil, p.unexpected(tok, "attribute name")
			}

		case p.skip(lexer.TokenPunct, "["):
			key, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if c, ok := key.(*Const); ok {
				if s, ok := c.Value.(string); ok {
					if err := p.checkName(s, c.span); err != nil {
						return nil, err
					}
				}
			}
			if _, err := p.expect(lexer.TokenPunct, "]", "`]`"); err != nil {
				return nil, err
			}
			expr = &GetItem{Expr: expr, Key: key, span: p.expandSpan(span)}

		case p.matches(lexer.TokenPunct, "("):
			return nil, syntax.Errorf(syntax.ErrUnexpectedToken, p.currentSpan(),
				"unexpected `(`: function calls are not supported, use a filter")

		default:
			return expr, nil
		}
	}
}

func (p *Parser) parsePrimary() (Expr, error) {
	tok := p.advance()
	if tok == nil {
		return nil, p.unexpectedEOF("expression")
	}
	span := tok.Span

	switch tok.Kind {
	case lexer.TokenIdent:
		switch tok.Value {
		case "true", "True":
			return &Const{Value: true, span: span}, nil
		case "false", "False":
			return &Const{Value: false, span: span}, nil
		case "none", "None", "null":
			return &Const{Value: nil, span: span}, nil
		}
		if reservedWords[tok.Value] {
			return nil, p.unexpected(tok, "expression")
		}
		if err := p.checkName(tok.Value, span); err != nil {
			return nil, err
		}
		return &Var{ID: tok.Value, span: span}, nil

	case lexer.TokenLiteral:
		switch tok.Literal {
		case lexer.LiteralString:
			return &Const{Value: tok.Value, span: span}, nil
		case lexer.LiteralInt:
			n, err := strconv.ParseInt(tok.Value, 10, 64)
			if err != nil {
				return nil, syntax.Errorf(syntax.ErrUnexpectedToken, span, "invalid integer literal %q", tok.Value)
			}
			return &Const{Value: n, span: span}, nil
		case lexer.LiteralFloat:
			f, err := strconv.ParseFloat(tok.Value, 64)
			if err != nil {
				return nil, syntax.Errorf(syntax.ErrUnexpectedToken, span, "invalid float literal %q", tok.Value)
			}
			return &Const{Value: f, span: span}, nil
		}

	case lexer.TokenPunct:
		if tok.Value == "(" {
			expr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(lexer.TokenPunct, ")", "`)`"); err != nil {
				return nil, err
			}
			return expr, nil
		}
	}

	return nil, p.unexpected(tok, "expression")
}
