package pyxm

import (
	"strings"

	"github.com/nexaweb/pyxm/parser"
	"github.com/nexaweb/pyxm/value"
)

// eval evaluates an expression. Every node consumes one step and the
// nesting of evaluation is bounded by Limits.MaxDepth.
func (s *State) eval(expr parser.Expr) (value.Value, error) {
	if err := s.step(expr.Span()); err != nil {
		return value.Undefined(), err
	}
	s.depth++
	defer func() { s.depth-- }()
	if max := s.limits.MaxDepth; max > 0 && s.depth > max {
		return value.Undefined(), s.errorf(ErrSandboxLimitExceeded, expr.Span(), "expression exceeds the maximum depth of %d", max)
	}

	switch e := expr.(type) {
	case *parser.Const:
		return constValue(e.Value), nil
	case *parser.Var:
		return s.evalVar(e)
	case *parser.GetAttr:
		return s.evalGetAttr(e)
	case *parser.GetItem:
		return s.evalGetItem(e)
	case *parser.BinOp:
		return s.evalBinOp(e)
	case *parser.UnaryOp:
		return s.evalUnaryOp(e)
	case *parser.Filter:
		return s.evalFilter(e)
	case *parser.CondExpr:
		return s.evalCondExpr(e)
	}
	return value.Undefined(), s.errorf(ErrInvalidOperation, expr.Span(), "unsupported expression %T", expr)
}

func constValue(c any) value.Value {
	switch v := c.(type) {
	case nil:
		return value.None()
	case string:
		return value.FromString(v)
	case int64:
		return value.FromInt(v)
	case float64:
		return value.FromFloat(v)
	case bool:
		return value.FromBool(v)
	}
	return value.FromAny(c)
}

func (s *State) evalVar(e *parser.Var) (value.Value, error) {
	if v, ok := s.Lookup(e.ID); ok {
		return v, nil
	}
	if s.strict() {
		return value.Undefined(), s.errorf(ErrUndefinedVariable, e.Span(), "`%s` is undefined", e.ID)
	}
	return value.Undefined(), nil
}

// checkContainer fails in strict mode when obj cannot have attributes.
func (s *State) checkContainer(obj value.Value, span parser.Span, what string) error {
	if !s.strict() {
		return nil
	}
	if obj.IsUndefined() || obj.IsNone() {
		return s.errorf(ErrUndefinedVariable, span, "cannot look up %s on %s", what, obj.Kind())
	}
	return nil
}

func (s *State) evalGetAttr(e *parser.GetAttr) (value.Value, error) {
	obj, err := s.eval(e.Expr)
	if err != nil {
		return value.Undefined(), err
	}
	if err := s.checkContainer(obj, e.Span(), "attribute `"+e.Name+"`"); err != nil {
		return value.Undefined(), err
	}
	v := obj.GetAttr(e.Name)
	if v.IsUndefined() && s.strict() {
		return value.Undefined(), s.errorf(ErrUndefinedVariable, e.Span(), "%s has no attribute `%s`", obj.Kind(), e.Name)
	}
	return v, nil
}

func (s *State) evalGetItem(e *parser.GetItem) (value.Value, error) {
	obj, err := s.eval(e.Expr)
	if err != nil {
		return value.Undefined(), err
	}
	key, err := s.eval(e.Key)
	if err != nil {
		return value.Undefined(), err
	}
	if k, ok := key.AsString(); ok {
		if prefix := s.engine.cfg.ReservedPrefix; prefix != "" && strings.HasPrefix(k, prefix) {
			return value.Undefined(), s.errorf(ErrForbiddenAccess, e.Span(),
				"access to item %s is not allowed (names starting with %q are reserved)", key.Repr(), prefix)
		}
	}
	if err := s.checkContainer(obj, e.Span(), "item "+key.Repr()); err != nil {
		return value.Undefined(), err
	}
	v := obj.GetItem(key)
	if v.IsUndefined() && s.strict() {
		return value.Undefined(), s.errorf(ErrUndefinedVariable, e.Span(), "%s has no item %s", obj.Kind(), key.Repr())
	}
	return v, nil
}

func (s *State) evalBinOp(e *parser.BinOp) (value.Value, error) {
	left, err := s.eval(e.Left)
	if err != nil {
		return value.Undefined(), err
	}

	switch e.Op {
	case parser.BinOpAnd:
		if !left.IsTrue() {
			return left, nil
		}
		return s.eval(e.Right)
	case parser.BinOpOr:
		if left.IsTrue() {
			return left, nil
		}
		return s.eval(e.Right)
	}

	right, err := s.eval(e.Right)
	if err != nil {
		return value.Undefined(), err
	}

	var result value.Value
	switch e.Op {
	case parser.BinOpEq:
		return value.FromBool(left.Equal(right)), nil
	case parser.BinOpNe:
		return value.FromBool(!left.Equal(right)), nil
	case parser.BinOpLt, parser.BinOpLte, parser.BinOpGt, parser.BinOpGte:
		c, err := left.Compare(right)
		if err != nil {
			return value.Undefined(), s.annotate(err, e.Span())
		}
		return value.FromBool(compareResult(e.Op, c)), nil
	case parser.BinOpAdd:
		result, err = left.Add(right)
	case parser.BinOpSub:
		result, err = left.Sub(right)
	case parser.BinOpMul:
		result, err = left.Mul(right)
	case parser.BinOpDiv:
		result, err = left.Div(right)
	case parser.BinOpRem:
		result, err = left.Rem(right)
	default:
		return value.Undefined(), s.errorf(ErrInvalidOperation, e.Span(), "unknown operator %s", e.Op)
	}
	if err != nil {
		return value.Undefined(), s.annotate(err, e.Span())
	}
	if err := s.CheckSize(result); err != nil {
		return value.Undefined(), s.annotate(err, e.Span())
	}
	return result, nil
}

func compareResult(op parser.BinOpKind, c int) bool {
	switch op {
	case parser.BinOpLt:
		return c < 0
	case parser.BinOpLte:
		return c <= 0
	case parser.BinOpGt:
		return c > 0
	default:
		return c >= 0
	}
}

func (s *State) evalUnaryOp(e *parser.UnaryOp) (value.Value, error) {
	v, err := s.eval(e.Expr)
	if err != nil {
		return value.Undefined(), err
	}
	switch e.Op {
	case parser.UnaryNot:
		return value.FromBool(!v.IsTrue()), nil
	case parser.UnaryNeg:
		r, err := v.Neg()
		if err != nil {
			return value.Undefined(), s.annotate(err, e.Span())
		}
		return r, nil
	}
	return value.Undefined(), s.errorf(ErrInvalidOperation, e.Span(), "unknown unary operator")
}

// lenientFilters evaluate their piped operand without failing on undefined
// values, so that `x | default("y")` works under the strict policy.
var lenientFilters = map[string]bool{"default": true, "d": true}

func (s *State) evalFilter(e *parser.Filter) (value.Value, error) {
	f, ok := s.engine.getFilter(e.Name)
	if !ok {
		return value.Undefined(), s.errorf(ErrUnknownFilter, e.Span(), "unknown filter `%s`", e.Name)
	}

	if lenientFilters[e.Name] {
		s.lenient++
	}
	piped, err := s.eval(e.Args[0])
	if lenientFilters[e.Name] {
		s.lenient--
	}
	if err != nil {
		return value.Undefined(), err
	}

	args := make([]value.Value, 0, len(e.Args)-1)
	for _, a := range e.Args[1:] {
		v, err := s.eval(a)
		if err != nil {
			return value.Undefined(), err
		}
		args = append(args, v)
	}

	result, err := f(s, piped, args)
	if err != nil {
		return value.Undefined(), s.annotate(err, e.Span())
	}
	if err := s.CheckSize(result); err != nil {
		return value.Undefined(), s.annotate(err, e.Span())
	}
	return result, nil
}

func (s *State) evalCondExpr(e *parser.CondExpr) (value.Value, error) {
	test, err := s.eval(e.Test)
	if err != nil {
		return value.Undefined(), err
	}
	if test.IsTrue() {
		return s.eval(e.Then)
	}
	if e.Else == nil {
		return value.Undefined(), nil
	}
	return s.eval(e.Else)
}
