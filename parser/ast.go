// Package parser builds the structural AST of a PYXM template.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nexaweb/pyxm/lexer"
)

// Span represents a location range in source code.
type Span = lexer.Span

// Node is the interface implemented by all AST nodes.
type Node interface {
	node()
	Span() Span
}

// Stmt is a structural node.
type Stmt interface {
	Node
	stmt()
}

// Expr is an expression node.
type Expr interface {
	Node
	expr()
}

// --- Structural nodes ---

// Template is the root node of a parsed template.
type Template struct {
	Name    string
	Body    []Stmt
	Extends *Extends          // non-nil when the body starts with extends
	Blocks  map[string]*Block // every block declared in this source
}

// BlockNames returns the declared block names in source order.
func (t *Template) BlockNames() []string {
	var names []string
	var walk func([]Stmt)
	walk = func(body []Stmt) {
		for _, stmt := range body {
			switch s := stmt.(type) {
			case *Block:
				names = append(names, s.Name)
				walk(s.Body)
			case *If:
				for _, br := range s.Branches {
					walk(br.Body)
				}
				walk(s.Else)
			case *For:
				walk(s.Body)
				walk(s.Empty)
			case *Component:
				walk(s.Body)
			case *Slot:
				walk(s.Body)
			}
		}
	}
	walk(t.Body)
	return names
}

// Text outputs literal template text.
type Text struct {
	Raw  string
	span Span
}

func (t *Text) node()      {}
func (t *Text) stmt()      {}
func (t *Text) Span() Span { return t.span }

// Output emits the value of an expression. Escape is false for the raw marker.
type Output struct {
	Expr   Expr
	Escape bool
	span   Span
}

func (o *Output) node()      {}
func (o *Output) stmt()      {}
func (o *Output) Span() Span { return o.span }

// IfBranch is one `if` or `elif` arm.
type IfBranch struct {
	Cond Expr
	Body []Stmt
}

// If represents an if/elif/else chain.
type If struct {
	Branches []IfBranch
	Else     []Stmt
	span     Span
}

func (i *If) node()      {}
func (i *If) stmt()      {}
func (i *If) Span() Span { return i.span }

// For represents a for loop. KeyVar is set for `for k, v in mapping`.
type For struct {
	Var    string
	KeyVar string
	Iter   Expr
	Body   []Stmt
	Empty  []Stmt
	span   Span
}

func (f *For) node()      {}
func (f *For) stmt()      {}
func (f *For) Span() Span { return f.span }

// Extends names the parent template.
type Extends struct {
	Parent string
	span   Span
}

func (e *Extends) node()      {}
func (e *Extends) stmt()      {}
func (e *Extends) Span() Span { return e.span }

// Block is a named, overridable region.
type Block struct {
	Name string
	Body []Stmt
	span Span
}

func (b *Block) node()      {}
func (b *Block) stmt()      {}
func (b *Block) Span() Span { return b.span }

// IncludeArg is a `name=expr` pair passed to an included template.
type IncludeArg struct {
	Name  string
	Value Expr
}

// Include renders another template in place.
//
// With is a mapping expression used as the sub-context. Args are keyword
// bindings. Isolated templates see only what is passed to them.
type Include struct {
	Name     Expr
	With     Expr
	Args     []IncludeArg
	Isolated bool
	span     Span
}

func (i *Include) node()      {}
func (i *Include) stmt()      {}
func (i *Include) Span() Span { return i.span }

// Component renders the template registered under Name with the With or
// Args bindings as its only context. Body is rendered in place when no
// component of that name is registered.
//
// Slot statements directly inside the body are named fills. Everything
// else in the body fills the default slot.
type Component struct {
	Name  string
	With  Expr
	Args  []IncludeArg
	Body  []Stmt
	Fills map[string][]Stmt
	span  Span
}

func (c *Component) node()      {}
func (c *Component) stmt()      {}
func (c *Component) Span() Span { return c.span }

// DefaultSlotName names the slot of a `{% slot %}` tag without a name.
const DefaultSlotName = "default"

// Slot is a placeholder in a component template. Body is its fallback
// content, rendered when the caller supplies no fill for Name.
type Slot struct {
	Name string
	Body []Stmt
	span Span
}

func (s *Slot) node()      {}
func (s *Slot) stmt()      {}
func (s *Slot) Span() Span { return s.span }

// --- Expressions ---

// Const is a literal: string, int64, float64, bool or nil.
type Const struct {
	Value any
	span  Span
}

func (c *Const) node()      {}
func (c *Const) expr()      {}
func (c *Const) Span() Span { return c.span }

// Var references a variable by name.
type Var struct {
	ID   string
	span Span
}

func (v *Var) node()      {}
func (v *Var) expr()      {}
func (v *Var) Span() Span { return v.span }

// GetAttr is dotted attribute access.
type GetAttr struct {
	Expr Expr
	Name string
	span Span
}

func (g *GetAttr) node()      {}
func (g *GetAttr) expr()      {}
func (g *GetAttr) Span() Span { return g.span }

// GetItem is bracket indexing.
type GetItem struct {
	Expr Expr
	Key  Expr
	span Span
}

func (g *GetItem) node()      {}
func (g *GetItem) expr()      {}
func (g *GetItem) Span() Span { return g.span }

// BinOpKind identifies a binary operator.
type BinOpKind int

const (
	BinOpEq BinOpKind = iota
	BinOpNe
	BinOpLt
	BinOpLte
	BinOpGt
	BinOpGte
	BinOpAnd
	BinOpOr
	BinOpAdd
	BinOpSub
	BinOpMul
	BinOpDiv
	BinOpRem
)

func (k BinOpKind) String() string {
	switch k {
	case BinOpEq:
		return "=="
	case BinOpNe:
		return "!="
	case BinOpLt:
		return "<"
	case BinOpLte:
		return "<="
	case BinOpGt:
		return ">"
	case BinOpGte:
		return ">="
	case BinOpAnd:
		return "and"
	case BinOpOr:
		return "or"
	case BinOpAdd:
		return "+"
	case BinOpSub:
		return "-"
	case BinOpMul:
		return "*"
	case BinOpDiv:
		return "/"
	case BinOpRem:
		return "%"
	default:
		return "?"
	}
}

// BinOp is a binary operation.
type BinOp struct {
	Op    BinOpKind
	Left  Expr
	Right Expr
	span  Span
}

func (b *BinOp) node()      {}
func (b *BinOp) expr()      {}
func (b *BinOp) Span() Span { return b.span }

// UnaryOpKind identifies a unary operator.
type UnaryOpKind int

const (
	UnaryNot UnaryOpKind = iota
	UnaryNeg
)

// UnaryOp is a unary operation.
type UnaryOp struct {
	Op   UnaryOpKind
	Expr Expr
	span Span
}

func (u *UnaryOp) node()      {}
func (u *UnaryOp) expr()      {}
func (u *UnaryOp) Span() Span { return u.span }

// Filter is a filter call. Args[0] is the piped value.
type Filter struct {
	Name string
	Args []Expr
	span Span
}

func (f *Filter) node()      {}
func (f *Filter) expr()      {}
func (f *Filter) Span() Span { return f.span }

// CondExpr is the inline `a if cond else b` conditional. Else may be nil.
type CondExpr struct {
	Test Expr
	Then Expr
	Else Expr
	span Span
}

func (c *CondExpr) node()      {}
func (c *CondExpr) expr()      {}
func (c *CondExpr) Span() Span { return c.span }

// Dump renders an expression in a fully parenthesized form.
func Dump(e Expr) string {
	var sb strings.Builder
	dump(&sb, e)
	return sb.String()
}

func dump(sb *strings.Builder, e Expr) {
	switch v := e.(type) {
	case *Const:
		switch c := v.Value.(type) {
		case nil:
			sb.WriteString("none")
		case string:
			sb.WriteString(strconv.Quote(c))
		default:
			fmt.Fprintf(sb, "%v", c)
		}
	case *Var:
		sb.WriteString(v.ID)
	case *GetAttr:
		dump(sb, v.Expr)
		sb.WriteString(".")
		sb.WriteString(v.Name)
	case *GetItem:
		dump(sb, v.Expr)
		sb.WriteString("[")
		dump(sb, v.Key)
		sb.WriteString("]")
	case *BinOp:
		sb.WriteString("(")
		dump(sb, v.Left)
		fmt.Fprintf(sb, " %s ", v.Op)
		dump(sb, v.Right)
		sb.WriteString(")")
	case *UnaryOp:
		if v.Op == UnaryNot {
			sb.WriteString("(not ")
		} else {
			sb.WriteString("(-")
		}
		dump(sb, v.Expr)
		sb.WriteString(")")
	case *Filter:
		sb.WriteString(v.Name)
		sb.WriteString("(")
		for i, arg := range v.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			dump(sb, arg)
		}
		sb.WriteString(")")
	case *CondExpr:
		sb.WriteString("(")
		dump(sb, v.Then)
		sb.WriteString(" if ")
		dump(sb, v.Test)
		if v.Else != nil {
			sb.WriteString(" else ")
			dump(sb, v.Else)
		}
		sb.WriteString(")")
	default:
		fmt.Fprintf(sb, "<%T>", e)
	}
}
