// Package syntax holds the source positions and compile-time error kinds
// shared by the lexer and the parser.
package syntax

import "fmt"

// Pos is a single location in template source.
//
// Line and Col are 1-based, Offset is the 0-based byte offset.
type Pos struct {
	Line   int
	Col    int
	Offset int
}

func (p Pos) String() string {
	return fmt.Sprintf("line %d, column %d", p.Line, p.Col)
}

// Span represents a location range in source code.
type Span struct {
	Start Pos
	End   Pos
}

func (s Span) String() string {
	return s.Start.String()
}

// Join returns a span covering both s and other.
func (s Span) Join(other Span) Span {
	out := s
	if other.Start.Offset < out.Start.Offset {
		out.Start = other.Start
	}
	if other.End.Offset > out.End.Offset {
		out.End = other.End
	}
	return out
}
