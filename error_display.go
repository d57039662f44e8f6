package pyxm

import (
	"fmt"
	"io"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// Format implements fmt.Formatter. The `%+v` verb renders the error with
// an excerpt of the template source around the failing location, followed
// by the chain of causes.
func (e *Error) Format(f fmt.State, verb rune) {
	switch {
	case verb == 'v' && f.Flag('+'):
		_, _ = io.WriteString(f, e.Error())
		e.writeExcerpt(f)
		for cause := errors.Unwrap(e); cause != nil; cause = errors.Unwrap(cause) {
			_, _ = fmt.Fprintf(f, "\ncaused by: %v", cause)
			if _, ok := cause.(*Error); ok {
				break
			}
		}
	case verb == 'q':
		_, _ = fmt.Fprintf(f, "%q", e.Error())
	default:
		_, _ = io.WriteString(f, e.Error())
	}
}

func (e *Error) writeExcerpt(w io.Writer) {
	if e.Source == "" || e.Span == nil {
		return
	}
	lines := strings.Split(e.Source, "\n")
	lineIdx := e.Span.Start.Line - 1
	if lineIdx < 0 {
		lineIdx = 0
	}
	if lineIdx >= len(lines) {
		lineIdx = len(lines) - 1
	}

	_, _ = fmt.Fprintf(w, "\n%s\n", centerLine(" "+templateTitle(e.Name)+" ", '-', 79))
	for idx := max(lineIdx-3, 0); idx < lineIdx; idx++ {
		_, _ = fmt.Fprintf(w, "%4d | %s\n", idx+1, lines[idx])
	}
	_, _ = fmt.Fprintf(w, "%4d > %s\n", lineIdx+1, lines[lineIdx])
	if e.Span.Start.Line == e.Span.End.Line {
		width := e.Span.End.Col - e.Span.Start.Col
		if width < 1 {
			width = 1
		}
		_, _ = fmt.Fprintf(w, "     i %s%s %s\n",
			strings.Repeat(" ", max(e.Span.Start.Col-1, 0)), strings.Repeat("^", width), e.Kind)
	}
	for idx := lineIdx + 1; idx <= lineIdx+3 && idx < len(lines); idx++ {
		_, _ = fmt.Fprintf(w, "%4d | %s\n", idx+1, lines[idx])
	}
	_, _ = io.WriteString(w, strings.Repeat("~", 79))
}

func templateTitle(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' })
	if len(parts) == 0 {
		return "template source"
	}
	return parts[len(parts)-1]
}

func centerLine(title string, fill rune, width int) string {
	if len(title) >= width {
		return title
	}
	pad := width - len(title)
	left := pad / 2
	return strings.Repeat(string(fill), left) + title + strings.Repeat(string(fill), pad-left)
}
