package pyxm

import (
	"fmt"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// EscapeMode selects the transform applied to output tags.
type EscapeMode int

const (
	// EscapeMarkup replaces HTML special characters with entities.
	EscapeMarkup EscapeMode = iota
	// EscapePlain removes control characters other than newline, carriage
	// return and tab.
	EscapePlain
	// EscapeRaw emits values unchanged.
	EscapeRaw
)

func (m EscapeMode) String() string {
	switch m {
	case EscapePlain:
		return "plain"
	case EscapeRaw:
		return "raw"
	default:
		return "markup"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m EscapeMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *EscapeMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "markup", "html", "":
		*m = EscapeMarkup
	case "plain", "text":
		*m = EscapePlain
	case "raw", "none":
		*m = EscapeRaw
	default:
		return errors.Errorf("unknown escape mode %q", text)
	}
	return nil
}

// AutoEscapeFunc picks the escape mode for a template by name.
type AutoEscapeFunc func(name string) EscapeMode

// Escape applies the transform for mode to s.
func Escape(mode EscapeMode, s string) string {
	switch mode {
	case EscapeMarkup:
		return EscapeHTML(s)
	case EscapePlain:
		return stripControl(s)
	default:
		return s
	}
}

var htmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
)

// EscapeHTML escapes a string for HTML text and quoted attribute values.
func EscapeHTML(s string) string {
	if !strings.ContainsAny(s, `&<>"'`) {
		return s
	}
	return htmlReplacer.Replace(s)
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0) {
			return -1
		}
		return r
	}, s)
}

// EscapeJS escapes a string for use inside a JavaScript string literal.
func EscapeJS(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '<':
			b.WriteString(`\x3c`)
		case '>':
			b.WriteString(`\x3e`)
		case '&':
			b.WriteString(`\x26`)
		case '\u2028':
			b.WriteString(`\u2028`)
		case '\u2029':
			b.WriteString(`\u2029`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\x%02x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
