package pyxm

import (
	"github.com/nexaweb/pyxm/parser"
)

// Identity names a compiled template and the content it was compiled from.
type Identity struct {
	Name        string
	Fingerprint string
}

// Template is a compiled template. It is immutable and may be shared
// between goroutines and renders.
type Template struct {
	identity Identity
	source   string
	ast      *parser.Template
	blocks   []string
}

// Compile parses source into a template without an engine.
func Compile(name, source string, cfg Config) (*Template, error) {
	return compileSource(Source{Name: name, Text: source, Fingerprint: Fingerprint(source)}, cfg)
}

func compileSource(src Source, cfg Config) (*Template, error) {
	ast, err := parser.Parse(src.Name, src.Text, cfg.parserConfig())
	if err != nil {
		return nil, fromSyntaxError(err, src.Name, src.Text)
	}
	fp := src.Fingerprint
	if fp == "" {
		fp = Fingerprint(src.Text)
	}
	return &Template{
		identity: Identity{Name: src.Name, Fingerprint: fp},
		source:   src.Text,
		ast:      ast,
		blocks:   ast.BlockNames(),
	}, nil
}

// Name returns the name of the template.
func (t *Template) Name() string {
	return t.identity.Name
}

// Fingerprint returns the content fingerprint the template was compiled from.
func (t *Template) Fingerprint() string {
	return t.identity.Fingerprint
}

// Identity returns the template's name and fingerprint.
func (t *Template) Identity() Identity {
	return t.identity
}

// Source returns the template source.
func (t *Template) Source() string {
	return t.source
}

// BlockNames returns the names of the blocks declared in this template, in
// source order.
func (t *Template) BlockNames() []string {
	out := make([]string, len(t.blocks))
	copy(out, t.blocks)
	return out
}

// Parent returns the name of the extended template, if any.
func (t *Template) Parent() (string, bool) {
	if t.ast.Extends == nil {
		return "", false
	}
	return t.ast.Extends.Parent, true
}
