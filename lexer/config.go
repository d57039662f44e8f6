package lexer

// WhitespaceConfig is the explicit whitespace-control policy.
//
// Regardless of policy, a `-` inside a delimiter strips whitespace on that
// side and a `+` preserves it.
type WhitespaceConfig struct {
	// TrimBlocks removes the first newline after a statement or comment tag.
	TrimBlocks bool `yaml:"trim_blocks"`
	// LstripBlocks strips spaces and tabs from the start of a line up to a
	// statement or comment tag.
	LstripBlocks bool `yaml:"lstrip_blocks"`
}

// DefaultWhitespace returns the default whitespace configuration, which
// leaves all text untouched.
func DefaultWhitespace() WhitespaceConfig {
	return WhitespaceConfig{}
}

// Config configures a Lexer.
type Config struct {
	Whitespace WhitespaceConfig
	// EmitComments produces TokenComment tokens instead of dropping comments.
	EmitComments bool
}

const (
	varStart     = "{{"
	varEnd       = "}}"
	blockStart   = "{%"
	blockEnd     = "%}"
	commentStart = "{#"
	commentEnd   = "#}"
)
