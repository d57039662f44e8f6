package pyxm

import (
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/nexaweb/pyxm/lexer"
	"github.com/nexaweb/pyxm/parser"
)

// UndefinedPolicy determines how undefined variables are handled.
type UndefinedPolicy int

const (
	// UndefinedLenient renders missing values as empty strings and lets
	// attribute and item access on them yield more undefined values.
	UndefinedLenient UndefinedPolicy = iota
	// UndefinedStrict fails the render with ErrUndefinedVariable.
	UndefinedStrict
)

func (p UndefinedPolicy) String() string {
	if p == UndefinedStrict {
		return "strict"
	}
	return "lenient"
}

// MarshalText implements encoding.TextMarshaler.
func (p UndefinedPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *UndefinedPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "lenient", "":
		*p = UndefinedLenient
	case "strict":
		*p = UndefinedStrict
	default:
		return errors.Errorf("unknown undefined policy %q", text)
	}
	return nil
}

// Limits bound the work a single render may do.
type Limits struct {
	// MaxDepth bounds the nesting of expression evaluation.
	MaxDepth int `yaml:"max_depth"`
	// MaxSteps bounds the number of evaluated nodes and statements per render.
	MaxSteps int `yaml:"max_steps"`
	// MaxIncludeDepth bounds nested includes.
	MaxIncludeDepth int `yaml:"max_include_depth"`
	// MaxStringLength bounds strings produced by operators and filters, in bytes.
	MaxStringLength int `yaml:"max_string_length"`
	// MaxCollectionSize bounds sequences and maps produced by operators and filters.
	MaxCollectionSize int `yaml:"max_collection_size"`
}

// CacheConfig configures the compiled template cache.
type CacheConfig struct {
	// Size is the maximum number of compiled templates kept.
	Size int `yaml:"size"`
	// TTL drops entries that have not been compiled for this long. Zero
	// keeps entries until they are evicted.
	TTL time.Duration `yaml:"ttl"`
}

// Config holds engine settings.
type Config struct {
	Escape         EscapeMode             `yaml:"escape"`
	Undefined      UndefinedPolicy        `yaml:"undefined"`
	Limits         Limits                 `yaml:"limits"`
	Cache          CacheConfig            `yaml:"cache"`
	Whitespace     lexer.WhitespaceConfig `yaml:"whitespace"`
	ReservedPrefix string                 `yaml:"reserved_prefix"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Escape:    EscapeMarkup,
		Undefined: UndefinedLenient,
		Limits: Limits{
			MaxDepth:          64,
			MaxSteps:          1_000_000,
			MaxIncludeDepth:   16,
			MaxStringLength:   100_000,
			MaxCollectionSize: 10_000,
		},
		Cache: CacheConfig{
			Size: 100,
		},
		Whitespace:     lexer.DefaultWhitespace(),
		ReservedPrefix: parser.DefaultReservedPrefix,
	}
}

func (c Config) parserConfig() parser.Config {
	return parser.Config{
		Lexer:          lexer.Config{Whitespace: c.Whitespace},
		ReservedPrefix: c.ReservedPrefix,
	}
}
