package pyxm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestEscapeModes(t *testing.T) {
	in := "<a href=\"x\">Tom & 'Jerry'</a>\x07\n"
	assert.Equal(t, "&lt;a href=&quot;x&quot;&gt;Tom &amp; &#x27;Jerry&#x27;&lt;/a&gt;\x07\n", Escape(EscapeMarkup, in))
	assert.Equal(t, "<a href=\"x\">Tom & 'Jerry'</a>\n", Escape(EscapePlain, in))
	assert.Equal(t, in, Escape(EscapeRaw, in))
	assert.Equal(t, "plain text", EscapeHTML("plain text"))
}

func TestEscapeJS(t *testing.T) {
	for in, want := range map[string]string{
		"a'b\"c\\d\ne":         `a\'b\"c\\d\ne`,
		"</script>&":           `\x3c/script\x3e\x26`,
		"line\u2028para\u2029": `line\u2028para\u2029`,
		"\x01\t\r":             `\x01\t\r`,
		"snow \u2603":          "snow \u2603",
	} {
		assert.Equal(t, want, EscapeJS(in), in)
	}
}

func TestEscapeModeText(t *testing.T) {
	for text, want := range map[string]EscapeMode{
		"markup": EscapeMarkup,
		"HTML":   EscapeMarkup,
		"plain":  EscapePlain,
		"text":   EscapePlain,
		"raw":    EscapeRaw,
		"none":   EscapeRaw,
	} {
		var m EscapeMode
		require.NoError(t, m.UnmarshalText([]byte(text)), text)
		assert.Equal(t, want, m, text)
	}
	var m EscapeMode
	assert.Error(t, m.UnmarshalText([]byte("latex")))

	out, err := yaml.Marshal(struct {
		Escape EscapeMode `yaml:"escape"`
	}{EscapePlain})
	require.NoError(t, err)
	assert.Equal(t, "escape: plain\n", string(out))
}

func TestUndefinedPolicyText(t *testing.T) {
	var p UndefinedPolicy
	require.NoError(t, p.UnmarshalText([]byte("strict")))
	assert.Equal(t, UndefinedStrict, p)
	require.NoError(t, p.UnmarshalText([]byte("lenient")))
	assert.Equal(t, UndefinedLenient, p)
	assert.Error(t, p.UnmarshalText([]byte("chaotic")))
	assert.Equal(t, "strict", UndefinedStrict.String())
}

func TestConfigYAML(t *testing.T) {
	cfg := DefaultConfig()
	src := `
escape: plain
undefined: strict
limits:
  max_steps: 500
cache:
  size: 8
  ttl: 1m
whitespace:
  trim_blocks: true
`
	require.NoError(t, yaml.Unmarshal([]byte(src), &cfg))
	assert.Equal(t, EscapePlain, cfg.Escape)
	assert.Equal(t, UndefinedStrict, cfg.Undefined)
	assert.Equal(t, 500, cfg.Limits.MaxSteps)
	assert.Equal(t, DefaultConfig().Limits.MaxDepth, cfg.Limits.MaxDepth)
	assert.Equal(t, 8, cfg.Cache.Size)
	assert.Equal(t, "1m0s", cfg.Cache.TTL.String())
	assert.True(t, cfg.Whitespace.TrimBlocks)
	assert.Equal(t, "_", cfg.ReservedPrefix)
}
