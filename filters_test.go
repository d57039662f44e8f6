package pyxm

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexaweb/pyxm/value"
)

func TestBuiltinFilters(t *testing.T) {
	ctx := map[string]any{
		"words":    "hello world foo",
		"nums":     []int{3, 1, 2},
		"m":        map[string]int{"b": 2, "a": 1},
		"combined": "e\u0301x",
		"when":     time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC),
		"neg":      -3,
		"quote":    "it's",
		"q":        map[string]any{"q": "x y", "n": 1, "skip": nil},
	}

	tests := []struct {
		src  string
		want string
	}{
		{`{{ words | upper }}`, "HELLO WORLD FOO"},
		{`{{ "HeLLo" | lower }}`, "hello"},
		{`{{ "hello wORLD-foo" | title }}`, "Hello World-Foo"},
		{`{{ "hELLO there" | capitalize }}`, "Hello there"},
		{`[{{ "  x  " | trim }}]`, "[x]"},
		{`{{ "xyaxy" | strip("xy") }}`, "a"},
		{`{{ "aaa" | replace("a", "b") }}`, "bbb"},
		{`{{ "aaa" | replace("a", "b", 2) }}`, "bba"},
		{`{{ words | truncate(11) }}`, "hello..."},
		{`{{ words | truncate(20) }}`, "hello world foo"},
		{`{{ "abcdefgh" | truncate(5, "") }}`, "abcde"},
		{`{{ "abcdefgh" | truncate(5, "~") }}`, "abcd~"},
		{`{{ "a b  c" | wordcount }}`, "3"},

		{`{{ combined | length }}`, "2"},
		{`{{ nums | length }}`, "3"},
		{`{{ m | count }}`, "2"},
		{`{{ missing | length }}`, "0"},
		{`{{ nums | first }}-{{ nums | last }}`, "3-2"},
		{`{{ combined | first | length }}`, "1"},
		{`[{{ nums | first | first }}]`, "[]"},
		{`{{ nums | join("-") }}`, "3-1-2"},
		{`{{ nums | join }}`, "3, 1, 2"},
		{`{{ "abc" | reverse }}`, "cba"},
		{`{{ nums | reverse | join(",") }}`, "2,1,3"},
		{`{{ nums | sort | join(",") }}`, "1,2,3"},
		{`{{ nums | sort(true) | join(",") }}`, "3,2,1"},
		{`{{ m | keys | join(",") }}`, "a,b"},
		{`{% for k, v in m | items %}{{ k }}={{ v }};{% endfor %}`, "a=1;b=2;"},
		{`{{ "ab" | list | join("|") }}`, "a|b"},

		{`{{ neg | abs }}`, "3"},
		{`{{ -1.5 | abs }}`, "-1.5"},
		{`{{ (-1.5) | abs }}`, "1.5"},
		{`{{ 2.5 | round }}`, "3.0"},
		{`{{ 3.14159 | round(2) }}`, "3.14"},
		{`{{ 7 | round }}`, "7"},

		{`{{ missing | default("x") }}`, "x"},
		{`[{{ "" | default("x") }}]`, "[]"},
		{`{{ "" | default("x", true) }}`, "x"},
		{`{{ none | d("n") }}`, "n"},
		{`{{ "42" | int + 1 }}`, "43"},
		{`{{ "4.7" | int }}`, "4"},
		{`{{ "abc" | int }}`, "0"},
		{`{{ "abc" | int(7) }}`, "7"},
		{`{{ 3.9 | int }}`, "3"},
		{`{{ "2.5" | float }}`, "2.5"},
		{`{{ 3 | float }}`, "3.0"},
		{`{{ 5 | string + "!" }}`, "5!"},
		{`{{ 1 | bool }} {{ "" | bool }}`, "true false"},

		{`{{ m | json }}`, `{"a":1,"b":2}`},
		{`{{ quote | tojson }}`, `"it\u0027s"`},
		{`{{ "<b>" | json }}`, `"\u003cb\u003e"`},
		{`{{ "a b&c" | urlencode | raw }}`, "a%20b%26c"},
		{`{{ q | urlencode | raw }}`, "n=1&q=x%20y"},
		{`{{ quote | escapejs }}`, `it\'s`},
		{`{{ "<a href='x'>" | escape }}`, "&lt;a href=&#x27;x&#x27;&gt;"},

		{`{{ when | date }}`, "2024-03-05 14:07:09"},
		{`{{ when | date("%d/%m/%y %I:%M %p") }}`, "05/03/24 02:07 PM"},
		{`{{ when | date_format("%A %B %j") }}`, "Tuesday March 065"},
		{`{{ "2024-03-05" | date("%F") }}`, "2024-03-05"},
		{`{{ 0 | date("%Y %%") }}`, "1970 %"},
		{`[{{ missing | date }}]`, "[]"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assertRender(t, tt.src, ctx, tt.want)
		})
	}
}

func TestFilterErrors(t *testing.T) {
	tests := []struct {
		src  string
		kind ErrorKind
	}{
		{`{{ 5 | length }}`, ErrInvalidOperation},
		{`{{ [1] | sort }}`, ErrUnexpectedToken},
		{`{{ mixed | sort }}`, ErrInvalidOperation},
		{`{{ 5 | join }}`, ErrNotIterable},
		{`{{ "x" | keys }}`, ErrInvalidOperation},
		{`{{ "x" | abs }}`, ErrInvalidOperation},
		{`{{ "x" | replace("a") }}`, ErrBadFilterArgs},
		{`{{ "x" | truncate("a") }}`, ErrBadFilterArgs},
		{`{{ "x" | truncate(-1) }}`, ErrBadFilterArgs},
		{`{{ "x" | round(1, 2) }}`, ErrBadFilterArgs},
		{`{{ "nope" | date }}`, ErrBadFilterArgs},
		{`{{ "x" | join(1) }}`, ErrBadFilterArgs},
	}
	ctx := map[string]any{"mixed": []any{1, "a"}}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			engine, _ := newTestEngine(t, nil)
			_, err := engine.RenderString(testContext(t), tt.src, ctx)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err), "%v", err)
		})
	}
}

func TestDateFormats(t *testing.T) {
	ts := value.FromTime(time.Date(2023, 12, 31, 0, 5, 6, 789000000, time.FixedZone("EST", -5*3600)))
	tests := map[string]string{
		"%FT%T":          "2023-12-31T00:05:06",
		"%I:%M %p":       "12:05 AM",
		"%a %A %b %B %j": "Sun Sunday Dec December 365",
		"%z %Z":          "-0500 EST",
		"%u %w %V %G %U": "7 0 52 2023 53",
		"100%% at %H:%M": "100% at 00:05",
	}
	for format, want := range tests {
		got, err := filterDate(nil, ts, []value.Value{value.FromString(format)})
		require.NoError(t, err, format)
		assert.Equal(t, want, got.String(), format)
	}

	got, err := filterDate(nil, ts, nil)
	require.NoError(t, err)
	assert.Equal(t, "2023-12-31 00:05:06", got.String())
}

func TestToTime(t *testing.T) {
	for _, v := range []value.Value{
		value.FromString("2024-03-05T10:00:00Z"),
		value.FromString("2024-03-05 10:00:00"),
		value.FromString("2024-03-05T10:00:00"),
		value.FromInt(1709632800),
		value.FromFloat(1709632800.0),
		value.FromTime(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)),
	} {
		got, ok := toTime(v)
		require.True(t, ok, v.Repr())
		assert.Equal(t, "2024-03-05 10:00", got.UTC().Format("2006-01-02 15:04"), v.Repr())
	}
	_, ok := toTime(value.FromBool(true))
	assert.False(t, ok)
}

func TestTruncateCountsGraphemes(t *testing.T) {
	s := value.FromString("néé words here")
	got, err := filterTruncate(nil, s, []value.Value{value.FromInt(8)})
	require.NoError(t, err)
	assert.Equal(t, "néé...", got.String())
}

func TestFilterOutputLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.MaxStringLength = 100_000
	engine := New(cfg, nil)
	ctx := map[string]any{
		"s":     strings.Repeat("a", 20_000),
		"big":   strings.Repeat("b", 20_000),
		"huge":  strings.Repeat("c", 60_000),
		"words": []string{"x", "y", "z"},
		"nums":  make([]int, 5_000),
	}

	tests := []struct {
		source string
		kind   ErrorKind
	}{
		{`{{ s | replace("a", big) }}`, ErrSandboxLimitExceeded},
		{`{{ s | replace("", "-----") }}`, ErrSandboxLimitExceeded},
		{`{{ words | join(huge) }}`, ErrSandboxLimitExceeded},
		{`{{ nums | join(s) }}`, ErrSandboxLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			_, err := engine.RenderString(testContext(t), tt.source, ctx)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err), "error: %v", err)
		})
	}

	out, err := engine.RenderString(testContext(t), `{{ s | replace("a", big, 4) | length }}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "99996", out)

	out, err = engine.RenderString(testContext(t), `{{ words | join(big) | length }}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "40003", out)

	cfg.Limits.MaxStringLength = 7
	engine = New(cfg, nil)
	out, err = engine.RenderString(testContext(t), `{{ "abc" | replace("", "x") }}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "xaxbxcx", out)
	_, err = engine.RenderString(testContext(t), `{{ "abc" | replace("", "xy") }}`, nil)
	assert.Equal(t, ErrSandboxLimitExceeded, KindOf(err))
}
