package pyxm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/nexaweb/pyxm/value"
)

func newTestEngine(t *testing.T, templates map[string]string) (*Engine, *MapResolver) {
	t.Helper()
	resolver := NewMapResolver(templates)
	return New(DefaultConfig(), resolver), resolver
}

func testContext(t *testing.T) context.Context {
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	return logger.WithContext(context.Background())
}

func assertRender(t *testing.T, source string, ctx any, expected string, opts ...RenderOption) {
	t.Helper()
	engine, _ := newTestEngine(t, nil)
	out, err := engine.RenderString(testContext(t), source, ctx, opts...)
	require.NoError(t, err)
	assert.Equal(t, expected, out)
}

func assertRenderErrorKind(t *testing.T, source string, ctx any, kind ErrorKind, opts ...RenderOption) *Error {
	t.Helper()
	engine, _ := newTestEngine(t, nil)
	_, err := engine.RenderString(testContext(t), source, ctx, opts...)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr, "expected *Error, got %v", err)
	assert.Equal(t, kind, terr.Kind, "error: %v", err)
	return terr
}

func TestLiteralPassthrough(t *testing.T) {
	src := "Hello,\n  world!\t<p class=\"x\">&amp;</p>\n"
	assertRender(t, src, nil, src)
	assertRender(t, "", nil, "")
}

func TestEscaping(t *testing.T) {
	ctx := map[string]any{"x": "<b>\"it's\" & co</b>"}
	assertRender(t, "{{ x }}", ctx, "&lt;b&gt;&quot;it&#x27;s&quot; &amp; co&lt;/b&gt;")
	assertRender(t, "{{ x | raw }}", ctx, "<b>\"it's\" & co</b>")
	assertRender(t, "{{ x | safe }}", ctx, "<b>\"it's\" & co</b>")
	assertRender(t, "{{ x | e | upper }}", ctx, "&LT;B&GT;&QUOT;IT&#X27;S&QUOT; &AMP; CO&LT;/B&GT;")
	assertRender(t, "{{ x }}", ctx, "<b>\"it's\" & co</b>", WithEscape(EscapeRaw))
	assertRender(t, "{{ x }}", map[string]any{"x": "a\x00b\x1bc\nd\te"}, "abc\nd\te", WithEscape(EscapePlain))
	assertRender(t, "{{ x }}", map[string]any{"x": value.FromSafeString("<i>")}, "<i>")
}

func TestAutoEscapeFunc(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{
		"page.html": "{{ x }}|{% include \"note.txt\" %}",
		"note.txt":  "{{ x }}",
	})
	engine.SetAutoEscapeFunc(func(name string) EscapeMode {
		if strings.HasSuffix(name, ".html") {
			return EscapeMarkup
		}
		return EscapeRaw
	})
	out, err := engine.RenderTemplate(testContext(t), "page.html", map[string]any{"x": "<>"})
	require.NoError(t, err)
	assert.Equal(t, "&lt;&gt;|<>", out)

	out, err = engine.RenderTemplate(testContext(t), "page.html", map[string]any{"x": "<>"}, WithEscape(EscapeMarkup))
	require.NoError(t, err)
	assert.Equal(t, "&lt;&gt;|&lt;&gt;", out)
}

func TestLoopState(t *testing.T) {
	src := "{% for x in items %}({{ loop.index }},{{ loop.is_first }},{{ loop.is_last }}){% endfor %}"
	assertRender(t, src, map[string]any{"items": []string{"a", "b", "c"}}, "(0,true,false)(1,false,false)(2,false,true)")

	src = "{% for x in items %}{{ loop.position }}/{{ loop.length }}:{{ loop.revindex }} {% endfor %}"
	assertRender(t, src, map[string]any{"items": []int{7, 8}}, "1/2:1 2/2:0 ")

	src = "{% for a in xs %}{% for b in xs %}{{ loop.depth }}{% endfor %}{{ loop.depth }}{% endfor %}"
	assertRender(t, src, map[string]any{"xs": []int{1, 2}}, "221221")
}

func TestLoopLengthUnknownForIterators(t *testing.T) {
	it := value.MakeOneShotIterator(func(yield func(value.Value) bool) {
		for i := int64(0); i < 3; i++ {
			if !yield(value.FromInt(i)) {
				return
			}
		}
	})
	src := "{% for x in it %}{{ x }}[{{ loop.length }}]{% if loop.last %}!{% endif %}{% endfor %}"
	assertRender(t, src, map[string]any{"it": it}, "0[]1[]2[]!")
}

func TestLoopEmptyBody(t *testing.T) {
	src := "{% for x in items %}{{ x }}{% empty %}nothing{% endfor %}"
	assertRender(t, src, map[string]any{"items": []int{}}, "nothing")
	assertRender(t, src, map[string]any{"items": []int{1}}, "1")
	assertRender(t, src, nil, "nothing")

	src = "{% for x in items %}{{ x }}{% else %}nothing{% endfor %}"
	assertRender(t, src, map[string]any{"items": map[string]int{}}, "nothing")
}

func TestLoopOverMappingsAndStrings(t *testing.T) {
	m := map[string]any{"m": map[string]int{"b": 2, "a": 1}}
	assertRender(t, "{% for k in m %}{{ k }}{% endfor %}", m, "ab")
	assertRender(t, "{% for k, v in m %}{{ k }}={{ v }};{% endfor %}", m, "a=1;b=2;")
	assertRender(t, "{% for k, v in pairs %}{{ k }}{{ v }}{% endfor %}",
		map[string]any{"pairs": [][]any{{"x", 1}, {"y", 2}}}, "x1y2")
	assertRender(t, "{% for c in s %}[{{ c }}]{% endfor %}", map[string]any{"s": "héy"}, "[h][é][y]")

	assertRenderErrorKind(t, "{% for k, v in xs %}{% endfor %}", map[string]any{"xs": []int{1}}, ErrInvalidOperation)
	assertRenderErrorKind(t, "{% for x in n %}{% endfor %}", map[string]any{"n": 5}, ErrNotIterable)
	assertRenderErrorKind(t, "{% for x in none %}{% endfor %}", nil, ErrNotIterable)
}

func TestLoopVariablesShadow(t *testing.T) {
	src := "{{ x }}{% for x in xs %}{{ x }}{% endfor %}{{ x }}"
	assertRender(t, src, map[string]any{"x": "o", "xs": []string{"a", "b"}}, "oabo")
}

func TestConditionals(t *testing.T) {
	src := "{% if n > 10 %}big{% elif n > 5 %}medium{% elif n %}small{% else %}zero{% endif %}"
	for n, want := range map[int]string{20: "big", 7: "medium", 1: "small", 0: "zero"} {
		assertRender(t, src, map[string]any{"n": n}, want)
	}

	falsy := []any{"", 0, 0.0, []int{}, map[string]int{}, nil, false}
	for _, v := range falsy {
		assertRender(t, "{% if v %}T{% else %}F{% endif %}", map[string]any{"v": v}, "F")
	}
	assertRender(t, "{% if missing %}T{% else %}F{% endif %}", nil, "F")
	assertRender(t, "{{ 'yes' if flag else 'no' }}", map[string]any{"flag": true}, "yes")
	assertRender(t, "[{{ 'yes' if flag }}]", map[string]any{"flag": false}, "[]")
}

func TestExpressions(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"{{ 1 + 2 * 3 }}", "7"},
		{"{{ (1 + 2) * 3 }}", "9"},
		{"{{ 7 / 2 }}", "3.5"},
		{"{{ 4 / 2 }}", "2.0"},
		{"{{ 7 % 3 }}", "1"},
		{"{{ -7 % 3 }}", "2"},
		{"{{ 1 + 0.5 }}", "1.5"},
		{"{{ 'a' + 'b' }}", "ab"},
		{"{{ -x }}", "-3"},
		{"{{ not x }}", "false"},
		{"{{ not x == 3 }}", "false"},
		{"{{ 1 < 2 and 2 < 3 }}", "true"},
		{"{{ none or 'fallback' }}", "fallback"},
		{"{{ 0 and 1 }}", "0"},
		{"{{ 'b' > 'a' }}", "true"},
		{"{{ 1 == 1.0 }}", "true"},
		{"{{ 1 != 'x' }}", "true"},
		{"{{ user.name }}", "ann"},
		{"{{ user['name'] }}", "ann"},
		{"{{ user.tags[1] }}", "b"},
		{"{{ user.tags[-1] }}", "b"},
		{"{{ user.tags.0 }}", "a"},
		{"{{ none }}", ""},
		{"{{ true }}", "true"},
	}
	ctx := map[string]any{
		"x":    3,
		"user": map[string]any{"name": "ann", "tags": []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			assertRender(t, tt.src, ctx, tt.want)
		})
	}
}

func TestRuntimeErrors(t *testing.T) {
	assertRenderErrorKind(t, "{{ 1 / 0 }}", nil, ErrDivisionByZero)
	assertRenderErrorKind(t, "{{ 1 % 0 }}", nil, ErrDivisionByZero)
	assertRenderErrorKind(t, "{{ 1.5 / 0 }}", nil, ErrDivisionByZero)
	assertRenderErrorKind(t, "{{ 'a' - 1 }}", nil, ErrInvalidOperation)
	assertRenderErrorKind(t, "{{ 'a' < 1 }}", nil, ErrInvalidOperation)
	assertRenderErrorKind(t, "{{ 9223372036854775807 + 1 }}", nil, ErrInvalidOperation)
	assertRenderErrorKind(t, "{{ x | nope }}", nil, ErrUnknownFilter)
	assertRenderErrorKind(t, "{{ x | replace('a') }}", map[string]any{"x": "abc"}, ErrBadFilterArgs)

	terr := assertRenderErrorKind(t, "line one\n{{ 1 / 0 }}", nil, ErrDivisionByZero)
	require.NotNil(t, terr.Span)
	assert.Equal(t, 2, terr.Span.Start.Line)
	assert.Equal(t, "RuntimeError", terr.Category())
	assert.Equal(t, "<string>", terr.Name)
}

func TestUndefinedPolicy(t *testing.T) {
	assertRender(t, "[{{ missing }}][{{ missing.attr[0].deeper }}]", nil, "[][]")
	assertRender(t, "[{{ user.missing }}]", map[string]any{"user": map[string]any{}}, "[]")

	strict := WithUndefined(UndefinedStrict)
	assertRenderErrorKind(t, "{{ missing }}", nil, ErrUndefinedVariable, strict)
	assertRenderErrorKind(t, "{{ user.missing }}", map[string]any{"user": map[string]any{}}, ErrUndefinedVariable, strict)
	assertRenderErrorKind(t, "{{ xs[5] }}", map[string]any{"xs": []int{1}}, ErrUndefinedVariable, strict)
	assertRenderErrorKind(t, "{{ n.attr }}", map[string]any{"n": nil}, ErrUndefinedVariable, strict)
	assertRender(t, "{{ missing | default('x') }}", nil, "x", strict)
	assertRender(t, "{{ user.missing | d('y') }}", map[string]any{"user": map[string]any{}}, "y", strict)
	assertRender(t, "{{ user.name }}", map[string]any{"user": map[string]any{"name": "ann"}}, "ann", strict)
}

func TestReservedPrefixRejectedAtCompileTime(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	for _, src := range []string{
		"{{ _secret }}",
		"{{ user.__class__ }}",
		"{{ user['_private'] }}",
		"{% for _x in xs %}{% endfor %}",
		"{{ x | _hidden }}",
		"{% include 'a' with _k=1 %}",
	} {
		_, err := engine.Compile("t", src)
		var terr *Error
		require.ErrorAs(t, err, &terr, src)
		assert.Equal(t, ErrForbiddenAccess, terr.Kind, src)
		assert.Equal(t, "SyntaxError", terr.Category())
	}
}

func TestReservedPrefixRejectedAtRenderTime(t *testing.T) {
	ctx := map[string]any{
		"m": map[string]any{"_secret": "S", "public": "P"},
		"k": "_secret",
	}
	for _, src := range []string{
		`{{ m["_" + "secret"] }}`,
		`{{ m[k] }}`,
		`{{ m[k | lower] }}`,
	} {
		terr := assertRenderErrorKind(t, src, ctx, ErrForbiddenAccess)
		assert.Contains(t, terr.Message, `"_secret"`)
		require.NotNil(t, terr.Span)
	}

	assertRender(t, `{{ m["pub" + "lic"] }}`, ctx, "P")
}

type cyclicNode struct {
	Name   string
	Parent *cyclicNode
}

func TestCyclicContextValues(t *testing.T) {
	node := &cyclicNode{Name: "root"}
	node.Parent = node
	assertRender(t, "{{ node.Name }}[{{ node.Parent.Name }}]", map[string]any{"node": node}, "root[]")

	engine, _ := newTestEngine(t, nil)
	engine.AddGlobal("tree", node)
	out, err := engine.RenderString(testContext(t), "{{ tree.Name }}", nil)
	require.NoError(t, err)
	assert.Equal(t, "root", out)
}

func TestSyntaxErrorsCarryPosition(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{"bad": "ok\n{% if x %}\nnever closed"})
	_, err := engine.RenderTemplate(testContext(t), "bad", nil)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrUnbalancedBlock, terr.Kind)
	assert.Equal(t, "bad", terr.Name)
	require.NotNil(t, terr.Span)
	assert.Equal(t, 2, terr.Span.Start.Line)

	_, err = engine.Compile("t", "{{ x ")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrUnterminatedDelimiter, terr.Kind)
}

func TestBlockOverride(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{
		"base.html":   "<title>{% block title %}Base{% endblock %}</title>{% block body %}<p>base</p>{% endblock %}",
		"child.html":  "{% extends \"base.html\" %}ignored{% block title %}Child {{ name }}{% endblock %}",
		"grand.html":  "{% extends \"child.html\" %}{% block body %}<p>grand</p>{% endblock %}",
		"nested.html": "{% extends \"base.html\" %}{% block body %}{% for x in xs %}{% block item %}{{ x }}{% endblock %}{% endfor %}{% endblock %}",
	})
	ctx := testContext(t)

	out, err := engine.RenderTemplate(ctx, "child.html", map[string]any{"name": "page"})
	require.NoError(t, err)
	assert.Equal(t, "<title>Child page</title><p>base</p>", out)

	out, err = engine.RenderTemplate(ctx, "grand.html", map[string]any{"name": "g"})
	require.NoError(t, err)
	assert.Equal(t, "<title>Child g</title><p>grand</p>", out)

	out, err = engine.RenderTemplate(ctx, "nested.html", map[string]any{"xs": []int{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "<title>Base</title>12", out)

	tmpl, err := engine.GetTemplate(ctx, "nested.html")
	require.NoError(t, err)
	assert.Equal(t, []string{"body", "item"}, tmpl.BlockNames())
	parent, ok := tmpl.Parent()
	assert.True(t, ok)
	assert.Equal(t, "base.html", parent)
}

func TestCyclicInheritance(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{
		"self": "{% extends \"self\" %}",
		"a":    "{% extends \"b\" %}",
		"b":    "{% extends \"c\" %}",
		"c":    "{% extends \"a\" %}",
	})
	for _, name := range []string{"self", "a", "b"} {
		_, err := engine.RenderTemplate(testContext(t), name, nil)
		var terr *Error
		require.ErrorAs(t, err, &terr, name)
		assert.Equal(t, ErrCyclicInheritance, terr.Kind, name)
	}
}

func TestInclude(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{
		"page":   "{% for u in users %}{% include \"card\" %}{% endfor %}",
		"card":   "<{{ u.name }}{{ suffix }}>",
		"iso":    "{% include \"plain\" with user only %}",
		"shared": "{% include \"plain\" with user %}",
		"kw":     "{% include \"plain\" with name=\"bob\", suffix=\"?\" %}",
		"plain":  "{{ name }}{{ suffix }}",
		"dyn":    "{% include tpl %}",
	})
	ctx := testContext(t)
	vars := map[string]any{
		"users":  []map[string]string{{"name": "a"}, {"name": "b"}},
		"user":   map[string]string{"name": "ann"},
		"suffix": "!",
		"tpl":    "plain",
		"name":   "outer",
	}

	cases := map[string]string{
		"page":   "<a!><b!>",
		"iso":    "ann",
		"shared": "ann!",
		"kw":     "bob?",
		"dyn":    "outer!",
	}
	for name, want := range cases {
		out, err := engine.RenderTemplate(ctx, name, vars)
		require.NoError(t, err, name)
		assert.Equal(t, want, out, name)
	}
}

func TestIncludeErrors(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{
		"loop":    "x{% include \"loop\" %}",
		"missing": "{% include \"nope\" %}",
		"badctx":  "{% include \"loop\" with 5 %}",
		"badname": "{% include 5 %}",
	})
	kinds := map[string]ErrorKind{
		"loop":    ErrMaxIncludeDepthExceeded,
		"missing": ErrTemplateNotFound,
		"badctx":  ErrInvalidOperation,
		"badname": ErrInvalidOperation,
	}
	for name, kind := range kinds {
		_, err := engine.RenderTemplate(testContext(t), name, nil)
		assert.Equal(t, kind, KindOf(err), "%s: %v", name, err)
	}

	_, err := engine.RenderTemplate(testContext(t), "missing", nil)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "missing", terr.Name)
	require.NotNil(t, terr.Span)
}

func TestComponents(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{
		"widgets/card":  `<div><h2>{{ title }}{{ user }}</h2>{% slot %}empty{% endslot %}<footer>{% slot footer %}-{% endslot %}</footer></div>`,
		"widgets/frame": "<{% slot %}{% endslot %}>",
		"page":          `{% component card with title=heading %}Hi {{ user }}{% slot footer %}by {{ user }}{% endslot %}{% endcomponent %}`,
		"defaults":      "{% component card with props %}\n{% endcomponent %}",
		"nested":        "{% component frame %}{% component frame %}x{% endcomponent %}{% endcomponent %}",
		"loop":          "{% for i in items %}{% component frame %}{{ i }}{% endcomponent %}{% endfor %}",
		"fallback":      "{% component missing %}plain {% slot x %}X{% endslot %}{% endcomponent %}",
	})
	engine.RegisterComponent("card", "widgets/card")
	engine.RegisterComponent("frame", "widgets/frame")
	ctx := testContext(t)
	vars := map[string]any{
		"heading": "H",
		"user":    "<Ann>",
		"items":   []int{1, 2},
		"props":   map[string]any{"title": "T"},
	}

	cases := map[string]string{
		"page":     "<div><h2>H</h2>Hi &lt;Ann&gt;<footer>by &lt;Ann&gt;</footer></div>",
		"defaults": "<div><h2>T</h2>empty<footer>-</footer></div>",
		"nested":   "<<x>>",
		"loop":     "<1><2>",
		"fallback": "plain X",
	}
	for name, want := range cases {
		out, err := engine.RenderTemplate(ctx, name, vars)
		require.NoError(t, err, name)
		assert.Equal(t, want, out, name)
	}

	engine.RemoveComponent("frame")
	out, err := engine.RenderTemplate(ctx, "nested", nil)
	require.NoError(t, err)
	assert.Equal(t, "x", out)
}

func TestSlotFillsSeeCallerBlocks(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{
		"base":  "[{% block main %}{% endblock %}]",
		"child": `{% extends "base" %}{% block main %}{% component box %}{% block inner %}in{% endblock %}{% endcomponent %}{% endblock %}`,
		"grand": `{% extends "child" %}{% block inner %}{{ who }}{% endblock %}`,
		"box":   "({% slot %}{% endslot %})",
	})
	engine.RegisterComponent("box", "box")
	out, err := engine.RenderTemplate(testContext(t), "grand", map[string]any{"who": "me"})
	require.NoError(t, err)
	assert.Equal(t, "[(me)]", out)
}

func TestComponentErrors(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{
		"self":    "x{% component self %}{% endcomponent %}",
		"missing": "{% component ghost %}{% endcomponent %}",
		"badctx":  "{% component self with 5 %}{% endcomponent %}",
	})
	engine.RegisterComponent("self", "self")
	engine.RegisterComponent("ghost", "nope")

	kinds := map[string]ErrorKind{
		"self":    ErrMaxIncludeDepthExceeded,
		"missing": ErrTemplateNotFound,
		"badctx":  ErrInvalidOperation,
	}
	for name, kind := range kinds {
		_, err := engine.RenderTemplate(testContext(t), name, nil)
		assert.Equal(t, kind, KindOf(err), "%s: %v", name, err)
	}

	_, err := engine.RenderTemplate(testContext(t), "missing", nil)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "missing", terr.Name)
	require.NotNil(t, terr.Span)
}

func TestTemplateNotFound(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	_, err := engine.RenderTemplate(testContext(t), "nope", nil)
	assert.Equal(t, ErrTemplateNotFound, KindOf(err))
	assert.ErrorIs(t, err, ErrNotFound)

	broken := ResolverFunc(func(context.Context, string) (Source, error) {
		return Source{}, errors.New("connection refused")
	})
	engine = New(DefaultConfig(), broken)
	_, err = engine.RenderTemplate(testContext(t), "x", nil)
	assert.Equal(t, ErrTemplateNotFound, KindOf(err))
	assert.ErrorContains(t, err, "could not be loaded")

	engine = New(DefaultConfig(), nil)
	_, err = engine.RenderTemplate(testContext(t), "x", nil)
	assert.Equal(t, ErrTemplateNotFound, KindOf(err))
}

func TestSandboxLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.MaxSteps = 50
	engine := New(cfg, nil)
	_, err := engine.RenderString(testContext(t), "{% for x in xs %}{{ x }}{% endfor %}", map[string]any{"xs": make([]int, 100)})
	assert.Equal(t, ErrSandboxLimitExceeded, KindOf(err))

	deep := "{{ " + strings.Repeat("1 + ", 100) + "1 }}"
	assertRenderErrorKind(t, deep, nil, ErrSandboxLimitExceeded)
	assertRender(t, "{{ "+strings.Repeat("1 + ", 20)+"1 }}", nil, "21")

	cfg = DefaultConfig()
	cfg.Limits.MaxStringLength = 10
	cfg.Limits.MaxCollectionSize = 3
	engine = New(cfg, nil)
	_, err = engine.RenderString(testContext(t), "{{ 'abcdef' + 'ghijkl' }}", nil)
	assert.Equal(t, ErrSandboxLimitExceeded, KindOf(err))
	_, err = engine.RenderString(testContext(t), "{{ xs + xs }}", map[string]any{"xs": []int{1, 2}})
	assert.Equal(t, ErrSandboxLimitExceeded, KindOf(err))
	_, err = engine.RenderString(testContext(t), "{{ s | upper }}", map[string]any{"s": strings.Repeat("a", 11)})
	assert.Equal(t, ErrSandboxLimitExceeded, KindOf(err))
}

func TestCancellation(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(testContext(t))
	cancel()
	_, err := engine.RenderString(ctx, "{% for x in xs %}{{ x }}{% endfor %}", map[string]any{"xs": make([]int, 1000)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGlobals(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	engine.AddGlobal("site", map[string]string{"name": "NexaWeb"})
	engine.AddGlobal("title", "global")

	out, err := engine.RenderString(testContext(t), "{{ site.name }}/{{ title }}", map[string]any{"title": "local"})
	require.NoError(t, err)
	assert.Equal(t, "NexaWeb/local", out)
}

func TestCustomFilter(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	engine.AddFilter("repeat", func(state *State, val value.Value, args []value.Value) (value.Value, error) {
		n, err := intArg("repeat", args, 0, 2)
		if err != nil {
			return value.Undefined(), err
		}
		return value.FromString(strings.Repeat(val.String(), int(n))), nil
	})
	out, err := engine.RenderString(testContext(t), "{{ 'ab' | repeat(3) }}", nil)
	require.NoError(t, err)
	assert.Equal(t, "ababab", out)

	engine.RemoveFilter("repeat")
	_, err = engine.RenderString(testContext(t), "{{ 'ab' | repeat }}", nil)
	assert.Equal(t, ErrUnknownFilter, KindOf(err))
}

func TestRenderContextMustBeMapping(t *testing.T) {
	type page struct {
		Title string `json:"title"`
	}
	assertRender(t, "{{ title }}", page{Title: "Home"}, "Home")
	assertRender(t, "{{ title }}", &page{Title: "Home"}, "Home")
	assertRenderErrorKind(t, "x", []int{1}, ErrInvalidOperation)
}

func TestConcurrentRenders(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{
		"list": "{% for x in items %}{{ who }}:{{ x }}{% if not loop.is_last %},{% endif %}{% endfor %}",
	})
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	results := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			items := []int{i, i + 1, i + 2}
			results[i], errs[i] = engine.RenderTemplate(ctx, "list", map[string]any{
				"who":   fmt.Sprintf("w%d", i),
				"items": items,
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		w := fmt.Sprintf("w%d", i)
		assert.Equal(t, fmt.Sprintf("%s:%d,%s:%d,%s:%d", w, i, w, i+1, w, i+2), results[i])
	}
	assert.Equal(t, uint64(1), engine.Cache().Stats().Compiles)
}

func TestConcurrentRegistration(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{"t": "{{ x | upper }}"})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			engine.AddGlobal(fmt.Sprintf("g%d", i), i)
			engine.AddFilter(fmt.Sprintf("f%d", i), filterBool)
		}(i)
		go func() {
			defer wg.Done()
			out, err := engine.RenderTemplate(context.Background(), "t", map[string]any{"x": "a"})
			assert.NoError(t, err)
			assert.Equal(t, "A", out)
		}()
	}
	wg.Wait()
}

func TestCacheHitAndRecompile(t *testing.T) {
	engine, resolver := newTestEngine(t, map[string]string{"t": "v1 {{ x }}"})
	ctx := testContext(t)

	out, err := engine.RenderTemplate(ctx, "t", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, "v1 1", out)
	first, err := engine.GetTemplate(ctx, "t")
	require.NoError(t, err)

	stats := engine.Cache().Stats()
	assert.Equal(t, uint64(1), stats.Compiles)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Hits)

	resolver.Set("t", "v2 {{ x }}")
	out, err = engine.RenderTemplate(ctx, "t", map[string]any{"x": 2})
	require.NoError(t, err)
	assert.Equal(t, "v2 2", out)

	second, err := engine.GetTemplate(ctx, "t")
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint(), second.Fingerprint())
	assert.Equal(t, uint64(2), engine.Cache().Stats().Compiles)
	assert.Equal(t, "v1 {{ x }}", first.Source())
}

func TestStreaming(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{
		"s": "head {% for x in xs %}<{{ x }}>{% endfor %} tail",
	})
	vars := map[string]any{"xs": []int{1, 2, 3}}

	var chunks []string
	for chunk, err := range engine.RenderTemplateStream(testContext(t), "s", vars) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	assert.Greater(t, len(chunks), 1)
	assert.Equal(t, "head <1><2><3> tail", strings.Join(chunks, ""))

	var first string
	for chunk := range engine.RenderTemplateStream(testContext(t), "s", vars) {
		first = chunk
		break
	}
	assert.Equal(t, "head ", first)

	var gotErr error
	for _, err := range engine.RenderTemplateStream(testContext(t), "missing", nil) {
		gotErr = err
	}
	assert.Equal(t, ErrTemplateNotFound, KindOf(gotErr))
}

func TestPreload(t *testing.T) {
	engine, _ := newTestEngine(t, map[string]string{
		"pages/a.html":     "a",
		"pages/b.html":     "{% if %}",
		"pages/sub/c.html": "{% endfor %}",
		"mail/x.txt":       "x",
	})
	ctx := testContext(t)

	require.NoError(t, engine.Preload(ctx, "mail/*.txt"))
	assert.Equal(t, 1, engine.Cache().Len())

	err := engine.Preload(ctx, "pages/**/*.html")
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.Equal(t, 2, engine.Cache().Len())

	noList := New(DefaultConfig(), ResolverFunc(func(context.Context, string) (Source, error) {
		return Source{}, ErrNotFound
	}))
	assert.Error(t, noList.Preload(ctx))
}
