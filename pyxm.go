// Package pyxm is a sandboxed template engine for hybrid markup and
// expression templates.
//
// Templates are compiled once into an immutable syntax tree, cached by name
// and content fingerprint, and rendered against a data context:
//
//	engine := pyxm.New(pyxm.DefaultConfig(), pyxm.NewMapResolver(map[string]string{
//	    "hello.html": "Hello {{ name | title }}!",
//	}))
//	out, err := engine.RenderTemplate(ctx, "hello.html", map[string]any{"name": "world"})
//
// # Template syntax
//
//   - Output: {{ expr }}. Values are escaped per the engine's EscapeMode
//     unless piped through `raw` or `safe`.
//   - Statements: {% if %}, {% for x in xs %} with {% empty %}, {% block %},
//     {% extends "parent" %}, {% include "name" with ctx only %}, {% raw %}.
//   - Components: {% component name with k=v %}...{% endcomponent %} renders
//     the template registered with Engine.RegisterComponent. Its
//     {% slot [name] %}fallback{% endslot %} tags take their content from
//     the call body.
//   - Comments: {# ... #}.
//   - Whitespace: `-` inside a delimiter trims, `+` preserves.
//
// Expressions support literals, attribute and item access, arithmetic,
// comparisons, `and`/`or`/`not`, inline `a if cond else b` and filters
// applied with `|`. There are no function calls, assignments or lambdas,
// and names starting with the reserved prefix (`_` by default) are rejected
// at compile time. Subscripts computed at render time are checked when they
// are evaluated.
//
// # Errors
//
// Every failure is an *Error. Its Category is "SyntaxError" for compile
// errors and "RuntimeError" for render errors. Format it with `%+v` to get
// a source excerpt:
//
//	if _, err := engine.RenderTemplate(ctx, "page.html", nil); err != nil {
//	    fmt.Printf("%+v\n", err)
//	}
//
// # Sandbox
//
// Limits bound the expression depth, the number of evaluation steps, the
// include depth and the size of strings and collections built while
// rendering. Exceeding any of them fails the render with
// ErrSandboxLimitExceeded or ErrMaxIncludeDepthExceeded.
package pyxm

import (
	"github.com/nexaweb/pyxm/value"
)

// Value is a dynamically typed template value.
type Value = value.Value

// Value constructors.
var (
	Undefined      = value.Undefined
	None           = value.None
	FromBool       = value.FromBool
	FromInt        = value.FromInt
	FromFloat      = value.FromFloat
	FromString     = value.FromString
	FromSafeString = value.FromSafeString
	FromSlice      = value.FromSlice
	FromMap        = value.FromMap
	FromTime       = value.FromTime
	FromAny        = value.FromAny
)
