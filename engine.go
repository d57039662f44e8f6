package pyxm

import (
	"context"
	"io"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/nexaweb/pyxm/value"
)

// FilterFunc is the signature for filter functions. It receives the piped
// value and the positional arguments.
type FilterFunc func(state *State, val value.Value, args []value.Value) (value.Value, error)

// Engine compiles, caches and renders templates. All methods are safe for
// concurrent use, including registering filters and globals while renders
// are running.
type Engine struct {
	cfg      Config
	resolver Resolver
	cache    *Cache

	mu         sync.RWMutex
	filters    map[string]FilterFunc
	globals    map[string]value.Value
	components map[string]string
	autoEscape AutoEscapeFunc
}

// New creates an engine that loads templates through resolver. The builtin
// filters are registered. A nil resolver finds no templates.
func New(cfg Config, resolver Resolver) *Engine {
	e := &Engine{
		cfg:        cfg,
		resolver:   resolver,
		cache:      NewCache(cfg.Cache),
		filters:    make(map[string]FilterFunc),
		globals:    make(map[string]value.Value),
		components: make(map[string]string),
	}
	registerDefaultFilters(e)
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Resolver returns the resolver templates are loaded through.
func (e *Engine) Resolver() Resolver {
	return e.resolver
}

// Cache returns the engine's compiled template cache.
func (e *Engine) Cache() *Cache {
	return e.cache
}

// AddFilter registers a filter, replacing any filter of the same name.
func (e *Engine) AddFilter(name string, f FilterFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters[name] = f
}

// RemoveFilter unregisters a filter.
func (e *Engine) RemoveFilter(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.filters, name)
}

// AddGlobal registers a variable visible to every template below the
// render context.
func (e *Engine) AddGlobal(name string, val any) {
	v := value.FromAny(val)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globals[name] = v
}

// RegisterComponent makes `{% component name %}` render the template
// called templateName. The template is loaded through the resolver and the
// cache on every use, like an include.
func (e *Engine) RegisterComponent(name, templateName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.components[name] = templateName
}

// RemoveComponent unregisters a component. Calls to it render their own
// body again.
func (e *Engine) RemoveComponent(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.components, name)
}

// SetAutoEscapeFunc sets the function that picks the escape mode for a
// template by name. It takes precedence over Config.Escape.
func (e *Engine) SetAutoEscapeFunc(f AutoEscapeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoEscape = f
}

func (e *Engine) getFilter(name string) (FilterFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.filters[name]
	return f, ok
}

func (e *Engine) getGlobal(name string) (value.Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.globals[name]
	return v, ok
}

func (e *Engine) getComponent(name string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.components[name]
	return t, ok
}

func (e *Engine) escapeFor(name string) EscapeMode {
	e.mu.RLock()
	f := e.autoEscape
	e.mu.RUnlock()
	if f != nil {
		return f(name)
	}
	return e.cfg.Escape
}

// Compile compiles source without caching it.
func (e *Engine) Compile(name, source string) (*Template, error) {
	return compileSource(Source{Name: name, Text: source}, e.cfg)
}

// GetTemplate returns the compiled template for name, compiling it if the
// cached copy is missing or stale.
func (e *Engine) GetTemplate(ctx context.Context, name string) (*Template, error) {
	if e.resolver == nil {
		return nil, Errorf(ErrTemplateNotFound, "template `%s` not found", name).WithCause(errors.WithStack(ErrNotFound))
	}
	tmpl, err := e.cache.GetOrCompile(ctx, name, e.resolver, func(src Source) (*Template, error) {
		return compileSource(src, e.cfg)
	})
	if err != nil {
		return nil, resolveError(name, err)
	}
	return tmpl, nil
}

func resolveError(name string, err error) error {
	var terr *Error
	if errors.As(err, &terr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return Errorf(ErrTemplateNotFound, "template `%s` not found", name).WithCause(err)
	}
	return Errorf(ErrTemplateNotFound, "template `%s` could not be loaded", name).
		WithCause(errors.Errorf("resolve %s: %w", name, err))
}

// Preload compiles every template whose name matches one of patterns
// (doublestar syntax) into the cache. Without patterns every template is
// loaded. The resolver must implement Lister. All compile failures are
// reported together.
func (e *Engine) Preload(ctx context.Context, patterns ...string) error {
	lister, ok := e.resolver.(Lister)
	if !ok {
		return errors.New("resolver cannot list templates")
	}
	names, err := lister.List(ctx)
	if err != nil {
		return errors.Errorf("list templates: %w", err)
	}

	var result *multierror.Error
	for _, name := range names {
		if !matchAny(patterns, name) {
			continue
		}
		if _, err := e.GetTemplate(ctx, name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func matchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// RenderOption customizes a single render call.
type RenderOption func(*renderOptions)

type renderOptions struct {
	escape    *EscapeMode
	undefined *UndefinedPolicy
}

// WithEscape overrides the escape mode for one render, including the
// templates it extends and includes.
func WithEscape(mode EscapeMode) RenderOption {
	return func(o *renderOptions) {
		o.escape = &mode
	}
}

// WithUndefined overrides the undefined policy for one render.
func WithUndefined(policy UndefinedPolicy) RenderOption {
	return func(o *renderOptions) {
		o.undefined = &policy
	}
}

// RenderTemplate renders the named template with vars, which must be a
// mapping (a map, a struct or a value.Value map) or nil.
func (e *Engine) RenderTemplate(ctx context.Context, name string, vars any, opts ...RenderOption) (string, error) {
	var sb strings.Builder
	if err := e.RenderTo(ctx, &sb, name, vars, opts...); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// RenderTo renders the named template into w. On error w may have received
// partial output.
func (e *Engine) RenderTo(ctx context.Context, w io.Writer, name string, vars any, opts ...RenderOption) error {
	tmpl, err := e.GetTemplate(ctx, name)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("template", name).Msg("render failed")
		return err
	}
	return e.Render(ctx, w, tmpl, vars, opts...)
}

// RenderTemplateStream renders the named template and yields output chunks
// as they are produced. Rendering stops when the consumer stops iterating.
// An error is yielded at most once, as the last element.
func (e *Engine) RenderTemplateStream(ctx context.Context, name string, vars any, opts ...RenderOption) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		w := &yieldWriter{yield: yield}
		err := e.RenderTo(ctx, w, name, vars, opts...)
		if err != nil && !w.stopped {
			yield("", err)
		}
	}
}

// RenderString compiles and renders source without caching it. Includes and
// extends still resolve through the engine's resolver.
func (e *Engine) RenderString(ctx context.Context, source string, vars any, opts ...RenderOption) (string, error) {
	tmpl, err := e.Compile("<string>", source)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := e.Render(ctx, &sb, tmpl, vars, opts...); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Render renders a compiled template into w.
func (e *Engine) Render(ctx context.Context, w io.Writer, tmpl *Template, vars any, opts ...RenderOption) error {
	var o renderOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := zerolog.Ctx(ctx).With().
		Str("render_id", uuid.NewString()).
		Str("template", tmpl.Name()).
		Logger()
	ctx = logger.WithContext(ctx)
	start := time.Now()
	logger.Debug().Msg("render started")

	cw := &countingWriter{w: w}
	err := e.render(ctx, cw, tmpl, vars, o)
	if err != nil {
		if !errors.Is(err, errStopped) {
			logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("render failed")
		}
		return err
	}
	logger.Debug().Dur("duration", time.Since(start)).Int("bytes", cw.n).Msg("render finished")
	return nil
}

func (e *Engine) render(ctx context.Context, w io.Writer, tmpl *Template, vars any, o renderOptions) error {
	root, err := contextFrame(vars)
	if err != nil {
		return err.WithName(tmpl.Name())
	}

	state := newState(ctx, e, tmpl, w, o)
	state.frames = append(state.frames, root)
	return state.renderTemplate(tmpl)
}

func contextFrame(vars any) (map[string]value.Value, *Error) {
	if vars == nil {
		return map[string]value.Value{}, nil
	}
	v := value.FromAny(vars)
	if v.IsNone() || v.IsUndefined() {
		return map[string]value.Value{}, nil
	}
	if m, ok := v.AsMap(); ok {
		frame := make(map[string]value.Value, len(m))
		for k, item := range m {
			frame[k] = item
		}
		return frame, nil
	}
	keys, ok := v.Keys()
	if !ok {
		return nil, Errorf(ErrInvalidOperation, "render context must be a mapping, got %s", v.Kind())
	}
	frame := make(map[string]value.Value, len(keys))
	for _, k := range keys {
		frame[k] = v.GetAttr(k)
	}
	return frame, nil
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
