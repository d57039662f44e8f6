package pyxm

import (
	"context"
	"io"
	"iter"

	"gitlab.com/tozd/go/errors"

	"github.com/nexaweb/pyxm/parser"
	"github.com/nexaweb/pyxm/value"
)

// cancelCheckInterval is how many steps pass between context checks.
const cancelCheckInterval = 64

// State holds the evaluation state of a single render. It is never shared
// between renders.
type State struct {
	ctx    context.Context
	engine *Engine
	tmpl   *Template // template whose nodes are being executed

	escape         EscapeMode
	escapeOverride bool
	undefined      UndefinedPolicy
	lenient        int // > 0 while evaluating a `default` operand
	limits         Limits

	frames       []map[string]value.Value
	blocks       map[string]*blockStack
	loops        []*LoopState
	depth        int
	includeDepth int
	slots        *slotScope
	steps        *stepBudget
	out          io.Writer
}

// slotScope holds the fills of the component call being rendered along
// with the caller state they render in.
type slotScope struct {
	fills  map[string][]parser.Stmt
	frames []map[string]value.Value
	blocks map[string]*blockStack
	tmpl   *Template
	escape EscapeMode
	outer  *slotScope
}

// blockStack holds the implementations of one block along the extends
// chain, child first.
type blockStack struct {
	layers []blockLayer
}

type blockLayer struct {
	body  []parser.Stmt
	owner *Template
}

func newState(ctx context.Context, e *Engine, tmpl *Template, w io.Writer, o renderOptions) *State {
	s := &State{
		ctx:       ctx,
		engine:    e,
		tmpl:      tmpl,
		escape:    e.escapeFor(tmpl.Name()),
		undefined: e.cfg.Undefined,
		limits:    e.cfg.Limits,
		steps:     newStepBudget(e.cfg.Limits.MaxSteps),
		out:       w,
	}
	if o.escape != nil {
		s.escape = *o.escape
		s.escapeOverride = true
	}
	if o.undefined != nil {
		s.undefined = *o.undefined
	}
	return s
}

// Context returns the context the render was started with.
func (s *State) Context() context.Context {
	return s.ctx
}

// Name returns the name of the template currently executing.
func (s *State) Name() string {
	return s.tmpl.Name()
}

// Escape returns the escape mode in effect.
func (s *State) Escape() EscapeMode {
	return s.escape
}

// Undefined returns the undefined policy in effect.
func (s *State) Undefined() UndefinedPolicy {
	return s.undefined
}

// Limits returns the sandbox limits of the render.
func (s *State) Limits() Limits {
	return s.limits
}

// StepsUsed returns how many steps the render has consumed so far.
func (s *State) StepsUsed() uint64 {
	return s.steps.used()
}

// Lookup resolves a variable through the frames, innermost first, and then
// the engine globals.
func (s *State) Lookup(name string) (value.Value, bool) {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if v, ok := s.frames[i][name]; ok {
			return v, true
		}
	}
	return s.engine.getGlobal(name)
}

// CheckSize fails when v is larger than the string or collection limits.
func (s *State) CheckSize(v value.Value) error {
	switch v.Kind() {
	case value.KindString:
		str, _ := v.AsString()
		if max := s.limits.MaxStringLength; max > 0 && len(str) > max {
			return Errorf(ErrSandboxLimitExceeded, "string of %d bytes exceeds the limit of %d", len(str), max)
		}
	case value.KindSeq, value.KindMap:
		n, _ := v.Len()
		if max := s.limits.MaxCollectionSize; max > 0 && n > max {
			return Errorf(ErrSandboxLimitExceeded, "%s of %d items exceeds the limit of %d", v.Kind(), n, max)
		}
	}
	return nil
}

// checkLength fails when a string of n bytes would exceed the string limit.
// Filters call it before building a result so oversized output is never
// allocated.
func (s *State) checkLength(n int) error {
	if s == nil {
		return nil
	}
	if max := s.limits.MaxStringLength; max > 0 && n > max {
		return Errorf(ErrSandboxLimitExceeded, "string of %d bytes exceeds the limit of %d", n, max)
	}
	return nil
}

func (s *State) strict() bool {
	return s.undefined == UndefinedStrict && s.lenient == 0
}

func (s *State) pushFrame(frame map[string]value.Value) {
	s.frames = append(s.frames, frame)
}

func (s *State) popFrame() {
	s.frames = s.frames[:len(s.frames)-1]
}

// step consumes one unit of the step budget.
func (s *State) step(span parser.Span) error {
	if s.steps.consume(1) {
		return s.errorf(ErrSandboxLimitExceeded, span, "render exceeded the limit of %d steps", s.limits.MaxSteps)
	}
	if s.steps.used()%cancelCheckInterval == 0 {
		if err := s.ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (s *State) errorf(kind ErrorKind, span parser.Span, format string, args ...any) *Error {
	return Errorf(kind, format, args...).WithSpan(span).WithName(s.tmpl.Name()).WithSource(s.tmpl.source)
}

// annotate attaches the location of node to err and maps value errors to
// error kinds.
func (s *State) annotate(err error, span parser.Span) error {
	if err == nil {
		return nil
	}
	var terr *Error
	if errors.As(err, &terr) {
		if terr.Span == nil {
			terr.WithSpan(span)
			if terr.Name == "" {
				terr.WithName(s.tmpl.Name()).WithSource(s.tmpl.source)
			}
		}
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, errStopped):
		return err
	case errors.Is(err, value.ErrDivisionByZero):
		return s.errorf(ErrDivisionByZero, span, "division by zero").WithCause(err)
	case errors.Is(err, value.ErrOverflow):
		return s.errorf(ErrInvalidOperation, span, "integer overflow").WithCause(err)
	}
	return s.errorf(ErrInvalidOperation, span, "%s", err.Error()).WithCause(err)
}

func (s *State) write(str string) error {
	if str == "" {
		return nil
	}
	_, err := io.WriteString(s.out, str)
	return err
}

// renderTemplate renders tmpl, resolving its extends chain first.
func (s *State) renderTemplate(tmpl *Template) error {
	blocks := make(map[string]*blockStack)
	seen := make(map[string]bool)
	root := tmpl
	for {
		seen[root.Name()] = true
		for name, block := range root.ast.Blocks {
			bs, ok := blocks[name]
			if !ok {
				bs = &blockStack{}
				blocks[name] = bs
			}
			bs.layers = append(bs.layers, blockLayer{body: block.Body, owner: root})
		}
		ext := root.ast.Extends
		if ext == nil {
			break
		}
		prev := s.tmpl
		s.tmpl = root
		if seen[ext.Parent] {
			err := s.errorf(ErrCyclicInheritance, ext.Span(), "template `%s` extends `%s`, which is already in the inheritance chain", root.Name(), ext.Parent)
			s.tmpl = prev
			return err
		}
		parent, err := s.engine.GetTemplate(s.ctx, ext.Parent)
		if err != nil {
			err = s.annotate(err, ext.Span())
			s.tmpl = prev
			return err
		}
		s.tmpl = prev
		root = parent
	}

	s.blocks = blocks
	s.tmpl = root
	return s.renderBody(root.ast.Body)
}

func (s *State) renderBody(body []parser.Stmt) error {
	for _, stmt := range body {
		if err := s.renderStmt(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) renderStmt(stmt parser.Stmt) error {
	if err := s.step(stmt.Span()); err != nil {
		return err
	}
	switch st := stmt.(type) {
	case *parser.Text:
		return s.write(st.Raw)
	case *parser.Output:
		return s.renderOutput(st)
	case *parser.If:
		return s.renderIf(st)
	case *parser.For:
		return s.renderFor(st)
	case *parser.Block:
		return s.renderBlock(st)
	case *parser.Include:
		return s.renderInclude(st)
	case *parser.Component:
		return s.renderComponent(st)
	case *parser.Slot:
		return s.renderSlot(st)
	case *parser.Extends:
		// Resolved by renderTemplate.
		return nil
	}
	return s.errorf(ErrInvalidOperation, stmt.Span(), "unsupported statement %T", stmt)
}

func (s *State) renderOutput(st *parser.Output) error {
	v, err := s.eval(st.Expr)
	if err != nil {
		return err
	}
	if v.IsUndefined() || v.IsNone() {
		return nil
	}
	str := v.String()
	if st.Escape && !v.IsSafe() {
		str = Escape(s.escape, str)
	}
	return s.write(str)
}

func (s *State) renderIf(st *parser.If) error {
	for _, br := range st.Branches {
		cond, err := s.eval(br.Cond)
		if err != nil {
			return err
		}
		if cond.IsTrue() {
			return s.renderBody(br.Body)
		}
	}
	return s.renderBody(st.Else)
}

func (s *State) renderFor(st *parser.For) error {
	iterable, err := s.eval(st.Iter)
	if err != nil {
		return err
	}
	if iterable.IsUndefined() {
		return s.renderBody(st.Empty)
	}
	seq, ok := iterable.Iterate()
	if !ok {
		return s.errorf(ErrNotIterable, st.Iter.Span(), "%s is not iterable", iterable.Kind())
	}
	length, known := iterable.Len()
	_, isMapping := iterable.Keys()

	next, stop := iter.Pull(seq)
	defer stop()

	item, ok := next()
	if !ok {
		return s.renderBody(st.Empty)
	}

	loop := &LoopState{length: length, known: known, depth: len(s.loops) + 1}
	s.loops = append(s.loops, loop)
	defer func() { s.loops = s.loops[:len(s.loops)-1] }()

	for idx := 0; ok; idx++ {
		following, more := next()
		loop.index = idx
		loop.last = !more

		frame := map[string]value.Value{"loop": value.FromObject(loop)}
		if st.KeyVar != "" {
			k, v, err := s.unpackPair(iterable, isMapping, item, st.Iter.Span())
			if err != nil {
				return err
			}
			frame[st.KeyVar] = k
			frame[st.Var] = v
		} else {
			frame[st.Var] = item
		}

		s.pushFrame(frame)
		err := s.renderBody(st.Body)
		s.popFrame()
		if err != nil {
			return err
		}
		item, ok = following, more
	}
	return nil
}

// unpackPair splits a loop item into key and value for `for k, v in ...`.
func (s *State) unpackPair(iterable value.Value, isMapping bool, item value.Value, span parser.Span) (value.Value, value.Value, error) {
	if isMapping {
		return item, iterable.GetItem(item), nil
	}
	pair, ok := item.AsSlice()
	if !ok || len(pair) != 2 {
		return value.Undefined(), value.Undefined(), s.errorf(ErrInvalidOperation, span, "cannot unpack %s into two loop variables", item.Kind())
	}
	return pair[0], pair[1], nil
}

func (s *State) renderBlock(st *parser.Block) error {
	body, owner := st.Body, s.tmpl
	if bs, ok := s.blocks[st.Name]; ok && len(bs.layers) > 0 {
		body, owner = bs.layers[0].body, bs.layers[0].owner
	}
	prev := s.tmpl
	s.tmpl = owner
	s.pushFrame(map[string]value.Value{})
	err := s.renderBody(body)
	s.popFrame()
	s.tmpl = prev
	return err
}

func (s *State) renderInclude(st *parser.Include) error {
	nameVal, err := s.eval(st.Name)
	if err != nil {
		return err
	}
	name, ok := nameVal.AsString()
	if !ok {
		return s.errorf(ErrInvalidOperation, st.Name.Span(), "include name must be a string, got %s", nameVal.Kind())
	}
	if max := s.limits.MaxIncludeDepth; max > 0 && s.includeDepth >= max {
		return s.errorf(ErrMaxIncludeDepthExceeded, st.Span(), "including `%s` exceeds the maximum include depth of %d", name, max)
	}

	frame, err := s.bindings("include", st.With, st.Args)
	if err != nil {
		return err
	}

	tmpl, err := s.engine.GetTemplate(s.ctx, name)
	if err != nil {
		return s.annotate(err, st.Span())
	}

	savedFrames, savedBlocks, savedTmpl, savedEscape := s.frames, s.blocks, s.tmpl, s.escape
	if st.Isolated {
		s.frames = []map[string]value.Value{frame}
	} else {
		s.frames = append(s.frames[:len(s.frames):len(s.frames)], frame)
	}
	if !s.escapeOverride {
		s.escape = s.engine.escapeFor(name)
	}
	s.includeDepth++
	err = s.renderTemplate(tmpl)
	s.includeDepth--
	s.frames, s.blocks, s.tmpl, s.escape = savedFrames, savedBlocks, savedTmpl, savedEscape
	return err
}

// bindings evaluates a `with` clause into a fresh frame.
func (s *State) bindings(what string, with parser.Expr, args []parser.IncludeArg) (map[string]value.Value, error) {
	frame := map[string]value.Value{}
	if with != nil {
		v, err := s.eval(with)
		if err != nil {
			return nil, err
		}
		if !v.IsUndefined() && !v.IsNone() {
			keys, ok := v.Keys()
			if !ok {
				return nil, s.errorf(ErrInvalidOperation, with.Span(), "%s context must be a mapping, got %s", what, v.Kind())
			}
			for _, k := range keys {
				frame[k] = v.GetAttr(k)
			}
		}
	}
	for _, arg := range args {
		v, err := s.eval(arg.Value)
		if err != nil {
			return nil, err
		}
		frame[arg.Name] = v
	}
	return frame, nil
}

// renderComponent renders the registered component template with only the
// call's bindings in scope. Slots in that template pull their content from
// the call's fills, rendered in the caller's scope.
func (s *State) renderComponent(st *parser.Component) error {
	name, ok := s.engine.getComponent(st.Name)
	if !ok {
		saved := s.slots
		s.slots = nil
		s.pushFrame(map[string]value.Value{})
		err := s.renderBody(st.Body)
		s.popFrame()
		s.slots = saved
		return err
	}
	if max := s.limits.MaxIncludeDepth; max > 0 && s.includeDepth >= max {
		return s.errorf(ErrMaxIncludeDepthExceeded, st.Span(), "component `%s` exceeds the maximum include depth of %d", st.Name, max)
	}

	frame, err := s.bindings("component", st.With, st.Args)
	if err != nil {
		return err
	}
	tmpl, err := s.engine.GetTemplate(s.ctx, name)
	if err != nil {
		return s.annotate(err, st.Span())
	}

	scope := &slotScope{
		fills:  st.Fills,
		frames: s.frames,
		blocks: s.blocks,
		tmpl:   s.tmpl,
		escape: s.escape,
		outer:  s.slots,
	}
	savedFrames, savedBlocks, savedTmpl, savedEscape, savedSlots := s.frames, s.blocks, s.tmpl, s.escape, s.slots
	s.frames = []map[string]value.Value{frame}
	s.slots = scope
	if !s.escapeOverride {
		s.escape = s.engine.escapeFor(name)
	}
	s.includeDepth++
	err = s.renderTemplate(tmpl)
	s.includeDepth--
	s.frames, s.blocks, s.tmpl, s.escape, s.slots = savedFrames, savedBlocks, savedTmpl, savedEscape, savedSlots
	return err
}

// renderSlot emits the caller's fill for the slot, or the slot's own body
// when there is none.
func (s *State) renderSlot(st *parser.Slot) error {
	scope := s.slots
	if scope == nil {
		return s.renderBody(st.Body)
	}
	fill, ok := scope.fills[st.Name]
	if !ok {
		return s.renderBody(st.Body)
	}

	savedFrames, savedBlocks, savedTmpl, savedEscape := s.frames, s.blocks, s.tmpl, s.escape
	s.frames = append(scope.frames[:len(scope.frames):len(scope.frames)], map[string]value.Value{})
	s.blocks, s.tmpl, s.escape, s.slots = scope.blocks, scope.tmpl, scope.escape, scope.outer
	err := s.renderBody(fill)
	s.frames, s.blocks, s.tmpl, s.escape, s.slots = savedFrames, savedBlocks, savedTmpl, savedEscape, scope
	return err
}
