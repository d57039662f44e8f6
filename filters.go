package pyxm

import (
	"bufio"
	"encoding/json"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/apparentlymart/go-textseg/v13/textseg"

	"github.com/nexaweb/pyxm/value"
)

// badArgs reports invalid filter arguments.
func badArgs(filter, format string, args ...any) *Error {
	return Errorf(ErrBadFilterArgs, "`"+filter+"`: "+format, args...)
}

func maxArgs(filter string, args []value.Value, n int) error {
	if len(args) > n {
		return badArgs(filter, "takes at most %d arguments, got %d", n, len(args))
	}
	return nil
}

func stringArg(filter string, args []value.Value, i int, def string) (string, error) {
	if i >= len(args) {
		return def, nil
	}
	s, ok := args[i].AsString()
	if !ok {
		return "", badArgs(filter, "argument %d must be a string, got %s", i+1, args[i].Kind())
	}
	return s, nil
}

func intArg(filter string, args []value.Value, i int, def int64) (int64, error) {
	if i >= len(args) {
		return def, nil
	}
	n, ok := args[i].AsInt()
	if !ok {
		return 0, badArgs(filter, "argument %d must be an integer, got %s", i+1, args[i].Kind())
	}
	return n, nil
}

func boolArg(args []value.Value, i int) bool {
	return i < len(args) && args[i].IsTrue()
}

// graphemes splits s into user-perceived characters.
func graphemes(s string) []string {
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64), len(s)+1)
	sc.Split(textseg.ScanGraphemeClusters)
	var out []string
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

func graphemeCount(s string) int {
	n, err := textseg.TokenCount([]byte(s), textseg.ScanGraphemeClusters)
	if err != nil {
		return len([]rune(s))
	}
	return n
}

// toItems collects the items of an iterable value.
func toItems(filter string, val value.Value) ([]value.Value, error) {
	if items, ok := val.AsSlice(); ok {
		return items, nil
	}
	seq, ok := val.Iterate()
	if !ok {
		return nil, Errorf(ErrNotIterable, "`%s`: %s is not iterable", filter, val.Kind())
	}
	var items []value.Value
	for item := range seq {
		items = append(items, item)
	}
	return items, nil
}

func filterEscape(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	if val.IsSafe() {
		return val, nil
	}
	if val.IsUndefined() || val.IsNone() {
		return value.FromSafeString(""), nil
	}
	return value.FromSafeString(EscapeHTML(val.String())), nil
}

func filterSafe(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	if val.IsUndefined() || val.IsNone() {
		return value.FromSafeString(""), nil
	}
	return value.FromSafeString(val.String()), nil
}

func filterEscapeJS(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	if val.IsUndefined() || val.IsNone() {
		return value.FromString(""), nil
	}
	return value.FromSafeString(EscapeJS(val.String())), nil
}

func mapString(f func(string) string) FilterFunc {
	return func(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
		s, ok := val.AsString()
		if !ok {
			return val, nil
		}
		if val.IsSafe() {
			return value.FromSafeString(f(s)), nil
		}
		return value.FromString(f(s)), nil
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func title(s string) string {
	var b strings.Builder
	upperNext := true
	for _, r := range s {
		switch {
		case unicode.IsSpace(r) || r == '-' || r == '_':
			upperNext = true
			b.WriteRune(r)
		case upperNext:
			b.WriteRune(unicode.ToUpper(r))
			upperNext = false
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func filterTrim(_ *State, val value.Value, args []value.Value) (value.Value, error) {
	s, ok := val.AsString()
	if !ok {
		return val, nil
	}
	if len(args) == 0 {
		return value.FromString(strings.TrimSpace(s)), nil
	}
	chars, err := stringArg("trim", args, 0, "")
	if err != nil {
		return value.Undefined(), err
	}
	return value.FromString(strings.Trim(s, chars)), nil
}

func filterReplace(state *State, val value.Value, args []value.Value) (value.Value, error) {
	if len(args) < 2 || len(args) > 3 {
		return value.Undefined(), badArgs("replace", "expects old, new and an optional count")
	}
	s, ok := val.AsString()
	if !ok {
		return val, nil
	}
	from, err := stringArg("replace", args, 0, "")
	if err != nil {
		return value.Undefined(), err
	}
	to, err := stringArg("replace", args, 1, "")
	if err != nil {
		return value.Undefined(), err
	}
	count, err := intArg("replace", args, 2, -1)
	if err != nil {
		return value.Undefined(), err
	}
	n := strings.Count(s, from)
	if count >= 0 && int64(n) > count {
		n = int(count)
	}
	if err := state.checkLength(len(s) + n*(len(to)-len(from))); err != nil {
		return value.Undefined(), err
	}
	return value.FromString(strings.Replace(s, from, to, int(count))), nil
}

// filterTruncate shortens a string to at most n characters including the
// suffix, breaking at the last space when there is one.
func filterTruncate(_ *State, val value.Value, args []value.Value) (value.Value, error) {
	if err := maxArgs("truncate", args, 2); err != nil {
		return value.Undefined(), err
	}
	s, ok := val.AsString()
	if !ok {
		return val, nil
	}
	n, err := intArg("truncate", args, 0, 255)
	if err != nil {
		return value.Undefined(), err
	}
	end, err := stringArg("truncate", args, 1, "...")
	if err != nil {
		return value.Undefined(), err
	}
	if n < 0 {
		return value.Undefined(), badArgs("truncate", "length must not be negative")
	}

	chars := graphemes(s)
	if int64(len(chars)) <= n {
		return val, nil
	}
	target := int(n) - graphemeCount(end)
	if target < 0 {
		target = 0
	}
	cut := strings.Join(chars[:target], "")
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return value.FromString(strings.TrimRight(cut, " \t\n") + end), nil
}

func filterWordCount(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	s, ok := val.AsString()
	if !ok {
		s = val.String()
	}
	return value.FromInt(int64(len(strings.Fields(s)))), nil
}

// filterDefault returns its argument when the value is undefined or none,
// or with the second argument set, when it is falsy.
func filterDefault(_ *State, val value.Value, args []value.Value) (value.Value, error) {
	if err := maxArgs("default", args, 2); err != nil {
		return value.Undefined(), err
	}
	def := value.FromString("")
	if len(args) > 0 {
		def = args[0]
	}
	if val.IsUndefined() || val.IsNone() || (boolArg(args, 1) && !val.IsTrue()) {
		return def, nil
	}
	return val, nil
}

func filterLength(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	if s, ok := val.AsString(); ok {
		return value.FromInt(int64(graphemeCount(s))), nil
	}
	if n, ok := val.Len(); ok {
		return value.FromInt(int64(n)), nil
	}
	if val.IsUndefined() {
		return value.FromInt(0), nil
	}
	return value.Undefined(), Errorf(ErrInvalidOperation, "%s has no length", val.Kind())
}

func filterFirst(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	if s, ok := val.AsString(); ok {
		if chars := graphemes(s); len(chars) > 0 {
			return value.FromString(chars[0]), nil
		}
		return value.Undefined(), nil
	}
	seq, ok := val.Iterate()
	if !ok {
		return value.Undefined(), nil
	}
	for item := range seq {
		return item, nil
	}
	return value.Undefined(), nil
}

func filterLast(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	if s, ok := val.AsString(); ok {
		if chars := graphemes(s); len(chars) > 0 {
			return value.FromString(chars[len(chars)-1]), nil
		}
		return value.Undefined(), nil
	}
	if _, ok := val.Iterate(); !ok {
		return value.Undefined(), nil
	}
	items, err := toItems("last", val)
	if err != nil || len(items) == 0 {
		return value.Undefined(), err
	}
	return items[len(items)-1], nil
}

func filterJoin(state *State, val value.Value, args []value.Value) (value.Value, error) {
	sep, err := stringArg("join", args, 0, ", ")
	if err != nil {
		return value.Undefined(), err
	}
	items, err := toItems("join", val)
	if err != nil {
		return value.Undefined(), err
	}
	parts := make([]string, len(items))
	safe := true
	size := 0
	for i, item := range items {
		parts[i] = item.String()
		safe = safe && item.IsSafe()
		size += len(parts[i])
	}
	if len(items) > 1 {
		size += len(sep) * (len(items) - 1)
	}
	if err := state.checkLength(size); err != nil {
		return value.Undefined(), err
	}
	if safe && len(items) > 0 {
		return value.FromSafeString(strings.Join(parts, sep)), nil
	}
	return value.FromString(strings.Join(parts, sep)), nil
}

func filterList(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	if val.IsUndefined() || val.IsNone() {
		return value.FromSlice(nil), nil
	}
	items, err := toItems("list", val)
	if err != nil {
		return value.Undefined(), err
	}
	return value.FromSlice(items), nil
}

func filterReverse(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	if s, ok := val.AsString(); ok {
		chars := graphemes(s)
		for i, j := 0, len(chars)-1; i < j; i, j = i+1, j-1 {
			chars[i], chars[j] = chars[j], chars[i]
		}
		return value.FromString(strings.Join(chars, "")), nil
	}
	items, err := toItems("reverse", val)
	if err != nil {
		return value.Undefined(), err
	}
	out := make([]value.Value, len(items))
	for i, item := range items {
		out[len(items)-1-i] = item
	}
	return value.FromSlice(out), nil
}

// filterSort sorts a sequence. An optional truthy argument reverses the
// order. Items that cannot be compared fail the filter.
func filterSort(_ *State, val value.Value, args []value.Value) (value.Value, error) {
	if err := maxArgs("sort", args, 1); err != nil {
		return value.Undefined(), err
	}
	items, err := toItems("sort", val)
	if err != nil {
		return value.Undefined(), err
	}
	out := make([]value.Value, len(items))
	copy(out, items)
	reverse := boolArg(args, 0)

	var cmpErr error
	sort.SliceStable(out, func(i, j int) bool {
		c, err := out[i].Compare(out[j])
		if err != nil && cmpErr == nil {
			cmpErr = err
		}
		if reverse {
			return c > 0
		}
		return c < 0
	})
	if cmpErr != nil {
		return value.Undefined(), cmpErr
	}
	return value.FromSlice(out), nil
}

func filterKeys(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	keys, ok := val.Keys()
	if !ok {
		return value.Undefined(), Errorf(ErrInvalidOperation, "`keys` expects a mapping, got %s", val.Kind())
	}
	out := make([]value.Value, len(keys))
	for i, k := range keys {
		out[i] = value.FromString(k)
	}
	return value.FromSlice(out), nil
}

func filterItems(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	keys, ok := val.Keys()
	if !ok {
		return value.Undefined(), Errorf(ErrInvalidOperation, "`items` expects a mapping, got %s", val.Kind())
	}
	out := make([]value.Value, len(keys))
	for i, k := range keys {
		out[i] = value.FromSlice([]value.Value{value.FromString(k), val.GetAttr(k)})
	}
	return value.FromSlice(out), nil
}

func filterAbs(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	switch val.Kind() {
	case value.KindInt:
		i, _ := val.AsInt()
		if i < 0 {
			return val.Neg()
		}
		return val, nil
	case value.KindFloat:
		f, _ := val.AsFloat()
		return value.FromFloat(math.Abs(f)), nil
	}
	return value.Undefined(), Errorf(ErrInvalidOperation, "`abs` expects a number, got %s", val.Kind())
}

// filterRound rounds half away from zero. Without a precision the result
// keeps the kind of the input.
func filterRound(_ *State, val value.Value, args []value.Value) (value.Value, error) {
	if err := maxArgs("round", args, 1); err != nil {
		return value.Undefined(), err
	}
	precision, err := intArg("round", args, 0, 0)
	if err != nil {
		return value.Undefined(), err
	}
	switch val.Kind() {
	case value.KindInt:
		if precision >= 0 {
			return val, nil
		}
	case value.KindFloat:
	default:
		return value.Undefined(), Errorf(ErrInvalidOperation, "`round` expects a number, got %s", val.Kind())
	}
	f, _ := val.AsFloat()
	mult := math.Pow(10, float64(precision))
	return value.FromFloat(math.Round(f*mult) / mult), nil
}

func filterInt(_ *State, val value.Value, args []value.Value) (value.Value, error) {
	def := value.FromInt(0)
	if len(args) > 0 {
		def = args[0]
	}
	switch val.Kind() {
	case value.KindInt:
		return val, nil
	case value.KindFloat:
		f, _ := val.AsFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
			return def, nil
		}
		return value.FromInt(int64(f)), nil
	case value.KindBool:
		if val.IsTrue() {
			return value.FromInt(1), nil
		}
		return value.FromInt(0), nil
	case value.KindString:
		s, _ := val.AsString()
		s = strings.TrimSpace(s)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return value.FromInt(i), nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
			return value.FromInt(int64(f)), nil
		}
	}
	return def, nil
}

func filterFloat(_ *State, val value.Value, args []value.Value) (value.Value, error) {
	def := value.FromFloat(0)
	if len(args) > 0 {
		def = args[0]
	}
	switch val.Kind() {
	case value.KindInt, value.KindFloat:
		f, _ := val.AsFloat()
		return value.FromFloat(f), nil
	case value.KindBool:
		if val.IsTrue() {
			return value.FromFloat(1), nil
		}
		return value.FromFloat(0), nil
	case value.KindString:
		s, _ := val.AsString()
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return value.FromFloat(f), nil
		}
	}
	return def, nil
}

func filterString(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	if val.Kind() == value.KindString {
		return val, nil
	}
	if val.IsUndefined() {
		return value.FromString(""), nil
	}
	return value.FromString(val.String()), nil
}

func filterBool(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	return value.FromBool(val.IsTrue()), nil
}

// filterJSON serializes a value as JSON that is safe to embed in HTML,
// including inside single-quoted attributes.
func filterJSON(_ *State, val value.Value, args []value.Value) (value.Value, error) {
	if err := maxArgs("json", args, 1); err != nil {
		return value.Undefined(), err
	}
	indent, err := intArg("json", args, 0, 0)
	if err != nil {
		return value.Undefined(), err
	}
	var data []byte
	if indent > 0 {
		data, err = json.MarshalIndent(val.Interface(), "", strings.Repeat(" ", int(indent)))
	} else {
		data, err = json.Marshal(val.Interface())
	}
	if err != nil {
		return value.Undefined(), Errorf(ErrInvalidOperation, "cannot serialize %s to JSON", val.Kind()).WithCause(err)
	}
	return value.FromSafeString(strings.ReplaceAll(string(data), "'", `\u0027`)), nil
}

func urlencodeString(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// filterURLEncode encodes a string for a URL component, or a mapping as a
// query string.
func filterURLEncode(_ *State, val value.Value, _ []value.Value) (value.Value, error) {
	if keys, ok := val.Keys(); ok {
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			item := val.GetAttr(k)
			if item.IsNone() || item.IsUndefined() {
				continue
			}
			parts = append(parts, urlencodeString(k)+"="+urlencodeString(item.String()))
		}
		return value.FromString(strings.Join(parts, "&")), nil
	}
	if val.IsUndefined() || val.IsNone() {
		return value.FromString(""), nil
	}
	return value.FromString(urlencodeString(val.String())), nil
}
