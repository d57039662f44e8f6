package pyxm

import (
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/nexaweb/pyxm/value"
)

const defaultDateFormat = "%Y-%m-%d %H:%M:%S"

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// toTime accepts times, RFC 3339 and ISO date strings, and unix seconds.
func toTime(val value.Value) (time.Time, bool) {
	if t, ok := val.AsTime(); ok {
		return t, true
	}
	switch val.Kind() {
	case value.KindInt:
		n, _ := val.AsInt()
		return time.Unix(n, 0).UTC(), true
	case value.KindFloat:
		f, _ := val.AsFloat()
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), true
	case value.KindString:
		s, _ := val.AsString()
		s = strings.TrimSpace(s)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func filterDate(_ *State, val value.Value, args []value.Value) (value.Value, error) {
	if err := maxArgs("date", args, 1); err != nil {
		return value.Undefined(), err
	}
	format, err := stringArg("date", args, 0, defaultDateFormat)
	if err != nil {
		return value.Undefined(), err
	}
	if val.IsUndefined() || val.IsNone() {
		return value.FromString(""), nil
	}
	t, ok := toTime(val)
	if !ok {
		return value.Undefined(), badArgs("date", "cannot interpret %s as a date", val.Repr())
	}
	return value.FromString(strftime.Format(format, t)), nil
}
