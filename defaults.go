package pyxm

import (
	"strings"
)

func registerDefaultFilters(e *Engine) {
	// Escaping
	e.AddFilter("escape", filterEscape)
	e.AddFilter("e", filterEscape) // alias
	e.AddFilter("safe", filterSafe)
	e.AddFilter("raw", filterSafe) // alias
	e.AddFilter("escapejs", filterEscapeJS)
	e.AddFilter("urlencode", filterURLEncode)

	// Strings
	e.AddFilter("upper", mapString(strings.ToUpper))
	e.AddFilter("lower", mapString(strings.ToLower))
	e.AddFilter("title", mapString(title))
	e.AddFilter("capitalize", mapString(capitalize))
	e.AddFilter("strip", filterTrim)
	e.AddFilter("trim", filterTrim) // alias
	e.AddFilter("replace", filterReplace)
	e.AddFilter("truncate", filterTruncate)
	e.AddFilter("wordcount", filterWordCount)

	// Sequences and mappings
	e.AddFilter("length", filterLength)
	e.AddFilter("count", filterLength) // alias
	e.AddFilter("first", filterFirst)
	e.AddFilter("last", filterLast)
	e.AddFilter("join", filterJoin)
	e.AddFilter("list", filterList)
	e.AddFilter("reverse", filterReverse)
	e.AddFilter("sort", filterSort)
	e.AddFilter("keys", filterKeys)
	e.AddFilter("items", filterItems)

	// Numbers
	e.AddFilter("abs", filterAbs)
	e.AddFilter("round", filterRound)

	// Conversions
	e.AddFilter("default", filterDefault)
	e.AddFilter("d", filterDefault) // alias
	e.AddFilter("int", filterInt)
	e.AddFilter("float", filterFloat)
	e.AddFilter("string", filterString)
	e.AddFilter("str", filterString) // alias
	e.AddFilter("bool", filterBool)
	e.AddFilter("json", filterJSON)
	e.AddFilter("tojson", filterJSON) // alias
	e.AddFilter("date", filterDate)
	e.AddFilter("date_format", filterDate) // alias
}
