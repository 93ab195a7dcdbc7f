package pd

import (
	"regexp"
	"strings"
)

var capsRE = regexp.MustCompile(`(.)([A-Z])`)

// Identifier stand-ins for object names made of symbols.
var specialNames = map[string]string{
	"plus":   "+",
	"minus":  "-",
	"times":  "*",
	"div":    "/",
	"lt":     "<",
	"gt":     ">",
	"lte":    "<=",
	"gte":    ">=",
	"eq":     "==",
	"neq":    "!=",
	"not":    "!",
	"or":     "|",
	"and":    "&",
	"oror":   "||",
	"andand": "&&",
	"mod":    "%",
}

// ObjectName translates an identifier-safe name into a Pd object name.
// CamelCase becomes camel-case, a trailing underscore marks the audio
// rate version (Osc_ is osc~), a double underscore is a slash and the
// names in specialNames stand for operators (Times_ is *~).
func ObjectName(ident string) string {
	name := strings.ToLower(capsRE.ReplaceAllString(ident, "$1-$2"))
	audio := strings.HasSuffix(name, "_")
	name = strings.TrimRight(name, "_")
	if s, ok := specialNames[name]; ok {
		name = s
	} else {
		name = strings.ReplaceAll(name, "__", "/")
	}
	if audio {
		name += "~"
	}
	return name
}
