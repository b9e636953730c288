package expr

import (
	"strings"
	"unicode"
)

// Normalize rewrites the operator spellings accepted in pipeline definitions
// into Starlark syntax. Outside string literals:
//
//	&&, AND      -> and
//	||, OR       -> or
//	!x, NOT      -> not
//	true, false  -> True, False
//	null         -> None
//	#event       -> event
//
// Line breaks are folded into spaces so multi-line YAML scalars evaluate as
// a single expression.
func Normalize(expr string) string {
	src := []rune(strings.TrimSpace(expr))
	var b strings.Builder
	b.Grow(len(src) + 8)
	var prev rune // last non-space rune written

	emit := func(s string) {
		b.WriteString(s)
		if t := strings.TrimRight(s, " "); t != "" {
			r := []rune(t)
			prev = r[len(r)-1]
		}
	}

	for i := 0; i < len(src); {
		c := src[i]
		var next rune
		if i+1 < len(src) {
			next = src[i+1]
		}

		switch {
		case c == '\'' || c == '"':
			j := i + 1
			for j < len(src) && src[j] != c {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				emit(string(src[i:]))
				i = len(src)
				continue
			}
			emit(string(src[i : j+1]))
			i = j + 1

		case c == '&' && next == '&':
			emit(" and ")
			i += 2

		case c == '|' && next == '|':
			emit(" or ")
			i += 2

		case c == '!' && next != '=':
			emit(" not ")
			i++

		case c == '#' && isIdentStart(next):
			i++

		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			word := string(src[i:j])
			if prev != '.' {
				word = keyword(word)
			}
			emit(word)
			i = j

		case c == '\n' || c == '\r' || c == '\t':
			b.WriteByte(' ')
			i++

		default:
			emit(string(c))
			i++
		}
	}
	return strings.TrimSpace(b.String())
}

func keyword(word string) string {
	switch word {
	case "AND", "And":
		return "and"
	case "OR", "Or":
		return "or"
	case "NOT", "Not":
		return "not"
	case "true":
		return "True"
	case "false":
		return "False"
	case "null", "nil":
		return "None"
	}
	return word
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
