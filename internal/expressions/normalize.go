package expressions

import (
	"strings"
	"unicode"

	"github.com/verdikt/verdikt/pkg/schema"
)

// Normalize rewrites the rule-condition grammar into an expression both
// engines accept:
//
//	$input.<path>   -> input.<path>
//	$step<N>.<path> -> steps.step<N>.<path>
//	$context.<key>  -> context.<key>
//	AND / OR / NOT  -> && / || / !
//
// Comparisons, arithmetic, and the ternary `cond ? a : b` pass through
// unchanged (native in CEL and expr). String literals are left intact.
// Normalization happens once per condition; the engines cache the compiled
// program keyed by the normalized text.
func Normalize(condition string) string {
	var b strings.Builder
	b.Grow(len(condition) + 8)

	runes := []rune(condition)
	var quote rune // active string delimiter, 0 when outside a literal

	for i := 0; i < len(runes); {
		r := runes[i]

		if quote != 0 {
			b.WriteRune(r)
			if r == quote && (i == 0 || runes[i-1] != '\\') {
				quote = 0
			}
			i++
			continue
		}

		switch {
		case r == '\'' || r == '"':
			quote = r
			b.WriteRune(r)
			i++

		case r == '$':
			start := i + 1
			end := start
			for end < len(runes) && (unicode.IsLetter(runes[end]) || unicode.IsDigit(runes[end]) || runes[end] == '_') {
				end++
			}
			name := string(runes[start:end])
			b.WriteString(rewriteRef(name))
			i = end

		case unicode.IsLetter(r):
			start := i
			end := i
			for end < len(runes) && (unicode.IsLetter(runes[end]) || unicode.IsDigit(runes[end]) || runes[end] == '_') {
				end++
			}
			word := string(runes[start:end])
			switch word {
			case "AND":
				b.WriteString("&&")
			case "OR":
				b.WriteString("||")
			case "NOT":
				b.WriteString("!")
			default:
				b.WriteString(word)
			}
			i = end

		default:
			b.WriteRune(r)
			i++
		}
	}

	return b.String()
}

// rewriteRef maps a `$`-prefixed root to its scope variable.
func rewriteRef(name string) string {
	switch {
	case name == "input":
		return "input"
	case name == "context":
		return "context"
	case strings.HasPrefix(name, "step"):
		return "steps." + name
	default:
		// Unknown roots pass through and fail at compile time, which
		// surfaces them as schema-validation errors.
		return "$" + name
	}
}

// Truthy coerces an evaluation result into the boolean a rule condition
// needs. Booleans pass through; numbers fire on non-zero; everything else,
// including missing-path results, does not fire.
func Truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float64:
		return val != 0
	default:
		return false
	}
}

// DialectOrDefault resolves an empty dialect to the engine default.
func DialectOrDefault(d schema.ExprDialect) schema.ExprDialect {
	if d == "" {
		return schema.DialectCEL
	}
	return d
}
