package expr

import "strings"

// unwrapGuard strips a `${{ ... }}` wrapper around a whole guard and rewrites
// single-quoted strings.
func unwrapGuard(src string) string {
	s := strings.TrimSpace(src)
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") {
		s = strings.TrimSpace(s[3 : len(s)-2])
	}
	return rewriteQuotes(s)
}

// toHCLTemplate converts text with `${{ expr }}` segments into an HCL
// template. Literal text is escaped so shell syntax such as ${HOME} survives.
func toHCLTemplate(src string) string {
	var b strings.Builder
	rest := src
	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			b.WriteString(escapeLiteral(rest))
			return b.String()
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(escapeLiteral(rest))
			return b.String()
		}
		b.WriteString(escapeLiteral(rest[:start]))
		inner := strings.TrimSpace(rest[start+3 : start+end])
		b.WriteString("${")
		b.WriteString(rewriteQuotes(inner))
		b.WriteString("}")
		rest = rest[start+end+2:]
	}
}

func isTemplate(src string) bool {
	return strings.Contains(src, "${{")
}

func escapeLiteral(s string) string {
	s = strings.ReplaceAll(s, "${", "$${")
	return strings.ReplaceAll(s, "%{", "%%{")
}

// rewriteQuotes turns 'single quoted' literals into HCL "double quoted" ones.
// Inside single quotes a doubled quote is an escaped quote.
func rewriteQuotes(s string) string {
	var b strings.Builder
	const (
		outside = iota
		inDouble
		inSingle
	)
	state := outside
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch state {
		case outside:
			switch r {
			case '"':
				state = inDouble
				b.WriteRune(r)
			case '\'':
				state = inSingle
				b.WriteRune('"')
			default:
				b.WriteRune(r)
			}
		case inDouble:
			b.WriteRune(r)
			if r == '\\' && i+1 < len(runes) {
				i++
				b.WriteRune(runes[i])
				continue
			}
			if r == '"' {
				state = outside
			}
		case inSingle:
			switch {
			case r == '\'' && i+1 < len(runes) && runes[i+1] == '\'':
				b.WriteRune('\'')
				i++
			case r == '\'':
				b.WriteRune('"')
				state = outside
			case r == '"' || r == '\\':
				b.WriteRune('\\')
				b.WriteRune(r)
			case r == '$' && i+1 < len(runes) && runes[i+1] == '{':
				b.WriteString("$$")
			case r == '%' && i+1 < len(runes) && runes[i+1] == '{':
				b.WriteString("%%")
			default:
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
