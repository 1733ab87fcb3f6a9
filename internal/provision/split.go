package provision

import "strings"

// SplitStatements breaks a SQL script into individual statements.
//
// Line comments starting with "--" are dropped and statements end at ";".
// Both rules are suspended inside single-quoted strings, double-quoted
// identifiers and dollar-quoted bodies, so function definitions survive
// intact. Fragments left empty after trimming are discarded.
func SplitStatements(script string) []string {
	var (
		stmts  []string
		b      strings.Builder
		quote  byte   // ' or " while inside a quoted run
		dollar string // closing tag while inside a dollar-quoted body
	)

	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			stmts = append(stmts, s)
		}
		b.Reset()
	}

	for i := 0; i < len(script); i++ {
		c := script[i]

		switch {
		case dollar != "":
			if strings.HasPrefix(script[i:], dollar) {
				b.WriteString(dollar)
				i += len(dollar) - 1
				dollar = ""
				continue
			}
			b.WriteByte(c)

		case quote != 0:
			b.WriteByte(c)
			if c == quote {
				quote = 0
			}

		case c == '-' && i+1 < len(script) && script[i+1] == '-':
			for i < len(script) && script[i] != '\n' {
				i++
			}
			b.WriteByte('\n')

		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(c)

		case c == '$':
			if tag, ok := dollarTag(script[i:]); ok {
				dollar = tag
				b.WriteString(tag)
				i += len(tag) - 1
				continue
			}
			b.WriteByte(c)

		case c == ';':
			flush()

		default:
			b.WriteByte(c)
		}
	}
	flush()

	return stmts
}

// dollarTag returns the opening tag ("$$" or "$name$") at the start of s.
// Positional parameters such as $1 are not tags.
func dollarTag(s string) (string, bool) {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return "", false
	}
	name := s[1 : end+1]
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLetter := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if !isLetter && !(isDigit && i > 0) {
			return "", false
		}
	}
	return s[:end+2], true
}
