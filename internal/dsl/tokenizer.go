package dsl

import "strings"

// splitTopLevel splits s on sep, ignoring separators inside quoted text or
// option brackets. Quote detection is contextual so apostrophes inside
// prompts ("fix the user's bug") don't open or close a quoted string.
func splitTopLevel(s, sep string) []string {
	var parts []string
	start := 0
	sc := newScanner(s)
	for sc.next() {
		if sc.topLevel() && strings.HasPrefix(s[sc.pos:], sep) {
			parts = append(parts, s[start:sc.pos])
			sc.pos += len(sep) - 1
			start = sc.pos + 1
		}
	}
	return append(parts, s[start:])
}

// containsTopLevel reports whether sep occurs outside quotes and brackets.
func containsTopLevel(s, sep string) bool {
	return len(splitTopLevel(s, sep)) > 1
}

// scanner walks a string one byte at a time tracking quote and bracket
// state. pos is the index of the current byte after next returns true.
type scanner struct {
	s     string
	pos   int
	quote byte
	depth int
}

func newScanner(s string) *scanner {
	return &scanner{s: s, pos: -1}
}

func (sc *scanner) topLevel() bool {
	return sc.quote == 0 && sc.depth == 0
}

// next advances one byte and updates state. Separator checks happen on the
// byte at pos before it is consumed by the following call.
func (sc *scanner) next() bool {
	sc.pos++
	if sc.pos >= len(sc.s) {
		return false
	}
	c := sc.s[sc.pos]

	if c == '\\' && sc.pos+1 < len(sc.s) && isQuote(sc.s[sc.pos+1]) {
		// Escaped quotes never change state; step over the pair.
		sc.pos++
		return sc.next()
	}

	if sc.quote != 0 {
		if c == sc.quote && closesQuote(sc.s, sc.pos) {
			sc.quote = 0
		}
		// Report quoted bytes as non-top-level.
		return true
	}

	switch {
	case isQuote(c) && opensQuote(sc.s, sc.pos):
		sc.quote = c
	case c == '[':
		sc.depth++
	case c == ']' && sc.depth > 0:
		sc.depth--
	}
	return true
}

func isQuote(c byte) bool {
	return c == '\'' || c == '"'
}

func opensQuote(s string, i int) bool {
	if i == 0 {
		return true
	}
	switch s[i-1] {
	case ' ', '\t', '\n', '\r', '&', ',', ':', '[':
		return true
	}
	return false
}

func closesQuote(s string, i int) bool {
	if i == len(s)-1 {
		return true
	}
	switch s[i+1] {
	case ' ', '\t', '\n', '\r', '&', ',', ']':
		return true
	}
	return false
}

// findClosingBracket returns the index of the ']' matching the '[' at open,
// or -1.
func findClosingBracket(s string, open int) int {
	sc := newScanner(s)
	sc.pos = open - 1
	for sc.next() {
		if sc.s[sc.pos] == ']' && sc.quote == 0 && sc.depth == 0 {
			return sc.pos
		}
	}
	return -1
}

// unquote strips matching outer quotes and unescapes escaped quotes. ok is
// false when s starts with a quote that is never closed.
func unquote(s string) (string, bool) {
	if s == "" || !isQuote(s[0]) {
		return s, true
	}
	q := s[0]
	if len(s) < 2 || s[len(s)-1] != q || (len(s) >= 3 && s[len(s)-2] == '\\') {
		return s, false
	}
	inner := s[1 : len(s)-1]
	inner = strings.ReplaceAll(inner, `\'`, `'`)
	inner = strings.ReplaceAll(inner, `\"`, `"`)
	return inner, true
}
