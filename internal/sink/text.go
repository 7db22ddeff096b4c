package sink

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// escapes matches ANSI CSI sequences (cursor movement, erase line, colours) and
// two-byte ESC sequences.
var escapes = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b[@-Z\\-_]`)

var stripControls = runes.Remove(runes.Predicate(func(r rune) bool {
	return unicode.IsControl(r) && r != '\n' && r != '\t'
}))

// Clean makes tool output safe to show as plain text: terminal escape sequences and
// control characters are removed, ill-formed UTF-8 is replaced and line endings are
// normalized to "\n".
func Clean(s string) string {
	s = escapes.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	out, _, err := transform.String(transform.Chain(runes.ReplaceIllFormed(), stripControls), s)
	if err != nil {
		return s
	}
	return out
}
