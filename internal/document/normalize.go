package document

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	fencedBlock    = regexp.MustCompile("(?s)```.*?```")
	starBullet     = regexp.MustCompile(`(?m)^[ \t]*\*[ \t]+`)
	headingMarks   = regexp.MustCompile(`(?m)^[ \t]*(?:#{1,6}[ \t]*)+`)
	horizontalRule = regexp.MustCompile(`(?m)^[ \t]*-{3,}[ \t]*$`)
	bulletMark     = regexp.MustCompile(`(?m)^[ \t]*[•\-–][ \t]*`)
	trailingSpace  = regexp.MustCompile(`(?m)[ \t]+$`)
	blankRuns      = regexp.MustCompile(`\n{3,}`)

	emphasisMarks = strings.NewReplacer("**", "", "*", "", "_", "", "`", "")
)

// Normalize strips markdown artifacts from generated text and collapses
// blank lines. Normalize(Normalize(s)) == Normalize(s) for every s.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.Map(foldSpace, text)
	text = fencedBlock.ReplaceAllString(text, "")
	text = starBullet.ReplaceAllString(text, "- ")
	text = emphasisMarks.Replace(text)
	text = headingMarks.ReplaceAllString(text, "")
	text = horizontalRule.ReplaceAllString(text, "")
	text = bulletMark.ReplaceAllString(text, "- ")
	text = trailingSpace.ReplaceAllString(text, "")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// foldSpace turns lone carriage returns into newlines and every other
// whitespace rune the patterns don't name into a plain space.
func foldSpace(r rune) rune {
	switch {
	case r == '\r':
		return '\n'
	case r == '\n' || r == '\t' || r == ' ':
		return r
	case unicode.IsSpace(r):
		return ' '
	}
	return r
}
