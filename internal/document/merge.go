package document

import (
	"regexp"
	"strings"
)

// HistoryHeader is inserted before the history section when the generated
// text does not open with a recognized experience heading.
const HistoryHeader = "WORK EXPERIENCE"

const placeholderName = "Candidate"

var historyTitles = map[string]bool{
	"work experience":         true,
	"professional experience": true,
	"experience":              true,
	"work history":            true,
	"employment history":      true,
}

var sectionTitles = map[string]bool{
	"professional summary":      true,
	"summary":                   true,
	"technical skills":          true,
	"skills":                    true,
	"professional experience":   true,
	"experience":                true,
	"work experience":           true,
	"work history":              true,
	"employment history":        true,
	"education":                 true,
	"certifications":            true,
	"projects":                  true,
	"additional qualifications": true,
	"additional information":    true,
	"references":                true,
}

var nonAlnumRun = regexp.MustCompile(`[^A-Za-z0-9]+`)

func titleKey(line string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(line), ":"))
}

// IsSectionTitle reports whether line is one of the known resume headings.
func IsSectionTitle(line string) bool {
	return sectionTitles[titleKey(line)]
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}

// Merge joins two normalized sections, primary first. Empty sections are
// dropped so a missing half never leaves a dangling separator.
func Merge(primary, history string) string {
	primary = strings.TrimSpace(primary)
	history = strings.TrimSpace(history)

	if history != "" && !historyTitles[titleKey(firstLine(history))] {
		history = HistoryHeader + "\n" + history
	}

	switch {
	case primary == "":
		return history
	case history == "":
		return primary
	}
	return primary + "\n\n" + history
}

// Filename derives the download name from the first line of merged text.
func Filename(merged string, ext string) string {
	name := nonAlnumRun.ReplaceAllString(firstLine(strings.TrimSpace(merged)), "_")
	if name == "" {
		name = placeholderName
	}
	return name + "_resume" + ext
}
