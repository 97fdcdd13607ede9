package generator

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var durationLine = regexp.MustCompile(`(?im)Duration:[ \t]*(.+)$`)

var monthLayouts = []string{"Jan 2006", "January 2006"}

func parseMonth(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range monthLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// TotalExperience sums every "Duration: Mon YYYY - Mon YYYY|Present" line in
// the subject content. Lines that do not parse are skipped.
func TotalExperience(content string, now time.Time) string {
	content = strings.NewReplacer("–", "-", "—", "-").Replace(content)

	total := 0
	for _, m := range durationLine.FindAllStringSubmatch(content, -1) {
		parts := strings.Split(m[1], "-")
		if len(parts) != 2 {
			continue
		}
		start, ok := parseMonth(parts[0])
		if !ok {
			continue
		}
		end := now
		if !strings.Contains(strings.ToLower(parts[1]), "present") {
			if end, ok = parseMonth(parts[1]); !ok {
				continue
			}
		}
		months := (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())
		if months > 0 {
			total += months
		}
	}

	return fmt.Sprintf("Total Experience: %d years %d months", total/12, total%12)
}
