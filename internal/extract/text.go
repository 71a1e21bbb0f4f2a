package extract

import (
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy = bluemonday.StrictPolicy()
	blockClose   = regexp.MustCompile(`(?i)</(p|div|li|h[1-6]|blockquote|tr|section)>|<br\s*/?>`)
	inlineSpace  = regexp.MustCompile(`[ \t\r\f\v]+`)
	manyBreaks   = regexp.MustCompile(`\s*\n\s*(\n\s*)+`)
)

// dateLayouts are tried in order by ParseDate.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"January 2, 2006 3:04 PM",
	"January 2, 2006",
	"Jan. 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"01/02/2006",
	"20060102",
}

// ParseDate parses the publish-date spellings seen in news metadata.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// CleanText flattens an HTML fragment to plain text, keeping paragraph breaks.
func CleanText(fragment string) string {
	if fragment == "" {
		return ""
	}
	marked := blockClose.ReplaceAllStringFunc(fragment, func(tag string) string {
		return tag + "\n\n"
	})
	text := html.UnescapeString(strictPolicy.Sanitize(marked))
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = manyBreaks.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// CollapseSpace trims s and folds internal whitespace runs to one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
