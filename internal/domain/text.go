package domain

import "strings"

// TitleFromText returns the first non-blank line of text with runs of
// whitespace collapsed, cut to at most maxRunes runes.
func TitleFromText(text string, maxRunes int) string {
	var title string
	for _, line := range strings.Split(text, "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			title = strings.Join(fields, " ")
			break
		}
	}
	if maxRunes > 0 {
		runes := []rune(title)
		if len(runes) > maxRunes {
			title = strings.TrimSpace(string(runes[:maxRunes]))
		}
	}
	return title
}
