package executor

import (
	"regexp"
	"strings"
)

const (
	summaryMaxLen  = 500
	fallbackMaxLen = 300
)

var summaryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)implementation summary:?\s*(.+?)(?:\n\n|\z)`),
	regexp.MustCompile(`(?is)summary:?\s*(.+?)(?:\n\n|\z)`),
	regexp.MustCompile(`(?is)what (?:i've|i have) done:?\s*(.+?)(?:\n\n|\z)`),
}

// ExtractSummary pulls a short result summary out of the final assistant
// text: a labeled summary section when one exists, else the leading prose
func ExtractSummary(text string) string {
	for _, pattern := range summaryPatterns {
		if match := pattern.FindStringSubmatch(text); match != nil {
			summary := strings.TrimSpace(match[1])
			if len(summary) > summaryMaxLen {
				summary = summary[:summaryMaxLen]
			}
			return summary
		}
	}

	text = strings.TrimSpace(text)
	if len(text) > fallbackMaxLen {
		return text[:fallbackMaxLen] + "..."
	}
	return text
}
