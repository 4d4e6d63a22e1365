package capability

import (
	"regexp"
	"strings"
)

var (
	urlPattern        = regexp.MustCompile(`https?://\S+`)
	emailAddrPattern  = regexp.MustCompile(`\S+@\S+`)
	whitespacePattern = regexp.MustCompile(`[\s\p{Z}]+`)
)

// CleanText removes URLs and email addresses and collapses whitespace.
// Bodies arrive as text already; HTML is converted by the mail sources.
func CleanText(s string) string {
	s = urlPattern.ReplaceAllString(s, "")
	s = emailAddrPattern.ReplaceAllString(s, "")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ComposeText builds the capability input for a message.
func ComposeText(subject, body string) string {
	return CleanText(subject + "\n\n" + body)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
