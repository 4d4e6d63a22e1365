// Package mail holds what mail source adapters hand to the pipeline.
package mail

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// MaxParts bounds MIME part traversal per message.
const MaxParts = 256

// Fetched is one full message as returned by a mail source.
type Fetched struct {
	ID         string
	Subject    string
	Sender     string
	Body       string
	Headers    map[string]string
	ReceivedAt time.Time
}

// UndecodableError reports a message whose text parts could not be read.
// Fetched carries the headers that were parsed; its Body is empty.
type UndecodableError struct {
	Fetched *Fetched
	Err     error
}

func (e *UndecodableError) Error() string {
	return fmt.Sprintf("undecodable message body: %v", e.Err)
}

func (e *UndecodableError) Unwrap() error { return e.Err }

var (
	textPolicy = bluemonday.StrictPolicy()

	// 块级标签换成换行，避免相邻段落的文字粘在一起
	blockTagPattern = regexp.MustCompile(`(?i)<\s*(br|/?p|/?div|/?li|/?tr|/?td|/?h[1-6]|/?blockquote|/?table|/?ul|/?ol)\b[^>]*>`)
	blankLines      = regexp.MustCompile(`\n[ \t]*(\n[ \t]*)+`)
)

// HTMLToText drops all markup and returns the text content, one line per
// block element.
func HTMLToText(s string) string {
	s = blockTagPattern.ReplaceAllString(s, "\n")
	s = html.UnescapeString(textPolicy.Sanitize(s))
	s = blankLines.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// PickBody prefers the plain text alternative.
func PickBody(plain, htmlBody string) string {
	if strings.TrimSpace(plain) != "" {
		return plain
	}
	if htmlBody != "" {
		return HTMLToText(htmlBody)
	}
	return ""
}
