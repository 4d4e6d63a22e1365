package capability

import (
	"context"
	"regexp"
	"strings"

	"mailagenda/internal/model"
)

var unwantedMarkers = []string{
	"unsubscribe",
	"limited time offer",
	"act now",
	"click here",
	"free gift",
	"you have won",
	"winner",
	"lottery",
	"100% free",
	"risk-free",
	"special promotion",
	"claim your prize",
}

// KeywordClassifier flags text that hits enough unwanted markers.
type KeywordClassifier struct {
	threshold float64
}

func NewKeywordClassifier(threshold float64) *KeywordClassifier {
	return &KeywordClassifier{threshold: threshold}
}

func (k *KeywordClassifier) Score(ctx context.Context, text string) (model.Score, error) {
	lower := strings.ToLower(text)
	hits := 0
	for _, m := range unwantedMarkers {
		if strings.Contains(lower, m) {
			hits++
		}
	}
	confidence := float64(hits) / 3
	if confidence > 1 {
		confidence = 1
	}
	return model.Score{
		IsUnwanted: hits > 0 && confidence >= k.threshold,
		Confidence: confidence,
	}, nil
}

var (
	eventKeywords = []string{
		"meeting", "conference", "event", "workshop", "seminar",
		"webinar", "appointment", "call", "presentation", "training",
	}

	datePattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)

	timePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b\d{1,2}:\d{2}\s*(?:am|pm)?`),
		regexp.MustCompile(`(?i)\b(?:tomorrow|today|next week|this week)\b`),
		regexp.MustCompile(`(?i)\b(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`),
		regexp.MustCompile(`(?i)\b(?:january|february|march|april|may|june|july|august|september|october|november|december)\b`),
	}

	locationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:room|office|building|suite|hall)\s+\w+\b`),
		regexp.MustCompile(`\b(?:at|in)\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`),
	}
)

// RuleExtractor finds events by keyword and pulls time and location with
// regular expressions.
type RuleExtractor struct{}

func NewRuleExtractor() *RuleExtractor { return &RuleExtractor{} }

func (RuleExtractor) Extract(ctx context.Context, text string) (*model.EventPayload, error) {
	lower := strings.ToLower(text)
	found := false
	for _, k := range eventKeywords {
		if strings.Contains(lower, k) {
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}

	p := &model.EventPayload{
		Title:       truncate(strings.TrimSpace(strings.SplitN(text, ".", 2)[0]), 100),
		Date:        datePattern.FindString(text),
		Description: truncate(text, 200),
	}
	for _, re := range timePatterns {
		if m := re.FindString(text); m != "" {
			p.StartTime = strings.TrimSpace(m)
			break
		}
	}
	for _, re := range locationPatterns {
		if m := re.FindString(text); m != "" {
			p.Location = m
			break
		}
	}
	if !p.IsEvent() {
		return nil, nil
	}
	return p, nil
}

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

// SentenceSummarizer keeps the leading sentences of the text.
type SentenceSummarizer struct{}

func NewSentenceSummarizer() *SentenceSummarizer { return &SentenceSummarizer{} }

func (SentenceSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	if len([]rune(text)) <= 200 {
		return text, nil
	}

	var sentences []string
	for _, s := range sentenceSplit.Split(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) <= 2 {
		return truncate(text, 200) + "...", nil
	}

	summary := strings.Join(sentences[:3], ". ") + "."
	if len([]rune(summary)) > 300 {
		summary = truncate(summary, 300) + "..."
	}
	return summary, nil
}
