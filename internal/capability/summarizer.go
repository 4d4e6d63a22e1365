package capability

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Summarizer produces a synopsis through POST /summarize.
type Summarizer struct {
	client *httpClient
}

func NewSummarizer(baseURL string, timeout time.Duration, logger *zap.Logger) *Summarizer {
	return &Summarizer{client: newHTTPClient("summarizer", baseURL, timeout, logger)}
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	var resp summarizeResponse
	if err := s.client.post(ctx, "/summarize", textRequest{Text: text}, &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}
