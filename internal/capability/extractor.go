package capability

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailagenda/internal/model"
)

// Extractor derives a structured event through POST /extract.
type Extractor struct {
	client *httpClient
}

func NewExtractor(baseURL string, timeout time.Duration, logger *zap.Logger) *Extractor {
	return &Extractor{client: newHTTPClient("extractor", baseURL, timeout, logger)}
}

type extractResponse struct {
	EventDetected *bool `json:"event_detected"`
	model.EventPayload
}

// Extract returns nil when the service reports no event or the payload has
// neither a title nor a date/time anchor.
func (e *Extractor) Extract(ctx context.Context, text string) (*model.EventPayload, error) {
	var resp extractResponse
	if err := e.client.post(ctx, "/extract", textRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	if resp.EventDetected != nil && !*resp.EventDetected {
		return nil, nil
	}
	p := resp.EventPayload
	if !p.IsEvent() {
		return nil, nil
	}
	return &p, nil
}
