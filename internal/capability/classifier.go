package capability

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailagenda/internal/model"
)

// Classifier scores text through POST /score.
type Classifier struct {
	client    *httpClient
	threshold float64
}

// NewClassifier: an is_unwanted verdict below threshold is downgraded to wanted.
func NewClassifier(baseURL string, timeout time.Duration, threshold float64, logger *zap.Logger) *Classifier {
	return &Classifier{
		client:    newHTTPClient("classifier", baseURL, timeout, logger),
		threshold: threshold,
	}
}

type scoreResponse struct {
	IsUnwanted *bool    `json:"is_unwanted"`
	Confidence *float64 `json:"confidence"`
}

func (c *Classifier) Score(ctx context.Context, text string) (model.Score, error) {
	var resp scoreResponse
	if err := c.client.post(ctx, "/score", textRequest{Text: text}, &resp); err != nil {
		return model.Score{}, err
	}
	if resp.IsUnwanted == nil {
		return model.Score{}, fmt.Errorf("classifier: %w: missing is_unwanted", model.ErrMalformed)
	}

	score := model.Score{IsUnwanted: *resp.IsUnwanted, Confidence: 1}
	if resp.Confidence != nil {
		score.Confidence = *resp.Confidence
	}
	if score.Confidence < 0 || score.Confidence > 1 {
		return model.Score{}, fmt.Errorf("classifier: %w: confidence %v out of range", model.ErrMalformed, score.Confidence)
	}
	if score.IsUnwanted && score.Confidence < c.threshold {
		score.IsUnwanted = false
	}
	return score, nil
}
