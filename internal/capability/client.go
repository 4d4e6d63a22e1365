// Package capability holds the classifier, event extractor and summarizer
// clients, plus keyword/rule based fallbacks used when no endpoint is set.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mailagenda/internal/model"
	"mailagenda/pkg/circuitbreaker"
	"mailagenda/pkg/metrics"
	"mailagenda/pkg/trace"
	"mailagenda/pkg/util"
)

const maxResponseBytes = 1 << 20

type textRequest struct {
	Text string `json:"text"`
}

// httpClient is the JSON POST transport shared by all capabilities.
type httpClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

func newHTTPClient(name, baseURL string, timeout time.Duration, logger *zap.Logger) *httpClient {
	cfg := circuitbreaker.DefaultConfig()
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warn("capability circuit breaker state changed",
			zap.String("capability", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &httpClient{
		name:    name,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: circuitbreaker.NewCircuitBreaker(name, cfg),
	}
}

// post sends in as JSON and decodes the response into out. Transport and
// status failures count against the breaker, except rejected inputs
// (StatusError.Rejected). Decode failures wrap model.ErrMalformed.
func (c *httpClient) post(ctx context.Context, path string, in, out any) error {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.RecordCapabilityLatency(c.name, status, time.Since(start))
	}()

	b, err := json.Marshal(in)
	if err != nil {
		status = "error"
		return err
	}

	var body []byte
	var rejected *util.StatusError
	err = c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if id := trace.FromContext(ctx); id != "" {
			req.Header.Set(trace.HeaderName(), id)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			se := &util.StatusError{Service: c.name, StatusCode: resp.StatusCode}
			if se.Rejected() {
				// 服务正常，只是拒绝了这条输入，不计入熔断
				rejected = se
				return nil
			}
			return se
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return err
	})
	if err != nil {
		status = "error"
		var se *util.StatusError
		if errors.As(err, &se) {
			status = strconv.Itoa(se.StatusCode)
		}
		return fmt.Errorf("%s: %w", c.name, err)
	}
	if rejected != nil {
		status = strconv.Itoa(rejected.StatusCode)
		return fmt.Errorf("%s: %w", c.name, rejected)
	}

	if err := json.Unmarshal(body, out); err != nil {
		status = "malformed"
		return fmt.Errorf("%s: %w: %v", c.name, model.ErrMalformed, err)
	}
	return nil
}
