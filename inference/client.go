// Package inference calls the external object-detection endpoint.
//
// A window is split into consecutive chunks of at most MaxChunkSize frames;
// each chunk is one POST /predict call with its own bounded retry. Transport
// errors, 5xx, 408 and 429 are retried; any other 4xx rejects the batch at
// once. Chunk results are concatenated in input order.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/framestream/config"
	"github.com/c360/framestream/errors"
	"github.com/c360/framestream/message"
	"github.com/c360/framestream/metric"
	"github.com/c360/framestream/pkg/retry"
)

// DefaultMaxChunkSize is the largest batch the inference service accepts
const DefaultMaxChunkSize = 25

// Client is a chunking, retrying inference HTTP client. Safe for concurrent use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	maxChunkSize int
	retry        retry.Config
	limiter      *rate.Limiter
	logger       *slog.Logger
	metrics      *clientMetrics
}

// Option configures a Client
type Option func(*Client) error

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc != nil {
			c.httpClient = hc
		}
		return nil
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetrics exports request counters to registry
func WithMetrics(registry *metric.Registry) Option {
	return func(c *Client) error {
		if registry == nil {
			return nil
		}
		m, err := newClientMetrics(registry)
		if err != nil {
			return err
		}
		c.metrics = m
		return nil
	}
}

// NewClient creates a client for cfg.URL using retryCfg for every chunk
func NewClient(cfg config.InferenceConfig, retryCfg retry.Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "InferenceClient", "NewClient", "check url")
	}
	if err := retryCfg.Validate(); err != nil {
		return nil, errors.WrapFatal(err, "InferenceClient", "NewClient", "validate retry policy")
	}

	chunk := cfg.MaxChunkSize
	if chunk <= 0 {
		chunk = DefaultMaxChunkSize
	}

	c := &Client{
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		maxChunkSize: chunk,
		retry:        retryCfg,
		logger:       slog.Default(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapFatal(err, "InferenceClient", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "inference")
	return c, nil
}

// Infer runs detection over records, one request per chunk. The first chunk
// that fails fails the whole call.
func (c *Client) Infer(ctx context.Context, records []message.Record) (*Response, error) {
	if len(records) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "InferenceClient", "Infer", "check records")
	}

	out := &Response{StreamID: records[0].StreamID}
	for start := 0; start < len(records); start += c.maxChunkSize {
		end := start + c.maxChunkSize
		if end > len(records) {
			end = len(records)
		}

		resp, err := c.inferChunk(ctx, records[0].StreamID, records[start:end])
		if err != nil {
			return nil, err
		}
		if len(resp.Results) != end-start {
			c.logger.Warn("inference result count differs from request",
				"stream_id", out.StreamID, "frames", end-start, "results", len(resp.Results))
		}
		out.merge(resp)
	}
	return out, nil
}

func (c *Client) inferChunk(ctx context.Context, streamID string, records []message.Record) (*Response, error) {
	req := predictRequest{StreamID: streamID, Frames: make([]frameInput, len(records))}
	for i := range records {
		r := &records[i]
		req.Frames[i] = frameInput{FrameNumber: r.FrameNumber, FrameData: r.FrameData}
		if r.Timestamp != "" {
			ts := r.Timestamp
			req.Frames[i].Timestamp = &ts
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapInvalid(err, "InferenceClient", "Infer", "encode request")
	}

	cfg := c.retry
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		c.logger.Warn("inference attempt failed",
			"stream_id", streamID, "frames", len(records), "attempt", attempt, "retry_in", next, "error", err)
	}

	resp, err := retry.DoWithResult(ctx, cfg, func() (*Response, error) {
		return c.predict(ctx, body)
	})
	if err != nil {
		if retry.IsNonRetryable(err) {
			return nil, errors.WrapInvalid(err, "InferenceClient", "Infer", "predict")
		}
		return nil, errors.WrapTransient(err, "InferenceClient", "Infer", "predict")
	}
	c.metrics.addFrames(len(records))
	return resp, nil
}

// predict performs one POST /predict attempt
func (c *Client) predict(ctx context.Context, body []byte) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, retry.NonRetryable(fmt.Errorf("%w: %v", errors.ErrRateLimited, err))
		}
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observe("error", time.Since(start))
		return nil, fmt.Errorf("%w: %v", errors.ErrInferenceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if retryableStatus(resp.StatusCode) {
			c.metrics.observe("error", time.Since(start))
			return nil, fmt.Errorf("%w: status %d: %s", errors.ErrInferenceUnavailable, resp.StatusCode,
				strings.TrimSpace(string(detail)))
		}
		c.metrics.observe("rejected", time.Since(start))
		return nil, retry.NonRetryable(fmt.Errorf("%w: status %d: %s", errors.ErrInferenceRejected,
			resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.metrics.observe("rejected", time.Since(start))
		return nil, retry.NonRetryable(fmt.Errorf("%w: decode response: %v", errors.ErrParsingFailed, err))
	}
	c.metrics.observe("success", time.Since(start))
	return &out, nil
}

func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests
}

// Health probes GET /health
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errors.WrapFatal(err, "InferenceClient", "Health", "build request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrInferenceUnavailable, err),
			"InferenceClient", "Health", "probe endpoint")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return errors.WrapTransient(fmt.Errorf("%w: status %d", errors.ErrInferenceUnavailable, resp.StatusCode),
			"InferenceClient", "Health", "probe endpoint")
	}
	return nil
}
