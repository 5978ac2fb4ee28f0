// Package request implements the resilient request executor every outbound HTTP
// call goes through: it classifies responses, surfaces upstream rejections and
// retries transient failures after a fixed backoff.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/metrics"
	"github.com/ShaneHoughton/capstone2022/internal/telemetry"
)

// DefaultBackoff is the wait between attempts when Config.Backoff is unset.
const DefaultBackoff = 60 * time.Second

// ErrAttemptsExhausted is returned when a configured attempt ceiling is reached.
var ErrAttemptsExhausted = errors.New("request attempts exhausted")

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes retry behavior.
type Config struct {
	// Backoff is the fixed wait between attempts.
	Backoff time.Duration
	// MaxAttempts caps the number of attempts. Zero retries forever.
	MaxAttempts int
	// Limiter, when set, throttles every attempt.
	Limiter *rate.Limiter
}

// Options carries per-request extras.
type Options struct {
	Header      http.Header
	Query       url.Values
	Body        []byte
	ContentType string
}

// Rejection is the structured error payload of a 403 response.
// Payload is always a JSON object with an "error" key.
type Rejection struct {
	StatusCode int
	Payload    json.RawMessage
}

// Error implements error.
func (r *Rejection) Error() string {
	return fmt.Sprintf("upstream rejected request (%d): %s", r.StatusCode, string(r.Payload))
}

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Rejection is set when the upstream answered 403.
	Rejection *Rejection
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// Executor wraps outbound calls with status classification and backoff retry.
type Executor struct {
	client  Doer
	sleeper harvest.Sleeper
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Executor.
func New(client Doer, sleeper harvest.Sleeper, cfg Config, logger *zap.Logger) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		client:  client,
		sleeper: sleeper,
		cfg:     cfg,
		logger:  logger,
	}
}

// Get issues a GET with no extras.
func (e *Executor) Get(ctx context.Context, rawURL string) (*Response, error) {
	return e.Do(ctx, http.MethodGet, rawURL, Options{})
}

// Do executes the request until a response that needs no retry is obtained.
// Transient failures never surface unless MaxAttempts is set; callers must still
// inspect StatusCode and Rejection.
func (e *Executor) Do(ctx context.Context, method, rawURL string, opts Options) (*Response, error) {
	target, err := withQuery(rawURL, opts.Query)
	if err != nil {
		return nil, err
	}
	logger := e.logger.With(zap.String("method", method), zap.String("url", redact(target)))

	for attempt := 1; ; attempt++ {
		if e.cfg.Limiter != nil {
			if err := e.cfg.Limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		resp, reason, err := e.attempt(ctx, method, target, opts, attempt)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request canceled: %w", ctx.Err())
		}
		if reason == "" {
			return resp, nil
		}

		metrics.ObserveRetry(reason)
		logger.Warn("request failed; backing off",
			zap.String("reason", reason),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", e.cfg.Backoff),
			zap.Error(err),
		)
		if e.cfg.MaxAttempts > 0 && attempt >= e.cfg.MaxAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, err)
		}
		if err := e.sleeper.Sleep(ctx, e.cfg.Backoff); err != nil {
			return nil, fmt.Errorf("backoff: %w", err)
		}
	}
}

// attempt performs one round trip. A non-empty reason means the attempt should be retried.
func (e *Executor) attempt(ctx context.Context, method, target string, opts Options, n int) (resp *Response, reason string, err error) {
	ctx, span := telemetry.StartClientSpan(ctx, method, metrics.SanitizeHost(target), n)
	defer func() {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		telemetry.EndSpan(span, status, err)
	}()

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, "request", fmt.Errorf("build request: %w", err)
	}
	for key, values := range opts.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	telemetry.InjectHTTP(ctx, req.Header)

	httpResp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err), fmt.Errorf("send request: %w", err)
	}
	data, readErr := io.ReadAll(httpResp.Body)
	closeErr := httpResp.Body.Close()
	if readErr != nil {
		return nil, "read", fmt.Errorf("read response: %w", readErr)
	}
	if closeErr != nil {
		e.logger.Debug("close response body failed", zap.Error(closeErr))
	}
	metrics.ObserveUpstreamRequest(target, httpResp.StatusCode)

	resp = &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}
	switch {
	case httpResp.StatusCode == http.StatusForbidden:
		metrics.ObserveRejection(target)
		resp.Rejection = &Rejection{StatusCode: httpResp.StatusCode, Payload: rejectionPayload(data)}
		e.logger.Warn("upstream rejected request",
			zap.String("url", redact(target)),
			zap.ByteString("error", resp.Rejection.Payload),
		)
		return resp, "", nil
	case httpResp.StatusCode >= http.StatusBadRequest:
		return resp, "status", fmt.Errorf("unexpected status %d", httpResp.StatusCode)
	default:
		return resp, "", nil
	}
}

func classifyTransportError(err error) string {
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.As(err, &opErr):
		return "connection"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "request"
	}
}

// rejectionPayload normalizes a 403 body into {"error": ...}.
func rejectionPayload(body []byte) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil {
		if value, ok := fields["error"]; ok {
			return wrapError(value)
		}
		if value, ok := fields["errors"]; ok {
			return wrapError(value)
		}
		return wrapError(json.RawMessage(body))
	}
	text, err := json.Marshal(string(bytes.TrimSpace(body)))
	if err != nil {
		return json.RawMessage(`{"error":"forbidden"}`)
	}
	return wrapError(text)
}

func wrapError(value json.RawMessage) json.RawMessage {
	data, err := json.Marshal(map[string]json.RawMessage{"error": value})
	if err != nil {
		return json.RawMessage(`{"error":"forbidden"}`)
	}
	return data
}

func withQuery(rawURL string, query url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if len(query) == 0 {
		return u.String(), nil
	}
	merged := u.Query()
	for key, values := range query {
		for _, v := range values {
			merged.Add(key, v)
		}
	}
	u.RawQuery = merged.Encode()
	return u.String(), nil
}

// redact hides the api_key query parameter from logs.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Set("api_key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
