package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clearlane/confirmd/pkg/schema"
)

const (
	defaultMaxResponseBody = 1 * 1024 * 1024 // 1MB
	defaultStageTimeout    = 3 * time.Minute
)

// ClientConfig configures the stage HTTP client.
type ClientConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

// RawResponse is a received HTTP response, regardless of status class.
// Non-2xx responses are data, not errors; classification happens in the Invoker.
type RawResponse struct {
	StatusCode  int
	ContentType string
	Body        map[string]any
	RawBody     []byte
}

// Client issues a single authenticated POST to a stage endpoint.
// It performs exactly one attempt and never retries; retry policy lives in the
// Invoker. Connection-level failures and timeouts are returned as classified
// PipelineErrors, a received non-2xx response is returned as a RawResponse.
type Client struct {
	config ClientConfig
}

// NewClient creates a stage HTTP client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultStageTimeout
	}
	return &Client{config: cfg}
}

// Post sends one signed POST with the supplied timeout. On expiry it returns a
// TIMEOUT_ERROR instead of blocking further; connection-level failures (DNS,
// refused connection, TLS handshake) return TRANSPORT_ERROR.
func (c *Client) Post(ctx context.Context, endpoint string, headers http.Header, body []byte, timeout time.Duration) (*RawResponse, error) {
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "build stage request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}

	// Always create a new client to avoid mutating shared state.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	client := &http.Client{Transport: transport}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, c.config.MaxResponseBody)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, classifyTransportError(ctx, reqCtx, err)
	}

	out := &RawResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		RawBody:     raw,
	}
	if len(raw) > 0 && strings.Contains(out.ContentType, "application/json") {
		var parsed map[string]any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			out.Body = parsed
		}
	}
	return out, nil
}

// classifyTransportError maps a failed attempt to Timeout or TransportError.
// The caller's context expiring is reported as-is so the Invoker can stop
// retrying instead of misreading a run-level deadline as a stage timeout.
func classifyTransportError(parent, attempt context.Context, err error) *schema.PipelineError {
	if parent.Err() != nil {
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return schema.NewError(schema.ErrCodePipelineTimeout, "run deadline exceeded during stage call").WithCause(err)
		}
		return schema.NewError(schema.ErrCodeCancelled, "stage call cancelled").WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || attempt.Err() == context.DeadlineExceeded {
		return schema.NewError(schema.ErrCodeTimeout, "stage call timed out").WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeTransport, "stage call failed: %s", err.Error()).WithCause(err)
}
