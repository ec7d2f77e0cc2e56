package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 4 << 10

// HTTPError is a non-2xx response turned into an error.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	// Body holds at most the first 4 KiB of the response body.
	Body []byte
	// Retryable is true for 429 and 5xx.
	Retryable bool
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("resilience: %s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// ClassifyStatus returns nil for 2xx and an [HTTPError] otherwise.
func ClassifyStatus(req *http.Request, resp *http.Response) *HTTPError {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{
		Method:     req.Method,
		URL:        redactURL(req),
		StatusCode: resp.StatusCode,
		Body:       body,
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}

// IsRetryable reports whether err is a transient transport failure: a
// retryable [HTTPError] or a network-level error. Cancellation is never
// retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether err is a response saying the server turned the
// request away without acting on it (429 or 503). Such requests are safe to
// repeat even when they are not idempotent.
func IsRejected(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	return he.StatusCode == http.StatusTooManyRequests || he.StatusCode == http.StatusServiceUnavailable
}

// HTTPClient performs HTTP requests with bounded, jittered exponential
// backoff. Non-2xx responses are returned as [HTTPError] with the body
// drained and closed; callers only ever see successful responses.
//
// Requests with a body must be replayable: build them with
// [http.NewRequestWithContext] from a bytes or strings reader so GetBody is set.
type HTTPClient struct {
	name   string
	client *http.Client
	policy RetryPolicy
}

// HTTPOption is a functional option for [NewHTTPClient].
type HTTPOption func(*HTTPClient)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.client = c }
}

// WithRetryPolicy overrides the retry policy. Default: [DefaultRetryPolicy].
func WithRetryPolicy(p RetryPolicy) HTTPOption {
	return func(h *HTTPClient) { h.policy = p }
}

// NewHTTPClient creates an [HTTPClient]. name labels log lines.
func NewHTTPClient(name string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		name:   name,
		client: &http.Client{Timeout: 60 * time.Second},
		policy: DefaultRetryPolicy(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.policy.OnRetry == nil {
		h.policy.OnRetry = func(attempt int, err error, next time.Duration) {
			slog.Warn("http request failed, retrying",
				"client", h.name, "attempt", attempt, "next", next, "err", err)
		}
	}
	return h
}

// Do sends req, retrying transient failures according to the client policy.
func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	return Retry(req.Context(), h.policy, func(ctx context.Context) (*http.Response, error) {
		return h.DoOnce(req)
	})
}

// DoIf is [HTTPClient.Do] with retryIf in place of the policy's RetryIf.
// Non-idempotent requests pass [IsRejected] so that a failure after the
// server may have acted is never repeated.
func (h *HTTPClient) DoIf(req *http.Request, retryIf func(error) bool) (*http.Response, error) {
	p := h.policy
	p.RetryIf = retryIf
	return Retry(req.Context(), p, func(ctx context.Context) (*http.Response, error) {
		return h.DoOnce(req)
	})
}

// DoOnce sends req exactly once and classifies the outcome like [HTTPClient.Do].
// Callers running their own retry schedule use this.
func (h *HTTPClient) DoOnce(req *http.Request) (*http.Response, error) {
	attempt := req.Clone(req.Context())
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("resilience: %s: rewind body: %w", h.name, err)
		}
		attempt.Body = body
	}

	resp, err := h.client.Do(attempt)
	if err != nil {
		return nil, err
	}
	if he := ClassifyStatus(req, resp); he != nil {
		resp.Body.Close()
		return nil, he
	}
	return resp, nil
}

// redactURL drops the query string, which for pre-signed URLs carries
// credentials.
func redactURL(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	return u.String()
}
