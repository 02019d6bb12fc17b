package wren

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the Wren AI Cloud API root.
	DefaultBaseURL = "https://cloud.getwren.ai/api/v1"

	DefaultUnaryTimeout    = 30 * time.Second
	DefaultValidateTimeout = 10 * time.Second
	DefaultStreamTimeout   = 300 * time.Second

	noContentBody = `{"message":"Operation successful, no content returned."}`
)

// Timeouts bounds each kind of upstream call. Zero fields fall back to the
// defaults.
type Timeouts struct {
	Unary    time.Duration
	Validate time.Duration
	Stream   time.Duration
}

// Client issues calls against the Wren API. It holds no credentials: every
// call carries the caller's own bearer token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeouts   Timeouts
	observer   Observer
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Timeout should be
// zero; per-call deadlines are applied through the request context. Set
// CheckRedirect to keep 3xx answers from being followed.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeouts overrides the non-zero fields of t.
func WithTimeouts(t Timeouts) Option {
	return func(c *Client) {
		if t.Unary > 0 {
			c.timeouts.Unary = t.Unary
		}
		if t.Validate > 0 {
			c.timeouts.Validate = t.Validate
		}
		if t.Stream > 0 {
			c.timeouts.Stream = t.Stream
		}
	}
}

// WithObserver attaches a telemetry sink.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger sets the logger used for upstream diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client rooted at baseURL. An empty baseURL selects
// DefaultBaseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{CheckRedirect: noRedirects},
		timeouts: Timeouts{
			Unary:    DefaultUnaryTimeout,
			Validate: DefaultValidateTimeout,
			Stream:   DefaultStreamTimeout,
		},
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// URL joins the base URL and endpointPath. The path is used verbatim,
// embedded slashes included.
func (c *Client) URL(endpointPath string) string {
	return c.baseURL + "/" + endpointPath
}

// FailureKind tags why an upstream call did not succeed.
type FailureKind int

const (
	// FailureUpstream means the upstream answered with status >= 400.
	FailureUpstream FailureKind = iota + 1
	// FailureTransport means no usable response arrived (DNS, connect,
	// reset, timeout, unreadable body).
	FailureTransport
	// FailureDecode means a 2xx response carried a body that is not JSON.
	FailureDecode
)

// Failure describes an unsuccessful upstream call.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	// Detail is the normalized message: the upstream "detail" field or raw
	// body text for FailureUpstream, a short description otherwise.
	Detail string
	// Body is the raw upstream body, if one was read.
	Body []byte
	// Err is the underlying transport error. It is meant for logs only.
	Err error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("upstream failure (status %d): %s: %v", f.StatusCode, f.Detail, f.Err)
	}
	return fmt.Sprintf("upstream failure (status %d): %s", f.StatusCode, f.Detail)
}

// Result is the outcome of a single upstream call: exactly one of Body and
// Failure is set.
type Result struct {
	Body    json.RawMessage
	Failure *Failure
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Failure == nil
}

// Call performs one unary request with the unary timeout. payload is
// marshalled and attached only for POST, PUT and PATCH.
func (c *Client) Call(ctx context.Context, method, url string, payload any, credential string) Result {
	return c.call(ctx, "unary", method, url, payload, credential, c.timeouts.Unary)
}

func (c *Client) call(ctx context.Context, op, method, url string, payload any, credential string, timeout time.Duration) Result {
	method = strings.ToUpper(method)
	if !supportedMethod(method) {
		return Result{Failure: &Failure{
			Kind:       FailureTransport,
			StatusCode: http.StatusInternalServerError,
			Detail:     fmt.Sprintf("unsupported method %s", method),
		}}
	}

	var body io.Reader
	if payload != nil && methodHasBody(method) {
		b, err := json.Marshal(payload)
		if err != nil {
			return Result{Failure: &Failure{
				Kind:       FailureTransport,
				StatusCode: http.StatusInternalServerError,
				Detail:     "encoding request payload",
				Err:        err,
			}}
		}
		tracePayload(ctx, c.logger, op, url, b)
		body = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return Result{Failure: transportFailure(fmt.Errorf("creating request: %w", err))}
	}
	setHeaders(req, credential, "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observer.UpstreamCall(op, method, 0, time.Since(start))
		return Result{Failure: transportFailure(err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	c.observer.UpstreamCall(op, method, resp.StatusCode, time.Since(start))
	if err != nil {
		return Result{Failure: transportFailure(fmt.Errorf("reading response: %w", err))}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.WarnContext(ctx, "upstream returned error status",
			"op", op,
			"method", method,
			"status", resp.StatusCode,
			"body", truncate(string(raw), 512),
		)
		return Result{Failure: &Failure{
			Kind:       FailureUpstream,
			StatusCode: resp.StatusCode,
			Detail:     extractDetail(raw),
			Body:       raw,
		}}
	}

	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 {
		return Result{Body: json.RawMessage(noContentBody)}
	}

	if !json.Valid(raw) {
		return Result{Failure: &Failure{
			Kind:       FailureDecode,
			StatusCode: http.StatusInternalServerError,
			Detail:     "upstream returned a non-JSON body",
			Body:       raw,
		}}
	}

	return Result{Body: raw}
}

// openStream starts a streaming POST. On success the returned response body
// cancels the stream deadline when closed.
func (c *Client) openStream(ctx context.Context, url string, payload []byte, credential string) (*http.Response, error) {
	tracePayload(ctx, c.logger, "stream", url, payload)

	reqCtx, cancel := context.WithTimeout(ctx, c.timeouts.Stream)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	setHeaders(req, credential, "text/event-stream")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observer.UpstreamCall("stream", http.MethodPost, 0, time.Since(start))
		cancel()
		return nil, err
	}
	c.observer.UpstreamCall("stream", http.MethodPost, resp.StatusCode, time.Since(start))

	// Wrap the body so the timeout context cancel is called when the caller closes it.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// noRedirects hands 3xx responses back to the caller instead of following
// them.
func noRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func setHeaders(req *http.Request, credential, accept string) {
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
}

func supportedMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func transportFailure(err error) *Failure {
	return &Failure{
		Kind:       FailureTransport,
		StatusCode: http.StatusInternalServerError,
		Detail:     describeTransportError(err),
		Err:        err,
	}
}

// describeTransportError maps a transport error to a short description safe
// to show to callers.
func describeTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream request timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "upstream request canceled"
	}
	return "upstream request failed"
}

// extractDetail pulls the "detail" field out of an upstream error body.
// Structured details are re-encoded as compact JSON. Bodies that are not a
// JSON object with a non-null detail fall back to the raw text.
func extractDetail(raw []byte) string {
	text := string(raw)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return text
	}
	d, ok := obj["detail"]
	if !ok {
		return text
	}
	d = bytes.TrimSpace(d)
	if len(d) == 0 || bytes.Equal(d, []byte("null")) {
		return text
	}

	var s string
	if err := json.Unmarshal(d, &s); err == nil {
		return s
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, d); err != nil {
		return string(d)
	}
	return buf.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
