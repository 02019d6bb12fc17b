package wren

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Relay turns caller requests into upstream calls and upstream outcomes into
// caller-facing results. It is the only place where a Failure becomes an
// *Error.
type Relay struct {
	client *Client
	logger *slog.Logger
}

// NewRelay creates a relay over c.
func NewRelay(c *Client) *Relay {
	return &Relay{client: c, logger: c.logger}
}

// Client returns the upstream client used by the relay.
func (r *Relay) Client() *Client {
	return r.client
}

// Handle relays a non-streaming call. Validation errors are returned before
// any network traffic. The returned error is always an *Error.
func (r *Relay) Handle(ctx context.Context, endpointPath string, req ProxyRequest, credential, method string) (json.RawMessage, error) {
	payload, err := Normalize(req)
	if err != nil {
		return nil, err
	}

	method = strings.ToUpper(method)
	res := r.client.Call(ctx, method, r.client.URL(endpointPath), payload, strings.TrimSpace(credential))
	if res.OK() {
		return res.Body, nil
	}

	return nil, r.unaryError(ctx, method, endpointPath, res.Failure)
}

func (r *Relay) unaryError(ctx context.Context, method, endpointPath string, f *Failure) *Error {
	switch f.Kind {
	case FailureUpstream:
		return &Error{
			Kind:   KindUpstream,
			Status: f.StatusCode,
			Detail: fmt.Sprintf("Wren API Request Failed (Method: %s, Status: %d): %s", method, f.StatusCode, f.Detail),
			cause:  f,
		}
	default:
		r.logger.ErrorContext(ctx, "upstream call failed",
			"method", method,
			"endpoint", endpointPath,
			"error", f,
		)
		return internalError(f.Detail, f)
	}
}
