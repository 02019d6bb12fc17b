package wren

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// Validate confirms that credential may read projectID by fetching the
// project's metadata. The upstream body is returned unmodified on success.
func (r *Relay) Validate(ctx context.Context, credential, projectID string) (json.RawMessage, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, validationError("project_id is required")
	}

	u := r.client.URL("projects/" + url.PathEscape(projectID))
	res := r.client.call(ctx, "validate", http.MethodGet, u, nil, strings.TrimSpace(credential), r.client.timeouts.Validate)
	if res.OK() {
		return res.Body, nil
	}

	f := res.Failure
	if f.Kind != FailureUpstream {
		r.logger.ErrorContext(ctx, "project validation failed", "project_id", projectID, "error", f)
		return nil, internalError(f.Detail, f)
	}

	e := &Error{Kind: KindUpstream, Status: f.StatusCode, cause: f}
	switch f.StatusCode {
	case http.StatusUnauthorized:
		e.Detail = "API key is invalid or could not be verified."
	case http.StatusForbidden:
		e.Detail = "API key does not have access to this project."
	case http.StatusNotFound:
		e.Detail = "Project not found or not accessible with this API key."
	default:
		e.Detail = "Wren API request failed: " + string(f.Body)
	}
	return nil, e
}
