package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kalambet/wrenproxy/internal/api"
	"github.com/kalambet/wrenproxy/internal/config"
)

// apiClient talks to a running wrenproxy server.
type apiClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// newAPIClient targets serverURL, or the configured listener when serverURL
// is empty. There is no client-wide timeout: streams may run for minutes
// and the server enforces its own upstream deadlines.
var newAPIClient = func(serverURL, apiKey string) (*apiClient, error) {
	if serverURL == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		serverURL = localServerURL(cfg.Server)
	}

	return &apiClient{
		baseURL:    strings.TrimRight(serverURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set(api.CredentialHeader, c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is wrenproxy running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// readJSON returns the raw JSON body of a successful response. Error
// responses become errors carrying the server's detail message.
func readJSON(resp *http.Response) (json.RawMessage, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, responseError(resp.StatusCode, body)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("server returned invalid JSON: %s", body)
	}
	return body, nil
}

func responseError(status int, body []byte) error {
	var e struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil && e.Detail != "" {
		return fmt.Errorf("server returned %d: %s", status, e.Detail)
	}
	return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(body)))
}
