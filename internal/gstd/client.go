// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package gstd is a typed HTTP client for the GStreamer Daemon control
// endpoint. The daemon owns the actual media pipelines; this client only
// issues create/state/event/delete commands and reads pipeline state.
package gstd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultBaseURL is the local daemon address used when none is configured.
const DefaultBaseURL = "http://127.0.0.1:5002"

// Daemon status codes carried in the response body.
const (
	CodeSuccess          = 0
	CodeBadDescription   = 2
	CodeExistingName     = 3
	CodeNoPipeline       = 5
	CodeNoResource       = 6
	CodeExistingResource = 8
	CodeStateError       = 14
)

// Client talks to a GStreamer Daemon over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the given base URL with retrying transport.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 2 * time.Second
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil // silence default debug logger

	return &Client{
		baseURL:    baseURL,
		httpClient: retryClient.StandardClient(),
	}
}

// Response is the envelope returned by every daemon endpoint.
type Response struct {
	Code        int             `json:"code"`
	Description string          `json:"description"`
	Response    json.RawMessage `json:"response"`
}

// Node names one pipeline or element in a listing response.
type Node struct {
	Name string `json:"name"`
}

// NodeList is the response body of GET /pipelines and GET .../elements.
type NodeList struct {
	Nodes []Node `json:"nodes"`
}

// Property is a single name/value pair read from the daemon.
type Property struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// StatusError reports a daemon request that failed at the HTTP or daemon
// status level.
type StatusError struct {
	StatusCode int // HTTP status, 0 when the HTTP exchange succeeded
	Code       int // daemon status code
	Message    string
}

func (e *StatusError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gstd: http status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gstd: code %d: %s", e.Code, e.Message)
}

// AlreadyExists reports whether the failure means the resource exists.
// Create paths treat this as success.
func (e *StatusError) AlreadyExists() bool {
	return e.StatusCode == http.StatusConflict ||
		e.Code == CodeExistingName ||
		e.Code == CodeExistingResource
}

// NotFound reports whether the daemon did not know the referenced pipeline.
func (e *StatusError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound ||
		e.Code == CodeNoPipeline ||
		e.Code == CodeNoResource
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values) (*Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("gstd: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gstd: request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gstd: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var parsed Response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("gstd: decode response: %w", err)
	}
	if parsed.Code != CodeSuccess {
		return nil, &StatusError{Code: parsed.Code, Message: parsed.Description}
	}
	return &parsed, nil
}

// Pipelines performs GET /pipelines and returns the pipeline listing.
func (c *Client) Pipelines(ctx context.Context) ([]Node, error) {
	resp, err := c.do(ctx, http.MethodGet, "/pipelines", nil)
	if err != nil {
		return nil, err
	}
	var list NodeList
	if len(resp.Response) > 0 {
		if err := json.Unmarshal(resp.Response, &list); err != nil {
			return nil, fmt.Errorf("gstd: decode pipeline list: %w", err)
		}
	}
	return list.Nodes, nil
}

// Pipeline returns a handle scoped to the named pipeline.
func (c *Client) Pipeline(name string) *Pipeline {
	return &Pipeline{name: name, client: c}
}
