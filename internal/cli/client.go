package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pbinitiative/zenflow/pkg/command"
	"github.com/pbinitiative/zenflow/pkg/scheduler"
)

// ApiError is returned for every non 2xx answer of a node.
type ApiError struct {
	StatusCode int
	Message    string `json:"message"`
	Type       string `json:"type"`
}

func (e *ApiError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("server answered %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server answered %d (%s): %s", e.StatusCode, e.Type, e.Message)
}

// Client talks to the REST API of a zenflow node.
type Client struct {
	base string
	http *http.Client
}

func NewClient(server string) *Client {
	return &Client{
		base: strings.TrimRight(server, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method string, path string, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &ApiError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) doJson(ctx context.Context, method string, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, "application/json", body, out)
}

type DeployedDefinition struct {
	Key     int64  `json:"key"`
	Id      string `json:"id"`
	Version int32  `json:"version"`
}

func (c *Client) DeployDefinition(ctx context.Context, data []byte) (DeployedDefinition, error) {
	var res DeployedDefinition
	err := c.do(ctx, http.MethodPost, "/v1/definitions", "application/yaml", bytes.NewReader(data), &res)
	return res, err
}

type FailedJobPage struct {
	Items  []scheduler.FailedJob `json:"items"`
	Offset int                   `json:"offset"`
	Limit  int                   `json:"limit"`
	Count  int                   `json:"count"`
}

func (c *Client) ListFailedJobs(ctx context.Context, offset int, limit int) (FailedJobPage, error) {
	var res FailedJobPage
	q := url.Values{}
	q.Set("offset", fmt.Sprint(offset))
	q.Set("limit", fmt.Sprint(limit))
	err := c.doJson(ctx, http.MethodGet, "/v1/jobs/failed?"+q.Encode(), nil, &res)
	return res, err
}

func (c *Client) ReplayFailedJob(ctx context.Context, key int64, overrides map[string]any) error {
	if overrides == nil {
		overrides = map[string]any{}
	}
	return c.doJson(ctx, http.MethodPost, fmt.Sprintf("/v1/jobs/failed/%d/replay", key), overrides, nil)
}

func (c *Client) PurgeFailedJob(ctx context.Context, key int64) error {
	return c.doJson(ctx, http.MethodDelete, fmt.Sprintf("/v1/jobs/failed/%d", key), nil, nil)
}

func (c *Client) ListCommands(ctx context.Context) ([]command.Info, error) {
	var res []command.Info
	err := c.doJson(ctx, http.MethodGet, "/v1/commands", nil, &res)
	return res, err
}

func (c *Client) ExecuteCommand(ctx context.Context, name string, params map[string]any) (any, error) {
	var res any
	err := c.doJson(ctx, http.MethodPost, "/v1/commands/"+url.PathEscape(name), params, &res)
	return res, err
}
