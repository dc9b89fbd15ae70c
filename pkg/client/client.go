// Package client is a Go client for the serverbox admin API.
package client

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

	"github.com/serverbox/serverbox/pkg/types"
)

// Client is an HTTP client for the serverbox admin API.
type Client struct {
	baseURL    string
	adminKey   string
	httpClient *http.Client
}

// NewClient creates a new admin API client.
func NewClient(baseURL, adminKey string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		adminKey: adminKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-serverbox-admin-key", c.adminKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// apiError decodes the server's {error, code} response into a Go error.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		if parsed.Code != "" {
			return fmt.Errorf("%s (%s)", parsed.Error, parsed.Code)
		}
		return fmt.Errorf("%s", parsed.Error)
	}
	return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
}

func (c *Client) instanceCall(ctx context.Context, method, path string, body any) (*types.SerializedInstance, error) {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, apiError(resp)
	}

	var out types.InstanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Instance, nil
}

// CreateInstance creates a new instance.
func (c *Client) CreateInstance(ctx context.Context, opts types.CreateOptions) (*types.SerializedInstance, error) {
	return c.instanceCall(ctx, http.MethodPost, "/admin/instances", opts)
}

// GetInstance fetches one instance.
func (c *Client) GetInstance(ctx context.Context, id string) (*types.SerializedInstance, error) {
	return c.instanceCall(ctx, http.MethodGet, "/admin/instances/"+url.PathEscape(id), nil)
}

// ListInstances lists instances, optionally filtered by state and
// refreshed against the provider.
func (c *Client) ListInstances(ctx context.Context, state string, refresh bool) ([]*types.SerializedInstance, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if refresh {
		q.Set("refresh", "true")
	}
	path := "/admin/instances"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var out types.InstanceListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Instances, nil
}

// ResumeInstance resumes a stopped or archived instance.
func (c *Client) ResumeInstance(ctx context.Context, id string) (*types.SerializedInstance, error) {
	return c.instanceCall(ctx, http.MethodPost, "/admin/instances/"+url.PathEscape(id)+"/resume", nil)
}

// StopInstance stops a running instance.
func (c *Client) StopInstance(ctx context.Context, id string) (*types.SerializedInstance, error) {
	return c.instanceCall(ctx, http.MethodPost, "/admin/instances/"+url.PathEscape(id)+"/stop", nil)
}

// ArchiveInstance archives an instance.
func (c *Client) ArchiveInstance(ctx context.Context, id string) (*types.SerializedInstance, error) {
	return c.instanceCall(ctx, http.MethodPost, "/admin/instances/"+url.PathEscape(id)+"/archive", nil)
}

// DestroyInstance removes the backing sandbox and deletes the record.
func (c *Client) DestroyInstance(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/admin/instances/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// Exec runs a command inside a running instance's sandbox.
func (c *Client) Exec(ctx context.Context, id string, req types.ExecRequest) (*types.ExecResult, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/admin/instances/"+url.PathEscape(id)+"/exec", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var out types.ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// Health fetches the upstream health JSON of a running instance.
func (c *Client) Health(ctx context.Context, id string) (map[string]any, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/admin/instances/"+url.PathEscape(id)+"/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// UploadFile writes content to path inside a running instance's sandbox.
func (c *Client) UploadFile(ctx context.Context, id, path string, content []byte) error {
	reqURL := c.baseURL + "/admin/instances/" + url.PathEscape(id) + "/files?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-serverbox-admin-key", c.adminKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// DownloadFile reads a file from inside a running instance's sandbox.
func (c *Client) DownloadFile(ctx context.Context, id, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/admin/instances/"+url.PathEscape(id)+"/files?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	return io.ReadAll(resp.Body)
}
