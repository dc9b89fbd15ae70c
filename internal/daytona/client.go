// Package daytona is a typed REST client for the Daytona sandbox API.
// It presents the one canonical method set the lifecycle manager needs;
// response-shape tolerance (bare arrays vs {items}, bare preview strings
// vs {url, token}) is handled here so callers never see it.
package daytona

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

	"github.com/serverbox/serverbox/internal/errdefs"
)

// Sandbox is a Daytona sandbox resource.
type Sandbox struct {
	ID     string            `json:"id"`
	State  string            `json:"state"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Resources requests sandbox compute capacity.
type Resources struct {
	CPU    int `json:"cpu,omitempty"`
	Memory int `json:"memory,omitempty"`
	Disk   int `json:"disk,omitempty"`
}

// CreateSpec is the request body for creating a sandbox.
type CreateSpec struct {
	ID                  string            `json:"id,omitempty"`
	Language            string            `json:"language,omitempty"`
	Labels              map[string]string `json:"labels,omitempty"`
	EnvVars             map[string]string `json:"envVars,omitempty"`
	AutoStopInterval    int               `json:"autoStopInterval,omitempty"`
	AutoArchiveInterval int               `json:"autoArchiveInterval,omitempty"`
	AutoDeleteInterval  int               `json:"autoDeleteInterval,omitempty"`
	Resources           *Resources        `json:"resources,omitempty"`
	Target              string            `json:"target,omitempty"`
}

// PreviewLink is a provider-issued public URL for a sandbox port.
type PreviewLink struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// ExecOptions configures command execution inside a sandbox.
type ExecOptions struct {
	Cwd     string
	Timeout time.Duration
	Env     map[string]string
}

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"result"`
}

// Client is an authenticated Daytona REST client.
type Client struct {
	baseURL string
	apiKey  string
	target  string
	http    *http.Client
}

// NewClient creates a client for the given API endpoint. target selects a
// runner region and may be empty for the provider default.
func NewClient(baseURL, apiKey, target string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		target:  target,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeDaytonaAPIError, err, "marshal request body")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDaytonaAPIError, err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.target != "" {
		req.Header.Set("X-Daytona-Target", c.target)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDaytonaAPIError, err, "%s %s", method, path)
	}
	return resp, nil
}

// apiError drains the response body and classifies the failure. 404
// surfaces as SANDBOX_NOT_FOUND so callers can treat missing sandboxes
// uniformly across endpoints.
func apiError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode == http.StatusNotFound {
		return errdefs.New(errdefs.CodeSandboxNotFound, "%s: %s", op, msg)
	}
	return errdefs.New(errdefs.CodeDaytonaAPIError, "%s: status %d: %s", op, resp.StatusCode, msg)
}

// CreateSandbox provisions a new sandbox.
func (c *Client) CreateSandbox(ctx context.Context, spec CreateSpec) (*Sandbox, error) {
	if spec.Target == "" {
		spec.Target = c.target
	}
	resp, err := c.do(ctx, http.MethodPost, "/sandbox", spec)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError(resp, "CreateSandbox")
	}
	var s Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDaytonaAPIError, err, "decode CreateSandbox response")
	}
	return &s, nil
}

// GetSandbox fetches a sandbox by id.
func (c *Client) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	resp, err := c.do(ctx, http.MethodGet, "/sandbox/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp, "GetSandbox "+id)
	}
	var s Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDaytonaAPIError, err, "decode GetSandbox response")
	}
	return &s, nil
}

// ListSandboxes returns all sandboxes. Both a bare JSON array and an
// {items: [...]} envelope are accepted.
func (c *Client) ListSandboxes(ctx context.Context) ([]Sandbox, error) {
	resp, err := c.do(ctx, http.MethodGet, "/sandbox", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp, "ListSandboxes")
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDaytonaAPIError, err, "read ListSandboxes response")
	}

	var list []Sandbox
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Items []Sandbox `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDaytonaAPIError, err, "decode ListSandboxes response")
	}
	return wrapped.Items, nil
}

// RemoveSandbox deletes a sandbox. Removing an already-deleted sandbox
// surfaces SANDBOX_NOT_FOUND.
func (c *Client) RemoveSandbox(ctx context.Context, id string) error {
	return c.lifecycle(ctx, http.MethodDelete, "/sandbox/"+url.PathEscape(id), "RemoveSandbox "+id)
}

// StartSandbox starts a stopped or archived sandbox.
func (c *Client) StartSandbox(ctx context.Context, id string) error {
	return c.lifecycle(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/start", "StartSandbox "+id)
}

// StopSandbox stops a running sandbox.
func (c *Client) StopSandbox(ctx context.Context, id string) error {
	return c.lifecycle(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/stop", "StopSandbox "+id)
}

// ArchiveSandbox archives a stopped sandbox.
func (c *Client) ArchiveSandbox(ctx context.Context, id string) error {
	return c.lifecycle(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/archive", "ArchiveSandbox "+id)
}

func (c *Client) lifecycle(ctx context.Context, method, path, op string) error {
	resp, err := c.do(ctx, method, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp, op)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// GetPreviewLink returns the public URL (and optional access token) for a
// TCP port inside the sandbox. The endpoint may answer with a bare URL
// string or a {url, token} object.
func (c *Client) GetPreviewLink(ctx context.Context, id string, port int) (*PreviewLink, error) {
	path := fmt.Sprintf("/sandbox/%s/ports/%d/preview-url", url.PathEscape(id), port)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp, "GetPreviewLink "+id)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDaytonaAPIError, err, "read GetPreviewLink response")
	}

	var link PreviewLink
	if err := json.Unmarshal(raw, &link); err == nil && link.URL != "" {
		return &link, nil
	}
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil && bare != "" {
		return &PreviewLink{URL: bare}, nil
	}
	return nil, errdefs.New(errdefs.CodeDaytonaAPIError, "GetPreviewLink %s: unrecognized response %q", id, string(raw))
}

// Exec runs a shell command inside the sandbox and waits for completion.
func (c *Client) Exec(ctx context.Context, id, command string, opts ExecOptions) (*ExecResult, error) {
	body := map[string]any{"command": command}
	if opts.Cwd != "" {
		body["cwd"] = opts.Cwd
	}
	if opts.Timeout > 0 {
		body["timeout"] = int(opts.Timeout.Seconds())
	}
	if len(opts.Env) > 0 {
		body["env"] = opts.Env
	}

	resp, err := c.do(ctx, http.MethodPost, "/toolbox/"+url.PathEscape(id)+"/toolbox/process/execute", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp, "Exec "+id)
	}
	var result ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDaytonaAPIError, err, "decode Exec response")
	}
	return &result, nil
}

// UploadFile writes content to path inside the sandbox, creating parent
// directories as needed.
func (c *Client) UploadFile(ctx context.Context, id, path string, content []byte) error {
	reqURL := c.baseURL + "/toolbox/" + url.PathEscape(id) + "/toolbox/files/upload?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(content))
	if err != nil {
		return errdefs.Wrap(errdefs.CodeDaytonaAPIError, err, "create upload request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(content))

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeDaytonaAPIError, err, "UploadFile %s", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp, "UploadFile "+path)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// DownloadFile reads a file from inside the sandbox as raw bytes.
func (c *Client) DownloadFile(ctx context.Context, id, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/toolbox/"+url.PathEscape(id)+"/toolbox/files/download?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp, "DownloadFile "+path)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeDaytonaAPIError, err, "read DownloadFile response")
	}
	return data, nil
}

// BaseURL returns the configured API endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// NormalizeState maps provider state strings onto the instance state
// vocabulary. Unknown states map to "error".
func NormalizeState(raw string) string {
	switch strings.ToLower(raw) {
	case "running", "started":
		return "running"
	case "stopped":
		return "stopped"
	case "archived":
		return "archived"
	case "destroyed", "deleted":
		return "destroyed"
	case "provisioning", "creating":
		return "provisioning"
	default:
		return "error"
	}
}
