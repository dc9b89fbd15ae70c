package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/serverbox/serverbox/internal/errdefs"
)

// previewTokenHeader carries the provider-issued bearer token that
// authorizes access to a sandbox preview URL.
const previewTokenHeader = "x-daytona-preview-token"

var healthHTTPClient = &http.Client{Timeout: 10 * time.Second}

// HealthCheck describes one upstream server to probe.
type HealthCheck struct {
	BaseURL      string
	Username     string
	Password     string
	PreviewToken string

	// Client overrides the default probe client; used by tests.
	Client *http.Client
}

// Probe performs a single health request against {BaseURL}/global/health.
// Healthy means HTTP 2xx and a JSON body with healthy == true.
func (hc HealthCheck) Probe(ctx context.Context) (map[string]any, error) {
	client := hc.Client
	if client == nil {
		client = healthHTTPClient
	}

	url := strings.TrimRight(hc.BaseURL, "/") + "/global/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(hc.Username, hc.Password)
	if hc.PreviewToken != "" {
		req.Header.Set(previewTokenHeader, hc.PreviewToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("health endpoint returned invalid JSON: %w", err)
	}
	if healthy, _ := body["healthy"].(bool); !healthy {
		return nil, fmt.Errorf("health endpoint reported healthy=false")
	}
	return body, nil
}

// WaitForHealth polls the upstream health endpoint until it reports
// healthy or timeout elapses. The returned map is the final health JSON.
// A zero or negative timeout fails without issuing a single probe.
func WaitForHealth(ctx context.Context, hc HealthCheck, timeout, poll time.Duration) (map[string]any, error) {
	if poll <= 0 {
		poll = time.Second
	}
	deadline := time.Now().Add(timeout)

	var lastErr error
	for time.Now().Before(deadline) {
		body, err := hc.Probe(ctx)
		if err == nil {
			return body, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, errdefs.Wrap(errdefs.CodeHealthCheckFailed, ctx.Err(), "health wait cancelled for %s", hc.BaseURL)
		case <-time.After(poll):
		}
	}

	return nil, errdefs.Wrap(errdefs.CodeHealthCheckFailed, lastErr,
		"upstream at %s did not become healthy within %s", hc.BaseURL, timeout)
}
