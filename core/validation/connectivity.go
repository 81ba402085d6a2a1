package validation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mlpipeline/core"
)

// ConnectivityResult represents the result of a connectivity check.
type ConnectivityResult struct {
	Reachable  bool
	StatusCode int
	Message    string
	Latency    time.Duration
	Error      error
}

// ConnectivityChecker probes an OpenAI-compatible endpoint.
// This is a molecule that composes URL validation with an HTTP probe.
type ConnectivityChecker struct {
	timeout time.Duration
	client  *http.Client
}

// NewConnectivityChecker creates a checker with a 5 second timeout.
func NewConnectivityChecker() *ConnectivityChecker {
	return &ConnectivityChecker{timeout: 5 * time.Second, client: http.DefaultClient}
}

// WithTimeout sets the timeout for connectivity checks.
func (c *ConnectivityChecker) WithTimeout(timeout time.Duration) *ConnectivityChecker {
	c.timeout = timeout
	return c
}

// WithHTTPClient replaces the HTTP client.
func (c *ConnectivityChecker) WithHTTPClient(client *http.Client) *ConnectivityChecker {
	c.client = client
	return c
}

// CheckEndpoint issues GET {baseURL}/models. Any HTTP response counts as
// reachable: a 401 still proves the server is up, and the vision backend
// reports authentication failures itself at initialization.
func (c *ConnectivityChecker) CheckEndpoint(ctx context.Context, baseURL, apiKey string) ConnectivityResult {
	if err := core.ValidateBaseURL(baseURL); err != nil {
		return ConnectivityResult{
			Message: "Invalid URL format",
			Error:   core.ErrInvalidURL("VISION_API_BASE_URL", baseURL, err.Error()),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ConnectivityResult{
			Message: "Failed to create request",
			Error:   core.ErrServerUnreachable(baseURL, err.Error()),
		}
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		reason := err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			reason = fmt.Sprintf("connection timed out after %v", c.timeout)
		}
		return ConnectivityResult{
			Message: "Connection failed",
			Latency: latency,
			Error:   core.ErrServerUnreachable(baseURL, reason),
		}
	}
	defer resp.Body.Close()

	return ConnectivityResult{
		Reachable:  true,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("Server reachable (status: %d)", resp.StatusCode),
		Latency:    latency,
	}
}
