package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"convoy/internal/models"

	log "github.com/sirupsen/logrus"
)

// HTTPClient implements the Client interface against the pipeline's REST
// API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a pipeline client for the given base URL. The API
// key is optional; backends running without authentication accept requests
// without it.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("pipeline base URL is required")
	}
	if apiKey == "" {
		log.Warn("Pipeline API key not provided. Requests will be sent unauthenticated.")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type submitResponse struct {
	ID string `json:"id"`
}

// Submit sends the work descriptor to the backend and returns the execution
// handle assigned to it.
func (c *HTTPClient) Submit(ctx context.Context, desc models.WorkDescriptor) (string, error) {
	body, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("failed to encode work descriptor for request %q: %w", desc.RequestID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/requests", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build submit request for %q: %w", desc.RequestID, err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit request %q: %w", desc.RequestID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("pipeline rejected request %q: %s", desc.RequestID, readErrorBody(resp))
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("failed to decode submit response for %q: %w", desc.RequestID, err)
	}
	if sr.ID == "" {
		return "", fmt.Errorf("pipeline returned an empty execution handle for request %q", desc.RequestID)
	}
	return sr.ID, nil
}

// GetStatus polls the status of the request behind the given handle.
func (c *HTTPClient) GetStatus(ctx context.Context, handle string) (StatusReport, error) {
	endpoint := c.baseURL + "/api/v1/requests/" + url.PathEscape(handle) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StatusReport{}, fmt.Errorf("failed to build status request for handle %s: %w", handle, err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return StatusReport{}, fmt.Errorf("failed to poll status for handle %s: %w", handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusReport{}, fmt.Errorf("status poll for handle %s failed: %s", handle, readErrorBody(resp))
	}

	var report StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return StatusReport{}, fmt.Errorf("failed to decode status response for handle %s: %w", handle, err)
	}
	return report, nil
}

// Health probes the backend's health endpoint. Used by the doctor command.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pipeline health check failed: %s", readErrorBody(resp))
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// readErrorBody summarizes a non-2xx response for error messages, keeping
// the body snippet short.
func readErrorBody(resp *http.Response) string {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(snippet) == 0 {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
}

// Ensure HTTPClient implements the interface.
var _ Client = (*HTTPClient)(nil)
