package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kurihiro0119/devcohort/internal/cohort"
	"github.com/kurihiro0119/devcohort/internal/domain"
	"github.com/kurihiro0119/devcohort/internal/syncjob"
)

// Client is the API client for devcohort
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response of the API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// TriggerSync starts a remote sync job with optional overrides
func (c *Client) TriggerSync(jobType domain.JobType, overrides cohort.Overrides) (*domain.SyncJob, error) {
	var response struct {
		Data *domain.SyncJob `json:"data"`
	}
	if err := c.post("/api/v1/sync/"+string(jobType), overrides, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetSyncStatus retrieves the latest job and whether a sync is running
func (c *Client) GetSyncStatus() (*syncjob.Status, error) {
	var response struct {
		Data *syncjob.Status `json:"data"`
	}
	if err := c.get("/api/v1/sync/status", nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetPanel retrieves monthly statistics per tier
func (c *Client) GetPanel(start, end time.Time) ([]domain.PanelMonth, error) {
	params := url.Values{}
	if !start.IsZero() {
		params.Set("start", start.Format("2006-01-02"))
	}
	if !end.IsZero() {
		params.Set("end", end.Format("2006-01-02"))
	}

	var response struct {
		Data []domain.PanelMonth `json:"data"`
	}
	if err := c.get("/api/v1/panel", params, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// GetFindings retrieves the pre/post comparison
func (c *Client) GetFindings() (*domain.Findings, error) {
	var response struct {
		Data *domain.Findings `json:"data"`
	}
	if err := c.get("/api/v1/findings", nil, &response); err != nil {
		return nil, err
	}
	return response.Data, nil
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck() error {
	var response struct {
		Status string `json:"status"`
	}
	if err := c.get("/health", nil, &response); err != nil {
		return err
	}
	if response.Status != "ok" {
		return fmt.Errorf("unhealthy status: %s", response.Status)
	}
	return nil
}

func (c *Client) get(path string, params url.Values, result interface{}) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	resp, err := c.httpClient.Get(u.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, result)
}

func (c *Client) post(path string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, result)
}

func decode(resp *http.Response, result interface{}) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
