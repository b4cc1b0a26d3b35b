package mech

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the mechd operations API. The API is
// read only: requests enter the system through the marketplace contract, so the
// client exposes lookups and aggregates, never submission.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Record mirrors a processing record as exposed by the API.
type Record struct {
	RequestID      uint64 `json:"request_id"`
	Requester      string `json:"requester"`
	ToolID         string `json:"tool_id"`
	PayloadHash    string `json:"payload_hash"`
	Payment        string `json:"payment"`
	BlockHeight    uint64 `json:"block_height"`
	Stage          string `json:"stage"`
	Attempts       int    `json:"attempts"`
	MaxAttempts    int    `json:"max_attempts"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ResultBlobHash string `json:"result_blob_hash,omitempty"`
	TxHash         string `json:"tx_hash,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Stats aggregates record counts per lifecycle stage.
type Stats struct {
	Total     int `json:"total"`
	Observed  int `json:"observed"`
	Resolved  int `json:"resolved"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

// ListOptions filters the request listing.
type ListOptions struct {
	Limit  int
	Offset int
	Stages []string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mech api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the mechd API. When httpClient is nil, a
// default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Health reports whether the daemon answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	var probe struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, "/healthz", nil, &probe); err != nil {
		return err
	}
	if probe.Status != "ok" {
		return fmt.Errorf("unexpected health status %q", probe.Status)
	}
	return nil
}

// ListRequests returns processing records matching the options.
func (c *Client) ListRequests(ctx context.Context, opts ListOptions) ([]Record, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Stages) > 0 {
		query.Set("stage", strings.Join(opts.Stages, ","))
	}

	var decoded struct {
		Requests []Record `json:"requests"`
	}
	if err := c.get(ctx, "/api/v1/requests", query, &decoded); err != nil {
		return nil, err
	}
	return decoded.Requests, nil
}

// GetRequest fetches a single processing record by request identifier.
func (c *Client) GetRequest(ctx context.Context, requestID uint64) (Record, error) {
	var record Record
	endpoint := "/api/v1/requests/" + strconv.FormatUint(requestID, 10)
	if err := c.get(ctx, endpoint, nil, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// WaitForTerminal polls a request until it reaches a terminal stage
// (completed, failed or abandoned) or the context is cancelled. The poll
// interval defaults to one second when non-positive.
func (c *Client) WaitForTerminal(ctx context.Context, requestID uint64, poll time.Duration) (Record, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		record, err := c.GetRequest(ctx, requestID)
		if err != nil {
			return Record{}, err
		}
		switch record.Stage {
		case "completed", "failed", "abandoned":
			return record, nil
		}

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetStats returns per-stage record counts.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if readErr != nil {
			return fmt.Errorf("read error response: %w", readErr)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
