package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xiaot623/reviewflow/internal/domain"
)

// apiClient calls the reviewflow v1 HTTP API.
type apiClient struct {
	baseURL    string
	userID     string
	apiKey     string
	httpClient *http.Client
}

func newAPIClient(baseURL, userID, apiKey string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// apiError is an error response of the API.
type apiError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

func (e *apiError) Error() string {
	if e.ErrorKind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.ErrorKind, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func (c *apiClient) StartRun(ctx context.Context, task, processID string) (*domain.StartRunResponse, error) {
	var resp domain.StartRunResponse
	err := c.do(ctx, http.MethodPost, "/v1/runs", domain.StartRunRequest{Task: task, ProcessID: processID}, &resp)
	return &resp, err
}

func (c *apiClient) SubmitApproval(ctx context.Context, planID string, approved bool) error {
	return c.do(ctx, http.MethodPost, "/v1/plans/"+url.PathEscape(planID)+"/approval", domain.ApprovalDecision{Approved: approved}, nil)
}

func (c *apiClient) SubmitClarification(ctx context.Context, requestID, answer string) error {
	return c.do(ctx, http.MethodPost, "/v1/clarifications/"+url.PathEscape(requestID), domain.ClarificationAnswer{Answer: answer}, nil)
}

func (c *apiClient) CancelRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &run)
	return &run, err
}

func (c *apiClient) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &run)
	return &run, err
}

func (c *apiClient) ListRuns(ctx context.Context) ([]domain.Run, error) {
	var resp struct {
		Runs []domain.Run `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/runs", nil, &resp)
	return resp.Runs, err
}

func (c *apiClient) ListMessages(ctx context.Context, runID string, afterSeq int64) ([]domain.Message, error) {
	var resp struct {
		Messages []domain.Message `json:"messages"`
	}
	path := "/v1/runs/" + url.PathEscape(runID) + "/messages?after_sequence=" + strconv.FormatInt(afterSeq, 10)
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Messages, err
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", c.userID)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// socketURL returns the WebSocket session URL for processID.
func (c *apiClient) socketURL(processID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket/" + processID
	q := url.Values{"user_id": {c.userID}}
	if c.apiKey != "" {
		q.Set("api_key", c.apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
