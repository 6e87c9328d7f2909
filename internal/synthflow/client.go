// Package synthflow is a thin client for the Synthflow voice-AI call API.
package synthflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api.synthflow.ai/v2"
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type CustomVariable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type PlaceCallRequest struct {
	ModelID         string           `json:"model_id"`
	Phone           string           `json:"phone"`
	Name            string           `json:"name"`
	CustomVariables []CustomVariable `json:"custom_variables,omitempty"`
}

type PlaceCallResponse struct {
	Status   string `json:"status,omitempty"`
	Response struct {
		CallID string `json:"call_id"`
	} `json:"response"`
}

type CallRecord struct {
	CallID       string `json:"call_id,omitempty"`
	Status       string `json:"status,omitempty"`
	RecordingURL string `json:"recording_url,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
}

type CallStatusResponse struct {
	Status   string `json:"status,omitempty"`
	Response struct {
		Calls []CallRecord `json:"calls"`
	} `json:"response"`
}

// API exposes the two operations the orchestrator needs, so tests can
// substitute a fake provider.
type API interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (*PlaceCallResponse, error)
	GetCall(ctx context.Context, callID string) (*CallStatusResponse, error)
}

func (c *Client) PlaceCall(ctx context.Context, pcr PlaceCallRequest) (*PlaceCallResponse, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("synthflow: api key is required")
	}

	b, err := json.Marshal(pcr)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/calls", strings.TrimRight(c.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var decoded PlaceCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	if decoded.Response.CallID == "" {
		return nil, errors.New("synthflow: response has no call_id")
	}
	return &decoded, nil
}

func (c *Client) GetCall(ctx context.Context, callID string) (*CallStatusResponse, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, errors.New("synthflow: api key is required")
	}

	url := fmt.Sprintf("%s/calls/%s", strings.TrimRight(c.BaseURL, "/"), callID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var decoded CallStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return &decoded, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("synthflow: %s", msg)
}
