package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	defaultStopTimeout  = 5 * time.Second
	defaultDialTimeout  = 10 * time.Second
	maxErrorBodyBytes   = 64 * 1024
	defaultIdleConnTime = 30 * time.Second
)

// Endpoint is the backend endpoint pair for one validation type.
type Endpoint struct {
	StartURL string
	StopURL  string
}

// Client talks to the batch backend.
type Client struct {
	APIKey      string
	HTTPClient  *http.Client
	StopTimeout time.Duration
}

// NewHTTPClient returns a client suited to long-lived streaming responses.
// timeout bounds the whole request including the body; zero disables it.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       defaultIdleConnTime,
			TLSHandshakeTimeout:   defaultDialTimeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// StartBatch posts the batch and returns the open response. The caller owns
// the body.
func (c *Client) StartBatch(ctx context.Context, url string, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode start request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	return c.httpClient().Do(req)
}

// StopBatch notifies the backend that sessionID should halt. It uses its
// own timeout and ignores the response body.
func (c *Client) StopBatch(ctx context.Context, url, sessionID string) error {
	if url == "" {
		return nil
	}
	timeout := c.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stop status %d", resp.StatusCode)
	}
	return nil
}

func readErrorBody(r io.Reader) []byte {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	return data
}
