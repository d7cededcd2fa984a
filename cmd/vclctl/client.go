package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/vclsched/vclsched/internal/daemon"
)

const maxJSONOutputBytes = 4 << 20

// apiClient talks to vcld over its Unix socket. Every request carries the
// acting administrator.
type apiClient struct {
	socketPath string
	actor      string
	httpClient *http.Client
	timeout    time.Duration
}

// apiError is a non-2xx response from vcld.
type apiError struct {
	Status int
	Code   string
	Msg    string
	IDs    []int
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s (%s)", e.Msg, e.Code)
}

func newAPIClient(socketPath, actor string, timeout time.Duration) *apiClient {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &apiClient{
		socketPath: socketPath,
		actor:      actor,
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
	}
}

// doJSON sends payload (when non-nil) and decodes the response into out
// (when non-nil).
func (c *apiClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	data, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *apiClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(daemon.ActorHeader, c.actor)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s via %s: %w", method, path, c.socketPath, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONOutputBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func parseAPIError(status int, data []byte) error {
	if len(data) > 0 {
		var body daemon.V1ErrorResponse
		if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
			return &apiError{Status: status, Code: body.Code, Msg: body.Error, IDs: body.IDs}
		}
	}
	return &apiError{Status: status, Msg: fmt.Sprintf("request failed with status %d", status)}
}

func (c *apiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
