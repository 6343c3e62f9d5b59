// Package remote holds the JSON-over-HTTP plumbing shared by the
// collaborator clients.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBytes = 10 << 20

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// NewHTTPClient returns a client that never follows redirects; a redirect
// from a collaborator is reported as a StatusError.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// DoJSON sends body (if non-nil) as JSON and decodes a JSON object response into out.
func DoJSON(ctx context.Context, hc *http.Client, method, url string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return Do(hc, req, out)
}

// Do executes req and decodes a JSON object response into out. Redirects
// and statuses >= 400 become a *StatusError.
func Do(hc *http.Client, req *http.Request, out any) error {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return &StatusError{
			Method: req.Method, URL: req.URL.Redacted(), Code: resp.StatusCode,
			Body: "unexpected redirect to " + resp.Header.Get("Location"),
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &StatusError{Method: req.Method, URL: req.URL.Redacted(), Code: resp.StatusCode, Body: truncate(string(raw), 500)}
	}
	if out == nil {
		return nil
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%s %s: expected JSON object response", req.Method, req.URL.Redacted())
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL.Redacted(), err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
