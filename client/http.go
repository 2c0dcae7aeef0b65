package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"Conclave/internal/kerr"
)

// kinds are the engine error kinds an APIError can unwrap to, matched by
// the message prefix the agent writes.
var kinds = []error{
	kerr.ErrMalformedRequest,
	kerr.ErrNotFound,
	kerr.ErrUnauthorizedMember,
	kerr.ErrAliasConflict,
	kerr.ErrConfiguration,
	kerr.ErrDelivery,
	kerr.ErrConflictingContribution,
	kerr.ErrTimeout,
}

// APIError is a non-success answer of the agent.
type APIError struct {
	Method  string // Method is the request method
	Path    string // Path is the request path
	Status  int    // Status is the HTTP status code
	Message string // Message is the agent's error text
	Field   string // Field names the request field at fault, if any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// Unwrap exposes the engine error kind so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	for _, k := range kinds {
		if strings.HasPrefix(e.Message, k.Error()) {
			return k
		}
	}

	return nil
}

// do sends body as JSON and decodes a 2xx answer into result. It returns
// the status code of successful calls.
func (c *Client) do(ctx context.Context, method, path string, body, result any) (int, error) {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal body:\n%w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request:\n%w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s:\n%w", method, path, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode}

		var msg struct {
			Error string `json:"error"`
			Field string `json:"field"`
		}
		if json.NewDecoder(resp.Body).Decode(&msg) == nil {
			apiErr.Message, apiErr.Field = msg.Error, msg.Field
		}

		return resp.StatusCode, apiErr
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s:\n%w", method, path, err)
	}

	return resp.StatusCode, nil
}
