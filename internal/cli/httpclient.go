package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/tidwall/gjson"
)

// ServerError represents an error response from the server
type ServerError struct {
	Result int    `json:"result"`
	Error  string `json:"error"`
}

// HTTPError represents an error response from the server with a status code
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// HTTPClient represents a client for making HTTP requests to the orchestrator
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client against the configured server
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		baseURL:    serverURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// RequestOptions contains options for making HTTP requests
type RequestOptions struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Body        []byte
}

// DoRequest makes an HTTP request with the given options. It returns the
// response body and the Location header, if any.
func (c *HTTPClient) DoRequest(opts RequestOptions) ([]byte, string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid server URL: %v", err)
	}
	u.Path = path.Join(u.Path, opts.Path)

	q := u.Query()
	for k, v := range opts.QueryParams {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(opts.Method, u.String(), bytes.NewBuffer(opts.Body))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %v", err)
	}

	if resp.StatusCode >= 400 {
		var serverErr ServerError
		if err := json.Unmarshal(body, &serverErr); err == nil && serverErr.Error != "" {
			return nil, "", &HTTPError{
				StatusCode: resp.StatusCode,
				Message:    serverErr.Error,
			}
		}
		return nil, "", &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	return body, resp.Header.Get("Location"), nil
}

// WaitForOperation polls the operation at the given Location until it reaches
// a terminal status or the timeout elapses. It returns the final handle body.
func (c *HTTPClient) WaitForOperation(location string, timeout time.Duration) ([]byte, error) {
	if location == "" {
		return nil, fmt.Errorf("server did not return an operation location")
	}
	deadline := time.Now().Add(timeout)
	for {
		body, _, err := c.DoRequest(RequestOptions{
			Method: http.MethodGet,
			Path:   location,
		})
		if err != nil {
			return nil, err
		}
		switch gjson.GetBytes(body, "status").String() {
		case "succeeded":
			return body, nil
		case "failed":
			return body, fmt.Errorf("operation failed: %s", gjson.GetBytes(body, "error_detail").String())
		}
		if time.Now().After(deadline) {
			return body, fmt.Errorf("timed out waiting for operation %s", gjson.GetBytes(body, "id").String())
		}
		time.Sleep(500 * time.Millisecond)
	}
}
