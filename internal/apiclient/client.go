// Package apiclient is the shared in-process HTTP client used by every
// outbound call this daemon makes: the Requester's calls to a Provider's
// Admission API, its calls to the routing backend, and the Provider's
// calls to an optional external auth backend. It replaces the reference
// implementation's curl shell-outs with an in-process net/http client,
// preserving status-code-based error classification. Each caller
// constructs its own Client with New.
package apiclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

const (
	gzipThreshold   = 1024
	maxResponseSize = 10 * 1024 * 1024
	userAgent       = "meshtund/1"
)

// Client is a minimal JSON-over-HTTP client with gzip request/response
// support and typed error classification.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a Client with the given configuration.
func New(cfg Config) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		},
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		DisableCompression: true,
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}, nil
}

// GetJSON sends a GET request and decodes a JSON response.
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, result)
}

// PostJSON sends a POST request with a JSON body and decodes a JSON response.
func (c *Client) PostJSON(ctx context.Context, path string, body, result any) error {
	return c.doRequest(ctx, http.MethodPost, path, body, result)
}

// GetText sends a GET request and returns the raw response body as a
// string, without requiring it to be JSON. Used for the liveness probe,
// which returns plain text.
func (c *Client) GetText(ctx context.Context, path string) (string, error) {
	resp, err := c.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errorFromResponse(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("apiclient: read response: %w", err)
	}
	return string(body), nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.sendRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}

	if result == nil {
		return nil
	}

	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gr, gerr := gzip.NewReader(resp.Body)
		if gerr != nil {
			return fmt.Errorf("apiclient: gzip decompress response: %w", gerr)
		}
		defer gr.Close()
		reader = gr
	}

	data, err := io.ReadAll(io.LimitReader(reader, maxResponseSize))
	if err != nil {
		return fmt.Errorf("apiclient: read response: %w", err)
	}
	if err := json.Unmarshal(data, result); err != nil {
		return &ErrNonJSONResponse{StatusCode: resp.StatusCode, Cause: err}
	}
	return nil
}

func (c *Client) sendRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	var compressed bool

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("apiclient: marshal request body: %w", err)
		}
		if len(data) > gzipThreshold {
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(data); err != nil {
				return nil, fmt.Errorf("apiclient: gzip compress request: %w", err)
			}
			if err := gw.Close(); err != nil {
				return nil, fmt.Errorf("apiclient: gzip close: %w", err)
			}
			bodyReader = &buf
			compressed = true
		} else {
			bodyReader = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("apiclient: create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", userAgent)

	return c.httpClient.Do(req)
}
