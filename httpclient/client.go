package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"aiqsync.dev/model"
)

// Client executes requests against a single backend, retrying transient
// failures with backoff, context-aware throughout since every call here
// can be cancelled by a closing session.
type Client struct {
	http *http.Client
}

// New builds a Client. insecureSkipVerify exists only for talking to
// backends fronted by self-signed certificates in development.
func New(insecureSkipVerify bool) *Client {
	c := &http.Client{}
	if insecureSkipVerify {
		c.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &Client{http: c}
}

// Execute performs req, retrying according to RetryCount/RetryBackoff on
// transient (non-4xx) failures.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	var lastErr error
	attempts := req.RetryCount + 1

	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := c.executeOnce(ctx, req)
		if err == nil {
			resp.Duration = time.Since(start)
			return resp, nil
		}

		lastErr = err
		if resp != nil && resp.IsClientError() {
			resp.Duration = time.Since(start)
			return resp, err
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(calculateBackoff(attempt, req.RetryBackoff, req.RetryInterval)):
			}
		}
	}

	return nil, model.WrapError(model.CodeConnectionFault,
		fmt.Sprintf("httpclient: request failed after %d attempts", attempts), lastErr)
}

func (c *Client) executeOnce(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}

	client := c.http
	if req.Timeout > 0 {
		cp := *c.http
		cp.Timeout = req.Timeout
		client = &cp
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httpclient: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read body: %w", err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    make(map[string]string),
		Body:       body,
	}
	for k, v := range httpResp.Header {
		if len(v) > 0 {
			resp.Headers[k] = v[0]
		}
	}

	if !resp.IsSuccess() {
		return resp, fmt.Errorf("httpclient: HTTP %d", resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) build(ctx context.Context, req *Request) (*http.Request, error) {
	var body io.Reader
	switch {
	case req.JSONBody != nil:
		body = bytes.NewReader(req.JSONBody)
	case req.RawBody != nil:
		body = bytes.NewReader(req.RawBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}

	if req.JSONBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}
