package httpclient

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
)

// StreamRequest describes a long-poll or chunked GET whose body is a
// sequence of newline-delimited JSON records, the shape the document
// synchronizer's pull endpoint uses (client-message delivery-status records
// ride the same feed).
type StreamRequest struct {
	URL     string
	Headers map[string]string
}

// Line is one decoded record from a stream, delivered as raw bytes so the
// caller can unmarshal into whatever shape it expects for that endpoint.
type Line struct {
	Raw []byte
}

// ExecuteStream issues a GET against req.URL and invokes onLine for each
// newline-delimited record in the response body as it arrives, returning
// once the server closes the connection, ctx is cancelled, or onLine
// returns an error. This is the model for every long-poll call in the
// engine: the HTTP connection itself is the wait, so there is no separate
// polling loop sleeping between requests.
func (c *Client) ExecuteStream(ctx context.Context, req *StreamRequest, onLine func(Line) error) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("httpclient: build stream request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("httpclient: stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("httpclient: stream HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		if err := onLine(Line{Raw: cp}); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	return scanner.Err()
}

// Direct issues req without retry and returns the raw *http.Response body
// reader for callers that need to stream a large response directly to disk
// (the attachment downloader, which hands the body to BlobStore.Write)
// instead of buffering it.
func (c *Client) Direct(ctx context.Context, req *Request) (*http.Response, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httpclient: direct request failed: %w", err)
	}
	return resp, nil
}
