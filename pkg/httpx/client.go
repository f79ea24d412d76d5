package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Call describes one outbound JSON request.
type Call struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
	// Retries applies to transport errors and 5xx responses only.
	Retries    int
	RetryDelay time.Duration
	// MaxBody caps the response size; 0 means 4 MiB.
	MaxBody int64
}

// Do performs c and returns the final status and body.
func Do(ctx context.Context, client *http.Client, c Call) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	if c.MaxBody <= 0 {
		c.MaxBody = 4 << 20
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 && !sleep(ctx, c.RetryDelay) {
			return 0, nil, ctx.Err()
		}
		status, body, err := once(ctx, client, c)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 && attempt < retries {
			continue
		}
		return status, body, nil
	}
	return 0, nil, lastErr
}

func once(ctx context.Context, client *http.Client, c Call) (int, []byte, error) {
	var body io.Reader
	if len(c.Body) > 0 {
		body = bytes.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if len(c.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.MaxBody))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
