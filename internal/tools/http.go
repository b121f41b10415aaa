package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Iron-Ham/ragents/internal/errors"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxBodyBytes       = 4 << 20
	userAgent          = "ragents/1.0 (+research agent)"
)

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// retryAfter is the delay a throttled or unavailable upstream asked for.
func retryAfter(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0
	}
	return errors.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
}

// do performs req and returns the body of a 200 response. Transport
// failures and retryable statuses become retryable ToolErrors.
func do(ctx context.Context, client *http.Client, tool string, req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewToolError(tool, "request failed", err).WithRetryable(true)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.NewToolError(tool, "reading response", err).WithRetryable(true)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewToolError(tool, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)), nil).
			WithStatusCode(resp.StatusCode).
			WithRetryable(errors.RetryableStatus(resp.StatusCode)).
			WithBackoffHint(retryAfter(resp))
	}
	return body, nil
}
