package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// maxRetries is the number of retries after the initial attempt.
const maxRetries = 3

const baseBackoff = 500 * time.Millisecond

// doWithRetry executes an HTTP request with retries on 429, 5xx and
// transport errors. The build func is called per attempt because request
// bodies cannot be reused once read.
func doWithRetry(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("retryable status %s", resp.Status)
			resp.Body.Close()
			continue
		}

		return resp, nil
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries+1, lastErr)
}
