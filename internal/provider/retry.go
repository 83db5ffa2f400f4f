package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusError is a non-2xx answer from the LLM endpoint.
type StatusError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // from the Retry-After header, if any
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Temporary reports whether the request is worth repeating.
func (e *StatusError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

func readStatusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Status:     resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// parseRetryAfter accepts both forms of the header: delay seconds and an
// HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// retryPolicy repeats a request on network errors, 5xx and 429.
// Backoff is quadratic in the attempt number with up to 50% jitter, unless
// the server asked for a specific delay.
type retryPolicy struct {
	retries int           // extra attempts after the first
	unit    time.Duration // backoff for the first retry
	maxWait time.Duration // ceiling for a server supplied Retry-After
	logger  *slog.Logger
}

func (p retryPolicy) do(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	var last error
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last = err
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		default:
			se := readStatusError(resp)
			if !se.Temporary() {
				return nil, se
			}
			last = se
		}

		if attempt >= p.retries {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt+1, last)
		}
		wait := p.backoff(attempt+1, last)
		p.logger.Warn("llm request failed, retrying", "attempt", attempt+1, "wait", wait, "err", last)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p retryPolicy) backoff(retry int, cause error) time.Duration {
	var se *StatusError
	if errors.As(cause, &se) && se.RetryAfter > 0 {
		return min(se.RetryAfter, p.maxWait)
	}
	base := time.Duration(retry*retry) * p.unit
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}
