package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrResponseTooLarge is returned when an upstream body exceeds Exchange.MaxBody.
var ErrResponseTooLarge = errors.New("upstream response too large")

const defaultMaxBody = 1 << 20

// Exchange posts JSON documents to an upstream service and reads the answer
// back whole. Only requests that never produced a response are retried; any
// status the upstream returns, 5xx included, is handed to the caller.
type Exchange struct {
	Client   *http.Client
	MaxBody  int64
	Attempts int
	Backoff  time.Duration
}

// Post sends body to url. The content type defaults to application/json.
func (e Exchange) Post(ctx context.Context, url string, body []byte, contentType string) (int, []byte, error) {
	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	if contentType == "" {
		contentType = "application/json"
	}
	attempts := e.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := e.Backoff
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return 0, nil, err
			}
			delay *= 2
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		respBody, err := e.read(resp)
		if err != nil {
			return resp.StatusCode, nil, err
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, fmt.Errorf("post %s: %w", url, lastErr)
}

func (e Exchange) read(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	limit := e.MaxBody
	if limit <= 0 {
		limit = defaultMaxBody
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
