// Package webhook POSTs ledger-change events to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/rollcall/events"
)

// Publisher POSTs each event as JSON with one retry on a 5xx response or
// transport error. 4xx responses are not retried.
type Publisher struct {
	url        string
	authHeader string // "Header: Value" format, e.g. "Authorization: Bearer xxx"
	client     *http.Client
	retryDelay time.Duration
}

func New(url, authHeader string) *Publisher {
	return &Publisher{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
	}
}

func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Rollcall-Webhook/1.0")
		if name, value, ok := strings.Cut(p.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("webhook: request failed: %w", err)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("webhook: server error: %d", resp.StatusCode)
			continue
		default:
			return fmt.Errorf("webhook: client error: %d", resp.StatusCode)
		}
	}
	return lastErr
}
