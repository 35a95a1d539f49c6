// Package dispatch delivers signed execution requests to provider endpoints.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ai-coordinator/internal/domain"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 2
	defaultBackoff    = 500 * time.Millisecond
)

// ErrRejected wraps a 4xx answer; such calls are never retried.
var ErrRejected = errors.New("dispatch: provider rejected request")

// HTTPStatusError captures non-2xx provider responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("dispatch: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Dispatcher POSTs execution requests. A 2xx answer only means the provider
// accepted the call; the result arrives later over the bus.
type Dispatcher struct {
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithTimeout bounds each attempt.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithRetries sets how many times a 5xx or transport failure is retried,
// waiting backoff, 2*backoff, ... between attempts.
func WithRetries(maxRetries int, backoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxRetries >= 0 {
			d.maxRetries = maxRetries
		}
		if backoff >= 0 {
			d.backoff = backoff
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		logger:     slog.Default(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends req to endpoint.
func (d *Dispatcher) Dispatch(ctx context.Context, endpoint string, req domain.ExecutionRequest) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return errors.New("dispatch: endpoint must not be empty")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("dispatch: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			wait := d.backoff << (attempt - 1)
			if err := d.sleep(ctx, wait); err != nil {
				return fmt.Errorf("dispatch: %w (last error: %v)", err, lastErr)
			}
		}
		lastErr = d.post(ctx, endpoint, body)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrRejected) || ctx.Err() != nil {
			return lastErr
		}
		d.logger.Warn("dispatch: attempt failed",
			"url", endpoint, "sessionId", req.SessionID, "attempt", attempt+1, "err", lastErr)
	}
	return lastErr
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrRejected, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := d.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch: post %s: %w", url, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
		return nil
	}
	buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	statusErr := &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	if res.StatusCode >= 400 && res.StatusCode < 500 {
		return fmt.Errorf("%w: %w", ErrRejected, statusErr)
	}
	return statusErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
