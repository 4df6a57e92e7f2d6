package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/intelpipe/backend/pkg/circuitbreaker"
	"github.com/intelpipe/backend/pkg/logger"
	"github.com/intelpipe/backend/pkg/retry"
)

const (
	userAgent    = "intelpipe/1.0 (+https://github.com/intelpipe/backend)"
	maxBodyBytes = 32 << 20
)

// Fetcher is the HTTP client every adapter shares: it paces requests by the
// configured delay, retries transient failures and trips a per-source breaker.
type Fetcher struct {
	source     string
	httpClient *http.Client
	delay      time.Duration
	cb         *circuitbreaker.CircuitBreaker
	retry      retry.Config

	mu   sync.Mutex
	next time.Time
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpClient = c }
}

func WithRetry(cfg retry.Config) Option {
	return func(f *Fetcher) {
		cfg.RetryIf = f.retry.RetryIf
		f.retry = cfg
	}
}

func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(f *Fetcher) { f.cb = cb }
}

func WithDelay(d time.Duration) Option {
	return func(f *Fetcher) { f.delay = d }
}

func NewFetcher(source string, timeout, delay time.Duration, opts ...Option) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	f := &Fetcher{
		source:     source,
		httpClient: &http.Client{Timeout: timeout},
		delay:      delay,
		retry: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   time.Second,
			MaxDelay:       30 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.2,
			RetryIf:        retryable,
			Logger:         logger.GetLogger(),
		},
	}
	f.cb = circuitbreaker.NewCircuitBreaker("source-"+source, circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         10 * time.Minute,
		Timeout:          5 * time.Minute,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		IsFailure:        retryable,
		Logger:           logger.GetLogger(),
	})

	for _, opt := range opts {
		opt(f)
	}
	return f
}

// retryable treats throttling, server errors and transport errors as transient.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return !retry.IsPermanent(err)
}

// pace blocks until the configured delay since the previous request has passed.
func (f *Fetcher) pace(ctx context.Context) error {
	if f.delay <= 0 {
		return nil
	}

	f.mu.Lock()
	now := time.Now()
	wait := f.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	f.next = now.Add(wait + f.delay)
	f.mu.Unlock()

	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do sends one request and returns the body of a 200 response.
func (f *Fetcher) Do(ctx context.Context, method, url string, headers map[string]string, body []byte) ([]byte, error) {
	var out []byte

	err := f.cb.Execute(ctx, func() error {
		return retry.Do(ctx, f.retry, func() error {
			if err := f.pace(ctx); err != nil {
				return err
			}

			var reader io.Reader
			if body != nil {
				reader = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, url, reader)
			if err != nil {
				return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
			}
			req.Header.Set("User-Agent", userAgent)
			for k, v := range headers {
				req.Header.Set(k, v)
			}

			resp, err := f.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", url, err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return &StatusError{
					Source:     f.source,
					URL:        url,
					StatusCode: resp.StatusCode,
					Body:       strings.TrimSpace(string(data[:min(len(data), 200)])),
				}
			}

			out = data
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			logger.Warn("Source circuit open, skipping request", zap.String("source", f.source))
		}
		return nil, err
	}

	logger.Debug("Fetched source page",
		zap.String("source", f.source),
		zap.String("url", url),
		zap.Int("bytes", len(out)),
	)
	return out, nil
}

func (f *Fetcher) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	return f.Do(ctx, http.MethodGet, url, headers, nil)
}

func (f *Fetcher) GetJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Accept"] = "application/json"

	data, err := f.Get(ctx, url, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: failed to parse response: %w", f.source, err)
	}
	return nil
}

func (f *Fetcher) PostJSON(ctx context.Context, url string, headers map[string]string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Accept"] = "application/json"
	headers["Content-Type"] = "application/json"

	data, err := f.Do(ctx, http.MethodPost, url, headers, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: failed to parse response: %w", f.source, err)
	}
	return nil
}
