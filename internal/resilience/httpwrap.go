package resilience

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RetryPolicy decides whether an attempt outcome is worth another try.
type RetryPolicy func(resp *http.Response, err error) bool

// RetryTransient retries transport failures (including per-attempt timeouts)
// and 5xx responses. A 4xx is an explicit rejection and is returned as is.
func RetryTransient(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrOpenCircuit)
	}
	return resp != nil && resp.StatusCode >= http.StatusInternalServerError
}

// HTTPClient wraps an http.Client with retry, per-attempt timeout and
// circuit-breaker logic.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
	Retry       RetryPolicy
	Target      string
	Logger      *zerolog.Logger
}

// NewTransportClient returns an http.Client whose transport is traced.
func NewTransportClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Do executes req, retrying per the policy with exponential backoff. The body
// is buffered so every attempt sends identical bytes. When attempts are
// exhausted the last response (possibly a 5xx) or error is returned.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	breaker := cl.Breaker
	if breaker == nil {
		breaker = NewBreaker(1, 1, time.Second)
	}
	retry := cl.Retry
	if retry == nil {
		retry = RetryTransient
	}
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		if !breaker.Allow(ctx) {
			return nil, ErrOpenCircuit
		}
		resp, err := cl.doOnce(ctx, cloneRequest(ctx, req, body))
		breaker.Report(ctx, err == nil && resp.StatusCode < http.StatusInternalServerError)
		if attempt >= maxAttempts || ctx.Err() != nil || !retry(resp, err) {
			return resp, err
		}
		RetryAttempts.WithLabelValues(cl.target(), retryReason(resp, err)).Inc()
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		wait := Backoff(cl.BaseBackoff, attempt, cl.Jitter)
		cl.logRetry(attempt, wait, resp, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		return cl.Client.Do(req)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := cl.Client.Do(req.WithContext(callCtx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (cl HTTPClient) target() string {
	if cl.Target == "" {
		return "default"
	}
	return cl.Target
}

func (cl HTTPClient) logRetry(attempt int, wait time.Duration, resp *http.Response, err error) {
	if cl.Logger == nil {
		return
	}
	evt := cl.Logger.Warn().Str("target", cl.target()).Int("attempt", attempt).Dur("backoff", wait)
	if err != nil {
		evt = evt.Err(err)
	} else if resp != nil {
		evt = evt.Int("status", resp.StatusCode)
	}
	evt.Msg("outbound_retry")
}

// cancelOnClose keeps the attempt context alive until the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	_ = req.Body.Close()
	return data, nil
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return clone
}
