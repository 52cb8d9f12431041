package resilience_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bundle-checkout/internal/resilience"
)

func newClient(attempts int) resilience.HTTPClient {
	return resilience.HTTPClient{
		Client:      &http.Client{},
		Breaker:     resilience.NewBreaker(100, 1, time.Minute),
		BaseBackoff: time.Millisecond,
		MaxAttempts: attempts,
		Timeout:     time.Second,
		Target:      "test",
	}
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var hits int32
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	retried := resilience.RetryAttempts.WithLabelValues("test", "server_error")
	before := testutil.ToFloat64(retried)
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	resp, err := newClient(3).Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, atomic.LoadInt32(&hits))
	require.Equal(t, []string{`{"a":1}`, `{"a":1}`, `{"a":1}`}, bodies)
	require.Equal(t, before+2, testutil.ToFloat64(retried))
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"state":1}`)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{}`))
	require.NoError(t, err)
	resp, err := newClient(5).Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, `{"state":1}`, string(body))
}

func TestHTTPClientReturnsLastServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "maintenance")
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := newClient(2).Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "maintenance", string(body))
}

func TestHTTPClientAttemptTimeout(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	client := newClient(2)
	client.Timeout = 20 * time.Millisecond
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = client.Do(context.Background(), req)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestHTTPClientOpenBreaker(t *testing.T) {
	breaker := resilience.NewBreaker(1, 0.5, time.Minute)
	breaker.Report(context.Background(), false)

	client := newClient(3)
	client.Breaker = breaker
	req, err := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)
	require.NoError(t, err)
	_, err = client.Do(context.Background(), req)
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
}
