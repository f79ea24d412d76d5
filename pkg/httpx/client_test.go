package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	defer srv.Close()

	status, body, err := Do(context.Background(), srv.Client(), Call{URL: srv.URL, Retries: 1})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"success":true}`, string(body))
	require.EqualValues(t, 2, calls.Load())
}

func TestDoReturnsLast5xxWhenRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"success":false}`)
	}))
	defer srv.Close()

	status, body, err := Do(context.Background(), srv.Client(), Call{URL: srv.URL, Retries: 2})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.JSONEq(t, `{"success":false}`, string(body))
	require.EqualValues(t, 3, calls.Load())
}

func TestDoNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	status, _, err := Do(context.Background(), srv.Client(), Call{URL: srv.URL, Retries: 3})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, status)
	require.EqualValues(t, 1, calls.Load())
}

func TestDoSetsHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "abc", r.Header.Get("X-Request-Id"))
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	_, body, err := Do(context.Background(), nil, Call{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Body:    []byte(`{"url":"https://x"}`),
		Headers: map[string]string{"X-Request-Id": "abc"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://x"}`, string(body))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestDoTransportErrors(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})}
	_, _, err := Do(context.Background(), client, Call{URL: "http://proxy.invalid", Retries: 1})
	require.ErrorContains(t, err, "connection refused")
	require.EqualValues(t, 2, calls.Load())

	_, _, err = Do(context.Background(), client, Call{URL: "://bad"})
	require.Error(t, err)
}

func TestDoCapsBody(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("0123456789"))}, nil
	})}
	_, body, err := Do(context.Background(), client, Call{URL: "http://x", MaxBody: 4})
	require.NoError(t, err)
	require.Equal(t, "0123", string(body))
}

func TestDoStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		cancel()
		return nil, errors.New("boom")
	})}
	_, _, err := Do(ctx, client, Call{URL: "http://x", Retries: 5, RetryDelay: time.Hour})
	require.ErrorIs(t, err, context.Canceled)
}
