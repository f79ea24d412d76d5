package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/markenriz8-crypto/signapi-markuz/pkg/signer"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveSignerEvent(t *testing.T) {
	r := NewRegistry()

	r.ObserveSignerEvent(signer.Event{Type: signer.EventLoaded, Source: "builtin:x"})
	require.Equal(t, 1.0, testutil.ToFloat64(r.SignerReady))
	require.Equal(t, 1.0, testutil.ToFloat64(r.SignerLoads.WithLabelValues("ok")))

	r.ObserveSignerEvent(signer.Event{Type: signer.EventUnloaded})
	require.Equal(t, 0.0, testutil.ToFloat64(r.SignerReady))

	r.ObserveSignerEvent(signer.Event{Type: signer.EventLoadFailed})
	require.Equal(t, 1.0, testutil.ToFloat64(r.SignerLoads.WithLabelValues("failed")))

	r.ObserveSignerEvent(signer.Event{Type: "signer.recovered"})
	r.ObserveSignerEvent(signer.Event{Type: "signer.recovery_failed"})
	require.Equal(t, 1.0, testutil.ToFloat64(r.CrashRecoveries.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.CrashRecoveries.WithLabelValues("failed")))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := NewRegistry()
	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/sign", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 2; i++ {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sign?url=a", nil))
	}
	require.Equal(t, 2.0, testutil.ToFloat64(r.HTTPRequests.WithLabelValues(http.MethodGet, "/sign", "503")))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, 1.0, testutil.ToFloat64(r.HTTPRequests.WithLabelValues(http.MethodGet, "unmatched", "404")))
}

func TestHandlerExposesServiceMetrics(t *testing.T) {
	r := NewRegistry()
	r.SignTotal.WithLabelValues("ok").Inc()
	r.RateLimited.Inc()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	require.True(t, strings.Contains(text, `signapi_sign_total{outcome="ok"} 1`), text)
	require.Contains(t, text, "signapi_rate_limited_total 1")
	require.Contains(t, text, "go_goroutines")
}

func TestGathererListsRegisteredFamilies(t *testing.T) {
	r := NewRegistry()
	r.ProxyRequests.WithLabelValues("ok").Inc()
	n, err := testutil.GatherAndCount(r.reg, "signapi_proxy_requests_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
